package proxy

import (
	"bufio"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/lbcore/internal/config"
	lberrors "github.com/mir00r/lbcore/internal/errors"
	"github.com/mir00r/lbcore/internal/metrics"
	"github.com/mir00r/lbcore/internal/router"
	"github.com/mir00r/lbcore/pkg/logger"
)

const defaultMaxHeaderBytes = 64 * 1024

const requestIDHeader = "X-Request-Id"

var errHeaderTooLarge = errors.New("proxy: request header section too large")

// L7Proxy runs an HTTP/1.1 request/response forwarding loop per client
// connection: parse, select a backend, rewrite headers, stream the
// request upstream, stream the response back, then decide whether to
// keep the connection alive for another request.
type L7Proxy struct {
	frontend       string
	backend        string
	router         *router.Router
	sink           *metrics.Sink
	logger         *logger.Logger
	requestHeaders  map[string]string
	responseHeaders map[string]string
	maxHeaderBytes int64
	tracker        connTracker
}

// NewL7Proxy creates an L7Proxy for one frontend/backend pairing.
func NewL7Proxy(frontendName, backendName string, r *router.Router, sink *metrics.Sink, log *logger.Logger, opts *config.HTTPOptions) *L7Proxy {
	p := &L7Proxy{
		frontend:       frontendName,
		backend:        backendName,
		router:         r,
		sink:           sink,
		logger:         log.WithField("component", "l7_proxy").WithField("frontend", frontendName),
		maxHeaderBytes: defaultMaxHeaderBytes,
	}
	if opts != nil {
		p.requestHeaders = opts.RequestHeaders
		p.responseHeaders = opts.ResponseHeaders
	}
	return p
}

// Serve accepts connections on ln until it is closed or an accept error
// occurs, handling each on its own goroutine.
func (p *L7Proxy) Serve(ln net.Listener, connectTimeout, readTimeout time.Duration) error {
	p.logger.WithField("listen", ln.Addr().String()).Info("l7 proxy listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go p.handleConn(conn, connectTimeout, readTimeout)
	}
}

// Drain waits for in-flight connections to finish on their own, up to
// deadline, then forcibly closes whatever remains so the caller's wait
// completes. Intended to be called after Serve has returned.
func (p *L7Proxy) Drain(deadline time.Duration) {
	p.tracker.drain(deadline)
}

// capReader limits how many bytes may be read before the header section
// of a request has been parsed; reset between requests and lifted once
// body streaming begins so bodies are never size-capped.
type capReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.n >= c.limit {
		return 0, errHeaderTooLarge
	}
	if remaining := c.limit - c.n; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (p *L7Proxy) handleConn(clientConn net.Conn, connectTimeout, readTimeout time.Duration) {
	p.tracker.track(clientConn)
	defer p.tracker.untrack(clientConn)
	defer clientConn.Close()

	p.sink.AddGauge("lbcore_active_connections", map[string]string{"frontend": p.frontend}, 1)
	defer p.sink.AddGauge("lbcore_active_connections", map[string]string{"frontend": p.frontend}, -1)

	clientHost, clientPort, err := net.SplitHostPort(clientConn.RemoteAddr().String())
	if err != nil {
		clientHost = clientConn.RemoteAddr().String()
	}

	capR := &capReader{r: clientConn, limit: p.maxHeaderBytes}
	reader := bufio.NewReader(capR)

	var upstream net.Conn
	var upstreamAddr string
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
	}()

	for {
		capR.limit = p.maxHeaderBytes
		capR.n = 0
		if readTimeout > 0 {
			clientConn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.writeClientError(clientConn, err)
			}
			return
		}
		capR.limit = math.MaxInt64

		keepAlive, upErr := p.serveOne(clientConn, req, clientHost, clientPort, connectTimeout, readTimeout, &upstream, &upstreamAddr)
		if upErr != nil {
			return
		}
		if !keepAlive {
			return
		}
	}
}

// serveOne handles one request/response exchange on an already-accepted
// client connection, reusing upstream if it is still connected to the
// server this request should go to.
func (p *L7Proxy) serveOne(clientConn net.Conn, req *http.Request, clientHost, clientPort string, connectTimeout, readTimeout time.Duration, upstream *net.Conn, upstreamAddr *string) (keepAlive bool, fatalErr error) {
	start := time.Now()

	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := p.logger.RequestLogger(requestID, req.Method, req.URL.Path, clientConn.RemoteAddr().String())

	lease, err := p.router.Select(p.backend, clientHost)
	if err != nil {
		log.WithError(err).Warn("no healthy backend available")
		writeStatusLine(clientConn, http.StatusServiceUnavailable, "Service Unavailable")
		p.recordRequest(req.Method, "503", time.Since(start))
		return false, err
	}
	defer lease.Release()

	if *upstream == nil || *upstreamAddr != lease.Addr() {
		if *upstream != nil {
			(*upstream).Close()
		}
		conn, dialErr := router.DefaultDialer(lease.Addr(), connectTimeout)
		if dialErr != nil {
			lease.MarkFailure()
			backendErr := lberrors.NewBackendConnect(p.backend, lease.Addr(), dialErr)
			log.WithError(backendErr).Warn("backend dial failed")
			writeStatusLine(clientConn, http.StatusBadGateway, "Bad Gateway")
			p.recordRequest(req.Method, "502", time.Since(start))
			return false, backendErr
		}
		*upstream = conn
		*upstreamAddr = lease.Addr()
	}

	vars := headerVars{
		clientIP:    clientHost,
		clientPort:  clientPort,
		backendName: p.backend,
		backendAddr: lease.Addr(),
	}

	clientClose := req.Close
	stripHopByHop(req.Header)
	appendForwardedFor(req.Header, clientHost)
	applyConfiguredHeaders(req.Header, p.requestHeaders, vars)
	req.Header.Set(requestIDHeader, requestID)
	req.Close = false
	req.RequestURI = ""

	if readTimeout > 0 {
		(*upstream).SetWriteDeadline(time.Now().Add(readTimeout))
	}
	if err := req.Write(*upstream); err != nil {
		lease.MarkFailure()
		(*upstream).Close()
		*upstream = nil
		backendErr := lberrors.NewBackendIO(p.backend, lease.Addr(), err)
		log.WithError(backendErr).Warn("backend request write failed")
		writeStatusLine(clientConn, http.StatusBadGateway, "Bad Gateway")
		p.recordRequest(req.Method, "502", time.Since(start))
		return false, backendErr
	}

	if readTimeout > 0 {
		(*upstream).SetReadDeadline(time.Now().Add(readTimeout))
	}
	upstreamReader := bufio.NewReader(*upstream)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		// No response bytes have reached the client yet: safe to
		// answer with a synthetic 502 and mark the backend failed.
		lease.MarkFailure()
		(*upstream).Close()
		*upstream = nil
		backendErr := lberrors.NewBackendIO(p.backend, lease.Addr(), err)
		log.WithError(backendErr).Warn("backend response read failed")
		writeStatusLine(clientConn, http.StatusBadGateway, "Bad Gateway")
		p.recordRequest(req.Method, "502", time.Since(start))
		return false, backendErr
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)
	applyConfiguredHeaders(resp.Header, p.responseHeaders, vars)
	resp.Header.Set("X-Served-By", p.backend+":"+lease.Addr())
	resp.Header.Set(requestIDHeader, requestID)

	// Response has started: a write failure from here on terminates the
	// connection without attempting another status line.
	if err := resp.Write(clientConn); err != nil {
		lease.MarkFailure()
		(*upstream).Close()
		*upstream = nil
		return false, err
	}

	p.recordRequest(req.Method, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode >= 500 {
		lease.MarkFailure()
	}

	if clientClose || resp.Close {
		return false, nil
	}
	return true, nil
}

func (p *L7Proxy) recordRequest(method, status string, duration time.Duration) {
	p.sink.IncCounter("lbcore_requests_total", map[string]string{
		"frontend": p.frontend, "backend": p.backend, "method": method, "status": status,
	}, 1)
	p.sink.ObserveHistogram("lbcore_request_duration_seconds", map[string]string{
		"frontend": p.frontend, "backend": p.backend,
	}, duration.Seconds())
}

// writeClientError maps a request-parse failure to the status code
// spec.md assigns it: malformed framing is 400, an unsupported
// Transfer-Encoding is 501, and an oversized header section is 431.
func (p *L7Proxy) writeClientError(conn net.Conn, err error) {
	status := http.StatusBadRequest
	reason := "Bad Request"
	switch {
	case errors.Is(err, errHeaderTooLarge):
		status = http.StatusRequestHeaderFieldsTooLarge
		reason = "Request Header Fields Too Large"
	case isUnsupportedTransferEncoding(err):
		status = http.StatusNotImplemented
		reason = "Not Implemented"
	}
	writeStatusLine(conn, status, reason)
}

func isUnsupportedTransferEncoding(err error) bool {
	// net/http reports this case as a plain error string; matched by
	// content rather than a sentinel since the stdlib exports none.
	msg := err.Error()
	return len(msg) > 0 && (containsFold(msg, "transfer-encoding") || containsFold(msg, "unsupported transfer"))
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func writeStatusLine(conn net.Conn, status int, reason string) {
	resp := "HTTP/1.1 " + strconv.Itoa(status) + " " + reason + "\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	io.WriteString(conn, resp)
}
