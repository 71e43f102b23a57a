// Package proxy implements the data-plane engines: L4 raw TCP forwarding
// and L7 HTTP/1.1 request forwarding, both driven by a router.Router and
// feeding byte/connection counters into a metrics.Sink.
package proxy

import (
	"io"
	"net"
	"time"

	lberrors "github.com/mir00r/lbcore/internal/errors"
	"github.com/mir00r/lbcore/internal/metrics"
	"github.com/mir00r/lbcore/internal/router"
	"github.com/mir00r/lbcore/pkg/logger"
)

const copyBufferSize = 16 * 1024

// L4Proxy forwards raw TCP connections for one frontend: accept, select
// a backend, dial, then copy bytes in both directions until either side
// closes.
type L4Proxy struct {
	frontend string
	backend  string
	router   *router.Router
	sink     *metrics.Sink
	logger   *logger.Logger
	tracker  connTracker
}

// NewL4Proxy creates an L4Proxy for one frontend/backend pairing.
func NewL4Proxy(frontendName, backendName string, r *router.Router, sink *metrics.Sink, log *logger.Logger) *L4Proxy {
	return &L4Proxy{
		frontend: frontendName,
		backend:  backendName,
		router:   r,
		sink:     sink,
		logger:   log.WithField("component", "l4_proxy").WithField("frontend", frontendName),
	}
}

// Serve accepts connections on ln until it is closed or an accept error
// occurs, handling each on its own goroutine.
func (p *L4Proxy) Serve(ln net.Listener, connectTimeout time.Duration) error {
	p.logger.WithField("listen", ln.Addr().String()).Info("l4 proxy listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go p.handle(conn, connectTimeout)
	}
}

// Drain waits for in-flight connections to finish on their own, up to
// deadline, then forcibly closes whatever remains so the caller's wait
// completes. Intended to be called after Serve has returned.
func (p *L4Proxy) Drain(deadline time.Duration) {
	p.tracker.drain(deadline)
}

func (p *L4Proxy) handle(clientConn net.Conn, connectTimeout time.Duration) {
	p.tracker.track(clientConn)
	defer p.tracker.untrack(clientConn)
	defer clientConn.Close()

	p.sink.AddGauge("lbcore_active_connections", map[string]string{"frontend": p.frontend}, 1)
	defer p.sink.AddGauge("lbcore_active_connections", map[string]string{"frontend": p.frontend}, -1)

	clientAddr := clientConn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(clientAddr)
	if err != nil {
		host = clientAddr
	}

	backendConn, lease, err := p.router.Connect(p.backend, host, connectTimeout, router.DefaultDialer)
	if err != nil {
		p.logger.WithError(err).Warn("no backend connection established")
		p.sink.IncCounter("lbcore_connections_total", map[string]string{
			"frontend": p.frontend, "backend": p.backend, "result": "failed",
		}, 1)
		return
	}
	defer backendConn.Close()
	defer lease.Release()

	p.sink.IncCounter("lbcore_connections_total", map[string]string{
		"frontend": p.frontend, "backend": p.backend, "result": "success",
	}, 1)

	p.copyBidirectional(clientConn, backendConn, lease)
}

// copyBidirectional runs both copy directions concurrently. A clean
// end-of-stream on either side half-closes the write side of the peer;
// an error attributable to the backend (reset, connect failure, write
// failure) marks the lease failed. Client-side resets never mark the
// backend unhealthy.
func (p *L4Proxy) copyBidirectional(client, backend net.Conn, lease *router.Lease) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		res := p.copy(backend, client)
		p.sink.IncCounter("lbcore_bytes_total", map[string]string{
			"frontend": p.frontend, "backend": p.backend, "direction": "to_backend",
		}, res.n)
		closeWrite(backend)
		// dst is the backend here: a write failure is the backend's
		// fault. A read failure came from the client and never reached
		// the backend, so it must not mark the lease failed.
		if res.writeErr != nil {
			backendErr := lberrors.NewBackendIO(p.backend, lease.Addr(), res.writeErr)
			p.logger.WithError(backendErr).Debug("client to backend copy ended with a backend write error")
			lease.MarkFailure()
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		res := p.copy(client, backend)
		p.sink.IncCounter("lbcore_bytes_total", map[string]string{
			"frontend": p.frontend, "backend": p.backend, "direction": "to_client",
		}, res.n)
		closeWrite(client)
		// src is the backend here: a read failure is the backend's
		// fault. A write failure went to the client and is not.
		if res.readErr != nil {
			backendErr := lberrors.NewBackendIO(p.backend, lease.Addr(), res.readErr)
			p.logger.WithError(backendErr).Debug("backend to client copy ended with a backend read error")
			lease.MarkFailure()
		}
	}()

	<-done
	<-done
}

// copyResult reports which side of a copy failed, so the caller can
// attribute the error to the backend only when the backend caused it.
type copyResult struct {
	n        int64
	readErr  error
	writeErr error
}

// copy streams from src to dst, distinguishing a read failure (src's
// fault) from a write failure (dst's fault); io.EOF on the read side is
// treated as a clean end-of-stream, not an error.
func (p *L4Proxy) copy(dst io.Writer, src io.Reader) copyResult {
	buf := make([]byte, copyBufferSize)
	var res copyResult
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			res.n += int64(nw)
			if ew != nil {
				res.writeErr = ew
				return res
			}
			if nw != nr {
				res.writeErr = io.ErrShortWrite
				return res
			}
		}
		if er != nil {
			if er != io.EOF {
				res.readErr = er
			}
			return res
		}
	}
}

// closeWrite half-closes the write side of a TCP connection, if possible.
func closeWrite(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}
}
