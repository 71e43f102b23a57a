package proxy

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mir00r/lbcore/internal/config"
	"github.com/mir00r/lbcore/internal/health"
	"github.com/mir00r/lbcore/internal/metrics"
	"github.com/mir00r/lbcore/internal/router"
	"github.com/mir00r/lbcore/pkg/logger"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	return log
}

// echoServer accepts one connection and echoes back everything it reads,
// until the client half-closes or disconnects.
func echoServer(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func singleServerSnapshot(addr string) *config.Snapshot {
	return &config.Snapshot{
		Frontends: []config.Frontend{
			{Name: "raw", Listen: "0.0.0.0:0", Protocol: config.ProtocolTCP, Backend: "echo", Algorithm: config.AlgorithmRoundRobin},
		},
		Backends: map[string]config.Backend{
			"echo": {
				Name:    "echo",
				Servers: []config.Server{{Addr: addr, Weight: 1}},
			},
		},
	}
}

func TestL4ProxyForwardsBytesBothDirections(t *testing.T) {
	backendAddr, closeBackend := echoServer(t)
	defer closeBackend()

	hm := health.NewMap(testLogger(t))
	snap := singleServerSnapshot(backendAddr)
	hm.Register("echo", backendAddr, health.DefaultConfig())

	r, err := router.New(snap, hm)
	require.NoError(t, err)

	sink := metrics.New()
	p := NewL4Proxy("raw", "echo", r, sink, testLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go p.Serve(ln, time.Second)

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	_, err = clientConn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestL4ProxyFailsWhenNoBackendReachable(t *testing.T) {
	hm := health.NewMap(testLogger(t))
	deadAddr := "127.0.0.1:1"
	snap := singleServerSnapshot(deadAddr)
	hm.Register("echo", deadAddr, health.DefaultConfig())

	r, err := router.New(snap, hm)
	require.NoError(t, err)

	sink := metrics.New()
	p := NewL4Proxy("raw", "echo", r, sink, testLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go p.Serve(ln, 200*time.Millisecond)

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientConn.Read(make([]byte, 1))
	require.Error(t, err, "proxy should close the client connection when no backend is reachable")

	var out strings.Builder
	sink.WriteTo(&out)
	require.Contains(t, out.String(), `lbcore_connections_total{backend="echo",frontend="raw",result="failed"}`)
}

// TestL4ProxyClientResetDoesNotMarkBackendFailed exercises spec §4.5.1's
// attribution rule: a client that resets its side of the connection while
// the backend is still alive and well must not flip the backend unhealthy.
func TestL4ProxyClientResetDoesNotMarkBackendFailed(t *testing.T) {
	backendAddr, closeBackend := echoServer(t)
	defer closeBackend()

	hm := health.NewMap(testLogger(t))
	snap := singleServerSnapshot(backendAddr)
	hm.Register("echo", backendAddr, health.DefaultConfig())

	r, err := router.New(snap, hm)
	require.NoError(t, err)

	sink := metrics.New()
	p := NewL4Proxy("raw", "echo", r, sink, testLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go p.Serve(ln, time.Second)

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	tcpConn := clientConn.(*net.TCPConn)
	tcpConn.SetLinger(0)
	tcpConn.Close()

	time.Sleep(100 * time.Millisecond)
	require.True(t, hm.IsHealthy("echo", backendAddr), "a client reset must not mark the backend unhealthy")
}

func TestL4ProxyDrainWaitsThenForceClosesAtDeadline(t *testing.T) {
	backendAddr, closeBackend := echoServer(t)
	defer closeBackend()

	hm := health.NewMap(testLogger(t))
	snap := singleServerSnapshot(backendAddr)
	hm.Register("echo", backendAddr, health.DefaultConfig())

	r, err := router.New(snap, hm)
	require.NoError(t, err)

	sink := metrics.New()
	p := NewL4Proxy("raw", "echo", r, sink, testLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go p.Serve(ln, time.Second)

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	// Give the accept loop a moment to register the connection with the
	// tracker before the listener closes.
	time.Sleep(50 * time.Millisecond)
	ln.Close()

	start := time.Now()
	p.Drain(200 * time.Millisecond)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "drain must wait out the deadline before forcing closure")
	require.Less(t, elapsed, 2*time.Second, "drain must force-close promptly once the deadline passes")
}
