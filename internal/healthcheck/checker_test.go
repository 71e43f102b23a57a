package healthcheck

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mir00r/lbcore/internal/config"
	"github.com/mir00r/lbcore/internal/health"
	"github.com/mir00r/lbcore/pkg/logger"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	return log
}

func listenTCP(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func snapshotWithServer(addr string, kind config.HealthCheckKind, path string, interval time.Duration) *config.Snapshot {
	return &config.Snapshot{
		HealthCheckDefaults: config.HealthCheckDefaults{
			UnhealthyThreshold: 2,
			HealthyThreshold:   1,
			Cooldown:           time.Millisecond,
		},
		Backends: map[string]config.Backend{
			"app": {
				Name:    "app",
				Servers: []config.Server{{Addr: addr, Weight: 1}},
				HealthCheck: config.HealthCheck{
					Kind:           kind,
					Path:           path,
					ExpectedStatus: 200,
					Interval:       interval,
					Timeout:        time.Second,
				},
			},
		},
	}
}

func TestTCPProbeMarksHealthyOnAcceptingListener(t *testing.T) {
	addr, closeLn := listenTCP(t)
	defer closeLn()

	hm := health.NewMap(testLogger(t))
	c := New(hm, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, snapshotWithServer(addr, config.HealthCheckTCP, "", 20*time.Millisecond))
	defer c.Stop()

	require.Eventually(t, func() bool {
		return hm.IsHealthy("app", addr)
	}, time.Second, 5*time.Millisecond)
}

func TestTCPProbeMarksUnhealthyWhenNothingListening(t *testing.T) {
	hm := health.NewMap(testLogger(t))
	c := New(hm, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Reserve a port, then stop listening on it so connects fail.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c.Start(ctx, snapshotWithServer(addr, config.HealthCheckTCP, "", 10*time.Millisecond))
	defer c.Stop()

	require.Eventually(t, func() bool {
		return !hm.IsHealthy("app", addr)
	}, time.Second, 5*time.Millisecond)
}

func TestHTTPProbeHonorsExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	hm := health.NewMap(testLogger(t))
	c := New(hm, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, snapshotWithServer(addr, config.HealthCheckHTTP, "/healthz", 10*time.Millisecond))
	defer c.Stop()

	require.Eventually(t, func() bool {
		return !hm.IsHealthy("app", addr)
	}, time.Second, 5*time.Millisecond)
}

func TestReconcileStopsRemovedServerProbe(t *testing.T) {
	addr, closeLn := listenTCP(t)
	defer closeLn()

	hm := health.NewMap(testLogger(t))
	c := New(hm, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snap := snapshotWithServer(addr, config.HealthCheckTCP, "", 10*time.Millisecond)
	c.Start(ctx, snap)
	defer c.Stop()

	require.Eventually(t, func() bool { return hm.IsHealthy("app", addr) }, time.Second, 5*time.Millisecond)

	empty := &config.Snapshot{
		HealthCheckDefaults: snap.HealthCheckDefaults,
		Backends:            map[string]config.Backend{},
	}
	c.Reconcile(ctx, empty)

	require.False(t, hm.Contains("app", addr))
}

// TestReconcileAppliesChangedParamsToRunningProbe exercises the reload path
// where a server survives a reconfiguration but its probe parameters
// change: the already-running loop must pick up the new path/threshold
// without the server being removed and re-added.
func TestReconcileAppliesChangedParamsToRunningProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	hm := health.NewMap(testLogger(t))
	c := New(hm, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap := snapshotWithServer(addr, config.HealthCheckHTTP, "/", 10*time.Millisecond)
	c.Start(ctx, snap)
	defer c.Stop()

	require.Eventually(t, func() bool { return hm.IsHealthy("app", addr) }, time.Second, 5*time.Millisecond)

	// Reload with a health check that now expects 503: the running probe
	// must start reporting the server unhealthy without ever being torn
	// down, since the server itself never left the snapshot.
	reconfigured := snapshotWithServer(addr, config.HealthCheckHTTP, "/", 10*time.Millisecond)
	app := reconfigured.Backends["app"]
	app.HealthCheck.ExpectedStatus = http.StatusServiceUnavailable
	reconfigured.Backends["app"] = app
	c.Reconcile(ctx, reconfigured)

	require.Eventually(t, func() bool { return !hm.IsHealthy("app", addr) }, time.Second, 5*time.Millisecond)
}
