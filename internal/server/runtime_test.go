package server

import (
	"context"
	"testing"
	"time"

	"github.com/mir00r/lbcore/internal/config"
	"github.com/mir00r/lbcore/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	return log
}

func baseSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Global: config.GlobalConfig{
			Metrics: config.MetricsConfig{Enabled: false},
		},
		HealthCheckDefaults: config.HealthCheckDefaults{
			Interval: time.Second, Timeout: time.Second,
			UnhealthyThreshold: 3, HealthyThreshold: 2, Cooldown: time.Second,
		},
		Frontends: []config.Frontend{
			{Name: "raw", Listen: "127.0.0.1:0", Protocol: config.ProtocolTCP, Backend: "app", Algorithm: config.AlgorithmRoundRobin},
		},
		Backends: map[string]config.Backend{
			"app": {Name: "app", Servers: []config.Server{{Addr: "10.0.0.1:9000", Weight: 1}}},
		},
	}
}

func TestNewBuildsRuntimeWithHealthAndRouter(t *testing.T) {
	rt, err := New(baseSnapshot(), AdminConfig{ListenAddress: "127.0.0.1:0", RequestsPerSec: 10, BurstSize: 10}, testLogger(t))
	require.NoError(t, err)
	assert.True(t, rt.healthMap.Contains("app", "10.0.0.1:9000"))
}

func TestReloadRejectsInvalidYAML(t *testing.T) {
	rt, err := New(baseSnapshot(), AdminConfig{ListenAddress: "127.0.0.1:0", RequestsPerSec: 10, BurstSize: 10}, testLogger(t))
	require.NoError(t, err)

	_, err = rt.Reload([]byte("not: [valid yaml"))
	assert.Error(t, err)
}

func TestReloadAcceptsValidYAMLAndSwapsStore(t *testing.T) {
	rt, err := New(baseSnapshot(), AdminConfig{ListenAddress: "127.0.0.1:0", RequestsPerSec: 10, BurstSize: 10}, testLogger(t))
	require.NoError(t, err)

	yaml := []byte(`
frontends:
  - name: raw
    listen: "127.0.0.1:0"
    protocol: tcp
    backend: app
    algorithm: round_robin
backends:
  - name: app
    servers:
      - address: "10.0.0.2:9000"
        weight: 1
`)
	next, err := rt.Reload(yaml)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9000", next.Backends["app"].Servers[0].Addr)
	assert.Same(t, next, rt.store.Load())
}

func TestShutdownIsIdempotentAndClosesStoppedChannel(t *testing.T) {
	rt, err := New(baseSnapshot(), AdminConfig{ListenAddress: "127.0.0.1:0", RequestsPerSec: 10, BurstSize: 10}, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, rt.Shutdown(context.Background()))
	require.NoError(t, rt.Shutdown(context.Background()))

	select {
	case <-rt.Stopped():
	default:
		t.Fatal("expected stopped channel to be closed")
	}
}
