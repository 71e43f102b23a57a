package config

import (
	"testing"
	"time"

	lberrors "github.com/mir00r/lbcore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
frontends:
  - name: web
    listen: "0.0.0.0:8080"
    backend: app
backends:
  - name: app
    servers:
      - address: "10.0.0.1:9000"
      - address: "10.0.0.2:9000"
`

func TestLoadFromBytesAppliesDefaults(t *testing.T) {
	snap, err := LoadFromBytes([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "info", snap.Global.LogLevel)
	assert.Equal(t, "json", snap.Global.LogFormat)
	assert.True(t, snap.Global.Metrics.Enabled)
	assert.Equal(t, 10*time.Second, snap.HealthCheckDefaults.Interval)
	assert.Equal(t, uint32(3), snap.HealthCheckDefaults.UnhealthyThreshold)
	assert.Equal(t, ProtocolTCP, snap.Frontends[0].Protocol)
	assert.Equal(t, AlgorithmRoundRobin, snap.Frontends[0].Algorithm)
	assert.Equal(t, defaultConnectTimeout, snap.Frontends[0].TCP.ConnectTimeout)

	app := snap.Backends["app"]
	require.Len(t, app.Servers, 2)
	assert.Equal(t, uint32(1), app.Servers[0].Weight)
	assert.Equal(t, HealthCheckTCP, app.HealthCheck.Kind)
}

func TestLoadFromBytesOverridesDefaults(t *testing.T) {
	yaml := `
global:
  log_level: debug
health_check_defaults:
  interval: 5s
  unhealthy_threshold: 5
frontends:
  - name: web
    listen: "0.0.0.0:8080"
    backend: app
    algorithm: least_connections
    tcp:
      connect_timeout: 2s
backends:
  - name: app
    servers:
      - address: "10.0.0.1:9000"
        weight: 5
`
	snap, err := LoadFromBytes([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "debug", snap.Global.LogLevel)
	assert.Equal(t, 5*time.Second, snap.HealthCheckDefaults.Interval)
	assert.Equal(t, uint32(5), snap.HealthCheckDefaults.UnhealthyThreshold)
	assert.Equal(t, AlgorithmLeastConnections, snap.Frontends[0].Algorithm)
	assert.Equal(t, 2*time.Second, snap.Frontends[0].TCP.ConnectTimeout)
	assert.Equal(t, uint32(5), snap.Backends["app"].Servers[0].Weight)
}

func TestLoadFromBytesRejectsBadDuration(t *testing.T) {
	yaml := `
health_check_defaults:
  interval: "not-a-duration"
frontends:
  - name: web
    listen: "0.0.0.0:8080"
    backend: app
backends:
  - name: app
    servers:
      - address: "10.0.0.1:9000"
`
	_, err := LoadFromBytes([]byte(yaml))
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateListenAddr(t *testing.T) {
	snap, err := LoadFromBytes([]byte(minimalYAML))
	require.NoError(t, err)
	snap.Frontends = append(snap.Frontends, snap.Frontends[0])

	err = snap.Validate()
	var lbErr *lberrors.LBError
	require.ErrorAs(t, err, &lbErr)
	assert.Equal(t, lberrors.ConfigInvalid, lbErr.Code)
}

func TestValidateRejectsUnknownBackendReference(t *testing.T) {
	snap, err := LoadFromBytes([]byte(minimalYAML))
	require.NoError(t, err)
	snap.Frontends[0].Backend = "does-not-exist"

	err = snap.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsZeroWeight(t *testing.T) {
	snap, err := LoadFromBytes([]byte(minimalYAML))
	require.NoError(t, err)
	snap.Backends["app"] = Backend{
		Name:        "app",
		Servers:     []Server{{Addr: "10.0.0.1:9000", Weight: 0}},
		HealthCheck: snap.Backends["app"].HealthCheck,
	}

	err = snap.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsEmptyBackendServers(t *testing.T) {
	snap, err := LoadFromBytes([]byte(minimalYAML))
	require.NoError(t, err)
	snap.Backends["app"] = Backend{Name: "app", HealthCheck: snap.Backends["app"].HealthCheck}

	err = snap.Validate()
	assert.Error(t, err)
}

func TestStoreSwapReplacesAtomically(t *testing.T) {
	first, err := LoadFromBytes([]byte(minimalYAML))
	require.NoError(t, err)

	store := NewStore(first)
	assert.Same(t, first, store.Load())

	second, err := LoadFromBytes([]byte(minimalYAML))
	require.NoError(t, err)

	prev := store.Swap(second)
	assert.Same(t, first, prev)
	assert.Same(t, second, store.Load())
}
