// Package config defines the immutable configuration snapshot, its YAML
// loader, and the atomic swap mechanism that publishes new snapshots to
// every live component without disturbing in-flight connections.
package config

import "time"

// Protocol is the wire protocol a frontend listens for.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
)

// Algorithm names a configured selection strategy.
type Algorithm string

const (
	AlgorithmRoundRobin       Algorithm = "round_robin"
	AlgorithmWeighted         Algorithm = "weighted"
	AlgorithmLeastConnections Algorithm = "least_connections"
	AlgorithmIPHash           Algorithm = "ip_hash"
)

// HealthCheckKind is the probe type an active health check performs.
type HealthCheckKind string

const (
	HealthCheckTCP  HealthCheckKind = "tcp"
	HealthCheckHTTP HealthCheckKind = "http"
)

// Snapshot is the immutable, fully-validated configuration value the
// core consumes. Every field that can be omitted from YAML has its
// default applied before Validate runs.
type Snapshot struct {
	Global              GlobalConfig
	HealthCheckDefaults HealthCheckDefaults
	Frontends           []Frontend
	Backends            map[string]Backend
}

// GlobalConfig holds process-wide settings consumed externally (logging,
// metrics exposition) rather than by the core selection/proxy engines.
type GlobalConfig struct {
	LogLevel  string
	LogFormat string
	Metrics   MetricsConfig
}

// MetricsConfig configures the Prometheus text-exposition endpoint.
type MetricsConfig struct {
	Enabled bool
	Address string
	Path    string
}

// HealthCheckDefaults are applied to any backend that does not override
// them in its own HealthCheck block.
type HealthCheckDefaults struct {
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold uint32
	HealthyThreshold   uint32
	Cooldown           time.Duration
}

// Frontend is one listening endpoint and the policy applied to
// connections accepted on it.
type Frontend struct {
	Name      string
	Listen    string
	Protocol  Protocol
	Backend   string
	Algorithm Algorithm
	HTTP      *HTTPOptions
	TCP       *TCPOptions
}

// HTTPOptions configures the L7 proxy's header rewriting for a frontend.
type HTTPOptions struct {
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
}

// TCPOptions configures the L4 proxy for a frontend.
type TCPOptions struct {
	ConnectTimeout time.Duration
}

// Backend is a named pool of upstream servers and their shared health
// check policy.
type Backend struct {
	Name        string
	Servers     []Server
	HealthCheck HealthCheck
}

// Server is a single upstream address within a backend.
type Server struct {
	Addr   string
	Weight uint32
}

// HealthCheck configures the active prober for a backend's servers.
type HealthCheck struct {
	Kind           HealthCheckKind
	Path           string
	ExpectedStatus int
	Interval       time.Duration
	Timeout        time.Duration
}

// defaults mirrors the original implementation's HealthCheckDefaults /
// MetricsConfig / TcpConfig / ServerConfig / HealthCheckConfig default
// values, carried over so example configuration files remain meaningful.
func defaultGlobal() GlobalConfig {
	return GlobalConfig{
		LogLevel:  "info",
		LogFormat: "json",
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1:9090",
			Path:    "/metrics",
		},
	}
}

func defaultHealthCheckDefaults() HealthCheckDefaults {
	return HealthCheckDefaults{
		Interval:           10 * time.Second,
		Timeout:            5 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		Cooldown:           30 * time.Second,
	}
}

const defaultConnectTimeout = 10 * time.Second
const defaultWeight = 1
const defaultExpectedStatus = 200
