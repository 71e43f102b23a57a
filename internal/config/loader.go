package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// rawSnapshot mirrors Snapshot field-for-field but keeps durations as
// strings, since gopkg.in/yaml.v2 has no built-in support for unmarshaling
// into time.Duration. Every field is optional; LoadFromFile applies the
// defaults in types.go for anything left zero.
type rawSnapshot struct {
	Global              rawGlobal               `yaml:"global"`
	HealthCheckDefaults rawHealthCheckDefaults   `yaml:"health_check_defaults"`
	Frontends           []rawFrontend            `yaml:"frontends"`
	Backends            []rawBackend             `yaml:"backends"`
}

type rawGlobal struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Metrics   rawMetricsCfg `yaml:"metrics"`
}

type rawMetricsCfg struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type rawHealthCheckDefaults struct {
	Interval           string `yaml:"interval"`
	Timeout            string `yaml:"timeout"`
	UnhealthyThreshold uint32 `yaml:"unhealthy_threshold"`
	HealthyThreshold   uint32 `yaml:"healthy_threshold"`
	Cooldown           string `yaml:"cooldown"`
}

type rawFrontend struct {
	Name      string       `yaml:"name"`
	Listen    string       `yaml:"listen"`
	Protocol  string       `yaml:"protocol"`
	Backend   string       `yaml:"backend"`
	Algorithm string       `yaml:"algorithm"`
	HTTP      *rawHTTPOpts `yaml:"http"`
	TCP       *rawTCPOpts  `yaml:"tcp"`
}

type rawHTTPOpts struct {
	RequestHeaders  map[string]string `yaml:"request_headers"`
	ResponseHeaders map[string]string `yaml:"response_headers"`
}

type rawTCPOpts struct {
	ConnectTimeout string `yaml:"connect_timeout"`
}

type rawBackend struct {
	Name        string           `yaml:"name"`
	Servers     []rawServer      `yaml:"servers"`
	HealthCheck *rawHealthCheck  `yaml:"health_check"`
}

type rawServer struct {
	Address string `yaml:"address"`
	Weight  uint32 `yaml:"weight"`
}

type rawHealthCheck struct {
	Type           string `yaml:"type"`
	Path           string `yaml:"path"`
	ExpectedStatus int    `yaml:"expected_status"`
	Interval       string `yaml:"interval"`
	Timeout        string `yaml:"timeout"`
}

// LoadFromFile reads a YAML configuration file, applies defaults, and
// validates the result. A ConfigInvalid error is returned describing the
// first violation found, leaving the caller free to keep its prior
// snapshot on failure (hot reload never installs a partially-valid one).
func LoadFromFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses raw YAML bytes into a validated Snapshot. Exposed
// separately from LoadFromFile so the admin reload endpoint can accept an
// inline YAML body without touching the filesystem.
func LoadFromBytes(data []byte) (*Snapshot, error) {
	var raw rawSnapshot
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	snap, err := raw.toSnapshot()
	if err != nil {
		return nil, err
	}

	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// ValidateFile loads and validates a configuration file, returning the
// parsed snapshot on success. It behaves exactly like LoadFromFile.
func ValidateFile(path string) (*Snapshot, error) {
	return LoadFromFile(path)
}

func (raw rawSnapshot) toSnapshot() (*Snapshot, error) {
	defaults := defaultHealthCheckDefaults()

	global := defaultGlobal()
	if raw.Global.LogLevel != "" {
		global.LogLevel = raw.Global.LogLevel
	}
	if raw.Global.LogFormat != "" {
		global.LogFormat = raw.Global.LogFormat
	}
	if raw.Global.Metrics.Enabled != nil {
		global.Metrics.Enabled = *raw.Global.Metrics.Enabled
	}
	if raw.Global.Metrics.Address != "" {
		global.Metrics.Address = raw.Global.Metrics.Address
	}
	if raw.Global.Metrics.Path != "" {
		global.Metrics.Path = raw.Global.Metrics.Path
	}

	if d, err := parseDurationOr(raw.HealthCheckDefaults.Interval, defaults.Interval); err == nil {
		defaults.Interval = d
	} else {
		return nil, err
	}
	if d, err := parseDurationOr(raw.HealthCheckDefaults.Timeout, defaults.Timeout); err == nil {
		defaults.Timeout = d
	} else {
		return nil, err
	}
	if d, err := parseDurationOr(raw.HealthCheckDefaults.Cooldown, defaults.Cooldown); err == nil {
		defaults.Cooldown = d
	} else {
		return nil, err
	}
	if raw.HealthCheckDefaults.UnhealthyThreshold != 0 {
		defaults.UnhealthyThreshold = raw.HealthCheckDefaults.UnhealthyThreshold
	}
	if raw.HealthCheckDefaults.HealthyThreshold != 0 {
		defaults.HealthyThreshold = raw.HealthCheckDefaults.HealthyThreshold
	}

	frontends := make([]Frontend, 0, len(raw.Frontends))
	for _, rf := range raw.Frontends {
		fe := Frontend{
			Name:      rf.Name,
			Listen:    rf.Listen,
			Protocol:  Protocol(orDefault(rf.Protocol, string(ProtocolTCP))),
			Backend:   rf.Backend,
			Algorithm: Algorithm(orDefault(rf.Algorithm, string(AlgorithmRoundRobin))),
		}
		if rf.HTTP != nil {
			fe.HTTP = &HTTPOptions{
				RequestHeaders:  rf.HTTP.RequestHeaders,
				ResponseHeaders: rf.HTTP.ResponseHeaders,
			}
		}
		if rf.TCP != nil {
			timeout, err := parseDurationOr(rf.TCP.ConnectTimeout, defaultConnectTimeout)
			if err != nil {
				return nil, err
			}
			fe.TCP = &TCPOptions{ConnectTimeout: timeout}
		} else {
			fe.TCP = &TCPOptions{ConnectTimeout: defaultConnectTimeout}
		}
		frontends = append(frontends, fe)
	}

	backends := make(map[string]Backend, len(raw.Backends))
	for _, rb := range raw.Backends {
		b := Backend{
			Name: rb.Name,
			HealthCheck: HealthCheck{
				Kind:           HealthCheckTCP,
				ExpectedStatus: defaultExpectedStatus,
				Interval:       defaults.Interval,
				Timeout:        defaults.Timeout,
			},
		}
		for _, rs := range rb.Servers {
			weight := rs.Weight
			if weight == 0 {
				weight = defaultWeight
			}
			b.Servers = append(b.Servers, Server{Addr: rs.Address, Weight: weight})
		}
		if rb.HealthCheck != nil {
			if rb.HealthCheck.Type != "" {
				b.HealthCheck.Kind = HealthCheckKind(rb.HealthCheck.Type)
			}
			b.HealthCheck.Path = rb.HealthCheck.Path
			if rb.HealthCheck.ExpectedStatus != 0 {
				b.HealthCheck.ExpectedStatus = rb.HealthCheck.ExpectedStatus
			}
			if d, err := parseDurationOr(rb.HealthCheck.Interval, defaults.Interval); err == nil {
				b.HealthCheck.Interval = d
			} else {
				return nil, err
			}
			if d, err := parseDurationOr(rb.HealthCheck.Timeout, defaults.Timeout); err == nil {
				b.HealthCheck.Timeout = d
			} else {
				return nil, err
			}
		}
		backends[rb.Name] = b
	}

	return &Snapshot{
		Global:              global,
		HealthCheckDefaults: defaults,
		Frontends:           frontends,
		Backends:            backends,
	}, nil
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
