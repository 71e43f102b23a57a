package config

import (
	"fmt"

	lberrors "github.com/mir00r/lbcore/internal/errors"
)

// Validate checks every structural invariant a snapshot must satisfy
// before it can be installed. It returns the first violation found; the
// caller (loader, admin reload handler) is expected to discard the
// candidate snapshot entirely on any error rather than install it
// partially, per the hot-reload atomicity guarantee.
func (s *Snapshot) Validate() error {
	if len(s.Frontends) == 0 {
		return lberrors.NewConfigInvalid("at least one frontend must be configured")
	}

	listenAddrs := make(map[string]bool, len(s.Frontends))
	for _, fe := range s.Frontends {
		if fe.Name == "" {
			return lberrors.NewConfigInvalid("frontend has an empty name")
		}
		if fe.Listen == "" {
			return lberrors.NewConfigInvalid(fmt.Sprintf("frontend %q has no listen address", fe.Name))
		}
		if listenAddrs[fe.Listen] {
			return lberrors.NewConfigInvalid(fmt.Sprintf("listen address %q is configured on more than one frontend", fe.Listen))
		}
		listenAddrs[fe.Listen] = true

		switch fe.Protocol {
		case ProtocolTCP, ProtocolHTTP:
		default:
			return lberrors.NewConfigInvalid(fmt.Sprintf("frontend %q has unknown protocol %q", fe.Name, fe.Protocol))
		}

		switch fe.Algorithm {
		case AlgorithmRoundRobin, AlgorithmWeighted, AlgorithmLeastConnections, AlgorithmIPHash:
		default:
			return lberrors.NewConfigInvalid(fmt.Sprintf("frontend %q has unknown algorithm %q", fe.Name, fe.Algorithm))
		}

		if _, ok := s.Backends[fe.Backend]; !ok {
			return lberrors.NewConfigInvalid(fmt.Sprintf("frontend %q references undefined backend %q", fe.Name, fe.Backend))
		}

		if fe.TCP != nil && fe.TCP.ConnectTimeout <= 0 {
			return lberrors.NewConfigInvalid(fmt.Sprintf("frontend %q has non-positive tcp connect_timeout", fe.Name))
		}
	}

	if len(s.Backends) == 0 {
		return lberrors.NewConfigInvalid("at least one backend must be configured")
	}

	for name, b := range s.Backends {
		if len(b.Servers) == 0 {
			return lberrors.NewConfigInvalid(fmt.Sprintf("backend %q has no servers", name))
		}

		addrs := make(map[string]bool, len(b.Servers))
		for _, srv := range b.Servers {
			if srv.Addr == "" {
				return lberrors.NewConfigInvalid(fmt.Sprintf("backend %q has a server with an empty address", name))
			}
			if addrs[srv.Addr] {
				return lberrors.NewConfigInvalid(fmt.Sprintf("backend %q has duplicate server address %q", name, srv.Addr))
			}
			addrs[srv.Addr] = true

			if srv.Weight < 1 {
				return lberrors.NewConfigInvalid(fmt.Sprintf("backend %q server %q has weight %d, must be >= 1", name, srv.Addr, srv.Weight))
			}
		}

		switch b.HealthCheck.Kind {
		case HealthCheckTCP, HealthCheckHTTP:
		default:
			return lberrors.NewConfigInvalid(fmt.Sprintf("backend %q has unknown health check type %q", name, b.HealthCheck.Kind))
		}
		if b.HealthCheck.Kind == HealthCheckHTTP && b.HealthCheck.Path == "" {
			return lberrors.NewConfigInvalid(fmt.Sprintf("backend %q uses an http health check but has no path", name))
		}
		if b.HealthCheck.Interval <= 0 {
			return lberrors.NewConfigInvalid(fmt.Sprintf("backend %q has non-positive health check interval", name))
		}
		if b.HealthCheck.Timeout <= 0 {
			return lberrors.NewConfigInvalid(fmt.Sprintf("backend %q has non-positive health check timeout", name))
		}
	}

	if s.HealthCheckDefaults.UnhealthyThreshold < 1 {
		return lberrors.NewConfigInvalid("health_check_defaults.unhealthy_threshold must be >= 1")
	}
	if s.HealthCheckDefaults.HealthyThreshold < 1 {
		return lberrors.NewConfigInvalid("health_check_defaults.healthy_threshold must be >= 1")
	}
	if s.HealthCheckDefaults.Interval <= 0 {
		return lberrors.NewConfigInvalid("health_check_defaults.interval must be positive")
	}
	if s.HealthCheckDefaults.Timeout <= 0 {
		return lberrors.NewConfigInvalid("health_check_defaults.timeout must be positive")
	}
	if s.HealthCheckDefaults.Cooldown <= 0 {
		return lberrors.NewConfigInvalid("health_check_defaults.cooldown must be positive")
	}

	return nil
}
