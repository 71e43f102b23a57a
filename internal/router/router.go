// Package router implements the per-pool facade that combines server
// selection, health filtering, passive failure feedback, and bounded
// retry across failing candidates.
package router

import (
	"net"
	"time"

	"github.com/mir00r/lbcore/internal/algorithm"
	"github.com/mir00r/lbcore/internal/config"
	"github.com/mir00r/lbcore/internal/errors"
	"github.com/mir00r/lbcore/internal/health"
)

// maxRetries bounds the total number of dial attempts Connect makes,
// the first one included, independent of pool size.
const maxRetries = 3

type pool struct {
	addrs    []string
	weights  map[string]uint32
	selector algorithm.Selector
}

// Router holds one selection algorithm instance per backend pool and
// filters candidates through the shared health map before selecting.
type Router struct {
	healthMap *health.Map
	pools     map[string]*pool
}

// New builds a Router from a configuration snapshot. Each backend's
// algorithm is taken from the frontend(s) that reference it; a backend
// referenced by no frontend defaults to round robin.
func New(snap *config.Snapshot, healthMap *health.Map) (*Router, error) {
	backendAlgorithm := make(map[string]config.Algorithm)
	for _, fe := range snap.Frontends {
		backendAlgorithm[fe.Backend] = fe.Algorithm
	}

	pools := make(map[string]*pool, len(snap.Backends))
	for name, backend := range snap.Backends {
		kind := algorithm.Kind(backendAlgorithm[name])
		if kind == "" {
			kind = algorithm.RoundRobin
		}
		selector, err := algorithm.New(kind)
		if err != nil {
			return nil, err
		}

		addrs := make([]string, 0, len(backend.Servers))
		weights := make(map[string]uint32, len(backend.Servers))
		for _, srv := range backend.Servers {
			addrs = append(addrs, srv.Addr)
			weights[srv.Addr] = srv.Weight
		}
		pools[name] = &pool{addrs: addrs, weights: weights, selector: selector}
	}

	return &Router{healthMap: healthMap, pools: pools}, nil
}

// Select picks a healthy server from backendName's pool and returns a
// lease against it. Returns a NoHealthyBackends error if the pool is
// unknown or every server is currently unhealthy.
func (r *Router) Select(backendName, clientIP string) (*Lease, error) {
	p, ok := r.pools[backendName]
	if !ok {
		return nil, errors.NewNoHealthyBackends(backendName)
	}

	healthyAddrs := r.healthMap.FilterHealthy(backendName, p.addrs)
	if len(healthyAddrs) == 0 {
		return nil, errors.NewNoHealthyBackends(backendName)
	}

	servers := make([]algorithm.Server, 0, len(healthyAddrs))
	for _, addr := range healthyAddrs {
		servers = append(servers, algorithm.Server{
			Addr:              addr,
			Weight:            p.weights[addr],
			Healthy:           true,
			ActiveConnections: r.healthMap.View(backendName, addr).ActiveConnections,
		})
	}

	addr, err := p.selector.Select(servers, clientIP)
	if err != nil {
		return nil, errors.NewNoHealthyBackends(backendName)
	}
	return newLease(r.healthMap, backendName, addr), nil
}

// Dialer opens a connection to addr, honoring the given timeout. Injected
// so Connect can be tested without a real network dial.
type Dialer func(addr string, timeout time.Duration) (net.Conn, error)

// DefaultDialer dials real TCP connections.
func DefaultDialer(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// Connect selects a server and dials it, retrying against a fresh
// selection if the dial fails, for at most min(healthy count, maxRetries)
// attempts in total. Each failed attempt marks the server's lease as failed
// (passive feedback) before releasing it. Returns the established
// connection and the lease backing it, which the caller must Release
// when the connection closes.
func (r *Router) Connect(backendName, clientIP string, timeout time.Duration, dial Dialer) (net.Conn, *Lease, error) {
	p, ok := r.pools[backendName]
	if !ok {
		return nil, nil, errors.NewNoHealthyBackends(backendName)
	}

	attempts := len(r.healthMap.FilterHealthy(backendName, p.addrs))
	if attempts > maxRetries {
		attempts = maxRetries
	}
	if attempts == 0 {
		return nil, nil, errors.NewNoHealthyBackends(backendName)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		lease, err := r.Select(backendName, clientIP)
		if err != nil {
			return nil, nil, err
		}

		conn, dialErr := dial(lease.Addr(), timeout)
		if dialErr == nil {
			return conn, lease, nil
		}

		lastErr = errors.NewBackendConnect(backendName, lease.Addr(), dialErr)
		lease.MarkFailure()
		lease.Release()
	}

	return nil, nil, lastErr
}
