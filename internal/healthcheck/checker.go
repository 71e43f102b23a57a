// Package healthcheck runs the active prober: one ticking loop per
// backend server, each issuing either a raw TCP connect or an HTTP GET
// probe and feeding the result into the health state map.
package healthcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/lbcore/internal/config"
	"github.com/mir00r/lbcore/internal/errors"
	"github.com/mir00r/lbcore/internal/health"
	"github.com/mir00r/lbcore/pkg/logger"
)

// probeParams is the set of values a running probe loop re-reads on every
// tick, so a reload can change them without tearing the loop down.
type probeParams struct {
	cfg   health.Config
	check config.HealthCheck
}

// probe is one running probe loop's handle: cancel stops it, params holds
// the parameters currently in effect.
type probe struct {
	cancel context.CancelFunc
	params atomic.Pointer[probeParams]
}

// Checker owns one probing goroutine per registered (backend, server)
// pair. Reconcile lets a configuration reload add or remove loops, and
// push updated parameters into loops that survive, without tearing down
// the whole checker.
type Checker struct {
	healthMap *health.Map
	logger    *logger.Logger
	client    *http.Client

	mu      sync.Mutex
	probes  map[health.Key]*probe
	running bool
}

// New creates a Checker bound to the given health state map.
func New(healthMap *health.Map, log *logger.Logger) *Checker {
	return &Checker{
		healthMap: healthMap,
		logger:    log.HealthCheckLogger(),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				DisableKeepAlives:   true,
			},
		},
		probes: make(map[health.Key]*probe),
	}
}

// Start registers every server in the snapshot and launches its probe
// loop. ctx bounds the lifetime of every loop started now and by later
// Reconcile calls.
func (c *Checker) Start(ctx context.Context, snap *config.Snapshot) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.Reconcile(ctx, snap)
}

// Reconcile brings the set of running probe loops in line with snap:
// servers present in snap but not yet probed get a new loop; servers that
// already have a loop running have their parameters swapped in place, so
// an interval, timeout, threshold, cooldown, path, or expected-status
// change takes effect at the loop's next tick; servers no longer present
// have their loop cancelled and their health record forgotten. Safe to
// call repeatedly as configuration reloads arrive.
func (c *Checker) Reconcile(ctx context.Context, snap *config.Snapshot) {
	wanted := make(map[health.Key]probeParams)
	for name, backend := range snap.Backends {
		hcCfg := health.Config{
			UnhealthyThreshold: snap.HealthCheckDefaults.UnhealthyThreshold,
			HealthyThreshold:   snap.HealthCheckDefaults.HealthyThreshold,
			Cooldown:           snap.HealthCheckDefaults.Cooldown,
		}
		for _, srv := range backend.Servers {
			key := health.Key{Backend: name, Addr: srv.Addr}
			wanted[key] = probeParams{cfg: hcCfg, check: backend.HealthCheck}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, params := range wanted {
		params := params
		if existing, exists := c.probes[key]; exists {
			existing.params.Store(&params)
			c.healthMap.UpdateConfig(key.Backend, key.Addr, params.cfg)
			continue
		}
		c.healthMap.Register(key.Backend, key.Addr, params.cfg)
		loopCtx, cancel := context.WithCancel(ctx)
		p := &probe{cancel: cancel}
		p.params.Store(&params)
		c.probes[key] = p
		go c.loop(loopCtx, key, p)
	}

	for key, p := range c.probes {
		if _, stillWanted := wanted[key]; !stillWanted {
			p.cancel()
			delete(c.probes, key)
			c.healthMap.Forget(key.Backend, key.Addr)
		}
	}
}

// Stop cancels every running probe loop.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.probes {
		p.cancel()
		delete(c.probes, key)
	}
	c.running = false
}

func (c *Checker) loop(ctx context.Context, key health.Key, p *probe) {
	log := c.logger.BackendLogger(key.Backend, key.Addr)

	params := p.params.Load()
	interval := params.check.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.probeOnce(ctx, key, params.check, log)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			params = p.params.Load()
			newInterval := params.check.Interval
			if newInterval <= 0 {
				newInterval = 10 * time.Second
			}
			if newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
			c.probeOnce(ctx, key, params.check, log)
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context, key health.Key, check config.HealthCheck, log *logger.Logger) {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch check.Kind {
	case config.HealthCheckHTTP:
		err = c.probeHTTP(probeCtx, key.Addr, check)
	default:
		err = c.probeTCP(probeCtx, key.Addr)
	}

	if err != nil {
		wrapped := errors.NewProbeFailure(key.Backend, key.Addr, err)
		log.WithError(wrapped).Debug("probe failed")
		c.healthMap.RecordProbeFailure(key.Backend, key.Addr)
		return
	}
	c.healthMap.RecordSuccess(key.Backend, key.Addr)
}

func (c *Checker) probeTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Checker) probeHTTP(ctx context.Context, addr string, check config.HealthCheck) error {
	path := check.Path
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("http://%s%s", addr, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "lbcore-healthcheck/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	expected := check.ExpectedStatus
	if expected == 0 {
		expected = 200
	}
	if resp.StatusCode != expected {
		return fmt.Errorf("unexpected status %d, want %d", resp.StatusCode, expected)
	}
	return nil
}
