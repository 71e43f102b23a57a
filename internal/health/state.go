// Package health implements the shared, concurrently readable health map
// that backend selection and the active checker both depend on.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/lbcore/pkg/logger"
)

// Config governs threshold and cooldown behavior for health transitions.
// Filled from a configuration snapshot's health_check_defaults, which
// apply to every backend alike.
type Config struct {
	UnhealthyThreshold uint32
	HealthyThreshold   uint32
	Cooldown           time.Duration
}

// DefaultConfig matches the defaults carried over from the original
// implementation's HealthCheckDefaults.
func DefaultConfig() Config {
	return Config{
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		Cooldown:           30 * time.Second,
	}
}

// Key identifies a server within a backend pool.
type Key struct {
	Backend string
	Addr    string
}

// record is the mutable per-server health record. All fields are touched
// with atomic operations only; no field is ever guarded by a mutex.
type record struct {
	healthy             atomic.Bool
	consecutiveFailures atomic.Uint32
	consecutiveSuccesses atomic.Uint32
	activeConnections   atomic.Int64
	unhealthySinceUnix  atomic.Int64 // Unix nanoseconds; 0 means "none"
	cfg                 atomic.Pointer[Config]
}

func newRecord(cfg Config) *record {
	r := &record{}
	r.cfg.Store(&cfg)
	r.healthy.Store(true) // optimistic initial state
	return r
}

// View is a point-in-time read of one server's health, returned by View.
type View struct {
	Addr              string
	Healthy           bool
	ActiveConnections int64
	ConsecutiveFails  uint32
}

// Status is the richer read exposed to the admin surface and metrics sink.
type Status struct {
	Backend             string
	Addr                string
	Healthy             bool
	ActiveConnections   int64
	ConsecutiveFailures uint32
	UnhealthySince       time.Time // zero value means healthy
}

// Map is the shared health state for every backend server in the process.
// Readers never block writers: every mutation is a single atomic op or a
// CAS on the healthy flag.
type Map struct {
	mu      sync.RWMutex // guards only the records map itself, never a record's fields
	records map[Key]*record
	log     *logger.Logger
}

// NewMap creates an empty health map.
func NewMap(log *logger.Logger) *Map {
	return &Map{
		records: make(map[Key]*record),
		log:     log.WithField("component", "health_map"),
	}
}

// Register ensures a server has a health record, defaulting it to healthy.
// Idempotent: registering an address that already exists preserves its record.
func (m *Map) Register(backend, addr string, cfg Config) {
	key := Key{Backend: backend, Addr: addr}

	m.mu.RLock()
	_, exists := m.records[key]
	m.mu.RUnlock()
	if exists {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[key]; !exists {
		m.records[key] = newRecord(cfg)
	}
}

// UpdateConfig swaps the threshold/cooldown parameters of an already
// registered server in place, without disturbing its current health state
// or counters. A no-op if the server has no record.
func (m *Map) UpdateConfig(backend, addr string, cfg Config) {
	r, ok := m.get(backend, addr)
	if !ok {
		return
	}
	r.cfg.Store(&cfg)
}

// Forget drops the health record for a server that no longer appears in any
// live snapshot. Safe to call even if no in-flight task still references it;
// the record itself is garbage once unreachable from the map.
func (m *Map) Forget(backend, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, Key{Backend: backend, Addr: addr})
}

// ForgetBackend drops every record for a backend pool removed entirely.
func (m *Map) ForgetBackend(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.records {
		if key.Backend == backend {
			delete(m.records, key)
		}
	}
}

// Contains reports whether a server currently has a health record.
func (m *Map) Contains(backend, addr string) bool {
	_, ok := m.get(backend, addr)
	return ok
}

func (m *Map) get(backend, addr string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[Key{Backend: backend, Addr: addr}]
	return r, ok
}

// View returns the current view of a single server. Unknown servers report
// healthy=true, matching the map's optimistic default.
func (m *Map) View(backend, addr string) View {
	r, ok := m.get(backend, addr)
	if !ok {
		return View{Addr: addr, Healthy: true}
	}
	return View{
		Addr:              addr,
		Healthy:           r.healthy.Load(),
		ActiveConnections: r.activeConnections.Load(),
		ConsecutiveFails:  r.consecutiveFailures.Load(),
	}
}

// IsHealthy reports whether a server is currently eligible for selection.
func (m *Map) IsHealthy(backend, addr string) bool {
	r, ok := m.get(backend, addr)
	if !ok {
		return true
	}
	return r.healthy.Load()
}

// InCooldown reports whether a server transitioned to unhealthy recently
// enough that it remains in its cooldown window. Probing continues during
// cooldown; only eligibility for serving is affected.
func (m *Map) InCooldown(backend, addr string) bool {
	r, ok := m.get(backend, addr)
	if !ok {
		return false
	}
	since := r.unhealthySinceUnix.Load()
	if since == 0 {
		return false
	}
	return time.Since(time.Unix(0, since)) < r.cfg.Load().Cooldown
}

// IncActive increments the active-connection counter for a server. Called
// exactly once when a lease is issued.
func (m *Map) IncActive(backend, addr string) {
	if r, ok := m.get(backend, addr); ok {
		r.activeConnections.Add(1)
	}
}

// DecActive decrements the active-connection counter. Called exactly once
// on lease release.
func (m *Map) DecActive(backend, addr string) {
	if r, ok := m.get(backend, addr); ok {
		r.activeConnections.Add(-1)
	}
}

// RecordSuccess is the active-probe success path. Once consecutiveSuccesses
// reaches the healthy threshold and the cooldown since the server went
// unhealthy has elapsed, the server transitions back to healthy.
func (m *Map) RecordSuccess(backend, addr string) {
	r, ok := m.get(backend, addr)
	if !ok {
		return
	}
	r.consecutiveFailures.Store(0)
	successes := r.consecutiveSuccesses.Add(1)

	cfg := r.cfg.Load()
	since := r.unhealthySinceUnix.Load()
	cooling := since != 0 && time.Since(time.Unix(0, since)) < cfg.Cooldown
	if !r.healthy.Load() && !cooling && successes >= cfg.HealthyThreshold {
		if r.healthy.CompareAndSwap(false, true) {
			r.unhealthySinceUnix.Store(0)
			r.consecutiveSuccesses.Store(0)
			r.consecutiveFailures.Store(0)
			m.log.WithField("backend", backend).WithField("addr", addr).
				Infof("server marked healthy after %d successes", successes)
		}
	}
}

// RecordFailure is the passive data-path failure feedback: called by a
// lease's mark_failure after a connect/IO error attributable to the backend.
func (m *Map) RecordFailure(backend, addr string) {
	m.recordFailure(backend, addr, "passive")
}

// RecordProbeFailure is the active-probe failure path. Semantically
// identical to RecordFailure, logged distinctly for observability.
func (m *Map) RecordProbeFailure(backend, addr string) {
	m.recordFailure(backend, addr, "probe")
}

func (m *Map) recordFailure(backend, addr, source string) {
	r, ok := m.get(backend, addr)
	if !ok {
		return
	}
	r.consecutiveSuccesses.Store(0)
	failures := r.consecutiveFailures.Add(1)

	if r.healthy.Load() && failures >= r.cfg.Load().UnhealthyThreshold {
		if r.healthy.CompareAndSwap(true, false) {
			r.unhealthySinceUnix.Store(time.Now().UnixNano())
			r.consecutiveFailures.Store(0)
			m.log.WithField("backend", backend).WithField("addr", addr).
				WithField("source", source).
				Warnf("server marked unhealthy after %d failures", failures)
		}
	}
}

// MarkUnhealthy forces an immediate transition, bypassing the threshold.
// Used by callers that have independent certainty a server is down.
func (m *Map) MarkUnhealthy(backend, addr string) {
	r, ok := m.get(backend, addr)
	if !ok {
		return
	}
	if r.healthy.CompareAndSwap(true, false) {
		r.unhealthySinceUnix.Store(time.Now().UnixNano())
		r.consecutiveFailures.Store(0)
		r.consecutiveSuccesses.Store(0)
		m.log.WithField("backend", backend).WithField("addr", addr).
			Warn("server explicitly marked unhealthy")
	}
}

// FilterHealthy returns the subset of addrs that are both healthy and not
// subject to retained ineligibility (cooldown does not exclude from
// eligibility once healthy==true; only the unhealthy state does).
func (m *Map) FilterHealthy(backend string, addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if m.IsHealthy(backend, a) {
			out = append(out, a)
		}
	}
	return out
}

// All returns a status snapshot for every registered server, used by the
// admin surface and the metrics sink. Neither caller may mutate state
// through it.
func (m *Map) All() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.records))
	for key, r := range m.records {
		var since time.Time
		if ts := r.unhealthySinceUnix.Load(); ts != 0 {
			since = time.Unix(0, ts)
		}
		out = append(out, Status{
			Backend:             key.Backend,
			Addr:                key.Addr,
			Healthy:             r.healthy.Load(),
			ActiveConnections:   r.activeConnections.Load(),
			ConsecutiveFailures: r.consecutiveFailures.Load(),
			UnhealthySince:      since,
		})
	}
	return out
}
