package router

import (
	"sync"

	"github.com/mir00r/lbcore/internal/health"
)

// Lease is a scoped accounting token for one in-flight connection to a
// server. Release decrements the server's active-connection counter
// exactly once, regardless of how many times it is called. MarkFailure
// records passive failure feedback before release; callers invoke it at
// most once, before the eventual Release.
type Lease struct {
	healthMap *health.Map
	backend   string
	addr      string

	once sync.Once
}

func newLease(hm *health.Map, backend, addr string) *Lease {
	hm.IncActive(backend, addr)
	return &Lease{healthMap: hm, backend: backend, addr: addr}
}

// Addr returns the server address this lease was issued against.
func (l *Lease) Addr() string {
	return l.addr
}

// MarkFailure records a passive failure against the leased server. Safe
// to call at most once; calling it after Release has no defined ordering
// guarantee and should be avoided by the caller.
func (l *Lease) MarkFailure() {
	l.healthMap.RecordFailure(l.backend, l.addr)
}

// Release decrements the server's active-connection counter. Idempotent:
// only the first call has any effect, so deferring Release alongside an
// earlier explicit call is always safe.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.healthMap.DecActive(l.backend, l.addr)
	})
}
