package algorithm

import "sync/atomic"

// RoundRobinSelector advances a shared cursor modulo the healthy-server
// count, skipping unhealthy entries for up to one full revolution.
type RoundRobinSelector struct {
	cursor uint64
}

// NewRoundRobin creates a round-robin selector with a fresh cursor.
func NewRoundRobin() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

func (s *RoundRobinSelector) Select(servers []Server, _ string) (string, error) {
	healthy := healthyIndices(servers)
	if len(healthy) == 0 {
		return "", ErrNoHealthyServers
	}

	next := atomic.AddUint64(&s.cursor, 1)
	idx := healthy[(next-1)%uint64(len(healthy))]
	return servers[idx].Addr, nil
}

// Reset returns the cursor to zero. Used when a backend's server set
// changes shape across a snapshot swap.
func (s *RoundRobinSelector) Reset() {
	atomic.StoreUint64(&s.cursor, 0)
}
