// Package algorithm implements the four backend selection strategies:
// round-robin, smoothed weighted round-robin, least-connections, and
// IP-hash. Each operates over a read-only view of a backend's servers
// plus their live health, never mutating the health map itself.
package algorithm

import "fmt"

// Server is one candidate in a selection round: its address, static
// weight, and the health-map view of its current state.
type Server struct {
	Addr              string
	Weight            uint32
	Healthy           bool
	ActiveConnections int64
}

// Kind names one of the four selection algorithms.
type Kind string

const (
	RoundRobin       Kind = "round_robin"
	Weighted         Kind = "weighted"
	LeastConnections Kind = "least_connections"
	IPHash           Kind = "ip_hash"
)

// Selector picks one server address from a live, ordered server list.
// Implementations must only consider entries with Healthy == true and
// must return ErrNoHealthyServers when none qualify.
type Selector interface {
	// Select returns the address of the chosen server. clientIP is the
	// dialing client's address, used only by IP-hash.
	Select(servers []Server, clientIP string) (string, error)
}

// ErrNoHealthyServers is returned by every Selector when no candidate in
// the given server list is healthy.
var ErrNoHealthyServers = fmt.Errorf("no healthy servers available")

// New constructs the Selector for a configured algorithm kind.
func New(kind Kind) (Selector, error) {
	switch kind {
	case RoundRobin:
		return NewRoundRobin(), nil
	case Weighted:
		return NewWeighted(), nil
	case LeastConnections:
		return NewLeastConnections(), nil
	case IPHash:
		return NewIPHash(), nil
	default:
		return nil, fmt.Errorf("unknown selection algorithm: %q", kind)
	}
}

func healthyIndices(servers []Server) []int {
	idx := make([]int, 0, len(servers))
	for i, s := range servers {
		if s.Healthy {
			idx = append(idx, i)
		}
	}
	return idx
}
