package algorithm

import (
	"hash/fnv"
	"net"
)

// IPHashSelector maps a client IP to a healthy server by hashing the
// address bytes (port excluded) and reducing modulo the healthy count.
// Mappings shift when the healthy set changes; this is best-effort
// stickiness, not a guarantee.
type IPHashSelector struct{}

// NewIPHash creates an IP-hash selector. It carries no state: the hash
// is a pure function of the client IP and the live healthy-server list.
func NewIPHash() *IPHashSelector {
	return &IPHashSelector{}
}

func (s *IPHashSelector) Select(servers []Server, clientIP string) (string, error) {
	healthy := healthyIndices(servers)
	if len(healthy) == 0 {
		return "", ErrNoHealthyServers
	}

	hash := hashClientIP(clientIP)
	idx := healthy[hash%uint64(len(healthy))]
	return servers[idx].Addr, nil
}

// hashClientIP computes a stable 64-bit FNV-1a hash of the address bytes.
// A client IP that fails to parse (e.g. no client address available) is
// hashed as its raw string instead, keeping selection deterministic.
func hashClientIP(clientIP string) uint64 {
	h := fnv.New64a()
	if ip := net.ParseIP(clientIP); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			h.Write(v4)
		} else {
			h.Write(ip)
		}
	} else {
		h.Write([]byte(clientIP))
	}
	return h.Sum64()
}
