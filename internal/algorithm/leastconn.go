package algorithm

// LeastConnectionsSelector picks the healthy server with the smallest
// active_connections/weight score, ties broken by smallest index. It
// holds no state of its own: every pick reads straight from the health
// map's live view.
type LeastConnectionsSelector struct{}

// NewLeastConnections creates a least-connections selector.
func NewLeastConnections() *LeastConnectionsSelector {
	return &LeastConnectionsSelector{}
}

func (s *LeastConnectionsSelector) Select(servers []Server, _ string) (string, error) {
	bestIdx := -1
	var bestScore float64

	for i, srv := range servers {
		if !srv.Healthy {
			continue
		}
		weight := srv.Weight
		if weight == 0 {
			weight = 1
		}
		score := float64(srv.ActiveConnections) / float64(weight)
		if bestIdx == -1 || score < bestScore {
			bestIdx = i
			bestScore = score
		}
	}

	if bestIdx == -1 {
		return "", ErrNoHealthyServers
	}
	return servers[bestIdx].Addr, nil
}
