package server

import "log/slog"

// Hub fans a text frame out to a snapshot of connections. Delivery is
// best-effort: a closed or backlogged recipient is skipped and never
// aborts delivery to the rest.
type Hub struct {
	metrics *Metrics
}

// NewHub creates a broadcast hub reporting into the given metrics.
func NewHub(metrics *Metrics) *Hub {
	return &Hub{metrics: metrics}
}

// Broadcast delivers text to every open connection in conns. It never
// blocks on a recipient and never returns an error to the caller.
func (h *Hub) Broadcast(text string, conns []*Conn) {
	for _, c := range conns {
		if c.TrySend(text) {
			h.metrics.BroadcastSends.Add(1)
			continue
		}
		h.metrics.BroadcastDrops.Add(1)
		slog.Debug("broadcast dropped", "remote", c.RemoteAddr())
	}
}
