package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted (TCP + WS)
	ActiveConnections atomic.Int64 // current active connections
	SuccessfulAuths   atomic.Int64 // successful authentication attempts
	FailedAuths       atomic.Int64 // failed authentication attempts
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Relay counters
	ChatMessagesSent    atomic.Int64 // chat messages logged and broadcast
	ChatMessagesDropped atomic.Int64 // oversize chat frames discarded
	BroadcastSends      atomic.Int64 // per-recipient broadcast deliveries enqueued
	BroadcastDrops      atomic.Int64 // per-recipient deliveries dropped (closed/backlogged)
	PresenceEvents      atomic.Int64 // join/leave announcements broadcast
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	ChatMessagesSent    int64 `json:"chat_messages_sent"`
	ChatMessagesDropped int64 `json:"chat_messages_dropped"`
	BroadcastSends      int64 `json:"broadcast_sends"`
	BroadcastDrops      int64 `json:"broadcast_drops"`
	PresenceEvents      int64 `json:"presence_events"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		ChatMessagesSent:    m.ChatMessagesSent.Load(),
		ChatMessagesDropped: m.ChatMessagesDropped.Load(),
		BroadcastSends:      m.BroadcastSends.Load(),
		BroadcastDrops:      m.BroadcastDrops.Load(),
		PresenceEvents:      m.PresenceEvents.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"chat_msgs", s.ChatMessagesSent,
		"broadcast_sends", s.BroadcastSends,
		"broadcast_drops", s.BroadcastDrops,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
