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
	TotalConnections    atomic.Int64 // lifetime TCP control connections accepted
	ActiveConnections   atomic.Int64 // current active control connections
	FailedRegistrations atomic.Int64 // rejected registrations (taken or invalid name)
	Registrations       atomic.Int64 // successful registrations
	TotalDisconnects    atomic.Int64 // total client disconnects (clean + unclean)

	// Chat counters
	PrivateMessages atomic.Int64 // private text messages delivered
	GroupMessages   atomic.Int64 // group text messages fanned out
	AudioNotes      atomic.Int64 // voice notes delivered (private + group)
	GroupsCreated   atomic.Int64 // groups created during this run

	// Call counters
	CallsInitiated    atomic.Int64 // individual calls initiated
	CallsAccepted     atomic.Int64 // individual calls accepted
	CallsRejected     atomic.Int64 // individual calls rejected
	CallsEnded        atomic.Int64 // individual calls ended
	GroupCallsStarted atomic.Int64 // group calls started
	GroupCallsEnded   atomic.Int64 // group calls ended
	NotifyFailures    atomic.Int64 // event deliveries dropped on a full or dead queue

	// Audio relay counters
	RelaySessions      atomic.Int64 // current live relay websocket sessions
	RelayFramesIn      atomic.Int64 // total audio frames received
	RelayFramesOut     atomic.Int64 // total audio frames forwarded
	RelayFramesDropped atomic.Int64 // frames dropped (unbound sender or full peer queue)
	RelayBytesIn       atomic.Int64 // total audio bytes received
	RelayBytesOut      atomic.Int64 // total audio bytes forwarded
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections   int64 `json:"active_connections"`
	TotalConnections    int64 `json:"total_connections"`
	Registrations       int64 `json:"registrations"`
	FailedRegistrations int64 `json:"failed_registrations"`
	TotalDisconnects    int64 `json:"total_disconnects"`

	PrivateMessages int64 `json:"private_messages"`
	GroupMessages   int64 `json:"group_messages"`
	AudioNotes      int64 `json:"audio_notes"`
	GroupsCreated   int64 `json:"groups_created"`

	CallsInitiated    int64 `json:"calls_initiated"`
	CallsAccepted     int64 `json:"calls_accepted"`
	CallsRejected     int64 `json:"calls_rejected"`
	CallsEnded        int64 `json:"calls_ended"`
	GroupCallsStarted int64 `json:"group_calls_started"`
	GroupCallsEnded   int64 `json:"group_calls_ended"`
	NotifyFailures    int64 `json:"notify_failures"`

	RelaySessions      int64 `json:"relay_sessions"`
	RelayFramesIn      int64 `json:"relay_frames_in"`
	RelayFramesOut     int64 `json:"relay_frames_out"`
	RelayFramesDropped int64 `json:"relay_frames_dropped"`
	RelayBytesIn       int64 `json:"relay_bytes_in"`
	RelayBytesOut      int64 `json:"relay_bytes_out"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		Registrations:       m.Registrations.Load(),
		FailedRegistrations: m.FailedRegistrations.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		PrivateMessages:     m.PrivateMessages.Load(),
		GroupMessages:       m.GroupMessages.Load(),
		AudioNotes:          m.AudioNotes.Load(),
		GroupsCreated:       m.GroupsCreated.Load(),
		CallsInitiated:      m.CallsInitiated.Load(),
		CallsAccepted:       m.CallsAccepted.Load(),
		CallsRejected:       m.CallsRejected.Load(),
		CallsEnded:          m.CallsEnded.Load(),
		GroupCallsStarted:   m.GroupCallsStarted.Load(),
		GroupCallsEnded:     m.GroupCallsEnded.Load(),
		NotifyFailures:      m.NotifyFailures.Load(),
		RelaySessions:       m.RelaySessions.Load(),
		RelayFramesIn:       m.RelayFramesIn.Load(),
		RelayFramesOut:      m.RelayFramesOut.Load(),
		RelayFramesDropped:  m.RelayFramesDropped.Load(),
		RelayBytesIn:        m.RelayBytesIn.Load(),
		RelayBytesOut:       m.RelayBytesOut.Load(),
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
		"private_msgs", s.PrivateMessages,
		"group_msgs", s.GroupMessages,
		"calls", s.CallsInitiated,
		"group_calls", s.GroupCallsStarted,
		"relay_frames_out", s.RelayFramesOut,
		"relay_frames_dropped", s.RelayFramesDropped,
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
