package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9702 by default — configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("parley_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("parley_connections_active", "Current active control connections.", "gauge",
		m.ActiveConnections.Load())
	write("parley_connections_total", "Lifetime TCP control connections accepted.", "counter",
		m.TotalConnections.Load())
	write("parley_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("parley_registrations_total", "Successful user registrations.", "counter",
		m.Registrations.Load())
	write("parley_registrations_failed_total", "Rejected user registrations.", "counter",
		m.FailedRegistrations.Load())

	write("parley_private_messages_total", "Private text messages delivered.", "counter",
		m.PrivateMessages.Load())
	write("parley_group_messages_total", "Group text messages fanned out.", "counter",
		m.GroupMessages.Load())
	write("parley_audio_notes_total", "Voice notes delivered.", "counter",
		m.AudioNotes.Load())
	write("parley_groups_created_total", "Groups created.", "counter",
		m.GroupsCreated.Load())

	write("parley_calls_initiated_total", "Individual calls initiated.", "counter",
		m.CallsInitiated.Load())
	write("parley_calls_accepted_total", "Individual calls accepted.", "counter",
		m.CallsAccepted.Load())
	write("parley_calls_rejected_total", "Individual calls rejected.", "counter",
		m.CallsRejected.Load())
	write("parley_calls_ended_total", "Individual calls ended.", "counter",
		m.CallsEnded.Load())
	write("parley_group_calls_started_total", "Group calls started.", "counter",
		m.GroupCallsStarted.Load())
	write("parley_group_calls_ended_total", "Group calls ended.", "counter",
		m.GroupCallsEnded.Load())
	write("parley_notify_failures_total", "Event deliveries dropped on a full or dead queue.", "counter",
		m.NotifyFailures.Load())

	write("parley_relay_sessions_active", "Current live relay websocket sessions.", "gauge",
		m.RelaySessions.Load())
	write("parley_relay_frames_in_total", "Total audio frames received.", "counter",
		m.RelayFramesIn.Load())
	write("parley_relay_frames_out_total", "Total audio frames forwarded.", "counter",
		m.RelayFramesOut.Load())
	write("parley_relay_frames_dropped_total", "Dropped audio frames.", "counter",
		m.RelayFramesDropped.Load())
	write("parley_relay_bytes_in_total", "Total audio bytes received.", "counter",
		m.RelayBytesIn.Load())
	write("parley_relay_bytes_out_total", "Total audio bytes forwarded.", "counter",
		m.RelayBytesOut.Load())
}
