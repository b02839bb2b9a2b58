package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.history == nil {
		return fmt.Errorf("server: missing history store dependency")
	}
	defer func() { _ = s.history.Close() }()

	// Load groups from YAML config if provided
	if s.cfg.GroupsFile != "" {
		if err := LoadGroupsFromYAML(s.cfg.GroupsFile, s.groups); err != nil {
			slog.Error("failed to load groups config", "err", err)
		}
	}

	// Start listeners
	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartAudio(); err != nil {
		return err
	}

	slog.Info("Parley server running",
		"control", s.cfg.ControlAddr,
		"audio", s.cfg.AudioAddr,
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	s.cancel()
	if s.controlLn != nil {
		_ = s.controlLn.Close()
	}
	if s.audioSrv != nil {
		_ = s.audioSrv.Close()
	}
}
