// Package server implements the Parley chat and call server.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/parleychat/parley/pkg/history"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of History and will Close() it on shutdown.
type Dependencies struct {
	History history.Store
}

// Server is the main Parley server. It runs three listeners: the TCP
// control plane, the websocket audio relay, and the metrics endpoint.
type Server struct {
	cfg        Config
	presence   *PresenceRegistry
	groups     *GroupDirectory
	calls      *CallCoordinator
	dispatcher *Dispatcher
	relay      *AudioRelay
	metrics    *Metrics
	history    history.Store

	controlLn net.Listener
	audioSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	presence := NewPresenceRegistry()
	groups := NewGroupDirectory()
	calls := NewCallCoordinator()
	dispatcher := NewDispatcher(presence, groups, calls, deps.History, metrics)

	return &Server{
		cfg:        cfg,
		presence:   presence,
		groups:     groups,
		calls:      calls,
		dispatcher: dispatcher,
		relay:      NewAudioRelay(metrics),
		metrics:    metrics,
		history:    deps.History,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Dispatcher returns the control plane dispatcher.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Groups returns the group directory.
func (s *Server) Groups() *GroupDirectory {
	return s.groups
}

// Presence returns the presence registry.
func (s *Server) Presence() *PresenceRegistry {
	return s.presence
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
