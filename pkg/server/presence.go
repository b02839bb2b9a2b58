package server

import (
	"log/slog"
	"sort"
	"sync"

	pb "github.com/parleychat/parley/pkg/protocol/pb"
)

// Notifier is the per-user delivery channel for control plane events.
// Deliver must not block on a slow consumer; implementations queue and
// return an error when the peer cannot keep up.
type Notifier interface {
	Deliver(msg *pb.ControlMessage) error
}

// CloseNotifier is optionally implemented by Notifiers whose underlying
// transport can drop. Registered callbacks fire exactly once on close.
type CloseNotifier interface {
	NotifyClose(fn func())
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(msg *pb.ControlMessage) error

func (f NotifierFunc) Deliver(msg *pb.ControlMessage) error { return f(msg) }

// PresenceRegistry tracks which users are online and how to reach them.
// All methods are safe for concurrent use.
type PresenceRegistry struct {
	mu    sync.RWMutex
	users map[string]Notifier
}

// NewPresenceRegistry creates an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		users: make(map[string]Notifier),
	}
}

// Register claims a username. The check and insert happen under one lock,
// so two racing registrations for the same name cannot both succeed.
// Returns false when the name is already taken.
func (r *PresenceRegistry) Register(username string, n Notifier) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[username]; exists {
		return false
	}
	r.users[username] = n
	return true
}

// Unregister removes a user. Returns whether the user was present, so
// callers can make disconnect notifications exactly-once.
func (r *PresenceRegistry) Unregister(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[username]; !exists {
		return false
	}
	delete(r.users, username)
	return true
}

// Lookup returns the notifier for an online user.
func (r *PresenceRegistry) Lookup(username string) (Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.users[username]
	return n, ok
}

// Online reports whether the user is currently registered.
func (r *PresenceRegistry) Online(username string) bool {
	_, ok := r.Lookup(username)
	return ok
}

// List returns all online usernames, sorted.
func (r *PresenceRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.users))
	for name := range r.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of online users.
func (r *PresenceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Broadcast delivers msg to every online user except exclude. The
// recipient snapshot is taken under the read lock; delivery happens
// outside it. A failed delivery is logged and does not stop the fan-out.
func (r *PresenceRegistry) Broadcast(exclude string, msg *pb.ControlMessage) {
	r.mu.RLock()
	targets := make(map[string]Notifier, len(r.users))
	for name, n := range r.users {
		if name == exclude {
			continue
		}
		targets[name] = n
	}
	r.mu.RUnlock()

	for name, n := range targets {
		if err := n.Deliver(msg); err != nil {
			slog.Warn("broadcast delivery failed", "user", name, "err", err)
		}
	}
}
