package server

import (
	"sort"
	"sync"

	"github.com/parleychat/parley/pkg/model"
)

// CallCoordinator tracks individual call sessions and group call
// sessions. Individual calls live in a flat map keyed by call id; group
// calls are keyed by group name, one active call per group, with a
// per-call lock around the participant set.
type CallCoordinator struct {
	mu    sync.RWMutex
	calls map[string]*model.Call

	gmu        sync.RWMutex
	groupCalls map[string]*groupCallState
}

type groupCallState struct {
	mu           sync.RWMutex
	info         model.GroupCall
	participants map[string]struct{}
}

// NewCallCoordinator creates an empty coordinator.
func NewCallCoordinator() *CallCoordinator {
	return &CallCoordinator{
		calls:      make(map[string]*model.Call),
		groupCalls: make(map[string]*groupCallState),
	}
}

// CreateCall records a new individual call in the Requested state. A
// call id collision silently replaces the previous session.
func (c *CallCoordinator) CreateCall(callID, caller, receiver string) {
	c.mu.Lock()
	c.calls[callID] = &model.Call{
		ID:       callID,
		Caller:   caller,
		Receiver: receiver,
	}
	c.mu.Unlock()
}

// GetCall returns a copy of the call session.
func (c *CallCoordinator) GetCall(callID string) (model.Call, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	call, ok := c.calls[callID]
	if !ok {
		return model.Call{}, false
	}
	return *call, true
}

// AcceptCall marks the call accepted. Unknown call ids are ignored.
func (c *CallCoordinator) AcceptCall(callID string) {
	c.mu.Lock()
	if call, ok := c.calls[callID]; ok {
		call.Accepted = true
	}
	c.mu.Unlock()
}

// EndCall removes a single call session.
func (c *CallCoordinator) EndCall(callID string) {
	c.mu.Lock()
	delete(c.calls, callID)
	c.mu.Unlock()
}

// CleanupUserCalls removes every individual call where the user is
// caller or receiver, not just the one being rejected or ended.
func (c *CallCoordinator) CleanupUserCalls(username string) {
	c.mu.Lock()
	for id, call := range c.calls {
		if call.Caller == username || call.Receiver == username {
			delete(c.calls, id)
		}
	}
	c.mu.Unlock()
}

// CallCount returns the number of live individual call sessions.
func (c *CallCoordinator) CallCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

// CreateGroupCall starts a group call with the initiator as its only
// participant. A group may host one call at a time; starting a new one
// replaces any existing session for that group.
func (c *CallCoordinator) CreateGroupCall(group, callID, initiator string) {
	c.gmu.Lock()
	c.groupCalls[group] = &groupCallState{
		info: model.GroupCall{
			Group:     group,
			CallID:    callID,
			Initiator: initiator,
		},
		participants: map[string]struct{}{initiator: {}},
	}
	c.gmu.Unlock()
}

// GetGroupCall returns a copy of the group's active call metadata.
func (c *CallCoordinator) GetGroupCall(group string) (model.GroupCall, bool) {
	gc, ok := c.lookupGroupCall(group)
	if !ok {
		return model.GroupCall{}, false
	}
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	return gc.info, true
}

// GroupCallParticipants returns the current participant set, sorted.
// The second return value is false when the group has no active call.
func (c *CallCoordinator) GroupCallParticipants(group string) ([]string, bool) {
	gc, ok := c.lookupGroupCall(group)
	if !ok {
		return nil, false
	}
	gc.mu.RLock()
	out := make([]string, 0, len(gc.participants))
	for p := range gc.participants {
		out = append(out, p)
	}
	gc.mu.RUnlock()
	sort.Strings(out)
	return out, true
}

// AddParticipant joins a user to the group's active call. Returns false
// when the group has no active call or the call id does not match it.
func (c *CallCoordinator) AddParticipant(group, callID, username string) bool {
	gc, ok := c.lookupGroupCall(group)
	if !ok {
		return false
	}
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.info.CallID != callID {
		return false
	}
	gc.participants[username] = struct{}{}
	return true
}

// RemoveParticipant drops a user from the group's active call. A call
// left with no participants is destroyed. Returns (empty, ok); ok is
// false when the group has no active call.
func (c *CallCoordinator) RemoveParticipant(group, username string) (bool, bool) {
	gc, ok := c.lookupGroupCall(group)
	if !ok {
		return false, false
	}
	gc.mu.Lock()
	delete(gc.participants, username)
	empty := len(gc.participants) == 0
	gc.mu.Unlock()

	if empty {
		c.dropGroupCall(group, gc)
	}
	return empty, true
}

// EndGroupCall destroys the group's active call regardless of who is
// still in it. Returns false when there was none.
func (c *CallCoordinator) EndGroupCall(group string) bool {
	c.gmu.Lock()
	defer c.gmu.Unlock()
	if _, ok := c.groupCalls[group]; !ok {
		return false
	}
	delete(c.groupCalls, group)
	return true
}

// CleanupGroupCalls removes the user from every group call's
// participant set, destroying any call left empty.
func (c *CallCoordinator) CleanupGroupCalls(username string) {
	c.gmu.RLock()
	snapshot := make(map[string]*groupCallState, len(c.groupCalls))
	for group, gc := range c.groupCalls {
		snapshot[group] = gc
	}
	c.gmu.RUnlock()

	for group, gc := range snapshot {
		gc.mu.Lock()
		delete(gc.participants, username)
		empty := len(gc.participants) == 0
		gc.mu.Unlock()
		if empty {
			c.dropGroupCall(group, gc)
		}
	}
}

// GroupCallCount returns the number of active group calls.
func (c *CallCoordinator) GroupCallCount() int {
	c.gmu.RLock()
	defer c.gmu.RUnlock()
	return len(c.groupCalls)
}

func (c *CallCoordinator) lookupGroupCall(group string) (*groupCallState, bool) {
	c.gmu.RLock()
	defer c.gmu.RUnlock()
	gc, ok := c.groupCalls[group]
	return gc, ok
}

// dropGroupCall deletes the group entry only if it still points at the
// same session, so a racing CreateGroupCall is not clobbered.
func (c *CallCoordinator) dropGroupCall(group string, gc *groupCallState) {
	c.gmu.Lock()
	if cur, ok := c.groupCalls[group]; ok && cur == gc {
		delete(c.groupCalls, group)
	}
	c.gmu.Unlock()
}
