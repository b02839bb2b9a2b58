package server

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/pkg/history"
	"github.com/parleychat/parley/pkg/model"
	pb "github.com/parleychat/parley/pkg/protocol/pb"
)

// Dispatcher orchestrates all control plane operations over the shared
// registries. Every operation returns a boolean result; a false result
// leaves no other observable effect behind, except where a delivery
// failure is explicitly allowed to land after a state change.
type Dispatcher struct {
	presence *PresenceRegistry
	groups   *GroupDirectory
	calls    *CallCoordinator
	history  history.Store
	metrics  *Metrics

	now func() time.Time // injectable for tests
}

// NewDispatcher wires the dispatcher to its registries and message store.
func NewDispatcher(p *PresenceRegistry, g *GroupDirectory, c *CallCoordinator, st history.Store, m *Metrics) *Dispatcher {
	return &Dispatcher{
		presence: p,
		groups:   g,
		calls:    c,
		history:  st,
		metrics:  m,
		now:      time.Now,
	}
}

// RegisterUser claims a username and attaches the notifier. When the
// notifier supports close callbacks, full disconnect cleanup is hooked
// to fire exactly once on transport close. Everyone else is told the
// user joined.
func (d *Dispatcher) RegisterUser(username string, n Notifier) bool {
	if model.ValidateUsername(username) != nil {
		d.metrics.FailedRegistrations.Add(1)
		return false
	}
	if !d.presence.Register(username, n) {
		d.metrics.FailedRegistrations.Add(1)
		return false
	}
	if cn, ok := n.(CloseNotifier); ok {
		cn.NotifyClose(func() { d.Disconnect(username) })
	}
	d.metrics.Registrations.Add(1)
	slog.Info("user registered", "user", username)

	d.presence.Broadcast(username, &pb.ControlMessage{
		UserJoined: &pb.UserJoinedEvent{Username: username},
	})
	return true
}

// Disconnect removes a user from every registry: presence, individual
// calls, group call participant sets, and group memberships. Cleanup is
// best-effort and idempotent; the "user left" broadcast goes out only
// when this call actually removed a presence, so a racing unregister
// and transport close announce the departure once.
func (d *Dispatcher) Disconnect(username string) {
	removed := d.presence.Unregister(username)

	d.calls.CleanupUserCalls(username)
	d.calls.CleanupGroupCalls(username)
	d.groups.RemoveFromAll(username)

	if removed {
		d.metrics.TotalDisconnects.Add(1)
		slog.Info("user unregistered", "user", username)
		d.presence.Broadcast("", &pb.ControlMessage{
			UserLeft: &pb.UserLeftEvent{Username: username},
		})
	}
}

// SendPrivateMessage delivers a text message to one online user and
// then persists it. Delivery comes first: a message the recipient never
// got is not written to history.
func (d *Dispatcher) SendPrivateMessage(from, to, content string) bool {
	n, ok := d.presence.Lookup(to)
	if !ok {
		return false
	}

	ev := &pb.ControlMessage{
		MessageRecv: &pb.MessageEvent{
			Sender:    from,
			Content:   content,
			Timestamp: d.now().Format(model.TimeLayout),
			Type:      model.TypePrivate,
		},
	}
	if err := n.Deliver(ev); err != nil {
		d.metrics.NotifyFailures.Add(1)
		slog.Warn("private message delivery failed", "from", from, "to", to, "err", err)
		return false
	}

	if err := d.history.SavePrivateMessage(from, to, content); err != nil {
		slog.Error("failed to persist private message", "from", from, "to", to, "err", err)
	}
	d.metrics.PrivateMessages.Add(1)
	return true
}

// CreateGroup makes a new group with creator as its sole member and
// announces it to everyone.
func (d *Dispatcher) CreateGroup(name, creator string) bool {
	if model.ValidateGroupName(name) != nil {
		return false
	}
	if !d.groups.Create(name, creator) {
		return false
	}
	d.metrics.GroupsCreated.Add(1)
	slog.Info("group created", "group", name, "creator", creator)

	d.presence.Broadcast("", &pb.ControlMessage{
		GroupCreated: &pb.GroupCreatedEvent{Group: name, Creator: creator},
	})
	return true
}

// AddUserToGroup adds a member to an existing group.
func (d *Dispatcher) AddUserToGroup(group, username string) bool {
	return d.groups.AddMember(group, username)
}

// SendGroupMessage fans a text message out to every group member except
// the sender, then persists it. Per-member delivery failures are logged
// and do not fail the operation.
func (d *Dispatcher) SendGroupMessage(from, group, content string) bool {
	members, ok := d.groups.Members(group)
	if !ok {
		return false
	}

	ev := &pb.ControlMessage{
		MessageRecv: &pb.MessageEvent{
			Sender:    from,
			Content:   content,
			Timestamp: d.now().Format(model.TimeLayout),
			Type:      model.TypeGroup,
			Group:     group,
		},
	}
	d.notifyUsers(members, from, ev)

	if err := d.history.SaveGroupMessage(from, group, content); err != nil {
		slog.Error("failed to persist group message", "from", from, "group", group, "err", err)
	}
	d.metrics.GroupMessages.Add(1)
	return true
}

// SendAudioMessage delivers a voice note to one online user and records
// a reference to it in the private history. An empty audio id gets a
// server-assigned one so the history reference stays resolvable.
func (d *Dispatcher) SendAudioMessage(from, to string, payload []byte, audioID string) bool {
	n, ok := d.presence.Lookup(to)
	if !ok {
		return false
	}
	if audioID == "" {
		audioID = uuid.NewString()
	}

	ev := &pb.ControlMessage{
		AudioRecv: &pb.AudioMessageEvent{Sender: from, Payload: payload, AudioID: audioID},
	}
	if err := n.Deliver(ev); err != nil {
		d.metrics.NotifyFailures.Add(1)
		slog.Warn("audio message delivery failed", "from", from, "to", to, "err", err)
		return false
	}

	if err := d.history.SaveAudioMessage(from, to, audioID); err != nil {
		slog.Error("failed to persist audio reference", "from", from, "to", to, "err", err)
	}
	d.metrics.AudioNotes.Add(1)
	return true
}

// SendGroupAudioMessage fans a voice note out to the group and records
// a reference in the group history.
func (d *Dispatcher) SendGroupAudioMessage(from, group string, payload []byte, audioID string) bool {
	members, ok := d.groups.Members(group)
	if !ok {
		return false
	}
	if audioID == "" {
		audioID = uuid.NewString()
	}

	ev := &pb.ControlMessage{
		AudioRecv: &pb.AudioMessageEvent{Sender: from, Payload: payload, AudioID: audioID, Group: group},
	}
	d.notifyUsers(members, from, ev)

	if err := d.history.SaveGroupAudioMessage(from, group, audioID); err != nil {
		slog.Error("failed to persist group audio reference", "from", from, "group", group, "err", err)
	}
	d.metrics.AudioNotes.Add(1)
	return true
}

// InitiateCall creates an individual call session and delivers the call
// request to the receiver. If delivery fails the session is rolled back
// so no half-announced call lingers.
func (d *Dispatcher) InitiateCall(from, to, callID string) bool {
	n, ok := d.presence.Lookup(to)
	if !ok {
		return false
	}

	d.calls.CreateCall(callID, from, to)
	ev := &pb.ControlMessage{
		CallRequested: &pb.CallRequestEvent{From: from, CallID: callID},
	}
	if err := n.Deliver(ev); err != nil {
		d.calls.EndCall(callID)
		d.metrics.NotifyFailures.Add(1)
		slog.Warn("call request delivery failed, call rolled back", "from", from, "to", to, "call", callID, "err", err)
		return false
	}
	d.metrics.CallsInitiated.Add(1)
	return true
}

// AcceptCall marks the call accepted and tells the original caller.
// Unlike InitiateCall, a delivery failure here does not undo the
// accepted flag; the call stays accepted and the caller finds out via
// its own next operation.
func (d *Dispatcher) AcceptCall(from, to, callID string) bool {
	n, ok := d.presence.Lookup(to)
	if !ok {
		return false
	}
	if _, ok := d.calls.GetCall(callID); !ok {
		return false
	}

	d.calls.AcceptCall(callID)
	ev := &pb.ControlMessage{
		CallAccepted: &pb.CallAcceptedEvent{From: from, CallID: callID},
	}
	if err := n.Deliver(ev); err != nil {
		d.metrics.NotifyFailures.Add(1)
		slog.Warn("call accept delivery failed", "from", from, "to", to, "call", callID, "err", err)
		return false
	}
	d.metrics.CallsAccepted.Add(1)
	return true
}

// RejectCall tears down every individual call the rejecting user is
// party to and notifies the caller. The cleanup is deliberately broad:
// one reject cancels all of the user's pending calls.
func (d *Dispatcher) RejectCall(from, to, callID string) bool {
	n, ok := d.presence.Lookup(to)
	if !ok {
		return false
	}

	d.calls.CleanupUserCalls(from)
	ev := &pb.ControlMessage{
		CallRejected: &pb.CallRejectedEvent{From: from},
	}
	if err := n.Deliver(ev); err != nil {
		d.metrics.NotifyFailures.Add(1)
		slog.Warn("call reject delivery failed", "from", from, "to", to, "call", callID, "err", err)
		return false
	}
	d.metrics.CallsRejected.Add(1)
	return true
}

// EndCall tears down every individual call the ending user is party to
// and notifies the peer. Same breadth as RejectCall.
func (d *Dispatcher) EndCall(from, to, callID string) bool {
	n, ok := d.presence.Lookup(to)
	if !ok {
		return false
	}

	d.calls.CleanupUserCalls(from)
	ev := &pb.ControlMessage{
		CallEnded: &pb.CallEndedEvent{From: from},
	}
	if err := n.Deliver(ev); err != nil {
		d.metrics.NotifyFailures.Add(1)
		slog.Warn("call end delivery failed", "from", from, "to", to, "call", callID, "err", err)
		return false
	}
	d.metrics.CallsEnded.Add(1)
	return true
}

// InitiateGroupCall starts a group call with the initiator as its only
// participant and invites the other group members. Starting a call in a
// group that already has one replaces the old session.
func (d *Dispatcher) InitiateGroupCall(from, group, callID string) bool {
	members, ok := d.groups.Members(group)
	if !ok || !d.groups.Contains(group, from) {
		return false
	}

	d.calls.CreateGroupCall(group, callID, from)
	ev := &pb.ControlMessage{
		GroupCallInvited: &pb.GroupCallRequestEvent{From: from, Group: group, CallID: callID},
	}
	d.notifyUsers(members, from, ev)
	d.metrics.GroupCallsStarted.Add(1)
	return true
}

// JoinGroupCall adds the user to the group's active call, provided the
// call id matches, and tells the other participants.
func (d *Dispatcher) JoinGroupCall(username, group, callID string) bool {
	if !d.calls.AddParticipant(group, callID, username) {
		return false
	}
	participants, _ := d.calls.GroupCallParticipants(group)
	d.notifyUsers(participants, username, &pb.ControlMessage{
		UserJoined: &pb.UserJoinedEvent{Username: username},
	})
	return true
}

// LeaveGroupCall removes the user from the group's active call and
// tells whoever is left. A call left empty is destroyed.
func (d *Dispatcher) LeaveGroupCall(username, group, callID string) bool {
	empty, ok := d.calls.RemoveParticipant(group, username)
	if !ok {
		return false
	}
	if !empty {
		participants, _ := d.calls.GroupCallParticipants(group)
		d.notifyUsers(participants, username, &pb.ControlMessage{
			UserLeft: &pb.UserLeftEvent{Username: username},
		})
	}
	return true
}

// EndGroupCall announces the end to every participant and destroys the
// group call.
func (d *Dispatcher) EndGroupCall(group, callID string) bool {
	participants, ok := d.calls.GroupCallParticipants(group)
	if !ok {
		return false
	}
	d.notifyUsers(participants, "", &pb.ControlMessage{
		GroupCallEnded: &pb.GroupCallEndedEvent{Group: group},
	})
	d.calls.EndGroupCall(group)
	d.metrics.GroupCallsEnded.Add(1)
	return true
}

// StreamCallAudio forwards a call-audio payload to one online user over
// the control channel. Fallback path for clients without a relay
// session.
func (d *Dispatcher) StreamCallAudio(from, to string, payload []byte) bool {
	n, ok := d.presence.Lookup(to)
	if !ok {
		return false
	}
	ev := &pb.ControlMessage{
		CallAudio: &pb.CallAudioEvent{From: from, Payload: payload},
	}
	if err := n.Deliver(ev); err != nil {
		d.metrics.NotifyFailures.Add(1)
		return false
	}
	return true
}

// StreamGroupCallAudio forwards a call-audio payload to every other
// participant of the group's active call.
func (d *Dispatcher) StreamGroupCallAudio(from, group string, payload []byte) bool {
	participants, ok := d.calls.GroupCallParticipants(group)
	if !ok {
		return false
	}
	d.notifyUsers(participants, from, &pb.ControlMessage{
		CallAudio: &pb.CallAudioEvent{From: from, Payload: payload},
	})
	return true
}

// ListUsers returns all online usernames.
func (d *Dispatcher) ListUsers() []string {
	return d.presence.List()
}

// ListGroups returns the groups the user belongs to.
func (d *Dispatcher) ListGroups(username string) []string {
	return d.groups.GroupsOf(username)
}

// GetPrivateHistory returns the stored conversation between two users,
// reconstructed from raw history lines. Unparseable lines are skipped.
func (d *Dispatcher) GetPrivateHistory(user1, user2 string) []pb.HistoryMessage {
	lines, err := d.history.PrivateHistory(user1, user2)
	if err != nil {
		slog.Error("failed to read private history", "user1", user1, "user2", user2, "err", err)
		return nil
	}
	return parseHistoryLines(lines, model.TypePrivate)
}

// GetGroupHistory returns the stored group conversation. Every record
// comes back labeled "group" regardless of how the parser labeled it.
func (d *Dispatcher) GetGroupHistory(group string) []pb.HistoryMessage {
	lines, err := d.history.GroupHistory(group)
	if err != nil {
		slog.Error("failed to read group history", "group", group, "err", err)
		return nil
	}
	return parseHistoryLines(lines, model.TypeGroup)
}

// notifyUsers delivers an event to each named user except exclude,
// skipping offline users. One bad recipient never stops the fan-out.
func (d *Dispatcher) notifyUsers(usernames []string, exclude string, msg *pb.ControlMessage) {
	for _, name := range usernames {
		if name == exclude {
			continue
		}
		n, ok := d.presence.Lookup(name)
		if !ok {
			continue
		}
		if err := n.Deliver(msg); err != nil {
			d.metrics.NotifyFailures.Add(1)
			slog.Warn("event delivery failed", "user", name, "err", err)
		}
	}
}

func parseHistoryLines(lines []string, msgType string) []pb.HistoryMessage {
	out := make([]pb.HistoryMessage, 0, len(lines))
	for _, line := range lines {
		msg, ok := parseHistoryLine(line)
		if !ok {
			continue
		}
		msg.Type = msgType
		out = append(out, msg)
	}
	return out
}

// parseHistoryLine reconstructs a message from a stored history line:
// the leading bracketed timestamp, then the text before the first colon
// as the sender token, then the remainder as content. The sender token
// still carries the route half ("alice -> bob" or "alice en devs"), so
// it is trimmed back to the bare sender name.
func parseHistoryLine(line string) (pb.HistoryMessage, bool) {
	open := strings.IndexByte(line, '[')
	closing := strings.IndexByte(line, ']')
	if open < 0 || closing <= open {
		return pb.HistoryMessage{}, false
	}
	ts := strings.TrimSpace(line[open+1 : closing])

	rest := strings.TrimSpace(line[closing+1:])
	colon := strings.IndexByte(rest, ':')
	if colon <= 0 {
		return pb.HistoryMessage{}, false
	}
	sender := strings.TrimSpace(rest[:colon])
	content := strings.TrimSpace(rest[colon+1:])

	if i := strings.Index(sender, " -> "); i >= 0 {
		sender = sender[:i]
	} else if i := strings.Index(sender, " en "); i >= 0 {
		sender = sender[:i]
	}

	return pb.HistoryMessage{
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
		Type:      model.TypePrivate,
	}, true
}
