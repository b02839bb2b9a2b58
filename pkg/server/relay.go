package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/pkg/model"
	"github.com/parleychat/parley/pkg/protocol"
)

const (
	// relayWriteWait bounds a single websocket write.
	relayWriteWait = 10 * time.Second

	// relayQueueSize is the per-session outbound frame queue depth.
	// Audio frames for a session that cannot drain this fast are
	// dropped, never buffered further.
	relayQueueSize = 64
)

// relayFrame is one queued websocket message (binary audio or a text
// notification).
type relayFrame struct {
	messageType int
	data        []byte
}

// relaySession is one live relay websocket, bound to a username on
// connect and optionally to a call.
type relaySession struct {
	username string
	conn     *websocket.Conn

	send   chan relayFrame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex // guards call metadata
	callID   string
	callType string
}

func (s *relaySession) setCall(callID, callType string) {
	s.mu.Lock()
	s.callID = callID
	s.callType = callType
	s.mu.Unlock()
}

func (s *relaySession) call() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID, s.callType
}

// enqueue queues a frame without blocking. Returns false when the
// session is closed or its queue is full.
func (s *relaySession) enqueue(f relayFrame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *relaySession) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// callBinding groups the live sessions of one active call.
type callBinding struct {
	callID   string
	callType string

	mu       sync.RWMutex
	sessions map[*relaySession]struct{}
}

func (b *callBinding) add(s *relaySession) {
	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()
}

// remove drops a session and reports whether the binding is now empty.
func (b *callBinding) remove(s *relaySession) bool {
	b.mu.Lock()
	delete(b.sessions, s)
	empty := len(b.sessions) == 0
	b.mu.Unlock()
	return empty
}

// snapshot returns the bound sessions, so frame fan-out iterates
// without holding the binding lock.
func (b *callBinding) snapshot() []*relaySession {
	b.mu.RLock()
	out := make([]*relaySession, 0, len(b.sessions))
	for s := range b.sessions {
		out = append(out, s)
	}
	b.mu.RUnlock()
	return out
}

// AudioRelay is the data plane: it binds live websocket sessions to
// active calls and forwards binary audio frames between them. The relay
// keeps its own session and binding maps and never consults the
// control plane registries on the frame path.
type AudioRelay struct {
	metrics  *Metrics
	upgrader websocket.Upgrader

	smu      sync.RWMutex
	sessions map[string]*relaySession // username -> live session

	bmu      sync.RWMutex
	bindings map[string]*callBinding // callID -> binding
}

// NewAudioRelay creates an empty relay.
func NewAudioRelay(metrics *Metrics) *AudioRelay {
	return &AudioRelay{
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.MaxAudioFrame,
			WriteBufferSize: protocol.MaxAudioFrame,
			// native clients send no Origin header
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*relaySession),
		bindings: make(map[string]*callBinding),
	}
}

// HandleSession upgrades an HTTP request to a relay websocket session
// and runs it until the peer disconnects. The bound username comes from
// the URL path.
func (r *AudioRelay) HandleSession(w http.ResponseWriter, req *http.Request) {
	username := req.PathValue("username")
	if model.ValidateUsername(username) != nil {
		http.Error(w, "invalid username", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Debug("relay upgrade failed", "user", username, "err", err)
		return
	}

	s := &relaySession{
		username: username,
		conn:     conn,
		send:     make(chan relayFrame, relayQueueSize),
		closed:   make(chan struct{}),
	}

	// A reconnect under the same name displaces the old session in the
	// map; the old socket keeps any call binding until it closes.
	r.smu.Lock()
	r.sessions[username] = s
	r.smu.Unlock()

	r.metrics.RelaySessions.Add(1)
	slog.Info("relay session opened", "user", username)

	go r.writeLoop(s)
	r.readLoop(s)

	r.closeSession(s)
}

// closeSession tears a session down: presence map entry, call binding
// membership, and the socket itself.
func (r *AudioRelay) closeSession(s *relaySession) {
	s.close()

	r.smu.Lock()
	if cur, ok := r.sessions[s.username]; ok && cur == s {
		delete(r.sessions, s.username)
	}
	r.smu.Unlock()

	if callID, _ := s.call(); callID != "" {
		r.leaveCall(s, callID)
	}

	r.metrics.RelaySessions.Add(-1)
	slog.Info("relay session closed", "user", s.username)
}

// readLoop consumes the session's inbound messages: text frames are
// control commands, binary frames are audio to forward.
func (r *AudioRelay) readLoop(s *relaySession) {
	s.conn.SetReadLimit(protocol.MaxAudioFrame)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("relay read error", "user", s.username, "err", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			r.handleCommand(s, string(data))
		case websocket.BinaryMessage:
			r.metrics.RelayFramesIn.Add(1)
			r.metrics.RelayBytesIn.Add(int64(len(data)))
			r.forwardFrame(s, data)
		}
	}
}

// writeLoop drains the session's send queue onto the socket.
func (r *AudioRelay) writeLoop(s *relaySession) {
	for {
		select {
		case <-s.closed:
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := s.conn.WriteMessage(f.messageType, f.data); err != nil {
				slog.Debug("relay write failed", "user", s.username, "err", err)
				s.close()
				return
			}
		}
	}
}

// handleCommand parses and applies one text control command.
// Unrecognized or malformed commands are ignored.
func (r *AudioRelay) handleCommand(s *relaySession, line string) {
	cmd, ok := protocol.ParseRelayCommand(line)
	if !ok {
		slog.Debug("relay ignoring unknown command", "user", s.username, "line", line)
		return
	}

	switch cmd.Name {
	case protocol.CmdStartCall:
		r.startCall(s, cmd.CallID, cmd.Arg)
	case protocol.CmdJoinCall:
		r.joinCall(s, cmd.CallID)
	case protocol.CmdEndCall:
		r.endCall(cmd.CallID)
	case protocol.CmdStartGroupCall:
		r.startGroupCall(s, cmd.CallID, cmd.Arg)
	case protocol.CmdJoinGroupCall:
		r.joinCall(s, cmd.CallID)
	case protocol.CmdLeaveGroupCall:
		r.leaveCall(s, cmd.CallID)
	}
}

// startCall creates an individual call binding holding the initiator
// and, when the target has a live session, the target too. A target
// not yet connected can still join later with the same call id.
func (r *AudioRelay) startCall(s *relaySession, callID, target string) {
	b := r.createBinding(callID, protocol.CallTypeIndividual)
	b.add(s)
	s.setCall(callID, protocol.CallTypeIndividual)

	r.smu.RLock()
	peer, ok := r.sessions[target]
	r.smu.RUnlock()
	if ok {
		b.add(peer)
		peer.setCall(callID, protocol.CallTypeIndividual)
	}
	slog.Info("relay call started", "call", callID, "initiator", s.username, "target", target, "target_online", ok)
}

// joinCall adds the session to an existing binding. No authorization
// check happens here; knowing the call id is enough.
func (r *AudioRelay) joinCall(s *relaySession, callID string) {
	b, ok := r.lookupBinding(callID)
	if !ok {
		return
	}
	b.add(s)
	s.setCall(callID, b.callType)
	slog.Debug("relay session joined call", "call", callID, "user", s.username)
}

// startGroupCall creates a group call binding with only the initiator
// and invites every currently connected session, group member or not.
func (r *AudioRelay) startGroupCall(s *relaySession, callID, group string) {
	b := r.createBinding(callID, protocol.CallTypeGroup)
	b.add(s)
	s.setCall(callID, protocol.CallTypeGroup)

	invitation := relayFrame{
		messageType: websocket.TextMessage,
		data:        []byte(protocol.GroupCallInvitation(callID, group, s.username)),
	}
	r.smu.RLock()
	targets := make([]*relaySession, 0, len(r.sessions))
	for _, peer := range r.sessions {
		if peer != s {
			targets = append(targets, peer)
		}
	}
	r.smu.RUnlock()

	for _, peer := range targets {
		if !peer.enqueue(invitation) {
			slog.Debug("relay invitation dropped", "call", callID, "user", peer.username)
		}
	}
	slog.Info("relay group call started", "call", callID, "group", group, "initiator", s.username, "invited", len(targets))
}

// leaveCall removes the session from the binding. Call metadata is
// cleared only when the session was bound to this call, so leaving a
// call the session never joined does not mute its real one. The
// binding is deleted once its last session leaves.
func (r *AudioRelay) leaveCall(s *relaySession, callID string) {
	if bound, _ := s.call(); bound == callID {
		s.setCall("", "")
	}
	b, ok := r.lookupBinding(callID)
	if !ok {
		return
	}
	if b.remove(s) {
		r.dropBinding(callID, b)
		slog.Debug("relay call binding emptied", "call", callID)
	}
}

// endCall removes the binding entirely, clearing call metadata on every
// bound session and notifying each of them.
func (r *AudioRelay) endCall(callID string) {
	r.bmu.Lock()
	b, ok := r.bindings[callID]
	if ok {
		delete(r.bindings, callID)
	}
	r.bmu.Unlock()
	if !ok {
		return
	}

	ended := relayFrame{
		messageType: websocket.TextMessage,
		data:        []byte(protocol.CallEnded(callID)),
	}
	for _, peer := range b.snapshot() {
		peer.setCall("", "")
		if !peer.enqueue(ended) {
			slog.Debug("relay end notification dropped", "call", callID, "user", peer.username)
		}
	}
	slog.Info("relay call ended", "call", callID)
}

// forwardFrame relays one binary audio frame to every other session
// bound to the sender's call. Frames from an unbound session, and
// frames a peer's queue cannot absorb, are dropped.
func (r *AudioRelay) forwardFrame(s *relaySession, data []byte) {
	callID, _ := s.call()
	if callID == "" {
		r.metrics.RelayFramesDropped.Add(1)
		return
	}
	b, ok := r.lookupBinding(callID)
	if !ok {
		r.metrics.RelayFramesDropped.Add(1)
		return
	}

	frame := relayFrame{messageType: websocket.BinaryMessage, data: data}
	for _, peer := range b.snapshot() {
		if peer == s {
			continue
		}
		if peer.enqueue(frame) {
			r.metrics.RelayFramesOut.Add(1)
			r.metrics.RelayBytesOut.Add(int64(len(data)))
		} else {
			r.metrics.RelayFramesDropped.Add(1)
		}
	}
}

// createBinding installs a fresh binding, replacing any existing one
// under the same call id. Sessions of a replaced binding keep their
// stale metadata until they leave or the call ends.
func (r *AudioRelay) createBinding(callID, callType string) *callBinding {
	b := &callBinding{
		callID:   callID,
		callType: callType,
		sessions: make(map[*relaySession]struct{}),
	}
	r.bmu.Lock()
	r.bindings[callID] = b
	r.bmu.Unlock()
	return b
}

func (r *AudioRelay) lookupBinding(callID string) (*callBinding, bool) {
	r.bmu.RLock()
	defer r.bmu.RUnlock()
	b, ok := r.bindings[callID]
	return b, ok
}

// dropBinding deletes the binding only if the map still holds this
// exact one, so a racing re-create with the same id survives.
func (r *AudioRelay) dropBinding(callID string, b *callBinding) {
	r.bmu.Lock()
	if cur, ok := r.bindings[callID]; ok && cur == b {
		delete(r.bindings, callID)
	}
	r.bmu.Unlock()
}

// SessionCount returns the number of live relay sessions.
func (r *AudioRelay) SessionCount() int {
	r.smu.RLock()
	defer r.smu.RUnlock()
	return len(r.sessions)
}

// StartAudio starts the websocket audio relay listener.
func (s *Server) StartAudio() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /audio/{username}", s.relay.HandleSession)

	srv := &http.Server{
		Addr:              s.cfg.AudioAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.audioSrv = srv

	slog.Info("audio relay listening", "addr", s.cfg.AudioAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("audio relay error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()

	return nil
}
