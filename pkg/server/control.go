package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/pkg/protocol"
	pb "github.com/parleychat/parley/pkg/protocol/pb"
)

// sendQueueSize is the per-client event queue depth. A client that
// falls this far behind starts losing events rather than stalling the
// senders.
const sendQueueSize = 256

var (
	// ErrClientGone is returned by Deliver after the connection closed.
	ErrClientGone = errors.New("server: client connection closed")
	// ErrSendQueueFull is returned by Deliver when the client's event
	// queue is full.
	ErrSendQueueFull = errors.New("server: client send queue full")
)

// clientConn wraps a control connection with a buffered outbound queue
// and a single writer goroutine, so Deliver never blocks on a slow
// peer. It implements Notifier and CloseNotifier.
type clientConn struct {
	id   string
	conn net.Conn

	send   chan *pb.ControlMessage
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	closeFns []func()
}

func newClientConn(conn net.Conn) *clientConn {
	return &clientConn{
		id:     uuid.NewString()[:8],
		conn:   conn,
		send:   make(chan *pb.ControlMessage, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// Deliver queues a message for the writer goroutine. It fails fast on a
// closed connection or a full queue; it never blocks.
func (c *clientConn) Deliver(msg *pb.ControlMessage) error {
	select {
	case <-c.closed:
		return ErrClientGone
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// NotifyClose registers fn to run when the connection closes. If the
// connection is already closed, fn runs immediately.
func (c *clientConn) NotifyClose(fn func()) {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		fn()
		return
	default:
	}
	c.closeFns = append(c.closeFns, fn)
	c.mu.Unlock()
}

// writeLoop drains the send queue onto the wire. A write error tears
// the connection down; the read side notices via the closed socket.
func (c *clientConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := protocol.WriteControlMessage(c.conn, msg); err != nil {
				slog.Debug("control write failed", "conn", c.id, "err", err)
				c.close()
				return
			}
		}
	}
}

// close shuts the connection down and fires the close callbacks exactly
// once.
func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()

		c.mu.Lock()
		fns := c.closeFns
		c.closeFns = nil
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// StartControl starts the TCP control listener.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.controlLn = ln

	slog.Info("control plane listening", "addr", s.cfg.ControlAddr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleControlConn(conn)
		}
	}()

	return nil
}

// handleControlConn handles a single control connection lifecycle.
func (s *Server) handleControlConn(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)

	cc := newClientConn(conn)
	defer cc.close()
	slog.Debug("new control connection", "conn", cc.id, "remote", remoteAddr)

	// First message must be a register request
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.ReadControlMessage(conn)
	if err != nil {
		slog.Debug("register read failed", "conn", cc.id, "remote", remoteAddr, "err", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{}) // clear deadline

	if msg.RegisterReq == nil {
		sendError(conn, 1, "first message must be register_request")
		return
	}
	username := msg.RegisterReq.Username

	if !s.dispatcher.RegisterUser(username, cc) {
		// writer goroutine is not running yet, write directly
		_ = protocol.WriteControlMessage(conn, &pb.ControlMessage{
			RegisterResp: &pb.RegisterResponse{
				OK:      false,
				Message: "username is taken or invalid",
			},
		})
		return
	}

	go cc.writeLoop()

	if err := cc.Deliver(&pb.ControlMessage{
		RegisterResp: &pb.RegisterResponse{
			OK:       true,
			Username: username,
			Users:    s.presence.List(),
		},
	}); err != nil {
		slog.Error("register response delivery failed", "conn", cc.id, "err", err)
		return
	}

	slog.Info("client registered", "user", username, "conn", cc.id, "remote", remoteAddr)

	// Message loop. cc.close() in the deferred call above triggers the
	// disconnect hook attached during registration.
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := protocol.ReadControlMessage(conn)
		if err != nil {
			if err == io.EOF || isClosedErr(err) {
				return
			}
			slog.Debug("control read error", "user", username, "err", err)
			return
		}

		s.handleRequest(cc, username, msg)
	}
}

// handleRequest dispatches one control message and queues the response.
func (s *Server) handleRequest(cc *clientConn, username string, msg *pb.ControlMessage) {
	switch {
	case msg.UnregisterReq != nil:
		s.dispatcher.Disconnect(username)
		s.reply(cc, true)

	case msg.ListUsersReq != nil:
		s.deliver(cc, &pb.ControlMessage{
			UserListResp: &pb.UserListResponse{Users: s.dispatcher.ListUsers()},
		})

	case msg.ListGroupsReq != nil:
		s.deliver(cc, &pb.ControlMessage{
			GroupListResp: &pb.GroupListResponse{Groups: s.dispatcher.ListGroups(username)},
		})

	case msg.PrivateMsgReq != nil:
		req := msg.PrivateMsgReq
		s.reply(cc, s.dispatcher.SendPrivateMessage(username, req.To, req.Content))

	case msg.PrivateHistReq != nil:
		msgs := s.dispatcher.GetPrivateHistory(username, msg.PrivateHistReq.With)
		s.deliver(cc, &pb.ControlMessage{
			HistoryResp: &pb.HistoryResponse{Messages: msgs},
		})

	case msg.CreateGroupReq != nil:
		s.reply(cc, s.dispatcher.CreateGroup(msg.CreateGroupReq.Name, username))

	case msg.AddToGroupReq != nil:
		req := msg.AddToGroupReq
		s.reply(cc, s.dispatcher.AddUserToGroup(req.Group, req.Username))

	case msg.GroupMsgReq != nil:
		req := msg.GroupMsgReq
		s.reply(cc, s.dispatcher.SendGroupMessage(username, req.Group, req.Content))

	case msg.GroupHistReq != nil:
		msgs := s.dispatcher.GetGroupHistory(msg.GroupHistReq.Group)
		s.deliver(cc, &pb.ControlMessage{
			HistoryResp: &pb.HistoryResponse{Messages: msgs},
		})

	case msg.AudioMsgReq != nil:
		req := msg.AudioMsgReq
		s.reply(cc, s.dispatcher.SendAudioMessage(username, req.To, req.Payload, req.AudioID))

	case msg.GroupAudioMsgReq != nil:
		req := msg.GroupAudioMsgReq
		s.reply(cc, s.dispatcher.SendGroupAudioMessage(username, req.Group, req.Payload, req.AudioID))

	case msg.CallReq != nil:
		req := msg.CallReq
		s.reply(cc, s.dispatcher.InitiateCall(username, req.To, req.CallID))

	case msg.AcceptCallReq != nil:
		req := msg.AcceptCallReq
		s.reply(cc, s.dispatcher.AcceptCall(username, req.To, req.CallID))

	case msg.RejectCallReq != nil:
		req := msg.RejectCallReq
		s.reply(cc, s.dispatcher.RejectCall(username, req.To, req.CallID))

	case msg.EndCallReq != nil:
		req := msg.EndCallReq
		s.reply(cc, s.dispatcher.EndCall(username, req.To, req.CallID))

	case msg.GroupCallReq != nil:
		req := msg.GroupCallReq
		s.reply(cc, s.dispatcher.InitiateGroupCall(username, req.Group, req.CallID))

	case msg.JoinGroupCallReq != nil:
		req := msg.JoinGroupCallReq
		s.reply(cc, s.dispatcher.JoinGroupCall(username, req.Group, req.CallID))

	case msg.LeaveGroupCallReq != nil:
		req := msg.LeaveGroupCallReq
		s.reply(cc, s.dispatcher.LeaveGroupCall(username, req.Group, req.CallID))

	case msg.EndGroupCallReq != nil:
		req := msg.EndGroupCallReq
		s.reply(cc, s.dispatcher.EndGroupCall(req.Group, req.CallID))

	case msg.StreamAudioReq != nil:
		req := msg.StreamAudioReq
		s.reply(cc, s.dispatcher.StreamCallAudio(username, req.To, req.Payload))

	case msg.StreamGroupReq != nil:
		req := msg.StreamGroupReq
		s.reply(cc, s.dispatcher.StreamGroupCallAudio(username, req.Group, req.Payload))

	case msg.Ping != nil:
		s.deliver(cc, &pb.ControlMessage{
			Pong: &pb.Pong{Timestamp: msg.Ping.Timestamp},
		})

	default:
		s.deliver(cc, &pb.ControlMessage{
			ErrorResp: &pb.ErrorResponse{Code: 2, Message: "unknown request"},
		})
	}
}

func (s *Server) reply(cc *clientConn, ok bool) {
	s.deliver(cc, &pb.ControlMessage{Result: &pb.Result{OK: ok}})
}

func (s *Server) deliver(cc *clientConn, msg *pb.ControlMessage) {
	if err := cc.Deliver(msg); err != nil {
		s.metrics.NotifyFailures.Add(1)
		slog.Warn("response delivery failed", "conn", cc.id, "err", err)
	}
}

// sendError writes an error response directly, bypassing the queue.
// Only used before the writer goroutine owns the connection.
func sendError(conn net.Conn, code int32, message string) {
	_ = protocol.WriteControlMessage(conn, &pb.ControlMessage{
		ErrorResp: &pb.ErrorResponse{Code: code, Message: message},
	})
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		err.Error() == "use of closed network connection"
}
