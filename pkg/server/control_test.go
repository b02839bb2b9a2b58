package server

import (
	"net"
	"testing"
	"time"

	"github.com/parleychat/parley/pkg/history"
	"github.com/parleychat/parley/pkg/protocol"
	pb "github.com/parleychat/parley/pkg/protocol/pb"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := history.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "" // disabled

	srv := New(cfg, Dependencies{History: st})
	if err := srv.StartControl(); err != nil {
		t.Fatalf("StartControl: %v", err)
	}
	t.Cleanup(func() {
		srv.Shutdown()
		_ = st.Close()
	})
	return srv
}

func dialControl(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.controlLn.Addr().String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// registerConn dials the control plane and completes registration.
func registerConn(t *testing.T, srv *Server, username string) net.Conn {
	t.Helper()
	conn := dialControl(t, srv)
	writeMsg(t, conn, &pb.ControlMessage{
		RegisterReq: &pb.RegisterRequest{Username: username},
	})
	resp := readUntil(t, conn, func(m *pb.ControlMessage) bool { return m.RegisterResp != nil })
	if !resp.RegisterResp.OK {
		t.Fatalf("register %q: rejected: %s", username, resp.RegisterResp.Message)
	}
	return conn
}

func writeMsg(t *testing.T, conn net.Conn, msg *pb.ControlMessage) {
	t.Helper()
	if err := protocol.WriteControlMessage(conn, msg); err != nil {
		t.Fatalf("write control message: %v", err)
	}
}

// readUntil reads frames until one satisfies pred, skipping interleaved
// push events.
func readUntil(t *testing.T, conn net.Conn, pred func(*pb.ControlMessage) bool) *pb.ControlMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		msg, err := protocol.ReadControlMessage(conn)
		if err != nil {
			t.Fatalf("read control message: %v", err)
		}
		if pred(msg) {
			return msg
		}
	}
}

func TestControlRegisterAndMessageFlow(t *testing.T) {
	srv := newTestServer(t)

	alice := registerConn(t, srv, "alice")
	bob := registerConn(t, srv, "bob")

	// alice hears bob join
	joined := readUntil(t, alice, func(m *pb.ControlMessage) bool { return m.UserJoined != nil })
	if joined.UserJoined.Username != "bob" {
		t.Fatalf("user_joined: want bob, got %q", joined.UserJoined.Username)
	}

	writeMsg(t, alice, &pb.ControlMessage{
		PrivateMsgReq: &pb.PrivateMessageRequest{To: "bob", Content: "hello"},
	})
	res := readUntil(t, alice, func(m *pb.ControlMessage) bool { return m.Result != nil })
	if !res.Result.OK {
		t.Fatalf("private message: result not ok")
	}

	ev := readUntil(t, bob, func(m *pb.ControlMessage) bool { return m.MessageRecv != nil })
	if ev.MessageRecv.Sender != "alice" || ev.MessageRecv.Content != "hello" {
		t.Fatalf("message event mismatch: %+v", ev.MessageRecv)
	}

	// history comes back through the same connection
	writeMsg(t, alice, &pb.ControlMessage{
		PrivateHistReq: &pb.PrivateHistoryRequest{With: "bob"},
	})
	hist := readUntil(t, alice, func(m *pb.ControlMessage) bool { return m.HistoryResp != nil })
	if len(hist.HistoryResp.Messages) != 1 || hist.HistoryResp.Messages[0].Sender != "alice" {
		t.Fatalf("history mismatch: %+v", hist.HistoryResp.Messages)
	}
}

func TestControlRejectsDuplicateUsername(t *testing.T) {
	srv := newTestServer(t)
	registerConn(t, srv, "alice")

	conn := dialControl(t, srv)
	writeMsg(t, conn, &pb.ControlMessage{
		RegisterReq: &pb.RegisterRequest{Username: "alice"},
	})
	resp := readUntil(t, conn, func(m *pb.ControlMessage) bool { return m.RegisterResp != nil })
	if resp.RegisterResp.OK {
		t.Fatalf("duplicate registration accepted")
	}
}

func TestControlFirstMessageMustRegister(t *testing.T) {
	srv := newTestServer(t)

	conn := dialControl(t, srv)
	writeMsg(t, conn, &pb.ControlMessage{
		ListUsersReq: &pb.ListUsersRequest{},
	})
	resp := readUntil(t, conn, func(m *pb.ControlMessage) bool { return m.ErrorResp != nil })
	if resp.ErrorResp.Code != 1 {
		t.Fatalf("want error code 1, got %d", resp.ErrorResp.Code)
	}
}

func TestControlDisconnectBroadcastsUserLeft(t *testing.T) {
	srv := newTestServer(t)

	alice := registerConn(t, srv, "alice")

	conn := registerConn(t, srv, "carol")
	_ = conn.Close()

	left := readUntil(t, alice, func(m *pb.ControlMessage) bool { return m.UserLeft != nil })
	if left.UserLeft.Username != "carol" {
		t.Fatalf("user_left: want carol, got %q", left.UserLeft.Username)
	}
}

func TestClientConnDeliverAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()

	cc := newClientConn(server)
	cc.close()

	if err := cc.Deliver(&pb.ControlMessage{Pong: &pb.Pong{}}); err != ErrClientGone {
		t.Fatalf("Deliver after close: want ErrClientGone, got %v", err)
	}

	// close callbacks registered after close run immediately
	ran := false
	cc.NotifyClose(func() { ran = true })
	if !ran {
		t.Fatalf("NotifyClose after close: callback never ran")
	}
}

func TestClientConnQueueFull(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()

	// no writeLoop running, so the queue only fills
	cc := newClientConn(server)
	defer cc.close()

	msg := &pb.ControlMessage{Pong: &pb.Pong{}}
	for i := 0; i < sendQueueSize; i++ {
		if err := cc.Deliver(msg); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}
	if err := cc.Deliver(msg); err != ErrSendQueueFull {
		t.Fatalf("Deliver on full queue: want ErrSendQueueFull, got %v", err)
	}
}
