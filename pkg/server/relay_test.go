package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newRelayServer(t *testing.T) (*AudioRelay, *httptest.Server) {
	t.Helper()
	relay := NewAudioRelay(NewMetrics())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /audio/{username}", relay.HandleSession)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return relay, srv
}

func dialRelay(t *testing.T, srv *httptest.Server, username string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/audio/" + username
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay as %s: %v", username, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func sendText(t *testing.T, conn *websocket.Conn, line string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return mt, data
}

func expectNoMessage(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if mt, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected message type=%d data=%q", mt, data)
	}
}

func bindingSize(r *AudioRelay, callID string) int {
	b, ok := r.lookupBinding(callID)
	if !ok {
		return 0
	}
	return len(b.snapshot())
}

func TestRelayForwardsFramesToBoundPeersOnly(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")
	carol := dialRelay(t, srv, "carol")
	waitFor(t, "three sessions", func() bool { return relay.SessionCount() == 3 })

	sendText(t, alice, "START_CALL:c1:bob")
	waitFor(t, "binding with both parties", func() bool { return bindingSize(relay, "c1") == 2 })

	frame := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := alice.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	mt, data := readMessage(t, bob)
	if mt != websocket.BinaryMessage || !bytes.Equal(data, frame) {
		t.Fatalf("bob: want binary %v, got type=%d data=%v", frame, mt, data)
	}

	// no echo to the sender, nothing to the unbound session
	expectNoMessage(t, alice)
	expectNoMessage(t, carol)
}

func TestRelayJoinCallWithOfflineTarget(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	waitFor(t, "alice session", func() bool { return relay.SessionCount() == 1 })

	// bob is not connected; the binding holds only the initiator
	sendText(t, alice, "START_CALL:c1:bob")
	waitFor(t, "lone binding", func() bool { return bindingSize(relay, "c1") == 1 })

	bob := dialRelay(t, srv, "bob")
	waitFor(t, "bob session", func() bool { return relay.SessionCount() == 2 })
	sendText(t, bob, "JOIN_CALL:c1")
	waitFor(t, "joined binding", func() bool { return bindingSize(relay, "c1") == 2 })

	frame := []byte{1, 2, 3}
	if err := bob.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	mt, data := readMessage(t, alice)
	if mt != websocket.BinaryMessage || !bytes.Equal(data, frame) {
		t.Fatalf("alice: want binary %v, got type=%d data=%v", frame, mt, data)
	}
}

func TestRelayUnboundFramesDropped(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	waitFor(t, "alice session", func() bool { return relay.SessionCount() == 1 })

	if err := alice.WriteMessage(websocket.BinaryMessage, []byte{7}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitFor(t, "dropped frame counted", func() bool {
		return relay.metrics.RelayFramesDropped.Load() == 1
	})
}

func TestRelayGroupCallInvitationGoesToEveryone(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")
	carol := dialRelay(t, srv, "carol")
	waitFor(t, "three sessions", func() bool { return relay.SessionCount() == 3 })

	sendText(t, alice, "START_GROUP_CALL:g1:devs")

	want := "GROUP_CALL_INVITATION:g1:devs:alice"
	for _, conn := range []*websocket.Conn{bob, carol} {
		mt, data := readMessage(t, conn)
		if mt != websocket.TextMessage || string(data) != want {
			t.Fatalf("invitation: want %q, got type=%d data=%q", want, mt, data)
		}
	}
	expectNoMessage(t, alice)
}

func TestRelayEndCallNotifiesAndUnbinds(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")
	waitFor(t, "two sessions", func() bool { return relay.SessionCount() == 2 })

	sendText(t, alice, "START_CALL:c1:bob")
	waitFor(t, "binding with both parties", func() bool { return bindingSize(relay, "c1") == 2 })

	sendText(t, alice, "END_CALL:c1")

	want := "CALL_ENDED:c1"
	mt, data := readMessage(t, bob)
	if mt != websocket.TextMessage || string(data) != want {
		t.Fatalf("end notification: want %q, got type=%d data=%q", want, mt, data)
	}
	waitFor(t, "binding removed", func() bool {
		_, ok := relay.lookupBinding("c1")
		return !ok
	})

	// frames after the end go nowhere
	if err := alice.WriteMessage(websocket.BinaryMessage, []byte{9}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	expectNoMessage(t, bob)
}

func TestRelaySessionCloseLeavesCall(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")
	waitFor(t, "two sessions", func() bool { return relay.SessionCount() == 2 })

	sendText(t, alice, "START_CALL:c1:bob")
	waitFor(t, "binding with both parties", func() bool { return bindingSize(relay, "c1") == 2 })

	_ = bob.Close()

	waitFor(t, "bob removed from binding", func() bool { return bindingSize(relay, "c1") == 1 })
	waitFor(t, "bob session removed", func() bool { return relay.SessionCount() == 1 })

	// alice alone in the call: her frames simply have no receivers
	if err := alice.WriteMessage(websocket.BinaryMessage, []byte{1}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitFor(t, "alice still bound", func() bool { return bindingSize(relay, "c1") == 1 })
}

func TestRelayIgnoresUnknownCommands(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	waitFor(t, "alice session", func() bool { return relay.SessionCount() == 1 })

	sendText(t, alice, "SELF_DESTRUCT:now")
	sendText(t, alice, "START_CALL")

	// connection survives and still accepts real commands
	sendText(t, alice, "START_CALL:c1:bob")
	waitFor(t, "binding created", func() bool { return bindingSize(relay, "c1") == 1 })
}

func TestRelayDropsFramesForSaturatedPeer(t *testing.T) {
	relay := NewAudioRelay(NewMetrics())

	// sessions built by hand: no writer drains the peer's queue, so
	// frames past its capacity must be dropped without blocking
	sender := &relaySession{username: "alice", send: make(chan relayFrame, 1), closed: make(chan struct{})}
	peer := &relaySession{username: "bob", send: make(chan relayFrame, 1), closed: make(chan struct{})}

	b := relay.createBinding("c1", "individual")
	b.add(sender)
	b.add(peer)
	sender.setCall("c1", "individual")
	peer.setCall("c1", "individual")

	relay.forwardFrame(sender, []byte{1})

	done := make(chan struct{})
	go func() {
		relay.forwardFrame(sender, []byte{2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwardFrame blocked on a saturated peer queue")
	}

	if got := relay.metrics.RelayFramesOut.Load(); got != 1 {
		t.Fatalf("frames out: want 1, got %d", got)
	}
	if got := relay.metrics.RelayFramesDropped.Load(); got != 1 {
		t.Fatalf("frames dropped: want 1, got %d", got)
	}
	if got := len(peer.send); got != 1 {
		t.Fatalf("peer queue: want 1 frame, got %d", got)
	}
}

func TestRelayLeaveOtherCallKeepsBinding(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")
	waitFor(t, "two sessions", func() bool { return relay.SessionCount() == 2 })

	sendText(t, alice, "START_GROUP_CALL:c1:devs")
	readMessage(t, bob) // invitation
	sendText(t, bob, "JOIN_GROUP_CALL:c1:devs")
	waitFor(t, "binding with both parties", func() bool { return bindingSize(relay, "c1") == 2 })

	// leaving a call bob was never in must not touch his real one;
	// the frame sent after it on the same socket is handled in order
	sendText(t, bob, "LEAVE_GROUP_CALL:c2:devs")

	frame := []byte{4, 4}
	if err := bob.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	mt, data := readMessage(t, alice)
	if mt != websocket.BinaryMessage || !bytes.Equal(data, frame) {
		t.Fatalf("alice: want binary %v, got type=%d data=%v", frame, mt, data)
	}
	if got := bindingSize(relay, "c1"); got != 2 {
		t.Fatalf("binding size: want 2, got %d", got)
	}
}

func TestRelayStartCallReplacesBinding(t *testing.T) {
	relay, srv := newRelayServer(t)
	alice := dialRelay(t, srv, "alice")
	dialRelay(t, srv, "bob")
	carol := dialRelay(t, srv, "carol")
	waitFor(t, "three sessions", func() bool { return relay.SessionCount() == 3 })

	sendText(t, alice, "START_CALL:c1:bob")
	waitFor(t, "binding with both parties", func() bool { return bindingSize(relay, "c1") == 2 })

	// a new start under the same id replaces the binding outright
	sendText(t, carol, "START_CALL:c1:dave")
	waitFor(t, "replaced binding holds only carol", func() bool { return bindingSize(relay, "c1") == 1 })
}

func TestRelayRejectsInvalidUsername(t *testing.T) {
	_, srv := newRelayServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/audio/no%20spaces"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial: expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("dial: want 400 response, got %+v", resp)
	}
}
