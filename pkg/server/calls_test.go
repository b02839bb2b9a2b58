package server

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCallLifecycle(t *testing.T) {
	c := NewCallCoordinator()
	c.CreateCall("c1", "alice", "bob")

	call, ok := c.GetCall("c1")
	if !ok {
		t.Fatalf("GetCall: c1 missing")
	}
	if call.Caller != "alice" || call.Receiver != "bob" || call.Accepted {
		t.Fatalf("GetCall: unexpected state %+v", call)
	}

	c.AcceptCall("c1")
	call, _ = c.GetCall("c1")
	if !call.Accepted {
		t.Fatalf("AcceptCall: accepted flag not set")
	}

	c.EndCall("c1")
	if _, ok := c.GetCall("c1"); ok {
		t.Fatalf("EndCall: c1 still present")
	}
}

func TestCleanupUserCallsRemovesAllOfUsersCalls(t *testing.T) {
	c := NewCallCoordinator()
	c.CreateCall("c1", "alice", "bob")
	c.CreateCall("c2", "carol", "alice")
	c.CreateCall("c3", "bob", "carol")

	c.CleanupUserCalls("alice")

	// every call alice was party to goes, caller or receiver
	if _, ok := c.GetCall("c1"); ok {
		t.Fatalf("CleanupUserCalls: c1 (alice caller) survived")
	}
	if _, ok := c.GetCall("c2"); ok {
		t.Fatalf("CleanupUserCalls: c2 (alice receiver) survived")
	}
	if _, ok := c.GetCall("c3"); !ok {
		t.Fatalf("CleanupUserCalls: unrelated c3 removed")
	}
}

func TestGroupCallJoinLeave(t *testing.T) {
	c := NewCallCoordinator()
	c.CreateGroupCall("devs", "g1", "alice")

	gc, ok := c.GetGroupCall("devs")
	if !ok {
		t.Fatalf("GetGroupCall: devs missing")
	}
	if gc.CallID != "g1" || gc.Initiator != "alice" {
		t.Fatalf("GetGroupCall: unexpected state %+v", gc)
	}

	if c.AddParticipant("devs", "wrong-id", "bob") {
		t.Fatalf("AddParticipant: joined with mismatched call id")
	}
	if !c.AddParticipant("devs", "g1", "bob") {
		t.Fatalf("AddParticipant: failed with matching call id")
	}

	participants, _ := c.GroupCallParticipants("devs")
	if diff := cmp.Diff([]string{"alice", "bob"}, participants); diff != "" {
		t.Fatalf("participants mismatch (-want +got):\n%s", diff)
	}

	empty, ok := c.RemoveParticipant("devs", "bob")
	if !ok || empty {
		t.Fatalf("RemoveParticipant: want (false, true), got (%t, %t)", empty, ok)
	}
	empty, ok = c.RemoveParticipant("devs", "alice")
	if !ok || !empty {
		t.Fatalf("RemoveParticipant: want (true, true), got (%t, %t)", empty, ok)
	}

	// the emptied call is destroyed
	if _, ok := c.GetGroupCall("devs"); ok {
		t.Fatalf("RemoveParticipant: empty group call survived")
	}
}

func TestGroupCallReplacedOnRestart(t *testing.T) {
	c := NewCallCoordinator()
	c.CreateGroupCall("devs", "g1", "alice")
	c.AddParticipant("devs", "g1", "bob")

	c.CreateGroupCall("devs", "g2", "carol")

	gc, _ := c.GetGroupCall("devs")
	if gc.CallID != "g2" || gc.Initiator != "carol" {
		t.Fatalf("CreateGroupCall: old session not replaced: %+v", gc)
	}
	participants, _ := c.GroupCallParticipants("devs")
	if diff := cmp.Diff([]string{"carol"}, participants); diff != "" {
		t.Fatalf("participants mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanupGroupCalls(t *testing.T) {
	c := NewCallCoordinator()
	c.CreateGroupCall("devs", "g1", "alice")
	c.AddParticipant("devs", "g1", "bob")
	c.CreateGroupCall("ops", "g2", "alice")

	c.CleanupGroupCalls("alice")

	// devs keeps going with bob; ops emptied and destroyed
	participants, ok := c.GroupCallParticipants("devs")
	if !ok {
		t.Fatalf("CleanupGroupCalls: devs call destroyed with participants left")
	}
	if diff := cmp.Diff([]string{"bob"}, participants); diff != "" {
		t.Fatalf("participants mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.GetGroupCall("ops"); ok {
		t.Fatalf("CleanupGroupCalls: emptied ops call survived")
	}
}

func TestEndGroupCall(t *testing.T) {
	c := NewCallCoordinator()
	c.CreateGroupCall("devs", "g1", "alice")
	c.AddParticipant("devs", "g1", "bob")

	if !c.EndGroupCall("devs") {
		t.Fatalf("EndGroupCall: failed for active call")
	}
	if c.EndGroupCall("devs") {
		t.Fatalf("EndGroupCall: succeeded for missing call")
	}
	if c.GroupCallCount() != 0 {
		t.Fatalf("EndGroupCall: %d calls left", c.GroupCallCount())
	}
}
