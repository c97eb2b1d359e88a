package store

import (
	"testing"
	"time"
)

func TestSwitchboard(t *testing.T) {
	stop := Switchboard()
	defer stop()

	acc := &Account{Name: "test"}
	other := &Account{Name: "other"}

	c1 := RegisterComm(acc)
	defer c1.Unregister()
	c2 := RegisterComm(acc)
	defer c2.Unregister()
	c3 := RegisterComm(other)
	defer c3.Unregister()

	// Broadcast does not echo to the broadcaster, only to the other comms
	// on the same account.
	c1.Broadcast([]Change{ChangeAddUID{MailboxID: 1, UID: 1, ModSeq: 1}})
	if l := c1.Get(); len(l) != 0 {
		t.Fatalf("got %d changes for broadcaster, expected 0", len(l))
	}
	select {
	case <-c2.Pending:
	case <-time.After(time.Second):
		t.Fatalf("no pending signal for other comm")
	}
	if l := c2.Get(); len(l) != 1 {
		t.Fatalf("got %d changes, expected 1", len(l))
	}
	if l := c2.Get(); len(l) != 0 {
		t.Fatalf("got %d changes after drain, expected 0", len(l))
	}
	if l := c3.Get(); len(l) != 0 {
		t.Fatalf("got %d changes for other account, expected 0", len(l))
	}

	// BroadcastChanges reaches all comms on the account.
	BroadcastChanges(acc, []Change{ChangeRemoveUIDs{MailboxID: 1, UIDs: []UID{1}, ModSeq: 2}})
	if l := c1.Get(); len(l) != 1 {
		t.Fatalf("got %d changes, expected 1", len(l))
	}
	if l := c2.Get(); len(l) != 1 {
		t.Fatalf("got %d changes, expected 1", len(l))
	}

	// Broadcasting nothing does not wake anyone.
	select {
	case <-c2.Pending:
	default:
	}
	c1.Broadcast(nil)
	select {
	case <-c2.Pending:
		t.Fatalf("pending signal for empty broadcast")
	default:
	}
}
