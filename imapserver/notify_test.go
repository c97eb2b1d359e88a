package imapserver

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/wrenmail/wren/mlog"
	"github.com/wrenmail/wren/store"
	"github.com/wrenmail/wren/wrenio"
)

// newFlushConn returns a selected conn whose output is captured in a buffer,
// for driving the update flush directly.
func newFlushConn(t *testing.T, uids ...store.UID) (*conn, *bytes.Buffer) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	var buf bytes.Buffer
	log := mlog.New("imapserver", nil)
	c := &conn{
		conn:      serverConn,
		sessionID: "S1",
		state:     stateSelected,
		mailboxID: 1,
		uids:      uids,
		enabled:   map[capability]bool{},
		log:       log,
	}
	c.tw = wrenio.NewTraceWriter(log, "S: ", &buf)
	c.bw = bufio.NewWriter(c.tw)
	return c, &buf
}

func (c *conn) flush(t *testing.T, changes ...store.Change) {
	t.Helper()
	c.pending = append(c.pending, changes...)
	c.xapplyChanges(false)
	if err := c.bw.Flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}
}

func xuids(t *testing.T, c *conn, exp ...store.UID) {
	t.Helper()
	if len(c.uids) != len(exp) {
		t.Fatalf("got uids %v, expected %v", c.uids, exp)
	}
	for i, uid := range exp {
		if c.uids[i] != uid {
			t.Fatalf("got uids %v, expected %v", c.uids, exp)
		}
	}
}

func addUID(uid store.UID, modseq store.ModSeq) store.ChangeAddUID {
	return store.ChangeAddUID{MailboxID: 1, UID: uid, ModSeq: modseq}
}

func removeUIDs(modseq store.ModSeq, uids ...store.UID) store.ChangeRemoveUIDs {
	return store.ChangeRemoveUIDs{MailboxID: 1, UIDs: uids, ModSeq: modseq}
}

func changeFlags(uid store.UID, modseq store.ModSeq, flags store.Flags, ignore string) store.ChangeFlags {
	return store.ChangeFlags{MailboxID: 1, UID: uid, ModSeq: modseq, Mask: flags, Flags: flags, Ignore: ignore}
}

func TestFlushCoalescedExists(t *testing.T) {
	c, buf := newFlushConn(t, 10, 11)
	c.flush(t, addUID(12, 4), addUID(13, 5), addUID(14, 6))
	if got := buf.String(); got != "* 5 EXISTS\r\n" {
		t.Fatalf("got %q, expected single exists", got)
	}
	xuids(t, c, 10, 11, 12, 13, 14)
	if c.modseq != 6 {
		t.Fatalf("got modseq %d, expected 6", c.modseq)
	}
}

func TestFlushExistsExpungeNewUID(t *testing.T) {
	// A message that arrived and was removed before the client ever saw it
	// produces no output at all.
	c, buf := newFlushConn(t, 10)
	c.flush(t, addUID(11, 4), removeUIDs(5, 11))
	if got := buf.String(); got != "" {
		t.Fatalf("got %q, expected no output", got)
	}
	xuids(t, c, 10)
}

func TestFlushExistsThenExpunge(t *testing.T) {
	// An expunge after a deferred exists invalidates its count: the exists
	// is re-synthesized with the current count, after the expunge.
	c, buf := newFlushConn(t, 10, 11)
	c.flush(t, addUID(12, 4), removeUIDs(5, 10))
	if got := buf.String(); got != "* 1 EXPUNGE\r\n* 2 EXISTS\r\n" {
		t.Fatalf("got %q, expected expunge then synthesized exists", got)
	}
	xuids(t, c, 11, 12)
}

func TestFlushExistsExpungeExists(t *testing.T) {
	// The second exists resets the expunge bookkeeping: a single exists is
	// written, not two.
	c, buf := newFlushConn(t, 10)
	c.flush(t, addUID(11, 4), removeUIDs(5, 10), addUID(12, 6))
	if got := buf.String(); got != "* 1 EXPUNGE\r\n* 2 EXISTS\r\n" {
		t.Fatalf("got %q, expected one expunge and one exists", got)
	}
	xuids(t, c, 11, 12)
}

func TestFlushFetchCoalescing(t *testing.T) {
	// Only the last flag update per uid is reported. Updates caused by this
	// session itself are suppressed.
	c, buf := newFlushConn(t, 10, 11)
	c.flush(t,
		changeFlags(10, 4, store.Flags{Seen: true}, ""),
		changeFlags(10, 5, store.Flags{Seen: true, Flagged: true}, "S1"),
		changeFlags(11, 6, store.Flags{Answered: true}, ""),
	)
	if got := buf.String(); got != "* 2 FETCH (UID 11 FLAGS (\\Answered))\r\n" {
		t.Fatalf("got %q, expected single fetch for uid 11", got)
	}
}

func TestFlushFetchModseq(t *testing.T) {
	c, buf := newFlushConn(t, 10)
	c.enabled[capCondstore] = true
	c.flush(t, changeFlags(10, 42, store.Flags{Seen: true}, ""))
	if got := buf.String(); got != "* 1 FETCH (UID 10 FLAGS (\\Seen) MODSEQ (42))\r\n" {
		t.Fatalf("got %q, expected fetch with modseq", got)
	}
}

func TestFlushIgnoreAll(t *testing.T) {
	c, buf := newFlushConn(t, 10)
	c.flush(t, changeFlags(10, 4, store.Flags{Seen: true}, "S1"))
	if got := buf.String(); got != "" {
		t.Fatalf("got %q, expected no output for own change", got)
	}
	// The modseq cursor still advances for suppressed echoes.
	if c.modseq != 4 {
		t.Fatalf("got modseq %d, expected 4", c.modseq)
	}
}

func TestFlushModseqMonotonic(t *testing.T) {
	c, _ := newFlushConn(t, 10, 11)
	c.modseq = 10
	c.flush(t, changeFlags(10, 4, store.Flags{Seen: true}, ""))
	if c.modseq != 10 {
		t.Fatalf("got modseq %d, expected unchanged 10", c.modseq)
	}
}

func TestFlushUnknownUID(t *testing.T) {
	// Expunges and flag changes for uids not in the session view are
	// dropped, never written.
	c, buf := newFlushConn(t, 10)
	c.flush(t, removeUIDs(4, 99), changeFlags(98, 5, store.Flags{Seen: true}, ""))
	if got := buf.String(); got != "" {
		t.Fatalf("got %q, expected no output", got)
	}
	xuids(t, c, 10)
}

func TestFlushMailboxDeleted(t *testing.T) {
	c, buf := newFlushConn(t, 10)
	c.pending = append(c.pending, store.ChangeRemoveMailbox{MailboxID: 1, Name: "todo", ModSeq: 4})
	var got any
	func() {
		defer func() {
			got = recover()
		}()
		c.xapplyChanges(false)
	}()
	err, ok := got.(error)
	if !ok || !errors.Is(err, errIO) {
		t.Fatalf("got panic %v, expected io error", got)
	}
	if s := buf.String(); s != "* BYE Selected mailbox was deleted, have to disconnect\r\n" {
		t.Fatalf("got %q, expected BYE", s)
	}

	// Further updates after the mailbox removal produce nothing; the
	// connection is on its way down.
	c.state = stateAuthenticated
	buf.Reset()
	c.flush(t, addUID(11, 5))
	if s := buf.String(); s != "" {
		t.Fatalf("got %q, expected no output after disconnect", s)
	}
}

func TestFlushInitial(t *testing.T) {
	// Initial mode folds changes into the bookkeeping without writing, for
	// changes that raced a select snapshot.
	c, buf := newFlushConn(t, 10)
	c.pending = append(c.pending, addUID(11, 4), removeUIDs(5, 10))
	c.xapplyChanges(true)
	if err := c.bw.Flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}
	if got := buf.String(); got != "" {
		t.Fatalf("got %q, expected no output in initial mode", got)
	}
	xuids(t, c, 11)
}
