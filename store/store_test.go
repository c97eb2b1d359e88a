package store

import (
	"path/filepath"
	"testing"

	"github.com/mjl-/bstore"

	"github.com/wrenmail/wren/mlog"
	"github.com/wrenmail/wren/wren-"
)

func TestAccount(t *testing.T) {
	log := mlog.New("store", nil)
	dir := t.TempDir()
	wren.ConfigStaticPath = filepath.Join(dir, "wren.conf")
	wren.Conf.DataDir = "data"

	acc, err := OpenAccount(log, "mjl")
	if err != nil {
		t.Fatalf("open account: %s", err)
	}
	defer func() {
		if err := acc.Close(); err != nil {
			t.Fatalf("close account: %s", err)
		}
	}()

	// Opening again returns the same account.
	acc2, err := OpenAccount(log, "mjl")
	if err != nil {
		t.Fatalf("open account again: %s", err)
	}
	if acc2 != acc {
		t.Fatalf("got different account for same name")
	}
	if err := acc2.Close(); err != nil {
		t.Fatalf("close account: %s", err)
	}

	err = acc.DB.Write(wren.Context, func(tx *bstore.Tx) error {
		// The Inbox is created on first open.
		mb, err := acc.MailboxFind(tx, "Inbox")
		if err != nil {
			t.Fatalf("finding inbox: %s", err)
		}
		if mb.UIDNext != 1 {
			t.Fatalf("got uidnext %d, expected 1", mb.UIDNext)
		}

		if _, err := acc.MailboxFind(tx, "Nonexistent"); err != ErrUnknownMailbox {
			t.Fatalf("got err %v, expected ErrUnknownMailbox", err)
		}

		// Deliveries assign sequential uids and increasing modseqs.
		ch0, err := acc.MessageAdd(tx, &mb, &Message{Content: []byte("Subject: first\r\n\r\nhi\r\n")})
		if err != nil {
			t.Fatalf("adding message: %s", err)
		}
		ch1, err := acc.MessageAdd(tx, &mb, &Message{Flags: Flags{Seen: true}, Content: []byte("Subject: second\r\n\r\nhi\r\n")})
		if err != nil {
			t.Fatalf("adding message: %s", err)
		}
		if ch0.UID != 1 || ch1.UID != 2 {
			t.Fatalf("got uids %d,%d, expected 1,2", ch0.UID, ch1.UID)
		}
		if ch1.ModSeq <= ch0.ModSeq {
			t.Fatalf("modseq not increasing: %d then %d", ch0.ModSeq, ch1.ModSeq)
		}
		if mb.UIDNext != 3 {
			t.Fatalf("got uidnext %d, expected 3", mb.UIDNext)
		}

		uids, err := acc.MessageUIDs(tx, mb.ID)
		if err != nil {
			t.Fatalf("listing uids: %s", err)
		}
		if len(uids) != 2 || uids[0] != 1 || uids[1] != 2 {
			t.Fatalf("got uids %v", uids)
		}

		total, unseen, err := acc.MessageCounts(tx, mb.ID)
		if err != nil {
			t.Fatalf("counting: %s", err)
		}
		if total != 2 || unseen != 1 {
			t.Fatalf("got total %d unseen %d", total, unseen)
		}

		// Expunge removes present uids and ignores absent ones.
		rem, err := acc.MessageExpunge(tx, mb.ID, []UID{1, 99})
		if err != nil {
			t.Fatalf("expunging: %s", err)
		}
		if len(rem.UIDs) != 1 || rem.UIDs[0] != 1 {
			t.Fatalf("got removed uids %v", rem.UIDs)
		}
		if rem.ModSeq <= ch1.ModSeq {
			t.Fatalf("expunge modseq not after delivery modseq")
		}

		high, err := acc.HighestModSeq(tx)
		if err != nil {
			t.Fatalf("highest modseq: %s", err)
		}
		if high != rem.ModSeq {
			t.Fatalf("got highest modseq %d, expected %d", high, rem.ModSeq)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %s", err)
	}
}

func TestFlagsSetClear(t *testing.T) {
	f := Flags{Seen: true}
	f = f.Set(Flags{Flagged: true}, Flags{Flagged: true})
	if !f.Seen || !f.Flagged {
		t.Fatalf("got %+v", f)
	}
	f = f.Clear(Flags{Seen: true})
	if f.Seen || !f.Flagged {
		t.Fatalf("got %+v", f)
	}
	f = f.Set(FlagsAll, Flags{})
	if f != (Flags{}) {
		t.Fatalf("got %+v, expected zero flags", f)
	}
}

func TestCheckMailboxName(t *testing.T) {
	check := func(name string, allowInbox bool, expName string, expErr bool) {
		t.Helper()
		got, err := CheckMailboxName(name, allowInbox)
		if (err != nil) != expErr {
			t.Fatalf("%q: got err %v, expected error %v", name, err, expErr)
		}
		if err == nil && got != expName {
			t.Fatalf("%q: got %q, expected %q", name, got, expName)
		}
	}

	check("INBOX", true, "Inbox", false)
	check("inbox", true, "Inbox", false)
	check("Inbox", false, "", true)
	check("inbox/Sub", false, "Inbox/Sub", false)
	check("Archive/2024", false, "Archive/2024", false)
	check("", false, "", true)
	check("/leading", false, "", true)
	check("trailing/", false, "", true)
	check("dou//ble", false, "", true)
	check("#shared", false, "", true)
	check("per%cent", false, "", true)
	check("aster*isk", false, "", true)
	check("ctl\x01", false, "", true)
}
