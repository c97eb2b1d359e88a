package imapserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wrenmail/wren/store"
)

// The switchboard delivers changes made by other sessions into our comm. We
// drain them into c.pending and flush at well-defined points: just before a
// tagged command completion (except for fetch/store, whose responses already
// used the current sequence numbers) and during IDLE. So the client never
// sees a sequence number that is inconsistent with the EXISTS/EXPUNGE
// responses it received earlier.

const (
	updExists = iota // New message, "* n EXISTS".
	updExpunge
	updFetch // Flag change, "* n FETCH (...)".
)

// update is a single queued mailbox update, after flattening the change
// records to one record per uid.
type update struct {
	kind     int
	uid      store.UID
	modseq   store.ModSeq
	flags    store.Flags
	keywords []string
	ignore   string // Session id that caused the change; that session skips it.
}

// queueChanges takes the changes delivered by the switchboard and appends
// them to the pending queue.
func (c *conn) queueChanges() {
	if c.comm == nil {
		return
	}
	c.pending = append(c.pending, c.comm.Get()...)
}

// xapplyChanges folds the pending changes into the session's view of the
// selected mailbox, writing untagged responses unless initial is set.
// Initial mode exists for SELECT: changes that raced the mailbox snapshot
// must be applied to the bookkeeping but have nothing to tell the client.
//
// Within one flush:
//   - A uid that both arrived and was expunged is suppressed entirely: the
//     client never knew about it.
//   - Only the last flag fetch per uid is kept, and none at all for uids
//     with an EXISTS or EXPUNGE (their state is dominated by those).
//   - EXPUNGE and FETCH are written in arrival order. EXISTS is deferred:
//     only the final message count matters, so consecutive arrivals collapse
//     into the last one. An EXPUNGE after a deferred EXISTS shifts the
//     sequence space, making the deferred count stale: a fresh EXISTS with
//     the current count is synthesized instead, without touching the uid
//     list again.
//
// Errors never propagate to the client from here: inconsistent updates are
// dropped and logged.
func (c *conn) xapplyChanges(initial bool) {
	c.queueChanges()
	if len(c.pending) == 0 {
		return
	}
	changes := c.pending
	c.pending = nil

	err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	c.log.Check(err, "setting write deadline")

	c.log.Debug("applying changes", slog.Any("changes", changes))

	// The mailbox a client has selected can be deleted by another session.
	// There is no sensible view to maintain then, disconnect.
	if c.state == stateSelected {
		for _, change := range changes {
			ch, ok := change.(store.ChangeRemoveMailbox)
			if !ok || ch.MailboxID != c.mailboxID {
				continue
			}
			c.bwritelinef("* BYE Selected mailbox was deleted, have to disconnect")
			c.xflush()
			panic(fmt.Errorf("selected mailbox deleted (%w)", errIO))
		}
	}
	if c.state != stateSelected {
		// Changes can arrive between a close/unselect and the next select.
		// Without a selected mailbox there is no view to update.
		return
	}

	// Flatten to per-uid updates for the selected mailbox, in arrival order.
	var updates []update
	for _, change := range changes {
		switch ch := change.(type) {
		case store.ChangeAddUID:
			if ch.MailboxID == c.mailboxID {
				updates = append(updates, update{updExists, ch.UID, ch.ModSeq, ch.Flags, nil, ch.Ignore})
			}
		case store.ChangeRemoveUIDs:
			if ch.MailboxID == c.mailboxID {
				for _, uid := range ch.UIDs {
					updates = append(updates, update{updExpunge, uid, ch.ModSeq, store.Flags{}, nil, ch.Ignore})
				}
			}
		case store.ChangeFlags:
			if ch.MailboxID == c.mailboxID {
				updates = append(updates, update{updFetch, ch.UID, ch.ModSeq, ch.Flags, ch.Keywords, ch.Ignore})
			}
		case store.ChangeRemoveMailbox, store.ChangeAddMailbox:
			// Other mailboxes are not part of the selected view.
		default:
			c.log.Error("missing case for change, dropping", slog.Any("change", change))
		}
	}
	if len(updates) == 0 {
		return
	}

	// Messages that arrived and were expunged within this flush were never
	// seen by the client, suppress them entirely.
	added := map[store.UID]bool{}
	removed := map[store.UID]bool{}
	for _, u := range updates {
		switch u.kind {
		case updExists:
			added[u.uid] = true
		case updExpunge:
			removed[u.uid] = true
		}
	}
	skip := map[store.UID]bool{}
	for uid := range added {
		if removed[uid] {
			skip[uid] = true
		}
	}

	// Coalesce flag fetches: only the last per uid is current, and none is
	// needed for uids announced or expunged in this same flush.
	keep := make([]bool, len(updates))
	fetchSeen := map[store.UID]bool{}
	for i := len(updates) - 1; i >= 0; i-- {
		u := updates[i]
		if u.kind != updFetch {
			keep[i] = true
			continue
		}
		if fetchSeen[u.uid] || added[u.uid] || removed[u.uid] {
			continue
		}
		keep[i] = true
		fetchSeen[u.uid] = true
	}

	// Walk the surviving updates in arrival order. EXISTS is deferred:
	// existsPending holds the formatted count until we know no expunge
	// follows.
	var existsPending bool
	var existsCount int
	var changed bool
	for i, u := range updates {
		if !keep[i] {
			continue
		}
		if skip[u.uid] {
			continue
		}
		if u.modseq > c.modseq {
			c.modseq = u.modseq
		}
		if u.ignore != "" && u.ignore == c.sessionID {
			// Our own action: the command that caused it already reported
			// the effect.
			continue
		}

		switch u.kind {
		case updExists:
			if uidSearch(c.uids, u.uid) > 0 {
				// Already in our view, e.g. applied by the select snapshot.
				continue
			}
			if len(c.uids) > 0 && u.uid < c.uids[len(c.uids)-1] {
				c.log.Error("out-of-order uid in exists update, dropping", slog.Any("uid", u.uid))
				continue
			}
			c.uids = append(c.uids, u.uid)
			existsPending = true
			existsCount = len(c.uids)
			changed = false
		case updExpunge:
			seq := uidSearch(c.uids, u.uid)
			if seq <= 0 {
				// Can happen for expunges broadcast before we selected.
				c.log.Debug("expunge for uid not in session, dropping", slog.Any("uid", u.uid))
				continue
			}
			c.sequenceRemove(seq, u.uid)
			if !initial {
				c.bwritelinef("* %d EXPUNGE", seq)
			}
			changed = true
		case updFetch:
			seq := uidSearch(c.uids, u.uid)
			if seq <= 0 {
				c.log.Debug("flag change for uid not in session, dropping", slog.Any("uid", u.uid))
				continue
			}
			if initial {
				continue
			}
			var modseqStr string
			if c.enabled[capCondstore] {
				modseqStr = fmt.Sprintf(" MODSEQ (%d)", u.modseq.Client())
			}
			c.bwritelinef("* %d FETCH (UID %d FLAGS %s%s)", seq, u.uid, flaglist(u.flags, u.keywords).pack(c), modseqStr)
		}
	}

	if !initial {
		if existsPending && !changed {
			c.bwritelinef("* %d EXISTS", existsCount)
		} else if existsPending && changed {
			// An expunge invalidated the deferred count. Emit the current
			// count directly: this must not go through the uid list append
			// path, the uids are already accounted for.
			c.bwritelinef("* %d EXISTS", len(c.uids))
		}
	}

	if OnNotifications != nil {
		mailboxID, modseq, sessionID := c.mailboxID, c.modseq, c.sessionID
		go OnNotifications(mailboxID, modseq, sessionID)
	}
}
