package store

import (
	"sync"
	"sync/atomic"
)

var (
	register   = make(chan *Comm)
	unregister = make(chan *Comm)
	broadcast  = make(chan changeReq)
)

type changeReq struct {
	acc     *Account
	comm    *Comm // Can be nil, for changes not originating from a session.
	changes []Change
	done    chan struct{}
}

// Change to mailboxes/messages in an account. One of the Change* types in
// this package. Sessions turn changes for their selected mailbox into
// untagged EXISTS/EXPUNGE/FETCH responses.
type Change any

// ChangeAddUID is sent for a new message in a mailbox.
type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Flags     Flags

	// Session id whose own action caused the change. That session
	// suppresses the update, it already saw the effect in its command
	// response.
	Ignore string
}

// ChangeRemoveUIDs is sent for removal of one or more messages from a mailbox.
type ChangeRemoveUIDs struct {
	MailboxID int64
	UIDs      []UID // Must be in increasing UID order, for IMAP.
	ModSeq    ModSeq
	Ignore    string
}

// ChangeFlags is sent for an update to the flags of a message, e.g. "Seen".
type ChangeFlags struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Mask      Flags // Which flags are modified.
	Flags     Flags // New flag values. All are set, not just mask.
	Keywords  []string
	Ignore    string
}

// ChangeRemoveMailbox is sent for a removed mailbox. Sessions with the
// mailbox selected must disconnect their clients.
type ChangeRemoveMailbox struct {
	MailboxID int64
	Name      string
	ModSeq    ModSeq
}

// ChangeAddMailbox is sent for a newly created mailbox.
type ChangeAddMailbox struct {
	Mailbox Mailbox
	ModSeq  ModSeq
}

func switchboard(stopc, donec chan struct{}) {
	regs := map[*Account]map[*Comm]struct{}{}

	for {
		select {
		case c := <-register:
			if _, ok := regs[c.acc]; !ok {
				regs[c.acc] = map[*Comm]struct{}{}
			}
			regs[c.acc][c] = struct{}{}

		case c := <-unregister:
			delete(regs[c.acc], c)
			if len(regs[c.acc]) == 0 {
				delete(regs, c.acc)
			}

		case chReq := <-broadcast:
			for c := range regs[chReq.acc] {
				// Do not send the broadcaster back their own changes. chReq.comm is
				// nil if not originating from a session, so won't match in that case.
				if c == chReq.comm {
					continue
				}

				c.Lock()
				c.changes = append(c.changes, chReq.changes...)
				c.Unlock()

				select {
				case c.Pending <- struct{}{}:
				default:
				}
			}
			chReq.done <- struct{}{}

		case <-stopc:
			donec <- struct{}{}
			return
		}
	}
}

var switchboardBusy atomic.Bool

// Switchboard distributes changes to accounts to interested listeners. See
// Comm and Change. Returns a stop function, for a clean shutdown.
func Switchboard() (stop func()) {
	if !switchboardBusy.CompareAndSwap(false, true) {
		panic("switchboard already busy")
	}

	stopc := make(chan struct{})
	donec := make(chan struct{})

	go switchboard(stopc, donec)

	return func() {
		stopc <- struct{}{}
		<-donec

		if !switchboardBusy.CompareAndSwap(true, false) {
			panic("switchboard already unregistered?")
		}
	}
}

// Comm is a session's registration with the switchboard: the delivery end of
// the notifier. The switchboard holds only this record, never the session
// itself, so an unregistered session cannot be kept alive by it.
type Comm struct {
	Pending chan struct{} // Receives block until changes come in, e.g. for IMAP IDLE.

	acc *Account

	sync.Mutex
	changes []Change
}

// RegisterComm starts a Comm for the account. Unregister must be called.
func RegisterComm(acc *Account) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1), // Buffered so the switchboard can just do a non-blocking send.
		acc:     acc,
	}
	register <- c
	return c
}

// Unregister stops this Comm.
func (c *Comm) Unregister() {
	unregister <- c
}

// Broadcast ensures changes are sent to the other Comms on the account.
func (c *Comm) Broadcast(ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{c.acc, c, ch, done}
	<-done
}

// Get retrieves all pending changes. If no changes are pending a nil or empty
// list is returned.
func (c *Comm) Get() []Change {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

// BroadcastChanges ensures changes are sent to all Comms on the account,
// including the one of the session that caused them (if any).
func BroadcastChanges(acc *Account, ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{acc, nil, ch, done}
	<-done
}
