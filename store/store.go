// Package store manages accounts with their mailboxes and messages, and
// provides the change broadcasting ("notifier") bus connecting sessions.
//
// Accounts are kept in a bstore database per account, with mailboxes and
// messages as records. Every mutation assigns a new modseq (a per-account
// monotonic change counter), and is broadcast to other sessions registered on
// the account through the switchboard.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/wrenmail/wren/mlog"
	"github.com/wrenmail/wren/wren-"
)

// ErrUnknownMailbox occurs for operations on a mailbox that does not exist.
var ErrUnknownMailbox = errors.New("no such mailbox")

// UID is an IMAP message UID, unique and ascending within a mailbox for the
// lifetime of a UIDVALIDITY.
type UID uint32

// ModSeq is a per-account monotonic change counter (CONDSTORE HIGHESTMODSEQ).
type ModSeq int64

// Client returns the value of ModSeq for use in the IMAP protocol.
func (ms ModSeq) Client() int64 {
	return int64(ms)
}

// InitialUIDValidity returns a UIDVALIDITY for a newly created mailbox.
// Replaced in tests for deterministic values.
var InitialUIDValidity = func() uint32 {
	return uint32(time.Now().Unix() >> 1) // A 2-second resolution will get us far enough beyond 2038.
}

// Mailbox is collection of messages, e.g. Inbox or Sent.
type Mailbox struct {
	ID   int64
	Name string `bstore:"nonzero,unique"`

	// Next UID to assign. Higher than any UID in the mailbox.
	UIDNext UID `bstore:"nonzero"`

	UIDValidity uint32 `bstore:"nonzero"`
}

// Flags for a message, stored in the database per message and exchanged in
// change broadcasts.
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
}

// FlagsAll is used as mask to set all flags.
var FlagsAll = Flags{true, true, true, true, true}

// Set returns a copy of f, with the flags in mask set to the values in flags.
func (f Flags) Set(mask, flags Flags) Flags {
	r := f
	set := func(d *bool, m, v bool) {
		if m {
			*d = v
		}
	}
	set(&r.Seen, mask.Seen, flags.Seen)
	set(&r.Answered, mask.Answered, flags.Answered)
	set(&r.Flagged, mask.Flagged, flags.Flagged)
	set(&r.Deleted, mask.Deleted, flags.Deleted)
	set(&r.Draft, mask.Draft, flags.Draft)
	return r
}

// Clear returns a copy of f, with the flags in mask cleared.
func (f Flags) Clear(mask Flags) Flags {
	return f.Set(mask, Flags{})
}

// Message is a message in a mailbox. The contents are kept inline, this store
// holds mail for a handful of accounts, not an archive.
type Message struct {
	ID        int64
	MailboxID int64 `bstore:"nonzero,index MailboxID+UID"`
	UID       UID   `bstore:"nonzero"`

	// Modification sequence, for CONDSTORE. Assigned from the account-wide
	// counter at insert and at each flag change.
	ModSeq ModSeq `bstore:"nonzero"`

	Flags    Flags
	Keywords []string
	Size     int64
	Received time.Time
	Content  []byte
}

// ModSeqState holds the last assigned modseq for the account. Always ID 1.
type ModSeqState struct {
	ID         int64
	LastModSeq ModSeq `bstore:"nonzero"`
}

// DBTypes are the types stored in an account database.
var DBTypes = []any{Mailbox{}, Message{}, ModSeqState{}}

// Account holds the database of an account, shared by all sessions logged in
// to the account. Use OpenAccount to get a reference, and call Close when
// done; the database is closed when the last reference is gone.
type Account struct {
	Name string
	DB   *bstore.DB

	// Protects the account from concurrent mutations across sessions:
	// modseq assignment, uid assignment and the corresponding broadcast
	// must be atomic.
	sync.Mutex

	nused int // Reference count, guarded by openAccounts.
}

var openAccounts = struct {
	sync.Mutex
	names map[string]*Account
}{
	names: map[string]*Account{},
}

// OpenAccount opens the database for the named account, creating it with an
// Inbox on first use. Multiple sessions share a single Account.
func OpenAccount(log mlog.Log, name string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	dir := wren.DataDirPath("accounts", name)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating account directory: %v", err)
	}
	dbpath := filepath.Join(dir, "index.db")
	db, err := bstore.Open(wren.Context, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open account database: %v", err)
	}

	acc := &Account{Name: name, DB: db, nused: 1}
	err = db.Write(wren.Context, func(tx *bstore.Tx) error {
		if _, err := acc.MailboxFind(tx, "Inbox"); err == nil {
			return nil
		} else if !errors.Is(err, ErrUnknownMailbox) {
			return err
		}
		_, err := acc.MailboxCreate(tx, "Inbox")
		return err
	})
	if err != nil {
		if cerr := db.Close(); cerr != nil {
			log.Errorx("closing account database after init error", cerr)
		}
		return nil, fmt.Errorf("initializing account: %v", err)
	}

	openAccounts.names[name] = acc
	return acc, nil
}

// Close decreases the reference count, closing the database when the last
// session is gone.
func (a *Account) Close() error {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	a.nused--
	if a.nused < 0 {
		return fmt.Errorf("account %q already closed", a.Name)
	}
	if a.nused > 0 {
		return nil
	}
	delete(openAccounts.names, a.Name)
	return a.DB.Close()
}

// WithWLock runs fn with the account mutation lock held. Broadcasts of
// changes must be done while holding the lock, so later changes cannot be
// broadcast before earlier ones.
func (a *Account) WithWLock(fn func()) {
	a.Lock()
	defer a.Unlock()
	fn()
}

// NextModSeq assigns and returns the next change counter value.
func (a *Account) NextModSeq(tx *bstore.Tx) (ModSeq, error) {
	ms := ModSeqState{ID: 1}
	err := tx.Get(&ms)
	if err == bstore.ErrAbsent {
		ms.LastModSeq = 1
		return ms.LastModSeq, tx.Insert(&ms)
	} else if err != nil {
		return 0, fmt.Errorf("get modseq: %v", err)
	}
	ms.LastModSeq++
	if err := tx.Update(&ms); err != nil {
		return 0, fmt.Errorf("update modseq: %v", err)
	}
	return ms.LastModSeq, nil
}

// HighestModSeq returns the last assigned change counter value.
func (a *Account) HighestModSeq(tx *bstore.Tx) (ModSeq, error) {
	ms := ModSeqState{ID: 1}
	err := tx.Get(&ms)
	if err == bstore.ErrAbsent {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return ms.LastModSeq, nil
}

// MailboxFind returns the mailbox with the given (normalized) name.
// Returns ErrUnknownMailbox if absent.
func (a *Account) MailboxFind(tx *bstore.Tx, name string) (Mailbox, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterNonzero(Mailbox{Name: name})
	mb, err := q.Get()
	if err == bstore.ErrAbsent {
		return Mailbox{}, ErrUnknownMailbox
	} else if err != nil {
		return Mailbox{}, fmt.Errorf("looking up mailbox: %v", err)
	}
	return mb, nil
}

// MailboxID returns the mailbox with the given id.
func (a *Account) MailboxID(tx *bstore.Tx, id int64) (Mailbox, error) {
	mb := Mailbox{ID: id}
	err := tx.Get(&mb)
	if err == bstore.ErrAbsent {
		return Mailbox{}, ErrUnknownMailbox
	} else if err != nil {
		return Mailbox{}, fmt.Errorf("looking up mailbox: %v", err)
	}
	return mb, nil
}

// MailboxCreate inserts a new mailbox with the given name. The name must
// already be checked with CheckMailboxName.
func (a *Account) MailboxCreate(tx *bstore.Tx, name string) (Mailbox, error) {
	mb := Mailbox{Name: name, UIDNext: 1, UIDValidity: InitialUIDValidity()}
	if err := tx.Insert(&mb); err != nil {
		return Mailbox{}, fmt.Errorf("inserting mailbox: %v", err)
	}
	return mb, nil
}

// MessageUIDs returns the UIDs in a mailbox, ascending. The result is the
// session uid list for a newly selected mailbox.
func (a *Account) MessageUIDs(tx *bstore.Tx, mailboxID int64) ([]UID, error) {
	var uids []UID
	q := bstore.QueryTx[Message](tx)
	q.FilterNonzero(Message{MailboxID: mailboxID})
	err := q.ForEach(func(m Message) error {
		uids = append(uids, m.UID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing uids: %v", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// MessageCounts returns the total and unseen number of messages in a mailbox,
// for STATUS responses.
func (a *Account) MessageCounts(tx *bstore.Tx, mailboxID int64) (total, unseen int, rerr error) {
	q := bstore.QueryTx[Message](tx)
	q.FilterNonzero(Message{MailboxID: mailboxID})
	err := q.ForEach(func(m Message) error {
		total++
		if !m.Flags.Seen {
			unseen++
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("counting messages: %v", err)
	}
	return total, unseen, nil
}

// MessageAdd delivers a message into the mailbox, assigning its UID and
// modseq, updating the mailbox uidnext. The caller must broadcast the
// returned change while holding the account lock.
func (a *Account) MessageAdd(tx *bstore.Tx, mb *Mailbox, m *Message) (ChangeAddUID, error) {
	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return ChangeAddUID{}, err
	}
	m.MailboxID = mb.ID
	m.UID = mb.UIDNext
	m.ModSeq = modseq
	if m.Received.IsZero() {
		m.Received = time.Now()
	}
	m.Size = int64(len(m.Content))
	mb.UIDNext++
	if err := tx.Update(mb); err != nil {
		return ChangeAddUID{}, fmt.Errorf("updating mailbox uidnext: %v", err)
	}
	if err := tx.Insert(m); err != nil {
		return ChangeAddUID{}, fmt.Errorf("inserting message: %v", err)
	}
	return ChangeAddUID{mb.ID, m.UID, modseq, m.Flags, ""}, nil
}

// MessageExpunge removes the messages with the given UIDs from the mailbox,
// returning the change to broadcast. UIDs not present are ignored.
func (a *Account) MessageExpunge(tx *bstore.Tx, mailboxID int64, uids []UID) (ChangeRemoveUIDs, error) {
	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return ChangeRemoveUIDs{}, err
	}
	var removed []UID
	for _, uid := range uids {
		q := bstore.QueryTx[Message](tx)
		q.FilterNonzero(Message{MailboxID: mailboxID, UID: uid})
		n, err := q.Delete()
		if err != nil {
			return ChangeRemoveUIDs{}, fmt.Errorf("removing message: %v", err)
		}
		if n > 0 {
			removed = append(removed, uid)
		}
	}
	return ChangeRemoveUIDs{mailboxID, removed, modseq, ""}, nil
}
