package imapserver

import (
	"bytes"
	"fmt"

	"github.com/mjl-/bstore"

	"github.com/wrenmail/wren/store"
)

// Fetch returns data for messages, by sequence numbers or, for the UID
// variant, by uids.
//
// State: Selected
func (c *conn) cmdFetch(tag, cmd string, p *parser) {
	c.cmdXfetch(false, tag, cmd, p)
}

// State: Selected
func (c *conn) cmdUIDFetch(tag, cmd string, p *parser) {
	c.cmdXfetch(true, tag, cmd, p)
}

func (c *conn) cmdXfetch(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	atts := p.xfetchAtts()
	p.xempty()

	uids := c.xnumSetUIDs(isUID, nums)

	// A UID FETCH response always includes the uid.
	needUID := isUID
	var markSeen bool
	for _, a := range atts {
		if a.field == "UID" {
			needUID = false // Explicitly requested, not added by us.
		}
		if a.body && !a.peek {
			markSeen = true
		}
	}

	xdb := c.xdbread
	if markSeen && !c.readonly {
		xdb = c.xdbwrite
	}

	var seenChanges []store.Change
	xdb(func(tx *bstore.Tx) {
		for _, uid := range uids {
			q := bstore.QueryTx[store.Message](tx)
			q.FilterNonzero(store.Message{MailboxID: c.mailboxID, UID: uid})
			m, err := q.Get()
			if err == bstore.ErrAbsent {
				// Expunged by another session after our snapshot. The
				// expunge will reach this session through the switchboard.
				continue
			}
			xcheckf(err, "get message")

			if markSeen && !m.Flags.Seen && !c.readonly {
				m.Flags.Seen = true
				modseq, err := c.account.NextModSeq(tx)
				xcheckf(err, "assigning modseq")
				m.ModSeq = modseq
				err = tx.Update(&m)
				xcheckf(err, "updating message")
				seenChanges = append(seenChanges, store.ChangeFlags{
					MailboxID: c.mailboxID,
					UID:       m.UID,
					ModSeq:    modseq,
					Mask:      store.Flags{Seen: true},
					Flags:     m.Flags,
					Keywords:  m.Keywords,
					Ignore:    c.sessionID,
				})
			}

			c.xfetchResponse(m, atts, needUID)
		}
	})
	if len(seenChanges) > 0 {
		c.account.WithWLock(func() {
			c.broadcast(seenChanges)
		})
	}

	c.ok(tag, cmd)
}

// xfetchResponse writes a single untagged FETCH response for the message.
// Body data is streamed into the egress as a literal, not materialized as an
// intermediate string.
func (c *conn) xfetchResponse(m store.Message, atts []fetchAtt, withUID bool) {
	seq := c.xsequence(m.UID)

	var data listspace
	if withUID {
		data = append(data, bare("UID"), number(m.UID))
	}
	for _, a := range atts {
		switch a.field {
		case "FLAGS":
			data = append(data, bare("FLAGS"), flaglist(m.Flags, m.Keywords))
		case "UID":
			data = append(data, bare("UID"), number(m.UID))
		case "RFC822.SIZE":
			data = append(data, bare("RFC822.SIZE"), number(m.Size))
		case "INTERNALDATE":
			data = append(data, bare("INTERNALDATE"), string0(m.Received.Format("02-Jan-2006 15:04:05 -0700")))
		case "MODSEQ":
			data = append(data, bare("MODSEQ"), listspace{bare(fmt.Sprintf("%d", m.ModSeq.Client()))})
		case "BODY":
			if !a.body {
				xsyntaxErrorf("fetch of body structure not supported")
			}
			item := "BODY[]"
			lit := streamliteral{r: bytes.NewReader(m.Content), expectedLength: m.Size}
			if a.partial != nil {
				item = fmt.Sprintf("BODY[]<%d>", a.partial.offset)
				lit.startFrom = int64(a.partial.offset)
				lit.maxLength = int64(a.partial.count)
			}
			data = append(data, bare(item), lit)
		default:
			xsyntaxErrorf("unsupported fetch attribute %q", a.field)
		}
	}

	if c.enabled[capCondstore] {
		var have bool
		for _, a := range atts {
			if a.field == "MODSEQ" {
				have = true
			}
		}
		if !have {
			data = append(data, bare("MODSEQ"), listspace{bare(fmt.Sprintf("%d", m.ModSeq.Client()))})
		}
	}

	fmt.Fprintf(c.bw, "* %d FETCH ", seq)
	func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			// The response is partially written. The protocol stream cannot
			// be recovered, the connection must go down.
			panic(fmt.Errorf("writing fetch response: %v (%w)", x, errIO))
		}()
		data.xwriteTo(c, c.bw)
	}()
	c.bwritelinef("")
	if m.ModSeq > c.modseq {
		c.modseq = m.ModSeq
	}
}
