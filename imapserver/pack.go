package imapserver

import (
	"fmt"
	"io"

	"github.com/wrenmail/wren/mlog"
)

// Response data is built as a tree of tokens and serialized to IMAP wire
// syntax just before writing. Packing needs the connection: whether a string
// can be sent as quoted or must fall back to a literal depends on the
// enabled capabilities (UTF8=ACCEPT).
type token interface {
	pack(c *conn) string
	xwriteTo(c *conn, xw io.Writer) // Writes to xw panic on error.
}

// bare is sent as-is: an atom, or preformatted wire syntax.
type bare string

func (t bare) pack(c *conn) string {
	return string(t)
}

func (t bare) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t))
}

type number uint32

func (t number) pack(c *conn) string {
	return fmt.Sprintf("%d", t)
}

func (t number) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

type niltoken struct{}

var nilt niltoken

func (t niltoken) pack(c *conn) string {
	return "NIL"
}

func (t niltoken) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte("NIL"))
}

func nilOrString(s *string) token {
	if s == nil {
		return nilt
	}
	return string0(*s)
}

// string0 is a quoted string with backslash escapes. NUL, CR, LF, and
// (without UTF8=ACCEPT) non-ASCII cannot be represented quoted and cause a
// fallback to literal syntax.
type string0 string

func (t string0) pack(c *conn) string {
	r := `"`
	for _, ch := range t {
		if ch == '\x00' || ch == '\r' || ch == '\n' || ch > 0x7f && !c.utf8strings() {
			return syncliteral(t).pack(c)
		}
		if ch == '\\' || ch == '"' {
			r += `\`
		}
		r += string(ch)
	}
	r += `"`
	return r
}

func (t string0) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

// astring is written as an atom when possible, and as string0 otherwise.
type astring string

func (t astring) pack(c *conn) string {
	if len(t) == 0 {
		return string0(t).pack(c)
	}
next:
	for _, ch := range t {
		for _, x := range atomChar {
			if ch == x {
				continue next
			}
		}
		return string0(t).pack(c)
	}
	return string(t)
}

func (t astring) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

// mailboxt is a mailbox name, UTF-7-encoded unless the connection accepts
// UTF-8.
type mailboxt string

func (t mailboxt) pack(c *conn) string {
	s := string(t)
	if !c.utf8strings() {
		s = utf7encode(s)
	}
	return astring(s).pack(c)
}

func (t mailboxt) xwriteTo(c *conn, xw io.Writer) {
	xw.Write([]byte(t.pack(c)))
}

// syncliteral writes its data as a literal: {n}, crlf, n bytes.
type syncliteral string

func (t syncliteral) pack(c *conn) string {
	return fmt.Sprintf("{%d}\r\n", len(t)) + string(t)
}

func (t syncliteral) xwriteTo(c *conn, xw io.Writer) {
	fmt.Fprintf(xw, "{%d}\r\n", len(t))
	xw.Write([]byte(t))
}

// streamliteral copies data from a reader into the egress as a literal,
// without materializing it in memory. The source has expectedLength total
// bytes; startFrom skips into the source, and maxLength, if > 0, caps how
// many bytes are sent. For partial FETCH responses.
type streamliteral struct {
	r              io.Reader
	expectedLength int64
	startFrom      int64
	maxLength      int64
}

func (t streamliteral) size() int64 {
	n := t.expectedLength - t.startFrom
	if n < 0 {
		n = 0
	}
	if t.maxLength > 0 && n > t.maxLength {
		n = t.maxLength
	}
	return n
}

func (t streamliteral) pack(c *conn) string {
	// Only used in tests and for small data; the write path is xwriteTo.
	if t.startFrom > 0 {
		if _, err := io.CopyN(io.Discard, t.r, t.startFrom); err != nil {
			panic(err)
		}
	}
	buf, err := io.ReadAll(io.LimitReader(t.r, t.size()))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("{%d}\r\n", t.size()) + string(buf)
}

func (t streamliteral) xwriteTo(c *conn, xw io.Writer) {
	if t.startFrom > 0 {
		if _, err := io.CopyN(io.Discard, t.r, t.startFrom); err != nil {
			panic(err)
		}
	}
	size := t.size()
	fmt.Fprintf(xw, "{%d}\r\n", size)
	defer c.xtracewrite(mlog.LevelTracedata)()
	if _, err := io.CopyN(xw, t.r, size); err != nil {
		panic(err)
	}
}

// listspace is a parenthesized list with space-separated tokens.
type listspace []token

func (t listspace) pack(c *conn) string {
	s := "("
	for i, e := range t {
		if i > 0 {
			s += " "
		}
		s += e.pack(c)
	}
	s += ")"
	return s
}

func (t listspace) xwriteTo(c *conn, xw io.Writer) {
	fmt.Fprint(xw, "(")
	for i, e := range t {
		if i > 0 {
			fmt.Fprint(xw, " ")
		}
		e.xwriteTo(c, xw)
	}
	fmt.Fprint(xw, ")")
}

// concatspace concatenates tokens space-separated, without list syntax.
type concatspace []token

func (t concatspace) pack(c *conn) string {
	var s string
	for i, e := range t {
		if i > 0 {
			s += " "
		}
		s += e.pack(c)
	}
	return s
}

func (t concatspace) xwriteTo(c *conn, xw io.Writer) {
	for i, e := range t {
		if i > 0 {
			fmt.Fprint(xw, " ")
		}
		e.xwriteTo(c, xw)
	}
}

// concat concatenates tokens without separators.
type concat []token

func (t concat) pack(c *conn) string {
	var s string
	for _, e := range t {
		s += e.pack(c)
	}
	return s
}

func (t concat) xwriteTo(c *conn, xw io.Writer) {
	for _, e := range t {
		e.xwriteTo(c, xw)
	}
}
