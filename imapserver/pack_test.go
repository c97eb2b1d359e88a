package imapserver

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/wrenmail/wren/mlog"
	"github.com/wrenmail/wren/wrenio"
)

// withEgress gives the conn a throwaway egress, for code paths that switch
// trace levels and flush.
func withEgress(c *conn) {
	var sink bytes.Buffer
	c.tw = wrenio.NewTraceWriter(mlog.New("imapserver", nil), "S: ", &sink)
	c.bw = bufio.NewWriter(c.tw)
}

func packConn(utf8 bool) *conn {
	c := &conn{enabled: map[capability]bool{}}
	if utf8 {
		c.enabled[capUTF8Accept] = true
	}
	return c
}

func TestPack(t *testing.T) {
	c := packConn(false)

	check := func(tok token, exp string) {
		t.Helper()
		if got := tok.pack(c); got != exp {
			t.Fatalf("got %q, expected %q", got, exp)
		}
	}

	check(bare("EXISTS"), "EXISTS")
	check(number(42), "42")
	check(nilt, "NIL")
	check(nilOrString(nil), "NIL")
	s := "x"
	check(nilOrString(&s), `"x"`)
	check(string0("plain"), `"plain"`)
	check(string0(`quote"backslash\`), `"quote\"backslash\\"`)
	check(astring("atom"), "atom")
	check(astring("needs quoting"), `"needs quoting"`)
	check(astring(""), `""`)
	check(syncliteral("hello"), "{5}\r\nhello")
	check(listspace{bare("FLAGS"), listspace{bare(`\Seen`)}}, `(FLAGS (\Seen))`)
	check(concatspace{bare("a"), bare("b")}, "a b")
	check(concat{bare("a"), bare("b")}, "ab")

	// Values that cannot be represented in a quoted string fall back to a
	// literal.
	check(string0("with\r\nnewline"), "{13}\r\nwith\r\nnewline")

	// Non-ASCII becomes a literal without UTF8=ACCEPT, and a quoted string
	// with.
	check(string0("café"), "{5}\r\ncafé")
	check(mailboxt("Trash"), "Trash")
	check(mailboxt("Entwürfe"), "Entw&APw-rfe")
	cu := packConn(true)
	if got := string0("café").pack(cu); got != `"café"` {
		t.Fatalf("got %q for utf8 string", got)
	}
	if got := mailboxt("Entwürfe").pack(cu); got != `"Entwürfe"` {
		t.Fatalf("got %q for utf8 mailbox", got)
	}
}

// Serializing, parsing, and re-serializing gives identical output for atoms
// and strings.
func TestPackParseRoundtrip(t *testing.T) {
	c := packConn(false)

	for _, tok := range []token{astring("atom"), string0("with space"), string0(`quote"`)} {
		wire := tok.pack(c)
		p := newParser(wire, nil)
		v := p.xastring()
		p.xempty()
		var again string
		switch tok.(type) {
		case astring:
			again = astring(v).pack(c)
		case string0:
			again = string0(v).pack(c)
		}
		if again != wire {
			t.Fatalf("roundtrip: %q -> %q -> %q", wire, v, again)
		}
	}
}

func TestStreamLiteral(t *testing.T) {
	c := packConn(false)

	check := func(lit streamliteral, exp string) {
		t.Helper()
		var buf bytes.Buffer
		lit.xwriteTo(c, &buf)
		if got := buf.String(); got != exp {
			t.Fatalf("got %q, expected %q", got, exp)
		}
	}

	withEgress(c)

	check(streamliteral{r: strings.NewReader("hello"), expectedLength: 5}, "{5}\r\nhello")
	check(streamliteral{r: strings.NewReader("hello"), expectedLength: 5, startFrom: 2}, "{3}\r\nllo")
	check(streamliteral{r: strings.NewReader("hello"), expectedLength: 5, maxLength: 2}, "{2}\r\nhe")
	check(streamliteral{r: strings.NewReader("hello"), expectedLength: 5, startFrom: 4, maxLength: 10}, "{1}\r\no")
	check(streamliteral{r: strings.NewReader("hello"), expectedLength: 5, startFrom: 5}, "{0}\r\n")
}
