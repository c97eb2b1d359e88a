package imapserver

import (
	"errors"
	"testing"
)

func xparse(t *testing.T, s string) *parser {
	t.Helper()
	return newParser(s, nil)
}

// xrecover runs fn, expecting a syntaxError panic.
func xrecover(t *testing.T, fn func()) syntaxError {
	t.Helper()
	var serr syntaxError
	func() {
		defer func() {
			x := recover()
			if x == nil {
				t.Fatalf("expected syntax error")
			}
			err, ok := x.(error)
			if !ok || !errors.As(err, &serr) {
				t.Fatalf("got panic %v, expected syntax error", x)
			}
		}()
		fn()
	}()
	return serr
}

func TestParseTagCommand(t *testing.T) {
	p := xparse(t, "a001 uid fetch 1:* flags")
	tag := p.xtag()
	if tag != "a001" {
		t.Fatalf("got tag %q", tag)
	}
	p.xspace()
	cmd := p.xcommand()
	// The original casing is returned, matching is done case-insensitively
	// by the dispatcher.
	if cmd != "uid fetch" {
		t.Fatalf("got command %q", cmd)
	}

	xrecover(t, func() {
		xparse(t, "").xtag()
	})
}

func TestParseAstring(t *testing.T) {
	check := func(s, exp string) {
		t.Helper()
		p := xparse(t, s)
		got := p.xastring()
		if got != exp {
			t.Fatalf("astring %q: got %q, expected %q", s, got, exp)
		}
	}
	check("plain", "plain")
	check(`"with space"`, "with space")
	check(`"esc\"aped"`, `esc"aped`)
	check(`"back\\slash"`, `back\slash`)

	xrecover(t, func() {
		xparse(t, `"unterminated`).xastring()
	})
	xrecover(t, func() {
		xparse(t, `"bad\escape"`).xastring()
	})
}

func TestParseNumSet(t *testing.T) {
	check := func(s string) {
		t.Helper()
		p := xparse(t, s)
		ns := p.xnumSet()
		if got := ns.String(); got != s {
			t.Fatalf("numset %q: got %q", s, got)
		}
		p.xempty()
	}
	check("1")
	check("1:5")
	check("1:*")
	check("*")
	check("1,3:5,9")

	xrecover(t, func() {
		xparse(t, "0").xnumSet()
	})
	xrecover(t, func() {
		xparse(t, "a").xnumSet()
	})
}

func TestParseLiteralSize(t *testing.T) {
	p := xparse(t, "{100}")
	size, sync := p.xliteralSize(100)
	if size != 100 || !sync {
		t.Fatalf("got size %d sync %v", size, sync)
	}

	p = xparse(t, "{100+}")
	size, sync = p.xliteralSize(100)
	if size != 100 || sync {
		t.Fatalf("got size %d sync %v", size, sync)
	}

	serr := xrecover(t, func() {
		xparse(t, "{101}").xliteralSize(100)
	})
	if serr.code != "TOOBIG" {
		t.Fatalf("got code %q, expected TOOBIG", serr.code)
	}
	if serr.line == "" {
		t.Fatalf("expected untagged alert line")
	}

	xrecover(t, func() {
		xparse(t, "{bogus}").xliteralSize(100)
	})
	xrecover(t, func() {
		xparse(t, "{10}trailing").xliteralSize(100)
	})
}

func TestParseFlags(t *testing.T) {
	p := xparse(t, `(\Seen \Flagged custom $label)`)
	l := p.xflagList()
	if len(l) != 4 || l[0] != `\Seen` || l[3] != "$label" {
		t.Fatalf("got flags %v", l)
	}

	xrecover(t, func() {
		xparse(t, `(\Bogus)`).xflagList()
	})
}

func TestParseFetchAtts(t *testing.T) {
	p := xparse(t, "(flags uid body.peek[]<0.512>)")
	atts := p.xfetchAtts()
	if len(atts) != 3 {
		t.Fatalf("got %d atts", len(atts))
	}
	if atts[0].field != "FLAGS" || atts[1].field != "UID" {
		t.Fatalf("got atts %v", atts)
	}
	a := atts[2]
	if a.field != "BODY" || !a.peek || !a.body || a.partial == nil || a.partial.offset != 0 || a.partial.count != 512 {
		t.Fatalf("got body att %#v", a)
	}

	p = xparse(t, "fast")
	atts = p.xfetchAtts()
	if len(atts) != 3 {
		t.Fatalf("fast macro: got %d atts", len(atts))
	}

	xrecover(t, func() {
		xparse(t, "body.peek").xfetchAtts()
	})
}

func TestParseStoreAction(t *testing.T) {
	p := xparse(t, "+flags.silent")
	plus, minus, silent := p.xstoreAction()
	if !plus || minus || !silent {
		t.Fatalf("got %v %v %v", plus, minus, silent)
	}
	p = xparse(t, "-flags")
	plus, minus, silent = p.xstoreAction()
	if plus || !minus || silent {
		t.Fatalf("got %v %v %v", plus, minus, silent)
	}
}
