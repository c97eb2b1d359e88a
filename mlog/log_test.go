package mlog

import (
	"log/slog"
	"testing"
)

func TestLogfmtValue(t *testing.T) {
	check := func(in, exp string) {
		t.Helper()
		if got := logfmtValue(in); got != exp {
			t.Fatalf("got %q, expected %q", got, exp)
		}
	}
	check("plain", "plain")
	check("", `""`)
	check("with space", `"with space"`)
	check(`dquote"`, `"dquote\""`)
	check("a=b", `"a=b"`)
}

func TestLevels(t *testing.T) {
	for name, level := range Levels {
		if LevelStrings[level] != name {
			t.Fatalf("level %q does not round-trip", name)
		}
	}
	if !(LevelTracedata < LevelTraceauth && LevelTraceauth < LevelTrace && LevelTrace < LevelDebug) {
		t.Fatalf("trace levels not ordered")
	}
}

func TestEnabled(t *testing.T) {
	defer SetConfig(map[string]slog.Level{"": LevelInfo})

	SetConfig(map[string]slog.Level{"": LevelError, "imapserver": LevelDebug})

	log := New("imapserver", nil)
	if !log.Handler().Enabled(nil, LevelDebug) {
		t.Fatalf("debug not enabled for imapserver")
	}
	other := New("store", nil)
	if other.Handler().Enabled(nil, LevelInfo) {
		t.Fatalf("info enabled for store, expected error-only")
	}
	if !other.Handler().Enabled(nil, LevelFatal) {
		t.Fatalf("fatal not enabled")
	}
}
