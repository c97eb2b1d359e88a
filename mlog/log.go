// Package mlog provides logging with log levels and fields on top of log/slog.
//
// Each log level has a function to log with and without an error. Data is
// logged as fields (slog.Attr), not in the message, for easier processing.
// Log levels can be configured per package. Levels below debug are trace
// levels, used for protocol transcripts: trace logs protocol lines, traceauth
// also lines with credentials, tracedata also bulk data transfers.
package mlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configuration, then the process exits.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configuration.
)

// Levels maps configuration strings to levels, e.g. for parsing a config file.
var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"warn":      LevelWarn,
	"error":     LevelError,
	"fatal":     LevelFatal,
	"print":     LevelPrint,
}

// LevelStrings is the reverse of Levels.
var LevelStrings = map[slog.Level]string{
	LevelTracedata: "tracedata",
	LevelTraceauth: "traceauth",
	LevelTrace:     "trace",
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelWarn:      "warn",
	LevelError:     "error",
	LevelFatal:     "fatal",
	LevelPrint:     "print",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a
// minimum log level. The empty string is the default/fallback level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelInfo})
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	if _, ok := c[""]; !ok {
		nc := map[string]slog.Level{"": LevelInfo}
		for k, v := range c {
			nc[k] = v
		}
		c = nc
	}
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a slog.Logger. The zero value is not usable, use New.
type Log struct {
	*slog.Logger
}

// New returns a Log for the given package. Lines are logged with a "pkg"
// field. If parent is nil, logging goes to stderr through the package handler.
func New(pkg string, parent *slog.Logger) Log {
	if parent == nil {
		parent = slog.New(&handler{})
	}
	return Log{parent.With(slog.String("pkg", pkg))}
}

// WithCid adds a field "cid" for correlating all lines of a connection or operation.
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds a cid from the context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// WithFunc calls fn for additional attributes just before each line is
// logged. Used for fields whose value changes over time, like time since the
// previous log line of a connection.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	h := &funcHandler{l.Logger.Handler(), fn}
	return Log{slog.New(h)}
}

type funcHandler struct {
	h  slog.Handler
	fn func() []slog.Attr
}

func (h *funcHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *funcHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.h.Handle(ctx, r)
}

func (h *funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &funcHandler{h.h.WithAttrs(attrs), h.fn}
}

func (h *funcHandler) WithGroup(name string) slog.Handler {
	return &funcHandler{h.h.WithGroup(name), h.fn}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelWarn, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

// Print logs regardless of the configured level. For startup messages and subcommands.
func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelPrint, msg, attrs...)
}

// Fatalx logs the message and error and exits the process.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelFatal, msg, attrs...)
	os.Exit(1)
}

// Check logs an error-level line if err is not nil. Convenient for cleanup
// paths where an error should be reported but not change control flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs a protocol buffer at a trace level, returning whether the level
// is enabled. Levels above trace that still match cause redacted output: "***"
// for traceauth, "..." for tracedata.
func (l Log) Trace(level slog.Level, prefix string, data []byte) bool {
	h := l.Logger.Handler()
	if h.Enabled(context.Background(), level) {
		msg := prefix + string(data)
		l.Logger.LogAttrs(context.Background(), level, msg)
		return true
	}
	if !h.Enabled(context.Background(), LevelTrace) {
		return false
	}
	var msg string
	if level == LevelTraceauth {
		msg = prefix + "***"
	} else {
		msg = prefix + "..."
	}
	l.Logger.LogAttrs(context.Background(), LevelTrace, msg)
	return true
}

// handler writes logfmt-ish lines to stderr, with per-package level filtering.
type handler struct {
	attrs []slog.Attr
}

var outMutex sync.Mutex

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	pkg := h.pkg()
	if min, ok := cl[pkg]; ok {
		return level >= min
	}
	return level >= cl[""]
}

func (h *handler) pkg() string {
	for _, a := range h.attrs {
		if a.Key == "pkg" {
			return a.Value.String()
		}
	}
	return ""
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	b := &strings.Builder{}
	fmt.Fprintf(b, "l=%s m=%s", levelString(r.Level), logfmtValue(r.Message))
	for _, a := range h.attrs {
		writeAttr(b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(b, a)
		return true
	})
	b.WriteString("\n")
	outMutex.Lock()
	defer outMutex.Unlock()
	_, err := os.Stderr.WriteString(b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &handler{}
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}

func levelString(l slog.Level) string {
	if s, ok := LevelStrings[l]; ok {
		return s
	}
	return l.String()
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	var s string
	switch a.Value.Kind() {
	case slog.KindInt64:
		if a.Key == "cid" {
			s = fmt.Sprintf("%x", a.Value.Int64())
		} else {
			s = strconv.FormatInt(a.Value.Int64(), 10)
		}
	case slog.KindDuration:
		s = a.Value.Duration().Round(time.Microsecond).String()
	default:
		s = a.Value.String()
	}
	fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(s))
}

// escape a logfmt string if required, otherwise return the original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	if s == "" {
		return `""`
	}
	return s
}
