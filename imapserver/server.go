// Package imapserver implements an IMAP4rev1 server (RFC 3501 and
// extensions): the per-connection protocol engine. It reads the command
// stream with literal framing, drives the authentication/selection state
// machine, merges mailbox change notifications from other sessions into the
// reply stream with correct sequence number bookkeeping, and serializes
// responses, with STARTTLS and COMPRESS=DEFLATE stream switching.
package imapserver

/*
Implementation notes

- We never execute multiple commands at the same time for a connection. We
  expect a client to open multiple connections instead.
- A connection is a single goroutine. The switchboard delivers changes from
  other sessions into the connection's Comm; the connection drains it at the
  end of each command (before the tagged response) and while in IDLE. So the
  untagged EXISTS/EXPUNGE/FETCH responses a client sees are always consistent
  with the sequence numbers implied by earlier responses.
- After making changes to a mailbox, broadcast them while holding the account
  lock. Otherwise changes made later (e.g. another session's delivery) could
  be broadcast before changes made earlier.
- For CONDSTORE support, each change carries a modseq. Once a session has
  reported a modseq, it never reports a lower one.
*/

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"log/slog"

	"github.com/mjl-/bstore"
	"github.com/mjl-/flate"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/wrenmail/wren/config"
	"github.com/wrenmail/wren/dns"
	"github.com/wrenmail/wren/metrics"
	"github.com/wrenmail/wren/mlog"
	"github.com/wrenmail/wren/store"
	"github.com/wrenmail/wren/wren-"
	"github.com/wrenmail/wren/wrenio"
)

var (
	metricIMAPConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_imap_connection_total",
			Help: "Incoming IMAP connections.",
		},
		[]string{
			"service", // imap, imaps
		},
	)
	metricIMAPCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wren_imap_command_duration_seconds",
			Help:    "IMAP command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"cmd",
			"result", // ok, panic, ioerror, badsyntax, servererror, usererror, error
		},
	)
)

// Delay after bad/suspicious behaviour. Tests set these to zero.
var badClientDelay = time.Second // Before reads and after 1-byte writes for probably misbehaving clients.
var authFailDelay = time.Second  // After authentication failure.

// Window after connecting in which a client sending data before our greeting
// gets disconnected. Tests set this lower.
var earlyTalkerDelay = 15 * time.Millisecond

// Resolver does the reverse lookup of the remote IP, best-effort, before the
// greeting. Replaced in tests.
var resolver dns.Resolver = dns.StrictResolver{Pkg: "imapserver"}

var dnsTimeout = 3 * time.Second

// OnNotifications, if set, is called after a connection flushed mailbox
// updates to its client, e.g. for maintenance triggered by activity. Called
// in a new goroutine.
var OnNotifications func(mailboxID int64, modseq store.ModSeq, sessionID string)

// Capabilities (extensions) the server supports. Connections will add a few
// more, e.g. STARTTLS, LOGINDISABLED, AUTH=PLAIN.
const serverCapabilities = "IMAP4rev1 ENABLE LITERAL+ IDLE SASL-IR UNSELECT ID CONDSTORE UTF8=ACCEPT COMPRESS=DEFLATE"

type conn struct {
	cid               int64
	sessionID         string // 9 random bytes, base64. Matched against Change.Ignore for echo suppression.
	state             state
	conn              net.Conn
	tls               bool               // Whether TLS has been initialized.
	compress          bool               // Whether deflate compression is active.
	br                *bufio.Reader      // From remote, with TLS and/or inflate unwrapped.
	line              chan lineErr       // If set, instead of reading from br, a line is read from this channel. For reading a line in IDLE while also waiting for mailbox updates.
	lastLine          string             // For detecting if a syntax error is fatal, i.e. if this ends with a literal. Without crlf.
	bw                *bufio.Writer      // To remote, through tw (and fw when compressed).
	tr                *wrenio.TraceReader // Kept to change trace level when reading/writing cmd/auth/data.
	tw                *wrenio.TraceWriter
	fw                *wrenio.FlateWriter // Non-nil when compression is active; flushed after each response.
	slow              bool                // If set, reads are done with a 1 second sleep, and writes are done 1 byte at a time, to keep misbehaving clients busy.
	lastlog           time.Time           // For printing time since previous log line.
	tlsConfig         *tls.Config         // TLS config to use for handshake.
	remoteIP          net.IP
	remoteHostname    string // Reverse name of remoteIP, or a bracketed IP literal.
	noRequireSTARTTLS bool
	cmd               string // Currently executing, for deciding to flush changes and for logging.
	cmdMetric         string // Currently executing, for metrics.
	cmdStart          time.Time
	ncmds             int // Number of commands processed. Used to abort connection when first incoming command is unknown/invalid.
	idling            bool
	log               mlog.Log
	enabled           map[capability]bool // All uppercase.

	// Only when authenticated.
	authFailed int    // Number of failed auth attempts. For slowing down remote with many failures.
	username   string // Full username as used during login.
	account    *store.Account
	comm       *store.Comm // For receiving changes to the account, e.g. from other sessions.

	// Only for stateSelected.
	mailboxID int64
	readonly  bool           // If opened mailbox is readonly.
	uids      []store.UID    // UIDs known in this session, sorted. Index+1 is the IMAP sequence number.
	modseq    store.ModSeq   // Last reported modseq (HIGHESTMODSEQ cursor), non-decreasing.
	pending   []store.Change // Updates drained from comm, awaiting the next flush.
}

// capability for use with ENABLE and CAPABILITY. Always upper case, for easy
// case-insensitive comparison.
type capability string

const (
	capUTF8Accept capability = "UTF8=ACCEPT"
	capCondstore  capability = "CONDSTORE"
)

type lineErr struct {
	line string
	err  error
}

type state byte

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
	stateClosed // Terminal, reached only through close.
)

func stateCommands(cmds ...string) map[string]struct{} {
	r := map[string]struct{}{}
	for _, cmd := range cmds {
		r[cmd] = struct{}{}
	}
	return r
}

var (
	commandsStateAny              = stateCommands("capability", "noop", "logout", "id")
	commandsStateNotAuthenticated = stateCommands("starttls", "authenticate", "login")
	commandsStateAuthenticated    = stateCommands("enable", "compress", "select", "examine", "create", "delete", "status", "append", "idle")
	commandsStateSelected         = stateCommands("close", "unselect", "expunge", "fetch", "store", "uid expunge", "uid fetch", "uid store")
)

// Commands are looked up by lowercased verb. Additional verbs (e.g. a search
// implementation) hook in by adding an entry and extending the state sets
// above.
var commands = map[string]func(c *conn, tag, cmd string, p *parser){
	// Any state.
	"capability": (*conn).cmdCapability,
	"noop":       (*conn).cmdNoop,
	"logout":     (*conn).cmdLogout,
	"id":         (*conn).cmdID,

	// Notauthenticated.
	"starttls":     (*conn).cmdStarttls,
	"authenticate": (*conn).cmdAuthenticate,
	"login":        (*conn).cmdLogin,

	// Authenticated and selected.
	"enable":   (*conn).cmdEnable,
	"compress": (*conn).cmdCompress,
	"select":   (*conn).cmdSelect,
	"examine":  (*conn).cmdExamine,
	"create":   (*conn).cmdCreate,
	"delete":   (*conn).cmdDelete,
	"status":   (*conn).cmdStatus,
	"append":   (*conn).cmdAppend,
	"idle":     (*conn).cmdIdle,

	// Selected.
	"close":       (*conn).cmdClose,
	"unselect":    (*conn).cmdUnselect,
	"expunge":     (*conn).cmdExpunge,
	"uid expunge": (*conn).cmdUIDExpunge,
	"fetch":       (*conn).cmdFetch,
	"uid fetch":   (*conn).cmdUIDFetch,
	"store":       (*conn).cmdStore,
	"uid store":   (*conn).cmdUIDStore,
}

var errIO = errors.New("io error")             // For read/write errors and errors that should close the connection.
var errProtocol = errors.New("protocol error") // For protocol errors for which a stack trace should be printed.

var sanityChecks bool

// check err for sanity.
// if not nil and sanityChecks true (set during tests), then panic. if not nil during normal operation, just log.
func (c *conn) xsanity(err error, format string, args ...any) {
	if err == nil {
		return
	}
	if sanityChecks {
		panic(fmt.Errorf("%s: %s", fmt.Sprintf(format, args...), err))
	}
	c.log.Errorx(fmt.Sprintf(format, args...), err)
}

type msgseq uint32

// Listen initializes all imap listeners for the configuration, and stores
// them for Serve to start them.
func Listen() {
	names := make([]string, 0, len(wren.Conf.Listeners))
	for name := range wren.Conf.Listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		listener := wren.Conf.Listeners[name]

		var tlsConfig *tls.Config
		if listener.TLS != nil {
			tlsConfig = listener.TLS.Config
		}

		if listener.IMAP.Enabled {
			port := config.Port(listener.IMAP.Port, 143)
			for _, ip := range listener.IPs {
				listen1("imap", name, ip, port, tlsConfig, false, listener.IMAP.NoRequireSTARTTLS)
			}
		}

		if listener.IMAPS.Enabled {
			port := config.Port(listener.IMAPS.Port, 993)
			for _, ip := range listener.IPs {
				listen1("imaps", name, ip, port, tlsConfig, true, false)
			}
		}
	}
}

var servers []func()

func listen1(protocol, listenerName, ip string, port int, tlsConfig *tls.Config, xtls, noRequireSTARTTLS bool) {
	log := mlog.New("imapserver", nil)
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	log.Print("listening for imap",
		slog.String("listener", listenerName),
		slog.String("addr", addr),
		slog.String("protocol", protocol))
	network := wren.Network(ip)
	ln, err := wren.Listen(network, addr)
	if err != nil {
		log.Fatalx("imap: listen for imap", err, slog.String("protocol", protocol), slog.String("listener", listenerName))
	}
	if xtls {
		ln = tls.NewListener(ln, tlsConfig)
	}

	serveln := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Infox("imap: accept", err, slog.String("protocol", protocol), slog.String("listener", listenerName))
				continue
			}

			metricIMAPConnection.WithLabelValues(protocol).Inc()
			go serve(listenerName, wren.Cid(), tlsConfig, conn, xtls, noRequireSTARTTLS)
		}
	}

	servers = append(servers, serveln)
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func Serve() {
	for _, serveln := range servers {
		go serveln()
	}
	servers = nil
}

// returns whether this connection accepts utf-8 in strings.
func (c *conn) utf8strings() bool {
	return c.enabled[capUTF8Accept]
}

func (c *conn) xdbwrite(fn func(tx *bstore.Tx)) {
	err := c.account.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
		fn(tx)
		return nil
	})
	xcheckf(err, "transaction")
}

func (c *conn) xdbread(fn func(tx *bstore.Tx)) {
	err := c.account.DB.Read(context.TODO(), func(tx *bstore.Tx) error {
		fn(tx)
		return nil
	})
	xcheckf(err, "transaction")
}

// Closes the currently selected/active mailbox, setting state from selected to authenticated.
// Does not remove messages marked for deletion.
func (c *conn) unselect() {
	if c.state == stateSelected {
		c.state = stateAuthenticated
	}
	c.mailboxID = 0
	c.uids = nil
	c.modseq = 0
	c.pending = nil
}

func (c *conn) setSlow(on bool) {
	if on && !c.slow {
		c.log.Debug("connection changed to slow")
	} else if !on && c.slow {
		c.log.Debug("connection restored to regular pace")
	}
	c.slow = on
}

// Write makes a connection an io.Writer. It panics for i/o errors. These
// errors are handled in the connection command loop.
func (c *conn) Write(buf []byte) (int, error) {
	chunk := len(buf)
	if c.slow {
		chunk = 1
	}

	var n int
	for len(buf) > 0 {
		err := c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		c.log.Check(err, "setting write deadline")

		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %s (%w)", err, errIO))
		}
		n += nn
		buf = buf[chunk:]
		if len(buf) > 0 && badClientDelay > 0 {
			wren.Sleep(wren.Context, badClientDelay)
		}
	}
	return n, nil
}

// xtracewrite changes the write trace level, e.g. for eliding message
// contents from protocol traces, returning a restore function.
func (c *conn) xtracewrite(level slog.Level) func() {
	c.xflush()
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

// xtraceread is the read counterpart, e.g. for passwords and literals.
func (c *conn) xtraceread(level slog.Level) func() {
	c.tr.SetTrace(level)
	return func() {
		c.tr.SetTrace(mlog.LevelTrace)
	}
}

// Cache of line buffers for reading commands. Sized from the config on first
// use, when the config has been loaded.
var bufpool *wrenio.Bufpool
var bufpoolOnce sync.Once

func xbufpool() *wrenio.Bufpool {
	bufpoolOnce.Do(func() {
		size := wren.Conf.MaxLineSize
		if size == 0 {
			size = 100 * 1024
		}
		bufpool = wrenio.NewBufpool(8, size)
	})
	return bufpool
}

// read line from connection, not going through line channel.
func (c *conn) readline0() (string, error) {
	if c.slow && badClientDelay > 0 {
		wren.Sleep(wren.Context, badClientDelay)
	}

	d := wren.Conf.SocketTimeout
	if d == 0 {
		d = 30 * time.Minute
	}
	if c.state == stateNotAuthenticated {
		d = 30 * time.Second
	}
	var deadline time.Time
	if !c.idling {
		// IDLE suspends the inactivity timeout: the client is waiting for us,
		// not the other way around.
		deadline = time.Now().Add(d)
	}
	err := c.conn.SetReadDeadline(deadline)
	c.log.Check(err, "setting read deadline")

	line, err := xbufpool().Readline(c.log, c.br)
	if err != nil && errors.Is(err, wrenio.ErrLineTooLong) {
		return "", fmt.Errorf("%w (%w)", err, errProtocol)
	} else if err != nil {
		return "", fmt.Errorf("%w (%w)", err, errIO)
	}
	return line, nil
}

func (c *conn) lineChan() chan lineErr {
	if c.line == nil {
		c.line = make(chan lineErr, 1)
		go func() {
			line, err := c.readline0()
			c.line <- lineErr{line, err}
		}()
	}
	return c.line
}

// readline from either the c.line channel, or otherwise read from connection.
func (c *conn) readline(readCmd bool) string {
	var line string
	var err error
	if c.line != nil {
		le := <-c.line
		c.line = nil
		line, err = le.line, le.err
	} else {
		line, err = c.readline0()
	}
	if err != nil {
		if readCmd && errors.Is(err, os.ErrDeadlineExceeded) {
			err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.log.Check(err, "setting write deadline")
			c.writelinef("* BYE Idle timeout, closing connection")
		}
		if readCmd && errors.Is(err, wrenio.ErrLineTooLong) {
			// We cannot find the start of the next command in the stream,
			// tell the client why we're hanging up.
			werr := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.log.Check(werr, "setting write deadline")
			c.writelinef("* BAD Command line too long")
		}
		if !errors.Is(err, errIO) && !errors.Is(err, errProtocol) {
			err = fmt.Errorf("%s (%w)", err, errIO)
		}
		panic(err)
	}
	c.lastLine = line

	// We typically respond immediately (IDLE is an exception). The client may
	// not be reading, or may have disappeared. Don't wait more than 5 minutes
	// before closing down the connection.
	wd := 5 * time.Minute
	if c.state == stateNotAuthenticated {
		wd = 30 * time.Second
	}
	err = c.conn.SetWriteDeadline(time.Now().Add(wd))
	c.log.Check(err, "setting write deadline")

	return line
}

// write tagged command response, but first write pending changes.
func (c *conn) writeresultf(format string, args ...any) {
	c.bwriteresultf(format, args...)
	c.xflush()
}

// write buffered tagged command response, but first write pending changes.
func (c *conn) bwriteresultf(format string, args ...any) {
	switch c.cmd {
	case "fetch", "uid fetch", "store", "uid store", "search", "uid search":
		// A fetch is in progress (or just completed): the responses we wrote
		// used sequence numbers from the current uid list, which a flush would
		// shift. The updates are drained at the next command.
	default:
		c.xapplyChanges(false)
	}
	c.bwritelinef(format, args...)
}

func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

// Buffer line for write.
func (c *conn) bwritelinef(format string, args ...any) {
	format += "\r\n"
	fmt.Fprintf(c.bw, format, args...)
}

func (c *conn) xflush() {
	err := c.bw.Flush()
	xcheckf(err, "flush") // Should never happen, the Write caused by the Flush should panic on i/o error.
	if c.fw != nil {
		// Push the deflate block out to the client now, it would otherwise
		// sit in the compressor while the client waits for us.
		err := c.fw.Flush()
		xcheckf(err, "flush deflate")
	}
}

func (c *conn) readCommand(tag *string) (cmd string, p *parser) {
	line := c.readline(true)
	p = newParser(line, c)
	p.context("tag")
	*tag = p.xtag()
	p.context("command")
	p.xspace()
	cmd = p.xcommand()
	return cmd, newParser(p.remainder(), c)
}

// xreadliteral reads a literal payload of the given size, first writing the
// continuation if the client is waiting for one (synchronizing literal).
func (c *conn) xreadliteral(size int64, sync bool) string {
	if sync {
		c.writelinef("+ Ready for literal data")
	}
	buf := make([]byte, size)
	if size > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			c.log.Errorx("setting read deadline", err)
		}

		defer c.xtraceread(mlog.LevelTracedata)()
		_, err := io.ReadFull(c.br, buf)
		if err != nil {
			// Cannot use xcheckf due to %w handling of errIO.
			panic(fmt.Errorf("reading literal: %s (%w)", err, errIO))
		}
	}
	return string(buf)
}

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

// Serve a single IMAP connection. Normally called in a new goroutine by the
// listener loops; tests call it directly with a pipe.
func serve(listenerName string, cid int64, tlsConfig *tls.Config, nc net.Conn, xtls, noRequireSTARTTLS bool) {
	var remoteIP net.IP
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:               cid,
		sessionID:         wren.SessionID(),
		conn:              nc,
		tls:               xtls,
		lastlog:           time.Now(),
		tlsConfig:         tlsConfig,
		remoteIP:          remoteIP,
		noRequireSTARTTLS: noRequireSTARTTLS,
		enabled:           map[capability]bool{},
		cmd:               "(greeting)",
		cmdStart:          time.Now(),
	}
	// The lineChan goroutine can log concurrently with the main connection
	// goroutine, so the delta bookkeeping needs a lock.
	var logmutex sync.Mutex
	c.log = mlog.New("imapserver", nil).WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.username != "" {
			l = append(l, slog.String("username", c.username))
		}
		return l
	})
	c.tr = wrenio.NewTraceReader(c.log, "C: ", c.conn)
	c.tw = wrenio.NewTraceWriter(c.log, "S: ", c)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)

	// Many IMAP connections use IDLE to wait for new incoming messages. We'll
	// enable keepalive to get a higher chance of the connection staying alive,
	// or otherwise detecting broken connections early.
	xconn := c.conn
	if xtls {
		xconn = c.conn.(*tls.Conn).NetConn()
	}
	if tcpconn, ok := xconn.(*net.TCPConn); ok {
		if err := tcpconn.SetKeepAlivePeriod(5 * time.Minute); err != nil {
			c.log.Errorx("setting keepalive period", err)
		} else if err := tcpconn.SetKeepAlive(true); err != nil {
			c.log.Errorx("enabling keepalive", err)
		}
	}

	c.log.Info("new connection",
		slog.Any("remote", c.conn.RemoteAddr()),
		slog.Any("local", c.conn.LocalAddr()),
		slog.Bool("tls", xtls),
		slog.String("listener", listenerName),
		slog.String("session", c.sessionID))

	defer func() {
		c.close()

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Imapserver)
		}
	}()

	select {
	case <-wren.Shutdown.Done():
		c.writelinef("* BYE wren shutting down")
		return
	default:
	}

	// We register and unregister the original connection, in case c.conn is
	// replaced with a TLS connection later on.
	wren.Connections.Register(nc, listenerName)
	defer wren.Connections.Unregister(nc)

	// Best-effort reverse lookup of the remote, for logging. The result also
	// feeds the session hostname used in log lines after authentication.
	func() {
		ctx, cancel := context.WithTimeout(wren.Context, dnsTimeout)
		defer cancel()
		names, _, err := resolver.LookupAddr(ctx, c.remoteIP.String())
		if err == nil && len(names) > 0 {
			c.remoteHostname = strings.TrimSuffix(names[0], ".")
		} else {
			c.remoteHostname = "[" + c.remoteIP.String() + "]"
			c.log.Debugx("no reverse name for remote", err, slog.Any("remoteip", c.remoteIP))
		}
	}()

	// A client speaking before our greeting is not speaking IMAP: the
	// protocol gives the first move to the server.
	if c.earlyTalker() {
		c.writelinef("* BAD You talk too soon")
		return
	}

	c.writelinef("* OK [CAPABILITY %s] %s wren ready", c.capabilities(), wren.Conf.Hostname)

	for {
		c.command()
		c.xflush() // For flushing errors, or possibly commands that did not flush explicitly.
	}
}

// earlyTalker reads for a short while before the greeting, reporting whether
// the client sent anything already.
func (c *conn) earlyTalker() bool {
	if earlyTalkerDelay <= 0 {
		return false
	}
	err := c.conn.SetReadDeadline(time.Now().Add(earlyTalkerDelay))
	c.log.Check(err, "setting read deadline")
	buf := make([]byte, 1)
	n, _ := c.conn.Read(buf)
	return n > 0
}

// close releases the resources of the connection: the notification
// subscription first, then the account, then the transport. Idempotent, and
// runs to completion even if the transport already failed.
func (c *conn) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed

	if c.comm != nil {
		c.comm.Unregister()
		c.comm = nil
	}
	if c.account != nil {
		err := c.account.Close()
		c.xsanity(err, "close account")
		c.account = nil
	}
	if err := c.conn.Close(); err != nil {
		c.log.Debugx("closing connection", err)
	}
}

// isClosed returns whether i/o failed, typically because the connection is closed.
// For connection errors, we often want to generate fewer logs.
func isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, errProtocol) || wrenio.IsClosed(err)
}

func (c *conn) command() {
	var tag, cmd, cmdlow string
	var p *parser

	defer func() {
		var result string
		defer func() {
			metricIMAPCommands.WithLabelValues(c.cmdMetric, result).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
		}()

		logFields := []slog.Attr{
			slog.String("cmd", c.cmd),
			slog.Duration("duration", time.Since(c.cmdStart)),
		}
		c.cmd = ""

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Debug("imap command done", logFields...)
			result = "ok"
			if x == cleanClose {
				panic(x)
			}
			return
		}
		err, ok := x.(error)
		if !ok {
			c.log.Error("imap command panic", append([]slog.Attr{slog.Any("panic", x)}, logFields...)...)
			result = "panic"
			panic(x)
		}

		var sxerr syntaxError
		var uerr userError
		var serr serverError
		if isClosed(err) {
			c.log.Infox("imap command ioerror", err, logFields...)
			result = "ioerror"
			if errors.Is(err, errProtocol) {
				debug.PrintStack()
			}
			panic(err)
		} else if errors.As(err, &sxerr) {
			result = "badsyntax"
			if c.ncmds == 0 {
				// Other side is likely speaking something else than IMAP, send
				// error message and stop processing because there is a good chance
				// whatever they sent has multiple lines.
				c.writelinef("* BYE please try again speaking imap")
				panic(errIO)
			}
			c.log.Debugx("imap command syntax error", sxerr.err, logFields...)
			c.log.Info("imap syntax error", slog.String("lastline", c.lastLine))
			fatal := strings.HasSuffix(c.lastLine, "+}")
			if fatal {
				err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				c.log.Check(err, "setting write deadline")
			}
			if sxerr.line != "" {
				c.bwritelinef("%s", sxerr.line)
			}
			code := ""
			if sxerr.code != "" {
				code = "[" + sxerr.code + "] "
			}
			c.bwriteresultf("%s BAD %s%s unrecognized syntax/command: %v", tag, code, cmd, sxerr.errmsg)
			if fatal {
				c.xflush()
				panic(fmt.Errorf("aborting connection after syntax error for command with non-sync literal: %w", errProtocol))
			}
		} else if errors.As(err, &serr) {
			result = "servererror"
			c.log.Errorx("imap command server error", err, logFields...)
			debug.PrintStack()
			c.bwriteresultf("%s NO [SERVERBUG] %s %v", tag, cmd, err)
		} else if errors.As(err, &uerr) {
			result = "usererror"
			c.log.Debugx("imap command user error", err, logFields...)
			if uerr.code != "" {
				c.bwriteresultf("%s NO [%s] %s %v", tag, uerr.code, cmd, err)
			} else {
				c.bwriteresultf("%s NO %s %v", tag, cmd, err)
			}
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			result = "panic"
			c.log.Errorx("imap command panic", err, logFields...)
			panic(err)
		}
	}()

	tag = "*"
	cmd, p = c.readCommand(&tag)
	cmdlow = strings.ToLower(cmd)
	c.cmd = cmdlow
	c.cmdStart = time.Now()
	c.cmdMetric = "(unrecognized)"

	select {
	case <-wren.Shutdown.Done():
		c.writelinef("* BYE shutting down")
		panic(errIO)
	default:
	}

	fn := commands[cmdlow]
	if fn == nil {
		xsyntaxErrorf("unknown command %q", cmd)
	}
	c.cmdMetric = c.cmd
	c.ncmds++

	// Check if command is allowed in this state.
	if _, ok1 := commandsStateAny[cmdlow]; ok1 {
	} else if _, ok2 := commandsStateNotAuthenticated[cmdlow]; ok2 && c.state == stateNotAuthenticated {
	} else if _, ok3 := commandsStateAuthenticated[cmdlow]; ok3 && (c.state == stateAuthenticated || c.state == stateSelected) {
	} else if _, ok4 := commandsStateSelected[cmdlow]; ok4 && c.state == stateSelected {
	} else if ok1 || ok2 || ok3 || ok4 {
		xsyntaxErrorf("not allowed in this connection state")
	} else {
		xserverErrorf("unrecognized command")
	}

	fn(c, tag, cmd, p)
}

func (c *conn) broadcast(changes []store.Change) {
	if len(changes) == 0 {
		return
	}
	c.log.Debug("broadcast changes", slog.Any("changes", changes))
	c.comm.Broadcast(changes)
}

func (c *conn) sequence(uid store.UID) msgseq {
	return uidSearch(c.uids, uid)
}

func uidSearch(uids []store.UID, uid store.UID) msgseq {
	s := 0
	e := len(uids)
	for s < e {
		i := (s + e) / 2
		m := uids[i]
		if uid == m {
			return msgseq(i + 1)
		} else if uid < m {
			e = i
		} else {
			s = i + 1
		}
	}
	return 0
}

func (c *conn) xsequence(uid store.UID) msgseq {
	seq := c.sequence(uid)
	if seq <= 0 {
		xserverErrorf("unknown uid %d (%w)", uid, errProtocol)
	}
	return seq
}

func (c *conn) sequenceRemove(seq msgseq, uid store.UID) {
	i := seq - 1
	if c.uids[i] != uid {
		xserverErrorf("got uid %d at msgseq %d, expected uid %d", uid, seq, c.uids[i])
	}
	copy(c.uids[i:], c.uids[i+1:])
	c.uids = c.uids[:len(c.uids)-1]
	if sanityChecks {
		checkUIDs(c.uids)
	}
}

// add uid to the session. care must be taken that pending changes are
// fetched while holding the account lock, and applied before adding this
// uid, because those pending changes may contain another new uid that has to
// be added first.
func (c *conn) uidAppend(uid store.UID) {
	if uidSearch(c.uids, uid) > 0 {
		xserverErrorf("uid already present (%w)", errProtocol)
	}
	if len(c.uids) > 0 && uid < c.uids[len(c.uids)-1] {
		xserverErrorf("new uid %d is smaller than last uid %d (%w)", uid, c.uids[len(c.uids)-1], errProtocol)
	}
	c.uids = append(c.uids, uid)
	if sanityChecks {
		checkUIDs(c.uids)
	}
}

// sanity check that uids are in ascending order.
func checkUIDs(uids []store.UID) {
	for i, uid := range uids {
		if uid == 0 || i > 0 && uid <= uids[i-1] {
			xserverErrorf("bad uids %v", uids)
		}
	}
}

// xnumSetUIDs returns the uids matching the sequence set, whether given as
// sequence numbers or as uids.
func (c *conn) xnumSetUIDs(isUID bool, nums numSet) []store.UID {
	var uids []store.UID

	if !isUID {
		// Sequence numbers that don't exist, or * on an empty mailbox, result in a BAD response.
		for _, r := range nums.ranges {
			var ia int
			if r.first.star {
				if len(c.uids) == 0 {
					xsyntaxErrorf("invalid seqset * on empty mailbox")
				}
				ia = len(c.uids) - 1
			} else {
				ia = int(r.first.number - 1)
				if ia >= len(c.uids) {
					xsyntaxErrorf("msgseq %d not in mailbox", r.first.number)
				}
			}
			if r.last == nil {
				uids = append(uids, c.uids[ia])
				continue
			}

			var ibv int
			if r.last.star {
				if len(c.uids) == 0 {
					xsyntaxErrorf("invalid seqset * on empty mailbox")
				}
				ibv = len(c.uids) - 1
			} else {
				ibv = int(r.last.number - 1)
				if ibv >= len(c.uids) {
					xsyntaxErrorf("msgseq %d not in mailbox", r.last.number)
				}
			}
			if ia > ibv {
				ia, ibv = ibv, ia
			}
			uids = append(uids, c.uids[ia:ibv+1]...)
		}
		return uids
	}

	// UIDs that do not exist can be ignored.
	if len(c.uids) == 0 {
		return nil
	}

	for _, r := range nums.ranges {
		last := r.first
		if r.last != nil {
			last = *r.last
		}

		uida := store.UID(r.first.number)
		if r.first.star {
			uida = c.uids[len(c.uids)-1]
		}

		uidb := store.UID(last.number)
		if last.star {
			uidb = c.uids[len(c.uids)-1]
		}

		if uida > uidb {
			uida, uidb = uidb, uida
		}

		for _, uid := range c.uids {
			if uid >= uida && uid <= uidb {
				uids = append(uids, uid)
			} else if uid > uidb {
				break
			}
		}
	}

	return uids
}

func (c *conn) ok(tag, cmd string) {
	c.bwriteresultf("%s OK %s done", tag, cmd)
	c.xflush()
}

// flaglist formats flags and keywords as an IMAP flag list.
func flaglist(fl store.Flags, keywords []string) listspace {
	l := listspace{}
	flag := func(v bool, s string) {
		if v {
			l = append(l, bare(s))
		}
	}
	flag(fl.Seen, `\Seen`)
	flag(fl.Answered, `\Answered`)
	flag(fl.Flagged, `\Flagged`)
	flag(fl.Deleted, `\Deleted`)
	flag(fl.Draft, `\Draft`)
	for _, k := range keywords {
		l = append(l, bare(k))
	}
	return l
}

// Capability returns the capabilities this server implements and currently
// has available given the connection state.
//
// State: any
func (c *conn) cmdCapability(tag, cmd string, p *parser) {
	p.xempty()

	caps := c.capabilities()

	c.bwritelinef("* CAPABILITY %s", caps)
	c.ok(tag, cmd)
}

// capabilities returns non-empty string with available capabilities based on
// connection state. For use in cmdCapability and untagged OK responses on
// connection start, login and authenticate.
func (c *conn) capabilities() string {
	caps := serverCapabilities
	// We only allow starting without TLS when explicitly configured, in
	// violation of RFC.
	if !c.tls && c.tlsConfig != nil {
		caps += " STARTTLS"
	}
	if c.tls || c.noRequireSTARTTLS {
		caps += " AUTH=PLAIN"
	} else {
		caps += " LOGINDISABLED"
	}
	return caps
}

// No op, but useful for retrieving pending changes as untagged responses,
// e.g. of message delivery.
//
// State: any
func (c *conn) cmdNoop(tag, cmd string, p *parser) {
	p.xempty()
	c.ok(tag, cmd)
}

// Logout, after which server closes the connection.
//
// State: any
func (c *conn) cmdLogout(tag, cmd string, p *parser) {
	p.xempty()

	c.unselect()
	c.state = stateNotAuthenticated
	c.bwritelinef("* BYE thanks")
	c.ok(tag, cmd)
	panic(cleanClose)
}

// Clients can use ID to tell the server which software they are using.
// Servers can respond with their version. For statistics/logging/debugging
// purposes.
//
// State: any
func (c *conn) cmdID(tag, cmd string, p *parser) {
	p.xspace()
	var params map[string]string
	if p.take("(") {
		params = map[string]string{}
		for !p.take(")") {
			if len(params) > 0 {
				p.xspace()
			}
			k := p.xstring()
			p.xspace()
			v := p.xnilString()
			if _, ok := params[k]; ok {
				xsyntaxErrorf("duplicate key %q", k)
			}
			params[k] = v
		}
	} else {
		p.xnil()
	}
	p.xempty()

	// We just log the client id.
	c.log.Info("client id", slog.Any("params", params))

	c.bwritelinef(`* ID ("name" "wren" "version" %s)`, string0(wren.Version).pack(c))
	c.ok(tag, cmd)
}

// STARTTLS enables TLS on the connection, after a plain text start. Only
// allowed if TLS isn't already enabled, either through connecting to a
// TLS-enabled TCP port, or a previous STARTTLS command. After STARTTLS,
// plain text authentication typically becomes available.
//
// The switch must happen at a quiescent boundary: after the tagged OK has
// been flushed, before any further client bytes are consumed from the
// plaintext stream. Bytes the client optimistically sent ahead are carried
// into the handshake via a prefixed connection.
//
// State: Not authenticated.
func (c *conn) cmdStarttls(tag, cmd string, p *parser) {
	p.xempty()

	if c.tls {
		xsyntaxErrorf("tls already active")
	}
	if c.tlsConfig == nil {
		xuserErrorf("starttls not supported on this listener")
	}

	conn := c.conn
	if n := c.br.Buffered(); n > 0 {
		buf := make([]byte, n)
		_, err := io.ReadFull(c.br, buf)
		xcheckf(err, "reading buffered data for tls handshake")
		conn = &prefixConn{buf, conn}
	}
	c.ok(tag, cmd)

	cidctx := context.WithValue(wren.Context, mlog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	tlsConn := tls.Server(conn, c.tlsConfig)
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		panic(fmt.Errorf("starttls handshake: %s (%w)", err, errIO))
	}
	cancel()
	tlsversion, ciphersuite := tlsInfo(tlsConn)
	c.log.Debug("tls server handshake done", slog.String("tls", tlsversion), slog.String("ciphersuite", ciphersuite))

	c.conn = tlsConn
	c.tr = wrenio.NewTraceReader(c.log, "C: ", c.conn)
	c.tw = wrenio.NewTraceWriter(c.log, "S: ", c)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)
	c.tls = true
}

func tlsInfo(conn *tls.Conn) (version, ciphersuite string) {
	st := conn.ConnectionState()
	version = tls.VersionName(st.Version)
	ciphersuite = strings.ToLower(tls.CipherSuiteName(st.CipherSuite))
	return
}

// COMPRESS enables deflate compression in both directions, for slow links.
// The compressor is inserted at the same kind of quiescent boundary as
// STARTTLS: after the tagged OK was flushed, before further client bytes are
// consumed.
//
// State: Authenticated or selected.
func (c *conn) cmdCompress(tag, cmd string, p *parser) {
	p.xspace()
	alg := strings.ToUpper(p.xatom())
	p.xempty()

	if alg != "DEFLATE" {
		xuserErrorf("unknown compression mechanism %q", alg)
	}
	if c.compress {
		xusercodeErrorf("COMPRESSIONACTIVE", "deflate compression already active")
	}

	c.ok(tag, cmd)

	var rc io.Reader = c.conn
	if n := c.br.Buffered(); n > 0 {
		buf := make([]byte, n)
		_, err := io.ReadFull(c.br, buf)
		xcheckf(err, "reading buffered data for deflate stream")
		rc = &prefixConn{buf, c.conn}
	}
	c.tr = wrenio.NewTraceReader(c.log, "C: ", flate.NewReader(rc))
	c.br = bufio.NewReader(c.tr)

	fw0, err := flate.NewWriter(c, flate.DefaultCompression)
	xcheckf(err, "deflate writer")
	c.fw = wrenio.NewFlateWriter(fw0)
	c.tw = wrenio.NewTraceWriter(c.log, "S: ", c.fw)
	c.bw = bufio.NewWriter(c.tw)
	c.compress = true
}

// Authenticate using SASL. Supports the PLAIN mechanism, with the optional
// initial response (SASL-IR).
//
// State: Not authenticated.
func (c *conn) cmdAuthenticate(tag, cmd string, p *parser) {
	// For many failed auth attempts, slow down verification attempts.
	if c.authFailed > 3 && authFailDelay > 0 {
		wren.Sleep(wren.Context, time.Duration(c.authFailed-3)*authFailDelay)
	}
	c.authFailed++ // Compensated on success.
	defer func() {
		// On the 3rd failed authentication, start responding slowly.
		// Successful auth will cause fast responses again.
		if c.authFailed >= 3 {
			c.setSlow(true)
		}
	}()

	authVariant := "error"
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("imap", authVariant, authResult)
	}()

	p.xspace()
	authType := strings.ToUpper(p.xatom())

	xreadInitial := func() []byte {
		var line string
		if p.empty() {
			c.writelinef("+ ")
			line = c.readline(false)
		} else {
			p.xspace()
			line = p.remainder()
			if line == "=" {
				line = "" // Base64 decode will result in empty buffer.
			}
		}
		if line == "*" {
			authResult = "aborted"
			xsyntaxErrorf("authenticate aborted by client")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsyntaxErrorf("parsing base64: %v", err)
		}
		return buf
	}

	switch authType {
	case "PLAIN":
		authVariant = "plain"
		if !c.tls && !c.noRequireSTARTTLS {
			// Should not be reachable, we don't announce AUTH=PLAIN without
			// TLS. Just in case.
			xuserErrorf("use starttls before authenticating")
		}
		defer c.xtraceread(mlog.LevelTraceauth)()
		buf := xreadInitial()
		c.xtraceread(mlog.LevelTrace) // Restore.
		plain := bytes.Split(buf, []byte{0})
		if len(plain) != 3 {
			xsyntaxErrorf("bad plain auth data, expected 3 nul-separated tokens, got %d tokens", len(plain))
		}
		authz := string(plain[0])
		authc := string(plain[1])
		password := string(plain[2])
		if authz != "" && authz != authc {
			xusercodeErrorf("AUTHORIZATIONFAILED", "cannot assume other role")
		}
		c.xlogin(authc, password)
	default:
		xuserErrorf("method not supported")
	}

	authResult = "ok"
	c.authFailed = 0
	c.setSlow(false)
	c.writeresultf("%s OK [CAPABILITY %s] authenticate done", tag, c.capabilities())
}

// LOGIN logs in with username and password.
//
// State: Not authenticated.
func (c *conn) cmdLogin(tag, cmd string, p *parser) {
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("imap", "login", authResult)
	}()

	// For many failed auth attempts, slow down verification attempts.
	if c.authFailed > 3 && authFailDelay > 0 {
		wren.Sleep(wren.Context, time.Duration(c.authFailed-3)*authFailDelay)
	}
	c.authFailed++ // Compensated on success.
	defer func() {
		if c.authFailed >= 3 {
			c.setSlow(true)
		}
	}()

	p.xspace()
	username := p.xastring()
	p.xspace()
	defer c.xtraceread(mlog.LevelTraceauth)()
	password := p.xastring()
	c.xtraceread(mlog.LevelTrace) // Restore.
	p.xempty()

	if !c.tls && !c.noRequireSTARTTLS {
		xusercodeErrorf("PRIVACYREQUIRED", "use starttls before login")
	}

	c.xlogin(username, password)

	authResult = "ok"
	c.authFailed = 0
	c.setSlow(false)
	c.writeresultf("%s OK [CAPABILITY %s] login done", tag, c.capabilities())
}

var dummyPasswordHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("wren-timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// xlogin verifies the credentials against the configured accounts and opens
// the account, moving the connection to the authenticated state.
func (c *conn) xlogin(username, password string) {
	username, err := precis.UsernameCaseMapped.String(username)
	if err != nil {
		xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
	}

	acc, ok := wren.Conf.Accounts[username]
	if !ok {
		// Compare against a dummy hash to keep the timing of unknown and
		// known usernames similar.
		err := bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
		if err == nil {
			err = errors.New("account does not exist")
		}
		c.log.Infox("failed authentication attempt", err, slog.String("username", username), slog.Any("remote", c.remoteIP))
		xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		c.log.Infox("failed authentication attempt", err, slog.String("username", username), slog.Any("remote", c.remoteIP))
		xusercodeErrorf("AUTHENTICATIONFAILED", "bad credentials")
	}

	account, err := store.OpenAccount(c.log, username)
	xcheckf(err, "open account")

	c.account = account
	c.username = username
	c.comm = store.RegisterComm(c.account)
	c.state = stateAuthenticated
	c.log.Info("login successful", slog.String("username", username), slog.Any("remote", c.remoteIP), slog.String("remotehostname", c.remoteHostname))
}

// Enable explicitly opts in to an extension. We support CONDSTORE and
// UTF8=ACCEPT.
//
// State: Authenticated and selected.
func (c *conn) cmdEnable(tag, cmd string, p *parser) {
	p.xspace()
	caps := []string{p.xatom()}
	for p.space() {
		caps = append(caps, p.xatom())
	}
	p.xempty()

	var enabled string
	for _, s := range caps {
		cap := capability(strings.ToUpper(s))
		switch cap {
		case capCondstore, capUTF8Accept:
			c.enabled[cap] = true
			enabled += " " + string(cap)
		}
	}

	c.bwritelinef("* ENABLED%s", enabled)
	c.ok(tag, cmd)
}

// State: Authenticated and selected.
func (c *conn) cmdSelect(tag, cmd string, p *parser) {
	c.cmdSelectExamine(true, tag, cmd, p)
}

// State: Authenticated and selected.
func (c *conn) cmdExamine(tag, cmd string, p *parser) {
	c.cmdSelectExamine(false, tag, cmd, p)
}

// SELECT and EXAMINE open a mailbox for reading messages: they load the
// session's uid list, the snapshot the sequence numbers of all untagged
// responses refer to. EXAMINE is readonly.
func (c *conn) cmdSelectExamine(isselect bool, tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	if p.space() {
		// CONDSTORE select parameter.
		p.xtake("(")
		p.xtake("CONDSTORE")
		p.xtake(")")
		c.enabled[capCondstore] = true
	}
	p.xempty()

	name, err := store.CheckMailboxName(name, true)
	if err != nil {
		xusercodeErrorf("CANNOT", "%s", err)
	}

	// Deselect before selecting another mailbox, so changes for the old
	// mailbox don't leak into the new view.
	c.unselect()

	var mb store.Mailbox
	var uids []store.UID
	var highestModSeq store.ModSeq
	c.xdbread(func(tx *bstore.Tx) {
		mb, err = c.account.MailboxFind(tx, name)
		if err == store.ErrUnknownMailbox {
			xusercodeErrorf("NONEXISTENT", "%w", store.ErrUnknownMailbox)
		}
		xcheckf(err, "finding mailbox")

		uids, err = c.account.MessageUIDs(tx, mb.ID)
		xcheckf(err, "listing uids")

		highestModSeq, err = c.account.HighestModSeq(tx)
		xcheckf(err, "highest modseq")
	})

	c.state = stateSelected
	c.mailboxID = mb.ID
	c.readonly = !isselect
	c.uids = uids
	c.modseq = highestModSeq

	// Changes that raced the snapshot may already be queued; fold them into
	// the view without writing responses.
	c.xapplyChanges(true)

	c.bwritelinef(`* FLAGS (\Seen \Answered \Flagged \Deleted \Draft)`)
	c.bwritelinef(`* OK [PERMANENTFLAGS (\Seen \Answered \Flagged \Deleted \Draft)] x`)
	c.bwritelinef(`* %d EXISTS`, len(c.uids))
	c.bwritelinef(`* OK [UIDVALIDITY %d] x`, mb.UIDValidity)
	c.bwritelinef(`* OK [UIDNEXT %d] x`, mb.UIDNext)
	c.bwritelinef(`* OK [HIGHESTMODSEQ %d] x`, c.modseq.Client())
	if isselect {
		c.writeresultf("%s OK [READ-WRITE] select done", tag)
	} else {
		c.writeresultf("%s OK [READ-ONLY] examine done", tag)
	}
}

// Create makes a new mailbox.
//
// State: Authenticated and selected.
func (c *conn) cmdCreate(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name = strings.TrimRight(name, "/")

	name, err := store.CheckMailboxName(name, false)
	if err != nil {
		xusercodeErrorf("CANNOT", "%s", err)
	}

	var changes []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			if _, err := c.account.MailboxFind(tx, name); err == nil {
				xusercodeErrorf("ALREADYEXISTS", "mailbox already exists")
			} else if !errors.Is(err, store.ErrUnknownMailbox) {
				xcheckf(err, "finding mailbox")
			}
			mb, err := c.account.MailboxCreate(tx, name)
			xcheckf(err, "creating mailbox")
			modseq, err := c.account.NextModSeq(tx)
			xcheckf(err, "assigning modseq")
			changes = []store.Change{store.ChangeAddMailbox{Mailbox: mb, ModSeq: modseq}}
		})
		c.broadcast(changes)
	})

	c.ok(tag, cmd)
}

// Delete removes a mailbox and its messages. Sessions that have the mailbox
// selected are disconnected through the broadcast.
//
// State: Authenticated and selected.
func (c *conn) cmdDelete(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xempty()

	name, err := store.CheckMailboxName(name, false)
	if err != nil {
		xusercodeErrorf("CANNOT", "%s", err)
	}

	var changes []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			mb, err := c.account.MailboxFind(tx, name)
			if err == store.ErrUnknownMailbox {
				xusercodeErrorf("NONEXISTENT", "%w", store.ErrUnknownMailbox)
			}
			xcheckf(err, "finding mailbox")
			if c.state == stateSelected && mb.ID == c.mailboxID {
				xuserErrorf("cannot delete selected mailbox")
			}

			q := bstore.QueryTx[store.Message](tx)
			q.FilterNonzero(store.Message{MailboxID: mb.ID})
			_, err = q.Delete()
			xcheckf(err, "removing messages")

			err = tx.Delete(&store.Mailbox{ID: mb.ID})
			xcheckf(err, "removing mailbox")

			modseq, err := c.account.NextModSeq(tx)
			xcheckf(err, "assigning modseq")
			changes = []store.Change{store.ChangeRemoveMailbox{MailboxID: mb.ID, Name: mb.Name, ModSeq: modseq}}
		})
		// All sessions must see the removal, also those that caused it in
		// another connection of the same account.
		store.BroadcastChanges(c.account, changes)
	})

	c.ok(tag, cmd)
}

// Status returns information about a mailbox, such as the number of messages
// and the highest modseq, without selecting it.
//
// State: Authenticated and selected.
func (c *conn) cmdStatus(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	p.xtake("(")
	attrs := []string{p.xstatusAtt()}
	for !p.take(")") {
		p.xspace()
		attrs = append(attrs, p.xstatusAtt())
	}
	p.xempty()

	name, err := store.CheckMailboxName(name, true)
	if err != nil {
		xusercodeErrorf("CANNOT", "%s", err)
	}

	var mb store.Mailbox
	var total, unseen int
	var highestModSeq store.ModSeq
	c.xdbread(func(tx *bstore.Tx) {
		mb, err = c.account.MailboxFind(tx, name)
		if err == store.ErrUnknownMailbox {
			xusercodeErrorf("NONEXISTENT", "%w", store.ErrUnknownMailbox)
		}
		xcheckf(err, "finding mailbox")
		total, unseen, err = c.account.MessageCounts(tx, mb.ID)
		xcheckf(err, "counting messages")
		highestModSeq, err = c.account.HighestModSeq(tx)
		xcheckf(err, "highest modseq")
	})

	var l listspace
	for _, a := range attrs {
		switch a {
		case "MESSAGES":
			l = append(l, bare("MESSAGES"), number(total))
		case "UIDNEXT":
			l = append(l, bare("UIDNEXT"), number(mb.UIDNext))
		case "UIDVALIDITY":
			l = append(l, bare("UIDVALIDITY"), number(mb.UIDValidity))
		case "UNSEEN":
			l = append(l, bare("UNSEEN"), number(unseen))
		case "HIGHESTMODSEQ":
			l = append(l, bare("HIGHESTMODSEQ"), bare(fmt.Sprintf("%d", highestModSeq.Client())))
		default:
			xsyntaxErrorf("unknown status attribute %q", a)
		}
	}
	c.bwritelinef("* STATUS %s %s", mailboxt(mb.Name).pack(c), l.pack(c))
	c.ok(tag, cmd)
}

// Append delivers a message to a mailbox. The message is transferred as a
// literal, exercising the synchronizing and non-synchronizing literal paths.
//
// State: Authenticated and selected.
func (c *conn) cmdAppend(tag, cmd string, p *parser) {
	p.xspace()
	name := p.xmailbox()
	p.xspace()
	var storeFlags store.Flags
	var keywords []string
	if p.hasPrefix("(") {
		// Error must be a syntax error, to properly abort the connection due
		// to a non-synchronizing literal.
		var err error
		storeFlags, keywords, err = flagsFromList(p.xflagList())
		if err != nil {
			xsyntaxErrorf("parsing flags: %v", err)
		}
		p.xspace()
	}
	if p.hasPrefix(`"`) {
		// Internal date, parsed and skipped: the message gets the time of
		// delivery as received time.
		p.xstring()
		p.xspace()
	}
	size, sync := p.xliteralSize(int64(wren.Conf.MaxLiteralSize))

	name, err := store.CheckMailboxName(name, true)
	if err != nil {
		// We need to read the literal before we can respond, the client will
		// send it regardless for a non-synchronizing literal.
		c.xreadliteral(size, sync)
		c.readline(false)
		xusercodeErrorf("CANNOT", "%s", err)
	}

	content := c.xreadliteral(size, sync)
	line := c.readline(false)
	p = newParser(line, c)
	p.xempty()

	var mb store.Mailbox
	var change store.ChangeAddUID
	var pendingChanges []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			mb, err = c.account.MailboxFind(tx, name)
			if err == store.ErrUnknownMailbox {
				xusercodeErrorf("TRYCREATE", "%w", store.ErrUnknownMailbox)
			}
			xcheckf(err, "finding mailbox")

			m := store.Message{
				Flags:    storeFlags,
				Keywords: keywords,
				Content:  []byte(content),
			}
			change, err = c.account.MessageAdd(tx, &mb, &m)
			xcheckf(err, "delivering message")
		})

		// Drain changes broadcast before ours while still holding the lock:
		// they can hold uids that must enter the session view before the one
		// we just assigned.
		pendingChanges = c.comm.Get()

		c.broadcast([]store.Change{change})
	})

	// If we have the mailbox selected, we need to update the uid list
	// ourselves: our own broadcasts are not echoed back to us.
	c.pending = append(c.pending, pendingChanges...)
	if c.state == stateSelected && c.mailboxID == mb.ID {
		c.xapplyChanges(false)
		c.uidAppend(change.UID)
		c.bwritelinef("* %d EXISTS", len(c.uids))
	}

	c.writeresultf("%s OK [APPENDUID %d %d] append done", tag, mb.UIDValidity, change.UID)
}

// Idle makes a client wait until the server sends it an update, e.g. for
// newly delivered messages. Ends when the client sends DONE.
//
// State: Authenticated and selected.
func (c *conn) cmdIdle(tag, cmd string, p *parser) {
	p.xempty()

	c.writelinef("+ idling")

	c.idling = true
	defer func() {
		c.idling = false
	}()

	// Flush updates that were queued before IDLE started.
	c.xapplyChanges(false)
	c.xflush()

	var line string
wait:
	for {
		select {
		case le := <-c.lineChan():
			c.line = nil
			if le.err != nil {
				panic(le.err)
			}
			line = le.line
			break wait
		case <-c.comm.Pending:
			c.xapplyChanges(false)
			c.xflush()
		case <-wren.Shutdown.Done():
			c.writelinef("* BYE shutting down")
			panic(errIO)
		}
	}

	// Reset the write deadline. In case of little activity we may have
	// passed it while idling.
	err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	c.log.Check(err, "setting write deadline")

	if strings.ToUpper(line) != "DONE" {
		// We just close the connection because our protocols are out of sync.
		panic(fmt.Errorf("%w: in IDLE, expected DONE", errIO))
	}

	c.ok(tag, cmd)
}

// Close undoes select/examine, closing the currently opened mailbox and
// removing messages that were marked for deletion with the \Deleted flag.
//
// State: Selected
func (c *conn) cmdClose(tag, cmd string, p *parser) {
	p.xempty()

	if c.readonly {
		c.unselect()
		c.ok(tag, cmd)
		return
	}

	c.xexpungeDeleted(false)
	c.unselect()
	c.ok(tag, cmd)
}

// Unselect, like CLOSE, but does not remove messages marked for deletion.
//
// State: Selected
func (c *conn) cmdUnselect(tag, cmd string, p *parser) {
	p.xempty()

	c.unselect()
	c.ok(tag, cmd)
}

// Expunge removes messages marked for deletion, sending an untagged EXPUNGE
// for each.
//
// State: Selected
func (c *conn) cmdExpunge(tag, cmd string, p *parser) {
	p.xempty()

	if c.readonly {
		xuserErrorf("mailbox opened readonly")
	}

	c.xexpungeDeleted(true)
	c.ok(tag, cmd)
}

// UID expunge is like expunge, but only removes messages matching the uid
// set.
//
// State: Selected
func (c *conn) cmdUIDExpunge(tag, cmd string, p *parser) {
	p.xspace()
	uidSet := p.xnumSet()
	p.xempty()

	if c.readonly {
		xuserErrorf("mailbox opened readonly")
	}

	uids := c.xnumSetUIDs(true, uidSet)
	allowed := map[store.UID]bool{}
	for _, uid := range uids {
		allowed[uid] = true
	}
	c.xexpunge(true, func(uid store.UID) bool { return allowed[uid] })
	c.ok(tag, cmd)
}

// xexpungeDeleted removes the messages in the selected mailbox that are
// flagged \Deleted, writing untagged EXPUNGE responses if report is set.
func (c *conn) xexpungeDeleted(report bool) {
	c.xexpunge(report, func(store.UID) bool { return true })
}

func (c *conn) xexpunge(report bool, match func(store.UID) bool) {
	var change store.ChangeRemoveUIDs
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			var uids []store.UID
			q := bstore.QueryTx[store.Message](tx)
			q.FilterNonzero(store.Message{MailboxID: c.mailboxID})
			err := q.ForEach(func(m store.Message) error {
				// Only remove messages marked for deletion that this session
				// knows about, and that match the optional uid set.
				if m.Flags.Deleted && c.sequence(m.UID) > 0 && match(m.UID) {
					uids = append(uids, m.UID)
				}
				return nil
			})
			xcheckf(err, "listing messages marked for deletion")
			if len(uids) == 0 {
				return
			}
			sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
			change, err = c.account.MessageExpunge(tx, c.mailboxID, uids)
			xcheckf(err, "expunging messages")
			change.Ignore = c.sessionID
		})
		if len(change.UIDs) > 0 {
			c.broadcast([]store.Change{change})
		}
	})

	// Remove from our own view, reporting each removal. Highest sequence
	// numbers first, so the earlier responses don't shift the later ones.
	for i := len(change.UIDs) - 1; i >= 0; i-- {
		uid := change.UIDs[i]
		seq := c.xsequence(uid)
		c.sequenceRemove(seq, uid)
		if report {
			c.bwritelinef("* %d EXPUNGE", seq)
		}
	}
	if change.ModSeq > c.modseq {
		c.modseq = change.ModSeq
	}
}

// Store sets/adds/removes flags for messages, by sequence numbers or, for
// the UID variant, by uids.
//
// State: Selected
func (c *conn) cmdStore(tag, cmd string, p *parser) {
	c.cmdXstore(false, tag, cmd, p)
}

// State: Selected
func (c *conn) cmdUIDStore(tag, cmd string, p *parser) {
	c.cmdXstore(true, tag, cmd, p)
}

func (c *conn) cmdXstore(isUID bool, tag, cmd string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	plus, minus, silent := p.xstoreAction()
	p.xspace()
	var flagList []string
	if p.hasPrefix("(") {
		flagList = p.xflagList()
	} else {
		flagList = append(flagList, p.xflag())
		for p.space() {
			flagList = append(flagList, p.xflag())
		}
	}
	p.xempty()

	if c.readonly {
		xuserErrorf("mailbox opened readonly")
	}

	mask, flags, keywords, err := storeFlagsFromList(flagList)
	if err != nil {
		xsyntaxErrorf("parsing flags: %v", err)
	}

	uids := c.xnumSetUIDs(isUID, nums)

	var updated []store.Message
	var changes []store.Change
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			for _, uid := range uids {
				q := bstore.QueryTx[store.Message](tx)
				q.FilterNonzero(store.Message{MailboxID: c.mailboxID, UID: uid})
				m, err := q.Get()
				if err == bstore.ErrAbsent {
					// Expunged by another session after our snapshot; skip,
					// the expunge will reach us through the switchboard.
					continue
				}
				xcheckf(err, "get message")

				if plus {
					m.Flags = m.Flags.Set(mask, flags)
					m.Keywords = addKeywords(m.Keywords, keywords)
				} else if minus {
					m.Flags = m.Flags.Clear(mask)
					m.Keywords = removeKeywords(m.Keywords, keywords)
				} else {
					m.Flags = flags
					m.Keywords = keywords
				}

				modseq, err := c.account.NextModSeq(tx)
				xcheckf(err, "assigning modseq")
				m.ModSeq = modseq
				err = tx.Update(&m)
				xcheckf(err, "updating message")

				updated = append(updated, m)
				changes = append(changes, store.ChangeFlags{
					MailboxID: c.mailboxID,
					UID:       m.UID,
					ModSeq:    modseq,
					Mask:      mask,
					Flags:     m.Flags,
					Keywords:  m.Keywords,
					Ignore:    c.sessionID,
				})
			}
		})
		c.broadcast(changes)
	})

	for _, m := range updated {
		if silent {
			continue
		}
		seq := c.xsequence(m.UID)
		var modseqStr string
		if c.enabled[capCondstore] {
			modseqStr = fmt.Sprintf(" MODSEQ (%d)", m.ModSeq.Client())
		}
		c.bwritelinef("* %d FETCH (UID %d FLAGS %s%s)", seq, m.UID, flaglist(m.Flags, m.Keywords).pack(c), modseqStr)
		if m.ModSeq > c.modseq {
			c.modseq = m.ModSeq
		}
	}

	c.ok(tag, cmd)
}

// flagsFromList parses system flags and keywords from a flag list.
func flagsFromList(l []string) (store.Flags, []string, error) {
	_, flags, keywords, err := storeFlagsFromList(l)
	return flags, keywords, err
}

func storeFlagsFromList(l []string) (mask, flags store.Flags, keywords []string, rerr error) {
	seen := map[string]bool{}
	for _, f := range l {
		switch strings.ToLower(f) {
		case `\seen`:
			mask.Seen, flags.Seen = true, true
		case `\answered`:
			mask.Answered, flags.Answered = true, true
		case `\flagged`:
			mask.Flagged, flags.Flagged = true, true
		case `\deleted`:
			mask.Deleted, flags.Deleted = true, true
		case `\draft`:
			mask.Draft, flags.Draft = true, true
		default:
			kw := strings.ToLower(f)
			if !seen[kw] {
				keywords = append(keywords, kw)
				seen[kw] = true
			}
		}
	}
	return
}

func addKeywords(l, add []string) []string {
	for _, kw := range add {
		var have bool
		for _, x := range l {
			if x == kw {
				have = true
				break
			}
		}
		if !have {
			l = append(l, kw)
		}
	}
	sort.Strings(l)
	return l
}

func removeKeywords(l, remove []string) []string {
	var r []string
next:
	for _, x := range l {
		for _, kw := range remove {
			if x == kw {
				continue next
			}
		}
		r = append(r, x)
	}
	return r
}
