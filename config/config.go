// Package config holds the configuration file format.
package config

import (
	"crypto/tls"
	"time"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed form of the wren.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: accounts with their mailboxes and messages. If this is a relative path, it is relative to the directory of wren.conf."`
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, warn, info, debug, trace, traceauth, tracedata. Trace logs IMAP protocol transcripts, with traceauth also lines with passwords, and tracedata on top of that also full data transfers (message contents). Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. imapserver, store, dns."`
	Hostname         string            `sconf-doc:"Full hostname of the system, announced in the IMAP greeting, e.g. mail.example.org."`

	SocketTimeout  time.Duration `sconf:"-" json:"-"` // Parsed form of SocketTimeoutDuration.
	MaxLineSize    int           `sconf:"optional" sconf-doc:"Maximum length in bytes of a protocol line, including a trailing literal introducer. Default 102400."`
	MaxLiteralSize int           `sconf:"optional" sconf-doc:"Maximum size in bytes of a single IMAP literal, e.g. a message being appended. Default 102400."`

	SocketTimeoutDuration string `sconf:"optional" sconf-doc:"Close a connection when no client command has arrived for this long, e.g. 30m or 1h. IDLE suspends the timeout. Default 30m."`

	Listeners map[string]Listener `sconf-doc:"Listeners are groups of IP addresses with services enabled on them."`
	Accounts  map[string]Account  `sconf-doc:"Accounts that can log in, keyed by username."`
}

// Listener is a group of IP addresses and services enabled on them.
type Listener struct {
	IPs []string `sconf-doc:"Use 0.0.0.0 to listen on all IPv4, and :: for all IPv6."`

	TLS *TLS `sconf:"optional" sconf-doc:"For serving IMAPS and STARTTLS."`

	IMAP struct {
		Enabled           bool
		Port              int  `sconf:"optional" sconf-doc:"Default 143."`
		NoRequireSTARTTLS bool `sconf:"optional" sconf-doc:"Allow plain text authentication without STARTTLS. Not recommended."`
	} `sconf:"optional"`

	IMAPS struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 993."`
	} `sconf:"optional"`
}

// TLS configuration for a listener.
type TLS struct {
	KeyCerts []struct {
		CertFile string `sconf-doc:"Certificate including intermediate CA certificates, in PEM format."`
		KeyFile  string `sconf-doc:"Private key for certificate, in PEM format."`
	} `sconf-doc:"Certificates and keys."`
	MinVersion string `sconf:"optional" sconf-doc:"Minimum TLS version. Default: TLSv1.2."`

	Config *tls.Config `sconf:"-" json:"-"` // Parsed form.
}

// Account is a user that can authenticate and owns mailboxes.
type Account struct {
	PasswordHash string `sconf-doc:"Bcrypt hash of the password, as generated by the hashpassword subcommand."`
}
