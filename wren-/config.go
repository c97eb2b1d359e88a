package wren

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/wrenmail/wren/config"
	"github.com/wrenmail/wren/mlog"
)

// ConfigStaticPath is the path to the config file, set from the -config flag.
var ConfigStaticPath = "wren.conf"

// Conf is the parsed configuration, set by LoadConfig before servers start.
var Conf config.Static

// DataDirPath returns the path for a file within the data directory,
// resolving a relative DataDir against the config file directory.
func DataDirPath(elems ...string) string {
	dir := Conf.DataDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(ConfigStaticPath), dir)
	}
	return filepath.Join(append([]string{dir}, elems...)...)
}

// LoadConfig parses the config file at ConfigStaticPath into Conf, prepares
// derived fields (TLS configs, timeouts) and configures logging.
func LoadConfig() error {
	var static config.Static
	f, err := os.Open(ConfigStaticPath)
	if err != nil {
		return fmt.Errorf("open config file: %v", err)
	}
	defer f.Close()
	if err := sconf.Parse(f, &static); err != nil {
		return fmt.Errorf("parsing %s: %v", ConfigStaticPath, err)
	}
	if err := PrepareStaticConfig(&static); err != nil {
		return err
	}
	Conf = static

	logLevels := map[string]slog.Level{}
	if static.LogLevel != "" {
		level, ok := mlog.Levels[static.LogLevel]
		if !ok {
			return fmt.Errorf("unknown log level %q", static.LogLevel)
		}
		logLevels[""] = level
	}
	for pkg, s := range static.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		logLevels[pkg] = level
	}
	mlog.SetConfig(logLevels)
	return nil
}

// PrepareStaticConfig checks the config and fills in derived fields. Called by
// LoadConfig before the configuration is applied.
func PrepareStaticConfig(static *config.Static) error {
	if static.Hostname == "" {
		return fmt.Errorf("hostname must be set")
	}
	if static.MaxLineSize == 0 {
		static.MaxLineSize = 100 * 1024
	}
	if static.MaxLiteralSize == 0 {
		static.MaxLiteralSize = 100 * 1024
	}
	static.SocketTimeout = 30 * time.Minute
	if static.SocketTimeoutDuration != "" {
		d, err := time.ParseDuration(static.SocketTimeoutDuration)
		if err != nil {
			return fmt.Errorf("parsing socket timeout %q: %v", static.SocketTimeoutDuration, err)
		}
		if d <= 0 {
			return fmt.Errorf("socket timeout must be positive")
		}
		static.SocketTimeout = d
	}
	for username, acc := range static.Accounts {
		if !strings.HasPrefix(acc.PasswordHash, "$2") {
			return fmt.Errorf("account %q: password hash is not a bcrypt hash, use the hashpassword subcommand", username)
		}
	}
	for name, l := range static.Listeners {
		if l.TLS != nil {
			tlsconfig, err := makeTLSConfig(l.TLS)
			if err != nil {
				return fmt.Errorf("listener %q: %v", name, err)
			}
			l.TLS.Config = tlsconfig
		} else if l.IMAPS.Enabled {
			return fmt.Errorf("listener %q: imaps requires tls", name)
		}
		static.Listeners[name] = l
	}
	return nil
}

func makeTLSConfig(t *config.TLS) (*tls.Config, error) {
	if len(t.KeyCerts) == 0 {
		return nil, fmt.Errorf("tls configured without keycerts")
	}
	var certs []tls.Certificate
	for _, kc := range t.KeyCerts {
		cert, err := tls.LoadX509KeyPair(kc.CertFile, kc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading keycert: %v", err)
		}
		certs = append(certs, cert)
	}
	minVersion := uint16(tls.VersionTLS12)
	switch strings.ToLower(t.MinVersion) {
	case "":
	case "tlsv1.2":
		minVersion = tls.VersionTLS12
	case "tlsv1.3":
		minVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unknown tls min version %q", t.MinVersion)
	}
	return &tls.Config{
		Certificates: certs,
		MinVersion:   minVersion,
	}, nil
}
