// Command wren is an IMAP4rev1 server: it serves mailboxes over IMAP with
// CONDSTORE, IDLE, COMPRESS=DEFLATE and STARTTLS, for accounts from its
// configuration file.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sconf"

	"github.com/wrenmail/wren/config"
	"github.com/wrenmail/wren/wren-"
)

var commands []struct {
	cmd string
	fn  func(args []string)
}

func init() {
	commands = []struct {
		cmd string
		fn  func(args []string)
	}{
		{"serve", cmdServe},
		{"config test", cmdConfigTest},
		{"config describe", cmdConfigDescribe},
		{"hashpassword", cmdHashpassword},
		{"version", cmdVersion},
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "\twren [-config wren.conf] %s\n", c.cmd)
	}
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.StringVar(&wren.ConfigStaticPath, "config", "wren.conf", "path to configuration file")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	for _, c := range commands {
		words := strings.Split(c.cmd, " ")
		if len(args) < len(words) {
			continue
		}
		match := true
		for i, w := range words {
			if args[i] != w {
				match = false
				break
			}
		}
		if match {
			c.fn(args[len(words):])
			return
		}
	}
	usage()
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", fmt.Sprintf(format, args...), err)
		os.Exit(1)
	}
}

// cmdConfigTest parses and checks the configuration, printing errors.
func cmdConfigTest(args []string) {
	if len(args) != 0 {
		usage()
	}
	err := wren.LoadConfig()
	xcheckf(err, "config test")
	fmt.Println("config OK")
}

// cmdConfigDescribe prints an annotated example configuration file.
func cmdConfigDescribe(args []string) {
	if len(args) != 0 {
		usage()
	}
	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

// cmdHashpassword reads a password from stdin and prints its bcrypt hash,
// for use in the Accounts section of the configuration file.
func cmdHashpassword(args []string) {
	if len(args) != 0 {
		usage()
	}
	fmt.Fprintf(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	xcheckf(err, "reading password")
	pw := strings.TrimRight(line, "\r\n")
	if len(pw) < 8 {
		fmt.Fprintln(os.Stderr, "warning: short password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "hashing password")
	fmt.Println(string(hash))
}

func cmdVersion(args []string) {
	if len(args) != 0 {
		usage()
	}
	fmt.Println(wren.Version)
}
