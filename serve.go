package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/wrenmail/wren/imapserver"
	"github.com/wrenmail/wren/mlog"
	"github.com/wrenmail/wren/store"
	"github.com/wrenmail/wren/wren-"
)

// cmdServe starts the IMAP listeners and runs until a SIGTERM/SIGINT
// initiates a graceful shutdown.
func cmdServe(args []string) {
	if len(args) != 0 {
		usage()
	}

	log := mlog.New("serve", nil)

	err := wren.LoadConfig()
	xcheckf(err, "loading config")

	if err := os.MkdirAll(wren.DataDirPath(), 0770); err != nil {
		xcheckf(err, "creating data directory")
	}

	log.Print("starting up", slog.String("version", wren.Version), slog.String("hostname", wren.Conf.Hostname))

	stopSwitchboard := store.Switchboard()
	imapserver.Listen()
	imapserver.Serve()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigc
	log.Print("shutting down, waiting for connections to close", slog.Any("signal", fmt.Sprintf("%v", sig)))
	shutdown(log)
	stopSwitchboard()
}

// shutdown marks the process as shutting down, so new connections are
// rejected, and waits for existing connections to drain, with a timeout.
func shutdown(log mlog.Log) {
	// Signal shutdown. Connections in IDLE notice through the context, others
	// when their next command arrives; new connections get a BYE.
	wren.ShutdownCancel()

	done := wren.Connections.Done()
	select {
	case <-done:
		log.Print("connections shutdown, waiting until 1 second passed")
		<-time.After(time.Second)

	case <-time.After(3 * time.Second):
		// Cancel pending operations and set an immediate deadline on
		// sockets. Should get us a clean shutdown relatively quickly.
		wren.ContextCancel()
		wren.Connections.Shutdown()

		second := time.After(time.Second)
		select {
		case <-done:
			log.Print("no more connections, shutdown is clean, waiting until 1 second passed")
			<-second
		case <-second:
			log.Print("shutting down with pending sockets")
		}
	}
}
