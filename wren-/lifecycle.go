// Package wren has process-wide state and utilities shared between the
// subcommands and the servers: configuration, lifecycle contexts, the
// registry of active connections.
package wren

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/wrenmail/wren/mlog"
)

// Shutdown is canceled when a graceful shutdown is initiated. Servers should
// check this before starting a new operation. If canceled, new
// connections/commands receive a message that the service is currently not
// available.
var Shutdown context.Context
var ShutdownCancel func()

// Context is used as parent by most operations. It is canceled when
// connections are still open 3 seconds after graceful shutdown was initiated,
// aborting active operations.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// Listen returns a newly created network listener.
func Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

// Network returns the network for the IP address: "tcp4" or "tcp6".
func Network(ip string) string {
	if net.ParseIP(ip).To4() != nil {
		return "tcp4"
	}
	return "tcp6"
}

// Connections holds all active protocol sockets. Those still open 3 seconds
// after shutdown was initiated are given an immediate deadline, after which
// connections get one more second for error handling.
var Connections = &connections{
	conns: map[net.Conn]string{},
	gauge: map[string]int{},
}

type connections struct {
	sync.Mutex
	conns map[net.Conn]string
	dones []chan struct{}
	gauge map[string]int // Open connections per protocol.
}

// Register adds a connection for the protocol (e.g. "imap", "imaps").
func (c *connections) Register(nc net.Conn, protocol string) {
	c.Lock()
	defer c.Unlock()
	c.conns[nc] = protocol
	c.gauge[protocol]++
}

// Unregister removes a connection. If no connections are left, anyone waiting
// on Done is notified.
func (c *connections) Unregister(nc net.Conn) {
	c.Lock()
	defer c.Unlock()
	protocol, ok := c.conns[nc]
	if !ok {
		return
	}
	delete(c.conns, nc)
	c.gauge[protocol]--
	if len(c.conns) > 0 {
		return
	}
	for _, done := range c.dones {
		done <- struct{}{}
	}
	c.dones = nil
}

// Count returns the number of open connections for a protocol.
func (c *connections) Count(protocol string) int {
	c.Lock()
	defer c.Unlock()
	return c.gauge[protocol]
}

// Done returns a new channel that receives when the last connection is gone.
func (c *connections) Done() chan struct{} {
	c.Lock()
	defer c.Unlock()
	done := make(chan struct{}, 1)
	if len(c.conns) == 0 {
		done <- struct{}{}
		return done
	}
	c.dones = append(c.dones, done)
	return done
}

// Shutdown sets an immediate deadline on all open connections. Blocked reads
// and writes will return an error. Connections get a second to finish their
// error handling before the process exits.
func (c *connections) Shutdown() {
	now := time.Now()
	c.Lock()
	defer c.Unlock()
	log := mlog.New("wren", nil)
	for nc := range c.conns {
		err := nc.SetDeadline(now)
		log.Check(err, "setting immediate deadline for shutdown")
	}
}
