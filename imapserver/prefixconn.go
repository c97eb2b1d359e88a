package imapserver

import (
	"net"
)

// prefixConn is a net.Conn with a buffer from which the first reads are
// satisfied. Used for STARTTLS and COMPRESS, where client bytes may already
// have been read into our bufio reader before the stream is swapped.
type prefixConn struct {
	prefix []byte
	net.Conn
}

func (c *prefixConn) Read(buf []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := min(len(buf), len(c.prefix))
		copy(buf[:n], c.prefix[:n])
		c.prefix = c.prefix[n:]
		if len(c.prefix) == 0 {
			c.prefix = nil
		}
		return n, nil
	}
	return c.Conn.Read(buf)
}
