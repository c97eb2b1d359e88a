// Package wrenio has common i/o types for the protocol servers: pooled line
// reading, protocol tracing, panic-safe deflate writing.
package wrenio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wrenmail/wren/mlog"
)

// ErrLineTooLong is returned by Bufpool.Readline for lines without a newline
// within the buffer size. The protocol stream cannot be resynchronized after
// this, connections should be aborted.
var ErrLineTooLong = errors.New("line from remote too long")

// Bufpool caches byte slices for reuse during reading of line-terminated commands.
type Bufpool struct {
	c    chan []byte
	size int
}

// NewBufpool makes a new pool, initially empty, holding at most "max" buffers
// of "size" bytes each. The buffer size is the maximum line length that can be
// read.
func NewBufpool(max, size int) *Bufpool {
	return &Bufpool{
		c:    make(chan []byte, max),
		size: size,
	}
}

func (b *Bufpool) get() []byte {
	select {
	case buf := <-b.c:
		return buf
	default:
		return make([]byte, b.size)
	}
}

// put returns buf to the pool, clearing the first n read bytes. If the pool is
// full the buffer is left for the garbage collector.
func (b *Bufpool) put(log mlog.Log, buf []byte, n int) {
	if len(buf) != b.size {
		log.Error("buffer with bad size returned, ignoring", slog.Int("badsize", len(buf)), slog.Int("expsize", b.size))
		return
	}
	for i := range n {
		buf[i] = 0
	}
	select {
	case b.c <- buf:
	default:
	}
}

// Readline reads a \n- or \r\n-terminated line, returned without the line
// ending. If the buffer fills up before a newline was seen, ErrLineTooLong is
// returned. An EOF before any newline returns io.ErrUnexpectedEOF.
func (b *Bufpool) Readline(log mlog.Log, r *bufio.Reader) (line string, rerr error) {
	var nread int
	buf := b.get()
	defer func() {
		b.put(log, buf, nread)
	}()

	// Read until newline. If we reach the end of the buffer first, we write back an
	// error and abort the connection: we don't want to consume data until we finally
	// see a newline, which may be never.
	for {
		if nread >= len(buf) {
			return "", fmt.Errorf("%w: no newline after all %d bytes", ErrLineTooLong, nread)
		}
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c == '\n' {
			var s string
			if nread > 0 && buf[nread-1] == '\r' {
				s = string(buf[:nread-1])
			} else {
				s = string(buf[:nread])
			}
			nread++
			return s, nil
		}
		buf[nread] = c
		nread++
	}
}
