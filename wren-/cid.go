package wren

import (
	"crypto/rand"
	"encoding/base64"
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id for logging connections/sessions/operations.
func Cid() int64 {
	return cid.Add(1)
}

// SessionID returns a new random session id for a connection: 9 random bytes,
// base64-encoded. It identifies a session to other components, e.g. for
// suppressing echoes of a session's own changes.
func SessionID() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // Does not happen.
	}
	return base64.StdEncoding.EncodeToString(buf)
}
