package at

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

// goroutineID returns the id of the calling goroutine, parsed out of the
// runtime's own debug stack dump. Go deliberately exposes no public
// goroutine-identity API; this is the standard workaround reached for
// when a reentrancy guard genuinely needs to compare "this goroutine"
// against "that goroutine" rather than coordinate through a channel or
// mutex.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// recordReaderGoroutine stashes the reader goroutine's id, captured from
// within that goroutine itself.
func (c *Channel) recordReaderGoroutine() {
	atomic.StoreUint64(&c.readerGID, goroutineID())
}

// isReaderGoroutine reports whether the calling goroutine is the reader
// goroutine for this channel.
func (c *Channel) isReaderGoroutine() bool {
	return goroutineID() == atomic.LoadUint64(&c.readerGID)
}
