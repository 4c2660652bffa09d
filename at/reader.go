package at

import (
	"errors"
	"io"
	"syscall"
)

// lineBuffer accumulates bytes read from the modem and splits them into
// logical lines at CR/LF boundaries, or at the unterminated "> " SMS
// prompt. Bytes in [0, cur) are already-returned, bytes in [cur, end) are
// unconsumed, and a full buffer with no terminator in sight is discarded
// rather than grown, to bound memory use against a runaway or wedged
// device.
type lineBuffer struct {
	buf [lineBufferSize]byte
	cur int
	end int
}

// reset discards all buffered bytes.
func (b *lineBuffer) reset() {
	b.cur, b.end = 0, 0
}

// skipLeadingTerminators advances cur past any CR/LF left over from the
// previous line.
func (b *lineBuffer) skipLeadingTerminators() {
	for b.cur < b.end && (b.buf[b.cur] == '\r' || b.buf[b.cur] == '\n') {
		b.cur++
	}
}

// findEOL returns the index just past the next logical line and whether
// that line is the unterminated "> " SMS prompt, or -1 if no complete
// line is buffered yet. The prompt is recognised as a complete line only
// when it is the entire unconsumed remainder of the buffer — the modem
// does not terminate it with CR/LF.
func (b *lineBuffer) findEOL() (int, bool) {
	if b.end-b.cur == 2 && b.buf[b.cur] == '>' && b.buf[b.cur+1] == ' ' {
		return b.end, true
	}
	for i := b.cur; i < b.end; i++ {
		if b.buf[i] == '\r' || b.buf[i] == '\n' {
			return i, false
		}
	}
	return -1, false
}

// compact moves the unconsumed remainder to the start of the buffer,
// making room to read more without losing a partial line.
func (b *lineBuffer) compact() {
	n := copy(b.buf[:], b.buf[b.cur:b.end])
	b.cur = 0
	b.end = n
}

// full reports whether there is no room left to read more bytes.
func (b *lineBuffer) full() bool {
	return b.end == len(b.buf)
}

// lineReader pulls logical lines out of an io.Reader using a lineBuffer.
// A line returned by readLine is valid only until the next call to
// readLine; callers that must retain it across subsequent reads (the
// SMS two-line pairing in the reader goroutine) copy it first.
type lineReader struct {
	r   io.Reader
	buf lineBuffer
	log LogFunc
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: r}
}

// readLine returns the next logical line, with its CR/LF (if any)
// stripped. It returns io.EOF (or the underlying read error) once the
// underlying reader is exhausted or fails in a non-retryable way.
func (lr *lineReader) readLine() (string, error) {
	b := &lr.buf
	if b.cur == b.end {
		b.reset()
	} else {
		b.skipLeadingTerminators()
	}
	eol, isPrompt := b.findEOL()
	if eol < 0 && b.cur < b.end {
		b.compact()
		eol, isPrompt = b.findEOL()
	}
	for eol < 0 {
		if b.full() {
			lr.logf(LogWarn, "at: input line exceeded %d byte buffer, discarding", len(b.buf))
			b.reset()
		}
		n, err := lr.readRetry(b.buf[b.end:])
		if n > 0 {
			b.end += n
			b.skipLeadingTerminators()
			eol, isPrompt = b.findEOL()
		}
		if err != nil && n == 0 {
			return "", err
		}
		// n == 0, err == nil is a legal no-op per the io.Reader
		// contract; the loop simply reads again. n > 0 with a
		// non-nil err surfaces whatever line completed, with the
		// error returned on the next call.
	}
	line := string(b.buf[b.cur:eol])
	if isPrompt {
		b.cur = eol
	} else {
		b.cur = eol + 1
	}
	return line, nil
}

// readRetry reads once, retrying across the transient interrupted-system-
// call condition, the only retryable read error.
func (lr *lineReader) readRetry(p []byte) (int, error) {
	for {
		n, err := lr.r.Read(p)
		if err != nil && errors.Is(err, syscall.EINTR) {
			continue
		}
		return n, err
	}
}

func (lr *lineReader) logf(level int, format string, args ...interface{}) {
	if lr.log != nil {
		lr.log(level, format, args...)
	}
}
