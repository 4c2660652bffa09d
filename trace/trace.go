// Package trace provides a decorator for io.ReadWriter that logs all reads
// and writes crossing it. It is independent of, and lower-level than, the
// at package's own structured log sink: this logs raw bytes on the wire,
// the channel logs engine-level events.
package trace

import (
	"io"
	"log"
	"os"
)

// Trace is a trace log on an io.ReadWriter.
// All reads and writes are written to the logger.
type Trace struct {
	rw   io.ReadWriter
	l    *log.Logger
	wfmt string
	rfmt string
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// WithLogger sets the logger traced reads and writes are printed to. The
// default is a logger to stderr with no prefix or flags.
func WithLogger(l *log.Logger) Option {
	return func(t *Trace) { t.l = l }
}

// WithReadFormat sets the Printf format used for read logs. The default is
// "r: %s".
func WithReadFormat(format string) Option {
	return func(t *Trace) { t.rfmt = format }
}

// WithWriteFormat sets the Printf format used for write logs. The default
// is "w: %s".
func WithWriteFormat(format string) Option {
	return func(t *Trace) { t.wfmt = format }
}

// New creates a new trace on the io.ReadWriter.
func New(rw io.ReadWriter, opts ...Option) *Trace {
	t := &Trace{
		rw:   rw,
		l:    log.New(os.Stderr, "", 0),
		wfmt: "w: %s",
		rfmt: "r: %s",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.l.Printf(t.rfmt, p[:n])
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.l.Printf(t.wfmt, p[:n])
	}
	return n, err
}
