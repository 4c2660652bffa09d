// Package at provides a low level driver for AT modems.
//
// It multiplexes a single full-duplex byte stream between a foreground
// command issuer, which sends AT commands and synchronously awaits their
// responses, and the asynchronous unsolicited responses a modem emits at
// any time. It also drives the two-step SMS submission sub-protocol.
package at

import (
	"context"
	"io"
	"sync"
	"time"
)

// Log verbosity levels for the channel's log sink.
const (
	LogError = iota
	LogWarn
	LogDebug
)

// LogFunc is the channel's structured log sink. It is a plain function
// value, not an interface — the log sink is stateless from the channel's
// perspective, like the four callbacks it sits alongside.
type LogFunc func(level int, format string, args ...interface{})

// UnsolicitedFunc handles a line the modem sent that was not a reply to any
// outstanding command. It is invoked on the reader goroutine and must not
// call back into the channel.
type UnsolicitedFunc func(c *Channel, line string)

// SMSUnsolicitedFunc handles a two-line unsolicited SMS notification (eg.
// "+CMT:", "+CDS:", "+CBM:") together with its trailing PDU/data line. It is
// invoked on the reader goroutine and must not call back into the channel.
type SMSUnsolicitedFunc func(c *Channel, line, pdu string)

// TimeoutFunc is invoked on the command goroutine when a command times out.
type TimeoutFunc func(c *Channel)

// CloseFunc is invoked on the reader goroutine, exactly once, when the
// channel closes because the reader observed end of stream or an
// unrecoverable read error. It is not invoked for a caller-initiated
// Detach/Close.
type CloseFunc func(c *Channel)

const (
	defaultHandshakeCmd      = "E0Q0V1"
	defaultHandshakeRetries  = 8
	defaultHandshakeTimeout  = 250 * time.Millisecond
	lineBufferSize           = 8 * 1024
)

// settings holds the configuration assembled from Options.
type settings struct {
	log              LogFunc
	logLevel         int
	unsolicited      UnsolicitedFunc
	smsUnsolicited   SMSUnsolicitedFunc
	onTimeout        TimeoutFunc
	onClose          CloseFunc
	cookie           interface{}
	handshakeCmd     string
	handshakeRetries int
	handshakeTimeout time.Duration
}

func defaultSettings() settings {
	return settings{
		logLevel:         LogError,
		handshakeCmd:     defaultHandshakeCmd,
		handshakeRetries: defaultHandshakeRetries,
		handshakeTimeout: defaultHandshakeTimeout,
	}
}

// Option configures a Channel created by New.
type Option func(*settings)

// WithLog sets the channel's structured log sink and its verbosity
// threshold: messages at a level above the threshold are suppressed
// (LogError < LogWarn < LogDebug).
func WithLog(fn LogFunc, level int) Option {
	return func(s *settings) {
		s.log = fn
		s.logLevel = level
	}
}

// WithUnsolicitedHandler sets the callback invoked for lines that are not a
// reply to any pending command.
func WithUnsolicitedHandler(fn UnsolicitedFunc) Option {
	return func(s *settings) { s.unsolicited = fn }
}

// WithSMSUnsolicitedHandler sets the callback invoked for two-line
// unsolicited SMS notifications.
func WithSMSUnsolicitedHandler(fn SMSUnsolicitedFunc) Option {
	return func(s *settings) { s.smsUnsolicited = fn }
}

// WithTimeoutHandler sets the callback invoked on the command goroutine
// when a command times out.
func WithTimeoutHandler(fn TimeoutFunc) Option {
	return func(s *settings) { s.onTimeout = fn }
}

// WithCloseHandler sets the callback invoked when the reader observes the
// channel closing.
func WithCloseHandler(fn CloseFunc) Option {
	return func(s *settings) { s.onClose = fn }
}

// WithCookie attaches an opaque user value to the channel, retrievable with
// Channel.Cookie. The channel never inspects it.
func WithCookie(v interface{}) Option {
	return func(s *settings) { s.cookie = v }
}

// WithHandshakeCommand overrides the command Handshake repeats. Like every
// Send* command it omits the leading "AT" (default "E0Q0V1", sent as
// "ATE0Q0V1").
func WithHandshakeCommand(cmd string) Option {
	return func(s *settings) { s.handshakeCmd = cmd }
}

// WithHandshakeRetries overrides the number of handshake attempts (default
// 8).
func WithHandshakeRetries(n int) Option {
	return func(s *settings) { s.handshakeRetries = n }
}

// WithHandshakeTimeout overrides the per-attempt handshake timeout, and the
// drain period after a successful handshake (default 250ms).
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *settings) { s.handshakeTimeout = d }
}

// Response is the result of a completed command transaction: a success
// flag, the final-response line that terminated it (eg. "OK", "ERROR",
// "+CME ERROR: 10"), and any intermediate lines received in between, in
// receive order.
type Response struct {
	Success bool
	Final   string
	Info    []string
}

// Release is a no-op retained for parity with the reference C API, whose
// at_response_free must be called on every response (including nil) once
// done with it. Go's garbage collector reclaims Response values on its
// own; Release exists only so callers porting that contract have
// something to call.
func (r *Response) Release() {}

// Channel is the top-level handle for an AT-command conversation with a
// modem. Create one with New, issue commands with the Send* methods, and
// release it with Detach or Close.
//
// A Channel is safe for concurrent use by multiple goroutines, with one
// exception: Send* and Handshake must never be called from within a
// callback — doing so returns ErrInvalidThread rather than deadlocking.
type Channel struct {
	rw     io.ReadWriter
	closer io.Closer // closed by Close when non-nil; New leaves it nil

	settings

	mu      sync.Mutex
	cond    *sync.Cond
	pending *pendingCmd
	closed  bool

	inds map[string]*indication

	reader    *lineReader
	readerGID uint64 // set once, from within the reader goroutine, at attach

	closedCh chan struct{} // closed exactly once, when the channel closes
}

// New creates a Channel over rw and starts its reader goroutine. rw must
// not be nil.
func New(rw io.ReadWriter, opts ...Option) (*Channel, error) {
	if rw == nil {
		return nil, ErrInvalidArgument
	}
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.logLevel < LogError || s.logLevel > LogDebug {
		return nil, ErrInvalidArgument
	}
	c := &Channel{
		rw:       rw,
		settings: s,
		inds:     make(map[string]*indication),
		closedCh: make(chan struct{}),
		reader:   newLineReader(rw),
	}
	c.cond = sync.NewCond(&c.mu)
	c.reader.log = c.logf
	c.attach()
	return c, nil
}

// Cookie returns the opaque value supplied via WithCookie, or nil.
func (c *Channel) Cookie() interface{} {
	return c.cookie
}

// Closed returns a channel that is closed once this Channel has closed, by
// Detach, Close, or the reader observing end of stream.
func (c *Channel) Closed() <-chan struct{} {
	return c.closedCh
}

// attach starts the reader goroutine. Called once, from New.
func (c *Channel) attach() {
	ready := make(chan struct{})
	go c.readerLoop(ready)
	<-ready // wait until the reader has recorded its own goroutine id
}

// Detach marks the channel closed and wakes any waiter with ErrClosed. It
// does not stop the reader goroutine: that goroutine stays blocked reading
// the transport and keeps passing any lines it receives to the unsolicited
// handlers until the stream ends. It does not invoke the close callback —
// that fires only when the reader itself observes end of stream. Detach is
// idempotent.
func (c *Channel) Detach() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

// Close detaches the channel and, if the channel holds a closer for its
// transport, closes that too. New never sets one, so Close does not close
// the io.ReadWriter a channel was created over; the package has no
// constructor that opens a transport itself. Calling Close on an
// already-closed channel returns ErrInvalidOperation.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrInvalidOperation
	}
	c.closeLocked()
	closer := c.closer
	c.mu.Unlock()
	if closer != nil {
		return closer.Close()
	}
	return nil
}

// closeLocked performs the idempotent close transition. Must be called
// with c.mu held. Returns true the first time it runs for this channel,
// false on every subsequent call.
func (c *Channel) closeLocked() bool {
	if c.closed {
		return false
	}
	c.closed = true
	close(c.closedCh)
	c.cond.Broadcast()
	for prefix, ind := range c.inds {
		close(ind.c)
		delete(c.inds, prefix)
	}
	return true
}

func (c *Channel) logf(level int, format string, args ...interface{}) {
	if c.log == nil || level > c.logLevel {
		return
	}
	c.log(level, format, args...)
}

// sendContext normalises a possibly-nil context to context.Background.
func sendContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
