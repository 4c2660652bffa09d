/*
  Test suite for the at package.

  mockModem does not attempt to emulate a serial modem, but provides just
  enough of the wire protocol - single CR command termination, echo, the
  SMS "> " prompt plus a SUB-terminated PDU - to exercise channel.go's
  state machine. The commands used are not real AT commands, just patterns
  that elicit the behaviour under test.
*/
package at

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	mm := &mockModem{r: make(chan []byte, 10)}
	defer mm.Close()
	c, err := New(mm)
	require.Nil(t, err)
	require.NotNil(t, c)
	defer c.Detach()
	select {
	case <-c.Closed():
		t.Error("channel closed")
	default:
	}
}

func TestNewRequiresReadWriter(t *testing.T) {
	c, err := New(nil)
	assert.Equal(t, ErrInvalidArgument, err)
	assert.Nil(t, c)
}

func TestHandshake(t *testing.T) {
	cmdSet := map[string][]string{
		"ATE0Q0V1\r": {"OK\r\n"},
	}
	c, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	err := c.Handshake(context.Background())
	assert.Nil(t, err)
}

func TestHandshakeRetries(t *testing.T) {
	// the handshake command is registered with no response, so every
	// attempt times out and Handshake exhausts its retries.
	cmdSet := map[string][]string{"ATE0Q0V1\r": {""}}
	c, mm := setupModem(t, cmdSet, WithHandshakeRetries(2), WithHandshakeTimeout(5*time.Millisecond))
	defer teardownModem(mm)
	err := c.Handshake(context.Background())
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestSend(t *testing.T) {
	cmdSet := map[string][]string{
		"ATPASS\r": {"OK\r\n"},
		"ATERR\r":  {"ERROR\r\n"},
		"ATCMS\r":  {"+CMS ERROR: 204\r\n"},
		"ATCME\r":  {"+CME ERROR: 42\r\n"},
		"ATNULL\r": {"OK\r\n"},
	}
	background := context.Background()
	cancelled, cancel := context.WithCancel(background)
	cancel()
	timeout, tcancel := context.WithTimeout(background, 0)
	defer tcancel()

	patterns := []struct {
		name    string
		ctx     context.Context
		cmd     string
		mutator func(*Channel, *mockModem)
		success bool
		final   string
		err     error
	}{
		{"ok", background, "PASS", nil, true, "OK", nil},
		{"err", background, "ERR", nil, false, "ERROR", nil},
		{"cms", background, "CMS", nil, false, "+CMS ERROR: 204", nil},
		{"cme", background, "CME", nil, false, "+CME ERROR: 42", nil},
		{"timeout", timeout, "NULL", nil, false, "", context.DeadlineExceeded},
		{"cancelled", cancelled, "NULL", nil, false, "", context.Canceled},
		{"write error", background, "PASS", func(c *Channel, mm *mockModem) { mm.errOnWrite = true }, false, "", errors.New("write error")},
		{"closed before request", background, "PASS", func(c *Channel, mm *mockModem) { mm.Close(); <-c.Closed() }, false, "", ErrClosed},
	}
	for _, p := range patterns {
		p := p
		t.Run(p.name, func(t *testing.T) {
			c, mm := setupModem(t, cmdSet)
			defer teardownModem(mm)
			if p.mutator != nil {
				p.mutator(c, mm)
			}
			rsp, err := c.Send(p.ctx, p.cmd)
			assert.Equal(t, p.err, err)
			if p.err != nil {
				assert.Nil(t, rsp)
				return
			}
			require.NotNil(t, rsp)
			assert.Equal(t, p.success, rsp.Success)
			assert.Equal(t, p.final, rsp.Final)
		})
	}
}

func TestSendEmptyCommand(t *testing.T) {
	c, mm := setupModem(t, nil)
	defer teardownModem(mm)
	rsp, err := c.Send(context.Background(), "")
	assert.Equal(t, ErrInvalidArgument, err)
	assert.Nil(t, rsp)
}

func TestSendCommandPending(t *testing.T) {
	cmdSet := map[string][]string{
		"ATSLOW\r": {""}, // no response queued - leaves the command pending
		"ATPASS\r": {"OK\r\n"},
	}
	c, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Send(ctx, "SLOW")
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	_, err := c.Send(context.Background(), "PASS")
	assert.Equal(t, ErrCommandPending, err)
	<-done
}

func TestSendTimeoutCallback(t *testing.T) {
	// ATSLOW never gets a response, so the reader goroutine is left
	// blocked waiting on it, and the deadline below has to expire while
	// Send is genuinely in flight inside cond.Wait, not before it.
	cmdSet := map[string][]string{
		"ATSLOW\r": {""},
		"ATPASS\r": {"OK\r\n"},
	}
	var timeouts int32
	c, mm := setupModem(t, cmdSet, WithTimeoutHandler(func(c *Channel) {
		atomic.AddInt32(&timeouts, 1)
	}))
	defer teardownModem(mm)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, "SLOW")
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&timeouts))

	rsp, err := c.Send(context.Background(), "PASS")
	require.Nil(t, err)
	assert.True(t, rsp.Success)
	assert.EqualValues(t, 1, atomic.LoadInt32(&timeouts))
}

func TestSendNumeric(t *testing.T) {
	cmdSet := map[string][]string{
		"ATNUM\r":   {"2\r\n", "OK\r\n"},
		"ATNONUM\r": {"OK\r\n"},
	}
	c, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	rsp, err := c.SendNumeric(context.Background(), "NUM")
	require.Nil(t, err)
	assert.True(t, rsp.Success)
	assert.Equal(t, []string{"2"}, rsp.Info)

	_, err = c.SendNumeric(context.Background(), "NONUM")
	assert.Equal(t, ErrInvalidResponse, err)
}

func TestSendSingleline(t *testing.T) {
	cmdSet := map[string][]string{
		"ATINFO\r":   {"+INFO: hello\r\n", "OK\r\n"},
		"ATNOINFO\r": {"OK\r\n"},
	}
	c, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	rsp, err := c.SendSingleline(context.Background(), "INFO", "+INFO")
	require.Nil(t, err)
	assert.True(t, rsp.Success)
	assert.Equal(t, []string{"+INFO: hello"}, rsp.Info)

	_, err = c.SendSingleline(context.Background(), "NOINFO", "+INFO")
	assert.Equal(t, ErrInvalidResponse, err)
}

func TestSendMultiline(t *testing.T) {
	cmdSet := map[string][]string{
		"ATMULTI\r": {"+M: one\r\n", "+M: two\r\n", "OK\r\n"},
	}
	c, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	rsp, err := c.SendMultiline(context.Background(), "MULTI", "+M")
	require.Nil(t, err)
	assert.True(t, rsp.Success)
	assert.Equal(t, []string{"+M: one", "+M: two"}, rsp.Info)
}

func TestSendSMS(t *testing.T) {
	cmdSet := map[string][]string{
		"ATSMS\r":               {"> "},
		"sms pdu" + string(26): {"+CMGS: 4\r\n", "OK\r\n"},
	}
	c, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)

	rsp, err := c.SendSMS(context.Background(), "SMS", "sms pdu", "+CMGS")
	require.Nil(t, err)
	assert.True(t, rsp.Success)
	assert.Equal(t, []string{"+CMGS: 4"}, rsp.Info)
}

func TestSendSMSClosedBeforePDU(t *testing.T) {
	cmdSet := map[string][]string{
		"ATSMS\r": {"> "},
	}
	c, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	mm.closeOnSMSPrompt = true

	_, err := c.SendSMS(context.Background(), "SMS", "pdu", "+CMGS")
	assert.Equal(t, ErrClosed, err)
}

func TestAddIndication(t *testing.T) {
	c, mm := setupModem(t, nil)
	defer teardownModem(mm)

	ch, err := c.AddIndication("notify", 0)
	require.Nil(t, err)
	require.NotNil(t, ch)
	select {
	case n := <-ch:
		t.Errorf("got notification without write: %v", n)
	default:
	}
	mm.r <- []byte("notify: hello\r\n")
	select {
	case n := <-ch:
		assert.Equal(t, []string{"notify: hello"}, n)
	case <-time.After(100 * time.Millisecond):
		t.Error("no notification received")
	}

	_, err = c.AddIndication("notify", 0)
	assert.Equal(t, ErrIndicationExists, err)

	ch2, err := c.AddIndication("foo", 2)
	require.Nil(t, err)
	mm.r <- []byte("foo:\r\nbar\r\nbaz\r\n")
	select {
	case n := <-ch2:
		assert.Equal(t, []string{"foo:", "bar", "baz"}, n)
	case <-time.After(100 * time.Millisecond):
		t.Error("no notification received")
	}

	mm.Close()
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Error("channel still open")
	}

	_, err = c.AddIndication("baz", 0)
	assert.Equal(t, ErrClosed, err)
}

func TestCancelIndication(t *testing.T) {
	c, mm := setupModem(t, nil)
	defer teardownModem(mm)

	ch, err := c.AddIndication("notify", 0)
	require.Nil(t, err)
	c.CancelIndication("notify")
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Error("channel still open")
	}
	// cancelling an unregistered prefix is a no-op
	c.CancelIndication("notify")
}

func TestSMSUnsolicited(t *testing.T) {
	type pair struct{ line, pdu string }
	got := make(chan pair, 1)
	c, mm := setupModem(t, nil, WithSMSUnsolicitedHandler(func(c *Channel, line, pdu string) {
		got <- pair{line, pdu}
	}))
	defer teardownModem(mm)

	mm.r <- []byte("+CMT: ,23\r\n07911234\r\n")
	select {
	case p := <-got:
		assert.Equal(t, "+CMT: ,23", p.line)
		assert.Equal(t, "07911234", p.pdu)
	case <-time.After(100 * time.Millisecond):
		t.Error("no sms unsolicited received")
	}
}

func TestUnsolicited(t *testing.T) {
	got := make(chan string, 1)
	c, mm := setupModem(t, nil, WithUnsolicitedHandler(func(c *Channel, line string) { got <- line }))
	defer teardownModem(mm)

	mm.r <- []byte("RING\r\n")
	select {
	case line := <-got:
		assert.Equal(t, "RING", line)
	case <-time.After(100 * time.Millisecond):
		t.Error("no unsolicited line received")
	}
}

func TestCloseOnReaderEOF(t *testing.T) {
	closed := make(chan struct{})
	c, mm := setupModem(t, nil, WithCloseHandler(func(c *Channel) { close(closed) }))
	defer teardownModem(mm)
	mm.Close()
	select {
	case <-c.Closed():
	case <-time.After(100 * time.Millisecond):
		t.Error("channel did not close")
	}
	select {
	case <-closed:
	case <-time.After(100 * time.Millisecond):
		t.Error("close callback not invoked")
	}
}

func TestDetachDoesNotInvokeCloseCallback(t *testing.T) {
	called := false
	c, mm := setupModem(t, nil, WithCloseHandler(func(c *Channel) { called = true }))
	defer teardownModem(mm)
	c.Detach()
	<-c.Closed()
	assert.False(t, called)
}

func TestCloseIdempotent(t *testing.T) {
	c, mm := setupModem(t, nil)
	defer teardownModem(mm)
	require.Nil(t, c.Close())
	assert.Equal(t, ErrInvalidOperation, c.Close())
}

func TestInvalidThread(t *testing.T) {
	done := make(chan struct{})
	c, mm := setupModem(t, nil, WithUnsolicitedHandler(func(c *Channel, line string) {
		_, err := c.Send(context.Background(), "PASS")
		assert.Equal(t, ErrInvalidThread, err)
		close(done)
	}))
	defer teardownModem(mm)
	mm.r <- []byte("RING\r\n")
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("reentrant call did not return ErrInvalidThread")
	}
}

func TestLineReaderSplitAcrossReads(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{
		[]byte("AT+"),
		[]byte("CSQ:"),
		[]byte(" 15\r"),
		[]byte("\n"),
	}}
	lr := newLineReader(r)
	line, err := lr.readLine()
	require.Nil(t, err)
	assert.Equal(t, "AT+CSQ: 15", line)
}

func TestLineReaderBufferOverflowDiscard(t *testing.T) {
	// an unterminated run exactly filling the buffer is discarded once
	// full, rather than corrupting the next, properly terminated line.
	garbage := make([]byte, lineBufferSize)
	for i := range garbage {
		garbage[i] = 'x'
	}
	r := &chunkReader{chunks: [][]byte{garbage, []byte("OK\r\n")}}
	lr := newLineReader(r)
	line, err := lr.readLine()
	require.Nil(t, err)
	assert.Equal(t, "OK", line)
}

// chunkReader hands out its chunks one io.Reader call at a time (or split
// further, if the caller's buffer is smaller than the chunk), letting a
// test force a logical line to arrive across multiple underlying reads.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

type mockModem struct {
	cmdSet           map[string][]string
	closeOnWrite     bool
	closeOnSMSPrompt bool
	errOnWrite       bool
	echo             bool
	closed           bool
	r                chan []byte
}

func (m *mockModem) Read(p []byte) (n int, err error) {
	data, ok := <-m.r
	if !ok {
		return 0, io.EOF
	}
	n = copy(p, data)
	return n, nil
}

func (m *mockModem) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, errors.New("closed")
	}
	if m.closeOnWrite {
		m.closeOnWrite = false
		m.Close()
		return len(p), nil
	}
	if m.errOnWrite {
		return 0, errors.New("write error")
	}
	if m.echo {
		m.r <- p
	}
	v := m.cmdSet[string(p)]
	if len(v) == 0 {
		m.r <- []byte("\r\nERROR\r\n")
	} else {
		for _, l := range v {
			if len(l) == 0 {
				continue
			}
			m.r <- []byte(l)
			if m.closeOnSMSPrompt && l == "> " {
				m.Close()
			}
		}
	}
	return len(p), nil
}

func (m *mockModem) Close() error {
	if !m.closed {
		m.closed = true
		close(m.r)
	}
	return nil
}

func setupModem(t *testing.T, cmdSet map[string][]string, opts ...Option) (*Channel, *mockModem) {
	mm := &mockModem{cmdSet: cmdSet, echo: false, r: make(chan []byte, 10)}
	c, err := New(mm, opts...)
	if err != nil {
		t.Fatal("new failed:", err)
	}
	return c, mm
}

func teardownModem(m *mockModem) {
	m.Close()
}
