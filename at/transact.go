package at

import (
	"context"
	"errors"
	"syscall"
)

// Send issues a command expecting no intermediate response line, such as a
// plain configuration command.
func (c *Channel) Send(ctx context.Context, cmd string) (*Response, error) {
	return c.send(ctx, cmdNone, cmd, "", nil, false)
}

// SendNumeric issues a command expecting a single bare numeric intermediate
// response line.
func (c *Channel) SendNumeric(ctx context.Context, cmd string) (*Response, error) {
	return c.send(ctx, cmdNumeric, cmd, "", nil, true)
}

// SendSingleline issues a command expecting a single intermediate response
// line beginning with prefix.
func (c *Channel) SendSingleline(ctx context.Context, cmd, prefix string) (*Response, error) {
	return c.send(ctx, cmdSingleline, cmd, prefix, nil, true)
}

// SendMultiline issues a command expecting zero or more intermediate
// response lines, each beginning with prefix. An empty prefix matches
// every line, collecting the command's entire intermediate output.
func (c *Channel) SendMultiline(ctx context.Context, cmd, prefix string) (*Response, error) {
	return c.send(ctx, cmdMultiline, cmd, prefix, nil, false)
}

// SendSMS issues the two-step SMS submission command: cmd is sent first,
// and once the modem's "> " prompt arrives, pdu followed by a single SUB
// (0x1A) byte is written in reply. The command's intermediate response
// begins with prefix; a successful response without one returns
// ErrInvalidResponse.
func (c *Channel) SendSMS(ctx context.Context, cmd, pdu, prefix string) (*Response, error) {
	return c.send(ctx, cmdSingleline, cmd, prefix, &pdu, true)
}

// send is the shared body of every public command operation: it guards
// against the reader-goroutine reentrancy hazard, runs the transaction
// under the channel mutex, and applies the post-transaction checks common
// to all but the plain and multiline forms.
func (c *Channel) send(ctx context.Context, typ cmdType, cmd, prefix string, sms *string, requireInfo bool) (*Response, error) {
	if cmd == "" {
		return nil, ErrInvalidArgument
	}
	if c.isReaderGoroutine() {
		return nil, ErrInvalidThread
	}
	ctx = sendContext(ctx)

	c.mu.Lock()
	rsp, err := c.transactLocked(ctx, typ, cmd, prefix, sms)
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && c.onTimeout != nil {
			c.onTimeout(c)
		}
		return nil, err
	}
	if requireInfo && rsp.Success && len(rsp.Info) == 0 {
		return nil, ErrInvalidResponse
	}
	return rsp, nil
}

// transactLocked runs one command transaction to completion: it writes the
// command line, registers the pending command, waits for it to be
// completed by the reader goroutine's dispatchLocked, and returns the
// assembled Response. Must be called with c.mu held; it releases and
// reacquires the lock internally while waiting.
func (c *Channel) transactLocked(ctx context.Context, typ cmdType, cmdLine, prefix string, sms *string) (*Response, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.pending != nil {
		return nil, ErrCommandPending
	}
	if err := c.writeCommandLocked(cmdLine); err != nil {
		return nil, err
	}

	p := &pendingCmd{typ: typ, prefix: prefix, sms: sms}
	c.pending = p
	err := c.waitLocked(ctx, p)
	c.pending = nil

	if err != nil {
		return nil, err
	}
	if c.closed {
		return nil, ErrClosed
	}
	return &Response{Success: p.success, Final: p.final, Info: p.info}, nil
}

// waitLocked blocks until p is completed by the reader goroutine, the
// channel closes, or ctx is done, bridging ctx's cancellation into the
// condition variable with a small helper goroutine since sync.Cond has no
// native notion of a context deadline. Must be called with c.mu held;
// returns with c.mu held.
func (c *Channel) waitLocked(ctx context.Context, p *pendingCmd) error {
	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-stop:
			}
		}()
	}
	for !p.done && !c.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	if !p.done && c.closed {
		return ErrClosed
	}
	return nil
}

// writeCommandLocked writes the "AT" prefix, cmd, and a single CR, the wire
// encoding every AT command line uses. Callers supply only the command
// suffix (eg. "+CSQ", "Z"), not the leading "AT". Must be called with c.mu
// held.
func (c *Channel) writeCommandLocked(cmd string) error {
	return c.writeLocked("AT" + cmd + "\r")
}

// writeSMSLocked writes an SMS PDU followed by a single SUB (0x1A) byte, in
// reply to the modem's "> " prompt. It is invoked from dispatchLocked, so
// any write failure is logged rather than returned: there is no caller on
// the stack left to hand it to.
func (c *Channel) writeSMSLocked(pdu string) {
	if err := c.writeLocked(pdu + "\x1a"); err != nil {
		c.logf(LogWarn, "at: sms pdu write failed: %v", err)
	}
}

// writeLocked writes s in full, retrying across short writes and the
// transient interrupted-system-call condition. Must be called with c.mu
// held: the channel mutex also serialises writes, since the SMS
// continuation is written from the reader goroutine while an ordinary
// command write comes from the caller's goroutine.
func (c *Channel) writeLocked(s string) error {
	if c.closed {
		return ErrClosed
	}
	b := []byte(s)
	for len(b) > 0 {
		n, err := c.rw.Write(b)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		b = b[n:]
	}
	return nil
}
