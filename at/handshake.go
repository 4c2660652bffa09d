package at

import (
	"context"
	"time"
)

// Handshake repeats the channel's configured handshake command (default
// "ATE0Q0V1") at its configured timeout (default 250ms) until it succeeds
// or the configured retry count (default 8) is exhausted, then pauses for
// one more timeout interval to let any stray unmatched final responses
// drain out of the stream before returning.
//
// The channel mutex is held for the whole operation — every retry and the
// trailing drain — except while each attempt waits for its response, when
// the attempt is registered as the pending command. A Send from another
// goroutine therefore either blocks or fails with ErrCommandPending, and
// cannot interleave a command with the handshake probing.
func (c *Channel) Handshake(ctx context.Context) error {
	if c.isReaderGoroutine() {
		return ErrInvalidThread
	}
	ctx = sendContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for i := 0; i < c.handshakeRetries; i++ {
		attempt, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
		_, err = c.transactLocked(attempt, cmdNone, c.handshakeCmd, "", nil)
		cancel()
		if err == nil {
			break
		}
	}
	if err != nil {
		return err
	}
	time.Sleep(c.handshakeTimeout)
	return nil
}
