package at

// readerLoop is the body of the channel's single reader goroutine, started
// by attach. It owns the line reader exclusively: nothing else may call
// c.reader.readLine.
func (c *Channel) readerLoop(ready chan<- struct{}) {
	c.recordReaderGoroutine()
	close(ready)

	for {
		line, err := c.reader.readLine()
		if err != nil {
			break
		}

		if isSMSUnsolicitedLine(line) {
			first := line
			second, err := c.reader.readLine()
			if err != nil {
				break
			}
			if c.smsUnsolicited != nil {
				c.smsUnsolicited(c, first, second)
			}
			continue
		}

		c.mu.Lock()
		c.dispatchLocked(line)
		c.mu.Unlock()
	}

	c.onReaderClosed()
}

// onReaderClosed performs the idempotent close transition triggered by the
// reader observing end of stream or an unrecoverable read error, and
// invokes the close callback only if this call performed the transition;
// if Detach or Close closed the channel first, the callback is not invoked.
func (c *Channel) onReaderClosed() {
	c.mu.Lock()
	transitioned := c.closeLocked()
	c.mu.Unlock()
	if transitioned && c.onClose != nil {
		c.onClose(c)
	}
}
