package relay

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/gonostr/relaypool/relaylog"
)

// Connect starts the supervisor goroutine, which dials the relay,
// runs the sender/receiver loops until the socket drops, and (unless
// Reconnect is disabled or the connector has been stopped/terminated)
// retries with jittered backoff.
//
// Connect is a no-op when already Connected and a no-op while a
// supervisor is already running. It may resume from Initialized,
// Stopped, or Terminated alike, clearing any prior stop/terminate
// intent.
//
// Connect returns once the first connection attempt finishes (success
// or the initial timeout); reconnection continues in the background.
func (c *Connector) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	if !c.supervisorRunning.CompareAndSwap(false, true) {
		return nil
	}

	c.scheduleForStop(false)
	c.scheduleForTermination(false)
	c.setStatus(StatusPending)
	c.supervisorDone = make(chan struct{})

	firstAttempt := make(chan error, 1)
	go func() {
		c.superviseLoop(ctx, firstAttempt)
		c.supervisorRunning.Store(false)
	}()

	select {
	case err := <-firstAttempt:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) superviseLoop(ctx context.Context, firstAttempt chan<- error) {
	defer close(c.supervisorDone)

	reportFirst := firstAttempt
	for attempt := 0; ; attempt++ {
		if c.isScheduledForStop() {
			c.setStatus(StatusStopped)
			return
		}
		if c.isScheduledForTermination() {
			c.setStatus(StatusTerminated)
			return
		}

		c.setStatus(StatusConnecting)
		c.stats.NewAttempt()

		conn, err := c.dial(ctx)
		if err != nil {
			relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Err(err).Msg("connect failed")
			c.setStatus(StatusDisconnected)
			if reportFirst != nil && attempt == 0 {
				reportFirst <- err
				reportFirst = nil
			}
			if !c.opts.Reconnect() {
				c.setStatus(StatusStopped)
				return
			}
			if !c.waitBackoff(ctx) {
				c.setStatusOnBackoffExit()
				return
			}
			continue
		}

		c.stats.NewSuccess()
		conn.SetPongHandler(func(appData string) error {
			c.handlePong([]byte(appData))
			return nil
		})

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.setStatus(StatusConnected)
		c.fetchInfoDocument(ctx)
		c.resubscribeAll()

		if reportFirst != nil {
			reportFirst <- nil
			reportFirst = nil
		}

		c.runConnection(ctx, conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		if c.isScheduledForStop() {
			c.setStatus(StatusStopped)
			c.sendNotification(Notification{Kind: NotifyStop})
			return
		}
		if c.isScheduledForTermination() {
			c.setStatus(StatusTerminated)
			c.sendNotification(Notification{Kind: NotifyShutdown})
			return
		}

		c.setStatus(StatusDisconnected)
		if !c.opts.Reconnect() {
			c.setStatus(StatusStopped)
			return
		}
		if !c.waitBackoff(ctx) {
			c.setStatusOnBackoffExit()
			return
		}
		c.setStatus(StatusConnecting)
	}
}

// runConnection drives one connected session's sender/receiver loops
// until either exits (socket error, or Stop/Terminate requests a
// close), then waits for both to finish.
func (c *Connector) runConnection(ctx context.Context, conn socketConn) {
	senderDone := make(chan struct{})
	receiverDone := make(chan struct{})
	pingDone := make(chan struct{})
	c.pingAbort = make(chan struct{})

	go c.senderLoop(conn, senderDone)
	go c.receiverLoop(ctx, conn, receiverDone)
	go c.logQueueDepth(senderDone)
	go c.pingLoop(conn, c.pingAbort, pingDone)

	select {
	case <-senderDone:
	case <-receiverDone:
	}
	_ = conn.Close()
	close(c.pingAbort)
	<-senderDone
	<-receiverDone
	<-pingDone
}

// fetchInfoDocument kicks off the best-effort NIP-11 fetch hook, when
// one is installed. Failures are logged and otherwise ignored.
func (c *Connector) fetchInfoDocument(ctx context.Context) {
	fetcher := c.infoDoc
	if fetcher == nil {
		return
	}
	go func() {
		if _, err := fetcher.Fetch(ctx, c.url, c.opts.Proxy()); err != nil {
			relaylog.With(zerolog.DebugLevel).Str("relay", c.url).Err(err).Msg("info document fetch failed")
		}
	}()
}

// logQueueDepth periodically logs the outbound channel's pending depth
// while nonzero.
func (c *Connector) logQueueDepth(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.QueueLen(); n > 0 {
				relaylog.With(zerolog.DebugLevel).Str("relay", c.url).Int("queue_len", n).Msg("outbound queue depth")
			}
		case <-done:
			return
		}
	}
}

// waitBackoff sleeps for the jittered retry interval: the configured
// base, or min(MinRetrySec*(1+failures), MaxAdjRetrySec) when
// AdjustRetrySec is enabled and the relay has three or more failed
// attempts, ±1s of jitter either
// way. Returns false if ctx was cancelled or the connector was asked
// to stop/terminate while waiting.
func (c *Connector) waitBackoff(ctx context.Context) bool {
	failures := c.stats.Attempts() - c.stats.Successes()
	base := c.opts.RetrySec()
	if c.opts.AdjustRetrySec() && failures >= 3 {
		base = MinRetrySec * (1 + int64(failures))
		if base > MaxAdjRetrySec {
			base = MaxAdjRetrySec
		}
	}
	jitter := time.Duration(rand.Int63n(2000)-1000) * time.Millisecond
	wait := time.Duration(base)*time.Second + jitter
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !c.isScheduledForStop() && !c.isScheduledForTermination()
	case <-ctx.Done():
		return false
	}
}

// setStatusOnBackoffExit records the terminal status for a waitBackoff
// false return caused by an explicit Stop/Terminate, rather than
// leaving status at Disconnected. A plain ctx cancellation with
// neither flag set leaves status untouched. Stop-intent wins over
// terminate-intent, the same priority the supervisor loop applies.
func (c *Connector) setStatusOnBackoffExit() {
	switch {
	case c.isScheduledForStop():
		c.setStatus(StatusStopped)
	case c.isScheduledForTermination():
		c.setStatus(StatusTerminated)
	}
}

// Stop gracefully closes the connection and prevents further
// reconnects; a later Connect resumes. The intent flag is set first so
// the sender loop and supervisor observe it at their next iteration;
// closing the socket directly covers a wedged outbound queue.
func (c *Connector) Stop() {
	c.scheduleForStop(true)
	_ = c.sendRelayEvent(outboundCommand{kind: cmdStop})
	c.closeCurrentConn()
}

// Terminate tears the connector down for good: no further reconnect
// attempts, current connection closed immediately.
func (c *Connector) Terminate() {
	c.scheduleForTermination(true)
	_ = c.sendRelayEvent(outboundCommand{kind: cmdTerminate})
	c.closeCurrentConn()
}

func (c *Connector) closeCurrentConn() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Wait blocks until the supervisor goroutine has exited (Stopped or
// Terminated).
func (c *Connector) Wait() {
	if c.supervisorDone != nil {
		<-c.supervisorDone
	}
}
