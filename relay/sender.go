package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gonostr/relaypool/relaylog"
)

// sendAndWait enqueues msgs on the outbound channel and, unless
// opts.SkipSendConfirmation is set, blocks until the sender loop
// confirms the write (or opts.Timeout elapses). Capability gates apply
// here so every outbound path shares them: EVENT messages require the
// write flag, REQ/COUNT/CLOSE require the read flag. With
// opts.SkipDisconnected set, sending to a relay that is down and past
// its grace attempt with a poor uptime ratio fails fast instead of
// queueing into the void.
func (c *Connector) sendAndWait(ctx context.Context, msgs []ClientMessage, opts RelaySendOptions) error {
	for _, m := range msgs {
		if m.IsEvent() && !c.Flags().HasWrite() {
			return ErrWriteDisabled
		}
		if (m.IsReq() || m.IsClose()) && !c.Flags().HasRead() {
			return ErrReadDisabled
		}
	}
	if opts.SkipDisconnected &&
		!c.IsConnected() &&
		c.stats.Attempts() > minAttempts &&
		c.stats.Uptime() < minUptime {
		return ErrNotConnected
	}

	if opts.SkipSendConfirmation {
		return c.sendRelayEvent(outboundCommand{kind: cmdBatch, msgs: msgs})
	}

	reply := make(chan bool, 1)
	if err := c.sendRelayEvent(outboundCommand{kind: cmdBatch, msgs: msgs, reply: reply}); err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRelaySendOptions().Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok, open := <-reply:
		if !open {
			return ErrOneShotRecvError
		}
		if !ok {
			return ErrMessageNotSent
		}
		return nil
	case <-timer.C:
		return ErrRecvTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// senderLoop owns the write side of conn. It is the only goroutine
// that calls conn.WriteMessage, so no write-side locking is needed.
// Liveness pings are generated by the separate pingLoop task; this
// loop only performs the WS control-frame write cmdPing asks for and
// records the resulting nonce/sent-at.
func (c *Connector) senderLoop(conn socketConn, done chan<- struct{}) {
	defer close(done)

	for cmd := range c.outbound {
		switch cmd.kind {
		case cmdBatch:
			ok := c.writeBatch(conn, cmd.msgs)
			if cmd.reply != nil {
				cmd.reply <- ok
			}
			if !ok {
				return
			}
		case cmdPing:
			err := conn.WriteControl(websocket.PingMessage, cmd.payload(), time.Now().Add(10*time.Second))
			if err == nil {
				c.stats.Ping.SetLastNonce(cmd.nonce)
				c.stats.Ping.SetReplied(false)
				c.stats.Ping.JustSent()
			}
		case cmdClose:
			_ = conn.Close()
			c.setStatus(StatusDisconnected)
			return
		case cmdStop:
			if c.isScheduledForStop() {
				_ = conn.Close()
				return
			}
		case cmdTerminate:
			if c.isScheduledForTermination() {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Connector) writeBatch(conn socketConn, msgs []ClientMessage) bool {
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			relaylog.With(zerolog.ErrorLevel).
				Str("relay", c.url).Err(err).Msg("marshal outbound message")
			return false
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			relaylog.With(zerolog.ErrorLevel).
				Str("relay", c.url).Err(err).Msg("write outbound message")
			return false
		}
		c.stats.AddBytesSent(len(data))
	}
	return true
}

// payload renders the ping nonce as its ASCII-decimal representation,
// the form the pong handler parses back.
func (cmd outboundCommand) payload() []byte {
	return []byte(strconv.FormatUint(cmd.nonce, 10))
}
