package relay

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/gonostr/relaypool/relaylog"
)

// pingLoop is the connection's liveness task, run as its own goroutine
// alongside the sender and receiver loops and torn down with them when
// the session ends.
//
// Each interval it first checks whether the previous ping went
// unanswered (a nonce was sent but never replied to): if so it logs,
// resets the ping state, and drops the socket, which cascades through
// the sender/receiver loops' own exit-on-error paths. Otherwise it
// sends a fresh ping with a random 64-bit nonce.
func (c *Connector) pingLoop(conn socketConn, abort <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if !c.Flags().HasPing() {
		return
	}

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			if !c.pingTick(conn) {
				return
			}
		}
	}
}

// pingTick runs one liveness check/send cycle and reports whether the
// loop should keep going. It returns false after dropping the socket
// because the prior ping was never answered, and also returns false
// when the outbound queue refuses the new ping; in that case the socket
// is left open.
func (c *Connector) pingTick(conn socketConn) bool {
	if c.stats.Ping.LastNonce() != 0 && !c.stats.Ping.Replied() {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Msg("ping: no pong received, disconnecting")
		c.stats.Ping.Reset()
		_ = conn.Close()
		return false
	}

	nonce := rand.Uint64()
	if err := c.sendRelayEvent(outboundCommand{kind: cmdPing, nonce: nonce}); err != nil {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Err(err).Msg("ping: enqueue failed")
		return false
	}
	return true
}
