package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gonostr/relaypool/relaylog"
)

// receiverLoop owns the read side of conn. It decodes every relay
// message, runs the EVENT pipeline, resolves pending OK callbacks, and
// fans everything out over the notification bus.
func (c *Connector) receiverLoop(ctx context.Context, conn socketConn, done chan<- struct{}) {
	defer close(done)

	maxMsg := int(c.opts.Limits().Messages.MaxSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			relaylog.With(zerolog.DebugLevel).Str("relay", c.url).Err(err).Msg("read loop exiting")
			return
		}
		c.stats.AddBytesReceived(len(data))

		if maxMsg > 0 && len(data) > maxMsg {
			relaylog.With(zerolog.WarnLevel).Str("relay", c.url).
				Err(errRelayMessageTooLarge(len(data), maxMsg)).Msg("dropping oversized relay message")
			continue
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Err(err).Msg("malformed relay message")
			continue
		}

		if env.command == "EVENT" {
			c.handleEventMessage(ctx, env)
			continue
		}

		msg, err := parseNonEventRelayMessage(env)
		if err != nil {
			relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Err(err).Msg("unparseable relay message")
			continue
		}
		c.handleNonEventMessage(msg)
	}
}

func (c *Connector) handleNonEventMessage(msg *RelayMessage) {
	if msg.Kind == RMOK {
		if cb, ok := c.okCallbacks.Load(msg.EventID); ok {
			cb(msg.Accepted, msg.Reason)
			c.okCallbacks.Delete(msg.EventID)
		}
	}
	c.sendNotification(Notification{Kind: NotifyMessage, SubscriptionID: msg.SubscriptionID, Message: msg})
}

// handleEventMessage runs the two-phase EVENT pipeline: cheap partial
// decode and PoW/deletion gating before paying for the full decode and
// signature check.
func (c *Connector) handleEventMessage(ctx context.Context, env *envelope) {
	if len(env.parts) < 3 {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Msg("EVENT: too few fields")
		return
	}
	subID := SubscriptionID(str(env.parts[1]))
	rawEvent := env.parts[2]

	partial, err := ParsePartialEvent(rawEvent)
	if err != nil {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Err(err).Msg("EVENT: partial decode failed")
		return
	}

	if eventLimit := int(c.opts.Limits().Events.MaxSize); eventLimit > 0 && len(rawEvent) > eventLimit {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Str("id", partial.ID).
			Err(errEventTooLarge(len(rawEvent), eventLimit)).Msg("EVENT: exceeds max size")
		return
	}

	if difficulty := c.opts.PowDifficulty(); difficulty > 0 && !partial.CheckPow(difficulty) {
		relaylog.With(zerolog.DebugLevel).Str("relay", c.url).Str("id", partial.ID).
			Err(errPowDifficultyTooLow(int(difficulty))).Msg("EVENT: insufficient PoW")
		return
	}

	deleted, err := c.store.HasEventIDBeenDeleted(ctx, partial.ID)
	if err != nil {
		relaylog.With(zerolog.ErrorLevel).Str("relay", c.url).Err(err).Msg("EVENT: deletion check failed")
		return
	}
	if deleted {
		return
	}

	missing, err := parseMissingPartialEvent(rawEvent)
	if err != nil {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Err(err).Msg("EVENT: body decode failed")
		return
	}
	if maxTags := int(c.opts.Limits().Events.MaxNumTags); maxTags > 0 && len(missing.Tags) > maxTags {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Str("id", partial.ID).
			Err(errTooManyTags(len(missing.Tags), maxTags)).Msg("EVENT: too many tags")
		return
	}

	event := mergeEvent(partial, missing)

	if event.IsReplaceable() || event.IsParameterizedReplaceable() {
		coord := Coordinate{Kind: event.Kind, PubKey: event.PubKey, Identifier: event.Identifier()}
		deleted, err := c.store.HasCoordinateBeenDeleted(ctx, coord, event.CreatedAt)
		if err != nil {
			relaylog.With(zerolog.ErrorLevel).Str("relay", c.url).Err(err).Msg("EVENT: coordinate deletion check failed")
			return
		}
		if deleted {
			return
		}
	}

	seen, err := c.store.HasEventAlreadyBeenSeen(ctx, event.ID)
	if err != nil {
		relaylog.With(zerolog.ErrorLevel).Str("relay", c.url).Err(err).Msg("EVENT: seen check failed")
		return
	}

	// Recording that this relay has shown us this id is best-effort: a
	// failure here is logged, never fatal.
	if err := c.store.EventIDSeen(ctx, event.ID, c.url); err != nil {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Err(err).Msg("EVENT: recording seen-by failed")
	}

	saved, err := c.store.HasEventAlreadyBeenSaved(ctx, event.ID)
	if err != nil {
		relaylog.With(zerolog.ErrorLevel).Str("relay", c.url).Err(err).Msg("EVENT: saved check failed")
		return
	}
	if saved {
		// Already on disk: no further fan-out.
		return
	}

	if event.IsExpired() {
		relaylog.With(zerolog.DebugLevel).Str("relay", c.url).Str("id", event.ID).Err(ErrEventExpired).Msg("EVENT: dropping expired event")
		return
	}

	ok, err := c.verifier.Verify(event)
	if err != nil {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Err(err).Msg("EVENT: verify error")
		return
	}
	if !ok {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Str("id", event.ID).Msg("EVENT: signature invalid")
		return
	}

	if err := c.store.SaveEvent(ctx, event); err != nil {
		relaylog.With(zerolog.ErrorLevel).Str("relay", c.url).Err(err).Msg("EVENT: save failed")
		return
	}

	if !seen {
		c.sendNotification(Notification{Kind: NotifyEvent, SubscriptionID: subID, Event: event})
	}
	c.sendNotification(Notification{
		Kind: NotifyMessage, SubscriptionID: subID,
		Message: &RelayMessage{Kind: RMEvent, SubscriptionID: subID, Event: event},
	})
}

// handlePong matches an incoming Pong control frame against the last
// sent ping nonce and samples round-trip latency. The payload is the
// ASCII-decimal encoding of the nonce; a mismatched or unparseable
// payload is logged and otherwise ignored.
func (c *Connector) handlePong(data []byte) {
	nonce, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Bytes("payload", data).Msg("pong: unparseable nonce")
		return
	}
	if nonce != c.stats.Ping.LastNonce() {
		relaylog.With(zerolog.WarnLevel).Str("relay", c.url).Uint64("got", nonce).Uint64("want", c.stats.Ping.LastNonce()).Msg("pong: nonce mismatch")
		return
	}
	c.stats.Ping.SetReplied(true)
	c.stats.SaveLatency(time.Since(c.stats.Ping.SentAt()))
}
