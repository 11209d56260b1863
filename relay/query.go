package relay

import (
	"context"
	"time"
)

// CountEvents asks the relay how many events match filters via COUNT,
// waits for the matching reply, then sends CLOSE for the count id.
func (c *Connector) CountEvents(ctx context.Context, filters []Filter, opts RelaySendOptions) (int, error) {
	if len(filters) == 0 {
		return 0, ErrFiltersEmpty
	}

	id := NewSubscriptionID()
	notif, cancel := c.Notifications()
	defer cancel()

	if err := c.sendAndWait(ctx, []ClientMessage{NewCountClientMessage(id, filters)}, opts); err != nil {
		return 0, err
	}
	defer func() {
		_ = c.sendRelayEvent(outboundCommand{kind: cmdBatch, msgs: []ClientMessage{NewCloseClientMessage(id)}})
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRelaySendOptions().Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case n, ok := <-notif:
			if !ok {
				return 0, ErrCantSendChannelMessage
			}
			if n.Kind == NotifyMessage && n.Message != nil && n.Message.Kind == RMCount && n.Message.SubscriptionID == id {
				return n.Message.Count, nil
			}
		case <-timer.C:
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// QuerySync sends a REQ, collects the EVENTs the receiver pipeline
// passes on up to EOSE, then closes the subscription and returns the
// collected events: a synchronous "fetch once" convenience next to the
// live Subscribe path. Events the pipeline drops (already saved,
// deleted, expired, or failing verification) are not returned.
func (c *Connector) QuerySync(ctx context.Context, filters []Filter, opts RelaySendOptions) ([]*Event, error) {
	if len(filters) == 0 {
		return nil, ErrFiltersEmpty
	}

	id := NewSubscriptionID()
	notif, cancel := c.Notifications()
	defer cancel()

	if err := c.sendAndWait(ctx, []ClientMessage{NewReqClientMessage(id, filters)}, opts); err != nil {
		return nil, err
	}
	defer func() {
		_ = c.sendRelayEvent(outboundCommand{kind: cmdBatch, msgs: []ClientMessage{NewCloseClientMessage(id)}})
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRelaySendOptions().Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var events []*Event
	for {
		select {
		case n, ok := <-notif:
			if !ok {
				return events, ErrCantSendChannelMessage
			}
			if n.Kind != NotifyMessage || n.Message == nil || n.Message.SubscriptionID != id {
				continue
			}
			switch n.Message.Kind {
			case RMEvent:
				if n.Message.Event != nil {
					events = append(events, n.Message.Event)
				}
			case RMEOSE:
				return events, nil
			}
		case <-timer.C:
			return events, ErrTimeout
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

// QueryEvents fetches events matching filters from both sides at once:
// an auto-closing subscription (exit on EOSE) streams the relay's
// backlog through the receiver pipeline while a local store snapshot
// covers what's already on disk. The two sets are merged, deduplicated
// by event id, and returned as one slice.
func (c *Connector) QueryEvents(ctx context.Context, filters []Filter, opts RelaySendOptions) ([]*Event, error) {
	if len(filters) == 0 {
		return nil, ErrFiltersEmpty
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRelaySendOptions().Timeout
	}

	notif, cancel := c.Notifications()
	defer cancel()

	id, err := c.SubscribeWithAutoClose(ctx, filters,
		SubscribeAutoCloseOptions{Filter: ExitOnEOSE(), Timeout: timeout}, opts)
	if err != nil {
		return nil, err
	}

	var live []*Event
	timer := time.NewTimer(timeout)
	defer timer.Stop()

collect:
	for {
		select {
		case n, ok := <-notif:
			if !ok {
				return nil, ErrCantSendChannelMessage
			}
			if n.Kind != NotifyMessage || n.Message == nil || n.Message.SubscriptionID != id {
				continue
			}
			switch n.Message.Kind {
			case RMEvent:
				if n.Message.Event != nil {
					live = append(live, n.Message.Event)
				}
			case RMEOSE:
				break collect
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Snapshot the store after the live collection: events the relay
	// just delivered are saved by the receiver pipeline, so the
	// snapshot already includes them and the id dedup below folds the
	// two sets together.
	stored, err := c.store.Query(ctx, filters, OrderDesc)
	if err != nil {
		return nil, dbErr("query", err)
	}

	seen := make(map[string]struct{}, len(stored)+len(live))
	out := make([]*Event, 0, len(stored)+len(live))
	for _, e := range append(stored, live...) {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// QueryStore runs filters against the local store only, with no
// network round-trip; QuerySync hits the relay directly. Pairing the
// two lets a caller prefer local state and fall back to the relay.
func (c *Connector) QueryStore(ctx context.Context, filters []Filter, order Order) ([]*Event, error) {
	events, err := c.store.Query(ctx, filters, order)
	if err != nil {
		return nil, dbErr("query", err)
	}
	return events, nil
}
