package relay

import (
	"context"
	"time"
)

// Subscribe opens a REQ subscription. With opts.AutoClose nil the
// subscription is persistent: its filters are registered and replayed
// after every reconnect until Unsubscribe. With opts.AutoClose set the
// subscription is ephemeral: it never enters the registry, and a
// background goroutine closes it once the policy is satisfied.
func (c *Connector) Subscribe(ctx context.Context, filters []Filter, opts SubscribeOptions) (SubscriptionID, error) {
	if opts.AutoClose != nil {
		return c.SubscribeWithAutoClose(ctx, filters, *opts.AutoClose, opts.SendOpts)
	}
	return c.subscribeWithID(ctx, NewSubscriptionID(), filters, opts.SendOpts)
}

func (c *Connector) subscribeWithID(ctx context.Context, id SubscriptionID, filters []Filter, opts RelaySendOptions) (SubscriptionID, error) {
	if len(filters) == 0 {
		return "", ErrFiltersEmpty
	}
	if err := c.sendAndWait(ctx, []ClientMessage{NewReqClientMessage(id, filters)}, opts); err != nil {
		return "", err
	}
	c.updateSubscription(id, filters)
	return id, nil
}

// SubscribeWithAutoClose opens an ephemeral subscription and spawns a
// background goroutine that sends CLOSE once autoOpts.Filter's policy
// is met (exit on first EOSE, wait a duration after EOSE, or wait for
// N events after EOSE), or autoOpts.Timeout elapses, whichever comes
// first. The subscription is never registered, so a reconnect does not
// replay it.
func (c *Connector) SubscribeWithAutoClose(ctx context.Context, filters []Filter, autoOpts SubscribeAutoCloseOptions, sendOpts RelaySendOptions) (SubscriptionID, error) {
	if len(filters) == 0 {
		return "", ErrFiltersEmpty
	}
	id := NewSubscriptionID()
	// Subscribe to the bus before the REQ goes out so an immediate EOSE
	// cannot slip past the policy goroutine.
	notif, cancel := c.Notifications()
	if err := c.sendAndWait(ctx, []ClientMessage{NewReqClientMessage(id, filters)}, sendOpts); err != nil {
		cancel()
		return "", err
	}
	go c.runAutoClose(id, autoOpts, notif, cancel)
	return id, nil
}

func (c *Connector) runAutoClose(id SubscriptionID, autoOpts SubscribeAutoCloseOptions, notif <-chan Notification, cancel func()) {
	defer cancel()

	var deadline <-chan time.Time
	if autoOpts.Timeout > 0 {
		t := time.NewTimer(autoOpts.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	eventsSinceEOSE := 0
	receivedEOSE := false
	var afterEOSE <-chan time.Time

	for {
		select {
		case n, ok := <-notif:
			if !ok {
				return
			}
			if n.Kind == NotifyStop || n.Kind == NotifyShutdown {
				return
			}
			if n.Kind == NotifyRelayStatus && n.Status == StatusDisconnected {
				// The socket is gone; a CLOSE has nowhere to go.
				return
			}
			if n.SubscriptionID != id {
				continue
			}
			switch {
			case n.Kind == NotifyMessage && n.Message != nil && n.Message.Kind == RMEOSE:
				receivedEOSE = true
				eventsSinceEOSE = 0
				switch autoOpts.Filter.Kind() {
				case FilterExitOnEOSE:
					c.closeSubscription(id)
					return
				case FilterWaitDurationAfterEOSE:
					t := time.NewTimer(autoOpts.Filter.WaitDuration())
					defer t.Stop()
					afterEOSE = t.C
				case FilterWaitForEventsAfterEOSE:
					if eventsSinceEOSE >= autoOpts.Filter.WaitForEventsCount() {
						c.closeSubscription(id)
						return
					}
				}
			case n.Kind == NotifyEvent:
				if !receivedEOSE {
					continue
				}
				eventsSinceEOSE++
				if autoOpts.Filter.Kind() == FilterWaitForEventsAfterEOSE &&
					eventsSinceEOSE >= autoOpts.Filter.WaitForEventsCount() {
					c.closeSubscription(id)
					return
				}
			}
		case <-afterEOSE:
			c.closeSubscription(id)
			return
		case <-deadline:
			c.closeSubscription(id)
			return
		}
	}
}

func (c *Connector) closeSubscription(id SubscriptionID) {
	c.removeSubscription(id)
	_ = c.sendRelayEvent(outboundCommand{kind: cmdBatch, msgs: []ClientMessage{NewCloseClientMessage(id)}})
}

// Unsubscribe closes a single subscription.
func (c *Connector) Unsubscribe(id SubscriptionID) {
	c.closeSubscription(id)
}

// UnsubscribeAll closes every currently registered subscription.
func (c *Connector) UnsubscribeAll() {
	for id := range c.Subscriptions() {
		c.closeSubscription(id)
	}
}

// resubscribeAll re-sends REQ for every registered subscription, used
// by the supervisor right after a successful (re)connect. Nothing to
// replay when reads are disabled.
func (c *Connector) resubscribeAll() {
	if !c.Flags().HasRead() {
		return
	}
	for id, filters := range c.Subscriptions() {
		if len(filters) == 0 {
			continue
		}
		_ = c.sendRelayEvent(outboundCommand{
			kind: cmdBatch,
			msgs: []ClientMessage{NewReqClientMessage(id, filters)},
		})
	}
}
