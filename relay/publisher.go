package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Publish sends a single event and waits for its OK response. On
// rejection it returns *EventNotPublishedError.
func (c *Connector) Publish(ctx context.Context, e *Event, opts RelaySendOptions) error {
	results, err := c.BatchEvent(ctx, []*Event{e}, opts)
	if err != nil {
		return err
	}
	if r := results[e.ID]; !r.Accepted {
		return &EventNotPublishedError{Reason: r.Reason}
	}
	return nil
}

type publishResult struct {
	accepted bool
	reason   string
}

// BatchEvent sends one or more events and tracks each one's OK
// response independently:
//   - a single event that gets rejected returns *EventNotPublishedError
//   - a multi-event batch where every event is rejected returns
//     *EventsNotPublishedError
//   - a multi-event batch with a mix of outcomes returns
//     *PartialPublishError
//   - nothing arrives within opts.Timeout for one or more events:
//     ErrTimeout
func (c *Connector) BatchEvent(ctx context.Context, events []*Event, opts RelaySendOptions) (map[string]PublishResult, error) {
	if len(events) == 0 {
		return nil, ErrBatchEventEmpty
	}
	if !c.Flags().HasWrite() {
		return nil, ErrWriteDisabled
	}
	if eventLimit := int(c.opts.Limits().Events.MaxSize); eventLimit > 0 {
		for _, e := range events {
			raw, err := e.AsJSON()
			if err != nil {
				return nil, wrapErr(KindEvent, "marshal event", err)
			}
			if len(raw) > eventLimit {
				return nil, errEventTooLarge(len(raw), eventLimit)
			}
		}
	}

	var mu sync.Mutex
	results := make(map[string]*publishResult, len(events))
	var wg sync.WaitGroup
	wg.Add(len(events))

	for _, e := range events {
		results[e.ID] = &publishResult{}
		id := e.ID
		c.okCallbacks.Store(id, func(accepted bool, reason string) {
			mu.Lock()
			results[id].accepted = accepted
			results[id].reason = reason
			mu.Unlock()
			wg.Done()
		})
	}

	msgs := make([]ClientMessage, len(events))
	for i, e := range events {
		msgs[i] = NewEventClientMessage(e)
	}
	if err := c.sendAndWait(ctx, msgs, opts); err != nil {
		for _, e := range events {
			c.okCallbacks.Delete(e.ID)
		}
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRelaySendOptions().Timeout
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	// With SkipDisconnected set, a status change to disconnected
	// observed mid-wait fails the whole batch fast instead of hanging
	// until opts.Timeout: the missing OKs are never coming.
	notif, cancelNotif := c.Notifications()
	defer cancelNotif()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

wait:
	for {
		select {
		case <-done:
			break wait
		case n, ok := <-notif:
			if !ok {
				notif = nil
				continue
			}
			if opts.SkipDisconnected && n.Kind == NotifyRelayStatus && n.Status.IsDisconnected() {
				for _, e := range events {
					c.okCallbacks.Delete(e.ID)
				}
				return nil, &EventNotPublishedError{Reason: ErrNotConnectedStatusChanged.Error()}
			}
		case <-timer.C:
			for _, e := range events {
				c.okCallbacks.Delete(e.ID)
			}
			return nil, ErrTimeout
		case <-ctx.Done():
			for _, e := range events {
				c.okCallbacks.Delete(e.ID)
			}
			return nil, ctx.Err()
		}
	}

	out := make(map[string]PublishResult, len(results))
	var published []string
	notPublished := map[string]string{}
	for id, r := range results {
		out[id] = PublishResult{Accepted: r.accepted, Reason: r.reason}
		if r.accepted {
			published = append(published, id)
		} else {
			notPublished[id] = r.reason
		}
	}

	if len(events) == 1 {
		if r := out[events[0].ID]; !r.Accepted {
			return out, &EventNotPublishedError{Reason: r.Reason}
		}
		return out, nil
	}
	switch {
	case len(notPublished) == 0:
		return out, nil
	case len(published) == 0:
		return out, &EventsNotPublishedError{Reasons: notPublished}
	default:
		return out, &PartialPublishError{Published: published, NotPublished: notPublished}
	}
}

// PublishResult is the exported per-event publish outcome.
type PublishResult struct {
	Accepted bool
	Reason   string
}

func (r PublishResult) String() string {
	return fmt.Sprintf("accepted=%v reason=%q", r.Accepted, r.Reason)
}
