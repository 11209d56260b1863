package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gonostr/relaypool/negentropy"
	"github.com/gonostr/relaypool/relaylog"
)

// ReconcileResult summarizes one negentropy session: HaveIDs are
// events the local store holds that the relay doesn't, NeedIDs events
// the relay holds that the local store doesn't. Each list is populated
// (and its transfers dispatched) only when the matching direction flag
// is set: DoUp for HaveIDs, DoDown for NeedIDs.
type ReconcileResult struct {
	HaveIDs []string
	NeedIDs []string
}

// negFlow tracks the incremental upload/download dispatch queues for
// one Reconcile session. haveQueue and needQueue hold ids not yet
// dispatched; inFlightUp holds ids published but not yet OK'd. A
// download batch is sent as one REQ on downloadSubID and considered in
// flight until its EOSE arrives.
type negFlow struct {
	mu             sync.Mutex
	haveQueue      []string
	needQueue      []string
	inFlightUp     map[string]struct{}
	downloadActive bool
	downloadSubID  SubscriptionID
	wake           chan struct{}
}

func newNegFlow() *negFlow {
	return &negFlow{
		inFlightUp: make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

func (f *negFlow) nudge() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// drained reports whether this session's flow has nothing left to
// dispatch or await.
func (f *negFlow) drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.haveQueue) == 0 && len(f.needQueue) == 0 && len(f.inFlightUp) == 0 && !f.downloadActive
}

// Reconcile runs a negentropy set-reconciliation session against
// filter. It gates on relay support (a NOTICE matching a known
// "unsupported" pattern, or a NEG-ERR on the opening message, both
// fail fast) and otherwise drives the have/need flow control loop
// until both sides report nothing further to say.
func (c *Connector) Reconcile(ctx context.Context, filter Filter, opts NegentropyOptions) (*ReconcileResult, error) {
	if !c.Flags().HasRead() {
		return nil, ErrReadDisabled
	}
	if !c.IsConnected() &&
		c.stats.Attempts() > minAttempts &&
		c.stats.Uptime() < minUptime {
		return nil, ErrNotConnected
	}

	items, err := c.store.NegentropyItems(ctx, filter)
	if err != nil {
		return nil, dbErr("negentropy items", err)
	}

	sketch, err := negentropy.New(32, nil)
	if err != nil {
		return nil, wrapErr(KindNegentropy, "build sketch", err)
	}
	for _, it := range items {
		id, decErr := negentropy.FromHex(it.ID)
		if decErr != nil {
			continue
		}
		_ = sketch.AddItem(uint64(it.Timestamp), id)
	}
	if err := sketch.Seal(); err != nil {
		return nil, wrapErr(KindNegentropy, "seal sketch", err)
	}

	initial, err := sketch.Initiate()
	if err != nil {
		return nil, wrapErr(KindNegentropy, "initiate", err)
	}

	id := NewSubscriptionID()
	notif, cancel := c.Notifications()
	defer cancel()

	if err := c.sendRelayEvent(outboundCommand{
		kind: cmdBatch,
		msgs: []ClientMessage{newNegOpenMessage(id, filter, initial)},
	}); err != nil {
		return nil, err
	}

	timeout := opts.InitialTimeout
	if timeout <= 0 {
		timeout = DefaultNegentropyOptions().InitialTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := &ReconcileResult{}
	flow := newNegFlow()
	syncDone := false

	finish := func(err error) (*ReconcileResult, error) {
		_ = c.sendRelayEvent(outboundCommand{kind: cmdBatch, msgs: []ClientMessage{newNegCloseMessage(id)}})
		return result, err
	}

	for {
		select {
		case n, ok := <-notif:
			if !ok {
				return result, ErrCantSendChannelMessage
			}
			if n.Kind == NotifyStop || n.Kind == NotifyShutdown {
				return finish(ErrNotConnected)
			}
			if n.Kind == NotifyRelayStatus && n.Status.IsDisconnected() {
				return finish(ErrNotConnectedStatusChanged)
			}
			if n.Kind != NotifyMessage || n.Message == nil {
				continue
			}
			msg := n.Message

			if msg.Kind == RMNotice && isUnknownNegentropyErrorNotice(msg.Notice) {
				return result, ErrUnknownNegentropyError
			}
			if msg.Kind == RMNotice && isUnsupportedNegentropyNotice(msg.Notice) {
				return result, ErrNegentropyNotSupported
			}

			if msg.Kind == RMEOSE && flow.downloadSubID != "" && msg.SubscriptionID == flow.downloadSubID {
				flow.mu.Lock()
				flow.downloadActive = false
				flow.mu.Unlock()
				c.pumpDownload(flow)
				if syncDone && flow.drained() {
					return finish(nil)
				}
				continue
			}

			if msg.SubscriptionID != id {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}

			switch msg.Kind {
			case RMNegErr:
				if msg.NegCode == "" {
					return finish(ErrUnknownNegentropyError)
				}
				return finish(&NegentropyReconciliationError{Code: msg.NegCode})
			case RMNegMsg:
				payload, decErr := negentropy.FromHex(msg.NegPayload)
				if decErr != nil {
					return finish(wrapErr(KindNegentropy, "decode NEG-MSG payload", decErr))
				}

				var haveIDs, needIDs []negentropy.Bytes
				next, recErr := sketch.ReconcileWithIDs(payload, &haveIDs, &needIDs)
				if recErr != nil {
					return finish(wrapErr(KindNegentropy, "reconcile", recErr))
				}

				flow.mu.Lock()
				if opts.Direction.DoUp() {
					for _, h := range haveIDs {
						hex := h.Hex()
						result.HaveIDs = append(result.HaveIDs, hex)
						flow.haveQueue = append(flow.haveQueue, hex)
					}
				}
				if opts.Direction.DoDown() {
					for _, nd := range needIDs {
						hex := nd.Hex()
						result.NeedIDs = append(result.NeedIDs, hex)
						flow.needQueue = append(flow.needQueue, hex)
					}
				}
				flow.mu.Unlock()

				c.pumpUpload(ctx, flow)
				c.pumpDownload(flow)

				if next == nil {
					syncDone = true
					if flow.drained() {
						return finish(nil)
					}
					continue
				}

				timer.Reset(timeout)
				_ = c.sendRelayEvent(outboundCommand{
					kind: cmdBatch,
					msgs: []ClientMessage{newNegMsgMessage(id, next.Hex())},
				})
			default:
				continue
			}
		case <-flow.wake:
			c.pumpUpload(ctx, flow)
			c.pumpDownload(flow)
			if syncDone && flow.drained() {
				return finish(nil)
			}
		case <-timer.C:
			return finish(ErrTimeout)
		case <-ctx.Done():
			return finish(ctx.Err())
		}
	}
}

// pumpUpload dispatches queued HaveIDs as EVENT publishes up to
// NegentropyHighWaterUp in flight, draining only once inFlightUp has
// fallen to NegentropyLowWaterUp or below. Each publish registers an
// OK callback (the same per-event-id mechanism BatchEvent uses) that
// frees its in-flight slot and wakes the reconcile loop to pump
// further; a rejection is logged, not retried.
func (c *Connector) pumpUpload(ctx context.Context, flow *negFlow) {
	flow.mu.Lock()
	if len(flow.haveQueue) == 0 || len(flow.inFlightUp) > NegentropyLowWaterUp {
		flow.mu.Unlock()
		return
	}
	var toSend []string
	for len(flow.haveQueue) > 0 && len(flow.inFlightUp) < NegentropyHighWaterUp {
		next := flow.haveQueue[len(flow.haveQueue)-1]
		flow.haveQueue = flow.haveQueue[:len(flow.haveQueue)-1]
		flow.inFlightUp[next] = struct{}{}
		toSend = append(toSend, next)
	}
	flow.mu.Unlock()

	for _, eventID := range toSend {
		e, err := c.store.EventByID(ctx, eventID)
		if err != nil || e == nil {
			flow.mu.Lock()
			delete(flow.inFlightUp, eventID)
			flow.mu.Unlock()
			continue
		}

		id := eventID
		c.okCallbacks.Store(id, func(accepted bool, reason string) {
			if !accepted {
				relaylog.With(zerolog.WarnLevel).Str("relay", c.url).
					Str("event_id", id).Str("reason", reason).Msg("negentropy upload rejected")
			}
			flow.mu.Lock()
			delete(flow.inFlightUp, id)
			flow.mu.Unlock()
			flow.nudge()
		})
		if err := c.sendRelayEvent(outboundCommand{kind: cmdBatch, msgs: []ClientMessage{NewEventClientMessage(e)}}); err != nil {
			c.okCallbacks.Delete(id)
			flow.mu.Lock()
			delete(flow.inFlightUp, id)
			flow.mu.Unlock()
		}
	}
}

// pumpDownload starts one download batch (up to NegentropyBatchSizeDown
// ids) as a REQ on a fresh subscription id, if no download is already
// in flight. Its EOSE, matched in Reconcile's main loop, clears
// downloadActive and triggers the next batch.
func (c *Connector) pumpDownload(flow *negFlow) {
	flow.mu.Lock()
	if len(flow.needQueue) == 0 || flow.downloadActive {
		flow.mu.Unlock()
		return
	}
	end := NegentropyBatchSizeDown
	if end > len(flow.needQueue) {
		end = len(flow.needQueue)
	}
	batch := append([]string(nil), flow.needQueue[:end]...)
	flow.needQueue = flow.needQueue[end:]
	subID := NewSubscriptionID()
	flow.downloadSubID = subID
	flow.downloadActive = true
	flow.mu.Unlock()

	filters := []Filter{NewFilter().WithIDs(batch...)}
	_ = c.sendRelayEvent(outboundCommand{kind: cmdBatch, msgs: []ClientMessage{NewReqClientMessage(subID, filters)}})
}

// isUnsupportedNegentropyNotice reports whether a NOTICE signals a
// relay that doesn't speak NEG-OPEN: "bad msg" together with any of
// "unknown cmd", "negentropy", or "NEG-".
func isUnsupportedNegentropyNotice(notice string) bool {
	n := strings.ToLower(notice)
	if !strings.Contains(n, "bad msg") {
		return false
	}
	return strings.Contains(n, "unknown cmd") || strings.Contains(n, "negentropy") || strings.Contains(n, "neg-")
}

// isUnknownNegentropyErrorNotice matches the narrower pattern that maps
// to UnknownNegentropyError instead of NegentropyNotSupported.
func isUnknownNegentropyErrorNotice(notice string) bool {
	n := strings.ToLower(notice)
	return strings.Contains(n, "bad msg: invalid message") && strings.Contains(n, "neg-open")
}

// SupportNegentropy probes relay support for negentropy by running an
// empty reconciliation against a filter authored by a throwaway key,
// so neither side has anything to exchange. It reports false only when
// the relay signals it doesn't speak the protocol; any other failure
// is returned as-is.
func (c *Connector) SupportNegentropy(ctx context.Context) (bool, error) {
	var author [32]byte
	_, _ = rand.Read(author[:])
	filter := NewFilter().WithAuthors(hex.EncodeToString(author[:])).WithLimit(1)

	_, err := c.Reconcile(ctx, filter, NegentropyOptions{InitialTimeout: 5 * time.Second, Direction: NegentropyDown})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNegentropyNotSupported):
		return false, nil
	default:
		return false, err
	}
}
