// Package relay implements a client-side connector for a single
// JSON-over-WebSocket relay: connection lifecycle with auto-reconnect,
// subscription multiplexing, reliable publish with per-event OK
// tracking, and negentropy set reconciliation against a local
// EventStore.
package relay

import (
	"context"
	"net/url"
	"sync"

	s "github.com/SaveTheRbtz/generic-sync-map-go"
	"go.uber.org/atomic"
)

const outboundChannelCapacity = 1024
const internalBusCapacity = 2048

// outboundCommandKind discriminates the commands consumed by the
// sender loop.
type outboundCommandKind int

const (
	cmdBatch outboundCommandKind = iota
	cmdPing
	cmdClose
	cmdStop
	cmdTerminate
)

type outboundCommand struct {
	kind  outboundCommandKind
	msgs  []ClientMessage
	nonce uint64
	reply chan<- bool
}

// Connector owns one logical connection to a single relay URL. It is
// safe for concurrent use; create one with New and call Connect.
type Connector struct {
	url string

	statusMu sync.RWMutex
	status   Status

	opts  *RelayOptions
	stats *Stats

	store EventStore

	verifier Verifier
	infoDoc  InfoDocumentFetcher

	scheduledForStop        atomic.Bool
	scheduledForTermination atomic.Bool
	supervisorRunning       atomic.Bool

	outbound     chan outboundCommand
	internalBus  *Broadcaster[Notification]
	externalMu   sync.RWMutex
	externalBus  *Broadcaster[PoolNotification]

	subscriptions s.MapOf[SubscriptionID, []Filter]
	okCallbacks   s.MapOf[string, func(bool, string)]

	connMu sync.Mutex
	conn   socketConn

	pingAbort chan struct{}

	supervisorOnce sync.Once
	supervisorDone chan struct{}
}

// InfoDocumentFetcher is the NIP-11 relay-information-document fetch
// hook. The HTTP fetch itself belongs to the host application; the
// connector calls it fire-and-forget after each successful connect
// and ignores failures.
type InfoDocumentFetcher interface {
	Fetch(ctx context.Context, relayURL string, proxy *url.URL) (map[string]any, error)
}

// New builds a Connector for relayURL against store, using opts (or
// defaults when nil).
func New(relayURL string, store EventStore, opts *RelayOptions) *Connector {
	if opts == nil {
		opts = NewRelayOptions()
	}
	return &Connector{
		url:         relayURL,
		status:      StatusInitialized,
		opts:        opts,
		stats:       NewStats(),
		store:       store,
		verifier:    Secp256k1Verifier{},
		outbound:    make(chan outboundCommand, outboundChannelCapacity),
		internalBus: NewBroadcaster[Notification](internalBusCapacity),
	}
}

// URL returns the relay's URL.
func (c *Connector) URL() string { return c.url }

func (c *Connector) String() string { return c.url }

// SetVerifier overrides the default schnorr signature verifier, e.g.
// with AssumeValidVerifier{} for a trusted relay.
func (c *Connector) SetVerifier(v Verifier) { c.verifier = v }

// SetInfoDocumentFetcher installs the best-effort NIP-11 fetch hook.
func (c *Connector) SetInfoDocumentFetcher(f InfoDocumentFetcher) { c.infoDoc = f }

// Status returns the connector's current lifecycle state.
func (c *Connector) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Connector) setStatus(status Status) {
	c.statusMu.Lock()
	c.status = status
	c.statusMu.Unlock()
	c.sendNotification(Notification{Kind: NotifyRelayStatus, Status: status})
}

// IsConnected reports whether the relay is currently Connected.
func (c *Connector) IsConnected() bool { return c.Status() == StatusConnected }

// Flags returns the capability bit set (read/write/ping).
func (c *Connector) Flags() *ServiceFlags { return c.opts.Flags() }

// Options returns the options the connector was constructed with.
func (c *Connector) Options() *RelayOptions { return c.opts }

// Stats returns the connector's live statistics.
func (c *Connector) Stats() *Stats { return c.stats }

// QueueLen reports how many outbound commands are pending.
func (c *Connector) QueueLen() int { return len(c.outbound) }

// SetNotificationSender installs (or, with nil, removes) the optional
// external notification mirror.
func (c *Connector) SetNotificationSender(bus *Broadcaster[PoolNotification]) {
	c.externalMu.Lock()
	c.externalBus = bus
	c.externalMu.Unlock()
}

// Notifications subscribes to the internal notification bus. Callers
// must drain the channel; a slow reader misses items (bounded,
// drop-oldest).
func (c *Connector) Notifications() (<-chan Notification, func()) {
	return c.internalBus.Subscribe()
}

func (c *Connector) sendNotification(n Notification) {
	c.internalBus.Publish(n)

	c.externalMu.RLock()
	bus := c.externalBus
	c.externalMu.RUnlock()
	if bus != nil {
		bus.Publish(PoolNotification{RelayURL: c.url, Notification: n})
	}
}

func (c *Connector) isScheduledForStop() bool        { return c.scheduledForStop.Load() }
func (c *Connector) scheduleForStop(v bool)          { c.scheduledForStop.Store(v) }
func (c *Connector) isScheduledForTermination() bool { return c.scheduledForTermination.Load() }
func (c *Connector) scheduleForTermination(v bool)   { c.scheduledForTermination.Store(v) }

// Subscriptions returns a snapshot of the registered (non-ephemeral)
// subscriptions.
func (c *Connector) Subscriptions() map[SubscriptionID][]Filter {
	out := map[SubscriptionID][]Filter{}
	c.subscriptions.Range(func(id SubscriptionID, filters []Filter) bool {
		out[id] = filters
		return true
	})
	return out
}

// Subscription returns the filters registered under id, if any.
func (c *Connector) Subscription(id SubscriptionID) ([]Filter, bool) {
	return c.subscriptions.Load(id)
}

func (c *Connector) updateSubscription(id SubscriptionID, filters []Filter) {
	c.subscriptions.Store(id, filters)
}

func (c *Connector) removeSubscription(id SubscriptionID) {
	c.subscriptions.Delete(id)
}

// sendRelayEvent enqueues an outbound command without blocking the
// caller; a full queue surfaces as ErrMessageNotSent.
func (c *Connector) sendRelayEvent(cmd outboundCommand) error {
	select {
	case c.outbound <- cmd:
		return nil
	default:
		return ErrMessageNotSent
	}
}
