package relay

import (
	"net/url"
	"time"
)

// Backoff, liveness, and reconciliation flow-control constants.
const (
	MinRetrySec           = 5
	MaxAdjRetrySec        = 120
	PingInterval          = 55 * time.Second
	defaultConnectTimeout = 60 * time.Second
	minAttempts           = 1
	minUptime             = 0.90

	NegentropyLowWaterUp    = 2
	NegentropyHighWaterUp   = 100
	NegentropyBatchSizeDown = 50
)

// MessageLimits bounds raw relay-message sizes.
type MessageLimits struct {
	MaxSize uint32
}

// EventLimits bounds individual event size and tag count.
type EventLimits struct {
	MaxSize    uint32
	MaxNumTags uint32
}

// Limits groups the size ceilings enforced by the receiver loop.
type Limits struct {
	Messages MessageLimits
	Events   EventLimits
}

// DefaultLimits mirrors typical relay-side defaults.
func DefaultLimits() Limits {
	return Limits{
		Messages: MessageLimits{MaxSize: 5 * 1024 * 1024},
		Events:   EventLimits{MaxSize: 256 * 1024, MaxNumTags: 2000},
	}
}

// RelayOptions configures a Connector at construction time.
type RelayOptions struct {
	flags          *ServiceFlags
	reconnect      bool
	retrySec       int64
	adjustRetrySec bool
	proxy          *url.URL
	limits         Limits
	powDifficulty  uint8
}

// RelayOption mutates a RelayOptions under construction.
type RelayOption func(*RelayOptions)

// NewRelayOptions builds options with the usual defaults: read+write
// enabled, ping enabled, reconnect enabled, default limits, no PoW
// requirement.
func NewRelayOptions(opts ...RelayOption) *RelayOptions {
	o := &RelayOptions{
		flags:     NewServiceFlags(true, true, true),
		reconnect: true,
		retrySec:  MinRetrySec,
		limits:    DefaultLimits(),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

func WithFlags(read, write, ping bool) RelayOption {
	return func(o *RelayOptions) { o.flags = NewServiceFlags(read, write, ping) }
}

func WithReconnect(v bool) RelayOption {
	return func(o *RelayOptions) { o.reconnect = v }
}

func WithRetrySec(sec int64) RelayOption {
	return func(o *RelayOptions) { o.retrySec = sec }
}

func WithAdjustRetrySec(v bool) RelayOption {
	return func(o *RelayOptions) { o.adjustRetrySec = v }
}

// WithProxy sets the SOCKS/HTTP proxy URL used to dial the relay.
// Non-browser builds only; see dial.go.
func WithProxy(proxy *url.URL) RelayOption {
	return func(o *RelayOptions) { o.proxy = proxy }
}

func WithLimits(l Limits) RelayOption {
	return func(o *RelayOptions) { o.limits = l }
}

func WithPowDifficulty(d uint8) RelayOption {
	return func(o *RelayOptions) { o.powDifficulty = d }
}

func (o *RelayOptions) Flags() *ServiceFlags { return o.flags }
func (o *RelayOptions) Reconnect() bool      { return o.reconnect }
func (o *RelayOptions) RetrySec() int64      { return o.retrySec }
func (o *RelayOptions) AdjustRetrySec() bool { return o.adjustRetrySec }
func (o *RelayOptions) Proxy() *url.URL      { return o.proxy }
func (o *RelayOptions) Limits() Limits       { return o.limits }
func (o *RelayOptions) PowDifficulty() uint8 { return o.powDifficulty }

// RelaySendOptions configures one outbound send. SkipDisconnected
// skips relays that are down and past their grace attempt instead of
// queueing messages they will never deliver.
type RelaySendOptions struct {
	Timeout              time.Duration
	SkipSendConfirmation bool
	SkipDisconnected     bool
}

// DefaultRelaySendOptions is the default send configuration: a 10s
// wait for the write confirmation and OK tracking, and no sends to
// chronically disconnected relays.
func DefaultRelaySendOptions() RelaySendOptions {
	return RelaySendOptions{Timeout: 10 * time.Second, SkipDisconnected: true}
}

// FilterOptions is the auto-close policy for a subscription.
type FilterOptions struct {
	kind               filterOptionsKind
	waitDuration       time.Duration
	waitForEventsCount int
}

type filterOptionsKind int

const (
	FilterExitOnEOSE filterOptionsKind = iota
	FilterWaitDurationAfterEOSE
	FilterWaitForEventsAfterEOSE
)

func ExitOnEOSE() FilterOptions { return FilterOptions{kind: FilterExitOnEOSE} }

func WaitDurationAfterEOSE(d time.Duration) FilterOptions {
	return FilterOptions{kind: FilterWaitDurationAfterEOSE, waitDuration: d}
}

func WaitForEventsAfterEOSE(n int) FilterOptions {
	return FilterOptions{kind: FilterWaitForEventsAfterEOSE, waitForEventsCount: n}
}

func (f FilterOptions) Kind() filterOptionsKind     { return f.kind }
func (f FilterOptions) WaitDuration() time.Duration { return f.waitDuration }
func (f FilterOptions) WaitForEventsCount() int     { return f.waitForEventsCount }

// SubscribeAutoCloseOptions pairs a FilterOptions policy with a hard
// deadline; elapsing the deadline force-closes regardless of policy.
type SubscribeAutoCloseOptions struct {
	Filter  FilterOptions
	Timeout time.Duration
}

// SubscribeOptions configures one subscribe call. A nil AutoClose
// makes the subscription persistent (registered and replayed on
// reconnect); a non-nil AutoClose makes it ephemeral.
type SubscribeOptions struct {
	SendOpts  RelaySendOptions
	AutoClose *SubscribeAutoCloseOptions
}

func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{SendOpts: DefaultRelaySendOptions()}
}

// NegentropyDirection controls which half of a reconciliation runs.
type NegentropyDirection int

const (
	NegentropyUp NegentropyDirection = iota
	NegentropyDown
	NegentropyBoth
)

func (d NegentropyDirection) DoUp() bool   { return d == NegentropyUp || d == NegentropyBoth }
func (d NegentropyDirection) DoDown() bool { return d == NegentropyDown || d == NegentropyBoth }

// NegentropyOptions configures one Reconcile call.
type NegentropyOptions struct {
	InitialTimeout time.Duration
	Direction      NegentropyDirection
}

func DefaultNegentropyOptions() NegentropyOptions {
	return NegentropyOptions{InitialTimeout: 10 * time.Second, Direction: NegentropyBoth}
}
