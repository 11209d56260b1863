package relay

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

const latencyBufferSize = 64

// PingState tracks the single in-flight liveness ping.
type PingState struct {
	mu        sync.RWMutex
	lastNonce atomic.Uint64
	replied   atomic.Bool
	sentAt    time.Time
}

func (p *PingState) LastNonce() uint64     { return p.lastNonce.Load() }
func (p *PingState) SetLastNonce(n uint64) { p.lastNonce.Store(n) }
func (p *PingState) Replied() bool         { return p.replied.Load() }
func (p *PingState) SetReplied(v bool)     { p.replied.Store(v) }

func (p *PingState) JustSent() {
	p.mu.Lock()
	p.sentAt = time.Now()
	p.mu.Unlock()
}

func (p *PingState) SentAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sentAt
}

func (p *PingState) Reset() {
	p.lastNonce.Store(0)
	p.replied.Store(false)
}

// Stats holds monotonic connection counters and a rolling ping-latency
// sample buffer. Sums are atomics; the latency buffer is a small
// fixed-size ring guarded by its own mutex.
type Stats struct {
	attempts  atomic.Uint64
	successes atomic.Uint64
	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	latMu     sync.Mutex
	latencies []time.Duration

	Ping *PingState
}

// NewStats returns a zeroed Stats with its ping sub-state initialized.
func NewStats() *Stats {
	return &Stats{Ping: &PingState{}}
}

func (s *Stats) NewAttempt()       { s.attempts.Inc() }
func (s *Stats) NewSuccess()       { s.successes.Inc() }
func (s *Stats) Attempts() uint64  { return s.attempts.Load() }
func (s *Stats) Successes() uint64 { return s.successes.Load() }

func (s *Stats) AddBytesSent(n int)     { s.bytesSent.Add(uint64(n)) }
func (s *Stats) AddBytesReceived(n int) { s.bytesRecv.Add(uint64(n)) }
func (s *Stats) BytesSent() uint64      { return s.bytesSent.Load() }
func (s *Stats) BytesReceived() uint64  { return s.bytesRecv.Load() }

// Uptime is successes/attempts, defined as 1.0 when attempts is zero.
func (s *Stats) Uptime() float64 {
	a := s.Attempts()
	if a == 0 {
		return 1.0
	}
	return float64(s.Successes()) / float64(a)
}

// SaveLatency appends a ping round-trip sample, dropping the oldest
// once the ring is full.
func (s *Stats) SaveLatency(d time.Duration) {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	if len(s.latencies) >= latencyBufferSize {
		s.latencies = s.latencies[1:]
	}
	s.latencies = append(s.latencies, d)
}

// Latencies returns a snapshot of the recorded round-trip samples.
func (s *Stats) Latencies() []time.Duration {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	out := make([]time.Duration, len(s.latencies))
	copy(out, s.latencies)
	return out
}
