package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsUptimeDefaultsToOneWithNoAttempts(t *testing.T) {
	s := NewStats()
	assert.Equal(t, 1.0, s.Uptime())
}

func TestStatsUptimeTracksSuccessesOverAttempts(t *testing.T) {
	s := NewStats()
	s.NewAttempt()
	s.NewAttempt()
	s.NewAttempt()
	s.NewAttempt()
	s.NewSuccess()
	s.NewSuccess()
	assert.Equal(t, uint64(4), s.Attempts())
	assert.Equal(t, uint64(2), s.Successes())
	assert.InDelta(t, 0.5, s.Uptime(), 0.0001)
}

func TestStatsLatencyRingDropsOldest(t *testing.T) {
	s := NewStats()
	for i := 0; i < latencyBufferSize+5; i++ {
		s.SaveLatency(time.Duration(i) * time.Millisecond)
	}
	lat := s.Latencies()
	assert.Len(t, lat, latencyBufferSize)
	// the oldest 5 samples (0..4ms) must have been evicted.
	assert.Equal(t, 5*time.Millisecond, lat[0])
}

func TestPingStateRoundTrip(t *testing.T) {
	p := &PingState{}
	p.SetLastNonce(9)
	p.JustSent()
	assert.Equal(t, uint64(9), p.LastNonce())
	assert.False(t, p.Replied())
	p.SetReplied(true)
	assert.True(t, p.Replied())
	assert.WithinDuration(t, time.Now(), p.SentAt(), time.Second)

	p.Reset()
	assert.Equal(t, uint64(0), p.LastNonce())
	assert.False(t, p.Replied())
}
