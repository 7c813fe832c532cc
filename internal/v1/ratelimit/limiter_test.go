package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/types"
)

// fakeClock steps time manually so window math is deterministic.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, clock *fakeClock) *Limiter {
	t.Helper()
	l, err := New("", WithClock(clock.Now))
	require.NoError(t, err)
	return l
}

// Scenario: an anonymous peer fires 10 chat messages inside one second.
// The burst allowance (5) covers the first five; the rest are denied and
// the connection-level outcome is a rejection, never a drop.
func TestAllow_AnonymousChatBurst(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	allowedCount := 0
	for i := 0; i < 10; i++ {
		d := l.Allow("peer-1", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage)
		if d.Allowed {
			allowedCount++
		} else {
			assert.Equal(t, signaling.CodeRateLimitExceeded, d.Code)
			assert.Positive(t, d.RetryAfter)
		}
	}
	assert.Equal(t, 5, allowedCount)
}

func TestAllow_RefillsOverTime(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("peer-1", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage).Allowed)
	}
	require.False(t, l.Allow("peer-1", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage).Allowed)

	// Two per-second refill: one message per 500ms once the burst is spent.
	clock.Advance(time.Second)
	assert.True(t, l.Allow("peer-1", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage).Allowed)
	assert.True(t, l.Allow("peer-1", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage).Allowed)
	assert.False(t, l.Allow("peer-1", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage).Allowed)
}

func TestAllow_MinuteWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	// One message per second stays under the per-second budget; the minute
	// window is what eventually refuses.
	sent := 0
	for i := 0; i < 120; i++ {
		d := l.Allow("peer-1", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage)
		if !d.Allowed {
			break
		}
		sent++
		clock.Advance(time.Second)
	}
	// Anonymous allows 60/min; the sliding estimate lets at most a burst
	// beyond that through before refusing.
	assert.GreaterOrEqual(t, sent, 60)
	assert.LessOrEqual(t, sent, 66)
}

func TestAllow_OfferCooldown(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	require.True(t, l.Allow("peer-s", "203.0.113.9", types.TierStreamer, signaling.EvtOffer).Allowed)

	d := l.Allow("peer-s", "203.0.113.9", types.TierStreamer, signaling.EvtOffer)
	assert.False(t, d.Allowed)
	assert.Equal(t, signaling.CodeRateLimitExceeded, d.Code)

	clock.Advance(1100 * time.Millisecond)
	assert.True(t, l.Allow("peer-s", "203.0.113.9", types.TierStreamer, signaling.EvtOffer).Allowed)
}

func TestAllow_ICECandidatesAreCheap(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	// At 0.1 cost a viewer's ICE trickle does not burn its chat budget.
	for i := 0; i < 50; i++ {
		require.True(t, l.Allow("peer-v", "203.0.113.9", types.TierViewer, signaling.EvtICECandidate).Allowed, "candidate %d", i)
	}
	assert.True(t, l.Allow("peer-v", "203.0.113.9", types.TierViewer, signaling.EvtChatMessage).Allowed)
}

func TestAllow_IPEscalationToBan(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	// Hammer until the address accumulates enough violations to be banned.
	for i := 0; i < 100; i++ {
		l.Allow("peer-1", "198.51.100.4", types.TierAnonymous, signaling.EvtChatMessage)
	}

	d := l.Allow("peer-1", "198.51.100.4", types.TierAnonymous, signaling.EvtChatMessage)
	require.False(t, d.Allowed)
	assert.Equal(t, signaling.CodeIPBanned, d.Code)
	assert.Positive(t, d.RetryAfter)

	// A different peer behind the same address is banned too.
	d = l.Allow("peer-2", "198.51.100.4", types.TierAnonymous, signaling.EvtChatMessage)
	assert.Equal(t, signaling.CodeIPBanned, d.Code)

	// Other addresses are unaffected.
	assert.True(t, l.Allow("peer-3", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage).Allowed)

	// Bans expire lazily.
	clock.Advance(banDuration + 11*time.Minute)
	assert.True(t, l.Allow("peer-1", "198.51.100.4", types.TierAnonymous, signaling.EvtChatMessage).Allowed)
}

func TestAllow_ThrottleScalesWindows(t *testing.T) {
	clock := newFakeClock()
	throttle := NewThrottle(80, 85, 0.5)
	l, err := New("", WithClock(clock.Now), WithThrottle(throttle))
	require.NoError(t, err)

	// Pressure engages immediately.
	throttle.apply(95, 50)
	require.Equal(t, 0.5, throttle.Factor())

	// The anonymous minute budget is halved to 30.
	sent := 0
	for i := 0; i < 60; i++ {
		d := l.Allow("peer-1", "203.0.113.9", types.TierAnonymous, signaling.EvtChatMessage)
		if !d.Allowed {
			break
		}
		sent++
		clock.Advance(time.Second)
	}
	assert.GreaterOrEqual(t, sent, 30)
	assert.LessOrEqual(t, sent, 33)

	// Recovery needs consecutive clean samples.
	throttle.apply(10, 10)
	assert.Equal(t, 0.5, throttle.Factor())
	throttle.apply(10, 10)
	assert.Equal(t, 1.0, throttle.Factor())
}

func TestThrottle_FlapResistance(t *testing.T) {
	throttle := NewThrottle(80, 85, 0.5)

	throttle.apply(90, 10)
	require.Equal(t, 0.5, throttle.Factor())

	// A single clean sample followed by renewed pressure keeps it engaged.
	throttle.apply(10, 10)
	throttle.apply(90, 10)
	throttle.apply(10, 10)
	assert.Equal(t, 0.5, throttle.Factor())
}

func TestRegisterConn_TierCaps(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	// Anonymous allows a single connection per (ip, username).
	require.True(t, l.RegisterConn("203.0.113.9", "guest", types.TierAnonymous).Allowed)
	d := l.RegisterConn("203.0.113.9", "guest", types.TierAnonymous)
	require.False(t, d.Allowed)
	assert.Equal(t, signaling.CodeConnectionLimit, d.Code)

	l.ReleaseConn("203.0.113.9", "guest")
	assert.True(t, l.RegisterConn("203.0.113.9", "guest", types.TierAnonymous).Allowed)

	// Viewers get three.
	for i := 0; i < 3; i++ {
		require.True(t, l.RegisterConn("203.0.113.9", "bob", types.TierViewer).Allowed)
	}
	assert.False(t, l.RegisterConn("203.0.113.9", "bob", types.TierViewer).Allowed)
}

func TestParseOverrides(t *testing.T) {
	tiers, err := parseOverrides("viewer=10/300/3000/20/5; streamer=100/2000/40000/200/2")
	require.NoError(t, err)
	assert.Equal(t, Limits{PerSec: 10, PerMin: 300, PerHour: 3000, Burst: 20, MaxConns: 5}, tiers[types.TierViewer])
	assert.Equal(t, Limits{PerSec: 100, PerMin: 2000, PerHour: 40000, Burst: 200, MaxConns: 2}, tiers[types.TierStreamer])
	// Untouched tiers keep the defaults.
	assert.Equal(t, defaultTierLimits[types.TierAnonymous], tiers[types.TierAnonymous])
}

func TestParseOverrides_Invalid(t *testing.T) {
	tests := []string{
		"viewer=10/300/3000/20",       // missing conns
		"viewer:10/300/3000/20/5",     // wrong separator
		"superuser=10/300/3000/20/5",  // unknown tier
		"viewer=10/0/3000/20/5",       // zero value
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := parseOverrides(raw)
			assert.Error(t, err)
		})
	}
}

func TestForgetAndSweep(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	require.True(t, l.Allow("peer-1", "203.0.113.9", types.TierViewer, signaling.EvtChatMessage).Allowed)
	l.Forget("peer-1")
	assert.Empty(t, l.peers)

	require.True(t, l.Allow("peer-2", "203.0.113.9", types.TierViewer, signaling.EvtChatMessage).Allowed)
	clock.Advance(peerIdleLimit + time.Minute)
	l.sweep(clock.Now())
	assert.Empty(t, l.peers)
	assert.Empty(t, l.ips)
}
