// Package ratelimit enforces the per-message budgets of connected peers:
// tiered sliding windows, per-kind weights and cooldowns, per-IP escalation
// with temporary bans, and an adaptive throttle that tightens every limit
// when the host is under pressure. The WebSocket upgrade itself is guarded
// earlier by the middleware connect gate; this package takes over once the
// socket is established.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/castwire/streamhub/internal/v1/metrics"
	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/types"
)

// Limits is one tier's row of the rate table.
type Limits struct {
	PerSec   int
	PerMin   int
	PerHour  int
	Burst    int
	MaxConns int
}

// defaultTierLimits is the fleet-wide rate table. Overridable per
// deployment via RATE_TIER_OVERRIDES.
var defaultTierLimits = map[types.TierType]Limits{
	types.TierAnonymous:     {PerSec: 2, PerMin: 60, PerHour: 500, Burst: 5, MaxConns: 1},
	types.TierViewer:        {PerSec: 5, PerMin: 200, PerHour: 2000, Burst: 10, MaxConns: 3},
	types.TierPremiumViewer: {PerSec: 10, PerMin: 400, PerHour: 5000, Burst: 20, MaxConns: 10},
	types.TierModerator:     {PerSec: 25, PerMin: 800, PerHour: 10000, Burst: 50, MaxConns: 5},
	types.TierStreamer:      {PerSec: 50, PerMin: 1000, PerHour: 20000, Burst: 100, MaxConns: 1},
}

// weight is the cost model for one message kind. Cost is in whole-message
// units; fractional costs let chatter like ICE candidates flow cheaply.
type weight struct {
	Cost     float64
	Cooldown time.Duration
}

var kindWeights = map[string]weight{
	signaling.EvtOffer:            {Cost: 5, Cooldown: time.Second},
	signaling.EvtAnswer:           {Cost: 5},
	signaling.EvtICECandidate:     {Cost: 0.1},
	signaling.EvtChatMessage:      {Cost: 1},
	signaling.EvtConnectionHealth: {Cost: 0.1},
}

func kindWeight(kind string) weight {
	if w, ok := kindWeights[kind]; ok {
		return w
	}
	return weight{Cost: 1}
}

// Decision is the outcome of one admission check. A denial names the
// stable error code the client sees; the connection is never dropped here.
type Decision struct {
	Allowed    bool
	Code       signaling.Code
	RetryAfter time.Duration
}

var allowed = Decision{Allowed: true}

func denied(code signaling.Code, retryAfter time.Duration) Decision {
	return Decision{Code: code, RetryAfter: retryAfter}
}

// costScale converts whole-message costs into integer tokens for the
// per-second bucket, so a 0.1-cost candidate still spends something.
const costScale = 10

type peerEntry struct {
	bucket   *rate.Limiter
	factor   float64
	minWin   window
	hourWin  window
	lastKind map[string]time.Time
	lastSeen time.Time
}

// Limiter holds all per-peer and per-IP admission state for one server.
type Limiter struct {
	mu       sync.Mutex
	peers    map[types.PeerIDType]*peerEntry
	ips      map[string]*ipEntry
	conns    map[string]int
	tiers    map[types.TierType]Limits
	throttle *Throttle
	nowFn    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source. Tests use it to step windows without
// sleeping.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) { l.nowFn = fn }
}

// WithThrottle attaches the adaptive throttle sampler.
func WithThrottle(t *Throttle) Option {
	return func(l *Limiter) { l.throttle = t }
}

// New builds a Limiter. overrides is the raw RATE_TIER_OVERRIDES value and
// may be empty.
func New(overrides string, opts ...Option) (*Limiter, error) {
	tiers, err := parseOverrides(overrides)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		peers: make(map[types.PeerIDType]*peerEntry),
		ips:   make(map[string]*ipEntry),
		conns: make(map[string]int),
		tiers: tiers,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// parseOverrides merges "tier=sec/min/hour/burst/conns;..." onto the
// default table. Unknown tier names are an error: a typo must not silently
// leave the default in place.
func parseOverrides(raw string) (map[types.TierType]Limits, error) {
	tiers := make(map[types.TierType]Limits, len(defaultTierLimits))
	for tier, lim := range defaultTierLimits {
		tiers[tier] = lim
	}
	if raw == "" {
		return tiers, nil
	}

	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, values, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("override %q is not tier=sec/min/hour/burst/conns", entry)
		}
		tier := types.TierType(strings.TrimSpace(name))
		if _, known := defaultTierLimits[tier]; !known {
			return nil, fmt.Errorf("override names unknown tier %q", name)
		}

		parts := strings.Split(values, "/")
		if len(parts) != 5 {
			return nil, fmt.Errorf("override %q needs 5 values", entry)
		}
		nums := make([]int, 5)
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("override %q value %q is not a positive integer", entry, p)
			}
			nums[i] = n
		}
		tiers[tier] = Limits{PerSec: nums[0], PerMin: nums[1], PerHour: nums[2], Burst: nums[3], MaxConns: nums[4]}
	}
	return tiers, nil
}

// TierLimits exposes the effective table row for a tier.
func (l *Limiter) TierLimits(tier types.TierType) Limits {
	if lim, ok := l.tiers[tier]; ok {
		return lim
	}
	return l.tiers[types.TierAnonymous]
}

func (l *Limiter) factor() float64 {
	if l.throttle == nil {
		return 1
	}
	return l.throttle.Factor()
}

// Allow checks one inbound message against every applicable budget:
// cooldown, per-second bucket with burst, minute and hour windows, and the
// sender IP's aggregate windows. All must pass.
func (l *Limiter) Allow(peerID types.PeerIDType, ip string, tier types.TierType, kind string) Decision {
	now := l.nowFn()
	lim := l.TierLimits(tier)
	w := kindWeight(kind)
	factor := l.factor()

	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.checkIPLocked(ip, now, w.Cost)
	if !d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(string(tier), string(d.Code)).Inc()
		return d
	}

	entry := l.peerLocked(peerID, lim, now, factor)
	entry.lastSeen = now

	if w.Cooldown > 0 {
		if last, ok := entry.lastKind[kind]; ok {
			if wait := w.Cooldown - now.Sub(last); wait > 0 {
				l.recordViolationLocked(ip, now)
				metrics.RateLimitDecisions.WithLabelValues(string(tier), "cooldown").Inc()
				return denied(signaling.CodeRateLimitExceeded, wait)
			}
		}
	}

	tokens := int(w.Cost * costScale)
	if tokens < 1 {
		tokens = 1
	}
	if !entry.bucket.AllowN(now, tokens) {
		l.recordViolationLocked(ip, now)
		metrics.RateLimitDecisions.WithLabelValues(string(tier), "per_sec").Inc()
		return denied(signaling.CodeRateLimitExceeded, time.Second)
	}

	if entry.minWin.estimate(now)+w.Cost > float64(lim.PerMin)*factor {
		l.recordViolationLocked(ip, now)
		metrics.RateLimitDecisions.WithLabelValues(string(tier), "per_min").Inc()
		return denied(signaling.CodeRateLimitExceeded, time.Minute)
	}
	if entry.hourWin.estimate(now)+w.Cost > float64(lim.PerHour)*factor {
		l.recordViolationLocked(ip, now)
		metrics.RateLimitDecisions.WithLabelValues(string(tier), "per_hour").Inc()
		return denied(signaling.CodeRateLimitExceeded, time.Hour)
	}

	entry.minWin.add(now, w.Cost)
	entry.hourWin.add(now, w.Cost)
	if w.Cooldown > 0 {
		entry.lastKind[kind] = now
	}

	metrics.RateLimitDecisions.WithLabelValues(string(tier), "allowed").Inc()
	return allowed
}

// peerLocked fetches or creates the peer's entry, resizing its bucket when
// the adaptive factor has moved since the last message.
func (l *Limiter) peerLocked(peerID types.PeerIDType, lim Limits, now time.Time, factor float64) *peerEntry {
	entry, ok := l.peers[peerID]
	if !ok {
		entry = &peerEntry{
			bucket:   rate.NewLimiter(rate.Limit(float64(lim.PerSec)*costScale*factor), lim.Burst*costScale),
			factor:   factor,
			minWin:   window{span: time.Minute},
			hourWin:  window{span: time.Hour},
			lastKind: make(map[string]time.Time),
		}
		l.peers[peerID] = entry
		return entry
	}
	if entry.factor != factor {
		entry.bucket.SetLimitAt(now, rate.Limit(float64(lim.PerSec)*costScale*factor))
		entry.factor = factor
	}
	return entry
}

// RegisterConn counts one live connection for (ip, username) against the
// tier's cap. Call ReleaseConn on disconnect.
func (l *Limiter) RegisterConn(ip, username string, tier types.TierType) Decision {
	lim := l.TierLimits(tier)
	key := ip + "|" + username

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conns[key] >= lim.MaxConns {
		metrics.RateLimitDecisions.WithLabelValues(string(tier), "conn_limit").Inc()
		return denied(signaling.CodeConnectionLimit, 0)
	}
	l.conns[key]++
	return allowed
}

// ReleaseConn returns a connection slot.
func (l *Limiter) ReleaseConn(ip, username string) {
	key := ip + "|" + username

	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.conns[key]; n <= 1 {
		delete(l.conns, key)
	} else {
		l.conns[key] = n - 1
	}
}

// Forget discards a peer's admission state after disconnect.
func (l *Limiter) Forget(peerID types.PeerIDType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, peerID)
}

const (
	janitorInterval = 5 * time.Minute
	peerIdleLimit   = 10 * time.Minute
)

// Start launches the janitor and, when a throttle is attached, its
// sampling loop. Both stop with ctx.
func (l *Limiter) Start(ctx context.Context) {
	if l.throttle != nil {
		l.throttle.Start(ctx)
	}

	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep(l.nowFn())
			}
		}
	}()
}

// sweep drops idle peers and expired IP entries.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, entry := range l.peers {
		if now.Sub(entry.lastSeen) > peerIdleLimit {
			delete(l.peers, id)
		}
	}

	banned := 0
	for ip, entry := range l.ips {
		if now.Before(entry.bannedUntil) {
			banned++
			continue
		}
		if now.Sub(entry.lastSeen) > peerIdleLimit {
			delete(l.ips, ip)
		}
	}
	metrics.BannedIPs.Set(float64(banned))
}

// window is a two-bucket interpolated sliding window: O(1) memory with an
// estimate that weighs the previous bucket by its remaining overlap.
type window struct {
	span  time.Duration
	start time.Time
	cur   float64
	prev  float64
}

func (w *window) roll(now time.Time) {
	if w.start.IsZero() {
		w.start = now
		return
	}
	elapsed := now.Sub(w.start)
	switch {
	case elapsed >= 2*w.span:
		w.prev, w.cur = 0, 0
		w.start = now
	case elapsed >= w.span:
		w.prev, w.cur = w.cur, 0
		w.start = w.start.Add(w.span)
	}
}

func (w *window) add(now time.Time, cost float64) {
	w.roll(now)
	w.cur += cost
}

func (w *window) estimate(now time.Time) float64 {
	w.roll(now)
	frac := 1 - float64(now.Sub(w.start))/float64(w.span)
	if frac < 0 {
		frac = 0
	}
	return w.prev*frac + w.cur
}
