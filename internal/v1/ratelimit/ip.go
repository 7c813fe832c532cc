package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/signaling"
)

// Per-IP aggregate limits. These sit above the per-peer tiers: several
// peers behind one address share them, so they are deliberately loose.
const (
	ipPerSec = 20
	ipPerMin = 600

	suspiciousThreshold = 10
	banThreshold        = 30
	violationSpan       = 5 * time.Minute
	banDuration         = 5 * time.Minute
)

type ipEntry struct {
	secWin      window
	minWin      window
	violations  window
	suspicious  bool
	bannedUntil time.Time
	lastSeen    time.Time
}

func (l *Limiter) ipLocked(ip string) *ipEntry {
	entry, ok := l.ips[ip]
	if !ok {
		entry = &ipEntry{
			secWin:     window{span: time.Second},
			minWin:     window{span: time.Minute},
			violations: window{span: violationSpan},
		}
		l.ips[ip] = entry
	}
	return entry
}

// checkIPLocked admits or denies against the address's aggregate windows
// and ban state. Ban expiry is lazy: the entry unbans itself on the first
// check past the deadline.
func (l *Limiter) checkIPLocked(ip string, now time.Time, cost float64) Decision {
	entry := l.ipLocked(ip)
	entry.lastSeen = now

	if now.Before(entry.bannedUntil) {
		return denied(signaling.CodeIPBanned, entry.bannedUntil.Sub(now))
	}

	if entry.secWin.estimate(now)+cost > ipPerSec || entry.minWin.estimate(now)+cost > ipPerMin {
		l.escalateLocked(ip, entry, now)
		return denied(signaling.CodeRateLimitExceeded, time.Second)
	}

	entry.secWin.add(now, cost)
	entry.minWin.add(now, cost)
	return allowed
}

// recordViolationLocked notes a per-peer denial against the peer's address
// so an abusive client cannot dodge escalation by rotating peer IDs.
func (l *Limiter) recordViolationLocked(ip string, now time.Time) {
	l.escalateLocked(ip, l.ipLocked(ip), now)
}

func (l *Limiter) escalateLocked(ip string, entry *ipEntry, now time.Time) {
	entry.violations.add(now, 1)
	count := entry.violations.estimate(now)

	switch {
	case count >= banThreshold:
		if now.After(entry.bannedUntil) {
			entry.bannedUntil = now.Add(banDuration)
			logging.Warn(context.Background(), "Banning address for repeated violations",
				zap.String("addr", logging.RedactAddr(ip+":0")),
				zap.Float64("violations", count),
				zap.Duration("duration", banDuration))
		}
	case count >= suspiciousThreshold:
		if !entry.suspicious {
			entry.suspicious = true
			logging.Warn(context.Background(), "Marking address suspicious",
				zap.String("addr", logging.RedactAddr(ip+":0")),
				zap.Float64("violations", count))
		}
	}
}
