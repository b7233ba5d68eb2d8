package ratelimit

import (
	"math"
	"time"
)

const (
	minTrust      = 0.5
	maxTrust      = 2.0
	maxBackoff    = 32.0
	decayInterval = time.Hour
)

// BehaviorScore is the per-identity standing used to scale its limit.
// BackoffMultiplier stays in [1, 32] and TrustScore in [0.5, 2.0].
type BehaviorScore struct {
	Violations        int       `json:"violations"`
	LastViolation     time.Time `json:"last_violation"`
	BackoffMultiplier float64   `json:"backoff_multiplier"`
	TrustScore        float64   `json:"trust_score"`
	LastAdjusted      time.Time `json:"last_adjusted"`
	LastSeen          time.Time `json:"last_seen"`
}

func newBehaviorScore(now time.Time) *BehaviorScore {
	return &BehaviorScore{
		BackoffMultiplier: 1,
		TrustScore:        1,
		LastAdjusted:      now,
		LastSeen:          now,
	}
}

// penalize applies one violation.
func (s *BehaviorScore) penalize(now time.Time) {
	s.Violations++
	s.LastViolation = now
	s.BackoffMultiplier = math.Min(s.BackoffMultiplier*2, maxBackoff)
	s.TrustScore = math.Max(s.TrustScore*0.9, minTrust)
}

// reward nudges the score toward good standing at most once per hour, and
// only once an hour has passed since the last violation.
func (s *BehaviorScore) reward(now time.Time) {
	if now.Sub(s.LastViolation) < decayInterval || now.Sub(s.LastAdjusted) < decayInterval {
		return
	}
	s.BackoffMultiplier = math.Max(s.BackoffMultiplier*0.95, 1)
	s.TrustScore = math.Min(s.TrustScore*1.01, maxTrust)
	s.LastAdjusted = now
}

// lastActivity is the reference time for garbage collection.
func (s *BehaviorScore) lastActivity() time.Time {
	if s.LastViolation.After(s.LastSeen) {
		return s.LastViolation
	}
	return s.LastSeen
}

// EffectiveLimit computes floor(max(1, base * trust / backoff * loadFactor)).
func EffectiveLimit(base int, trust, backoff, loadFactor float64) int {
	if backoff < 1 {
		backoff = 1
	}
	return int(math.Floor(math.Max(1, float64(base)*trust/backoff*loadFactor)))
}
