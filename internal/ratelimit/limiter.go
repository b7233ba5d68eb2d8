// Package ratelimit implements the adaptive per-identity limiter. Each
// identity and route class gets a fixed-window point budget, scaled by the
// identity's behavior score and by host load.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/bastion/internal/domain"
)

// Exemptions reports identities that bypass limiting entirely.
type Exemptions interface {
	IsWhitelisted(identity string) bool
}

// Escalation triggers on a violation.
const (
	ReasonRepeatOffender = "repeat_offender"
	ReasonHighVolume     = "high_volume"
)

// Violation describes a denied request and the behavior state it produced.
type Violation struct {
	Identity          string
	RouteClass        string
	Violations        int
	WindowCount       int
	BackoffMultiplier float64
	TrustScore        float64
	Severity          domain.Severity
	Escalate          bool
	Reasons           []string
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed        bool
	Exempt         bool
	RetryAfter     time.Duration
	Limit          int
	EffectiveLimit int
	Violation      *Violation
}

// DynamicLimit is the load-adjusted view of one route class.
type DynamicLimit struct {
	RouteClass     string    `json:"route_class"`
	BaseLimit      int       `json:"base_limit"`
	EffectiveLimit int       `json:"effective_limit"`
	Window         string    `json:"window"`
	LoadFactor     float64   `json:"load_factor"`
	ObservedLoad   float64   `json:"observed_load"`
	LastAdjusted   time.Time `json:"last_adjusted"`
}

// Config tunes the limiter. Zero values fall back to defaults.
type Config struct {
	Classes                 []RouteClass
	DefaultClass            string
	RepeatOffenderThreshold int
	// HighVolumeThreshold is the request count per class window above which
	// a violation is critical.
	HighVolumeThreshold int
	BehaviorTTL         time.Duration
	SweepInterval       time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithExemptions installs the whitelist source.
func WithExemptions(e Exemptions) Option {
	return func(l *Limiter) { l.exempt = e }
}

// counter tracks one identity within one class for the current window.
// count is every request seen, used is the points actually granted. The
// budget check reads used against the current effective limit, so a limit
// change mid-window keeps the points already spent.
type counter struct {
	windowStart time.Time
	count       int
	used        int
	lockedUntil time.Time
	lastSeen    time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg     Config
	classes map[string]RouteClass
	exempt  Exemptions
	now     func() time.Time

	mu           sync.Mutex
	counters     map[string]*counter
	scores       map[string]*BehaviorScore
	loadFactor   float64
	observedLoad float64
	loadAdjusted time.Time
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	if len(cfg.Classes) == 0 {
		cfg.Classes = DefaultClasses()
	}
	if cfg.DefaultClass == "" {
		cfg.DefaultClass = ClassAPI
	}
	if cfg.RepeatOffenderThreshold <= 0 {
		cfg.RepeatOffenderThreshold = 3
	}
	if cfg.HighVolumeThreshold <= 0 {
		cfg.HighVolumeThreshold = 1000
	}
	if cfg.BehaviorTTL <= 0 {
		cfg.BehaviorTTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	classes := make(map[string]RouteClass, len(cfg.Classes))
	for _, c := range cfg.Classes {
		if c.Name == "" || c.Limit <= 0 || c.Window <= 0 {
			return nil, fmt.Errorf("ratelimit.New: invalid route class %q", c.Name)
		}
		classes[c.Name] = c
	}
	if _, ok := classes[cfg.DefaultClass]; !ok {
		return nil, fmt.Errorf("ratelimit.New: default class %q not configured", cfg.DefaultClass)
	}

	l := &Limiter{
		cfg:        cfg,
		classes:    classes,
		now:        time.Now,
		counters:   make(map[string]*counter),
		scores:     make(map[string]*BehaviorScore),
		loadFactor: 1,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.loadAdjusted = l.now()
	return l, nil
}

// Class resolves a class name, falling back to the default class.
func (l *Limiter) Class(name string) RouteClass {
	if c, ok := l.classes[name]; ok {
		return c
	}
	return l.classes[l.cfg.DefaultClass]
}

// Check consumes one point for identity in the named class.
func (l *Limiter) Check(identity, class string) Decision {
	rc := l.Class(class)
	if l.exempt != nil && l.exempt.IsWhitelisted(identity) {
		return Decision{Allowed: true, Exempt: true, Limit: rc.Limit, EffectiveLimit: rc.Limit}
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	score := l.scoreLocked(identity, now)
	score.LastSeen = now
	limit := EffectiveLimit(rc.Limit, score.TrustScore, score.BackoffMultiplier, l.loadFactor)

	ctr := l.counterLocked(identity, rc, now)
	ctr.count++

	if now.Before(ctr.lockedUntil) {
		return l.denyLocked(identity, rc, limit, ctr, score, ctr.lockedUntil.Sub(now), now)
	}

	if ctr.used >= limit {
		retry := ctr.windowStart.Add(rc.Window).Sub(now)
		if rc.BlockDuration > 0 {
			ctr.lockedUntil = now.Add(rc.BlockDuration)
			retry = rc.BlockDuration
		}
		return l.denyLocked(identity, rc, limit, ctr, score, retry, now)
	}

	ctr.used++
	score.reward(now)
	return Decision{Allowed: true, Limit: rc.Limit, EffectiveLimit: limit}
}

func (l *Limiter) denyLocked(identity string, rc RouteClass, limit int, ctr *counter, score *BehaviorScore, retry time.Duration, now time.Time) Decision {
	score.penalize(now)

	v := &Violation{
		Identity:          identity,
		RouteClass:        rc.Name,
		Violations:        score.Violations,
		WindowCount:       ctr.count,
		BackoffMultiplier: score.BackoffMultiplier,
		TrustScore:        score.TrustScore,
		Severity:          domain.SeverityMedium,
	}
	if score.Violations >= l.cfg.RepeatOffenderThreshold {
		v.Severity = domain.SeverityHigh
		v.Reasons = append(v.Reasons, ReasonRepeatOffender)
	}
	if ctr.count > l.cfg.HighVolumeThreshold {
		v.Severity = domain.SeverityCritical
		v.Reasons = append(v.Reasons, ReasonHighVolume)
	}
	v.Escalate = len(v.Reasons) > 0

	return Decision{
		RetryAfter:     retry,
		Limit:          rc.Limit,
		EffectiveLimit: limit,
		Violation:      v,
	}
}

func (l *Limiter) scoreLocked(identity string, now time.Time) *BehaviorScore {
	s, ok := l.scores[identity]
	if !ok {
		s = newBehaviorScore(now)
		l.scores[identity] = s
	}
	return s
}

func (l *Limiter) counterLocked(identity string, rc RouteClass, now time.Time) *counter {
	key := identity + "|" + rc.Name
	c, ok := l.counters[key]
	if !ok {
		c = &counter{windowStart: now}
		l.counters[key] = c
	}
	if now.Sub(c.windowStart) >= rc.Window {
		c.windowStart = now
		c.count = 0
		c.used = 0
	}
	c.lastSeen = now
	return c
}

// Behavior returns a copy of the identity's score.
func (l *Limiter) Behavior(identity string) (BehaviorScore, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.scores[identity]
	if !ok {
		return BehaviorScore{}, false
	}
	return *s, true
}

// SetLoad records the observed host load and derives the global load factor.
func (l *Limiter) SetLoad(load float64) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.observedLoad = load
	factor := LoadFactor(load)
	if factor != l.loadFactor {
		log.Info().
			Float64("load", load).
			Float64("from", l.loadFactor).
			Float64("to", factor).
			Msg("rate limit load factor changed")
	}
	l.loadFactor = factor
	l.loadAdjusted = now
}

// Limits returns the load-adjusted limit of every route class, sorted by name.
func (l *Limiter) Limits() []DynamicLimit {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]DynamicLimit, 0, len(l.classes))
	for _, c := range l.classes {
		out = append(out, DynamicLimit{
			RouteClass:     c.Name,
			BaseLimit:      c.Limit,
			EffectiveLimit: EffectiveLimit(c.Limit, 1, 1, l.loadFactor),
			Window:         c.Window.String(),
			LoadFactor:     l.loadFactor,
			ObservedLoad:   l.observedLoad,
			LastAdjusted:   l.loadAdjusted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteClass < out[j].RouteClass })
	return out
}

// Sweep drops behavior scores idle for longer than the behavior TTL and
// unlocked counters idle for longer than their class window. It returns the
// number of scores removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, s := range l.scores {
		if now.Sub(s.lastActivity()) > l.cfg.BehaviorTTL {
			delete(l.scores, id)
			removed++
		}
	}
	for key, c := range l.counters {
		class := key[strings.LastIndexByte(key, '|')+1:]
		if now.After(c.lockedUntil) && now.Sub(c.lastSeen) > l.Class(class).Window {
			delete(l.counters, key)
		}
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("swept idle behavior scores")
			}
		}
	}
}

// Stats reports the number of tracked identities and counters.
func (l *Limiter) Stats() (identities, counters int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scores), len(l.counters)
}

// FormatRetryAfter renders d as whole seconds, rounding up, for the
// Retry-After header.
func FormatRetryAfter(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
