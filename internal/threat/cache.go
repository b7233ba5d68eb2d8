// Package threat holds the local view of block and quarantine decisions made
// by the central threat authority, together with the advisory request
// heuristics that feed it.
package threat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gosuda/bastion/internal/domain"
)

// Config tunes the cache. Zero values fall back to defaults.
type Config struct {
	TTL             time.Duration
	RefreshTimeout  time.Duration
	FrequencyWindow time.Duration
	RapidThreshold  int
	FrequencyIdle   time.Duration
	SweepInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 5 * time.Second
	}
	if c.FrequencyWindow <= 0 {
		c.FrequencyWindow = time.Minute
	}
	if c.RapidThreshold <= 0 {
		c.RapidThreshold = 120
	}
	if c.FrequencyIdle <= 0 {
		c.FrequencyIdle = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Snapshot summarizes the cache for operators.
type Snapshot struct {
	Blocked     int       `json:"blocked"`
	Quarantined int       `json:"quarantined"`
	Whitelisted int       `json:"whitelisted"`
	Tracked     int       `json:"tracked"`
	FetchedAt   time.Time `json:"fetched_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// OnRefresh registers a callback invoked after every refresh attempt.
func OnRefresh(fn func(err error)) Option {
	return func(c *Cache) { c.onRefresh = fn }
}

// Cache is safe for concurrent use.
type Cache struct {
	source    domain.ThreatDecisionSource
	cfg       Config
	now       func() time.Time
	onRefresh func(error)
	group     singleflight.Group
	// forced counts ForceRefresh calls; fetches numbers every fetch.
	forced  atomic.Uint64
	fetches atomic.Uint64

	mu          sync.RWMutex
	blocked     map[string]expiry
	quarantined map[string]expiry
	applied     uint64
	fetchedAt   time.Time
	lastErr     error
	whitelist   map[string]expiry

	freqMu sync.Mutex
	freq   map[string]*frequency
}

// expiry is a zero time for decisions without an end.
type expiry time.Time

func (e expiry) active(now time.Time) bool {
	t := time.Time(e)
	return t.IsZero() || now.Before(t)
}

func NewCache(source domain.ThreatDecisionSource, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		source:      source,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		blocked:     make(map[string]expiry),
		quarantined: make(map[string]expiry),
		whitelist:   make(map[string]expiry),
		freq:        make(map[string]*frequency),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsBlocked reports whether identity is in the block set, refreshing the
// cache first when it is older than the TTL.
func (c *Cache) IsBlocked(ctx context.Context, identity string) bool {
	c.ensureFresh(ctx)

	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return isActive(c.blocked, identity, now)
}

// IsQuarantined reports whether identity is in the quarantine set.
func (c *Cache) IsQuarantined(ctx context.Context, identity string) bool {
	c.ensureFresh(ctx)

	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return isActive(c.quarantined, identity, now)
}

func isActive(set map[string]expiry, identity string, now time.Time) bool {
	exp, ok := set[identity]
	return ok && exp.active(now)
}

func (c *Cache) stale() bool {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt.IsZero() || now.Sub(c.fetchedAt) >= c.cfg.TTL
}

func (c *Cache) ensureFresh(ctx context.Context) {
	if !c.stale() {
		return
	}
	_, _, _ = c.group.Do("refresh", func() (any, error) {
		// A caller that raced a completed flight finds the cache fresh.
		if !c.stale() {
			return nil, nil
		}
		return nil, c.refresh(ctx)
	})
}

// ForceRefresh reloads decisions regardless of the TTL. Concurrent calls
// share a fetch only when that fetch started after the call was made, so a
// change written before ForceRefresh is always observed.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	ticket := c.forced.Add(1)
	for {
		v, err, _ := c.group.Do("force", func() (any, error) {
			covers := c.forced.Load()
			return covers, c.refresh(ctx)
		})
		if covers, _ := v.(uint64); covers >= ticket {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("threat.Cache.ForceRefresh: %w", ctx.Err())
		}
	}
}

// refresh replaces both sets on success. On failure the last known state is
// kept and the attempt still counts toward the TTL. A fetch that finishes
// after a later-started one has been applied is discarded.
func (c *Cache) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
	defer cancel()

	seq := c.fetches.Add(1)
	decisions, err := c.source.ActiveDecisions(ctx)
	now := c.now()

	c.mu.Lock()
	if seq < c.applied {
		c.mu.Unlock()
		return nil
	}
	c.applied = seq
	c.fetchedAt = now
	c.lastErr = err
	if err == nil {
		blocked := make(map[string]expiry)
		quarantined := make(map[string]expiry)
		for _, d := range decisions {
			var exp expiry
			if d.ExpiresAt != nil {
				exp = expiry(*d.ExpiresAt)
			}
			switch d.Action {
			case domain.DecisionBlock:
				blocked[d.Identity] = exp
			case domain.DecisionQuarantine:
				quarantined[d.Identity] = exp
			}
		}
		c.blocked, c.quarantined = blocked, quarantined
	}
	nb, nq := len(c.blocked), len(c.quarantined)
	c.mu.Unlock()

	if c.onRefresh != nil {
		c.onRefresh(err)
	}
	if err != nil {
		log.Warn().Err(err).
			Int("blocked", nb).
			Int("quarantined", nq).
			Msg("threat cache refresh failed, keeping last known state")
		return fmt.Errorf("threat.Cache.refresh: %w", err)
	}
	log.Debug().Int("blocked", nb).Int("quarantined", nq).Msg("threat cache refreshed")
	return nil
}

// Whitelist exempts identity from rate limiting for ttl. A non-positive ttl
// never expires.
func (c *Cache) Whitelist(identity string, ttl time.Duration) {
	var exp expiry
	if ttl > 0 {
		exp = expiry(c.now().Add(ttl))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelist[identity] = exp
}

// RemoveWhitelist drops an exemption.
func (c *Cache) RemoveWhitelist(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.whitelist, identity)
}

func (c *Cache) IsWhitelisted(identity string) bool {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return isActive(c.whitelist, identity, now)
}

// Snapshot returns current set sizes and refresh status.
func (c *Cache) Snapshot() Snapshot {
	c.freqMu.Lock()
	tracked := len(c.freq)
	c.freqMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Blocked:     len(c.blocked),
		Quarantined: len(c.quarantined),
		Whitelisted: len(c.whitelist),
		Tracked:     tracked,
		FetchedAt:   c.fetchedAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Sweep removes idle frequency counters and expired whitelist entries. It
// returns the number of counters removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	for id, exp := range c.whitelist {
		if !exp.active(now) {
			delete(c.whitelist, id)
		}
	}
	c.mu.Unlock()

	c.freqMu.Lock()
	defer c.freqMu.Unlock()

	removed := 0
	for id, f := range c.freq {
		if now.Sub(f.lastSeen) > c.cfg.FrequencyIdle {
			delete(c.freq, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("swept idle frequency counters")
			}
		}
	}
}

// RefreshOn forces a refresh for every notice received until ctx is
// cancelled or notices is closed.
func (c *Cache) RefreshOn(ctx context.Context, notices <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notices:
			if !ok {
				return
			}
			if err := c.ForceRefresh(ctx); err != nil {
				log.Warn().Err(err).Msg("decision change notice refresh failed")
			}
		}
	}
}
