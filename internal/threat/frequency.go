package threat

import "time"

type frequency struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// FrequencyResult is the per-identity request count in the current window.
// Crossed is true only for the request that first exceeded the threshold.
type FrequencyResult struct {
	Count   int
	Rapid   bool
	Crossed bool
}

// TrackFrequency counts one request for identity.
func (c *Cache) TrackFrequency(identity string) FrequencyResult {
	now := c.now()

	c.freqMu.Lock()
	defer c.freqMu.Unlock()

	f, ok := c.freq[identity]
	if !ok {
		f = &frequency{windowStart: now}
		c.freq[identity] = f
	}
	if now.Sub(f.windowStart) >= c.cfg.FrequencyWindow {
		f.windowStart = now
		f.count = 0
	}
	f.count++
	f.lastSeen = now

	return FrequencyResult{
		Count:   f.count,
		Rapid:   f.count > c.cfg.RapidThreshold,
		Crossed: f.count == c.cfg.RapidThreshold+1,
	}
}
