package guard

import (
	"sync"
	"time"
)

// maxRepeatKeys bounds the coalescing table between sweeps.
const maxRepeatKeys = 8192

// repeatFilter lets the first occurrence of an identity and event pair
// through per window and swallows the rest. A flood of denied or flagged
// requests then costs one event row and one audit entry per window instead
// of one per request.
type repeatFilter struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]repeatState
}

type repeatState struct {
	first      time.Time
	suppressed int
}

func newRepeatFilter(window time.Duration, now func() time.Time) *repeatFilter {
	if now == nil {
		now = time.Now
	}
	return &repeatFilter{window: window, now: now, seen: make(map[string]repeatState)}
}

// admit reports whether the pair should be recorded. When it is, suppressed
// is how many repeats the previous window swallowed.
func (f *repeatFilter) admit(identity, event string) (ok bool, suppressed int) {
	if f == nil || f.window <= 0 {
		return true, 0
	}
	key := identity + "|" + event
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	st, found := f.seen[key]
	if found && now.Sub(st.first) < f.window {
		st.suppressed++
		f.seen[key] = st
		return false, 0
	}
	if !found && len(f.seen) >= maxRepeatKeys {
		f.sweepLocked(now)
		if len(f.seen) >= maxRepeatKeys {
			return true, 0
		}
	}
	f.seen[key] = repeatState{first: now}
	return true, st.suppressed
}

func (f *repeatFilter) sweepLocked(now time.Time) {
	for k, st := range f.seen {
		if now.Sub(st.first) >= f.window {
			delete(f.seen, k)
		}
	}
}
