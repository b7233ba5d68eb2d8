package breaker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/bastion/internal/breaker"
)

const route = "POST /api/v1/documents"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type transition struct {
	key      string
	from, to breaker.Phase
}

type recorder struct {
	mu  sync.Mutex
	got []transition
}

func (r *recorder) record(key string, from, to breaker.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, transition{key: key, from: from, to: to})
}

func newBreaker(t *testing.T) (*breaker.Breaker, *clock, *recorder) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	b := breaker.New(breaker.Config{}, breaker.WithClock(c.Now), breaker.OnTransition(rec.record))
	return b, c, rec
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	b, _, rec := newBreaker(t)

	for range 4 {
		b.RecordFailure(route)
	}
	assert.Equal(t, breaker.Closed, b.State(route).Phase)

	b.RecordFailure(route)
	assert.Equal(t, breaker.Open, b.State(route).Phase)

	ok, retry := b.Allow(route)
	assert.False(t, ok)
	assert.Equal(t, 60*time.Second, retry)
	assert.Equal(t, []transition{{key: route, from: breaker.Closed, to: breaker.Open}}, rec.got)
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()

	b, clk, rec := newBreaker(t)
	for range 5 {
		b.RecordFailure(route)
	}

	clk.Advance(45 * time.Second)
	ok, retry := b.Allow(route)
	require.False(t, ok)
	assert.Equal(t, 15*time.Second, retry)

	clk.Advance(15 * time.Second)
	ok, _ = b.Allow(route)
	require.True(t, ok)
	assert.Equal(t, breaker.HalfOpen, b.State(route).Phase)

	b.RecordSuccess(route)
	b.RecordSuccess(route)
	assert.Equal(t, breaker.HalfOpen, b.State(route).Phase)
	assert.Equal(t, 2, b.State(route).HalfOpenSuccesses)

	b.RecordSuccess(route)
	st := b.State(route)
	assert.Equal(t, breaker.Closed, st.Phase)
	assert.Zero(t, st.Failures)

	assert.Equal(t, []transition{
		{key: route, from: breaker.Closed, to: breaker.Open},
		{key: route, from: breaker.Open, to: breaker.HalfOpen},
		{key: route, from: breaker.HalfOpen, to: breaker.Closed},
	}, rec.got)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, clk, _ := newBreaker(t)
	for range 5 {
		b.RecordFailure(route)
	}
	clk.Advance(time.Minute)
	ok, _ := b.Allow(route)
	require.True(t, ok)

	b.RecordSuccess(route)
	b.RecordFailure(route)

	st := b.State(route)
	assert.Equal(t, breaker.Open, st.Phase)
	assert.Zero(t, st.HalfOpenSuccesses)

	// The reset timeout restarts from the half-open failure.
	clk.Advance(30 * time.Second)
	ok, retry := b.Allow(route)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, retry)
}

func TestBreaker_LeakyCounter(t *testing.T) {
	t.Parallel()

	b, _, _ := newBreaker(t)

	// Isolated failures interleaved with successes never trip the circuit.
	for range 20 {
		b.RecordFailure(route)
		b.RecordSuccess(route)
	}
	st := b.State(route)
	assert.Equal(t, breaker.Closed, st.Phase)
	assert.Zero(t, st.Failures)

	for range 4 {
		b.RecordFailure(route)
	}
	b.RecordSuccess(route)
	assert.Equal(t, 3, b.State(route).Failures)
	b.RecordSuccess(route)
	b.RecordSuccess(route)
	b.RecordSuccess(route)
	b.RecordSuccess(route)
	assert.Zero(t, b.State(route).Failures)
}

func TestBreaker_RoutesAreIndependent(t *testing.T) {
	t.Parallel()

	b, _, _ := newBreaker(t)
	for range 5 {
		b.RecordFailure("GET /a")
	}

	okA, _ := b.Allow("GET /a")
	okB, _ := b.Allow("GET /b")
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestBreaker_ResetAndSnapshot(t *testing.T) {
	t.Parallel()

	b, _, rec := newBreaker(t)
	for range 5 {
		b.RecordFailure("GET /z")
	}
	b.RecordSuccess("GET /a")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "GET /a", snap[0].Key)
	assert.Equal(t, breaker.Closed, snap[0].Phase)
	assert.Equal(t, "GET /z", snap[1].Key)
	assert.Equal(t, breaker.Open, snap[1].Phase)

	assert.True(t, b.Reset("GET /z"))
	assert.Equal(t, breaker.Closed, b.State("GET /z").Phase)
	assert.False(t, b.Reset("GET /unknown"))

	last := rec.got[len(rec.got)-1]
	assert.Equal(t, transition{key: "GET /z", from: breaker.Open, to: breaker.Closed}, last)
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	t.Parallel()

	b := breaker.New(breaker.Config{})
	st := b.State("GET /never")
	assert.Equal(t, breaker.Closed, st.Phase)
	assert.Empty(t, b.Snapshot())
}

func TestBreaker_CustomConfig(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Unix(0, 0)}
	b := breaker.New(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Second, HalfOpenSuccesses: 1}, breaker.WithClock(c.Now))

	b.RecordFailure(route)
	b.RecordFailure(route)
	assert.Equal(t, breaker.Open, b.State(route).Phase)

	c.Advance(time.Second)
	ok, _ := b.Allow(route)
	require.True(t, ok)
	b.RecordSuccess(route)
	assert.Equal(t, breaker.Closed, b.State(route).Phase)
}
