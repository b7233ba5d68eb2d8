package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/bastion/internal/api/v1"
	"github.com/gosuda/bastion/internal/breaker"
	"github.com/gosuda/bastion/internal/domain"
	"github.com/gosuda/bastion/internal/ratelimit"
	"github.com/gosuda/bastion/internal/store/memory"
	"github.com/gosuda/bastion/internal/threat"
)

// ---------------------------------------------------------------------------
// POST /security/whitelist
// ---------------------------------------------------------------------------

func TestUpdateWhitelist(t *testing.T) {
	t.Parallel()

	t.Run("add_with_ttl", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, repo := newChain(t)

		var gotID string
		var gotTTL time.Duration
		v1.RegisterSecurityRoutes(api, v1.SecurityDeps{
			Threats: &mockThreats{whitelistFunc: func(identity string, ttl time.Duration) {
				gotID, gotTTL = identity, ttl
			}},
			Audit: chain,
		})

		resp := api.PostCtx(adminCtx(), "/security/whitelist", map[string]any{
			"identity":    "ip:203.0.113.50",
			"ttl_seconds": 600,
		})
		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			Identity  string     `json:"identity"`
			Active    bool       `json:"active"`
			ExpiresAt *time.Time `json:"expires_at"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ip:203.0.113.50", body.Identity)
		assert.True(t, body.Active)
		assert.NotNil(t, body.ExpiresAt)

		assert.Equal(t, "ip:203.0.113.50", gotID)
		assert.Equal(t, 10*time.Minute, gotTTL)
		assert.Equal(t, v1.EventWhitelistChanged, lastEntryType(t, repo))
	})

	t.Run("remove", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		removed := ""
		v1.RegisterSecurityRoutes(api, v1.SecurityDeps{
			Threats: &mockThreats{removeWhitelistFunc: func(identity string) { removed = identity }},
		})

		resp := api.PostCtx(adminCtx(), "/security/whitelist", map[string]any{
			"identity": "user:42",
			"remove":   true,
		})
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "user:42", removed)
	})

	t.Run("real_cache_exempts", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		cache := threat.NewCache(nil, threat.Config{})
		v1.RegisterSecurityRoutes(api, v1.SecurityDeps{Threats: cache})

		resp := api.PostCtx(adminCtx(), "/security/whitelist", map[string]any{"identity": "user:7"})
		require.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, cache.IsWhitelisted("user:7"))
	})

	t.Run("validation_error", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterSecurityRoutes(api, v1.SecurityDeps{Threats: &mockThreats{}})

		resp := api.PostCtx(adminCtx(), "/security/whitelist", map[string]any{
			"identity":    "x",
			"ttl_seconds": -1,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})

	t.Run("non_admin_forbidden", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterSecurityRoutes(api, v1.SecurityDeps{Threats: &mockThreats{}})

		resp := api.PostCtx(roleCtx("viewer"), "/security/whitelist", map[string]any{"identity": "user:42"})
		assert.Equal(t, http.StatusForbidden, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// POST /security/threats/refresh
// ---------------------------------------------------------------------------

func TestRefreshThreats(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, repo := newChain(t)
		refreshed := false
		v1.RegisterSecurityRoutes(api, v1.SecurityDeps{
			Threats: &mockThreats{
				forceRefreshFunc: func(context.Context) error { refreshed = true; return nil },
				snapshotFunc:     func() threat.Snapshot { return threat.Snapshot{Blocked: 3, Quarantined: 1} },
			},
			Audit: chain,
		})

		resp := api.PostCtx(adminCtx(), "/security/threats/refresh")
		require.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, refreshed)

		var body threat.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, 3, body.Blocked)
		assert.Equal(t, 1, body.Quarantined)
		assert.Equal(t, v1.EventThreatsRefreshed, lastEntryType(t, repo))
	})

	t.Run("authority_down", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterSecurityRoutes(api, v1.SecurityDeps{
			Threats: &mockThreats{
				forceRefreshFunc: func(context.Context) error { return errors.New("connection refused") },
			},
		})

		resp := api.PostCtx(adminCtx(), "/security/threats/refresh")
		assert.Equal(t, http.StatusBadGateway, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /security/circuits, POST /security/circuits/reset
// ---------------------------------------------------------------------------

func TestCircuits(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	chain, repo := newChain(t)
	b := breaker.New(breaker.Config{})
	openCircuit(b, "GET /api/v1/orders/{id}")
	v1.RegisterSecurityRoutes(api, v1.SecurityDeps{Circuits: b, Audit: chain})

	resp := api.GetCtx(adminCtx(), "/security/circuits")
	require.Equal(t, http.StatusOK, resp.Code)

	var states []breaker.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.Equal(t, breaker.Open, states[0].Phase)

	resp = api.PostCtx(adminCtx(), "/security/circuits/reset", map[string]any{"route": "GET /api/v1/orders/{id}"})
	require.Equal(t, http.StatusOK, resp.Code)

	var reset struct {
		Route   string `json:"route"`
		Changed bool   `json:"changed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reset))
	assert.True(t, reset.Changed)
	assert.Equal(t, breaker.Closed, b.State("GET /api/v1/orders/{id}").Phase)
	assert.Equal(t, v1.EventCircuitReset, lastEntryType(t, repo))

	resp = api.PostCtx(adminCtx(), "/security/circuits/reset", map[string]any{"route": "GET /api/v1/unknown"})
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reset))
	assert.False(t, reset.Changed, "untracked route")
}

// ---------------------------------------------------------------------------
// GET /security/behavior/{identity}, GET /security/limits
// ---------------------------------------------------------------------------

func TestBehavior(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	limiter := newLimiter(t)
	for range 6 {
		limiter.Check("user:42", ratelimit.ClassAuth)
	}
	v1.RegisterSecurityRoutes(api, v1.SecurityDeps{Limiter: limiter})

	resp := api.GetCtx(adminCtx(), "/security/behavior/user:42")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Identity string                  `json:"identity"`
		Score    ratelimit.BehaviorScore `json:"score"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "user:42", body.Identity)
	assert.Equal(t, 1, body.Score.Violations)
	assert.InDelta(t, 2.0, body.Score.BackoffMultiplier, 1e-9)

	resp = api.GetCtx(adminCtx(), "/security/behavior/user:unknown")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestLimits(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	limiter := newLimiter(t)
	limiter.SetLoad(0.95)
	v1.RegisterSecurityRoutes(api, v1.SecurityDeps{Limiter: limiter})

	resp := api.GetCtx(adminCtx(), "/security/limits")
	require.Equal(t, http.StatusOK, resp.Code)

	var limits []ratelimit.DynamicLimit
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&limits))
	require.Len(t, limits, len(ratelimit.DefaultClasses()))
	for _, l := range limits {
		assert.InDelta(t, 0.5, l.LoadFactor, 1e-9, l.RouteClass)
		assert.LessOrEqual(t, l.EffectiveLimit, l.BaseLimit)
	}
}

// ---------------------------------------------------------------------------
// GET /security/events/{identity}
// ---------------------------------------------------------------------------

func TestSecurityEvents(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	events := memory.NewSecurityEventRepo()
	for _, typ := range []string{domain.EventRateLimitExceeded, domain.EventAccessBlocked, domain.EventSuspiciousRequest} {
		require.NoError(t, events.Persist(context.Background(), &domain.SecurityEvent{
			Type:     typ,
			Severity: domain.SeverityMedium,
			Identity: "ip:203.0.113.7",
		}))
	}
	require.NoError(t, events.Persist(context.Background(), &domain.SecurityEvent{
		Type:     domain.EventRateLimitExceeded,
		Identity: "user:42",
	}))
	v1.RegisterSecurityRoutes(api, v1.SecurityDeps{Events: events})

	resp := api.GetCtx(adminCtx(), "/security/events/ip:203.0.113.7?limit=2")
	require.Equal(t, http.StatusOK, resp.Code)

	var got []domain.SecurityEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, domain.EventSuspiciousRequest, got[0].Type)
	assert.Equal(t, domain.EventAccessBlocked, got[1].Type)

	resp = api.GetCtx(adminCtx(), "/security/events/user:unknown")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `[]`, resp.Body.String())

	resp = api.GetCtx(roleCtx("viewer"), "/security/events/user:42")
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

// ---------------------------------------------------------------------------
// PUT /security/decisions, DELETE /security/decisions/{identity}
// ---------------------------------------------------------------------------

func TestDecisions(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	chain, repo := newChain(t)
	decisions := memory.NewDecisionRepo()
	cache := threat.NewCache(decisions, threat.Config{})

	var announced []string
	v1.RegisterSecurityRoutes(api, v1.SecurityDeps{
		Threats:   cache,
		Audit:     chain,
		Decisions: decisions,
		Announce: func(_ context.Context, identity string) error {
			announced = append(announced, identity)
			return nil
		},
	})

	resp := api.PutCtx(adminCtx(), "/security/decisions", map[string]any{
		"identity":    "ip:198.51.100.9",
		"action":      "block",
		"reason":      "credential stuffing",
		"ttl_seconds": 3600,
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, cache.IsBlocked(context.Background(), "ip:198.51.100.9"))
	assert.Equal(t, v1.EventDecisionChanged, lastEntryType(t, repo))

	resp = api.DeleteCtx(adminCtx(), "/security/decisions/ip:198.51.100.9")
	require.Equal(t, http.StatusNoContent, resp.Code)
	assert.False(t, cache.IsBlocked(context.Background(), "ip:198.51.100.9"))
	assert.Equal(t, []string{"ip:198.51.100.9", "ip:198.51.100.9"}, announced)

	resp = api.DeleteCtx(adminCtx(), "/security/decisions/ip:198.51.100.9")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestDecisionsRejectUnknownAction(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	v1.RegisterSecurityRoutes(api, v1.SecurityDeps{Decisions: memory.NewDecisionRepo()})

	resp := api.PutCtx(adminCtx(), "/security/decisions", map[string]any{
		"identity": "user:42",
		"action":   "ban",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}
