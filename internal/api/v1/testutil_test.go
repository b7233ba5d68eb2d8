package v1_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/bastion/internal/audit"
	"github.com/gosuda/bastion/internal/breaker"
	"github.com/gosuda/bastion/internal/ratelimit"
	"github.com/gosuda/bastion/internal/server/middleware"
	"github.com/gosuda/bastion/internal/store/memory"
	"github.com/gosuda/bastion/internal/threat"
)

// ---------------------------------------------------------------------------
// Context helpers: inject user/role into context for DoCtx
// ---------------------------------------------------------------------------

func roleCtx(role string) context.Context {
	ctx := context.WithValue(context.Background(), middleware.ContextKeyUserID, "ops-1")
	return context.WithValue(ctx, middleware.ContextKeyUserRole, role)
}

func adminCtx() context.Context {
	return roleCtx(middleware.RoleAdmin)
}

// ---------------------------------------------------------------------------
// Mock ThreatControl
// ---------------------------------------------------------------------------

type mockThreats struct {
	whitelistFunc       func(identity string, ttl time.Duration)
	removeWhitelistFunc func(identity string)
	forceRefreshFunc    func(ctx context.Context) error
	snapshotFunc        func() threat.Snapshot
}

func (m *mockThreats) Whitelist(identity string, ttl time.Duration) { m.whitelistFunc(identity, ttl) }
func (m *mockThreats) RemoveWhitelist(identity string)              { m.removeWhitelistFunc(identity) }
func (m *mockThreats) ForceRefresh(ctx context.Context) error       { return m.forceRefreshFunc(ctx) }
func (m *mockThreats) Snapshot() threat.Snapshot                    { return m.snapshotFunc() }

// ---------------------------------------------------------------------------
// Real components over in-memory storage
// ---------------------------------------------------------------------------

const chainSecret = "api-test-audit-secret-0123456789"

func newChain(t *testing.T) (*audit.Chain, *memory.AuditRepo) {
	t.Helper()
	repo := memory.NewAuditRepo()
	chain, err := audit.NewChain(repo, chainSecret)
	require.NoError(t, err)
	return chain, repo
}

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(ratelimit.Config{})
	require.NoError(t, err)
	return l
}

func lastEntryType(t *testing.T, repo *memory.AuditRepo) string {
	t.Helper()
	rec, err := repo.Last(context.Background())
	require.NoError(t, err)
	links, err := repo.ListRange(context.Background(), rec.ChainSequence, rec.ChainSequence)
	require.NoError(t, err)
	require.Len(t, links, 1)
	return links[0].Entry.EventType
}

func openCircuit(b *breaker.Breaker, key string) {
	for range 5 {
		b.RecordFailure(key)
	}
}
