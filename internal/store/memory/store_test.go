package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/bastion/internal/domain"
	"github.com/gosuda/bastion/internal/store/memory"
)

func link(seq uint64, ts time.Time) (*domain.AuditEntry, *domain.TamperEvidentRecord) {
	id := uuid.New()
	return &domain.AuditEntry{ID: id, Timestamp: ts, EventType: "http_request"},
		&domain.TamperEvidentRecord{EntryID: id, ChainSequence: seq}
}

func TestAuditRepo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := memory.NewAuditRepo()

	_, err := repo.Last(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	for i := range 5 {
		e, r := link(uint64(i+1), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.Persist(ctx, e, r))
	}
	assert.Equal(t, 5, repo.Len())

	t.Run("persist_rejects_non_increasing_sequence", func(t *testing.T) {
		t.Parallel()
		e, r := link(5, base)
		assert.ErrorIs(t, repo.Persist(ctx, e, r), domain.ErrConflict)
	})

	t.Run("last", func(t *testing.T) {
		t.Parallel()
		last, err := repo.Last(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), last.ChainSequence)
	})

	t.Run("record", func(t *testing.T) {
		t.Parallel()
		rec, err := repo.Record(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), rec.ChainSequence)

		_, err = repo.Record(ctx, 9)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("list_range", func(t *testing.T) {
		t.Parallel()
		links, err := repo.ListRange(ctx, 2, 4)
		require.NoError(t, err)
		require.Len(t, links, 3)
		for i, l := range links {
			assert.Equal(t, uint64(i+2), l.Record.ChainSequence)
		}
	})

	t.Run("list_period_is_half_open", func(t *testing.T) {
		t.Parallel()
		links, err := repo.ListPeriod(ctx, base.Add(time.Minute), base.Add(3*time.Minute))
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, uint64(2), links[0].Record.ChainSequence)
		assert.Equal(t, uint64(3), links[1].Record.ChainSequence)
	})

	t.Run("returned_records_are_copies", func(t *testing.T) {
		t.Parallel()
		rec, err := repo.Record(ctx, 1)
		require.NoError(t, err)
		rec.Signature = "tampered"

		again, err := repo.Record(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, again.Signature)
	})
}

func TestSecurityEventRepo(t *testing.T) {
	t.Parallel()

	repo := memory.NewSecurityEventRepo()
	require.NoError(t, repo.Persist(context.Background(), &domain.SecurityEvent{Type: domain.EventAccessBlocked}))
	require.NoError(t, repo.Persist(context.Background(), &domain.SecurityEvent{Type: domain.EventRateLimitExceeded}))

	require.NoError(t, repo.Persist(context.Background(), &domain.SecurityEvent{Type: domain.EventCircuitOpened, Identity: "ip:203.0.113.1"}))

	events := repo.List()
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventAccessBlocked, events[0].Type)
	assert.Equal(t, domain.EventRateLimitExceeded, events[1].Type)

	byID, err := repo.ListByIdentity(context.Background(), "ip:203.0.113.1", 0)
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, domain.EventCircuitOpened, byID[0].Type)
}

func TestDecisionRepo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewDecisionRepo()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	require.NoError(t, repo.Upsert(ctx, &domain.ThreatDecision{Identity: "ip:203.0.113.1", Action: domain.DecisionBlock}))
	require.NoError(t, repo.Upsert(ctx, &domain.ThreatDecision{Identity: "user:7", Action: domain.DecisionQuarantine, ExpiresAt: &future}))
	require.NoError(t, repo.Upsert(ctx, &domain.ThreatDecision{Identity: "user:8", Action: domain.DecisionBlock, ExpiresAt: &past}))

	active, err := repo.ActiveDecisions(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, d := range active {
		ids = append(ids, d.Identity)
		assert.False(t, d.CreatedAt.IsZero())
	}
	assert.ElementsMatch(t, []string{"ip:203.0.113.1", "user:7"}, ids)

	// Upsert replaces.
	require.NoError(t, repo.Upsert(ctx, &domain.ThreatDecision{Identity: "user:7", Action: domain.DecisionBlock}))
	active, err = repo.ActiveDecisions(ctx)
	require.NoError(t, err)
	for _, d := range active {
		if d.Identity == "user:7" {
			assert.Equal(t, domain.DecisionBlock, d.Action)
			assert.Nil(t, d.ExpiresAt)
		}
	}

	require.NoError(t, repo.Delete(ctx, "user:7"))
	assert.ErrorIs(t, repo.Delete(ctx, "user:7"), domain.ErrNotFound)
}

func TestStoreAccessors(t *testing.T) {
	t.Parallel()

	s := memory.New()
	defer s.Close()

	assert.NotNil(t, s.Audit())
	assert.NotNil(t, s.SecurityEvents())
	assert.NotNil(t, s.Decisions())
}
