package audit_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/bastion/internal/audit"
	"github.com/gosuda/bastion/internal/domain"
)

const testSecret = "test-audit-signing-secret-0123456789"

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeRepo stores links by pointer so tests can tamper with persisted state.
type fakeRepo struct {
	mu          sync.Mutex
	links       []*domain.ChainLink
	persistFunc func(entry *domain.AuditEntry, record *domain.TamperEvidentRecord) error
}

func (f *fakeRepo) Persist(_ context.Context, entry *domain.AuditEntry, record *domain.TamperEvidentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistFunc != nil {
		if err := f.persistFunc(entry, record); err != nil {
			return err
		}
	}
	f.links = append(f.links, &domain.ChainLink{Record: record, Entry: entry})
	return nil
}

func (f *fakeRepo) Last(_ context.Context) (*domain.TamperEvidentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil, domain.ErrNotFound
	}
	return f.links[len(f.links)-1].Record, nil
}

func (f *fakeRepo) Record(_ context.Context, seq uint64) (*domain.TamperEvidentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.Record.ChainSequence == seq {
			return l.Record, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) ListRange(_ context.Context, from, to uint64) ([]*domain.ChainLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ChainLink
	for _, l := range f.links {
		if l.Record.ChainSequence >= from && l.Record.ChainSequence <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListPeriod(_ context.Context, start, end time.Time) ([]*domain.ChainLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ChainLink
	for _, l := range f.links {
		if !l.Entry.Timestamp.Before(start) && l.Entry.Timestamp.Before(end) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeRepo) link(seq uint64) *domain.ChainLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[seq-1]
}

type fakeEmergency struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
	causes  []error
}

func (f *fakeEmergency) Record(entry *domain.AuditEntry, _ *domain.TamperEvidentRecord, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	f.causes = append(f.causes, cause)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newChain(t *testing.T, repo domain.AuditRepository, opts ...audit.Option) *audit.Chain {
	t.Helper()
	c, err := audit.NewChain(repo, testSecret, opts...)
	require.NoError(t, err)
	return c
}

func appendN(t *testing.T, c *audit.Chain, n int) []*domain.TamperEvidentRecord {
	t.Helper()
	out := make([]*domain.TamperEvidentRecord, 0, n)
	for i := range n {
		rec, err := c.Append(context.Background(), audit.ActionRecord{
			ActorID:    fmt.Sprintf("user-%d", i%3),
			EventType:  "document_access",
			EntityType: "document",
			EntityID:   fmt.Sprintf("doc-%d", i),
			Action:     "read",
			Metadata:   map[string]any{"route": "/api/v1/documents"},
		})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func codes(res audit.VerifyResult) []string {
	out := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		out = append(out, e.String())
	}
	return out
}

// ===========================================================================
// Genesis and construction
// ===========================================================================

func TestGenesisHash_Deterministic(t *testing.T) {
	t.Parallel()

	a := newChain(t, &fakeRepo{})
	b := newChain(t, &fakeRepo{})

	assert.Equal(t, audit.GenesisHash(), audit.GenesisHash())
	assert.Equal(t, a.LastHash(), b.LastHash())
	assert.Equal(t, audit.GenesisHash(), a.LastHash())
	assert.Len(t, audit.GenesisHash(), 64)
}

func TestNewChain_RequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := audit.NewChain(&fakeRepo{}, "")
	require.ErrorIs(t, err, audit.ErrEmptySecret)
}

// ===========================================================================
// Append
// ===========================================================================

func TestAppend_LinksRecords(t *testing.T) {
	t.Parallel()

	c := newChain(t, &fakeRepo{})
	recs := appendN(t, c, 5)

	assert.Equal(t, uint64(1), recs[0].ChainSequence)
	assert.Equal(t, audit.GenesisHash(), recs[0].PreviousHash)
	for i := 1; i < len(recs); i++ {
		assert.Equal(t, uint64(i+1), recs[i].ChainSequence)
		assert.Equal(t, recs[i-1].DataHash, recs[i].PreviousHash)
		assert.NotEmpty(t, recs[i].Signature)
	}
	assert.Equal(t, uint64(5), c.Sequence())
	assert.Equal(t, recs[4].DataHash, c.LastHash())
}

func TestAppend_RedactsBeforeHashing(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	c := newChain(t, repo)

	_, err := c.Append(context.Background(), audit.ActionRecord{
		EventType:  "profile_update",
		EntityType: "user",
		EntityID:   "u-1",
		Action:     "update",
		NewValue: map[string]any{
			"email":     "jane.doe@example.com",
			"id_number": "8001015009087",
			"note":      "card 4111 1111 1111 1111 on file",
		},
	})
	require.NoError(t, err)

	stored := repo.link(1).Entry
	assert.Equal(t, "j*******@example.com", stored.NewValue["email"])
	assert.Equal(t, "*********9087", stored.NewValue["id_number"])
	assert.Equal(t, "card ************1111 on file", stored.NewValue["note"])
	assert.ElementsMatch(t,
		[]string{audit.ControlFieldEmail, audit.ControlFieldIdentity, audit.ControlValueCard},
		stored.Metadata[audit.MetadataPrivacyControls],
	)
	assert.True(t, c.VerifyAll(context.Background()).Valid)
}

func TestAppend_PersistFailure(t *testing.T) {
	t.Parallel()

	storageErr := errors.New("pg: connection refused")
	fail := true
	repo := &fakeRepo{}
	repo.persistFunc = func(_ *domain.AuditEntry, _ *domain.TamperEvidentRecord) error {
		if fail {
			return storageErr
		}
		return nil
	}
	emergency := &fakeEmergency{}
	var observed []bool
	c := newChain(t, repo,
		audit.WithEmergency(emergency),
		audit.WithAppendObserver(func(ok bool) { observed = append(observed, ok) }),
	)

	rec, err := c.Append(context.Background(), audit.ActionRecord{EventType: "login", Action: "create"})
	require.ErrorIs(t, err, storageErr)
	assert.Nil(t, rec)
	assert.Equal(t, uint64(0), c.Sequence(), "failed append must not advance the chain")
	assert.Equal(t, audit.GenesisHash(), c.LastHash())
	require.Len(t, emergency.entries, 1)
	assert.Equal(t, "login", emergency.entries[0].EventType)
	assert.ErrorIs(t, emergency.causes[0], storageErr)

	fail = false
	rec, err = c.Append(context.Background(), audit.ActionRecord{EventType: "login", Action: "create"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.ChainSequence)
	assert.Equal(t, []bool{false, true}, observed)
	assert.True(t, c.VerifyAll(context.Background()).Valid)
}

func TestRestore_ContinuesChain(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	first := newChain(t, repo)
	appendN(t, first, 4)

	second := newChain(t, repo)
	require.NoError(t, second.Restore(context.Background()))
	assert.Equal(t, uint64(4), second.Sequence())
	assert.Equal(t, first.LastHash(), second.LastHash())

	appendN(t, second, 2)
	res := second.VerifyAll(context.Background())
	assert.True(t, res.Valid, codes(res))
	assert.Equal(t, 6, res.Checked)
}

func TestRestore_EmptyRepo(t *testing.T) {
	t.Parallel()

	c := newChain(t, &fakeRepo{})
	require.NoError(t, c.Restore(context.Background()))
	assert.Equal(t, uint64(0), c.Sequence())
}

func TestAppend_ConcurrentAppendsStayContiguous(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	c := newChain(t, repo)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Append(context.Background(), audit.ActionRecord{EventType: "ping", Action: fmt.Sprint(i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res := c.VerifyAll(context.Background())
	assert.True(t, res.Valid, codes(res))
	assert.Equal(t, 20, res.Checked)
}

// ===========================================================================
// Verify
// ===========================================================================

func TestVerify_IntactChain(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 2, 17} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()

			c := newChain(t, &fakeRepo{})
			appendN(t, c, n)

			res := c.Verify(context.Background(), audit.Range{From: 0, To: uint64(n)})
			assert.True(t, res.Valid, codes(res))
			assert.Empty(t, res.Errors)
			assert.Equal(t, n, res.Checked)
		})
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tamper func(l *domain.ChainLink)
		want   []string
	}{
		{
			name:   "data hash",
			tamper: func(l *domain.ChainLink) { l.Record.DataHash = strings.Repeat("0", 64) },
			want:   []string{"bad-signature@3", "content-mismatch@3", "chain-break@4"},
		},
		{
			name:   "previous hash",
			tamper: func(l *domain.ChainLink) { l.Record.PreviousHash = audit.GenesisHash() },
			want:   []string{"chain-break@3", "bad-signature@3", "content-mismatch@3"},
		},
		{
			name:   "signature",
			tamper: func(l *domain.ChainLink) { l.Record.Signature = "deadbeef" },
			want:   []string{"bad-signature@3"},
		},
		{
			name:   "entry content",
			tamper: func(l *domain.ChainLink) { l.Entry.Action = "delete" },
			want:   []string{"content-mismatch@3"},
		},
		{
			name:   "entry metadata",
			tamper: func(l *domain.ChainLink) { l.Entry.Metadata["route"] = "/admin" },
			want:   []string{"content-mismatch@3"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := &fakeRepo{}
			c := newChain(t, repo)
			appendN(t, c, 5)

			tc.tamper(repo.link(3))

			res := c.VerifyAll(context.Background())
			assert.False(t, res.Valid)
			assert.ElementsMatch(t, tc.want, codes(res))
			assert.Equal(t, 5, res.Checked, "scan must continue past breaks")
		})
	}
}

func TestVerify_ReportsAllBreaks(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	c := newChain(t, repo)
	appendN(t, c, 8)

	repo.link(2).Record.Signature = "x"
	repo.link(6).Entry.EntityID = "forged"

	res := c.VerifyAll(context.Background())
	assert.ElementsMatch(t, []string{"bad-signature@2", "content-mismatch@6"}, codes(res))
}

func TestVerify_RecordsOnly(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	c := newChain(t, repo)
	appendN(t, c, 4)

	// Entries removed by retention: records alone still verify.
	for seq := uint64(1); seq <= 4; seq++ {
		repo.link(seq).Entry = nil
	}

	res := c.VerifyAll(context.Background())
	assert.True(t, res.Valid, codes(res))
}

func TestVerify_PartialRange(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	c := newChain(t, repo)
	appendN(t, c, 10)

	res := c.Verify(context.Background(), audit.Range{From: 4, To: 7})
	assert.True(t, res.Valid, codes(res))
	assert.Equal(t, 4, res.Checked)

	repo.link(3).Record.DataHash = "forged"
	res = c.Verify(context.Background(), audit.Range{From: 4, To: 7})
	assert.Equal(t, []string{"chain-break@4"}, codes(res))
}

func TestVerify_SequenceGap(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	c := newChain(t, repo)
	appendN(t, c, 5)

	repo.mu.Lock()
	repo.links = append(repo.links[:2], repo.links[3:]...)
	repo.mu.Unlock()

	res := c.VerifyAll(context.Background())
	assert.Contains(t, codes(res), "sequence-gap@3")
	assert.Contains(t, codes(res), "chain-break@4")
}

func TestVerify_WrongKey(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	c := newChain(t, repo)
	appendN(t, c, 3)

	other, err := audit.NewChain(repo, "a-completely-different-signing-secret")
	require.NoError(t, err)
	require.NoError(t, other.Restore(context.Background()))

	res := other.VerifyAll(context.Background())
	assert.ElementsMatch(t, []string{"bad-signature@1", "bad-signature@2", "bad-signature@3"}, codes(res))
}

// ===========================================================================
// Compliance report
// ===========================================================================

func TestComplianceReport(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	repo := &fakeRepo{}
	c := newChain(t, repo, audit.WithClock(func() time.Time { return now }))

	appendAt := func(at time.Time, rec audit.ActionRecord) {
		now = at
		_, err := c.Append(context.Background(), rec)
		require.NoError(t, err)
	}

	appendAt(base.Add(-time.Hour), audit.ActionRecord{EventType: "document_access", Action: "read"})
	appendAt(base.Add(time.Minute), audit.ActionRecord{
		EventType: domain.EventRateLimitExceeded, Action: "deny",
		Metadata: map[string]any{audit.MetadataSeverity: "medium"},
	})
	appendAt(base.Add(2*time.Minute), audit.ActionRecord{
		EventType: domain.EventRateLimitExceeded, Action: "deny",
		Metadata: map[string]any{audit.MetadataSeverity: "high"},
	})
	appendAt(base.Add(3*time.Minute), audit.ActionRecord{
		EventType: "profile_update", Action: "update",
		NewValue: map[string]any{"email": "a@b.co"},
	})
	appendAt(base.Add(2*time.Hour), audit.ActionRecord{EventType: "document_access", Action: "read"})

	report, err := c.ComplianceReport(context.Background(), audit.Period{Start: base, End: base.Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalEntries)
	assert.Equal(t, map[string]int{"rate_limit_exceeded/deny": 2, "profile_update/update": 1}, report.DataProcessing)
	assert.Equal(t, map[string]int{audit.ControlFieldEmail: 1}, report.PrivacyControls)
	assert.Equal(t, map[string]int{"medium": 1, "high": 1}, report.SecuritySeverity)
	assert.True(t, report.Integrity.Valid)
	assert.Equal(t, uint64(2), report.Integrity.From)
	assert.Equal(t, uint64(4), report.Integrity.To)
	assert.Equal(t, 5, c.VerifyAll(context.Background()).Checked, "report must not mutate the chain")
}

func TestComplianceReport_IncludesIntegrityFailures(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	c := newChain(t, repo)
	appendN(t, c, 3)
	repo.link(2).Entry.Action = "write"

	report, err := c.ComplianceReport(context.Background(), audit.Period{
		Start: time.Now().Add(-time.Hour),
		End:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, report.Integrity.Valid)
	assert.Equal(t, []string{"content-mismatch@2"}, codes(report.Integrity))
}

func TestComplianceReport_InvalidPeriod(t *testing.T) {
	t.Parallel()

	c := newChain(t, &fakeRepo{})
	now := time.Now()
	_, err := c.ComplianceReport(context.Background(), audit.Period{Start: now, End: now})
	require.ErrorIs(t, err, domain.ErrInvalidRange)
}
