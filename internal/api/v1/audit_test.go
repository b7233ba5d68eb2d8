package v1_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/bastion/internal/api/v1"
	"github.com/gosuda/bastion/internal/audit"
)

func appendEntries(t *testing.T, chain *audit.Chain, n int) {
	t.Helper()
	for i := range n {
		_, err := chain.Append(context.Background(), audit.ActionRecord{
			ActorID:    "user:42",
			EventType:  "rate_limit_exceeded",
			EntityType: "route",
			EntityID:   "POST /api/v1/auth/login",
			Action:     "deny",
			Metadata:   map[string]any{"n": i, audit.MetadataSeverity: "medium"},
		})
		require.NoError(t, err)
	}
}

// ---------------------------------------------------------------------------
// GET /audit/verify
// ---------------------------------------------------------------------------

func TestVerifyAuditChain(t *testing.T) {
	t.Parallel()

	t.Run("whole_chain", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, _ := newChain(t)
		appendEntries(t, chain, 4)
		v1.RegisterAuditRoutes(api, chain)

		resp := api.GetCtx(adminCtx(), "/audit/verify")
		require.Equal(t, http.StatusOK, resp.Code)

		var body audit.VerifyResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.True(t, body.Valid)
		assert.Equal(t, 4, body.Checked)
		assert.Empty(t, body.Errors)
	})

	t.Run("partial_range", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, _ := newChain(t)
		appendEntries(t, chain, 6)
		v1.RegisterAuditRoutes(api, chain)

		resp := api.GetCtx(adminCtx(), "/audit/verify?from=2&to=4")
		require.Equal(t, http.StatusOK, resp.Code)

		var body audit.VerifyResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.True(t, body.Valid)
		assert.Equal(t, uint64(2), body.From)
		assert.Equal(t, uint64(4), body.To)
		assert.Equal(t, 3, body.Checked)
	})

	t.Run("inverted_range", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, _ := newChain(t)
		v1.RegisterAuditRoutes(api, chain)

		resp := api.GetCtx(adminCtx(), "/audit/verify?from=5&to=2")
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("non_admin_forbidden", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, _ := newChain(t)
		v1.RegisterAuditRoutes(api, chain)

		resp := api.GetCtx(roleCtx("viewer"), "/audit/verify")
		assert.Equal(t, http.StatusForbidden, resp.Code)

		resp = api.Get("/audit/verify")
		assert.Equal(t, http.StatusForbidden, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /audit/report
// ---------------------------------------------------------------------------

func TestComplianceReport(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, _ := newChain(t)
		appendEntries(t, chain, 3)
		v1.RegisterAuditRoutes(api, chain)

		start := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
		end := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		resp := api.GetCtx(adminCtx(), "/audit/report?start="+start+"&end="+end)
		require.Equal(t, http.StatusOK, resp.Code)

		var body audit.Report
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, 3, body.TotalEntries)
		assert.Equal(t, 3, body.DataProcessing["rate_limit_exceeded/deny"])
		assert.Equal(t, 3, body.SecuritySeverity["medium"])
		assert.True(t, body.Integrity.Valid)
	})

	t.Run("end_before_start", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, _ := newChain(t)
		v1.RegisterAuditRoutes(api, chain)

		resp := api.GetCtx(adminCtx(), "/audit/report?start=2026-02-01T00:00:00Z&end=2026-01-01T00:00:00Z")
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("missing_period", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		chain, _ := newChain(t)
		v1.RegisterAuditRoutes(api, chain)

		resp := api.GetCtx(adminCtx(), "/audit/report")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /audit/head
// ---------------------------------------------------------------------------

func TestAuditHead(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	chain, _ := newChain(t)
	appendEntries(t, chain, 2)
	v1.RegisterAuditRoutes(api, chain)

	resp := api.GetCtx(adminCtx(), "/audit/head")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Sequence uint64 `json:"sequence"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, uint64(2), body.Sequence)
}
