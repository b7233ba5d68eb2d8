package domain_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/bastion/internal/domain"
)

// ---------------------------------------------------------------------------
// 1. Severity.Rank: total order used to pick the stronger severity.
// ---------------------------------------------------------------------------

func TestSeverity_Rank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sev  domain.Severity
		want int
	}{
		{domain.SeverityLow, 1},
		{domain.SeverityMedium, 2},
		{domain.SeverityHigh, 3},
		{domain.SeverityCritical, 4},
		{domain.Severity(""), 0},
		{domain.Severity("urgent"), 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.sev), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.sev.Rank())
		})
	}
}

func TestSeverity_RankIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	order := []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Rank(), order[i].Rank(), "%s < %s", order[i-1], order[i])
	}
}

// ---------------------------------------------------------------------------
// 2. Sentinel errors.
// ---------------------------------------------------------------------------

func TestSentinelErrors_Distinct(t *testing.T) {
	t.Parallel()

	sentinels := []error{
		domain.ErrNotFound,
		domain.ErrConflict,
		domain.ErrInvalidRange,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}

			t.Run(a.Error()+"!="+b.Error(), func(t *testing.T) {
				t.Parallel()

				assert.NotErrorIs(t, a, b, "sentinel errors must be distinct")
			})
		}
	}
}

func TestSentinelErrors_WrappingPreservesIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"ErrNotFound", domain.ErrNotFound},
		{"ErrConflict", domain.ErrConflict},
		{"ErrInvalidRange", domain.ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wrapped := fmt.Errorf("outer: %w", tt.err)
			require.ErrorIs(t, wrapped, tt.err, "wrapped error should preserve identity")

			doubleWrapped := fmt.Errorf("outer2: %w", wrapped)
			require.ErrorIs(t, doubleWrapped, tt.err, "double-wrapped error should preserve identity")
		})
	}
}

// ---------------------------------------------------------------------------
// 3. Constants: string value regression guards. These values are stored
//    in the audit chain and in postgres CHECK constraints.
// ---------------------------------------------------------------------------

func TestEventTypeConstants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "rate_limit_exceeded", domain.EventRateLimitExceeded)
	assert.Equal(t, "access_blocked", domain.EventAccessBlocked)
	assert.Equal(t, "access_quarantined", domain.EventAccessQuarantined)
	assert.Equal(t, "circuit_opened", domain.EventCircuitOpened)
	assert.Equal(t, "circuit_closed", domain.EventCircuitClosed)
	assert.Equal(t, "suspicious_request", domain.EventSuspiciousRequest)
	assert.Equal(t, "rapid_requests", domain.EventRapidRequests)
	assert.Equal(t, "http_request", domain.EventHTTPRequest)
}

func TestDecisionConstants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "block", domain.DecisionBlock)
	assert.Equal(t, "quarantine", domain.DecisionQuarantine)
}
