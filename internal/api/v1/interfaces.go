package v1

import (
	"context"
	"time"

	"github.com/gosuda/bastion/internal/audit"
	"github.com/gosuda/bastion/internal/breaker"
	"github.com/gosuda/bastion/internal/domain"
	"github.com/gosuda/bastion/internal/ratelimit"
	"github.com/gosuda/bastion/internal/threat"
)

// AuditService abstracts the chain operations exposed to operators.
// *audit.Chain satisfies this interface.
type AuditService interface {
	Verify(ctx context.Context, rng audit.Range) audit.VerifyResult
	ComplianceReport(ctx context.Context, p audit.Period) (*audit.Report, error)
	Append(ctx context.Context, rec audit.ActionRecord) (*domain.TamperEvidentRecord, error)
	Sequence() uint64
}

// ThreatControl abstracts the threat cache for handler testing.
// *threat.Cache satisfies this interface.
type ThreatControl interface {
	Whitelist(identity string, ttl time.Duration)
	RemoveWhitelist(identity string)
	ForceRefresh(ctx context.Context) error
	Snapshot() threat.Snapshot
}

// CircuitControl abstracts the circuit breaker. *breaker.Breaker satisfies it.
type CircuitControl interface {
	Snapshot() []breaker.State
	Reset(key string) bool
}

// LimiterView abstracts the adaptive limiter. *ratelimit.Limiter satisfies it.
type LimiterView interface {
	Behavior(identity string) (ratelimit.BehaviorScore, bool)
	Limits() []ratelimit.DynamicLimit
}

// DecisionStore is the central threat authority's decision table.
// *postgres.DecisionRepo and *memory.DecisionRepo satisfy it.
type DecisionStore interface {
	Upsert(ctx context.Context, d *domain.ThreatDecision) error
	Delete(ctx context.Context, identity string) error
}

// EventHistory lists persisted security events.
type EventHistory interface {
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*domain.SecurityEvent, error)
}
