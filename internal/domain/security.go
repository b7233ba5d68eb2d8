package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Severity grades security events and escalations.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so the stronger of two can be picked.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Security event types recorded by the pipeline.
const (
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventAccessBlocked     = "access_blocked"
	EventAccessQuarantined = "access_quarantined"
	EventCircuitOpened     = "circuit_opened"
	EventCircuitClosed     = "circuit_closed"
	EventSuspiciousRequest = "suspicious_request"
	EventRapidRequests     = "rapid_requests"
	EventHTTPRequest       = "http_request"
)

// SecurityEvent is an operator-facing record of a policy decision.
type SecurityEvent struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	Severity   Severity       `json:"severity"`
	Identity   string         `json:"identity"`
	RouteClass string         `json:"route_class,omitempty"`
	Route      string         `json:"route,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type SecurityEventRepository interface {
	Persist(ctx context.Context, event *SecurityEvent) error
	// ListByIdentity returns up to limit events for identity, newest first.
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*SecurityEvent, error)
}

// Decision actions issued by the central threat authority.
const (
	DecisionBlock      = "block"
	DecisionQuarantine = "quarantine"
)

// ThreatDecision is one active block or quarantine decision for an identity.
type ThreatDecision struct {
	Identity  string
	Action    string
	Reason    string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// ThreatDecisionSource is the central authority the threat cache refreshes from.
type ThreatDecisionSource interface {
	ActiveDecisions(ctx context.Context) ([]*ThreatDecision, error)
}
