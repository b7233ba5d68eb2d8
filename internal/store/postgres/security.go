package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/bastion/internal/domain"
)

type SecurityEventRepo struct {
	pool *pgxpool.Pool
}

func NewSecurityEventRepo(pool *pgxpool.Pool) *SecurityEventRepo {
	return &SecurityEventRepo{pool: pool}
}

func (r *SecurityEventRepo) Persist(ctx context.Context, event *domain.SecurityEvent) error {
	details, err := marshalJSON(event.Details)
	if err != nil {
		return fmt.Errorf("securityEventRepo.Persist: marshal details: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO security_events (id, type, severity, identity, route_class, route, ip_address, user_agent, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Type, string(event.Severity), event.Identity,
		nilIfEmpty(event.RouteClass), nilIfEmpty(event.Route),
		nilIfEmpty(event.IPAddress), nilIfEmpty(event.UserAgent),
		details, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("securityEventRepo.Persist: %w", err)
	}

	return nil
}

// ListByIdentity returns the newest events for identity first.
func (r *SecurityEventRepo) ListByIdentity(ctx context.Context, identity string, limit int) ([]*domain.SecurityEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, type, severity, identity, route_class, route, ip_address, user_agent, details, created_at
		 FROM security_events WHERE identity = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("securityEventRepo.ListByIdentity: %w", err)
	}
	defer rows.Close()

	var events []*domain.SecurityEvent
	for rows.Next() {
		var ev domain.SecurityEvent
		var severity string
		var routeClass, route, ip, agent *string
		var details []byte

		if err := rows.Scan(
			&ev.ID, &ev.Type, &severity, &ev.Identity, &routeClass, &route, &ip, &agent, &details, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("securityEventRepo.ListByIdentity: scan: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("securityEventRepo.ListByIdentity: unmarshal details: %w", err)
			}
		}
		ev.Severity = domain.Severity(severity)
		ev.RouteClass = derefStr(routeClass)
		ev.Route = derefStr(route)
		ev.IPAddress = derefStr(ip)
		ev.UserAgent = derefStr(agent)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("securityEventRepo.ListByIdentity: rows: %w", err)
	}

	return events, nil
}

// DecisionRepo is the central threat authority backed by threat_decisions.
type DecisionRepo struct {
	pool *pgxpool.Pool
}

func NewDecisionRepo(pool *pgxpool.Pool) *DecisionRepo {
	return &DecisionRepo{pool: pool}
}

// Upsert adds or replaces the decision for d.Identity.
func (r *DecisionRepo) Upsert(ctx context.Context, d *domain.ThreatDecision) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO threat_decisions (identity, action, reason, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity) DO UPDATE
		 SET action = EXCLUDED.action, reason = EXCLUDED.reason,
		     expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`,
		d.Identity, d.Action, d.Reason, d.ExpiresAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("decisionRepo.Upsert: %w", err)
	}

	return nil
}

func (r *DecisionRepo) Delete(ctx context.Context, identity string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM threat_decisions WHERE identity = $1`, identity)
	if err != nil {
		return fmt.Errorf("decisionRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decisionRepo.Delete: %w", domain.ErrNotFound)
	}

	return nil
}

// ActiveDecisions returns decisions that have not expired.
func (r *DecisionRepo) ActiveDecisions(ctx context.Context) ([]*domain.ThreatDecision, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT identity, action, reason, expires_at, created_at
		 FROM threat_decisions
		 WHERE expires_at IS NULL OR expires_at > now()`,
	)
	if err != nil {
		return nil, fmt.Errorf("decisionRepo.ActiveDecisions: %w", err)
	}
	defer rows.Close()

	var list []*domain.ThreatDecision
	for rows.Next() {
		var d domain.ThreatDecision

		if err := rows.Scan(&d.Identity, &d.Action, &d.Reason, &d.ExpiresAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("decisionRepo.ActiveDecisions: scan: %w", err)
		}
		list = append(list, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("decisionRepo.ActiveDecisions: rows: %w", err)
	}

	return list, nil
}
