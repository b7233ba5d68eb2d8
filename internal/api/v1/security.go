package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/bastion/internal/audit"
	"github.com/gosuda/bastion/internal/breaker"
	"github.com/gosuda/bastion/internal/domain"
	"github.com/gosuda/bastion/internal/ratelimit"
	"github.com/gosuda/bastion/internal/threat"
)

// Operator actions recorded in the audit chain.
const (
	EventWhitelistChanged = "whitelist_changed"
	EventCircuitReset     = "circuit_reset"
	EventThreatsRefreshed = "threat_cache_refreshed"
	EventDecisionChanged  = "threat_decision_changed"
)

type WhitelistInput struct {
	Body struct {
		Identity   string `json:"identity" minLength:"3" maxLength:"256" doc:"Identity key, e.g. user:42 or ip:203.0.113.7"`
		TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0" doc:"Exemption lifetime; 0 never expires"`
		Remove     bool   `json:"remove,omitempty" doc:"Drop the exemption instead of adding it"`
	}
}

type WhitelistOutput struct {
	Body struct {
		Identity  string     `json:"identity"`
		Active    bool       `json:"active"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
}

type RefreshOutput struct {
	Body threat.Snapshot
}

type CircuitsOutput struct {
	Body []breaker.State
}

type ResetCircuitInput struct {
	Body struct {
		Route string `json:"route" minLength:"1" doc:"Route key, e.g. GET /api/v1/orders/{id}"`
	}
}

type ResetCircuitOutput struct {
	Body struct {
		Route   string `json:"route"`
		Changed bool   `json:"changed"`
	}
}

type BehaviorInput struct {
	Identity string `path:"identity" doc:"Identity key"`
}

type BehaviorOutput struct {
	Body struct {
		Identity string                  `json:"identity"`
		Score    ratelimit.BehaviorScore `json:"score"`
	}
}

type LimitsOutput struct {
	Body []ratelimit.DynamicLimit
}

type EventsInput struct {
	Identity string `path:"identity" doc:"Identity key"`
	Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

type EventsOutput struct {
	Body []*domain.SecurityEvent
}

type PutDecisionInput struct {
	Body struct {
		Identity   string `json:"identity" minLength:"3" maxLength:"256" doc:"Identity key, e.g. ip:203.0.113.7"`
		Action     string `json:"action" enum:"block,quarantine" doc:"Decision to enforce"`
		Reason     string `json:"reason,omitempty" maxLength:"512"`
		TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0" doc:"Decision lifetime; 0 never expires"`
	}
}

type DecisionOutput struct {
	Body struct {
		Identity  string     `json:"identity"`
		Action    string     `json:"action"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
}

type DeleteDecisionInput struct {
	Identity string `path:"identity" doc:"Identity key"`
}

// SecurityDeps groups the components the operator endpoints control.
type SecurityDeps struct {
	Threats   ThreatControl
	Circuits  CircuitControl
	Limiter   LimiterView
	Audit     AuditService
	Decisions DecisionStore
	Events    EventHistory
	// Announce tells other instances that decisions changed. Optional.
	Announce func(ctx context.Context, identity string) error
}

func RegisterSecurityRoutes(api huma.API, deps SecurityDeps) {
	huma.Register(api, huma.Operation{
		OperationID: "update-whitelist",
		Method:      http.MethodPost,
		Path:        "/security/whitelist",
		Summary:     "Exempt an identity from rate limiting",
		Tags:        []string{"Security"},
	}, func(ctx context.Context, input *WhitelistInput) (*WhitelistOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		out := &WhitelistOutput{}
		out.Body.Identity = input.Body.Identity
		action := "remove"
		if input.Body.Remove {
			deps.Threats.RemoveWhitelist(input.Body.Identity)
		} else {
			ttl := time.Duration(input.Body.TTLSeconds) * time.Second
			deps.Threats.Whitelist(input.Body.Identity, ttl)
			out.Body.Active = true
			action = "add"
			if ttl > 0 {
				exp := time.Now().UTC().Add(ttl)
				out.Body.ExpiresAt = &exp
			}
		}

		recordOperatorAction(ctx, deps.Audit, audit.ActionRecord{
			EventType:  EventWhitelistChanged,
			EntityType: "identity",
			EntityID:   input.Body.Identity,
			Action:     action,
			NewValue:   map[string]any{"ttl_seconds": input.Body.TTLSeconds},
		})
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-threat-cache",
		Method:      http.MethodPost,
		Path:        "/security/threats/refresh",
		Summary:     "Reload block and quarantine decisions now",
		Tags:        []string{"Security"},
	}, func(ctx context.Context, _ *struct{}) (*RefreshOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		if err := deps.Threats.ForceRefresh(ctx); err != nil {
			return nil, huma.Error502BadGateway("threat authority unavailable", err)
		}

		snap := deps.Threats.Snapshot()
		recordOperatorAction(ctx, deps.Audit, audit.ActionRecord{
			EventType:  EventThreatsRefreshed,
			EntityType: "threat_cache",
			EntityID:   "decisions",
			Action:     "refresh",
			NewValue:   map[string]any{"blocked": snap.Blocked, "quarantined": snap.Quarantined},
		})
		return &RefreshOutput{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-circuits",
		Method:      http.MethodGet,
		Path:        "/security/circuits",
		Summary:     "Circuit breaker state per route",
		Tags:        []string{"Security"},
	}, func(ctx context.Context, _ *struct{}) (*CircuitsOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		return &CircuitsOutput{Body: deps.Circuits.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-circuit",
		Method:      http.MethodPost,
		Path:        "/security/circuits/reset",
		Summary:     "Force a route circuit closed",
		Tags:        []string{"Security"},
	}, func(ctx context.Context, input *ResetCircuitInput) (*ResetCircuitOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		out := &ResetCircuitOutput{}
		out.Body.Route = input.Body.Route
		out.Body.Changed = deps.Circuits.Reset(input.Body.Route)

		recordOperatorAction(ctx, deps.Audit, audit.ActionRecord{
			EventType:  EventCircuitReset,
			EntityType: "circuit",
			EntityID:   input.Body.Route,
			Action:     "reset",
			NewValue:   map[string]any{"changed": out.Body.Changed},
		})
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-behavior",
		Method:      http.MethodGet,
		Path:        "/security/behavior/{identity}",
		Summary:     "Behavior score of an identity",
		Tags:        []string{"Security"},
	}, func(ctx context.Context, input *BehaviorInput) (*BehaviorOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		score, ok := deps.Limiter.Behavior(input.Identity)
		if !ok {
			return nil, huma.Error404NotFound("no behavior recorded for identity")
		}

		out := &BehaviorOutput{}
		out.Body.Identity = input.Identity
		out.Body.Score = score
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-limits",
		Method:      http.MethodGet,
		Path:        "/security/limits",
		Summary:     "Load-adjusted limits per route class",
		Tags:        []string{"Security"},
	}, func(ctx context.Context, _ *struct{}) (*LimitsOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		return &LimitsOutput{Body: deps.Limiter.Limits()}, nil
	})

	if deps.Events != nil {
		huma.Register(api, huma.Operation{
			OperationID: "list-security-events",
			Method:      http.MethodGet,
			Path:        "/security/events/{identity}",
			Summary:     "Recent security events of an identity",
			Tags:        []string{"Security"},
		}, func(ctx context.Context, input *EventsInput) (*EventsOutput, error) {
			if err := requireAdmin(ctx); err != nil {
				return nil, err
			}

			events, err := deps.Events.ListByIdentity(ctx, input.Identity, input.Limit)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to list security events", err)
			}
			if events == nil {
				events = []*domain.SecurityEvent{}
			}
			return &EventsOutput{Body: events}, nil
		})
	}

	if deps.Decisions == nil {
		return
	}

	huma.Register(api, huma.Operation{
		OperationID: "put-threat-decision",
		Method:      http.MethodPut,
		Path:        "/security/decisions",
		Summary:     "Block or quarantine an identity",
		Tags:        []string{"Security"},
	}, func(ctx context.Context, input *PutDecisionInput) (*DecisionOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		d := &domain.ThreatDecision{
			Identity:  input.Body.Identity,
			Action:    input.Body.Action,
			Reason:    input.Body.Reason,
			CreatedAt: time.Now().UTC(),
		}
		if input.Body.TTLSeconds > 0 {
			exp := d.CreatedAt.Add(time.Duration(input.Body.TTLSeconds) * time.Second)
			d.ExpiresAt = &exp
		}
		if err := deps.Decisions.Upsert(ctx, d); err != nil {
			return nil, huma.Error500InternalServerError("failed to store decision", err)
		}

		recordOperatorAction(ctx, deps.Audit, audit.ActionRecord{
			EventType:  EventDecisionChanged,
			EntityType: "identity",
			EntityID:   d.Identity,
			Action:     d.Action,
			NewValue:   map[string]any{"reason": d.Reason, "ttl_seconds": input.Body.TTLSeconds},
		})
		propagateDecision(ctx, deps, d.Identity)

		out := &DecisionOutput{}
		out.Body.Identity = d.Identity
		out.Body.Action = d.Action
		out.Body.ExpiresAt = d.ExpiresAt
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-threat-decision",
		Method:        http.MethodDelete,
		Path:          "/security/decisions/{identity}",
		Summary:       "Lift a block or quarantine",
		Tags:          []string{"Security"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *DeleteDecisionInput) (*struct{}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		err := deps.Decisions.Delete(ctx, input.Identity)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, huma.Error404NotFound("no decision for identity")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to delete decision", err)
		}

		recordOperatorAction(ctx, deps.Audit, audit.ActionRecord{
			EventType:  EventDecisionChanged,
			EntityType: "identity",
			EntityID:   input.Identity,
			Action:     "lift",
		})
		propagateDecision(ctx, deps, input.Identity)
		return nil, nil
	})
}

// propagateDecision reloads the local cache and announces the change to
// other instances. Failures are logged only.
func propagateDecision(ctx context.Context, deps SecurityDeps, identity string) {
	if deps.Threats != nil {
		if err := deps.Threats.ForceRefresh(ctx); err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("threat cache refresh after decision change failed")
		}
	}
	if deps.Announce != nil {
		if err := deps.Announce(ctx, identity); err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("decision change announcement failed")
		}
	}
}

func recordOperatorAction(ctx context.Context, svc AuditService, rec audit.ActionRecord) {
	if svc == nil {
		return
	}
	rec.ActorID = operator(ctx)
	if _, err := svc.Append(ctx, rec); err != nil {
		log.Error().Err(err).Str("event_type", rec.EventType).Str("actor", rec.ActorID).Msg("audit append failed")
	}
}
