// Package memory provides in-process implementations of the storage
// collaborators. It backs development mode and tests; nothing survives a
// restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gosuda/bastion/internal/domain"
)

// Store aggregates the in-memory repositories, mirroring postgres.Store.
type Store struct {
	audit     *AuditRepo
	events    *SecurityEventRepo
	decisions *DecisionRepo
}

func New() *Store {
	return &Store{
		audit:     NewAuditRepo(),
		events:    NewSecurityEventRepo(),
		decisions: NewDecisionRepo(),
	}
}

func (s *Store) Close() {}

func (s *Store) Audit() domain.AuditRepository                  { return s.audit }
func (s *Store) SecurityEvents() domain.SecurityEventRepository { return s.events }
func (s *Store) Decisions() *DecisionRepo                       { return s.decisions }

// AuditRepo is an append-only slice of chain links.
type AuditRepo struct {
	mu    sync.RWMutex
	links []*domain.ChainLink
}

func NewAuditRepo() *AuditRepo {
	return &AuditRepo{}
}

func (r *AuditRepo) Persist(_ context.Context, entry *domain.AuditEntry, record *domain.TamperEvidentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.links); n > 0 && r.links[n-1].Record.ChainSequence >= record.ChainSequence {
		return fmt.Errorf("memory.AuditRepo.Persist: sequence %d: %w", record.ChainSequence, domain.ErrConflict)
	}

	rec := *record
	r.links = append(r.links, &domain.ChainLink{Record: &rec, Entry: entry})
	return nil
}

func (r *AuditRepo) Last(_ context.Context) (*domain.TamperEvidentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.links) == 0 {
		return nil, fmt.Errorf("memory.AuditRepo.Last: %w", domain.ErrNotFound)
	}
	rec := *r.links[len(r.links)-1].Record
	return &rec, nil
}

func (r *AuditRepo) Record(_ context.Context, seq uint64) (*domain.TamperEvidentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.search(seq)
	if i == len(r.links) || r.links[i].Record.ChainSequence != seq {
		return nil, fmt.Errorf("memory.AuditRepo.Record: seq %d: %w", seq, domain.ErrNotFound)
	}
	rec := *r.links[i].Record
	return &rec, nil
}

func (r *AuditRepo) ListRange(_ context.Context, from, to uint64) ([]*domain.ChainLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.ChainLink
	for i := r.search(from); i < len(r.links) && r.links[i].Record.ChainSequence <= to; i++ {
		out = append(out, copyLink(r.links[i]))
	}
	return out, nil
}

func (r *AuditRepo) ListPeriod(_ context.Context, start, end time.Time) ([]*domain.ChainLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.ChainLink
	for _, link := range r.links {
		ts := link.Entry.Timestamp
		if !ts.Before(start) && ts.Before(end) {
			out = append(out, copyLink(link))
		}
	}
	return out, nil
}

// Len returns the number of stored links.
func (r *AuditRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

func (r *AuditRepo) search(seq uint64) int {
	return sort.Search(len(r.links), func(i int) bool {
		return r.links[i].Record.ChainSequence >= seq
	})
}

func copyLink(l *domain.ChainLink) *domain.ChainLink {
	rec := *l.Record
	return &domain.ChainLink{Record: &rec, Entry: l.Entry}
}

// SecurityEventRepo keeps security events in arrival order.
type SecurityEventRepo struct {
	mu     sync.RWMutex
	events []*domain.SecurityEvent
}

func NewSecurityEventRepo() *SecurityEventRepo {
	return &SecurityEventRepo{}
}

func (r *SecurityEventRepo) Persist(_ context.Context, event *domain.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *SecurityEventRepo) ListByIdentity(_ context.Context, identity string, limit int) ([]*domain.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.SecurityEvent
	for i := len(r.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.events[i].Identity == identity {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

// List returns a snapshot of stored events.
func (r *SecurityEventRepo) List() []*domain.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.SecurityEvent, len(r.events))
	copy(out, r.events)
	return out
}

// DecisionRepo is a mutable in-memory central threat authority.
type DecisionRepo struct {
	mu        sync.RWMutex
	decisions map[string]*domain.ThreatDecision
	now       func() time.Time
}

func NewDecisionRepo() *DecisionRepo {
	return &DecisionRepo{
		decisions: make(map[string]*domain.ThreatDecision),
		now:       time.Now,
	}
}

// Upsert adds or replaces the decision for d.Identity.
func (r *DecisionRepo) Upsert(_ context.Context, d *domain.ThreatDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.now()
	}
	r.decisions[d.Identity] = &cp
	return nil
}

// Delete removes the decision for identity.
func (r *DecisionRepo) Delete(_ context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.decisions[identity]; !ok {
		return fmt.Errorf("memory.DecisionRepo.Delete: %w", domain.ErrNotFound)
	}
	delete(r.decisions, identity)
	return nil
}

func (r *DecisionRepo) ActiveDecisions(_ context.Context) ([]*domain.ThreatDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]*domain.ThreatDecision, 0, len(r.decisions))
	for _, d := range r.decisions {
		if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
