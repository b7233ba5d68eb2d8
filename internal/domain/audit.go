package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is an immutable record of a security-relevant action. Value
// snapshots and metadata are already redacted when an entry reaches storage.
type AuditEntry struct {
	ID            uuid.UUID      `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	ActorID       string         `json:"actor_id,omitempty"`
	EventType     string         `json:"event_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Action        string         `json:"action"`
	PreviousValue map[string]any `json:"previous_value,omitempty"`
	NewValue      map[string]any `json:"new_value,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
}

// TamperEvidentRecord links an AuditEntry into the hash chain. For sequence
// n > 1, PreviousHash equals the DataHash of record n-1; record 1 links to
// the genesis hash.
type TamperEvidentRecord struct {
	EntryID       uuid.UUID `json:"entry_id"`
	DataHash      string    `json:"data_hash"`
	PreviousHash  string    `json:"previous_hash"`
	Signature     string    `json:"signature"`
	ChainSequence uint64    `json:"chain_sequence"`
}

// ChainLink pairs a chain record with its entry. Entry may be nil when only
// the record is available (e.g. after entry retention expiry).
type ChainLink struct {
	Record *TamperEvidentRecord
	Entry  *AuditEntry
}

// AuditRepository is the append-only storage collaborator for the audit chain.
// There is intentionally no update or delete operation.
type AuditRepository interface {
	// Persist durably writes the entry and its record together.
	Persist(ctx context.Context, entry *AuditEntry, record *TamperEvidentRecord) error
	// Last returns the record with the highest sequence, or ErrNotFound.
	Last(ctx context.Context) (*TamperEvidentRecord, error)
	// Record returns the record at seq, or ErrNotFound.
	Record(ctx context.Context, seq uint64) (*TamperEvidentRecord, error)
	// ListRange returns links with from <= sequence <= to, ordered by sequence.
	ListRange(ctx context.Context, from, to uint64) ([]*ChainLink, error)
	// ListPeriod returns links whose entry timestamp is in [start, end), ordered by sequence.
	ListPeriod(ctx context.Context, start, end time.Time) ([]*ChainLink, error)
}
