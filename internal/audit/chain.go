// Package audit implements the tamper-evident audit chain.
//
// Every entry is hashed over its canonical JSON form, folded with the previous
// chain hash and its sequence number, and signed with an HMAC key derived from
// the configured secret. Records can be verified end to end from the genesis
// hash without the entries; when entries are available their content is
// checked too.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/hkdf"

	"github.com/gosuda/bastion/internal/domain"
)

const (
	genesisLiteral = "bastion-audit-chain/genesis/v1"
	keyInfo        = "bastion-audit-chain/hmac-sha256"
	keySize        = 32

	// MetadataPrivacyControls lists the redaction rules applied to an entry.
	MetadataPrivacyControls = "privacy_controls"
	// MetadataSeverity carries the security severity of an entry, if any.
	MetadataSeverity = "severity"
)

// ErrEmptySecret is returned when the chain is built without a signing secret.
var ErrEmptySecret = errors.New("audit: signing secret is required") //nolint:gochecknoglobals // sentinel error

// ActionRecord is the caller-supplied description of an action to audit.
type ActionRecord struct {
	ActorID       string
	EventType     string
	EntityType    string
	EntityID      string
	Action        string
	PreviousValue map[string]any
	NewValue      map[string]any
	Metadata      map[string]any
	IPAddress     string
	UserAgent     string
	SessionID     string
}

// Emergency receives entries that could not be persisted.
type Emergency interface {
	Record(entry *domain.AuditEntry, record *domain.TamperEvidentRecord, cause error)
}

// Chain is the single writer of the audit hash chain for this process.
type Chain struct {
	repo      domain.AuditRepository
	redactor  *Redactor
	emergency Emergency
	key       []byte
	now       func() time.Time
	tracer    trace.Tracer
	observe   func(ok bool)

	// mu serializes appends: it is held across the persistence call so the
	// sequence and last hash only move after a durable write.
	mu       sync.Mutex
	seq      uint64
	lastHash string
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithEmergency overrides the out-of-band sink used on persistence failure.
func WithEmergency(e Emergency) Option {
	return func(c *Chain) { c.emergency = e }
}

// WithAppendObserver registers a callback invoked after every append attempt.
func WithAppendObserver(fn func(ok bool)) Option {
	return func(c *Chain) { c.observe = fn }
}

// NewChain creates an empty chain seeded with the genesis hash. Call Restore
// to continue an existing chain from storage.
func NewChain(repo domain.AuditRepository, secret string, opts ...Option) (*Chain, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("audit.NewChain: %w", err)
	}

	c := &Chain{
		repo:      repo,
		redactor:  NewRedactor(),
		emergency: NewEmergencyLog(log.Logger),
		key:       key,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/gosuda/bastion/internal/audit"),
		lastHash:  GenesisHash(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GenesisHash is the fixed predecessor of the first record of every chain.
func GenesisHash() string {
	sum := sha256.Sum256([]byte(genesisLiteral))
	return hex.EncodeToString(sum[:])
}

// Restore seeds the sequence and last hash from the newest stored record.
func (c *Chain) Restore(ctx context.Context) error {
	last, err := c.repo.Last(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit.Chain.Restore: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = last.ChainSequence
	c.lastHash = last.DataHash
	return nil
}

// Sequence returns the sequence of the last appended record.
func (c *Chain) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// LastHash returns the current head of the chain.
func (c *Chain) LastHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// Append redacts, hashes, signs and persists one action. A persistence
// failure is returned to the caller and leaves the chain head unchanged; the
// entry is written to the emergency sink first.
func (c *Chain) Append(ctx context.Context, rec ActionRecord) (*domain.TamperEvidentRecord, error) {
	ctx, span := c.tracer.Start(ctx, "audit.Chain.Append")
	defer span.End()

	entry := c.buildEntry(rec)

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq + 1
	entryHash, err := hashEntry(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hash entry")
		c.notify(false)
		return nil, fmt.Errorf("audit.Chain.Append: %w", err)
	}

	dataHash := chainHash(c.lastHash, entryHash, seq)
	record := &domain.TamperEvidentRecord{
		EntryID:       entry.ID,
		DataHash:      dataHash,
		PreviousHash:  c.lastHash,
		Signature:     c.sign(entry.ID, dataHash, c.lastHash, seq),
		ChainSequence: seq,
	}
	span.SetAttributes(
		attribute.Int64("audit.sequence", int64(seq)), //nolint:gosec // sequence fits int64
		attribute.String("audit.event_type", entry.EventType),
	)

	if err := c.repo.Persist(ctx, entry, record); err != nil {
		c.emergency.Record(entry, record, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist")
		c.notify(false)
		return nil, fmt.Errorf("audit.Chain.Append: persist seq %d: %w", seq, err)
	}

	c.seq = seq
	c.lastHash = dataHash
	c.notify(true)
	return record, nil
}

func (c *Chain) notify(ok bool) {
	if c.observe != nil {
		c.observe(ok)
	}
}

func (c *Chain) buildEntry(rec ActionRecord) *domain.AuditEntry {
	var controls []string
	collect := func(values map[string]any) map[string]any {
		out, fired := c.redactor.Redact(values)
		controls = append(controls, fired...)
		return out
	}

	prev := collect(rec.PreviousValue)
	next := collect(rec.NewValue)
	meta := collect(rec.Metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	if len(controls) > 0 {
		meta[MetadataPrivacyControls] = uniqueSorted(controls)
	}

	ua, uaControls := c.redactor.RedactString(rec.UserAgent)
	if len(uaControls) > 0 {
		meta[MetadataPrivacyControls] = uniqueSorted(append(controls, uaControls...))
	}

	return &domain.AuditEntry{
		ID: uuid.New(),
		// Storage keeps microsecond precision; truncate so recomputed hashes match.
		Timestamp:     c.now().UTC().Truncate(time.Microsecond),
		ActorID:       rec.ActorID,
		EventType:     rec.EventType,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		Action:        rec.Action,
		PreviousValue: prev,
		NewValue:      next,
		Metadata:      meta,
		IPAddress:     rec.IPAddress,
		UserAgent:     ua,
		SessionID:     rec.SessionID,
	}
}

func (c *Chain) sign(entryID uuid.UUID, dataHash, previousHash string, seq uint64) string {
	mac := hmac.New(sha256.New, c.key)
	_, _ = io.WriteString(mac, entryID.String()+"|"+dataHash+"|"+previousHash+"|"+strconv.FormatUint(seq, 10))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Chain) validSignature(r *domain.TamperEvidentRecord) bool {
	want := c.sign(r.EntryID, r.DataHash, r.PreviousHash, r.ChainSequence)
	return hmac.Equal([]byte(want), []byte(r.Signature))
}

// canonicalEntry fixes the field order and time format used for hashing.
type canonicalEntry struct {
	ID            string         `json:"id"`
	Timestamp     string         `json:"timestamp"`
	ActorID       string         `json:"actor_id"`
	EventType     string         `json:"event_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Action        string         `json:"action"`
	PreviousValue map[string]any `json:"previous_value"`
	NewValue      map[string]any `json:"new_value"`
	Metadata      map[string]any `json:"metadata"`
	IPAddress     string         `json:"ip_address"`
	UserAgent     string         `json:"user_agent"`
	SessionID     string         `json:"session_id"`
}

func hashEntry(e *domain.AuditEntry) (string, error) {
	payload, err := json.Marshal(canonicalEntry{
		ID:            e.ID.String(),
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActorID:       e.ActorID,
		EventType:     e.EventType,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Action:        e.Action,
		PreviousValue: e.PreviousValue,
		NewValue:      e.NewValue,
		Metadata:      e.Metadata,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		SessionID:     e.SessionID,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func chainHash(previousHash, entryHash string, seq uint64) string {
	sum := sha256.Sum256([]byte(previousHash + "|" + entryHash + "|" + strconv.FormatUint(seq, 10)))
	return hex.EncodeToString(sum[:])
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}

func uniqueSorted(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		set[s] = struct{}{}
	}
	return sortedControls(set)
}
