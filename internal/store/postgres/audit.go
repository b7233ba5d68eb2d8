package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/bastion/internal/domain"
)

const uniqueViolation = "23505"

// AuditRepo stores entries and chain records. Rows are only ever inserted.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// Persist writes the entry and its chain record in one transaction.
func (r *AuditRepo) Persist(ctx context.Context, entry *domain.AuditEntry, record *domain.TamperEvidentRecord) error {
	prev, err := marshalJSON(entry.PreviousValue)
	if err != nil {
		return fmt.Errorf("auditRepo.Persist: marshal previous value: %w", err)
	}
	next, err := marshalJSON(entry.NewValue)
	if err != nil {
		return fmt.Errorf("auditRepo.Persist: marshal new value: %w", err)
	}
	meta, err := marshalJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("auditRepo.Persist: marshal metadata: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_entries (id, timestamp, actor_id, event_type, entity_type, entity_id, action,
			                            previous_value, new_value, metadata, ip_address, user_agent, session_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			entry.ID, entry.Timestamp, nilIfEmpty(entry.ActorID), entry.EventType, entry.EntityType,
			entry.EntityID, entry.Action, prev, next, meta,
			nilIfEmpty(entry.IPAddress), nilIfEmpty(entry.UserAgent), nilIfEmpty(entry.SessionID),
		); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_chain (sequence, entry_id, data_hash, previous_hash, signature)
			 VALUES ($1, $2, $3, $4, $5)`,
			int64(record.ChainSequence), record.EntryID, record.DataHash, record.PreviousHash, record.Signature,
		); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("auditRepo.Persist: sequence %d: %w", record.ChainSequence, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("auditRepo.Persist: %w", err)
	}

	return nil
}

func (r *AuditRepo) Last(ctx context.Context) (*domain.TamperEvidentRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT sequence, entry_id, data_hash, previous_hash, signature
		 FROM audit_chain ORDER BY sequence DESC LIMIT 1`,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auditRepo.Last: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("auditRepo.Last: %w", err)
	}

	return rec, nil
}

func (r *AuditRepo) Record(ctx context.Context, seq uint64) (*domain.TamperEvidentRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT sequence, entry_id, data_hash, previous_hash, signature
		 FROM audit_chain WHERE sequence = $1`,
		int64(seq),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auditRepo.Record: seq %d: %w", seq, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("auditRepo.Record: %w", err)
	}

	return rec, nil
}

const linkColumns = `c.sequence, c.entry_id, c.data_hash, c.previous_hash, c.signature,
	e.id, e.timestamp, e.actor_id, e.event_type, e.entity_type, e.entity_id, e.action,
	e.previous_value, e.new_value, e.metadata, e.ip_address, e.user_agent, e.session_id`

// ListRange returns links in sequence order. Records whose entry was
// removed by retention come back with a nil Entry.
func (r *AuditRepo) ListRange(ctx context.Context, from, to uint64) ([]*domain.ChainLink, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+linkColumns+`
		 FROM audit_chain c LEFT JOIN audit_entries e ON e.id = c.entry_id
		 WHERE c.sequence BETWEEN $1 AND $2
		 ORDER BY c.sequence`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("auditRepo.ListRange: %w", err)
	}
	defer rows.Close()

	return scanLinks(rows, "auditRepo.ListRange")
}

func (r *AuditRepo) ListPeriod(ctx context.Context, start, end time.Time) ([]*domain.ChainLink, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+linkColumns+`
		 FROM audit_chain c JOIN audit_entries e ON e.id = c.entry_id
		 WHERE e.timestamp >= $1 AND e.timestamp < $2
		 ORDER BY c.sequence`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("auditRepo.ListPeriod: %w", err)
	}
	defer rows.Close()

	return scanLinks(rows, "auditRepo.ListPeriod")
}

func scanRecord(row pgx.Row) (*domain.TamperEvidentRecord, error) {
	var rec domain.TamperEvidentRecord
	var seq int64
	if err := row.Scan(&seq, &rec.EntryID, &rec.DataHash, &rec.PreviousHash, &rec.Signature); err != nil {
		return nil, err
	}
	rec.ChainSequence = uint64(seq)
	return &rec, nil
}

// entryRow holds the nullable side of the chain/entry join.
type entryRow struct {
	id         pgtype.UUID
	timestamp  *time.Time
	actorID    *string
	eventType  *string
	entityType *string
	entityID   *string
	action     *string
	prev       []byte
	next       []byte
	meta       []byte
	ip         *string
	agent      *string
	session    *string
}

func scanLinks(rows pgx.Rows, caller string) ([]*domain.ChainLink, error) {
	var links []*domain.ChainLink
	for rows.Next() {
		var rec domain.TamperEvidentRecord
		var seq int64
		var e entryRow

		if err := rows.Scan(
			&seq, &rec.EntryID, &rec.DataHash, &rec.PreviousHash, &rec.Signature,
			&e.id, &e.timestamp, &e.actorID, &e.eventType, &e.entityType, &e.entityID, &e.action,
			&e.prev, &e.next, &e.meta, &e.ip, &e.agent, &e.session,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		rec.ChainSequence = uint64(seq)

		link := &domain.ChainLink{Record: &rec}
		if e.id.Valid {
			entry, err := e.entry()
			if err != nil {
				return nil, fmt.Errorf("%s: seq %d: %w", caller, seq, err)
			}
			link.Entry = entry
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return links, nil
}

func (e *entryRow) entry() (*domain.AuditEntry, error) {
	out := &domain.AuditEntry{
		ID:         uuid.UUID(e.id.Bytes),
		ActorID:    derefStr(e.actorID),
		EventType:  derefStr(e.eventType),
		EntityType: derefStr(e.entityType),
		EntityID:   derefStr(e.entityID),
		Action:     derefStr(e.action),
		IPAddress:  derefStr(e.ip),
		UserAgent:  derefStr(e.agent),
		SessionID:  derefStr(e.session),
	}
	if e.timestamp != nil {
		out.Timestamp = *e.timestamp
	}

	var err error
	if out.PreviousValue, err = unmarshalJSON(e.prev); err != nil {
		return nil, fmt.Errorf("unmarshal previous value: %w", err)
	}
	if out.NewValue, err = unmarshalJSON(e.next); err != nil {
		return nil, fmt.Errorf("unmarshal new value: %w", err)
	}
	if out.Metadata, err = unmarshalJSON(e.meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return out, nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil //nolint:nilnil // absent column
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
