// Package store persists call records and verdict history in PostgreSQL.
//
// A call record is created when a call starts and completed when it ends;
// verdicts arriving during the call are appended to a history table keyed by
// the call id. [Migrate] is idempotent and runs on every start.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callwarden/callwarden/internal/verdict"
)

// ErrNotFound is returned when a call id has no record.
var ErrNotFound = errors.New("store: call record not found")

// CallRecord is one relayed call.
type CallRecord struct {
	ID          string
	PhoneNumber string // empty when the caller was not identified
	StartedAt   time.Time
	EndedAt     time.Time // zero while the call is live
	EndReason   string

	FramesSent    uint64
	FramesDropped uint64
	Reconnects    uint64

	// LastLabel and LastScore mirror the most recent verdict for cheap
	// listing; the full history lives in call_verdicts.
	LastLabel string
	LastScore int
}

// Live reports whether the call has not ended yet.
func (r CallRecord) Live() bool { return r.EndedAt.IsZero() }

// CallStats is the counter snapshot written when a call ends.
type CallStats struct {
	FramesSent    uint64
	FramesDropped uint64
	Reconnects    uint64
}

const ddlCalls = `
CREATE TABLE IF NOT EXISTS call_records (
    id             TEXT         PRIMARY KEY,
    phone_number   TEXT         NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ  NOT NULL,
    ended_at       TIMESTAMPTZ,
    end_reason     TEXT         NOT NULL DEFAULT '',
    frames_sent    BIGINT       NOT NULL DEFAULT 0,
    frames_dropped BIGINT       NOT NULL DEFAULT 0,
    reconnects     BIGINT       NOT NULL DEFAULT 0,
    last_label     TEXT         NOT NULL DEFAULT '',
    last_score     INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_records_started_at
    ON call_records (started_at);

CREATE TABLE IF NOT EXISTS call_verdicts (
    id       BIGSERIAL    PRIMARY KEY,
    call_id  TEXT         NOT NULL REFERENCES call_records (id) ON DELETE CASCADE,
    label    TEXT         NOT NULL,
    score    INT          NOT NULL,
    at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_verdicts_call_id
    ON call_verdicts (call_id);
`

// Migrate creates the call tables if they do not exist. Safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("store migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL-backed call record store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping probes the database. Used by the readiness check.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// CreateCall inserts a live record for a newly started call.
func (s *Store) CreateCall(ctx context.Context, id, phoneNumber string, startedAt time.Time) error {
	const q = `INSERT INTO call_records (id, phone_number, started_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, id, phoneNumber, startedAt); err != nil {
		return fmt.Errorf("store: create call: %w", err)
	}
	return nil
}

// FinishCall closes the record: end time, reason, and the final counter
// snapshot. Finishing an unknown call returns [ErrNotFound].
func (s *Store) FinishCall(ctx context.Context, id string, endedAt time.Time, reason string, stats CallStats) error {
	const q = `
		UPDATE call_records
		SET    ended_at = $2, end_reason = $3,
		       frames_sent = $4, frames_dropped = $5, reconnects = $6
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, endedAt, reason,
		int64(stats.FramesSent), int64(stats.FramesDropped), int64(stats.Reconnects))
	if err != nil {
		return fmt.Errorf("store: finish call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddVerdict appends v to the call's verdict history and mirrors it onto the
// record for listing.
func (s *Store) AddVerdict(ctx context.Context, callID string, v verdict.Verdict, at time.Time) error {
	const insert = `INSERT INTO call_verdicts (call_id, label, score, at) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, insert, callID, v.Label, v.Score, at); err != nil {
		return fmt.Errorf("store: add verdict: %w", err)
	}

	const mirror = `UPDATE call_records SET last_label = $2, last_score = $3 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, mirror, callID, v.Label, v.Score); err != nil {
		return fmt.Errorf("store: mirror verdict: %w", err)
	}
	return nil
}

// GetCall fetches one record by id.
func (s *Store) GetCall(ctx context.Context, id string) (CallRecord, error) {
	const q = `
		SELECT id, phone_number, started_at, ended_at, end_reason,
		       frames_sent, frames_dropped, reconnects, last_label, last_score
		FROM   call_records
		WHERE  id = $1`

	rec, err := scanCall(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("store: get call: %w", err)
	}
	return rec, nil
}

// ListRecent returns up to limit records, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]CallRecord, error) {
	const q = `
		SELECT id, phone_number, started_at, ended_at, end_reason,
		       frames_sent, frames_dropped, reconnects, last_label, last_score
		FROM   call_records
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallRecord, error) {
		return scanCall(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan calls: %w", err)
	}
	if records == nil {
		records = []CallRecord{}
	}
	return records, nil
}

// VerdictEntry is one row of a call's verdict history.
type VerdictEntry struct {
	Label string
	Score int
	At    time.Time
}

// ListVerdicts returns the verdict history for callID in arrival order.
func (s *Store) ListVerdicts(ctx context.Context, callID string) ([]VerdictEntry, error) {
	const q = `SELECT label, score, at FROM call_verdicts WHERE call_id = $1 ORDER BY id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: list verdicts: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (VerdictEntry, error) {
		var e VerdictEntry
		err := row.Scan(&e.Label, &e.Score, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan verdicts: %w", err)
	}
	if entries == nil {
		entries = []VerdictEntry{}
	}
	return entries, nil
}

// scanCall reads one call_records row. ended_at is nullable and maps to the
// zero time while the call is live.
func scanCall(row pgx.Row) (CallRecord, error) {
	var (
		rec     CallRecord
		endedAt *time.Time
		sent    int64
		dropped int64
		recon   int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.PhoneNumber,
		&rec.StartedAt,
		&endedAt,
		&rec.EndReason,
		&sent,
		&dropped,
		&recon,
		&rec.LastLabel,
		&rec.LastScore,
	); err != nil {
		return CallRecord{}, err
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	rec.FramesSent = uint64(sent)
	rec.FramesDropped = uint64(dropped)
	rec.Reconnects = uint64(recon)
	return rec, nil
}
