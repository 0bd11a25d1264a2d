package calllog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id    TEXT         PRIMARY KEY,
    call_sid   TEXT         NOT NULL DEFAULT '',
    stream_sid TEXT         NOT NULL DEFAULT '',
    direction  TEXT         NOT NULL DEFAULT '',
    from_num   TEXT         NOT NULL DEFAULT '',
    to_num     TEXT         NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at   TIMESTAMPTZ,
    end_reason TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_call_sid
    ON calls (call_sid);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);`

const ddlStatusEvents = `
CREATE TABLE IF NOT EXISTS call_status_events (
    id       BIGSERIAL    PRIMARY KEY,
    call_sid TEXT         NOT NULL,
    status   TEXT         NOT NULL,
    duration TEXT         NOT NULL DEFAULT '',
    at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_status_events_call_sid
    ON call_status_events (call_sid);`

// PGStore is the PostgreSQL-backed [Store]. All methods are safe for
// concurrent use; the pool handles connection management.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to the database at dsn and runs the schema migration.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: connect: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the call log tables if they do not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	for _, ddl := range []string{ddlCalls, ddlStatusEvents} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("calllog: migrate: %w", err)
		}
	}
	return nil
}

// CallStarted implements [Store].
func (s *PGStore) CallStarted(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO calls (call_id, direction, from_num, to_num, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id) DO NOTHING`

	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q, rec.CallID, rec.Direction, rec.From, rec.To, startedAt)
	if err != nil {
		return fmt.Errorf("calllog: call started: %w", err)
	}
	return nil
}

// CallEnded implements [Store]. The upsert tolerates a missing start row so
// a teardown is never lost.
func (s *PGStore) CallEnded(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO calls (call_id, call_sid, stream_sid, direction, from_num, to_num, started_at, ended_at, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE
		SET call_sid   = EXCLUDED.call_sid,
		    stream_sid = EXCLUDED.stream_sid,
		    ended_at   = EXCLUDED.ended_at,
		    end_reason = EXCLUDED.end_reason`

	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	endedAt := rec.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		rec.CallID, rec.CallSID, rec.StreamSID, rec.Direction,
		rec.From, rec.To, startedAt, endedAt, rec.EndReason,
	)
	if err != nil {
		return fmt.Errorf("calllog: call ended: %w", err)
	}
	return nil
}

// RecordStatus implements [Store].
func (s *PGStore) RecordStatus(ctx context.Context, ev StatusEvent) error {
	const q = `
		INSERT INTO call_status_events (call_sid, status, duration, at)
		VALUES ($1, $2, $3, $4)`

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q, ev.CallSID, ev.Status, ev.Duration, at); err != nil {
		return fmt.Errorf("calllog: record status: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PGStore) Get(ctx context.Context, callID string) (Record, error) {
	const q = `
		SELECT call_id, call_sid, stream_sid, direction, from_num, to_num,
		       started_at, COALESCE(ended_at, 'epoch'::timestamptz), end_reason
		FROM   calls
		WHERE  call_id = $1`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return Record{}, fmt.Errorf("calllog: get: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		var endedAt time.Time
		if err := row.Scan(
			&r.CallID, &r.CallSID, &r.StreamSID, &r.Direction,
			&r.From, &r.To, &r.StartedAt, &endedAt, &r.EndReason,
		); err != nil {
			return Record{}, err
		}
		if endedAt.Unix() > 0 {
			r.EndedAt = endedAt
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("calllog: get: %w", err)
	}
	return rec, nil
}

// Ping implements [Store].
func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("calllog: ping: %w", err)
	}
	return nil
}

// Close implements [Store].
func (s *PGStore) Close() {
	s.pool.Close()
}
