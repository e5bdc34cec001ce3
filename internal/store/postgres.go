package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/helpers"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresPool controls database/sql pool behavior.
type PostgresPool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (c PostgresPool) withDefaults() PostgresPool {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 10
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 10
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
  id          UUID PRIMARY KEY,
  handle      TEXT NOT NULL,
  direction   TEXT NOT NULL,
  state       TEXT NOT NULL,
  outcome     TEXT NOT NULL,
  active      BOOLEAN NOT NULL,
  record      JSONB NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS call_records_active_idx ON call_records (active, updated_at DESC);
CREATE TABLE IF NOT EXISTS contacts (
  fingerprint TEXT PRIMARY KEY,
  contact_id  TEXT NOT NULL
);
`

// PostgresStore persists records through database/sql with the pgx driver.
// The full record is kept as JSONB next to the columns used for queries.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, checks the connection and ensures the schema.
// dsn must not be logged; it contains secrets.
func OpenPostgres(ctx context.Context, dsn string, pool PostgresPool) (*PostgresStore, error) {
	pool = pool.withDefaults()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pool.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateCallRecord(ctx context.Context, rec call.Record) error {
	return p.upsert(ctx, rec)
}

func (p *PostgresStore) UpdateCallRecord(ctx context.Context, rec call.Record) error {
	return p.upsert(ctx, rec)
}

func (p *PostgresStore) upsert(ctx context.Context, rec call.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}
	const q = `
INSERT INTO call_records (id, handle, direction, state, outcome, active, record)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id)
DO UPDATE SET state = EXCLUDED.state,
              outcome = EXCLUDED.outcome,
              active = EXCLUDED.active,
              record = EXCLUDED.record,
              updated_at = now()
`
	_, err = p.db.ExecContext(ctx, q,
		rec.ID.String(),
		rec.Handle,
		rec.Direction.String(),
		rec.State.String(),
		rec.Outcome.String(),
		rec.Active(),
		data,
	)
	if err != nil {
		return fmt.Errorf("upsert call record: %w", err)
	}
	return nil
}

func (p *PostgresStore) FetchActiveCallRecord(ctx context.Context) (call.Record, bool, error) {
	const q = `SELECT record FROM call_records WHERE active ORDER BY updated_at DESC LIMIT 1`
	var data []byte
	err := p.db.QueryRowContext(ctx, q).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Record{}, false, nil
	}
	if err != nil {
		return call.Record{}, false, fmt.Errorf("fetch active call record: %w", err)
	}
	var rec call.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return call.Record{}, false, fmt.Errorf("decode call record: %w", err)
	}
	return rec, true, nil
}

func (p *PostgresStore) History(ctx context.Context, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT record FROM call_records WHERE NOT active AND outcome <> 'none' ORDER BY updated_at DESC LIMIT $1`
	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []call.Record{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec call.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode call record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LookupContact(ctx context.Context, handle string) (string, bool, error) {
	var id string
	err := p.db.QueryRowContext(ctx,
		`SELECT contact_id FROM contacts WHERE fingerprint = $1`, helpers.Fingerprint(handle)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup contact: %w", err)
	}
	return id, true, nil
}

func (p *PostgresStore) SaveContact(ctx context.Context, handle, contactID string) error {
	const q = `
INSERT INTO contacts (fingerprint, contact_id) VALUES ($1,$2)
ON CONFLICT (fingerprint) DO UPDATE SET contact_id = EXCLUDED.contact_id
`
	if _, err := p.db.ExecContext(ctx, q, helpers.Fingerprint(handle), contactID); err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	return nil
}
