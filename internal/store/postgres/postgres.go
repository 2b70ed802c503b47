// Package postgres is the relational Backend on jackc/pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region schema

// Schema creates every table the backend uses. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_records (
	seq                BIGSERIAL,
	id                 TEXT PRIMARY KEY,
	content_hash       TEXT NOT NULL,
	ts                 TIMESTAMPTZ NOT NULL,
	content_type       TEXT NOT NULL,
	goal               TEXT NOT NULL,
	vectors            JSONB NOT NULL,
	overall_score      DOUBLE PRECISION NOT NULL,
	contributions      JSONB NOT NULL,
	source_model       TEXT NOT NULL,
	strategy           TEXT NOT NULL DEFAULT '',
	caption            TEXT NOT NULL DEFAULT '',
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	integrity_hash     TEXT NOT NULL,
	outcome            TEXT NOT NULL DEFAULT 'pending',
	feedback_text      TEXT NOT NULL DEFAULT '',
	annotated_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_ledger_hash ON ledger_records (content_hash, ts);
CREATE INDEX IF NOT EXISTS idx_ledger_scope ON ledger_records (content_type, goal, ts);

CREATE TABLE IF NOT EXISTS signal_effectiveness (
	signal_key         TEXT NOT NULL,
	content_type       TEXT NOT NULL,
	goal               TEXT NOT NULL,
	weight             DOUBLE PRECISION NOT NULL CHECK (weight >= 0 AND weight <= 2),
	evaluation_count   INTEGER NOT NULL DEFAULT 0,
	agreement_count    INTEGER NOT NULL DEFAULT 0,
	disagreement_count INTEGER NOT NULL DEFAULT 0,
	last_evaluated     TIMESTAMPTZ,
	decay_rate         DOUBLE PRECISION NOT NULL,
	is_retired         BOOLEAN NOT NULL DEFAULT FALSE,
	version            BIGINT NOT NULL,
	last_ledger_id     TEXT NOT NULL DEFAULT '',
	recent_ledger_ids  JSONB NOT NULL DEFAULT '[]',
	PRIMARY KEY (signal_key, content_type, goal)
);
ALTER TABLE signal_effectiveness ADD COLUMN IF NOT EXISTS recent_ledger_ids JSONB NOT NULL DEFAULT '[]';

CREATE TABLE IF NOT EXISTS pending_repairs (
	record_id   TEXT PRIMARY KEY,
	accepted    BOOLEAN NOT NULL,
	signal_keys JSONB NOT NULL,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
`

// #endregion schema

// #region db-struct

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Backend = (*DB)(nil)

// New connects to dsn, pings, and applies Schema.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping pool: %w: %v", store.ErrBackendUnavailable, err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	logger.Info("postgres: connected", "max_conns", poolCfg.MaxConns)
	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// #endregion db-struct

// #region ledger

const ledgerColumns = `id, content_hash, ts, content_type, goal, vectors, overall_score, contributions,
	source_model, strategy, caption, confidence, integrity_hash, outcome, feedback_text, annotated_at`

// AppendLedger inserts rec; an existing id yields ErrDuplicateID.
func (db *DB) AppendLedger(ctx context.Context, rec model.LedgerRecord) (string, error) {
	vecJSON, err := json.Marshal(rec.Vectors)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal vectors: %w", err)
	}
	contribJSON, err := json.Marshal(rec.Contributions)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal contributions: %w", err)
	}
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO ledger_records
		(id, content_hash, ts, content_type, goal, vectors, overall_score, contributions,
		 source_model, strategy, caption, confidence, integrity_hash, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'pending')
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ContentHash, rec.Timestamp.UTC(), rec.ContentType, rec.Goal, string(vecJSON),
		rec.OverallScore, string(contribJSON), rec.SourceModel, rec.Strategy, rec.Caption,
		rec.Confidence, rec.IntegrityHash,
	)
	if err != nil {
		return "", classify("append", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("postgres: append %s: %w", rec.ID, store.ErrDuplicateID)
	}
	return rec.ID, nil
}

// AnnotateLedger performs the single pending → terminal transition.
func (db *DB) AnnotateLedger(ctx context.Context, id string, outcome model.Outcome, feedbackText string, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE ledger_records SET outcome = $2, feedback_text = $3, annotated_at = $4
		WHERE id = $1 AND outcome = 'pending'`,
		id, string(outcome), feedbackText, at.UTC(),
	)
	if err != nil {
		return classify("annotate", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify("annotate", err)
	}
	if !exists {
		return fmt.Errorf("postgres: annotate %s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("postgres: annotate %s: %w", id, store.ErrAlreadyAnnotated)
}

// QueryLedger returns the records matching filter.
func (db *DB) QueryLedger(ctx context.Context, filter model.LedgerFilter) ([]model.LedgerRecord, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if filter.ContentType != "" {
		add("content_type = ?", filter.ContentType)
	}
	if filter.Goal != "" {
		add("goal = ?", filter.Goal)
	}
	if filter.ContentHash != "" {
		add("content_hash = ?", filter.ContentHash)
	}
	if filter.Outcome != "" {
		add("outcome = ?", string(filter.Outcome))
	}
	if !filter.From.IsZero() {
		add("ts >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("ts < ?", filter.To.UTC())
	}

	q := `SELECT ` + ledgerColumns + ` FROM ledger_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Newest {
		q += " ORDER BY ts DESC, seq DESC"
	} else {
		q += " ORDER BY ts ASC, seq ASC"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	var out []model.LedgerRecord
	for rows.Next() {
		rec, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}
	return out, nil
}

// GetLedger loads one record.
func (db *DB) GetLedger(ctx context.Context, id string) (model.LedgerRecord, error) {
	rec, err := scanLedger(db.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerRecord{}, fmt.Errorf("postgres: get %s: %w", id, store.ErrNotFound)
	}
	return rec, err
}

func scanLedger(row pgx.Row) (model.LedgerRecord, error) {
	var rec model.LedgerRecord
	var vecJSON, contribJSON []byte
	var outcome string
	var annotated *time.Time
	err := row.Scan(&rec.ID, &rec.ContentHash, &rec.Timestamp, &rec.ContentType, &rec.Goal, &vecJSON,
		&rec.OverallScore, &contribJSON, &rec.SourceModel, &rec.Strategy, &rec.Caption, &rec.Confidence,
		&rec.IntegrityHash, &outcome, &rec.FeedbackText, &annotated)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerRecord{}, err
	}
	if err != nil {
		return model.LedgerRecord{}, classify("scan ledger", err)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.Outcome = model.Outcome(outcome)
	if annotated != nil {
		t := annotated.UTC()
		rec.AnnotatedAt = &t
	}
	if err := json.Unmarshal(vecJSON, &rec.Vectors); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("postgres: unmarshal vectors: %w", err)
	}
	if err := json.Unmarshal(contribJSON, &rec.Contributions); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("postgres: unmarshal contributions: %w", err)
	}
	return rec, nil
}

// #endregion ledger

// #region classify

// classify maps pgx failures onto the store taxonomy: serialization and
// deadlock errors are transient conflicts, connection failures are
// unavailability.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("postgres: %s: %w: %v", op, store.ErrTransientConflict, err)
		case "57P01", "57P02", "57P03":
			return fmt.Errorf("postgres: %s: %w: %v", op, store.ErrBackendUnavailable, err)
		}
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || strings.Contains(err.Error(), "closed pool") {
		return fmt.Errorf("postgres: %s: %w: %v", op, store.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// #endregion classify
