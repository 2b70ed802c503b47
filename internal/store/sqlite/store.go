// Package sqlite is the embedded Backend on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS ledger_records (
	id                 TEXT PRIMARY KEY,
	content_hash       TEXT NOT NULL,
	ts                 INTEGER NOT NULL,
	content_type       TEXT NOT NULL,
	goal               TEXT NOT NULL,
	vectors_json       TEXT NOT NULL,
	overall_score      REAL NOT NULL,
	contributions_json TEXT NOT NULL,
	source_model       TEXT NOT NULL,
	strategy           TEXT,
	caption            TEXT,
	confidence         REAL NOT NULL DEFAULT 0,
	integrity_hash     TEXT NOT NULL,
	outcome            TEXT NOT NULL DEFAULT 'pending',
	feedback_text      TEXT,
	annotated_at       INTEGER
);

CREATE INDEX IF NOT EXISTS idx_ledger_hash ON ledger_records(content_hash, ts);
CREATE INDEX IF NOT EXISTS idx_ledger_scope ON ledger_records(content_type, goal, ts);

CREATE TABLE IF NOT EXISTS signal_effectiveness (
	signal_key         TEXT NOT NULL,
	content_type       TEXT NOT NULL,
	goal               TEXT NOT NULL,
	weight             REAL NOT NULL,
	evaluation_count   INTEGER NOT NULL DEFAULT 0,
	agreement_count    INTEGER NOT NULL DEFAULT 0,
	disagreement_count INTEGER NOT NULL DEFAULT 0,
	last_evaluated     INTEGER NOT NULL DEFAULT 0,
	decay_rate         REAL NOT NULL,
	is_retired         INTEGER NOT NULL DEFAULT 0,
	version            INTEGER NOT NULL,
	last_ledger_id     TEXT,
	recent_ledger_ids  TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (signal_key, content_type, goal)
);

CREATE TABLE IF NOT EXISTS pending_repairs (
	record_id   TEXT PRIMARY KEY,
	accepted    INTEGER NOT NULL,
	signal_keys TEXT NOT NULL,
	last_error  TEXT,
	created_at  INTEGER NOT NULL
);
`

// #endregion schema

// #region store-struct

// Store persists ledger, effectiveness and repair state in one SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// #endregion store-struct

// #region constructor

// NewStore opens (or creates) the database at dbPath and runs migrations.
// ":memory:" yields a private in-memory database on a single connection.
func NewStore(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	if err := addColumn(db, "signal_effectiveness", "recent_ledger_ids", "TEXT NOT NULL DEFAULT '[]'"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// addColumn adds column to table unless a file from an older build already
// has it.
func addColumn(db *sql.DB, table, column, ddl string) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl))
	return err
}

// DB exposes the handle for tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion constructor

// #region append-ledger

// AppendLedger inserts rec. An existing id yields ErrDuplicateID.
func (s *Store) AppendLedger(ctx context.Context, rec model.LedgerRecord) (string, error) {
	vecJSON, err := json.Marshal(rec.Vectors)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal vectors: %w", err)
	}
	contribJSON, err := json.Marshal(rec.Contributions)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal contributions: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_records
		 (id, content_hash, ts, content_type, goal, vectors_json, overall_score, contributions_json,
		  source_model, strategy, caption, confidence, integrity_hash, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.ContentHash, unixNano(rec.Timestamp), rec.ContentType, rec.Goal,
		string(vecJSON), rec.OverallScore, string(contribJSON),
		rec.SourceModel, nullIfEmpty(rec.Strategy), nullIfEmpty(rec.Caption), rec.Confidence,
		rec.IntegrityHash, string(model.OutcomePending),
	)
	if err != nil {
		return "", classify("append", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", classify("append", err)
	}
	if n == 0 {
		return "", fmt.Errorf("sqlite: append %s: %w", rec.ID, store.ErrDuplicateID)
	}
	return rec.ID, nil
}

// #endregion append-ledger

// #region annotate-ledger

// AnnotateLedger performs the single pending → terminal transition.
func (s *Store) AnnotateLedger(ctx context.Context, id string, outcome model.Outcome, feedbackText string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_records SET outcome = ?, feedback_text = ?, annotated_at = ?
		 WHERE id = ? AND outcome = 'pending'`,
		string(outcome), nullIfEmpty(feedbackText), unixNano(at), id,
	)
	if err != nil {
		return classify("annotate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("annotate", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_records WHERE id = ?`, id).Scan(&exists); err != nil {
		return classify("annotate", err)
	}
	if exists == 0 {
		return fmt.Errorf("sqlite: annotate %s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("sqlite: annotate %s: %w", id, store.ErrAlreadyAnnotated)
}

// #endregion annotate-ledger

// #region query-ledger

const ledgerColumns = `id, content_hash, ts, content_type, goal, vectors_json, overall_score, contributions_json,
	source_model, strategy, caption, confidence, integrity_hash, outcome, feedback_text, annotated_at`

// QueryLedger returns the records matching filter.
func (s *Store) QueryLedger(ctx context.Context, filter model.LedgerFilter) ([]model.LedgerRecord, error) {
	var where []string
	var args []any
	if filter.ContentType != "" {
		where = append(where, "content_type = ?")
		args = append(args, filter.ContentType)
	}
	if filter.Goal != "" {
		where = append(where, "goal = ?")
		args = append(args, filter.Goal)
	}
	if filter.ContentHash != "" {
		where = append(where, "content_hash = ?")
		args = append(args, filter.ContentHash)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if !filter.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.From.UTC().UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, filter.To.UTC().UnixNano())
	}

	q := `SELECT ` + ledgerColumns + ` FROM ledger_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Newest {
		q += " ORDER BY ts DESC, rowid DESC"
	} else {
		q += " ORDER BY ts ASC, rowid ASC"
	}
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
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
func (s *Store) GetLedger(ctx context.Context, id string) (model.LedgerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_records WHERE id = ?`, id)
	rec, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerRecord{}, fmt.Errorf("sqlite: get %s: %w", id, store.ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLedger(sc scanner) (model.LedgerRecord, error) {
	var rec model.LedgerRecord
	var ts int64
	var vecJSON, contribJSON, outcome string
	var strategy, caption, feedback sql.NullString
	var annotated sql.NullInt64

	err := sc.Scan(&rec.ID, &rec.ContentHash, &ts, &rec.ContentType, &rec.Goal, &vecJSON, &rec.OverallScore,
		&contribJSON, &rec.SourceModel, &strategy, &caption, &rec.Confidence, &rec.IntegrityHash,
		&outcome, &feedback, &annotated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerRecord{}, err
	}
	if err != nil {
		return model.LedgerRecord{}, classify("scan ledger", err)
	}
	rec.Timestamp = fromUnixNano(ts)
	rec.Strategy = strategy.String
	rec.Caption = caption.String
	rec.FeedbackText = feedback.String
	rec.Outcome = model.Outcome(outcome)
	if annotated.Valid {
		t := fromUnixNano(annotated.Int64)
		rec.AnnotatedAt = &t
	}
	if err := json.Unmarshal([]byte(vecJSON), &rec.Vectors); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("sqlite: unmarshal vectors: %w", err)
	}
	if err := json.Unmarshal([]byte(contribJSON), &rec.Contributions); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("sqlite: unmarshal contributions: %w", err)
	}
	return rec, nil
}

// #endregion query-ledger

// #region helpers

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// classify wraps a driver error, mapping closed handles to
// ErrBackendUnavailable and lock contention to ErrTransientConflict.
func classify(op string, err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, sql.ErrConnDone),
		strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "unable to open database"):
		return fmt.Errorf("sqlite: %s: %w: %v", op, store.ErrBackendUnavailable, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("sqlite: %s: %w: %v", op, store.ErrTransientConflict, err)
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

// #endregion helpers
