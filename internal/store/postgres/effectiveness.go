package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

const effectivenessColumns = `signal_key, content_type, goal, weight, evaluation_count, agreement_count,
	disagreement_count, last_evaluated, decay_rate, is_retired, version, last_ledger_id, recent_ledger_ids`

// #region effectiveness

// GetEffectiveness loads the record for key.
func (db *DB) GetEffectiveness(ctx context.Context, key model.EffectivenessKey) (model.EffectivenessRecord, error) {
	rec, err := scanEffectiveness(db.pool.QueryRow(ctx,
		`SELECT `+effectivenessColumns+` FROM signal_effectiveness
		 WHERE signal_key = $1 AND content_type = $2 AND goal = $3`,
		key.SignalKey, key.ContentType, key.Goal))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EffectivenessRecord{}, fmt.Errorf("postgres: get effectiveness %s: %w", key, store.ErrNotFound)
	}
	return rec, err
}

// UpsertEffectiveness writes rec when the stored version is rec.Version-1.
func (db *DB) UpsertEffectiveness(ctx context.Context, rec model.EffectivenessRecord) error {
	var lastEval *time.Time
	if !rec.LastEvaluated.IsZero() {
		t := rec.LastEvaluated.UTC()
		lastEval = &t
	}
	recent := rec.RecentLedgerIDs
	if recent == nil {
		recent = []string{}
	}
	recentJSON, err := json.Marshal(recent)
	if err != nil {
		return fmt.Errorf("postgres: marshal recent ledger ids: %w", err)
	}

	var tag pgconn.CommandTag
	if rec.Version == 1 {
		tag, err = db.pool.Exec(ctx,
			`INSERT INTO signal_effectiveness (`+effectivenessColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (signal_key, content_type, goal) DO NOTHING`,
			rec.SignalKey, rec.ContentType, rec.Goal, rec.Weight, rec.EvaluationCount, rec.AgreementCount,
			rec.DisagreementCount, lastEval, rec.DecayRate, rec.IsRetired, rec.Version, rec.LastLedgerID,
			string(recentJSON),
		)
	} else {
		tag, err = db.pool.Exec(ctx,
			`UPDATE signal_effectiveness SET
				weight = $4, evaluation_count = $5, agreement_count = $6, disagreement_count = $7,
				last_evaluated = $8, decay_rate = $9, is_retired = $10, version = $11, last_ledger_id = $12,
				recent_ledger_ids = $14
			 WHERE signal_key = $1 AND content_type = $2 AND goal = $3 AND version = $13`,
			rec.SignalKey, rec.ContentType, rec.Goal, rec.Weight, rec.EvaluationCount, rec.AgreementCount,
			rec.DisagreementCount, lastEval, rec.DecayRate, rec.IsRetired, rec.Version, rec.LastLedgerID,
			rec.Version-1, string(recentJSON),
		)
	}
	if err != nil {
		return classify("upsert effectiveness", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: upsert %s v%d: %w", rec.EffectivenessKey, rec.Version, store.ErrTransientConflict)
	}
	return nil
}

// QueryTopEffectiveness returns non-retired records of a scope by stored weight.
func (db *DB) QueryTopEffectiveness(ctx context.Context, contentType, goal string, limit int) ([]model.EffectivenessRecord, error) {
	return db.listEffectiveness(ctx, model.EffectivenessFilter{ContentType: contentType, Goal: goal},
		"weight DESC, signal_key ASC", limit)
}

// ListEffectiveness returns every record in scope ordered by key.
func (db *DB) ListEffectiveness(ctx context.Context, filter model.EffectivenessFilter) ([]model.EffectivenessRecord, error) {
	return db.listEffectiveness(ctx, filter, "signal_key ASC, content_type ASC, goal ASC", 0)
}

func (db *DB) listEffectiveness(ctx context.Context, filter model.EffectivenessFilter, order string, limit int) ([]model.EffectivenessRecord, error) {
	var where []string
	var args []any
	if filter.ContentType != "" {
		args = append(args, filter.ContentType)
		where = append(where, "content_type = $"+strconv.Itoa(len(args)))
	}
	if filter.Goal != "" {
		args = append(args, filter.Goal)
		where = append(where, "goal = $"+strconv.Itoa(len(args)))
	}
	if !filter.IncludeRetired {
		where = append(where, "NOT is_retired")
	}
	q := `SELECT ` + effectivenessColumns + ` FROM signal_effectiveness`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + order
	if limit > 0 {
		args = append(args, limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify("list effectiveness", err)
	}
	defer rows.Close()

	var out []model.EffectivenessRecord
	for rows.Next() {
		rec, err := scanEffectiveness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list effectiveness", err)
	}
	return out, nil
}

func scanEffectiveness(row pgx.Row) (model.EffectivenessRecord, error) {
	var rec model.EffectivenessRecord
	var lastEval *time.Time
	var recent []byte
	err := row.Scan(&rec.SignalKey, &rec.ContentType, &rec.Goal, &rec.Weight, &rec.EvaluationCount,
		&rec.AgreementCount, &rec.DisagreementCount, &lastEval, &rec.DecayRate, &rec.IsRetired, &rec.Version,
		&rec.LastLedgerID, &recent)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EffectivenessRecord{}, err
	}
	if err != nil {
		return model.EffectivenessRecord{}, classify("scan effectiveness", err)
	}
	if lastEval != nil {
		rec.LastEvaluated = lastEval.UTC()
	}
	if len(recent) > 0 && string(recent) != "[]" {
		if err := json.Unmarshal(recent, &rec.RecentLedgerIDs); err != nil {
			return model.EffectivenessRecord{}, fmt.Errorf("postgres: unmarshal recent ledger ids: %w", err)
		}
	}
	return rec, nil
}

// #endregion effectiveness

// #region repairs

// SavePendingRepair replaces the journal entry for r.RecordID, keeping its
// original creation time.
func (db *DB) SavePendingRepair(ctx context.Context, r model.PendingRepair) error {
	keysJSON, err := json.Marshal(r.SignalKeys)
	if err != nil {
		return fmt.Errorf("postgres: marshal repair keys: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO pending_repairs (record_id, accepted, signal_keys, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (record_id) DO UPDATE SET
			accepted = EXCLUDED.accepted,
			signal_keys = EXCLUDED.signal_keys,
			last_error = EXCLUDED.last_error`,
		r.RecordID, r.Accepted, string(keysJSON), r.LastError, r.CreatedAt.UTC(),
	)
	if err != nil {
		return classify("save repair", err)
	}
	return nil
}

// ListPendingRepairs returns journal entries oldest first.
func (db *DB) ListPendingRepairs(ctx context.Context) ([]model.PendingRepair, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT record_id, accepted, signal_keys, last_error, created_at
		 FROM pending_repairs ORDER BY created_at ASC, record_id ASC`)
	if err != nil {
		return nil, classify("list repairs", err)
	}
	defer rows.Close()

	var out []model.PendingRepair
	for rows.Next() {
		var r model.PendingRepair
		var keysJSON []byte
		if err := rows.Scan(&r.RecordID, &r.Accepted, &keysJSON, &r.LastError, &r.CreatedAt); err != nil {
			return nil, classify("scan repair", err)
		}
		if err := json.Unmarshal(keysJSON, &r.SignalKeys); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal repair keys: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list repairs", err)
	}
	return out, nil
}

// ClearPendingRepair drops the entry for recordID.
func (db *DB) ClearPendingRepair(ctx context.Context, recordID string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM pending_repairs WHERE record_id = $1`, recordID); err != nil {
		return classify("clear repair", err)
	}
	return nil
}

// #endregion repairs
