package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

const effectivenessColumns = `signal_key, content_type, goal, weight, evaluation_count, agreement_count,
	disagreement_count, last_evaluated, decay_rate, is_retired, version, last_ledger_id, recent_ledger_ids`

// #region get-effectiveness

// GetEffectiveness loads the record for key.
func (s *Store) GetEffectiveness(ctx context.Context, key model.EffectivenessKey) (model.EffectivenessRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+effectivenessColumns+` FROM signal_effectiveness
		 WHERE signal_key = ? AND content_type = ? AND goal = ?`,
		key.SignalKey, key.ContentType, key.Goal,
	)
	rec, err := scanEffectiveness(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EffectivenessRecord{}, fmt.Errorf("sqlite: get effectiveness %s: %w", key, store.ErrNotFound)
	}
	return rec, err
}

// #endregion get-effectiveness

// #region upsert-effectiveness

// UpsertEffectiveness writes rec when the stored version is rec.Version-1.
// Each branch is a single statement, so the check and the write are atomic.
func (s *Store) UpsertEffectiveness(ctx context.Context, rec model.EffectivenessRecord) error {
	retired := 0
	if rec.IsRetired {
		retired = 1
	}
	recent, err := encodeLedgerIDs(rec.RecentLedgerIDs)
	if err != nil {
		return fmt.Errorf("sqlite: upsert %s: %w", rec.EffectivenessKey, err)
	}

	var res sql.Result
	if rec.Version == 1 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO signal_effectiveness (`+effectivenessColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(signal_key, content_type, goal) DO NOTHING`,
			rec.SignalKey, rec.ContentType, rec.Goal, rec.Weight, rec.EvaluationCount, rec.AgreementCount,
			rec.DisagreementCount, unixNano(rec.LastEvaluated), rec.DecayRate, retired, rec.Version,
			nullIfEmpty(rec.LastLedgerID), recent,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE signal_effectiveness SET
				weight = ?, evaluation_count = ?, agreement_count = ?, disagreement_count = ?,
				last_evaluated = ?, decay_rate = ?, is_retired = ?, version = ?, last_ledger_id = ?,
				recent_ledger_ids = ?
			 WHERE signal_key = ? AND content_type = ? AND goal = ? AND version = ?`,
			rec.Weight, rec.EvaluationCount, rec.AgreementCount, rec.DisagreementCount,
			unixNano(rec.LastEvaluated), rec.DecayRate, retired, rec.Version, nullIfEmpty(rec.LastLedgerID),
			recent, rec.SignalKey, rec.ContentType, rec.Goal, rec.Version-1,
		)
	}
	if err != nil {
		return classify("upsert effectiveness", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("upsert effectiveness", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: upsert %s v%d: %w", rec.EffectivenessKey, rec.Version, store.ErrTransientConflict)
	}
	return nil
}

// #endregion upsert-effectiveness

// #region list-effectiveness

// QueryTopEffectiveness returns non-retired records of a scope by stored weight.
func (s *Store) QueryTopEffectiveness(ctx context.Context, contentType, goal string, limit int) ([]model.EffectivenessRecord, error) {
	return s.listEffectiveness(ctx, model.EffectivenessFilter{ContentType: contentType, Goal: goal},
		"weight DESC, signal_key ASC", limit)
}

// ListEffectiveness returns every record in scope ordered by key.
func (s *Store) ListEffectiveness(ctx context.Context, filter model.EffectivenessFilter) ([]model.EffectivenessRecord, error) {
	return s.listEffectiveness(ctx, filter, "signal_key ASC, content_type ASC, goal ASC", 0)
}

func (s *Store) listEffectiveness(ctx context.Context, filter model.EffectivenessFilter, order string, limit int) ([]model.EffectivenessRecord, error) {
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
	if !filter.IncludeRetired {
		where = append(where, "is_retired = 0")
	}
	q := `SELECT ` + effectivenessColumns + ` FROM signal_effectiveness`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + order
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
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

func scanEffectiveness(sc scanner) (model.EffectivenessRecord, error) {
	var rec model.EffectivenessRecord
	var lastEval int64
	var retired int
	var lastLedger sql.NullString
	var recent string
	err := sc.Scan(&rec.SignalKey, &rec.ContentType, &rec.Goal, &rec.Weight, &rec.EvaluationCount,
		&rec.AgreementCount, &rec.DisagreementCount, &lastEval, &rec.DecayRate, &retired, &rec.Version,
		&lastLedger, &recent)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EffectivenessRecord{}, err
	}
	if err != nil {
		return model.EffectivenessRecord{}, classify("scan effectiveness", err)
	}
	rec.LastEvaluated = fromUnixNano(lastEval)
	rec.IsRetired = retired != 0
	rec.LastLedgerID = lastLedger.String
	if recent != "" && recent != "[]" {
		if err := json.Unmarshal([]byte(recent), &rec.RecentLedgerIDs); err != nil {
			return model.EffectivenessRecord{}, fmt.Errorf("sqlite: unmarshal recent ledger ids: %w", err)
		}
	}
	return rec, nil
}

func encodeLedgerIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal recent ledger ids: %w", err)
	}
	return string(data), nil
}

// #endregion list-effectiveness

// #region repairs

// SavePendingRepair replaces the journal entry for r.RecordID.
func (s *Store) SavePendingRepair(ctx context.Context, r model.PendingRepair) error {
	keysJSON, err := json.Marshal(r.SignalKeys)
	if err != nil {
		return fmt.Errorf("sqlite: marshal repair keys: %w", err)
	}
	accepted := 0
	if r.Accepted {
		accepted = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_repairs (record_id, accepted, signal_keys, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(record_id) DO UPDATE SET
			accepted = excluded.accepted,
			signal_keys = excluded.signal_keys,
			last_error = excluded.last_error`,
		r.RecordID, accepted, string(keysJSON), nullIfEmpty(r.LastError), unixNano(r.CreatedAt),
	)
	if err != nil {
		return classify("save repair", err)
	}
	return nil
}

// ListPendingRepairs returns journal entries oldest first.
func (s *Store) ListPendingRepairs(ctx context.Context) ([]model.PendingRepair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, accepted, signal_keys, last_error, created_at
		 FROM pending_repairs ORDER BY created_at ASC, record_id ASC`)
	if err != nil {
		return nil, classify("list repairs", err)
	}
	defer rows.Close()

	var out []model.PendingRepair
	for rows.Next() {
		var r model.PendingRepair
		var accepted int
		var keysJSON string
		var lastErr sql.NullString
		var created int64
		if err := rows.Scan(&r.RecordID, &accepted, &keysJSON, &lastErr, &created); err != nil {
			return nil, classify("scan repair", err)
		}
		if err := json.Unmarshal([]byte(keysJSON), &r.SignalKeys); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal repair keys: %w", err)
		}
		r.Accepted = accepted != 0
		r.LastError = lastErr.String
		r.CreatedAt = fromUnixNano(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list repairs", err)
	}
	return out, nil
}

// ClearPendingRepair drops the entry for recordID.
func (s *Store) ClearPendingRepair(ctx context.Context, recordID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_repairs WHERE record_id = ?`, recordID); err != nil {
		return classify("clear repair", err)
	}
	return nil
}

// #endregion repairs
