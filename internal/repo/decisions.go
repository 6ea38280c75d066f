package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"gatekeeper/internal/domain"
)

func (r Repo) InsertMergeDecisionTx(ctx context.Context, tx *sql.Tx, d domain.MergeDecision, tsNS int64) error {
	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return err
	}
	var inputs any
	if len(d.Inputs) > 0 {
		data, err := json.Marshal(d.Inputs)
		if err != nil {
			return err
		}
		inputs = string(data)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO merge_decisions(id,project_id,ts,ts_ns,outcome,strict,reasons_json,inputs_json)
VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.Project, d.Timestamp, tsNS, d.Outcome, boolInt(d.Strict), string(reasons), inputs)
	return err
}

func scanMergeDecision(scan func(dest ...any) error) (domain.MergeDecision, error) {
	var (
		d       domain.MergeDecision
		tsNS    int64
		strict  int
		reasons string
		inputs  sql.NullString
	)
	err := scan(&d.ID, &d.Project, &d.Timestamp, &tsNS, &d.Outcome, &strict, &reasons, &inputs)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Strict = strict != 0
	if err := json.Unmarshal([]byte(reasons), &d.Reasons); err != nil {
		return d, err
	}
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &d.Inputs); err != nil {
			return d, err
		}
	}
	return d, nil
}

const decisionCols = `id,project_id,ts,ts_ns,outcome,strict,reasons_json,inputs_json`

func (r Repo) LatestMergeDecision(ctx context.Context, projectID string) (domain.MergeDecision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+decisionCols+` FROM merge_decisions
WHERE project_id=? ORDER BY ts_ns DESC, seq DESC LIMIT 1`, projectID)
	return scanMergeDecision(row.Scan)
}

func (r Repo) LatestMergeDecisionTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.MergeDecision, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+decisionCols+` FROM merge_decisions
WHERE project_id=? ORDER BY ts_ns DESC, seq DESC LIMIT 1`, projectID)
	return scanMergeDecision(row.Scan)
}

func (r Repo) ListMergeDecisions(ctx context.Context, projectID string, limit int) ([]domain.MergeDecision, error) {
	query := `SELECT ` + decisionCols + ` FROM merge_decisions WHERE project_id=? ORDER BY ts_ns DESC, seq DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MergeDecision
	for rows.Next() {
		d, err := scanMergeDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
