package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"gatekeeper/internal/domain"
)

func (r Repo) InsertValidationRecordTx(ctx context.Context, tx *sql.Tx, v domain.ValidationRecord, tsNS int64) error {
	var metrics any
	if len(v.Metrics) > 0 {
		data, err := json.Marshal(v.Metrics)
		if err != nil {
			return err
		}
		metrics = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO validation_records(id,project_id,ts,ts_ns,check_kind,status,metrics_json,raw_log_ref)
VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.Project, v.Timestamp, tsNS, v.CheckKind, v.Status, metrics, nullable(v.RawLogRef))
	return err
}

func scanValidationRecord(scan func(dest ...any) error) (domain.ValidationRecord, error) {
	var (
		v       domain.ValidationRecord
		tsNS    int64
		metrics sql.NullString
		logRef  sql.NullString
	)
	err := scan(&v.ID, &v.Project, &v.Timestamp, &tsNS, &v.CheckKind, &v.Status, &metrics, &logRef)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &v.Metrics); err != nil {
			return v, err
		}
	}
	if logRef.Valid {
		v.RawLogRef = logRef.String
	}
	return v, nil
}

const validationCols = `id,project_id,ts,ts_ns,check_kind,status,metrics_json,raw_log_ref`

// LatestValidation returns the newest record for project+check by its own
// timestamp. Ties on the timestamp break by insertion order so a record
// written after another at the same instant always wins.
func (r Repo) LatestValidation(ctx context.Context, projectID, checkKind string) (domain.ValidationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+validationCols+` FROM validation_records
WHERE project_id=? AND check_kind=? ORDER BY ts_ns DESC, seq DESC LIMIT 1`, projectID, checkKind)
	return scanValidationRecord(row.Scan)
}

func (r Repo) ListValidations(ctx context.Context, projectID, checkKind string, limit int) ([]domain.ValidationRecord, error) {
	query := `SELECT ` + validationCols + ` FROM validation_records WHERE project_id=?`
	args := []any{projectID}
	if checkKind != "" {
		query += ` AND check_kind=?`
		args = append(args, checkKind)
	}
	query += ` ORDER BY ts_ns DESC, seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRecord
	for rows.Next() {
		v, err := scanValidationRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) InsertReviewVerdictTx(ctx context.Context, tx *sql.Tx, v domain.ReviewVerdict, tsNS int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_verdicts(id,project_id,ts,ts_ns,approval_state,critical_count,major_count,minor_count,source_doc_ref)
VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.Project, v.Timestamp, tsNS, v.ApprovalState, v.CriticalCount, v.MajorCount, v.MinorCount, nullable(v.SourceDocRef))
	return err
}

func scanReviewVerdict(scan func(dest ...any) error) (domain.ReviewVerdict, error) {
	var (
		v      domain.ReviewVerdict
		tsNS   int64
		docRef sql.NullString
	)
	err := scan(&v.ID, &v.Project, &v.Timestamp, &tsNS, &v.ApprovalState, &v.CriticalCount, &v.MajorCount, &v.MinorCount, &docRef)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if docRef.Valid {
		v.SourceDocRef = docRef.String
	}
	return v, err
}

const verdictCols = `id,project_id,ts,ts_ns,approval_state,critical_count,major_count,minor_count,source_doc_ref`

func (r Repo) LatestReviewVerdict(ctx context.Context, projectID string) (domain.ReviewVerdict, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+verdictCols+` FROM review_verdicts
WHERE project_id=? ORDER BY ts_ns DESC, seq DESC LIMIT 1`, projectID)
	return scanReviewVerdict(row.Scan)
}

func (r Repo) ListReviewVerdicts(ctx context.Context, projectID string, limit int) ([]domain.ReviewVerdict, error) {
	query := `SELECT ` + verdictCols + ` FROM review_verdicts WHERE project_id=? ORDER BY ts_ns DESC, seq DESC`
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
	var res []domain.ReviewVerdict
	for rows.Next() {
		v, err := scanReviewVerdict(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) InsertAlertTx(ctx context.Context, tx *sql.Tx, a domain.AlertEvent, tsNS int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO alert_events(id,project_id,level,ts,ts_ns,message) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Project, a.Level, a.Timestamp, tsNS, a.Message)
	return err
}

// AlertsSince returns alerts for a project whose timestamp falls at or after
// sinceNS, newest first.
func (r Repo) AlertsSince(ctx context.Context, projectID string, sinceNS int64) ([]domain.AlertEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,level,ts,ts_ns,message FROM alert_events
WHERE project_id=? AND ts_ns >= ? ORDER BY ts_ns DESC, seq DESC`, projectID, sinceNS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AlertEvent
	for rows.Next() {
		var a domain.AlertEvent
		var tsNS int64
		if err := rows.Scan(&a.ID, &a.Project, &a.Level, &a.Timestamp, &tsNS, &a.Message); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListAlerts(ctx context.Context, projectID string, limit int) ([]domain.AlertEvent, error) {
	query := `SELECT id,project_id,level,ts,ts_ns,message FROM alert_events WHERE project_id=? ORDER BY ts_ns DESC, seq DESC`
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
	var res []domain.AlertEvent
	for rows.Next() {
		var a domain.AlertEvent
		var tsNS int64
		if err := rows.Scan(&a.ID, &a.Project, &a.Level, &a.Timestamp, &tsNS, &a.Message); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
