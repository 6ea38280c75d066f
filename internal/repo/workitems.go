package repo

import (
	"context"
	"database/sql"
	"strings"

	"gatekeeper/internal/domain"
)

const workItemCols = `id,project_id,kind,COALESCE(description,'') AS description,priority,status,assigned_worker,retries,cancelled,created_at,created_ns,started_at,completed_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var (
		w         domain.WorkItem
		worker    sql.NullString
		started   sql.NullString
		completed sql.NullString
		createdNS int64
	)
	err := scan(&w.ID, &w.Project, &w.Kind, &w.Description, &w.Priority, &w.Status,
		&worker, &w.Retries, &w.Cancelled, &w.CreatedAt, &createdNS, &started, &completed)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.AssignedWorker = optionalString(worker)
	w.StartedAt = optionalString(started)
	w.CompletedAt = optionalString(completed)
	return w, err
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem, createdNS int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,project_id,kind,description,priority,status,retries,cancelled,created_at,created_ns)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Project, w.Kind, nullable(w.Description), w.Priority, w.Status, w.Retries, boolInt(w.Cancelled), w.CreatedAt, createdNS)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

func (r Repo) ListWorkItems(ctx context.Context, projectID, status string, limit int) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + workItemCols + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY priority DESC, created_ns ASC, id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// SelectQueuedTx returns the next queued items for the given kinds in dispatch
// order. Items with the cancelled flag set while still queued are skipped;
// the queue finalizes them separately.
func (r Repo) SelectQueuedTx(ctx context.Context, tx *sql.Tx, kinds []string, limit int) ([]domain.WorkItem, error) {
	clauses := []string{"status=?", "cancelled=0"}
	args := []any{domain.StatusQueued}
	if len(kinds) > 0 {
		ph := make([]string, len(kinds))
		for i, k := range kinds {
			ph[i] = "?"
			args = append(args, k)
		}
		clauses = append(clauses, "kind IN ("+strings.Join(ph, ",")+")")
	}
	query := `SELECT ` + workItemCols + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY priority DESC, created_ns ASC, id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// MarkProcessingTx flips a queued item to processing for a worker. The caller
// checks the affected count: zero means another dispatcher won the item.
func (r Repo) MarkProcessingTx(ctx context.Context, tx *sql.Tx, id, workerID, startedAt string, startedNS int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, assigned_worker=?, started_at=?, started_ns=? WHERE id=? AND status=?`,
		domain.StatusProcessing, workerID, startedAt, startedNS, id, domain.StatusQueued)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FinishTx moves a processing item to a terminal status.
func (r Repo) FinishTx(ctx context.Context, tx *sql.Tx, id, status, completedAt string, completedNS int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, completed_at=?, completed_ns=? WHERE id=? AND status=?`,
		status, completedAt, completedNS, id, domain.StatusProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueTx returns a processing item to the queue. bumpRetry is set when the
// return is a reclaim rather than a capability mismatch.
func (r Repo) RequeueTx(ctx context.Context, tx *sql.Tx, id string, bumpRetry bool) (int64, error) {
	retry := ""
	if bumpRetry {
		retry = ", retries=retries+1"
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, assigned_worker=NULL, started_at=NULL, started_ns=NULL`+retry+` WHERE id=? AND status=?`,
		domain.StatusQueued, id, domain.StatusProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FailProcessingTx moves a processing item straight to failed.
func (r Repo) FailProcessingTx(ctx context.Context, tx *sql.Tx, id, completedAt string, completedNS int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, completed_at=?, completed_ns=? WHERE id=? AND status=?`,
		domain.StatusFailed, completedAt, completedNS, id, domain.StatusProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkCancelledTx sets the cancelled flag. Queued items also move straight to
// failed; processing items keep running and their result is discarded on
// completion.
func (r Repo) MarkCancelledTx(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM work_items WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `UPDATE work_items SET cancelled=1 WHERE id=?`, id)
	return status, err
}

// StaleProcessingTx lists processing items whose start timestamp is older
// than cutoffNS.
func (r Repo) StaleProcessingTx(ctx context.Context, tx *sql.Tx, cutoffNS int64) ([]domain.WorkItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE status=? AND started_ns IS NOT NULL AND started_ns < ?`,
		domain.StatusProcessing, cutoffNS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// PurgeFinished deletes terminal items whose completion is older than
// cutoffNS. Validation records and decisions are separate rows and survive.
func (r Repo) PurgeFinished(ctx context.Context, projectID string, cutoffNS int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM work_items WHERE project_id=? AND status IN (?,?) AND completed_ns IS NOT NULL AND completed_ns < ?`,
		projectID, domain.StatusCompleted, domain.StatusFailed, cutoffNS)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountWorkItems(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
