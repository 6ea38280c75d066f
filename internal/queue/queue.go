// Package queue implements the durable work item queue. All state lives in
// SQLite; the in-process mutex only serializes dequeue transactions so two
// dispatcher ticks never race on the same rows.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/domain"
	"gatekeeper/internal/events"
	"gatekeeper/internal/repo"
)

var (
	ErrInvalidKind  = errors.New("invalid work item kind")
	ErrQueueCorrupt = errors.New("queue corruption: item changed state outside the dequeue transaction")
	ErrNotQueued    = errors.New("work item is not queued")
	ErrFinished     = errors.New("work item already finished")
)

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu sync.Mutex
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) stamp() (string, int64) {
	t := q.now().UTC()
	return t.Format(time.RFC3339), t.UnixNano()
}

// Enqueue validates and persists a new work item. The caller supplies kind,
// project, description and priority; everything else is assigned here.
func (q *Queue) Enqueue(ctx context.Context, item domain.WorkItem, actorID string) (domain.WorkItem, error) {
	if !domain.ValidWorkKind(item.Kind) {
		return domain.WorkItem{}, fmt.Errorf("%w: %s", ErrInvalidKind, item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	ts, ns := q.stamp()
	item.Status = domain.StatusQueued
	item.Retries = 0
	item.Cancelled = false
	item.CreatedAt = ts
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := q.Repo.InsertWorkItemTx(ctx, tx, item, ns); err != nil {
		return domain.WorkItem{}, err
	}
	if err := q.Events.Append(ctx, tx, "work.enqueued", item.Project, "work_item", item.ID, actorID, events.EventPayload{
		"kind": item.Kind, "priority": item.Priority,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// DequeueBatch atomically claims up to limit queued items matching kinds and
// marks them processing for workerID. Concurrent callers never receive
// overlapping items: the claim runs inside one transaction under the queue
// mutex, and a zero-row claim means something else mutated the row, which is
// reported as corruption rather than papered over.
func (q *Queue) DequeueBatch(ctx context.Context, workerID string, kinds []string, limit int) ([]domain.WorkItem, error) {
	if limit <= 0 {
		limit = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	items, err := q.Repo.SelectQueuedTx(ctx, tx, kinds, limit)
	if err != nil {
		return nil, err
	}
	ts, ns := q.stamp()
	claimed := make([]domain.WorkItem, 0, len(items))
	for _, item := range items {
		n, err := q.Repo.MarkProcessingTx(ctx, tx, item.ID, workerID, ts, ns)
		if err != nil {
			return nil, err
		}
		if n != 1 {
			return nil, fmt.Errorf("%w: item %s", ErrQueueCorrupt, item.ID)
		}
		item.Status = domain.StatusProcessing
		item.AssignedWorker = &workerID
		item.StartedAt = &ts
		if err := q.Events.Append(ctx, tx, "work.started", item.Project, "work_item", item.ID, workerID, nil); err != nil {
			return nil, err
		}
		claimed = append(claimed, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete finalizes a processing item. success selects the terminal status.
// If the item was cancelled while processing it is finalized as failed and
// discarded is true: the caller must drop the worker's result.
func (q *Queue) Complete(ctx context.Context, id, actorID string, success bool) (item domain.WorkItem, discarded bool, err error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	defer tx.Rollback()
	item, err = q.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	if item.Status != domain.StatusProcessing {
		return domain.WorkItem{}, false, fmt.Errorf("%w: %s is %s", ErrFinished, id, item.Status)
	}
	status := domain.StatusCompleted
	evt := "work.completed"
	if !success || item.Cancelled {
		status = domain.StatusFailed
		evt = "work.failed"
	}
	if item.Cancelled {
		evt = "work.cancelled"
	}
	ts, ns := q.stamp()
	n, err := q.Repo.FinishTx(ctx, tx, id, status, ts, ns)
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	if n != 1 {
		return domain.WorkItem{}, false, fmt.Errorf("%w: item %s", ErrQueueCorrupt, id)
	}
	item.Status = status
	item.CompletedAt = &ts
	if err := q.Events.Append(ctx, tx, evt, item.Project, "work_item", id, actorID, nil); err != nil {
		return domain.WorkItem{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, false, err
	}
	return item, item.Cancelled, nil
}

// Fail handles a worker-reported execution failure. The item goes back to the
// queue with a bumped retry count until maxRetries is exhausted, then fails
// permanently and raises an error-level alert.
func (q *Queue) Fail(ctx context.Context, id, actorID, reason string, maxRetries int) (domain.WorkItem, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	item, err := q.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.Status != domain.StatusProcessing {
		return domain.WorkItem{}, fmt.Errorf("%w: %s is %s", ErrFinished, id, item.Status)
	}
	ts, ns := q.stamp()
	if item.Cancelled || item.Retries >= maxRetries {
		n, err := q.Repo.FailProcessingTx(ctx, tx, id, ts, ns)
		if err != nil {
			return domain.WorkItem{}, err
		}
		if n != 1 {
			return domain.WorkItem{}, fmt.Errorf("%w: item %s", ErrQueueCorrupt, id)
		}
		item.Status = domain.StatusFailed
		item.CompletedAt = &ts
		if !item.Cancelled {
			alert := domain.AlertEvent{
				ID:        uuid.NewString(),
				Level:     domain.LevelError,
				Project:   item.Project,
				Timestamp: ts,
				Message:   fmt.Sprintf("work item %s (%s) failed after %d retries: %s", id, item.Kind, item.Retries, reason),
			}
			if err := q.Repo.InsertAlertTx(ctx, tx, alert, ns); err != nil {
				return domain.WorkItem{}, err
			}
		}
		if err := q.Events.Append(ctx, tx, "work.failed", item.Project, "work_item", id, actorID, events.EventPayload{"reason": reason}); err != nil {
			return domain.WorkItem{}, err
		}
	} else {
		n, err := q.Repo.RequeueTx(ctx, tx, id, true)
		if err != nil {
			return domain.WorkItem{}, err
		}
		if n != 1 {
			return domain.WorkItem{}, fmt.Errorf("%w: item %s", ErrQueueCorrupt, id)
		}
		item.Status = domain.StatusQueued
		item.Retries++
		item.AssignedWorker = nil
		item.StartedAt = nil
		if err := q.Events.Append(ctx, tx, "work.requeued", item.Project, "work_item", id, actorID, events.EventPayload{"reason": reason, "retries": item.Retries}); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// ReturnToQueue puts a claimed item back unchanged. Used when a dispatcher
// claims an item it turns out to have no capable worker for.
func (q *Queue) ReturnToQueue(ctx context.Context, id, actorID string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	item, err := q.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return err
	}
	n, err := q.Repo.RequeueTx(ctx, tx, id, false)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s is %s", ErrFinished, id, item.Status)
	}
	if err := q.Events.Append(ctx, tx, "work.returned", item.Project, "work_item", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel removes a queued item. Processing items only get the cancelled flag;
// the running worker finishes and its result is discarded at Complete.
func (q *Queue) Cancel(ctx context.Context, id, actorID string) (domain.WorkItem, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	item, err := q.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	switch item.Status {
	case domain.StatusQueued:
		if _, err := q.Repo.DeleteWorkItemTx(ctx, tx, id); err != nil {
			return domain.WorkItem{}, err
		}
	case domain.StatusProcessing:
		if _, err := q.Repo.MarkCancelledTx(ctx, tx, id); err != nil {
			return domain.WorkItem{}, err
		}
	default:
		return domain.WorkItem{}, fmt.Errorf("%w: %s is %s", ErrFinished, id, item.Status)
	}
	item.Cancelled = true
	if err := q.Events.Append(ctx, tx, "work.cancelled", item.Project, "work_item", id, actorID, events.EventPayload{"while": item.Status}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// SweepStale reclaims processing items whose start is older than timeout.
// Reclaimed items requeue with a bumped retry count; items out of retries
// fail permanently with an error alert.
func (q *Queue) SweepStale(ctx context.Context, timeout time.Duration, maxRetries int) (requeued, failed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()
	ts, ns := q.stamp()
	cutoff := ns - timeout.Nanoseconds()
	stale, err := q.Repo.StaleProcessingTx(ctx, tx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	for _, item := range stale {
		if item.Retries >= maxRetries || item.Cancelled {
			if _, err := q.Repo.FailProcessingTx(ctx, tx, item.ID, ts, ns); err != nil {
				return 0, 0, err
			}
			if !item.Cancelled {
				alert := domain.AlertEvent{
					ID:        uuid.NewString(),
					Level:     domain.LevelError,
					Project:   item.Project,
					Timestamp: ts,
					Message:   fmt.Sprintf("work item %s (%s) timed out after %d retries", item.ID, item.Kind, item.Retries),
				}
				if err := q.Repo.InsertAlertTx(ctx, tx, alert, ns); err != nil {
					return 0, 0, err
				}
			}
			if err := q.Events.Append(ctx, tx, "work.failed", item.Project, "work_item", item.ID, "sweeper", events.EventPayload{"reason": "processing timeout"}); err != nil {
				return 0, 0, err
			}
			failed++
		} else {
			if _, err := q.Repo.RequeueTx(ctx, tx, item.ID, true); err != nil {
				return 0, 0, err
			}
			if err := q.Events.Append(ctx, tx, "work.requeued", item.Project, "work_item", item.ID, "sweeper", events.EventPayload{"reason": "processing timeout", "retries": item.Retries + 1}); err != nil {
				return 0, 0, err
			}
			requeued++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return requeued, failed, nil
}

// Purge deletes finished work items older than retention. Validation records,
// verdicts and decisions are never touched.
func (q *Queue) Purge(ctx context.Context, projectID string, retention time.Duration) (int64, error) {
	_, ns := q.stamp()
	return q.Repo.PurgeFinished(ctx, projectID, ns-retention.Nanoseconds())
}
