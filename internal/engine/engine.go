// Package engine wires the store, queue, collectors and guard into the
// operations the CLI and HTTP server expose.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/collector"
	"gatekeeper/internal/config"
	"gatekeeper/internal/dashboard"
	"gatekeeper/internal/dispatch"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/events"
	"gatekeeper/internal/guard"
	"gatekeeper/internal/queue"
	"gatekeeper/internal/repo"
	"gatekeeper/internal/review"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Queue     *queue.Queue
	Collector *collector.Collector
	Guard     *guard.Guard
	Dashboard *dashboard.Aggregator
	Now       func() time.Time
}

func New(db *sql.DB) *Engine {
	e := &Engine{
		DB:   db,
		Repo: repo.Repo{DB: db},
		Now:  time.Now,
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	e.Queue = &queue.Queue{DB: db, Repo: e.Repo, Events: e.Events, Now: e.now}
	e.Collector = &collector.Collector{DB: db, Repo: e.Repo, Events: e.Events, Now: e.now}
	e.Guard = &guard.Guard{DB: db, Repo: e.Repo, Collector: e.Collector, Events: e.Events, Now: e.now}
	e.Dashboard = &dashboard.Aggregator{Repo: e.Repo, Collector: e.Collector, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project with a default policy config.
func (e *Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,status,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ResolveConfig loads the project's stored policy config, falling back to
// defaults when none has been imported yet.
func (e *Engine) ResolveConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == repo.ErrNotFound {
		return config.Default(projectID), nil
	}
	return cfg, err
}

// EnqueueWork validates the project and queues a new work item.
func (e *Engine) EnqueueWork(ctx context.Context, projectID, kind, description string, priority int, actorID string) (domain.WorkItem, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.WorkItem{}, err
	}
	return e.Queue.Enqueue(ctx, domain.WorkItem{
		Project:     projectID,
		Kind:        kind,
		Description: description,
		Priority:    priority,
	}, actorID)
}

// CompleteWork finalizes a finished item and appends its derived artifact.
// Validation kinds produce a validation record, ai-review produces a verdict,
// custom items produce nothing. Results of cancelled items are discarded.
func (e *Engine) CompleteWork(ctx context.Context, item domain.WorkItem, res dispatch.Result) error {
	actor := "worker"
	if item.AssignedWorker != nil {
		actor = *item.AssignedWorker
	}
	_, discarded, err := e.Queue.Complete(ctx, item.ID, actor, res.Success)
	if err != nil {
		return err
	}
	if discarded {
		return nil
	}
	switch item.Kind {
	case domain.KindLint, domain.KindBuild, domain.KindTest, domain.KindCoverage, domain.KindPerformance:
		cfg, err := e.ResolveConfig(ctx, item.Project)
		if err != nil {
			return err
		}
		_, err = e.Collector.Record(ctx, cfg, item.Project, item.Kind, res.Output, res.LogRef, actor)
		return err
	case domain.KindAIReview:
		if !res.Success {
			return nil
		}
		_, err := e.RecordVerdict(ctx, item.Project, res.Output, res.LogRef, actor)
		return err
	}
	return nil
}

// RecordVerdict extracts and persists a review verdict from document text.
func (e *Engine) RecordVerdict(ctx context.Context, projectID, documentText, docRef, actorID string) (domain.ReviewVerdict, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.ReviewVerdict{}, err
	}
	parsed := review.Extract(documentText)
	t := e.now().UTC()
	v := domain.ReviewVerdict{
		ID:            uuid.NewString(),
		Project:       projectID,
		Timestamp:     t.Format(time.RFC3339),
		ApprovalState: parsed.ApprovalState,
		CriticalCount: parsed.CriticalCount,
		MajorCount:    parsed.MajorCount,
		MinorCount:    parsed.MinorCount,
		SourceDocRef:  docRef,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewVerdict{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReviewVerdictTx(ctx, tx, v, t.UnixNano()); err != nil {
		return domain.ReviewVerdict{}, err
	}
	if err := e.Events.Append(ctx, tx, "review.recorded", projectID, "review_verdict", v.ID, actorID, events.EventPayload{
		"approval_state": v.ApprovalState, "critical_count": v.CriticalCount,
	}); err != nil {
		return domain.ReviewVerdict{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewVerdict{}, err
	}
	return v, nil
}

// PublishAlert appends an alert event.
func (e *Engine) PublishAlert(ctx context.Context, projectID, level, message, actorID string) (domain.AlertEvent, error) {
	switch level {
	case domain.LevelCritical, domain.LevelError, domain.LevelWarning, domain.LevelInfo:
	default:
		return domain.AlertEvent{}, fmt.Errorf("invalid alert level %q", level)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.AlertEvent{}, err
	}
	t := e.now().UTC()
	a := domain.AlertEvent{
		ID:        uuid.NewString(),
		Level:     level,
		Project:   projectID,
		Timestamp: t.Format(time.RFC3339),
		Message:   message,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AlertEvent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAlertTx(ctx, tx, a, t.UnixNano()); err != nil {
		return domain.AlertEvent{}, err
	}
	if err := e.Events.Append(ctx, tx, "alert.raised", projectID, "alert_event", a.ID, actorID, events.EventPayload{
		"level": level,
	}); err != nil {
		return domain.AlertEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AlertEvent{}, err
	}
	return a, nil
}

// IngestValidation records raw tool output submitted directly, outside the
// dispatcher path.
func (e *Engine) IngestValidation(ctx context.Context, projectID, checkKind, rawOutput, logRef, actorID string) (domain.ValidationRecord, error) {
	valid := false
	for _, k := range domain.CheckKinds() {
		if k == checkKind {
			valid = true
		}
	}
	if !valid {
		return domain.ValidationRecord{}, fmt.Errorf("invalid check kind %q", checkKind)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.ValidationRecord{}, err
	}
	cfg, err := e.ResolveConfig(ctx, projectID)
	if err != nil {
		return domain.ValidationRecord{}, err
	}
	return e.Collector.Record(ctx, cfg, projectID, checkKind, rawOutput, logRef, actorID)
}

// EvaluateDecision runs the merge guard for a project. strict, when non-nil,
// overrides the project's default strict mode for this call.
func (e *Engine) EvaluateDecision(ctx context.Context, projectID, actorID string, strict *bool) (domain.MergeDecision, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.MergeDecision{}, err
	}
	cfg, err := e.ResolveConfig(ctx, projectID)
	if err != nil {
		return domain.MergeDecision{}, err
	}
	return e.Guard.Evaluate(ctx, cfg, projectID, actorID, strict)
}

// ProjectStatus returns the freshness-resolved check statuses for a project.
func (e *Engine) ProjectStatus(ctx context.Context, projectID string) (collector.PerProjectStatus, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return collector.PerProjectStatus{}, err
	}
	cfg, err := e.ResolveConfig(ctx, projectID)
	if err != nil {
		return collector.PerProjectStatus{}, err
	}
	return e.Collector.LatestStatus(ctx, cfg, projectID)
}

// Snapshot builds the dashboard document across all projects.
func (e *Engine) Snapshot(ctx context.Context) (dashboard.Snapshot, error) {
	return e.Dashboard.Build(ctx, e.ResolveConfig)
}

// PurgeProject deletes finished work items past the project's retention.
// The floor in config validation keeps records needed by the decision
// engine's trailing window alive.
func (e *Engine) PurgeProject(ctx context.Context, projectID string) (int64, error) {
	cfg, err := e.ResolveConfig(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return e.Queue.Purge(ctx, projectID, cfg.Retention())
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
