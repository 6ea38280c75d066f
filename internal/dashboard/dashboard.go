// Package dashboard assembles a read-only snapshot of queue, validation,
// review and decision state. It never mutates anything.
package dashboard

import (
	"context"
	"time"

	"gatekeeper/internal/collector"
	"gatekeeper/internal/config"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/repo"
)

type Aggregator struct {
	Repo      repo.Repo
	Collector *collector.Collector
	Now       func() time.Time
}

type ProjectSnapshot struct {
	Project     string                           `json:"project"`
	QueueCounts map[string]int                   `json:"queue_counts"`
	Checks      map[string]collector.CheckStatus `json:"checks"`
	Verdict     *domain.ReviewVerdict            `json:"latest_verdict,omitempty"`
	Decision    *domain.MergeDecision            `json:"latest_decision,omitempty"`
	Alerts      []domain.AlertEvent              `json:"recent_alerts,omitempty"`
}

type Snapshot struct {
	GeneratedAt string            `json:"generated_at" format:"date-time"`
	Projects    []ProjectSnapshot `json:"projects"`
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Project builds the snapshot for one project using its policy config for
// freshness and alert windows.
func (a *Aggregator) Project(ctx context.Context, cfg *config.Config, project string) (ProjectSnapshot, error) {
	snap := ProjectSnapshot{Project: project}
	counts, err := a.Repo.CountWorkItems(ctx, project)
	if err != nil {
		return ProjectSnapshot{}, err
	}
	snap.QueueCounts = counts
	status, err := a.Collector.LatestStatus(ctx, cfg, project)
	if err != nil {
		return ProjectSnapshot{}, err
	}
	snap.Checks = status.Checks
	if v, err := a.Repo.LatestReviewVerdict(ctx, project); err == nil {
		snap.Verdict = &v
	} else if err != repo.ErrNotFound {
		return ProjectSnapshot{}, err
	}
	if d, err := a.Repo.LatestMergeDecision(ctx, project); err == nil {
		snap.Decision = &d
	} else if err != repo.ErrNotFound {
		return ProjectSnapshot{}, err
	}
	sinceNS := a.now().UTC().Add(-cfg.AlertWindow()).UnixNano()
	alerts, err := a.Repo.AlertsSince(ctx, project, sinceNS)
	if err != nil {
		return ProjectSnapshot{}, err
	}
	snap.Alerts = alerts
	return snap, nil
}

// Build snapshots every project. resolve supplies each project's config;
// projects whose config is missing fall back to defaults.
func (a *Aggregator) Build(ctx context.Context, resolve func(ctx context.Context, project string) (*config.Config, error)) (Snapshot, error) {
	projects, err := a.Repo.ListProjects(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{GeneratedAt: a.now().UTC().Format(time.RFC3339)}
	for _, p := range projects {
		cfg, err := resolve(ctx, p.ID)
		if err != nil {
			return Snapshot{}, err
		}
		ps, err := a.Project(ctx, cfg, p.ID)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Projects = append(snap.Projects, ps)
	}
	return snap, nil
}
