// Package guard computes merge decisions from validation status, the latest
// review verdict and recent alerts. Evaluation is read-then-compute over a
// snapshot; only persisting the decision takes a transaction.
package guard

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/collector"
	"gatekeeper/internal/config"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/events"
	"gatekeeper/internal/repo"
)

type Guard struct {
	DB        *sql.DB
	Repo      repo.Repo
	Collector *collector.Collector
	Events    events.Writer
	Now       func() time.Time
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Evaluate computes and persists a fresh decision for the project. strict
// overrides the project's default strict mode for this invocation only. A
// decision.changed event is appended only when the outcome differs from the
// previously persisted decision.
func (g *Guard) Evaluate(ctx context.Context, cfg *config.Config, project, actorID string, strict *bool) (domain.MergeDecision, error) {
	strictMode := cfg.Gate.StrictDefault
	if strict != nil {
		strictMode = *strict
	}
	status, err := g.Collector.LatestStatus(ctx, cfg, project)
	if err != nil {
		return domain.MergeDecision{}, err
	}
	now := g.now().UTC()

	var verdict *domain.ReviewVerdict
	v, err := g.Repo.LatestReviewVerdict(ctx, project)
	switch err {
	case nil:
		if ts, perr := time.Parse(time.RFC3339, v.Timestamp); perr == nil && !ts.Before(now.Add(-cfg.VerdictFreshness())) {
			verdict = &v
		}
	case repo.ErrNotFound:
	default:
		return domain.MergeDecision{}, err
	}

	sinceNS := now.Add(-cfg.AlertWindow()).UnixNano()
	alerts, err := g.Repo.AlertsSince(ctx, project, sinceNS)
	if err != nil {
		return domain.MergeDecision{}, err
	}

	outcome, reasons := decide(cfg, status, verdict, alerts, strictMode)

	decision := domain.MergeDecision{
		ID:        uuid.NewString(),
		Project:   project,
		Timestamp: now.Format(time.RFC3339),
		Outcome:   outcome,
		Strict:    strictMode,
		Reasons:   reasons,
		Inputs:    collectInputs(cfg, status, verdict, alerts),
	}
	if err := g.persist(ctx, decision, now.UnixNano(), actorID); err != nil {
		return domain.MergeDecision{}, err
	}
	return decision, nil
}

// decide applies the precedence rules. The first matching rule fixes the
// outcome; reasons list everything that rule matched. Approve always carries
// an explanatory reason so the decision is self-contained.
func decide(cfg *config.Config, status collector.PerProjectStatus, verdict *domain.ReviewVerdict, alerts []domain.AlertEvent, strict bool) (string, []string) {
	// Rule 1: stale required validation data.
	var reasons []string
	for _, kind := range cfg.Gate.RequiredChecks {
		if check, ok := status.Checks[kind]; !ok || check.Status == collector.StatusStale {
			reasons = append(reasons, fmt.Sprintf("stale validation data for %s", kind))
		}
	}
	if len(reasons) > 0 {
		return domain.OutcomeBlock, reasons
	}

	// Rule 2: failed required check.
	for _, kind := range cfg.Gate.RequiredChecks {
		check := status.Checks[kind]
		if check.Status == domain.CheckFailed {
			reason := fmt.Sprintf("required check %s failed", kind)
			if check.Record != nil && check.Record.Metrics["gate_violation"] != "" {
				reason += ": " + check.Record.Metrics["gate_violation"]
			}
			reasons = append(reasons, reason)
		}
	}
	if len(reasons) > 0 {
		return domain.OutcomeBlock, reasons
	}

	// Rule 3: critical alert in the trailing window.
	for _, a := range alerts {
		if a.Level == domain.LevelCritical {
			reasons = append(reasons, fmt.Sprintf("critical alert within window: %s", a.Message))
		}
	}
	if len(reasons) > 0 {
		return domain.OutcomeBlock, reasons
	}

	// Rule 4: no fresh review verdict.
	if verdict == nil {
		reason := "no review verdict within freshness window"
		if strict {
			return domain.OutcomeBlock, []string{reason + " (strict mode)"}
		}
		return domain.OutcomeNeedsChanges, []string{reason}
	}

	// Rule 5: blocked verdict or critical findings.
	if verdict.ApprovalState == domain.ApprovalBlocked {
		reasons = append(reasons, "review verdict is blocked")
	}
	if verdict.CriticalCount > 0 {
		reasons = append(reasons, fmt.Sprintf("review found %d critical issues", verdict.CriticalCount))
	}
	if len(reasons) > 0 {
		return domain.OutcomeBlock, reasons
	}

	// Rule 6: needs-changes verdict, or error alerts under strict mode.
	if verdict.ApprovalState == domain.ApprovalNeedsChanges {
		reasons = append(reasons, "review verdict requests changes")
	}
	if strict {
		for _, a := range alerts {
			if a.Level == domain.LevelError {
				reasons = append(reasons, fmt.Sprintf("error alert within window (strict mode): %s", a.Message))
			}
		}
	}
	if len(reasons) > 0 {
		return domain.OutcomeNeedsChanges, reasons
	}

	// Rule 7: approve, with an explicit reason.
	return domain.OutcomeApprove, []string{fmt.Sprintf(
		"all required checks passed, review approved with 0 critical issues (%d major, %d minor)",
		verdict.MajorCount, verdict.MinorCount)}
}

func collectInputs(cfg *config.Config, status collector.PerProjectStatus, verdict *domain.ReviewVerdict, alerts []domain.AlertEvent) []string {
	var inputs []string
	for _, kind := range cfg.Gate.RequiredChecks {
		if check, ok := status.Checks[kind]; ok && check.Record != nil {
			inputs = append(inputs, "record:"+check.Record.ID)
		}
	}
	if verdict != nil {
		inputs = append(inputs, "verdict:"+verdict.ID)
	}
	for _, a := range alerts {
		inputs = append(inputs, "alert:"+a.ID)
	}
	return inputs
}

func (g *Guard) persist(ctx context.Context, d domain.MergeDecision, tsNS int64, actorID string) error {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	changed := true
	prev, err := g.Repo.LatestMergeDecisionTx(ctx, tx, d.Project)
	switch err {
	case nil:
		changed = prev.Outcome != d.Outcome
	case repo.ErrNotFound:
	default:
		return err
	}
	if err := g.Repo.InsertMergeDecisionTx(ctx, tx, d, tsNS); err != nil {
		return err
	}
	if changed {
		if err := g.Events.Append(ctx, tx, "decision.changed", d.Project, "merge_decision", d.ID, actorID, events.EventPayload{
			"outcome": d.Outcome, "strict": d.Strict, "reasons": d.Reasons,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}
