package guard_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gatekeeper/internal/config"
	"gatekeeper/internal/db"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: &clock}
}

// passAllChecks records a fresh passing result for every default required check.
func passAllChecks(t *testing.T, env testEnv) {
	t.Helper()
	cfg := config.Default("proj-1")
	for _, kind := range cfg.Gate.RequiredChecks {
		raw := "PASS"
		if kind == domain.KindCoverage {
			raw = `{"status":"passed","metrics":{"coverage":"90"}}`
		}
		if _, err := env.Engine.IngestValidation(env.Ctx, "proj-1", kind, raw, "", "tester"); err != nil {
			t.Fatalf("ingest %s: %v", kind, err)
		}
	}
}

func approveReview(t *testing.T, env testEnv) {
	t.Helper()
	doc := "Verdict: APPROVED\nCritical: 0\nMajor: 1\nMinor: 2\n"
	if _, err := env.Engine.RecordVerdict(env.Ctx, "proj-1", doc, "", "reviewer"); err != nil {
		t.Fatalf("record verdict: %v", err)
	}
}

func evaluate(t *testing.T, env testEnv, strict *bool) domain.MergeDecision {
	t.Helper()
	d, err := env.Engine.EvaluateDecision(env.Ctx, "proj-1", "tester", strict)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return d
}

func hasReason(d domain.MergeDecision, substr string) bool {
	for _, r := range d.Reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestApproveWhenAllGreen(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeApprove {
		t.Fatalf("outcome = %s, reasons = %v", d.Outcome, d.Reasons)
	}
	if len(d.Reasons) == 0 {
		t.Fatal("approve decision carries no reason")
	}
	if len(d.Inputs) == 0 {
		t.Fatal("decision lists no inputs")
	}
}

func TestStaleRequiredCheckBlocks(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	// age the lint record out of the freshness window, refresh everything else
	*env.Clock = env.Clock.Add(61 * time.Minute)
	cfg := config.Default("proj-1")
	for _, kind := range cfg.Gate.RequiredChecks {
		if kind == domain.KindLint {
			continue
		}
		raw := "PASS"
		if kind == domain.KindCoverage {
			raw = `{"status":"passed","metrics":{"coverage":"90"}}`
		}
		if _, err := env.Engine.IngestValidation(env.Ctx, "proj-1", kind, raw, "", "tester"); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	approveReview(t, env)
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeBlock {
		t.Fatalf("outcome = %s, want block", d.Outcome)
	}
	if !hasReason(d, "stale validation data for lint") {
		t.Fatalf("reasons = %v", d.Reasons)
	}
}

func TestFailedRequiredCheckBlocks(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	if _, err := env.Engine.IngestValidation(env.Ctx, "proj-1", domain.KindTest, "FAIL", "", "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeBlock {
		t.Fatalf("outcome = %s, want block", d.Outcome)
	}
	if !hasReason(d, "required check test failed") {
		t.Fatalf("reasons = %v", d.Reasons)
	}
}

func TestGateViolationReasonSurfaces(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	if _, err := env.Engine.IngestValidation(env.Ctx, "proj-1", domain.KindCoverage,
		`{"status":"passed","metrics":{"coverage":"50"}}`, "", "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeBlock {
		t.Fatalf("outcome = %s, want block", d.Outcome)
	}
	if !hasReason(d, "below minimum") {
		t.Fatalf("reasons = %v", d.Reasons)
	}
}

func TestCriticalAlertBlocks(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	if _, err := env.Engine.PublishAlert(env.Ctx, "proj-1", domain.LevelCritical, "prod is down", "ops"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeBlock {
		t.Fatalf("outcome = %s, want block", d.Outcome)
	}
	if !hasReason(d, "critical alert") {
		t.Fatalf("reasons = %v", d.Reasons)
	}
}

func TestMissingVerdictNeedsChanges(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeNeedsChanges {
		t.Fatalf("outcome = %s, want needs_changes", d.Outcome)
	}
	if !hasReason(d, "no review verdict") {
		t.Fatalf("reasons = %v", d.Reasons)
	}
}

func TestMissingVerdictBlocksInStrictMode(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	strict := true
	d := evaluate(t, env, &strict)
	if d.Outcome != domain.OutcomeBlock {
		t.Fatalf("outcome = %s, want block in strict mode", d.Outcome)
	}
	if !d.Strict {
		t.Fatal("decision does not record strict mode")
	}
}

func TestCriticalFindingsBlock(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	doc := "Verdict: APPROVED\nCritical: 2\n"
	if _, err := env.Engine.RecordVerdict(env.Ctx, "proj-1", doc, "", "reviewer"); err != nil {
		t.Fatalf("verdict: %v", err)
	}
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeBlock {
		t.Fatalf("outcome = %s, want block despite approval", d.Outcome)
	}
	if !hasReason(d, "2 critical issues") {
		t.Fatalf("reasons = %v", d.Reasons)
	}
}

func TestNeedsChangesVerdict(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	doc := "Verdict: NEEDS_CHANGES\nCritical: 0\n"
	if _, err := env.Engine.RecordVerdict(env.Ctx, "proj-1", doc, "", "reviewer"); err != nil {
		t.Fatalf("verdict: %v", err)
	}
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeNeedsChanges {
		t.Fatalf("outcome = %s, want needs_changes", d.Outcome)
	}
}

func TestErrorAlertOnlyMattersInStrictMode(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	if _, err := env.Engine.PublishAlert(env.Ctx, "proj-1", domain.LevelError, "flaky infra", "ops"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if d := evaluate(t, env, nil); d.Outcome != domain.OutcomeApprove {
		t.Fatalf("lenient outcome = %s, want approve", d.Outcome)
	}
	strict := true
	d := evaluate(t, env, &strict)
	if d.Outcome != domain.OutcomeNeedsChanges {
		t.Fatalf("strict outcome = %s, want needs_changes", d.Outcome)
	}
	if !hasReason(d, "error alert") {
		t.Fatalf("reasons = %v", d.Reasons)
	}
}

func TestStaleVerdictIgnored(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	*env.Clock = env.Clock.Add(61 * time.Minute)
	passAllChecks(t, env)
	d := evaluate(t, env, nil)
	if d.Outcome != domain.OutcomeNeedsChanges {
		t.Fatalf("outcome = %s, want needs_changes for aged-out verdict", d.Outcome)
	}
}

func TestDecisionChangedEventOnlyOnFlip(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	evaluate(t, env, nil)
	evaluate(t, env, nil)

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, "proj-1", 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	changed := 0
	for _, e := range events {
		if e.Type == "decision.changed" {
			changed++
		}
	}
	if changed != 1 {
		t.Fatalf("decision.changed count = %d, want 1 for two identical evaluations", changed)
	}

	// flip the outcome
	if _, err := env.Engine.IngestValidation(env.Ctx, "proj-1", domain.KindLint, "FAIL", "", "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	evaluate(t, env, nil)
	events, _ = env.Engine.Repo.LatestEvents(env.Ctx, "proj-1", 100)
	changed = 0
	for _, e := range events {
		if e.Type == "decision.changed" {
			changed++
		}
	}
	if changed != 2 {
		t.Fatalf("decision.changed count = %d, want 2 after the outcome flipped", changed)
	}
}

func TestDecisionHistoryIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	for i := 0; i < 3; i++ {
		*env.Clock = env.Clock.Add(time.Second)
		evaluate(t, env, nil)
	}
	list, err := env.Engine.Repo.ListMergeDecisions(env.Ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("decision count = %d, want 3", len(list))
	}
}

func TestInputsReferenceConsumedRecords(t *testing.T) {
	env := newTestEnv(t)
	passAllChecks(t, env)
	approveReview(t, env)
	if _, err := env.Engine.PublishAlert(env.Ctx, "proj-1", domain.LevelWarning, "heads up", "ops"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	d := evaluate(t, env, nil)
	var records, verdicts, alerts int
	for _, in := range d.Inputs {
		switch {
		case strings.HasPrefix(in, "record:"):
			records++
		case strings.HasPrefix(in, "verdict:"):
			verdicts++
		case strings.HasPrefix(in, "alert:"):
			alerts++
		default:
			t.Fatalf("unrecognized input ref %q", in)
		}
	}
	want := fmt.Sprintf("%d records, 1 verdict, 1 alert", len(config.Default("proj-1").Gate.RequiredChecks))
	if records != len(config.Default("proj-1").Gate.RequiredChecks) || verdicts != 1 || alerts != 1 {
		t.Fatalf("inputs = %v, want %s", d.Inputs, want)
	}
}
