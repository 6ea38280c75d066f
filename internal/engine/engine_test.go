package engine_test

import (
	"context"
	"testing"
	"time"

	"gatekeeper/internal/db"
	"gatekeeper/internal/dispatch"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/migrate"
	"gatekeeper/internal/repo"
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

func claimOne(t *testing.T, env testEnv, kind string) domain.WorkItem {
	t.Helper()
	items, err := env.Engine.Queue.DequeueBatch(env.Ctx, "w-1", []string{kind}, 1)
	if err != nil || len(items) != 1 {
		t.Fatalf("dequeue: %v (%d items)", err, len(items))
	}
	return items[0]
}

func TestInitProjectSeedsConfig(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := env.Engine.ResolveConfig(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if len(cfg.Gate.RequiredChecks) == 0 {
		t.Fatal("seeded config has no required checks")
	}
}

func TestAuditEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, "proj-1", 1)
	if err != nil || len(evts) != 1 {
		t.Fatalf("events: %v (%d events)", err, len(evts))
	}
	want := env.Clock.UTC().Format(time.RFC3339)
	if evts[0].TS != want {
		t.Fatalf("event ts = %s, want %s", evts[0].TS, want)
	}
}

func TestEnqueueWorkUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.EnqueueWork(env.Ctx, "nope", domain.KindLint, "", 0, "tester")
	if err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteWorkRecordsValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnqueueWork(env.Ctx, "proj-1", domain.KindLint, "lint it", 0, "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item := claimOne(t, env, domain.KindLint)
	res := dispatch.Result{Success: true, Output: `{"status":"passed","metrics":{"warnings":"0"}}`}
	if err := env.Engine.CompleteWork(env.Ctx, item, res); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, err := env.Engine.Repo.LatestValidation(env.Ctx, "proj-1", domain.KindLint)
	if err != nil {
		t.Fatalf("latest validation: %v", err)
	}
	if rec.Status != domain.CheckPassed {
		t.Fatalf("record status = %s", rec.Status)
	}
}

func TestCompleteWorkFailedToolStillRecords(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnqueueWork(env.Ctx, "proj-1", domain.KindTest, "", 0, "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item := claimOne(t, env, domain.KindTest)
	// the worker ran fine, the tool reported failure
	res := dispatch.Result{Success: false, Output: "FAIL\nfailed: 3\n"}
	if err := env.Engine.CompleteWork(env.Ctx, item, res); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, err := env.Engine.Repo.LatestValidation(env.Ctx, "proj-1", domain.KindTest)
	if err != nil {
		t.Fatalf("latest validation: %v", err)
	}
	if rec.Status != domain.CheckFailed {
		t.Fatalf("record status = %s, want failed", rec.Status)
	}
	got, _ := env.Engine.Repo.GetWorkItem(env.Ctx, item.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("item status = %s, want failed", got.Status)
	}
}

func TestCompleteWorkExtractsVerdict(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnqueueWork(env.Ctx, "proj-1", domain.KindAIReview, "", 0, "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item := claimOne(t, env, domain.KindAIReview)
	res := dispatch.Result{Success: true, Output: "Verdict: APPROVED\nCritical: 0\nMajor: 3\n"}
	if err := env.Engine.CompleteWork(env.Ctx, item, res); err != nil {
		t.Fatalf("complete: %v", err)
	}
	v, err := env.Engine.Repo.LatestReviewVerdict(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("latest verdict: %v", err)
	}
	if v.ApprovalState != domain.ApprovalApproved || v.MajorCount != 3 {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestCompleteWorkCustomProducesNothing(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnqueueWork(env.Ctx, "proj-1", domain.KindCustom, "", 0, "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item := claimOne(t, env, domain.KindCustom)
	if err := env.Engine.CompleteWork(env.Ctx, item, dispatch.Result{Success: true, Output: "PASS"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.Repo.LatestReviewVerdict(env.Ctx, "proj-1"); err != repo.ErrNotFound {
		t.Fatalf("custom item produced a verdict: %v", err)
	}
}

func TestCompleteWorkCancelledDiscardsArtifact(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnqueueWork(env.Ctx, "proj-1", domain.KindLint, "", 0, "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item := claimOne(t, env, domain.KindLint)
	if _, err := env.Engine.Queue.Cancel(env.Ctx, item.ID, "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := env.Engine.CompleteWork(env.Ctx, item, dispatch.Result{Success: true, Output: "PASS"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.Repo.LatestValidation(env.Ctx, "proj-1", domain.KindLint); err != repo.ErrNotFound {
		t.Fatalf("cancelled item produced a validation record: %v", err)
	}
}

func TestPublishAlertValidatesLevel(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PublishAlert(env.Ctx, "proj-1", "panic", "bad", "ops"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if _, err := env.Engine.PublishAlert(env.Ctx, "proj-1", domain.LevelWarning, "disk filling up", "ops"); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestIngestValidationRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.IngestValidation(env.Ctx, "proj-1", "ai-review", "PASS", "", "tester"); err == nil {
		t.Fatal("ai-review is not a validation check kind")
	}
}

func TestSnapshotCoversAllProjects(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitProject(env.Ctx, "proj-2", "", "tester"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := env.Engine.IngestValidation(env.Ctx, "proj-1", domain.KindLint, "PASS", "", "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	snap, err := env.Engine.Snapshot(env.Ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Projects) != 2 {
		t.Fatalf("snapshot covers %d projects, want 2", len(snap.Projects))
	}
}
