package collector_test

import (
	"context"
	"testing"
	"time"

	"gatekeeper/internal/collector"
	"gatekeeper/internal/config"
	"gatekeeper/internal/db"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/migrate"
)

type testEnv struct {
	Collector *collector.Collector
	Cfg       *config.Config
	Ctx       context.Context
	Clock     *time.Time
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
	return testEnv{Collector: eng.Collector, Cfg: config.Default("proj-1"), Ctx: ctx, Clock: &clock}
}

func record(t *testing.T, env testEnv, kind, raw string) domain.ValidationRecord {
	t.Helper()
	rec, err := env.Collector.Record(env.Ctx, env.Cfg, "proj-1", kind, raw, "", "tester")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	return rec
}

func TestRecordJSONReport(t *testing.T) {
	env := newTestEnv(t)
	rec := record(t, env, domain.KindLint, `{"status":"passed","metrics":{"warnings":"3"}}`)
	if rec.Status != domain.CheckPassed {
		t.Fatalf("status = %s, want passed", rec.Status)
	}
	if rec.Metrics["warnings"] != "3" {
		t.Fatalf("metrics = %v", rec.Metrics)
	}
}

func TestRecordLineOutput(t *testing.T) {
	env := newTestEnv(t)
	rec := record(t, env, domain.KindTest, "status: PASS\ntests: 42\nduration_seconds: 12.5\nnote: not a number\n")
	if rec.Status != domain.CheckPassed {
		t.Fatalf("status = %s, want passed", rec.Status)
	}
	if rec.Metrics["tests"] != "42" || rec.Metrics["duration_seconds"] != "12.5" {
		t.Fatalf("metrics = %v", rec.Metrics)
	}
	if _, ok := rec.Metrics["note"]; ok {
		t.Fatal("non-numeric metric survived parsing")
	}
}

func TestRecordBareStatusToken(t *testing.T) {
	env := newTestEnv(t)
	rec := record(t, env, domain.KindBuild, "OK\n")
	if rec.Status != domain.CheckPassed {
		t.Fatalf("status = %s, want passed", rec.Status)
	}
}

func TestRecordUnparsableFailsWithParseError(t *testing.T) {
	env := newTestEnv(t)
	for _, raw := range []string{"", "gibberish with no token", `{"not":"a report"}`} {
		rec := record(t, env, domain.KindLint, raw)
		if rec.Status != domain.CheckFailed {
			t.Fatalf("Record(%q) status = %s, want failed", raw, rec.Status)
		}
		if rec.Metrics["parse_error"] == "" {
			t.Fatalf("Record(%q) missing parse_error metric", raw)
		}
	}
}

func TestCoverageGateInclusiveBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Gate.Thresholds.CoverageMin = 70

	atLimit := record(t, env, domain.KindCoverage, `{"status":"passed","metrics":{"coverage":"70"}}`)
	if atLimit.Status != domain.CheckPassed {
		t.Fatalf("coverage at the limit should pass, got %s: %v", atLimit.Status, atLimit.Metrics)
	}
	below := record(t, env, domain.KindCoverage, `{"status":"passed","metrics":{"coverage":"69.9"}}`)
	if below.Status != domain.CheckFailed {
		t.Fatalf("coverage below minimum should fail, got %s", below.Status)
	}
	if below.Metrics["gate_violation"] == "" {
		t.Fatal("missing gate_violation metric")
	}
}

func TestDurationGate(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Gate.Thresholds.MaxBuildSeconds = 600

	ok := record(t, env, domain.KindBuild, `{"status":"passed","metrics":{"duration_seconds":"600"}}`)
	if ok.Status != domain.CheckPassed {
		t.Fatalf("build at the limit should pass, got %s", ok.Status)
	}
	slow := record(t, env, domain.KindBuild, `{"status":"passed","metrics":{"duration_seconds":"601"}}`)
	if slow.Status != domain.CheckFailed {
		t.Fatalf("build over the limit should fail, got %s", slow.Status)
	}
}

func TestGateNotAppliedToFailedOutput(t *testing.T) {
	env := newTestEnv(t)
	rec := record(t, env, domain.KindCoverage, `{"status":"failed","metrics":{"coverage":"10"}}`)
	if rec.Metrics["gate_violation"] != "" {
		t.Fatal("gate_violation set on an already failed record")
	}
}

func TestLatestStatusFreshness(t *testing.T) {
	env := newTestEnv(t)
	record(t, env, domain.KindLint, "PASS")
	*env.Clock = env.Clock.Add(30 * time.Minute)
	record(t, env, domain.KindBuild, "PASS")
	*env.Clock = env.Clock.Add(45 * time.Minute)

	status, err := env.Collector.LatestStatus(env.Ctx, env.Cfg, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := status.Checks[domain.KindLint].Status; got != collector.StatusStale {
		t.Fatalf("lint (75m old) = %s, want stale", got)
	}
	if got := status.Checks[domain.KindBuild].Status; got != domain.CheckPassed {
		t.Fatalf("build (45m old) = %s, want passed", got)
	}
	if got := status.Checks[domain.KindTest].Status; got != collector.StatusStale {
		t.Fatalf("test (never run) = %s, want stale", got)
	}
}

func TestLatestStatusNewestWins(t *testing.T) {
	env := newTestEnv(t)
	record(t, env, domain.KindLint, "FAIL")
	*env.Clock = env.Clock.Add(time.Minute)
	record(t, env, domain.KindLint, "PASS")

	status, err := env.Collector.LatestStatus(env.Ctx, env.Cfg, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := status.Checks[domain.KindLint].Status; got != domain.CheckPassed {
		t.Fatalf("lint = %s, want the newer passed record", got)
	}
}

func TestLatestStatusTiedTimestampNewestInsertWins(t *testing.T) {
	env := newTestEnv(t)
	record(t, env, domain.KindLint, "PASS")
	record(t, env, domain.KindLint, "FAIL")

	status, err := env.Collector.LatestStatus(env.Ctx, env.Cfg, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := status.Checks[domain.KindLint].Status; got != domain.CheckFailed {
		t.Fatalf("lint = %s, want the later failed record despite the shared timestamp", got)
	}
}
