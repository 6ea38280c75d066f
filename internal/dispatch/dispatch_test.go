package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gatekeeper/internal/db"
	"gatekeeper/internal/dispatch"
	"gatekeeper/internal/domain"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/migrate"
)

type stubWorker struct {
	capability string
	result     dispatch.Result
	err        error
}

func (w stubWorker) Capability() string { return w.capability }
func (w stubWorker) Execute(ctx context.Context, item domain.WorkItem) (dispatch.Result, error) {
	return w.result, w.err
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	if _, err := e.InitProject(context.Background(), "proj-1", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return e
}

func waitForStatus(t *testing.T, e *engine.Engine, id, want string) domain.WorkItem {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		item, err := e.Repo.GetWorkItem(context.Background(), id)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if item.Status == want {
			return item
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("item %s never reached status %s", id, want)
	return domain.WorkItem{}
}

func TestDispatcherRunsItemsThroughWorkers(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	item, err := e.EnqueueWork(ctx, "proj-1", domain.KindLint, "", 0, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := &dispatch.Dispatcher{
		Queue:     e.Queue,
		Completer: e,
		Pools:     map[string]int{"lint-worker": 1},
		Workers: map[string]dispatch.Worker{
			"lint-worker": stubWorker{capability: "lint-worker", result: dispatch.Result{Success: true, Output: "PASS\nwarnings: 0\n"}},
		},
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   1,
		Batch:        5,
	}
	go d.Run(ctx)

	done := waitForStatus(t, e, item.ID, domain.StatusCompleted)
	if done.AssignedWorker == nil || *done.AssignedWorker != "lint-worker-0" {
		t.Fatalf("assigned worker = %v", done.AssignedWorker)
	}
	rec, err := e.Repo.LatestValidation(ctx, "proj-1", domain.KindLint)
	if err != nil {
		t.Fatalf("latest validation: %v", err)
	}
	if rec.Status != domain.CheckPassed {
		t.Fatalf("record status = %s", rec.Status)
	}
}

func TestDispatcherWorkerErrorRetriesThenFails(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	item, err := e.EnqueueWork(ctx, "proj-1", domain.KindBuild, "", 0, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := &dispatch.Dispatcher{
		Queue:     e.Queue,
		Completer: e,
		Pools:     map[string]int{"build-worker": 1},
		Workers: map[string]dispatch.Worker{
			"build-worker": stubWorker{capability: "build-worker", err: errors.New("sandbox crashed")},
		},
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   1,
		Batch:        1,
	}
	go d.Run(ctx)

	failed := waitForStatus(t, e, item.ID, domain.StatusFailed)
	if failed.Retries != 1 {
		t.Fatalf("retries = %d, want 1", failed.Retries)
	}
	alerts, err := e.Repo.ListAlerts(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Level != domain.LevelError {
		t.Fatalf("expected one error alert, got %d", len(alerts))
	}
}

func TestDispatcherReturnsItemWhenCommandMissing(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	item, err := e.EnqueueWork(ctx, "proj-1", domain.KindLint, "", 0, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := &dispatch.Dispatcher{
		Queue:     e.Queue,
		Completer: e,
		Pools:     map[string]int{"lint-worker": 1},
		Workers: map[string]dispatch.Worker{
			"lint-worker": stubWorker{capability: "lint-worker", err: &dispatch.NoCommandError{Class: "lint-worker"}},
		},
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   1,
		Batch:        1,
	}
	go d.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	returned := false
	for !returned && time.Now().Before(deadline) {
		evts, err := e.Repo.LatestEvents(context.Background(), "proj-1", 20)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		for _, evt := range evts {
			if evt.Type == "work.returned" && evt.EntityID == item.ID {
				returned = true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !returned {
		t.Fatal("item was never returned to the queue")
	}
	cancel()

	got, err := e.Repo.GetWorkItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status == domain.StatusFailed {
		t.Fatal("item failed instead of returning to the queue")
	}
	if got.Retries != 0 {
		t.Fatalf("retries = %d, want 0", got.Retries)
	}
	alerts, err := e.Repo.ListAlerts(context.Background(), "proj-1", 10)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %d", len(alerts))
	}
}

func TestDispatcherIgnoresKindsWithoutPool(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	item, err := e.EnqueueWork(ctx, "proj-1", domain.KindTest, "", 0, "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := &dispatch.Dispatcher{
		Queue:     e.Queue,
		Completer: e,
		Pools:     map[string]int{"lint-worker": 1},
		Workers: map[string]dispatch.Worker{
			"lint-worker": stubWorker{capability: "lint-worker", result: dispatch.Result{Success: true, Output: "PASS"}},
		},
		PollInterval: 5 * time.Millisecond,
	}
	_ = d.Run(ctx)

	got, err := e.Repo.GetWorkItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want still queued", got.Status)
	}
}
