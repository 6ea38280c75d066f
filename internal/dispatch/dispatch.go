// Package dispatch runs capability-classed worker pools against the queue.
// Each pool polls independently; the queue's atomic claim keeps items from
// being executed twice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gatekeeper/internal/domain"
	"gatekeeper/internal/queue"
)

// Result is what a worker produced for one item. Output is the raw tool
// report (or review document text for ai-review items).
type Result struct {
	Success bool
	Output  string
	LogRef  string
}

// Worker executes one work item. Execute must honor ctx: the dispatcher
// bounds every attempt with a per-item timeout.
type Worker interface {
	Capability() string
	Execute(ctx context.Context, item domain.WorkItem) (Result, error)
}

// Completer receives finished work. Implementations append the derived
// record or verdict and finalize the item in one transactionally consistent
// step.
type Completer interface {
	CompleteWork(ctx context.Context, item domain.WorkItem, res Result) error
}

type Dispatcher struct {
	Queue     *queue.Queue
	Completer Completer

	// Pools maps capability class to pool size. Kinds with no pool stay
	// queued until a capable dispatcher appears.
	Pools   map[string]int
	Workers map[string]Worker

	PollInterval  time.Duration
	SweepInterval time.Duration
	ItemTimeout   time.Duration
	MaxRetries    int
	Batch         int
}

func (d *Dispatcher) poll() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return 2 * time.Second
}

func (d *Dispatcher) sweep() time.Duration {
	if d.SweepInterval > 0 {
		return d.SweepInterval
	}
	return 30 * time.Second
}

// kindsFor inverts the kind-to-capability mapping for one capability class.
func kindsFor(capability string) []string {
	var kinds []string
	for _, kind := range []string{
		domain.KindLint, domain.KindBuild, domain.KindTest,
		domain.KindCoverage, domain.KindPerformance, domain.KindAIReview, domain.KindCustom,
	} {
		if domain.CapabilityFor(kind) == capability {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Run starts the pools and the liveness sweep and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for capability, size := range d.Pools {
		worker, ok := d.Workers[capability]
		if !ok || size <= 0 {
			continue
		}
		kinds := kindsFor(capability)
		for i := 0; i < size; i++ {
			wg.Add(1)
			workerID := fmt.Sprintf("%s-%d", capability, i)
			go func() {
				defer wg.Done()
				d.runWorker(ctx, workerID, worker, kinds)
			}()
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runSweeper(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string, w Worker, kinds []string) {
	ticker := time.NewTicker(d.poll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		batch := d.Batch
		if batch <= 0 {
			batch = 1
		}
		items, err := d.Queue.DequeueBatch(ctx, workerID, kinds, batch)
		if err != nil {
			log.Printf("dispatch: dequeue (%s): %v", workerID, err)
			continue
		}
		for _, item := range items {
			d.execute(ctx, workerID, w, item)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, workerID string, w Worker, item domain.WorkItem) {
	attemptCtx := ctx
	if d.ItemTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.ItemTimeout)
		defer cancel()
	}
	res, err := w.Execute(attemptCtx, item)
	if err != nil {
		// A worker with no command for this class cannot make progress;
		// the item goes back untouched for a capable dispatcher instead of
		// burning retries.
		var noCmd *NoCommandError
		if errors.As(err, &noCmd) {
			if rerr := d.Queue.ReturnToQueue(ctx, item.ID, workerID); rerr != nil {
				log.Printf("dispatch: return %s: %v", item.ID, rerr)
			}
			return
		}
		if _, ferr := d.Queue.Fail(ctx, item.ID, workerID, err.Error(), d.MaxRetries); ferr != nil {
			log.Printf("dispatch: fail %s: %v", item.ID, ferr)
		}
		return
	}
	if err := d.Completer.CompleteWork(ctx, item, res); err != nil {
		log.Printf("dispatch: complete %s: %v", item.ID, err)
	}
}

func (d *Dispatcher) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.sweep())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requeued, failed, err := d.Queue.SweepStale(ctx, d.ItemTimeout, d.MaxRetries)
		if err != nil {
			log.Printf("dispatch: sweep: %v", err)
			continue
		}
		if requeued > 0 || failed > 0 {
			log.Printf("dispatch: sweep reclaimed %d, failed %d", requeued, failed)
		}
	}
}
