package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kestrelhq/belfry/internal/metrics"
)

// job is one registered periodic task.
type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	busy     atomic.Bool
}

// Runner owns the process-wide periodic background jobs. Each job gets its
// own ticker and an immediate first run on start. A cycle that is still
// running when its next tick arrives causes that tick to be skipped
// entirely, never queued, so slow storage cannot pile up overlapping
// cycles. Stop cancels the tickers and waits for in-flight cycles to finish
// naturally; nothing is interrupted mid-cycle.
type Runner struct {
	jobs   []*job
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates an empty job runner.
func NewRunner(clock clockwork.Clock, logger *zap.Logger) *Runner {
	return &Runner{
		clock:    clock,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Add registers a periodic job. Must be called before Start.
func (r *Runner) Add(name string, interval time.Duration, run func(ctx context.Context)) {
	r.jobs = append(r.jobs, &job{
		name:     name,
		interval: interval,
		run:      run,
	})
}

// Start launches every registered job: one immediate run, then one run per
// interval tick.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("job runner already running")
	}
	r.running = true
	r.mu.Unlock()

	for _, j := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, j)

		r.logger.Info("job started",
			zap.String("job", j.name),
			zap.Duration("interval", j.interval),
		)
	}

	return nil
}

// Stop cancels all tickers and blocks until in-flight cycles complete.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("job runner not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	r.logger.Info("job runner stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context, j *job) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(j.interval)
	defer ticker.Stop()

	r.launch(ctx, j)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.Chan():
			r.launch(ctx, j)
		}
	}
}

// launch starts one cycle unless the previous cycle of the same job is
// still in flight, in which case the tick is dropped.
func (r *Runner) launch(ctx context.Context, j *job) {
	if !j.busy.CompareAndSwap(false, true) {
		r.logger.Warn("previous cycle still running, skipping tick",
			zap.String("job", j.name),
		)
		metrics.RecordJobCycleSkipped(j.name)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer j.busy.Store(false)
		j.run(ctx)
	}()
}
