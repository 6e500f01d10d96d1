package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

func TestRunner_RunsImmediatelyOnStart(t *testing.T) {
	r := NewRunner(clockwork.NewRealClock(), zap.NewNop())

	ran := make(chan struct{})
	r.Add("outbox", time.Hour, func(ctx context.Context) {
		close(ran)
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run immediately on start")
	}
}

func TestRunner_RunsOnEveryTick(t *testing.T) {
	r := NewRunner(clockwork.NewRealClock(), zap.NewNop())

	var runs atomic.Int32
	r.Add("outbox", 10*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d, want at least 3", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRunner_SkipsTickWhileCycleInFlight(t *testing.T) {
	r := NewRunner(clockwork.NewRealClock(), zap.NewNop())

	release := make(chan struct{})
	var starts atomic.Int32
	r.Add("reminders", 10*time.Millisecond, func(ctx context.Context) {
		starts.Add(1)
		<-release
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Several ticks pass while the first cycle blocks; none may start a
	// second concurrent cycle.
	time.Sleep(100 * time.Millisecond)
	if got := starts.Load(); got != 1 {
		t.Errorf("concurrent starts = %d, want 1", got)
	}

	close(release)
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRunner_StopWaitsForInFlightCycle(t *testing.T) {
	r := NewRunner(clockwork.NewRealClock(), zap.NewNop())

	started := make(chan struct{})
	var finished atomic.Bool
	r.Add("outbox", time.Hour, func(ctx context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if !finished.Load() {
		t.Error("Stop returned before the in-flight cycle finished")
	}
}

func TestRunner_RunsMultipleJobsIndependently(t *testing.T) {
	r := NewRunner(clockwork.NewRealClock(), zap.NewNop())

	ranA := make(chan struct{})
	ranB := make(chan struct{})
	r.Add("outbox", time.Hour, func(ctx context.Context) { close(ranA) })
	r.Add("reminders", time.Hour, func(ctx context.Context) { close(ranB) })

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	for name, ch := range map[string]chan struct{}{"outbox": ranA, "reminders": ranB} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("job %s did not run", name)
		}
	}
}

func TestRunner_StartTwiceFails(t *testing.T) {
	r := NewRunner(clockwork.NewRealClock(), zap.NewNop())
	r.Add("outbox", time.Hour, func(ctx context.Context) {})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestRunner_StopWithoutStartFails(t *testing.T) {
	r := NewRunner(clockwork.NewRealClock(), zap.NewNop())

	if err := r.Stop(); err == nil {
		t.Error("Stop before Start should fail")
	}
}
