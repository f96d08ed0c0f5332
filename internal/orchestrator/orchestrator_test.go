package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crmtowfirma/internal/billing"
)

func okRun(counts map[string]int) RunFunc {
	return func(context.Context) (*billing.Report, error) {
		r := billing.NewReport()
		for k, v := range counts {
			r.Counts[k] = v
		}
		return r, nil
	}
}

func TestTriggerRunsCycleAndRecordsHistory(t *testing.T) {
	o := New(time.Minute)
	o.Register("settlement", time.Minute, okRun(map[string]int{"paid": 2}))

	rec, ok := o.Trigger(context.Background(), "settlement")
	if !ok {
		t.Fatal("cycle not found")
	}
	if rec.State != StateSuccess || rec.Trigger != TriggerManual {
		t.Errorf("record = %+v, want manual success", rec)
	}
	if rec.Counts["paid"] != 2 {
		t.Errorf("counts = %v, want paid=2", rec.Counts)
	}
	if rec.ID == "" {
		t.Error("run record must carry an id")
	}

	statuses := o.Status()
	if len(statuses) != 1 || statuses[0].Name != "settlement" {
		t.Fatalf("statuses = %+v, want one settlement cycle", statuses)
	}
	if len(statuses[0].History) != 1 || statuses[0].History[0].ID != rec.ID {
		t.Errorf("history = %+v, want the run just finished", statuses[0].History)
	}
}

func TestTriggerUnknownCycle(t *testing.T) {
	o := New(time.Minute)
	if _, ok := o.Trigger(context.Background(), "nope"); ok {
		t.Error("unknown cycle must not report success")
	}
}

func TestConcurrentTriggerIsSkippedNotQueued(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	o := New(time.Minute)
	o.Register("slow", time.Minute, func(context.Context) (*billing.Report, error) {
		calls.Add(1)
		close(started)
		<-release
		return billing.NewReport(), nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Trigger(context.Background(), "slow")
	}()
	<-started

	rec, ok := o.Trigger(context.Background(), "slow")
	if !ok {
		t.Fatal("cycle not found")
	}
	if rec.State != StateSkipped {
		t.Errorf("state = %s, want skipped", rec.State)
	}

	close(release)
	wg.Wait()

	// Пропущенный запуск не должен выполниться после освобождения цикла.
	if got := calls.Load(); got != 1 {
		t.Errorf("run calls = %d, want 1 (skipped run must not queue)", got)
	}

	history := o.Status()[0].History
	if len(history) != 2 {
		t.Fatalf("history = %+v, want skipped and success entries", history)
	}
}

func TestTimerFailureRetriesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	o := New(10 * time.Millisecond)
	o.Register("flaky", time.Minute, func(context.Context) (*billing.Report, error) {
		calls.Add(1)
		return nil, errors.New("upstream down")
	})

	o.mu.Lock()
	c := o.cycles["flaky"]
	o.mu.Unlock()
	o.execute(context.Background(), c, TriggerTimer)

	// Повтор тоже провалится, но второго повтора быть не должно.
	deadline := time.After(500 * time.Millisecond)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("retry never fired, calls = %d", calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want exactly 2 (one run, one retry)", got)
	}

	history := o.Status()[0].History
	if len(history) != 2 {
		t.Fatalf("history = %+v, want two failed runs", history)
	}
	if history[0].Trigger != TriggerRetry || history[0].State != StateFailed {
		t.Errorf("latest run = %+v, want failed retry", history[0])
	}
}

func TestManualFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	o := New(10 * time.Millisecond)
	o.Register("flaky", time.Minute, func(context.Context) (*billing.Report, error) {
		calls.Add(1)
		return nil, errors.New("upstream down")
	})

	rec, _ := o.Trigger(context.Background(), "flaky")
	if rec.State != StateFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}
	if len(rec.Errors) == 0 {
		t.Error("failed run must carry the error")
	}

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (manual failure must not retry)", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	o := New(time.Minute)
	o.Register("busy", time.Minute, okRun(nil))

	for i := 0; i < historySize+10; i++ {
		o.Trigger(context.Background(), "busy")
	}

	history := o.Status()[0].History
	if len(history) != historySize {
		t.Errorf("history length = %d, want %d", len(history), historySize)
	}
}

func TestOnRunFinishedSeesEveryOutcome(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	o := New(time.Minute)
	o.OnRunFinished = func(rec RunRecord) {
		mu.Lock()
		seen = append(seen, rec.State)
		mu.Unlock()
	}

	started := make(chan struct{})
	release := make(chan struct{})
	o.Register("slow", time.Minute, func(context.Context) (*billing.Report, error) {
		close(started)
		<-release
		return billing.NewReport(), nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Trigger(context.Background(), "slow")
	}()
	<-started
	o.Trigger(context.Background(), "slow")
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("seen = %v, want skipped and success", seen)
	}
	if seen[0] != StateSkipped || seen[1] != StateSuccess {
		t.Errorf("seen = %v, want [skipped success]", seen)
	}
}
