package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingReporter struct {
	mu   sync.Mutex
	errs map[string]error
}

func (r *recordingReporter) Report(task string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs == nil {
		r.errs = map[string]error{}
	}
	r.errs[task] = err
}

func TestPanicIsRecoveredAndReported(t *testing.T) {
	rep := &recordingReporter{}
	s := New(rep)
	var failed error
	task := s.Go(context.Background(), "boom", func(context.Context) error {
		panic("bad")
	}, func(err error) { failed = err })
	err := task.Wait()
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	if !errors.Is(failed, ErrPanic) {
		t.Fatalf("onFail not called with panic: %v", failed)
	}
	if !errors.Is(rep.errs["boom"], ErrPanic) {
		t.Fatalf("panic not reported: %v", rep.errs)
	}
}

func TestCancellationNotReported(t *testing.T) {
	rep := &recordingReporter{}
	s := New(rep)
	ctx, cancel := context.WithCancel(context.Background())
	called := false
	task := s.Go(ctx, "loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) { called = true })
	cancel()
	if err := task.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected %v", err)
	}
	if len(rep.errs) != 0 {
		t.Fatalf("cancellation should not be reported: %v", rep.errs)
	}
	if !called {
		t.Fatal("onFail should still run on cancellation")
	}
}

func TestSuccessfulTaskIsSilent(t *testing.T) {
	rep := &recordingReporter{}
	s := New(rep)
	for i := 0; i < 10; i++ {
		s.Go(context.Background(), "ok", func(context.Context) error { return nil }, func(error) {
			t.Error("onFail on success")
		})
	}
	s.Wait()
	if len(rep.errs) != 0 {
		t.Fatalf("unexpected reports: %v", rep.errs)
	}
}
