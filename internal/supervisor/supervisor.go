// Package supervisor runs background work as observable tasks. Failures and
// panics are recovered and forwarded to a Reporter instead of crashing the
// process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/example/rideshare/internal/observability"
)

// Reporter is the sink for failures of fire-and-forget work.
type Reporter interface {
	Report(task string, err error)
}

// LogReporter logs failures and counts them per task.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(task string, err error) {
	observability.TaskFailures.WithLabelValues(task).Inc()
	if r.Logger != nil {
		r.Logger.Error("background task failed", "task", task, "error", err)
	}
}

// ErrPanic wraps a recovered panic.
var ErrPanic = errors.New("task panicked")

// Task is a handle on one supervised goroutine.
type Task struct {
	Name string
	done chan struct{}
	err  error
}

// Done is closed when the task returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task returns and yields its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

type Supervisor struct {
	reporter Reporter
	wg       sync.WaitGroup
}

func New(r Reporter) *Supervisor {
	if r == nil {
		r = LogReporter{Logger: slog.Default()}
	}
	return &Supervisor{reporter: r}
}

// Go runs fn in its own goroutine. A non-nil error or a panic is reported
// unless it is the parent context being canceled; onFail, when given, runs
// for every failure including cancellation so callers can clean up whatever
// the task was working on.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error, onFail func(error)) *Task {
	t := &Task{Name: name, done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		t.err = run(ctx, fn)
		if t.err == nil {
			return
		}
		if !errors.Is(t.err, context.Canceled) {
			s.reporter.Report(name, t.err)
		}
		if onFail != nil {
			onFail(t.err)
		}
	}()
	return t
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Wait blocks until every task started so far has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }
