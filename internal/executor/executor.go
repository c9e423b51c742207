// Package executor runs a batch of tasks on at most K workers, each task
// racing its own deadline.
package executor

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	logx "storyloom/pkg/logx"
)

var ErrTimeout = errors.New("executor: task timed out")

// Task is one unit of work. Run receives a context carrying the task
// deadline; Run implementations that ignore it are still abandoned at the
// deadline and their late result is discarded.
type Task[T any] struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (T, error)
	// OnTimeout builds the designated timed-out value. Optional.
	OnTimeout func(elapsed time.Duration) T
}

type Result[T any] struct {
	Value    T
	Err      error
	TimedOut bool
	Duration time.Duration
}

// Run executes tasks with concurrency k and returns results in input order.
// Workers pull from a shared atomic index until it is exhausted. Once ctx
// ends, tasks not yet started are reported as timed out without running.
func Run[T any](ctx context.Context, tasks []Task[T], k int, log logx.Logger) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if k < 1 {
		k = 1
	}
	if k > len(tasks) {
		k = len(tasks)
	}

	var (
		next atomic.Int64
		g    errgroup.Group
	)
	for w := 0; w < k; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1) - 1)
				if i >= len(tasks) {
					return nil
				}
				results[i] = runOne(ctx, tasks[i], log)
			}
		})
	}
	_ = g.Wait()
	return results
}

type outcome[T any] struct {
	v   T
	err error
}

func runOne[T any](ctx context.Context, t Task[T], log logx.Logger) Result[T] {
	start := time.Now()
	if ctx.Err() != nil {
		return timedOut(t, 0, errors.Wrap(ErrTimeout, "tick budget exhausted before start"))
	}

	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if t.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, t.Timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Buffered so an abandoned task can still finish and exit.
	done := make(chan outcome[T], 1)
	go func() {
		var o outcome[T]
		defer func() {
			if r := recover(); r != nil {
				log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				o.err = errors.Newf("panic: %v", r)
			}
			done <- o
		}()
		o.v, o.err = t.Run(taskCtx)
	}()

	select {
	case o := <-done:
		return Result[T]{Value: o.v, Err: o.err, Duration: time.Since(start)}
	case <-taskCtx.Done():
		select {
		case o := <-done:
			return Result[T]{Value: o.v, Err: o.err, Duration: time.Since(start)}
		default:
		}
		elapsed := time.Since(start)
		cause := ErrTimeout
		if ctx.Err() != nil {
			cause = errors.Wrap(ErrTimeout, "tick budget exhausted")
		}
		log.Warn("task.timeout", logx.String("task", t.Name), logx.Duration("elapsed", elapsed), logx.Duration("timeout", t.Timeout))
		return timedOut(t, elapsed, cause)
	}
}

func timedOut[T any](t Task[T], elapsed time.Duration, err error) Result[T] {
	var v T
	if t.OnTimeout != nil {
		v = t.OnTimeout(elapsed)
	}
	return Result[T]{Value: v, Err: err, TimedOut: true, Duration: elapsed}
}
