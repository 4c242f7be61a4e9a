package job

import (
	"context"
	"time"

	"github.com/knoom0/datanav-sub002/logger"
)

// Runner executes a created job through to its terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string, maxDuration time.Duration) (*RunResult, error)
}

// Dispatcher hands a created job off for execution. The default is
// in-process goroutines; tests and future external runners swap it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// GoDispatcher runs jobs on goroutines, each bounded by the load timeout.
// Continuation chains dispatch through here too, so a long sync becomes a
// sequence of bounded goroutines rather than one unbounded one.
type GoDispatcher struct {
	runner      Runner
	maxDuration time.Duration
	timeout     time.Duration
}

// NewGoDispatcher creates an in-process dispatcher. maxDuration bounds a
// single run; timeout bounds the goroutine's context overall.
func NewGoDispatcher(runner Runner, maxDuration, timeout time.Duration) *GoDispatcher {
	return &GoDispatcher{runner: runner, maxDuration: maxDuration, timeout: timeout}
}

// Dispatch starts the job on a new goroutine and returns immediately.
// Run errors already land on the job row; they are logged here because
// nobody else is waiting on this goroutine.
func (d *GoDispatcher) Dispatch(_ context.Context, jobID string) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if _, err := d.runner.Run(ctx, jobID, d.maxDuration); err != nil {
			logger.Errorw("Dispatched job failed", "job_id", jobID, "error", err)
		}
	}()
	return nil
}
