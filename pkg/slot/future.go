package slot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atoniolo76/dreamgate/pkg/backend"
)

// State is the lifecycle of a single submitted job
type State int32

const (
	StateSubmitted State = iota
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Future is the pending result of a submitted job. It completes exactly once.
type Future struct {
	ctx        context.Context
	generation uint64
	job        Job
	submitted  time.Time

	state   atomic.Int32
	started atomic.Int64

	once     sync.Once
	done     chan struct{}
	images   []backend.Image
	err      error
	finished time.Time
}

func newFuture(ctx context.Context, generation uint64, job Job) *Future {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Future{
		ctx:        ctx,
		generation: generation,
		job:        job,
		submitted:  time.Now(),
		done:       make(chan struct{}),
	}
}

func (f *Future) markExecuting() bool {
	if !f.state.CompareAndSwap(int32(StateSubmitted), int32(StateExecuting)) {
		return false
	}
	f.started.Store(time.Now().UnixNano())
	return true
}

// finish completes the future; false means it had already been completed
func (f *Future) finish(images []backend.Image, err error, state State) bool {
	won := false
	f.once.Do(func() {
		f.images = images
		f.err = err
		f.finished = time.Now()
		f.state.Store(int32(state))
		close(f.done)
		won = true
	})
	return won
}

// Generation is the slot generation the job was submitted to
func (f *Future) Generation() uint64 { return f.generation }

func (f *Future) JobID() string { return f.job.ID }

func (f *Future) State() State { return State(f.state.Load()) }

// Done is closed once the future has a result
func (f *Future) Done() <-chan struct{} { return f.done }

// QueueWait is the time spent between submission and the start of execution,
// or until completion for jobs that never ran
func (f *Future) QueueWait() time.Duration {
	if started := f.started.Load(); started != 0 {
		return time.Unix(0, started).Sub(f.submitted)
	}
	select {
	case <-f.done:
		return f.finished.Sub(f.submitted)
	default:
		return time.Since(f.submitted)
	}
}

// ExecDuration is how long the backend ran for this job. Zero if it never
// started; for an unfinished job it is the time elapsed so far.
func (f *Future) ExecDuration() time.Duration {
	started := f.started.Load()
	if started == 0 {
		return 0
	}
	select {
	case <-f.done:
		return f.finished.Sub(time.Unix(0, started))
	default:
		return time.Since(time.Unix(0, started))
	}
}
