/*
Copyright © 2025 ALESSIO TONIOLO

slot.go implements the single-capacity execution slot that owns every call
into the image backend.

Each slot generation has one worker goroutine and a bounded FIFO queue, so at
most one Generate call runs per generation. When a call hangs, the gateway
retires the generation with Replace: queued and in-flight futures of the old
generation are cancelled, and a fresh generation with its own worker takes new
submissions immediately. The hung call itself is abandoned, not killed; its
goroutine exits whenever the backend returns.
*/
package slot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atoniolo76/dreamgate/pkg/backend"
	"github.com/atoniolo76/dreamgate/pkg/config"
	"github.com/atoniolo76/dreamgate/pkg/logs"
)

var (
	ErrSlotSaturated     = errors.New("execution slot saturated")
	ErrGenerationRetired = errors.New("execution slot generation retired")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrSlotClosed        = errors.New("execution slot closed")
	ErrBackendPanic      = errors.New("backend panicked")
)

// Config configures a Slot
type Config struct {
	// QueueDepth is how many jobs may wait behind the running one per generation
	QueueDepth int
	Logger     *zap.Logger
	// OnAbandoned is called when a call belonging to a retired generation
	// finally returns
	OnAbandoned func(generation uint64, jobID string, elapsed time.Duration, err error)
}

// Job is one batch to run on the slot
type Job struct {
	ID     string
	Params backend.GenerateParams
	// Deadline is re-checked right before the backend is invoked; expired jobs
	// are skipped. Zero means no deadline.
	Deadline time.Time
}

// Snapshot describes the current generation
type Snapshot struct {
	Generation uint64
	Queued     int
	Executing  bool
}

// Slot serializes backend calls and supports forced replacement
type Slot struct {
	adapter     backend.Adapter
	cfg         Config
	logger      *zap.Logger
	cancellable bool

	mu      sync.Mutex
	current *generation
	closed  bool
}

type generation struct {
	id      uint64
	queue   chan *Future
	retired chan struct{}
	queued  atomic.Int64
	running atomic.Pointer[Future]

	// callCtx is cancelled on retirement; only handed to adapters that
	// support cancellation
	callCtx context.Context
	cancel  context.CancelFunc
}

// New creates a slot and starts generation 1
func New(adapter backend.Adapter, cfg Config) (*Slot, error) {
	if adapter == nil {
		return nil, errors.New("adapter must not be nil")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = config.DefaultQueueDepth
	}
	s := &Slot{
		adapter:     adapter,
		cfg:         cfg,
		logger:      logs.OrNop(cfg.Logger).Named("slot"),
		cancellable: backend.SupportsCancellation(adapter),
	}
	s.current = s.startGeneration(1)
	if !s.cancellable {
		s.logger.Info("backend_not_cancellable",
			zap.String("adapter", adapter.Name()),
			zap.String("note", "calls abandoned by replacement keep running until the backend returns"),
		)
	}
	return s, nil
}

func (s *Slot) startGeneration(id uint64) *generation {
	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{
		id:      id,
		queue:   make(chan *Future, s.cfg.QueueDepth),
		retired: make(chan struct{}),
		callCtx: ctx,
		cancel:  cancel,
	}
	go s.run(g)
	return g
}

// Current returns the id of the live generation
func (s *Slot) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.id
}

// Snapshot reports queue depth and activity of the live generation
func (s *Slot) Snapshot() Snapshot {
	s.mu.Lock()
	g := s.current
	s.mu.Unlock()
	return Snapshot{
		Generation: g.id,
		Queued:     int(g.queued.Load()),
		Executing:  g.running.Load() != nil,
	}
}

// Submit enqueues job on the live generation. ctx is the caller's context:
// if it is done by the time the job reaches the front, the job is skipped.
func (s *Slot) Submit(ctx context.Context, job Job) (*Future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSlotClosed
	}
	g := s.current
	f := newFuture(ctx, g.id, job)

	g.queued.Add(1)
	select {
	case g.queue <- f:
		return f, nil
	default:
		g.queued.Add(-1)
		return nil, fmt.Errorf("%w: %d jobs queued on generation %d", ErrSlotSaturated, s.cfg.QueueDepth, g.id)
	}
}

// Await blocks until f completes or ctx is done. A ctx deadline maps to
// ErrDeadlineExceeded; the job keeps its place and may still run.
func (s *Slot) Await(ctx context.Context, f *Future) ([]backend.Image, error) {
	select {
	case <-f.done:
		return f.images, f.err
	case <-ctx.Done():
	}
	select {
	case <-f.done:
		return f.images, f.err
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ErrDeadlineExceeded
	}
	return nil, ctx.Err()
}

// Replace retires generation expected and installs a new one, but only if
// expected is still live. Concurrent callers that observed the same generation
// race here and exactly one wins.
func (s *Slot) Replace(expected uint64) bool {
	s.mu.Lock()
	if s.closed || s.current.id != expected {
		s.mu.Unlock()
		return false
	}
	old := s.current
	s.current = s.startGeneration(old.id + 1)
	next := s.current.id
	s.mu.Unlock()

	cancelled := s.retire(old)
	s.logger.Warn("slot_replaced",
		zap.Uint64("retired_generation", old.id),
		zap.Uint64("generation", next),
		zap.Int("cancelled_jobs", cancelled),
	)
	return true
}

// Close retires the live generation for good
func (s *Slot) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	g := s.current
	s.mu.Unlock()

	s.retire(g)
}

// retire must only be called once the generation is unreachable from Submit
func (s *Slot) retire(g *generation) int {
	close(g.retired)
	defer g.cancel()

	cancelled := 0
	if f := g.running.Load(); f != nil {
		if f.finish(nil, ErrGenerationRetired, StateCancelled) {
			cancelled++
		}
	}
	for {
		select {
		case f := <-g.queue:
			g.queued.Add(-1)
			if f.finish(nil, ErrGenerationRetired, StateCancelled) {
				cancelled++
			}
		default:
			return cancelled
		}
	}
}

func (s *Slot) run(g *generation) {
	for {
		select {
		case <-g.retired:
			return
		case f := <-g.queue:
			g.queued.Add(-1)
			s.execute(g, f)
		}
	}
}

func (s *Slot) execute(g *generation, f *Future) {
	g.running.Store(f)
	defer g.running.CompareAndSwap(f, nil)

	select {
	case <-g.retired:
		f.finish(nil, ErrGenerationRetired, StateCancelled)
		return
	default:
	}
	if err := f.ctx.Err(); err != nil {
		f.finish(nil, err, StateCancelled)
		return
	}
	if !f.job.Deadline.IsZero() && !time.Now().Before(f.job.Deadline) {
		f.finish(nil, ErrDeadlineExceeded, StateFailed)
		return
	}
	if !f.markExecuting() {
		return
	}

	callCtx := context.Background()
	if s.cancellable {
		callCtx = g.callCtx
	}

	start := time.Now()
	images, err := s.call(callCtx, f.job.Params)
	elapsed := time.Since(start)

	state := StateCompleted
	if err != nil {
		state = StateFailed
	}
	if f.finish(images, err, state) {
		return
	}

	// the future was cancelled while the backend was running
	fields := []zap.Field{
		zap.Uint64("generation", g.id),
		zap.String("job_id", f.job.ID),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Warn("abandoned_call_finished", fields...)
	if s.cfg.OnAbandoned != nil {
		s.cfg.OnAbandoned(g.id, f.job.ID, elapsed, err)
	}
}

func (s *Slot) call(ctx context.Context, params backend.GenerateParams) (images []backend.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("backend_panic_recovered", zap.Any("panic", r), zap.Stack("stack"))
			images, err = nil, fmt.Errorf("%w: %v", ErrBackendPanic, r)
		}
	}()
	return s.adapter.Generate(ctx, params)
}
