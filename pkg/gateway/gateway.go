/*
Copyright © 2025 ALESSIO TONIOLO

gateway.go admits prediction batches, runs them on the execution slot under an
end-to-end deadline and turns a missed deadline into a slot replacement plus a
recorded health failure.
*/
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/atoniolo76/dreamgate/pkg/backend"
	"github.com/atoniolo76/dreamgate/pkg/config"
	"github.com/atoniolo76/dreamgate/pkg/health"
	"github.com/atoniolo76/dreamgate/pkg/logs"
	"github.com/atoniolo76/dreamgate/pkg/monitor"
	"github.com/atoniolo76/dreamgate/pkg/slot"
)

const recordTimeout = 2 * time.Second

// Recorder stores one row per handled call. *monitor.DB satisfies it.
type Recorder interface {
	Record(ctx context.Context, e monitor.Entry) error
}

// Options tune a Gateway; zero values fall back to the config defaults
type Options struct {
	RequestTimeout       time.Duration
	ImageSize            int
	StepsNormal          int
	StepsHighQuality     int
	QueueDepth           int
	MaxBatchSize         int
	CountBackendFailures bool
	Logger               *zap.Logger
	Recorder             Recorder
}

// OptionsFromConfig maps the loaded configuration onto gateway options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RequestTimeout:       cfg.RequestTimeout,
		ImageSize:            cfg.ImageSize,
		StepsNormal:          cfg.StepsNormal,
		StepsHighQuality:     cfg.StepsHighQuality,
		QueueDepth:           cfg.QueueDepth,
		MaxBatchSize:         cfg.MaxBatchSize,
		CountBackendFailures: cfg.CountBackendFailures,
	}
}

func (o *Options) applyDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = config.DefaultRequestTimeout
	}
	if o.ImageSize <= 0 {
		o.ImageSize = config.DefaultImageSize
	}
	if o.StepsNormal <= 0 {
		o.StepsNormal = config.DefaultStepsNormal
	}
	if o.StepsHighQuality <= 0 {
		o.StepsHighQuality = config.DefaultStepsHighQuality
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = config.DefaultQueueDepth
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = config.DefaultMaxBatchSize
	}
}

// Gateway owns the execution slot and the health monitor it reports to
type Gateway struct {
	opts        Options
	adapter     backend.Adapter
	slot        *slot.Slot
	health      *health.Monitor
	placeholder *backend.Placeholder
	logger      *zap.Logger

	requests        atomic.Int64
	completed       atomic.Int64
	timeouts        atomic.Int64
	backendFailures atomic.Int64
	rejected        atomic.Int64
	resubmissions   atomic.Int64
	replacements    atomic.Int64
	abandoned       atomic.Int64
}

// New builds a gateway around adapter. The gateway closes the slot on Close;
// the adapter stays owned by the caller.
func New(adapter backend.Adapter, hm *health.Monitor, opts Options) (*Gateway, error) {
	if hm == nil {
		return nil, errors.New("health monitor must not be nil")
	}
	opts.applyDefaults()

	g := &Gateway{
		opts:        opts,
		adapter:     adapter,
		health:      hm,
		placeholder: backend.NewPlaceholder(opts.ImageSize, opts.ImageSize),
		logger:      logs.OrNop(opts.Logger).Named("gateway"),
	}
	s, err := slot.New(adapter, slot.Config{
		QueueDepth: opts.QueueDepth,
		Logger:     opts.Logger,
		OnAbandoned: func(uint64, string, time.Duration, error) {
			g.abandoned.Add(1)
		},
	})
	if err != nil {
		return nil, err
	}
	g.slot = s
	return g, nil
}

// Backend is the adapter name
func (g *Gateway) Backend() string { return g.adapter.Name() }

// Health exposes the injected monitor
func (g *Gateway) Health() *health.Monitor { return g.health }

func (g *Gateway) Timeout() time.Duration { return g.opts.RequestTimeout }

func (g *Gateway) Generation() uint64 { return g.slot.Current() }

func (g *Gateway) State() State {
	snap := g.slot.Snapshot()
	switch {
	case snap.Executing:
		return StateExecuting
	case snap.Queued > 0:
		return StateSubmitted
	default:
		return StateIdle
	}
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Requests:        g.requests.Load(),
		Completed:       g.completed.Load(),
		Timeouts:        g.timeouts.Load(),
		BackendFailures: g.backendFailures.Load(),
		Rejected:        g.rejected.Load(),
		Resubmissions:   g.resubmissions.Load(),
		Replacements:    g.replacements.Load(),
		AbandonedCalls:  g.abandoned.Load(),
		Generation:      g.slot.Current(),
	}
}

// Close stops accepting work
func (g *Gateway) Close() {
	g.slot.Close()
}

// Steps is the inference step count for a batch, decided by its first request
func (g *Gateway) Steps(batch PredictionBatch) int {
	if len(batch.Requests) > 0 && batch.Requests[0].HighQuality {
		return g.opts.StepsHighQuality
	}
	return g.opts.StepsNormal
}

// Handle runs batch on the slot and returns one artifact per request.
//
// The budget is RequestTimeout measured from the batch arrival time. A batch
// that is already over budget never reaches the backend. A batch that runs out
// of budget while waiting retires the slot generation it was submitted to and
// counts one health failure.
func (g *Gateway) Handle(ctx context.Context, batch PredictionBatch) (Result, error) {
	g.requests.Add(1)
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	logger := g.logger.With(zap.String("request_id", batch.ID), zap.Int("batch_size", len(batch.Requests)))

	if err := g.validate(batch); err != nil {
		g.rejected.Add(1)
		logger.Info("predict_rejected", zap.Error(err))
		g.record(batch, monitor.OutcomeRejected, 0, 0, g.slot.Current())
		return Result{}, err
	}

	arrival := batch.Arrival()
	if arrival.IsZero() {
		batch = NewBatch(batch.ID, time.Now(), batch.Requests...)
		arrival = batch.Arrival()
	}
	deadline := arrival.Add(g.opts.RequestTimeout)
	if remaining := time.Until(deadline); remaining <= 0 {
		g.timeouts.Add(1)
		failures := g.health.RecordFailure()
		logger.Warn("predict_timeout",
			zap.String("stage", "admission"),
			zap.Duration("waited", time.Since(arrival)),
			zap.Int("failures", failures),
		)
		g.record(batch, monitor.OutcomeTimeout, 0, time.Since(arrival), g.slot.Current())
		return Result{}, fmt.Errorf("%w: budget of %v spent before execution", ErrTimeout, g.opts.RequestTimeout)
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	job := slot.Job{
		ID: batch.ID,
		Params: backend.GenerateParams{
			Prompts: lo.Map(batch.Requests, func(r PredictionRequest, _ int) string { return r.Prompt }),
			Steps:   g.Steps(batch),
			Width:   g.opts.ImageSize,
			Height:  g.opts.ImageSize,
		},
		Deadline: deadline,
	}

	for {
		future, err := g.slot.Submit(ctx, job)
		if err != nil {
			logger.Warn("predict_submit_failed", zap.Error(err))
			return Result{}, err
		}
		logger.Debug("predict_submitted", zap.Uint64("generation", future.Generation()), zap.Int("steps", job.Params.Steps))

		images, err := g.slot.Await(ctx, future)
		switch {
		case err == nil:
			return g.complete(logger, batch, future, images)

		case errors.Is(err, slot.ErrGenerationRetired):
			if time.Now().Before(deadline) {
				g.resubmissions.Add(1)
				logger.Info("predict_resubmitted",
					zap.Uint64("retired_generation", future.Generation()),
					zap.Duration("remaining", time.Until(deadline)),
				)
				continue
			}
			return Result{}, g.timedOut(logger, batch, future)

		case errors.Is(err, slot.ErrDeadlineExceeded):
			return Result{}, g.timedOut(logger, batch, future)

		case errors.Is(err, context.Canceled):
			logger.Info("predict_cancelled", zap.Uint64("generation", future.Generation()))
			return Result{}, err

		default:
			return Result{}, g.backendFailed(logger, batch, future, err)
		}
	}
}

func (g *Gateway) validate(batch PredictionBatch) error {
	if len(batch.Requests) == 0 {
		return fmt.Errorf("%w: batch is empty", ErrInvalidBatch)
	}
	if len(batch.Requests) > g.opts.MaxBatchSize {
		return fmt.Errorf("%w: %d prompts exceeds the limit of %d", ErrInvalidBatch, len(batch.Requests), g.opts.MaxBatchSize)
	}
	return nil
}

func (g *Gateway) complete(logger *zap.Logger, batch PredictionBatch, future *slot.Future, images []backend.Image) (Result, error) {
	if len(images) != len(batch.Requests) {
		err := fmt.Errorf("backend returned %d images for %d prompts", len(images), len(batch.Requests))
		return Result{}, g.backendFailed(logger, batch, future, err)
	}

	replaced, err := g.placeholder.Substitute(images)
	if err != nil {
		return Result{}, g.backendFailed(logger, batch, future, err)
	}

	result := Result{
		Artifacts:    lo.Map(images, func(img backend.Image, _ int) string { return backend.EncodeDataURI(img.PNG) }),
		Placeholders: replaced,
		Generation:   future.Generation(),
		ModelTime:    future.ExecDuration(),
		Duration:     time.Since(batch.Arrival()),
	}
	g.completed.Add(1)
	logger.Info("predict_completed",
		zap.Uint64("generation", result.Generation),
		zap.Duration("model_time", result.ModelTime),
		zap.Duration("queue_wait", future.QueueWait()),
		zap.Duration("duration", result.Duration),
		zap.Int("placeholders", replaced),
	)
	g.record(batch, monitor.OutcomeCompleted, result.ModelTime, result.Duration, result.Generation)
	return result, nil
}

// timedOut retires the generation the job ran on, unless someone already did
func (g *Gateway) timedOut(logger *zap.Logger, batch PredictionBatch, future *slot.Future) error {
	g.timeouts.Add(1)
	replaced := g.slot.Replace(future.Generation())
	if replaced {
		g.replacements.Add(1)
	}
	failures := g.health.RecordFailure()

	logger.Warn("predict_timeout",
		zap.String("stage", future.State().String()),
		zap.Uint64("generation", future.Generation()),
		zap.Bool("replaced", replaced),
		zap.Uint64("current_generation", g.slot.Current()),
		zap.Int("failures", failures),
		zap.Bool("healthy", g.health.IsHealthy()),
	)
	g.record(batch, monitor.OutcomeTimeout, future.ExecDuration(), time.Since(batch.Arrival()), future.Generation())
	return fmt.Errorf("%w after %v", ErrTimeout, g.opts.RequestTimeout)
}

func (g *Gateway) backendFailed(logger *zap.Logger, batch PredictionBatch, future *slot.Future, cause error) error {
	g.backendFailures.Add(1)
	fields := []zap.Field{
		zap.Uint64("generation", future.Generation()),
		zap.Error(cause),
	}
	if g.opts.CountBackendFailures {
		fields = append(fields, zap.Int("failures", g.health.RecordFailure()))
	}
	logger.Error("predict_backend_failure", fields...)
	g.record(batch, monitor.OutcomeBackendFailure, future.ExecDuration(), time.Since(batch.Arrival()), future.Generation())
	return fmt.Errorf("%w: %w", ErrBackendFailure, cause)
}

func (g *Gateway) record(batch PredictionBatch, outcome string, modelTime, total time.Duration, generation uint64) {
	if g.opts.Recorder == nil {
		return
	}
	prompt := ""
	if len(batch.Requests) > 0 {
		prompt = batch.Requests[0].Prompt
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := g.opts.Recorder.Record(ctx, monitor.Entry{
		RequestID:    batch.ID,
		Prompt:       prompt,
		RequestCount: len(batch.Requests),
		ModelTime:    modelTime.Seconds(),
		GatewayTime:  total.Seconds(),
		Outcome:      outcome,
		Generation:   generation,
	})
	if err != nil {
		g.logger.Warn("monitor_record_failed", zap.String("request_id", batch.ID), zap.Error(err))
	}
}
