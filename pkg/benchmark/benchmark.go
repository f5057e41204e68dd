// Package benchmark drives load against a running gateway: a fixed number of
// simulated users each send predict requests back to back, like a locust
// HttpUser with a single task.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atoniolo76/dreamgate/pkg/api"
	"github.com/atoniolo76/dreamgate/pkg/client"
	"github.com/atoniolo76/dreamgate/pkg/logs"
)

// DefaultPrompt is the prompt every simulated user sends
const DefaultPrompt = "A purple cloud with Lightning"

// Predictor is the slice of the gateway client the runner needs
type Predictor interface {
	Predict(ctx context.Context, batch []api.SingleRequest) ([]string, error)
}

type Config struct {
	Users int
	// Requests caps the total number of requests; 0 means run for Duration
	Requests int
	// Duration caps the run; 0 means stop after Requests
	Duration    time.Duration
	Prompt      string
	HighQuality bool
	BatchSize   int
	Logger      *zap.Logger
}

type Report struct {
	Requests  int           `json:"requests"`
	Succeeded int           `json:"succeeded"`
	TimedOut  int           `json:"timed_out"`
	Busy      int           `json:"busy"`
	Failed    int           `json:"failed"`
	Bytes     uint64        `json:"bytes"`
	Elapsed   time.Duration `json:"elapsed"`
	Min       time.Duration `json:"min"`
	Mean      time.Duration `json:"mean"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
	Max       time.Duration `json:"max"`
}

type sample struct {
	latency time.Duration
	bytes   int
	err     error
}

// Run blocks until the request budget or the duration is spent, or ctx ends
func Run(ctx context.Context, predictor Predictor, cfg Config) (*Report, error) {
	if cfg.Users < 1 {
		return nil, errors.New("users must be at least 1")
	}
	if cfg.Requests <= 0 && cfg.Duration <= 0 {
		return nil, errors.New("either requests or duration must be set")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	logger := logs.OrNop(cfg.Logger).Named("benchmark")

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	batch := make([]api.SingleRequest, cfg.BatchSize)
	for i := range batch {
		batch[i] = api.Dream(cfg.Prompt, cfg.HighQuality)
	}

	var (
		issued  atomic.Int64
		mu      sync.Mutex
		samples []sample
	)
	next := func() bool {
		if ctx.Err() != nil {
			return false
		}
		if cfg.Requests <= 0 {
			return true
		}
		return issued.Add(1) <= int64(cfg.Requests)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for user := 0; user < cfg.Users; user++ {
		g.Go(func() error {
			for next() {
				begin := time.Now()
				artifacts, err := predictor.Predict(gctx, batch)
				if err != nil && gctx.Err() != nil {
					// the run ended mid-request; not a gateway failure
					return nil
				}
				s := sample{latency: time.Since(begin), err: err}
				for _, a := range artifacts {
					s.bytes += len(a)
				}
				if err != nil {
					logger.Debug("benchmark_request_failed", zap.Int("user", user), zap.Error(err))
				}
				mu.Lock()
				samples = append(samples, s)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := summarize(samples, time.Since(start))
	logger.Info("benchmark_finished",
		zap.Int("requests", report.Requests),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("timed_out", report.TimedOut),
		zap.Duration("p50", report.P50),
	)
	return report, nil
}

func summarize(samples []sample, elapsed time.Duration) *Report {
	report := &Report{Requests: len(samples), Elapsed: elapsed}
	var latencies []time.Duration
	for _, s := range samples {
		switch {
		case s.err == nil:
			report.Succeeded++
			report.Bytes += uint64(s.bytes)
			latencies = append(latencies, s.latency)
		case errors.Is(s.err, client.ErrTimedOut):
			report.TimedOut++
		case errors.Is(s.err, client.ErrBusy):
			report.Busy++
		default:
			report.Failed++
		}
	}
	if len(latencies) == 0 {
		return report
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	report.Min = latencies[0]
	report.Max = latencies[len(latencies)-1]
	report.Mean = total / time.Duration(len(latencies))
	report.P50 = percentile(latencies, 50)
	report.P95 = percentile(latencies, 95)
	report.P99 = percentile(latencies, 99)
	return report
}

// percentile uses nearest-rank on sorted input
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// RequestsPerSecond is the completed request rate
func (r *Report) RequestsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Requests:   %s in %v (%.2f req/s)\n", humanize.Comma(int64(r.Requests)), r.Elapsed.Round(time.Millisecond), r.RequestsPerSecond())
	fmt.Fprintf(&b, "Succeeded:  %s\n", humanize.Comma(int64(r.Succeeded)))
	fmt.Fprintf(&b, "Timed out:  %s\n", humanize.Comma(int64(r.TimedOut)))
	fmt.Fprintf(&b, "Busy:       %s\n", humanize.Comma(int64(r.Busy)))
	fmt.Fprintf(&b, "Failed:     %s\n", humanize.Comma(int64(r.Failed)))
	fmt.Fprintf(&b, "Received:   %s\n", humanize.Bytes(r.Bytes))
	if r.Succeeded > 0 {
		fmt.Fprintf(&b, "Latency:    min %v  mean %v  p50 %v  p95 %v  p99 %v  max %v\n",
			r.Min.Round(time.Millisecond), r.Mean.Round(time.Millisecond), r.P50.Round(time.Millisecond),
			r.P95.Round(time.Millisecond), r.P99.Round(time.Millisecond), r.Max.Round(time.Millisecond))
	}
	return b.String()
}
