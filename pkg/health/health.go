// Package health tracks whether the gateway is still fit to serve.
//
// The failure counter only grows. Once it reaches the tolerable limit the
// process reports unhealthy and stays that way; an external supervisor is
// expected to restart it.
package health

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/atoniolo76/dreamgate/pkg/logs"
)

type Monitor struct {
	tolerable int64
	failures  atomic.Int64
	logger    *zap.Logger
}

// NewMonitor returns a monitor that turns unhealthy after tolerable failures.
// A tolerable value below 1 is treated as 1.
func NewMonitor(tolerable int, logger *zap.Logger) *Monitor {
	if tolerable < 1 {
		tolerable = 1
	}
	return &Monitor{
		tolerable: int64(tolerable),
		logger:    logs.OrNop(logger).Named("health"),
	}
}

// RecordFailure counts one failure and returns the new total
func (m *Monitor) RecordFailure() int {
	n := m.failures.Add(1)
	if n == m.tolerable {
		m.logger.Error("health_degraded",
			zap.Int64("failures", n),
			zap.Int64("tolerable", m.tolerable),
		)
	} else {
		m.logger.Warn("failure_recorded",
			zap.Int64("failures", n),
			zap.Int64("tolerable", m.tolerable),
		)
	}
	return int(n)
}

func (m *Monitor) IsHealthy() bool {
	return m.failures.Load() < m.tolerable
}

func (m *Monitor) Failures() int {
	return int(m.failures.Load())
}

func (m *Monitor) Tolerable() int {
	return int(m.tolerable)
}
