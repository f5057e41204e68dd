// Package api holds the JSON shapes shared by the HTTP server and its client.
package api

import (
	"time"

	"github.com/atoniolo76/dreamgate/pkg/gateway"
	"github.com/atoniolo76/dreamgate/pkg/monitor"
)

const (
	PathHealth  = "/api/health"
	PathPredict = "/api/predict"
	PathStatus  = "/api/status"
	PathMonitor = "/api/monitor"

	// TimeoutDetail is the body detail of every 408 response
	TimeoutDetail = "Request timed out."
)

// SingleRequest is the legacy one-prompt body
type SingleRequest struct {
	Dream       *string `json:"dream" validate:"required"`
	HighQuality bool    `json:"high_quality"`
}

// BatchRequest carries several prompts; the first one decides quality
type BatchRequest struct {
	Batch []SingleRequest `json:"batch" validate:"required,dive"`
}

// Dream builds a SingleRequest
func Dream(prompt string, highQuality bool) SingleRequest {
	return SingleRequest{Dream: &prompt, HighQuality: highQuality}
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Detail string `json:"detail"`
}

type HealthCounters struct {
	Healthy   bool `json:"healthy"`
	Failures  int  `json:"failures"`
	Tolerable int  `json:"tolerable_failures"`
}

type StatusResponse struct {
	Backend        string         `json:"backend"`
	Generation     uint64         `json:"generation"`
	State          gateway.State  `json:"state"`
	Health         HealthCounters `json:"health"`
	Stats          gateway.Stats  `json:"stats"`
	RequestTimeout float64        `json:"request_timeout_seconds"`
	StartedAt      time.Time      `json:"started_at"`
}

type MonitorResponse struct {
	Summary monitor.Summary `json:"summary"`
	Recent  []monitor.Entry `json:"recent"`
}
