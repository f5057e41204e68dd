package gateway

import (
	"errors"
	"time"
)

var (
	// ErrTimeout means the request exceeded its end-to-end budget
	ErrTimeout = errors.New("request timed out")
	// ErrBackendFailure wraps errors returned by the image backend
	ErrBackendFailure = errors.New("backend failure")
	// ErrInvalidBatch is returned for empty or oversized batches
	ErrInvalidBatch = errors.New("invalid batch")
)

// PredictionRequest is one prompt as admitted by the transport
type PredictionRequest struct {
	Prompt      string
	HighQuality bool
	ArrivalTime time.Time
}

// PredictionBatch is the ordered set of prompts from one client call
type PredictionBatch struct {
	// ID correlates logs and monitor rows; generated when empty
	ID       string
	Requests []PredictionRequest
}

// NewBatch stamps every request with the same arrival time
func NewBatch(id string, arrival time.Time, requests ...PredictionRequest) PredictionBatch {
	for i := range requests {
		requests[i].ArrivalTime = arrival
	}
	return PredictionBatch{ID: id, Requests: requests}
}

// Arrival is the arrival time of the first request
func (b PredictionBatch) Arrival() time.Time {
	if len(b.Requests) == 0 {
		return time.Time{}
	}
	return b.Requests[0].ArrivalTime
}

// Result carries one artifact per request, in request order
type Result struct {
	Artifacts []string
	// Placeholders counts images swapped for the content placeholder
	Placeholders int
	Generation   uint64
	ModelTime    time.Duration
	Duration     time.Duration
}

// State of the live execution slot as seen by the gateway
type State string

const (
	StateIdle      State = "idle"
	StateSubmitted State = "submitted"
	StateExecuting State = "executing"
)

// Stats are cumulative counters since startup
type Stats struct {
	Requests        int64  `json:"requests"`
	Completed       int64  `json:"completed"`
	Timeouts        int64  `json:"timeouts"`
	BackendFailures int64  `json:"backend_failures"`
	Rejected        int64  `json:"rejected"`
	Resubmissions   int64  `json:"resubmissions"`
	Replacements    int64  `json:"replacements"`
	AbandonedCalls  int64  `json:"abandoned_calls"`
	Generation      uint64 `json:"generation"`
}
