/*
Copyright © 2025 ALESSIO TONIOLO

constants.go defines all configuration defaults for the dreamgate gateway.
Update these values to change default behavior across all components.
*/
package config

import "time"

// =============================================================================
// TRANSPORT CONFIGURATION
// =============================================================================

const (
	// DefaultListenAddr is where the gateway accepts client requests
	DefaultListenAddr = ":8000"

	// DefaultKeepAliveTimeout is how long an idle keep-alive connection stays open
	DefaultKeepAliveTimeout = 60 * time.Second

	// DefaultReadHeaderTimeout bounds slow clients sending headers
	DefaultReadHeaderTimeout = 5 * time.Second

	// DefaultShutdownTimeout is how long in-flight requests get to finish on SIGTERM
	DefaultShutdownTimeout = 5 * time.Second
)

// =============================================================================
// GATEWAY CONFIGURATION
// =============================================================================

// Deadlines & Recovery
const (
	// DefaultRequestTimeout is the hard per-request deadline, measured from arrival
	DefaultRequestTimeout = 30 * time.Second

	// DefaultTolerableFailures is the number of deadline violations after which
	// the instance reports unhealthy. The counter never resets.
	DefaultTolerableFailures = 2

	// DefaultCountBackendFailures controls whether backend errors (not just
	// timeouts) count toward the health threshold
	DefaultCountBackendFailures = false
)

// Capacity
const (
	// DefaultQueueDepth is how many batches may wait behind the in-flight one
	// in a single slot generation before submissions are rejected
	DefaultQueueDepth = 64

	// DefaultMaxBatchSize is the largest batch accepted in one request
	DefaultMaxBatchSize = 16
)

// =============================================================================
// IMAGE GENERATION
// =============================================================================

const (
	// DefaultImageSize is the height and width of generated images
	DefaultImageSize = 512

	// DefaultStepsNormal is the inference step count for regular requests
	DefaultStepsNormal = 25

	// DefaultStepsHighQuality is the inference step count when the first
	// element of a batch asks for high quality
	DefaultStepsHighQuality = 50
)

// =============================================================================
// BACKEND CONFIGURATION
// =============================================================================

const (
	// DefaultBackend selects the backend adapter: "noise", "http" or "modal"
	DefaultBackend = "noise"

	// DefaultModalApp is the deployed Modal app holding the generate function
	DefaultModalApp = "dream"

	// DefaultModalFunction is the Modal function invoked per batch
	DefaultModalFunction = "generate"

	// DefaultBackendGeneratePath is appended to BACKEND_URL by the http backend
	DefaultBackendGeneratePath = "/generate"
)

// =============================================================================
// HTTP CLIENT CONFIGURATION
// =============================================================================

const (
	// DefaultMaxIdleConnsPerHost for the HTTP client connection pool
	DefaultMaxIdleConnsPerHost = 100

	// DefaultIdleConnTimeout for the HTTP client
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultClientTimeout is the timeout used by CLI commands talking to a gateway.
	// Kept above DefaultRequestTimeout so the gateway's 408 arrives first.
	DefaultClientTimeout = 120 * time.Second
)

// =============================================================================
// OBSERVABILITY
// =============================================================================

const (
	// DefaultMonitorEnabled records every request in the in-memory monitor table
	DefaultMonitorEnabled = true

	// DefaultMonitorRecentLimit is how many monitor rows /api/monitor returns
	DefaultMonitorRecentLimit = 50

	// DefaultLogLevel is the zap log level
	DefaultLogLevel = "info"

	// DefaultLogFormat is "json" or "console"
	DefaultLogFormat = "json"
)

// =============================================================================
// PROCESS MANAGEMENT
// =============================================================================

const (
	// AppName names the config directory and the binary
	AppName = "dreamgate"

	// DefaultPIDFileName is created in the config directory by `dreamgate serve`
	DefaultPIDFileName = "dreamgate.pid"
)
