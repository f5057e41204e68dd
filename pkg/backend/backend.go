// Package backend defines the boundary to the image-generation model and the
// adapters that implement it.
package backend

import (
	"context"
	"errors"
)

var (
	ErrBackendUnavailable = errors.New("image backend unavailable")
	ErrBackendProtocol    = errors.New("image backend protocol error")
)

// GenerateParams is one backend invocation. Every prompt in a batch is
// generated with the same step count and image size.
type GenerateParams struct {
	Prompts []string
	Steps   int
	Width   int
	Height  int
}

// Image is one generated picture, PNG encoded
type Image struct {
	PNG []byte
	// NSFW is set when the model's safety checker flagged the output
	NSFW bool
}

// Adapter is the model-serving call boundary. Generate is synchronous, has no
// latency bound and no internal concurrency control; callers serialize it.
// It must return exactly one Image per prompt, in order.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, params GenerateParams) ([]Image, error)
	Close() error
}

// Canceller is implemented by adapters whose Generate stops promptly when ctx
// is cancelled. Adapters without it may keep running after their caller has
// given up.
type Canceller interface {
	SupportsCancellation() bool
}

// SupportsCancellation reports whether a honours context cancellation
func SupportsCancellation(a Adapter) bool {
	c, ok := a.(Canceller)
	return ok && c.SupportsCancellation()
}
