package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math/rand/v2"
	"time"
)

// NoiseAdapter stands in for the model on machines without an accelerator:
// every prompt yields an image of uniform random RGB noise. An optional
// latency makes it useful for exercising deadlines.
type NoiseAdapter struct {
	latency time.Duration
}

func NewNoiseAdapter(latency time.Duration) *NoiseAdapter {
	return &NoiseAdapter{latency: latency}
}

func (a *NoiseAdapter) Name() string { return "noise" }

func (a *NoiseAdapter) SupportsCancellation() bool { return true }

func (a *NoiseAdapter) Generate(ctx context.Context, params GenerateParams) ([]Image, error) {
	if params.Width <= 0 || params.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", params.Width, params.Height)
	}

	if a.latency > 0 {
		timer := time.NewTimer(a.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	images := make([]Image, len(params.Prompts))
	for i := range params.Prompts {
		encoded, err := noisePNG(params.Width, params.Height)
		if err != nil {
			return nil, err
		}
		images[i] = Image{PNG: encoded}
	}
	return images, nil
}

func (a *NoiseAdapter) Close() error { return nil }

func noisePNG(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		rgb := rand.Uint32()
		img.Pix[i] = byte(rgb)
		img.Pix[i+1] = byte(rgb >> 8)
		img.Pix[i+2] = byte(rgb >> 16)
		img.Pix[i+3] = 0xff
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode noise image: %w", err)
	}
	return buf.Bytes(), nil
}
