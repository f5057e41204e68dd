package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atoniolo76/dreamgate/pkg/config"
)

// HTTPAdapter forwards each batch to a remote worker exposing a generate
// endpoint. The worker owns the model; this side only serializes calls.
type HTTPAdapter struct {
	endpoint   string
	httpClient *http.Client
}

type httpGenerateRequest struct {
	Prompts           []string `json:"prompts"`
	NumInferenceSteps int      `json:"num_inference_steps"`
	Height            int      `json:"height"`
	Width             int      `json:"width"`
}

type httpGenerateResponse struct {
	Images []string `json:"images"`
	NSFW   []bool   `json:"nsfw,omitempty"`
}

// NewHTTPAdapter targets baseURL + /generate. The client has no timeout of its
// own: deadlines come from the context handed to Generate.
func NewHTTPAdapter(baseURL string) *HTTPAdapter {
	return &HTTPAdapter{
		endpoint: strings.TrimRight(baseURL, "/") + config.DefaultBackendGeneratePath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: config.DefaultMaxIdleConnsPerHost,
				IdleConnTimeout:     config.DefaultIdleConnTimeout,
			},
		},
	}
}

func (a *HTTPAdapter) Name() string { return "http" }

func (a *HTTPAdapter) SupportsCancellation() bool { return true }

func (a *HTTPAdapter) Generate(ctx context.Context, params GenerateParams) ([]Image, error) {
	body, err := json.Marshal(httpGenerateRequest{
		Prompts:           params.Prompts,
		NumInferenceSteps: params.Steps,
		Height:            params.Height,
		Width:             params.Width,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, a.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response after %v: %v", ErrBackendUnavailable, time.Since(start), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: worker returned status %d: %s", ErrBackendUnavailable, resp.StatusCode, truncate(string(raw), 256))
	}

	var decoded httpGenerateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: invalid generate response: %v", ErrBackendProtocol, err)
	}
	if len(decoded.NSFW) > 0 && len(decoded.NSFW) != len(decoded.Images) {
		return nil, fmt.Errorf("%w: %d nsfw flags for %d images", ErrBackendProtocol, len(decoded.NSFW), len(decoded.Images))
	}

	images := make([]Image, len(decoded.Images))
	for i, encoded := range decoded.Images {
		png, err := DecodeDataURI(encoded)
		if err != nil {
			return nil, err
		}
		images[i] = Image{PNG: png}
		if len(decoded.NSFW) > 0 {
			images[i].NSFW = decoded.NSFW[i]
		}
	}
	return images, nil
}

func (a *HTTPAdapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
