package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/modal-labs/libmodal/modal-go"
)

// ModalAdapter invokes a deployed Modal function once per batch. The function
// receives keyword arguments prompts, num_inference_steps, height and width and
// returns either a list of images or {"images": [...], "nsfw": [...]}. Images
// may be raw bytes, base64 strings or PNG data URIs.
//
// Cancelling ctx stops the local wait; the remote call may keep running until
// Modal's own function timeout.
type ModalAdapter struct {
	appName      string
	functionName string
	environment  string

	mu       sync.Mutex
	client   *modal.Client
	function *modal.Function
}

func NewModalAdapter(appName, functionName, environment string) *ModalAdapter {
	return &ModalAdapter{
		appName:      appName,
		functionName: functionName,
		environment:  environment,
	}
}

func (a *ModalAdapter) Name() string { return "modal" }

func (a *ModalAdapter) SupportsCancellation() bool { return true }

// lookup resolves the Modal client and function once and caches them
func (a *ModalAdapter) lookup(ctx context.Context) (*modal.Function, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.function != nil {
		return a.function, nil
	}
	if a.client == nil {
		client, err := modal.NewClient()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create Modal client: %v", ErrBackendUnavailable, err)
		}
		a.client = client
	}

	function, err := a.client.Functions.FromName(ctx, a.appName, a.functionName, &modal.FunctionFromNameParams{
		Environment: a.environment,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: modal function %s/%s: %v", ErrBackendUnavailable, a.appName, a.functionName, err)
	}
	a.function = function
	return function, nil
}

func (a *ModalAdapter) Generate(ctx context.Context, params GenerateParams) ([]Image, error) {
	function, err := a.lookup(ctx)
	if err != nil {
		return nil, err
	}

	prompts := make([]any, len(params.Prompts))
	for i, prompt := range params.Prompts {
		prompts[i] = prompt
	}
	result, err := function.Remote(ctx, nil, map[string]any{
		"prompts":             prompts,
		"num_inference_steps": params.Steps,
		"height":              params.Height,
		"width":               params.Width,
	})
	if err != nil {
		return nil, fmt.Errorf("modal function %s/%s failed: %w", a.appName, a.functionName, err)
	}
	return decodeModalResult(result)
}

func (a *ModalAdapter) Close() error { return nil }

func decodeModalResult(result any) ([]Image, error) {
	var (
		rawImages []any
		rawNSFW   []any
	)
	switch value := result.(type) {
	case []any:
		rawImages = value
	case map[string]any:
		images, ok := value["images"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: modal result has no images list", ErrBackendProtocol)
		}
		rawImages = images
		if flags, ok := value["nsfw"].([]any); ok {
			rawNSFW = flags
		}
	default:
		return nil, fmt.Errorf("%w: unexpected modal result type %T", ErrBackendProtocol, result)
	}

	images := make([]Image, len(rawImages))
	for i, raw := range rawImages {
		switch encoded := raw.(type) {
		case []byte:
			images[i].PNG = encoded
		case string:
			png, err := DecodeDataURI(encoded)
			if err != nil {
				return nil, err
			}
			images[i].PNG = png
		default:
			return nil, fmt.Errorf("%w: image %d has type %T", ErrBackendProtocol, i, raw)
		}
		if i < len(rawNSFW) {
			flag, _ := rawNSFW[i].(bool)
			images[i].NSFW = flag
		}
	}
	return images, nil
}
