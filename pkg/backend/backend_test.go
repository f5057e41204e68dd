package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSize(t *testing.T, encoded []byte) (int, int) {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestNoiseAdapterGeneratesOneImagePerPrompt(t *testing.T) {
	adapter := NewNoiseAdapter(0)
	images, err := adapter.Generate(context.Background(), GenerateParams{
		Prompts: []string{"a", "b", "c"},
		Steps:   25,
		Width:   64,
		Height:  32,
	})
	require.NoError(t, err)
	require.Len(t, images, 3)
	for _, img := range images {
		w, h := decodeSize(t, img.PNG)
		assert.Equal(t, 64, w)
		assert.Equal(t, 32, h)
		assert.False(t, img.NSFW)
	}
	assert.True(t, SupportsCancellation(adapter))
}

func TestNoiseAdapterHonoursCancellation(t *testing.T) {
	adapter := NewNoiseAdapter(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := adapter.Generate(ctx, GenerateParams{Prompts: []string{"a"}, Width: 8, Height: 8})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNoiseAdapterRejectsInvalidSize(t *testing.T) {
	_, err := NewNoiseAdapter(0).Generate(context.Background(), GenerateParams{Prompts: []string{"a"}})
	assert.Error(t, err)
}

func TestPlaceholderSubstitutesFlaggedImages(t *testing.T) {
	placeholder := NewPlaceholder(256, 256)
	images := []Image{
		{PNG: []byte("kept")},
		{PNG: []byte("flagged"), NSFW: true},
	}

	replaced, err := placeholder.Substitute(images)
	require.NoError(t, err)
	assert.Equal(t, 1, replaced)
	assert.Equal(t, []byte("kept"), images[0].PNG)

	w, h := decodeSize(t, images[1].PNG)
	assert.Equal(t, 256, w)
	assert.Equal(t, 256, h)

	again, err := placeholder.PNG()
	require.NoError(t, err)
	assert.Equal(t, images[1].PNG, again)
}

func TestPlaceholderInvalidSize(t *testing.T) {
	_, err := NewPlaceholder(0, 10).PNG()
	assert.Error(t, err)
}

func TestDecodeDataURI(t *testing.T) {
	uri := EncodeDataURI([]byte{0x89, 'P', 'N', 'G'})
	assert.Contains(t, uri, "data:image/png;base64,")

	decoded, err := DecodeDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, decoded)

	bare, err := DecodeDataURI("iVBORw==")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, bare)

	_, err = DecodeDataURI("data:image/png,notbase64")
	assert.ErrorIs(t, err, ErrBackendProtocol)

	_, err = DecodeDataURI("***")
	assert.ErrorIs(t, err, ErrBackendProtocol)
}

func TestHTTPAdapterGenerate(t *testing.T) {
	var received httpGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(httpGenerateResponse{
			Images: []string{EncodeDataURI([]byte("one")), EncodeDataURI([]byte("two"))},
			NSFW:   []bool{false, true},
		})
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL + "/")
	defer adapter.Close()

	images, err := adapter.Generate(context.Background(), GenerateParams{
		Prompts: []string{"a", "b"},
		Steps:   50,
		Width:   512,
		Height:  512,
	})
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, []byte("one"), images[0].PNG)
	assert.True(t, images[1].NSFW)
	assert.Equal(t, []string{"a", "b"}, received.Prompts)
	assert.Equal(t, 50, received.NumInferenceSteps)
}

func TestHTTPAdapterErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "cuda out of memory", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewHTTPAdapter(server.URL).Generate(context.Background(), GenerateParams{Prompts: []string{"a"}})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "cuda out of memory")

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()

	_, err = NewHTTPAdapter(garbage.URL).Generate(context.Background(), GenerateParams{Prompts: []string{"a"}})
	assert.ErrorIs(t, err, ErrBackendProtocol)
}

func TestHTTPAdapterCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewHTTPAdapter(server.URL).Generate(ctx, GenerateParams{Prompts: []string{"a"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}

func TestDecodeModalResult(t *testing.T) {
	images, err := decodeModalResult([]any{[]byte("raw"), EncodeDataURI([]byte("uri"))})
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, []byte("raw"), images[0].PNG)
	assert.Equal(t, []byte("uri"), images[1].PNG)

	images, err = decodeModalResult(map[string]any{
		"images": []any{[]byte("x"), []byte("y")},
		"nsfw":   []any{true, false},
	})
	require.NoError(t, err)
	assert.True(t, images[0].NSFW)
	assert.False(t, images[1].NSFW)

	_, err = decodeModalResult("nope")
	assert.ErrorIs(t, err, ErrBackendProtocol)

	_, err = decodeModalResult(map[string]any{"pictures": []any{}})
	assert.ErrorIs(t, err, ErrBackendProtocol)

	_, err = decodeModalResult([]any{42})
	assert.ErrorIs(t, err, ErrBackendProtocol)
}
