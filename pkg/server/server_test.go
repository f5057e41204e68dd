package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoniolo76/dreamgate/pkg/api"
	"github.com/atoniolo76/dreamgate/pkg/backend"
	"github.com/atoniolo76/dreamgate/pkg/gateway"
	"github.com/atoniolo76/dreamgate/pkg/health"
	"github.com/atoniolo76/dreamgate/pkg/monitor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// hangingAdapter blocks on prompts listed in hang and echoes the rest
type hangingAdapter struct {
	hang    map[string]bool
	release chan struct{}
	fail    bool
}

func (a *hangingAdapter) Name() string { return "test" }

func (a *hangingAdapter) Close() error { return nil }

func (a *hangingAdapter) Generate(_ context.Context, params backend.GenerateParams) ([]backend.Image, error) {
	if a.fail {
		return nil, errors.New("worker exploded")
	}
	images := make([]backend.Image, len(params.Prompts))
	for i, p := range params.Prompts {
		if a.hang[p] {
			<-a.release
		}
		images[i] = backend.Image{PNG: []byte(p)}
	}
	return images, nil
}

type fixture struct {
	server  *Server
	gateway *gateway.Gateway
	health  *health.Monitor
	monitor *monitor.DB
}

func newFixture(t *testing.T, adapter backend.Adapter, timeout time.Duration) fixture {
	t.Helper()
	db, err := monitor.Open()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hm := health.NewMonitor(2, nil)
	gw, err := gateway.New(adapter, hm, gateway.Options{RequestTimeout: timeout, ImageSize: 64, Recorder: db})
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	return fixture{
		server:  New(gw, Options{Monitor: db}),
		gateway: gw,
		health:  hm,
		monitor: db,
	}
}

func (f fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://dream.example.com")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeArtifacts(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var artifacts []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifacts))
	decoded := make([]string, len(artifacts))
	for i, a := range artifacts {
		assert.Contains(t, a, "data:image/png;base64,")
		raw, err := backend.DecodeDataURI(a)
		require.NoError(t, err)
		decoded[i] = string(raw)
	}
	return decoded
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, time.Second)

	rec := f.do(t, http.MethodGet, api.PathHealth, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Body.String())

	f.health.RecordFailure()
	f.health.RecordFailure()
	rec = f.do(t, http.MethodGet, api.PathHealth, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", rec.Body.String())
}

func TestPredictBatch(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, time.Second)

	rec := f.do(t, http.MethodPost, api.PathPredict, api.BatchRequest{Batch: []api.SingleRequest{
		api.Dream("a red door", false),
		api.Dream("a blue door", true),
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"a red door", "a blue door"}, decodeArtifacts(t, rec))
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestPredictLegacySingle(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, time.Second)

	rec := f.do(t, http.MethodPost, api.PathPredict, `{"dream": "A purple cloud with Lightning", "high_quality": false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"A purple cloud with Lightning"}, decodeArtifacts(t, rec))
}

func TestPredictEchoesRequestID(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, time.Second)

	req := httptest.NewRequest(http.MethodPost, api.PathPredict, bytes.NewReader([]byte(`{"dream":"x"}`)))
	req.Header.Set(headerRequestID, "req-123")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(headerRequestID))

	entries, err := f.monitor.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-123", entries[0].RequestID)
}

func TestPredictInvalidBodies(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, time.Second)

	for name, body := range map[string]string{
		"malformed":     `{"dream":`,
		"not an object": `["a"]`,
		"missing dream": `{"high_quality": true}`,
		"null batch":    `{"batch": null}`,
		"batch item":    `{"batch": [{"high_quality": true}]}`,
		"wrong type":    `{"batch": "a cat"}`,
		"empty batch":   `{"batch": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, api.PathPredict, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Detail)
		})
	}
	assert.Equal(t, 0, f.health.Failures())
}

func TestPredictTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newFixture(t, &hangingAdapter{hang: map[string]bool{"stuck": true}, release: release}, 100*time.Millisecond)

	rec := f.do(t, http.MethodPost, api.PathPredict, api.BatchRequest{Batch: []api.SingleRequest{api.Dream("stuck", false)}})
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.JSONEq(t, `{"detail":"Request timed out."}`, rec.Body.String())
	assert.Equal(t, 1, f.health.Failures())
	assert.Equal(t, uint64(2), f.gateway.Generation())

	// the replaced slot serves the next request
	rec = f.do(t, http.MethodPost, api.PathPredict, `{"dream":"fine"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPredictBackendFailure(t *testing.T) {
	f := newFixture(t, &hangingAdapter{fail: true}, time.Second)

	rec := f.do(t, http.MethodPost, api.PathPredict, `{"dream":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Image generation failed."}`, rec.Body.String())
}

func TestErrorResponseMapping(t *testing.T) {
	status, _ := errorResponse(context.Canceled)
	assert.Equal(t, statusClientClosedRequest, status)

	status, _ = errorResponse(errors.New("unknown"))
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, time.Second)

	req := httptest.NewRequest(http.MethodOptions, api.PathPredict, nil)
	req.Header.Set("Origin", "https://anywhere.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://anywhere.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = f.do(t, http.MethodGet, api.PathHealth, nil)
	assert.Equal(t, "https://dream.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, 2*time.Second)

	f.do(t, http.MethodPost, api.PathPredict, `{"dream":"x"}`)
	rec := f.do(t, http.MethodGet, api.PathStatus, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status api.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "test", status.Backend)
	assert.Equal(t, uint64(1), status.Generation)
	assert.Equal(t, gateway.StateIdle, status.State)
	assert.True(t, status.Health.Healthy)
	assert.Equal(t, 2, status.Health.Tolerable)
	assert.Equal(t, int64(1), status.Stats.Completed)
	assert.InDelta(t, 2.0, status.RequestTimeout, 0.001)
}

func TestMonitorEndpoint(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, time.Second)

	f.do(t, http.MethodPost, api.PathPredict, `{"dream":"one"}`)
	f.do(t, http.MethodPost, api.PathPredict, `{"dream":"two"}`)

	rec := f.do(t, http.MethodGet, api.PathMonitor+"?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.MonitorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Summary.Requests)
	require.Len(t, resp.Recent, 1)
	assert.Equal(t, "two", resp.Recent[0].Prompt)

	rec = f.do(t, http.MethodGet, api.PathMonitor+"?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonitorDisabled(t *testing.T) {
	hm := health.NewMonitor(2, nil)
	gw, err := gateway.New(&hangingAdapter{}, hm, gateway.Options{})
	require.NoError(t, err)
	defer gw.Close()

	rec := httptest.NewRecorder()
	New(gw, Options{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, api.PathMonitor, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, &hangingAdapter{}, time.Second)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + api.PathHealth)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
