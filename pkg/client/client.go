package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/atoniolo76/dreamgate/pkg/api"
	"github.com/atoniolo76/dreamgate/pkg/config"
)

var (
	// ErrTimedOut is returned when the gateway answers 408
	ErrTimedOut = errors.New("gateway timed out the request")
	// ErrBusy is returned when the gateway answers 503
	ErrBusy = errors.New("gateway is busy")
)

// APIError is any other non-2xx answer
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Detail)
}

// Client talks to a running gateway
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New targets baseURL, e.g. http://localhost:8000. A nil httpClient gets the
// default client timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.DefaultClientTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: config.DefaultMaxIdleConnsPerHost,
				IdleConnTimeout:     config.DefaultIdleConnTimeout,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURLFromListenAddr turns ":8000" or "0.0.0.0:8000" into a dialable URL
func BaseURLFromListenAddr(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Health returns the gateway's health flag
func (c *Client) Health(ctx context.Context) (bool, error) {
	var healthy bool
	err := c.do(ctx, http.MethodGet, api.PathHealth, nil, &healthy)
	return healthy, err
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.do(ctx, http.MethodGet, api.PathStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Monitor(ctx context.Context, limit int) (*api.MonitorResponse, error) {
	path := api.PathMonitor
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var resp api.MonitorResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Predict sends a batch and returns one data URI per prompt
func (c *Client) Predict(ctx context.Context, batch []api.SingleRequest) ([]string, error) {
	var artifacts []string
	if err := c.do(ctx, http.MethodPost, api.PathPredict, api.BatchRequest{Batch: batch}, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// PredictSingle uses the legacy one-prompt body
func (c *Client) PredictSingle(ctx context.Context, dream api.SingleRequest) ([]string, error) {
	var artifacts []string
	if err := c.do(ctx, http.MethodPost, api.PathPredict, dream, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Detail == "" {
			apiErr.Detail = strings.TrimSpace(string(raw))
		}
		switch resp.StatusCode {
		case http.StatusRequestTimeout:
			return fmt.Errorf("%w: %s", ErrTimedOut, apiErr.Detail)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %s", ErrBusy, apiErr.Detail)
		default:
			return &APIError{StatusCode: resp.StatusCode, Detail: apiErr.Detail}
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
