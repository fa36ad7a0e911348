package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client forwards inference requests to a single worker endpoint. It makes
// exactly one attempt per call: retry/failover policy belongs to the
// caller (internal/gateway.Router), not to the transport (spec.md §4.3).
//
// Modeled on sdk/go/minio/client.go's Client, minus its own internal
// retry loop.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a Client with a pooled, keep-alive transport, matching
// the connection-pool tuning of the teacher's SDK client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Forward POSTs req to endpoint+"/infer" and decodes the response. ctx
// should carry the caller's forward-timeout deadline.
func (c *Client) Forward(ctx context.Context, endpoint string, req InferRequest) (InferResponse, error) {
	var resp InferResponse

	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("transport: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/infer", bytes.NewReader(body))
	if err != nil {
		return resp, fmt.Errorf("transport: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("transport: forward to %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return resp, fmt.Errorf("transport: read response from %s: %w", endpoint, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("transport: %s responded %d: %s", endpoint, httpResp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("transport: decode response from %s: %w", endpoint, err)
	}
	return resp, nil
}

// Health GETs endpoint+"/health" and decodes the response. cmd/gateway
// does not call it: workers are not probed at startup.
func (c *Client) Health(ctx context.Context, endpoint string) (HealthResponse, error) {
	var resp HealthResponse

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return resp, fmt.Errorf("transport: build request: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("transport: health check %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return resp, fmt.Errorf("transport: read health response from %s: %w", endpoint, err)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("transport: decode health response from %s: %w", endpoint, err)
	}
	return resp, nil
}

// Stats GETs endpoint+"/stats" and decodes the response. Used by
// cmd/benchmark to confirm the gateway is reachable before generating load.
func (c *Client) Stats(ctx context.Context, endpoint string) (StatsResponse, error) {
	var resp StatsResponse

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/stats", nil)
	if err != nil {
		return resp, fmt.Errorf("transport: build request: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("transport: stats check %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return resp, fmt.Errorf("transport: read stats response from %s: %w", endpoint, err)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("transport: decode stats response from %s: %w", endpoint, err)
	}
	return resp, nil
}
