package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// TransportError is a non-2xx provider response or a missing body. It is
// fatal to the invocation that hit it and is surfaced with the upstream
// status and text, never swallowed.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Body)
}

// Client is the HTTP client for the generative-model provider.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewClient creates a provider client from the environment AI settings.
func NewClient(cfg config.AIConfig) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
	}
}

// Enabled reports whether provider credentials are configured. When false
// the pipeline serves the stubbed fallback reply without calling out.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// OpenStream POSTs the request with streaming enabled and returns the
// raw response body for the stream consumer. The caller owns closing it.
func (c *Client) OpenStream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	req.Stream = true
	resp, err := c.post(ctx, req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, &TransportError{Status: resp.StatusCode, Body: "missing response body"}
	}
	return resp.Body, nil
}

// GenerateResult is the non-streaming provider response, reduced to what
// the pipeline consumes.
type GenerateResult struct {
	Text  string
	Model string
	Usage *models.Usage
}

// Generate performs the non-streaming variant: one JSON object back.
func (c *Client) Generate(ctx context.Context, req *Request) (*GenerateResult, error) {
	req.Stream = false
	resp, err := c.post(ctx, req, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}

	result := &GenerateResult{Text: extractText(body)}
	if model, ok := body["model"].(string); ok {
		result.Model = model
	}
	result.Usage = extractUsage(body)
	return result, nil
}

// post sends the request and enforces the hard-failure contract for
// non-success statuses.
func (c *Client) post(ctx context.Context, req *Request, accept string) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &TransportError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return resp, nil
}
