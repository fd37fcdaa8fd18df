package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// userAgent identifies the CLI to the operations endpoints.
const userAgent = "chatmesh-cli"

// HTTPClient talks to the operations HTTP listener.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client for server. A bare host:port gets an
// http:// prefix. token, when set, is sent as a Bearer session token.
func NewHTTPClient(server, token string) *HTTPClient {
	baseURL := server
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the base URL of the client.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Get performs a GET request.
func (c *HTTPClient) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// Health is the body of /healthz and /readyz.
type Health struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
	Reason string    `json:"reason,omitempty"`
}

// Health queries /healthz, or /readyz when ready is set. A not-ready
// server yields its health body together with an error.
func (c *HTTPClient) Health(ctx context.Context, ready bool) (*Health, error) {
	path := "/healthz"
	if ready {
		path = "/readyz"
	}
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var h Health
	if err := ParseResponse(resp, &h); err != nil {
		return &h, err
	}
	return &h, nil
}

// Stats queries /v1/stats.
func (c *HTTPClient) Stats(ctx context.Context) (map[string]any, error) {
	resp, err := c.Get(ctx, "/v1/stats")
	if err != nil {
		return nil, err
	}
	var stats map[string]any
	if err := ParseResponse(resp, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// envelope is the standard response wrapper. Health bodies are not wrapped.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Details any             `json:"details"`
}

// ParseResponse decodes resp into target, unwrapping the data field of an
// envelope when present.
func ParseResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("parse response: %w", err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode >= 400 {
		if target != nil && env.Data != nil {
			_ = json.Unmarshal(env.Data, target)
		}
		if env.Code != "" && env.Code != "OK" && env.Message != "" {
			return fmt.Errorf("[%s] %s", env.Code, env.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if target == nil {
		return nil
	}
	body := raw
	if env.Code != "" && env.Data != nil {
		body = env.Data
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
