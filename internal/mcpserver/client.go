package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the autonomy API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Operator token; empty when the API runs without auth
	Engine string // Originating subsystem recorded on proposed actions
}

// EngineClient is a pure HTTP client for the autonomy API.
type EngineClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEngineClient creates a new client for the autonomy API.
func NewEngineClient(cfg Config) *EngineClient {
	return &EngineClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *EngineClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ProposeAction submits an action for routing.
func (c *EngineClient) ProposeAction(ctx context.Context, action map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/actions", nil, c.withEngine(action))
}

// ClassifyAction previews the decision for an action without side effects.
func (c *EngineClient) ClassifyAction(ctx context.Context, action map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/actions/classify", nil, c.withEngine(action))
}

// ListApprovals lists approval items, filtered by status when non-empty.
func (c *EngineClient) ListApprovals(ctx context.Context, status string) (json.RawMessage, error) {
	var q url.Values
	if status != "" {
		q = url.Values{"status": {status}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/approvals", q, nil)
}

// ResolveApproval approves or rejects a pending item.
func (c *EngineClient) ResolveApproval(ctx context.Context, id string, approve bool, resolvedBy string) (json.RawMessage, error) {
	verb := "reject"
	if approve {
		verb = "approve"
	}
	var body any
	if resolvedBy != "" {
		body = map[string]string{"resolvedBy": resolvedBy}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+"/"+verb, nil, body)
}

// GetStatus returns the engine status.
func (c *EngineClient) GetStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/status", nil, nil)
}

// GetUsage returns today's usage counters and limits.
func (c *EngineClient) GetUsage(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/usage", nil, nil)
}

func (c *EngineClient) withEngine(action map[string]any) map[string]any {
	if _, ok := action["engine"]; !ok && c.cfg.Engine != "" {
		action["engine"] = c.cfg.Engine
	}
	return action
}
