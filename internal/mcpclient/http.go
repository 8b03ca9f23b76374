package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
)

// HTTPClient speaks plain request/response MCP over REST-shaped endpoints:
// GET /health, GET /tools, POST /tools/execute.
type HTTPClient struct {
	*baseClient
	cfg mcptypes.HTTPConfig

	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewHTTPClient(config mcptypes.ServerConfig) (*HTTPClient, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	poolSize := config.HTTP.ConnectionPoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	transport := &http.Transport{
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		DisableKeepAlives:   !config.HTTP.KeepAlive,
	}

	var limiter *rate.Limiter
	if config.HTTP.RateLimit != nil && config.HTTP.RateLimit.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.HTTP.RateLimit.RequestsPerSecond), 1)
	}

	return &HTTPClient{
		baseClient: newBaseClient(config.Name, "client.http", config),
		cfg:        *config.HTTP,
		httpClient: &http.Client{Transport: transport},
		limiter:    limiter,
	}, nil
}

func (c *HTTPClient) Connect(ctx context.Context) (*mcptypes.ConnectionResult, error) {
	return c.connectWithRetry(ctx, c.dial)
}

func (c *HTTPClient) dial(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return mcperrors.NewConnectionError(c.name, "authentication failed (401)", nil)
	}
	if resp.StatusCode >= 300 {
		return mcperrors.NewConnectionError(c.name, fmt.Sprintf("health check returned status %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *HTTPClient) Disconnect(ctx context.Context) error {
	c.httpClient.CloseIdleConnections()
	c.failAllPending(mcperrors.NewConnectionError(c.name, "disconnected", nil))
	c.setState(mcptypes.StateDisconnected)
	return nil
}

func (c *HTTPClient) Reconnect(ctx context.Context) (*mcptypes.ConnectionResult, error) {
	_ = c.Disconnect(ctx)
	return c.Connect(ctx)
}

func (c *HTTPClient) Initialize(ctx context.Context) (*mcptypes.InitializeResult, error) {
	return &mcptypes.InitializeResult{ProtocolVersion: "2024-11-05", Capabilities: map[string]bool{"tools": true, "resources": true}}, nil
}

func (c *HTTPClient) ListTools(ctx context.Context) ([]mcptypes.Tool, error) {
	var result struct {
		Tools []mcptypes.Tool `json:"tools"`
	}
	if err := c.jsonCall(ctx, http.MethodGet, "/tools", nil, &result, nil); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *HTTPClient) ListResources(ctx context.Context) ([]mcptypes.Resource, error) {
	var result struct {
		Resources []mcptypes.Resource `json:"resources"`
	}
	if err := c.jsonCall(ctx, http.MethodGet, "/resources", nil, &result, nil); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// extraHeadersArgKey is a reserved CallTool argument: a map[string]string of
// per-call headers, merged over the client's base headers without mutating
// config state. It is stripped before the arguments are forwarded upstream.
const extraHeadersArgKey = "_extra_headers"

func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.ToolResult, error) {
	forwardArgs, extraHeaders := splitExtraHeaders(args)
	body := map[string]any{"tool": name, "arguments": forwardArgs}
	var result mcptypes.ToolResult
	if err := c.jsonCall(ctx, http.MethodPost, "/tools/execute", body, &result, extraHeaders); err != nil {
		return nil, err
	}
	return &result, nil
}

// splitExtraHeaders pulls the reserved extraHeadersArgKey out of args,
// returning a copy of args without it (the original map is never mutated)
// plus the extracted headers, if any.
func splitExtraHeaders(args map[string]any) (map[string]any, map[string]string) {
	raw, ok := args[extraHeadersArgKey]
	if !ok {
		return args, nil
	}
	headers, ok := raw.(map[string]string)
	if !ok {
		return args, nil
	}
	forwardArgs := make(map[string]any, len(args)-1)
	for k, v := range args {
		if k != extraHeadersArgKey {
			forwardArgs[k] = v
		}
	}
	return forwardArgs, headers
}

func (c *HTTPClient) ReadResource(ctx context.Context, uri string) (*mcptypes.ResourceContent, error) {
	var result mcptypes.ResourceContent
	if err := c.jsonCall(ctx, http.MethodGet, "/resources/read?uri="+uri, nil, &result, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) Ping(ctx context.Context) (bool, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300, nil
}

// jsonCall performs one rate-limited, timeout-bounded HTTP call, retrying
// once on 429 honoring Retry-After, and decodes the JSON body into out.
// extraHeaders, if non-nil, are merged over the client's base headers for
// this call only.
func (c *HTTPClient) jsonCall(ctx context.Context, method, path string, body any, out any, extraHeaders map[string]string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := c.doRequest(ctx, method, path, body, extraHeaders)
	if err != nil {
		c.recordError()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := retryAfterDelay(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.recordError()
			return mcperrors.NewTimeoutError(c.name, method+" "+path, c.effectiveTimeout())
		}
		resp, err = c.doRequest(ctx, method, path, body, extraHeaders)
		if err != nil {
			c.recordError()
			return err
		}
		defer resp.Body.Close()
	}

	if resp.StatusCode >= 500 {
		c.recordError()
		return mcperrors.NewProtocolError(c.name, resp.StatusCode, "server error")
	}
	if resp.StatusCode >= 400 {
		c.recordError()
		return mcperrors.NewProtocolError(c.name, resp.StatusCode, "client error")
	}

	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			c.recordError()
			return mcperrors.NewProtocolError(c.name, 0, "failed to read response body")
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				c.recordError()
				return mcperrors.NewProtocolError(c.name, 0, "failed to decode response: "+err.Error())
			}
		}
	}
	c.recordSuccess(time.Since(start))
	return nil
}

// doRequest performs the raw HTTP call, enforcing the token-bucket rate
// limit and merging extraHeaders without mutating the client's base config.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any, extraHeaders map[string]string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, mcperrors.NewTimeoutError(c.name, method+" "+path, c.effectiveTimeout())
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, mcperrors.NewProtocolError(c.name, 0, "failed to marshal request body: "+err.Error())
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, mcperrors.NewConnectionError(c.name, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, mcperrors.NewConnectionError(c.name, "request failed", err)
	}
	return resp, nil
}

func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}
