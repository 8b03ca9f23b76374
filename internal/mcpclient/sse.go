package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
	"mcpmesh/pkg/logging"
)

// sseEvent is one parsed SSE message (fields accumulated across its lines,
// terminated by a blank line).
type sseEvent struct {
	event string
	data  string
	id    string
}

// SSEClient speaks MCP over a two-channel SSE flow: a long-lived GET stream
// carries server-to-client events, and JSON-RPC requests are POSTed to a
// path discovered from the stream's "endpoint" event.
type SSEClient struct {
	*baseClient
	cfg mcptypes.SSEConfig

	httpClient *http.Client

	connMu       sync.Mutex
	postURL      string
	endpointCh   chan struct{}
	endpointOnce sync.Once
	cancelStream context.CancelFunc
}

func NewSSEClient(config mcptypes.ServerConfig) (*SSEClient, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return &SSEClient{
		baseClient: newBaseClient(config.Name, "client.sse", config),
		cfg:        *config.SSE,
		httpClient: &http.Client{},
		endpointCh: make(chan struct{}),
	}, nil
}

func (c *SSEClient) Connect(ctx context.Context) (*mcptypes.ConnectionResult, error) {
	return c.connectWithRetry(ctx, c.dial)
}

func (c *SSEClient) dial(ctx context.Context) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return mcperrors.NewConnectionError(c.name, "build SSE request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return mcperrors.NewConnectionError(c.name, "SSE connect", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return mcperrors.NewConnectionError(c.name, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return mcperrors.NewConnectionError(c.name, fmt.Sprintf("unexpected content-type %q", ct), nil)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancelStream = cancel
	go c.readStream(streamCtx, resp)

	// Wait (bounded) for the endpoint event before declaring connect successful.
	select {
	case <-c.endpointCh:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		cancel()
		resp.Body.Close()
		return ctx.Err()
	}
	return nil
}

func (c *SSEClient) readStream(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur sseEvent
	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 && cur.event == "" {
			return
		}
		cur.data = strings.Join(dataLines, "\n")
		c.handleEvent(cur)
		cur = sseEvent{}
		dataLines = nil
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			c.mu.Lock()
			c.stats.LastActivity = time.Now()
			c.mu.Unlock()
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			cur.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
	flush()

	select {
	case <-ctx.Done():
		return
	default:
	}
	logging.Warn(c.subsystem, "SSE stream for server %q closed", c.name)
	c.setState(mcptypes.StateError)
	c.failAllPending(mcperrors.NewConnectionError(c.name, "SSE stream closed", nil))
}

func (c *SSEClient) handleEvent(ev sseEvent) {
	switch ev.event {
	case "endpoint":
		c.connMu.Lock()
		c.postURL = c.resolvePostURL(ev.data)
		c.connMu.Unlock()
		c.endpointOnce.Do(func() { close(c.endpointCh) })
	case "ping", "":
		c.mu.Lock()
		c.stats.LastActivity = time.Now()
		c.mu.Unlock()
	case "message":
		var resp jsonrpcResponse
		if err := json.Unmarshal([]byte(ev.data), &resp); err != nil {
			logging.Warn(c.subsystem, "malformed SSE message from server %q: %v", c.name, err)
			return
		}
		c.dispatchResponse(&resp)
	case "error":
		logging.Error(c.subsystem, fmt.Errorf("%s", ev.data), "SSE error event from server %q", c.name)
		c.setState(mcptypes.StateError)
	}
}

func (c *SSEClient) resolvePostURL(path string) string {
	base, err := url.Parse(c.cfg.URL)
	if err != nil {
		return path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return base.ResolveReference(ref).String()
}

func (c *SSEClient) Disconnect(ctx context.Context) error {
	if c.cancelStream != nil {
		c.cancelStream()
	}
	c.httpClient.CloseIdleConnections()
	c.failAllPending(mcperrors.NewConnectionError(c.name, "disconnected", nil))
	c.setState(mcptypes.StateDisconnected)
	return nil
}

func (c *SSEClient) Reconnect(ctx context.Context) (*mcptypes.ConnectionResult, error) {
	_ = c.Disconnect(ctx)
	c.endpointCh = make(chan struct{})
	c.endpointOnce = sync.Once{}
	return c.Connect(ctx)
}

func (c *SSEClient) Initialize(ctx context.Context) (*mcptypes.InitializeResult, error) {
	var result struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    map[string]bool `json:"capabilities"`
	}
	if err := c.request(ctx, "initialize", nil, &result); err != nil {
		return nil, err
	}
	return &mcptypes.InitializeResult{ProtocolVersion: result.ProtocolVersion, Capabilities: result.Capabilities}, nil
}

func (c *SSEClient) ListTools(ctx context.Context) ([]mcptypes.Tool, error) {
	var result struct {
		Tools []mcptypes.Tool `json:"tools"`
	}
	if err := c.request(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *SSEClient) ListResources(ctx context.Context) ([]mcptypes.Resource, error) {
	var result struct {
		Resources []mcptypes.Resource `json:"resources"`
	}
	if err := c.request(ctx, "resources/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.ToolResult, error) {
	params := map[string]any{"name": name, "arguments": args}
	var result mcptypes.ToolResult
	if err := c.request(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *SSEClient) ReadResource(ctx context.Context, uri string) (*mcptypes.ResourceContent, error) {
	params := map[string]any{"uri": uri}
	var result mcptypes.ResourceContent
	if err := c.request(ctx, "resources/read", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *SSEClient) Ping(ctx context.Context) (bool, error) {
	if err := c.request(ctx, "ping", nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *SSEClient) request(ctx context.Context, method string, params any, out any) error {
	c.connMu.Lock()
	postURL := c.postURL
	c.connMu.Unlock()
	if postURL == "" {
		return mcperrors.NewConnectionError(c.name, "endpoint not yet discovered", nil)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id := c.nextRequestID()
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return mcperrors.NewProtocolError(c.name, 0, "failed to marshal request: "+err.Error())
	}

	ch := c.registerPending(id)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(payload))
	if err != nil {
		c.dropPending(id)
		return mcperrors.NewConnectionError(c.name, "build POST request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.dropPending(id)
		c.recordError()
		return mcperrors.NewConnectionError(c.name, "POST failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		c.dropPending(id)
		c.recordError()
		return mcperrors.NewProtocolError(c.name, resp.StatusCode, "unexpected POST status")
	}

	rpcResp, err := c.waitForResponse(ctx, id, method, ch)
	if err != nil {
		return err
	}
	if rpcResp.Error != nil {
		c.recordError()
		return mcperrors.NewProtocolError(c.name, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	c.recordSuccess(time.Since(start))

	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return mcperrors.NewProtocolError(c.name, 0, "failed to decode result: "+err.Error())
		}
	}
	return nil
}
