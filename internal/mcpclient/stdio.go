package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
	"mcpmesh/pkg/logging"
)

// StdioClient speaks MCP over a subprocess's stdin/stdout, with
// newline-delimited JSON-RPC framing and a bounded stderr ring buffer for
// diagnostics.
type StdioClient struct {
	*baseClient
	cfg mcptypes.StdioConfig

	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *stderrRingBuffer

	stopReaders context.CancelFunc
}

// NewStdioClient constructs a stdio client; config.Stdio.Cwd, if set, must
// already exist.
func NewStdioClient(config mcptypes.ServerConfig) (*StdioClient, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.Stdio.Cwd != "" {
		if info, err := os.Stat(config.Stdio.Cwd); err != nil || !info.IsDir() {
			return nil, mcperrors.NewConfigError(config.Name, "stdio.cwd", "working directory does not exist")
		}
	}
	cfg := *config.Stdio
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1 << 20
	}
	return &StdioClient{
		baseClient: newBaseClient(config.Name, "client.stdio", config),
		cfg:        cfg,
		stderr:     newStderrRingBuffer(200),
	}, nil
}

func (c *StdioClient) Connect(ctx context.Context) (*mcptypes.ConnectionResult, error) {
	return c.connectWithRetry(ctx, c.dial)
}

func (c *StdioClient) dial(ctx context.Context) error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = append(os.Environ())
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if c.cfg.Cwd != "" {
		cmd.Dir = c.cfg.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return mcperrors.NewConnectionError(c.name, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return mcperrors.NewConnectionError(c.name, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return mcperrors.NewConnectionError(c.name, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return mcperrors.NewConnectionError(c.name, "process start", err)
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	c.cmd = cmd
	c.stdin = stdin
	c.stopReaders = cancel

	go c.readStdout(readerCtx, stdout)
	go c.readStderr(readerCtx, stderr)
	go c.monitorProcess(readerCtx, cmd)

	return nil
}

func (c *StdioClient) readStdout(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			logging.Warn(c.subsystem, "server %q sent malformed response: %v", c.name, err)
			continue
		}
		c.dispatchResponse(&resp)
	}
}

func (c *StdioClient) readStderr(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.stderr.add(scanner.Text())
	}
}

func (c *StdioClient) monitorProcess(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()
	select {
	case <-ctx.Done():
		return
	default:
	}
	if err != nil {
		logging.Error(c.subsystem, err, "server %q process exited", c.name)
	}
	c.setState(mcptypes.StateError)
	c.failAllPending(mcperrors.NewConnectionError(c.name, "subprocess exited", err))
}

// Diagnostics returns the captured stderr ring buffer contents.
func (c *StdioClient) Diagnostics() []string {
	return c.stderr.snapshot()
}

func (c *StdioClient) Disconnect(ctx context.Context) error {
	if c.cmd == nil || c.cmd.Process == nil {
		c.setState(mcptypes.StateDisconnected)
		return nil
	}

	shutdownTimeout := c.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		_ = c.cmd.Process.Kill()
		<-done
	}

	if c.stopReaders != nil {
		c.stopReaders()
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	c.failAllPending(mcperrors.NewConnectionError(c.name, "disconnected", nil))
	c.setState(mcptypes.StateDisconnected)
	return nil
}

func (c *StdioClient) Reconnect(ctx context.Context) (*mcptypes.ConnectionResult, error) {
	_ = c.Disconnect(ctx)
	return c.Connect(ctx)
}

func (c *StdioClient) Initialize(ctx context.Context) (*mcptypes.InitializeResult, error) {
	var result struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    map[string]bool `json:"capabilities"`
	}
	if err := c.request(ctx, "initialize", nil, &result); err != nil {
		return nil, err
	}
	return &mcptypes.InitializeResult{ProtocolVersion: result.ProtocolVersion, Capabilities: result.Capabilities}, nil
}

func (c *StdioClient) ListTools(ctx context.Context) ([]mcptypes.Tool, error) {
	var result struct {
		Tools []mcptypes.Tool `json:"tools"`
	}
	if err := c.request(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *StdioClient) ListResources(ctx context.Context) ([]mcptypes.Resource, error) {
	var result struct {
		Resources []mcptypes.Resource `json:"resources"`
	}
	if err := c.request(ctx, "resources/list", nil, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.ToolResult, error) {
	params := map[string]any{"name": name, "arguments": args}
	var result mcptypes.ToolResult
	if err := c.request(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcptypes.ResourceContent, error) {
	params := map[string]any{"uri": uri}
	var result mcptypes.ResourceContent
	if err := c.request(ctx, "resources/read", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *StdioClient) Ping(ctx context.Context) (bool, error) {
	if err := c.request(ctx, "ping", nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

// request sends a JSON-RPC request over stdin and waits for the correlated
// response, decoding its result into out (nil if the caller doesn't need it).
func (c *StdioClient) request(ctx context.Context, method string, params any, out any) error {
	if !c.IsConnected() {
		return mcperrors.NewConnectionError(c.name, "not connected", nil)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id := c.nextRequestID()
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return mcperrors.NewProtocolError(c.name, 0, "failed to marshal request: "+err.Error())
	}
	if c.cfg.BufferSize > 0 && len(payload) > c.cfg.BufferSize {
		return mcperrors.NewProtocolError(c.name, 0, fmt.Sprintf("request of %d bytes exceeds buffer_size %d", len(payload), c.cfg.BufferSize))
	}

	ch := c.registerPending(id)

	start := time.Now()
	c.writeMu.Lock()
	_, writeErr := c.stdin.Write(append(payload, '\n'))
	c.writeMu.Unlock()
	if writeErr != nil {
		c.dropPending(id)
		c.recordError()
		return mcperrors.NewConnectionError(c.name, "stdin write failed", writeErr)
	}

	resp, err := c.waitForResponse(ctx, id, method, ch)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		c.recordError()
		return mcperrors.NewProtocolError(c.name, resp.Error.Code, resp.Error.Message)
	}
	c.recordSuccess(time.Since(start))

	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return mcperrors.NewProtocolError(c.name, 0, "failed to decode result: "+err.Error())
		}
	}
	return nil
}
