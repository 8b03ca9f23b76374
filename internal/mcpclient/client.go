// Package mcpclient implements the transport-abstracted client layer: one
// base type holding connection state, stats, and request correlation, and
// three transport implementations (stdio, SSE, HTTP) that speak the wire
// protocol proper.
package mcpclient

import (
	"context"
	"encoding/json"

	"mcpmesh/internal/mcptypes"
)

// Client is the public contract every transport implementation satisfies.
// Only Connected state permits the MCP operations; callers check
// IsConnected or inspect the returned error.
type Client interface {
	Connect(ctx context.Context) (*mcptypes.ConnectionResult, error)
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) (*mcptypes.ConnectionResult, error)
	Initialize(ctx context.Context) (*mcptypes.InitializeResult, error)

	ListTools(ctx context.Context) ([]mcptypes.Tool, error)
	ListResources(ctx context.Context) ([]mcptypes.Resource, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.ToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcptypes.ResourceContent, error)
	Ping(ctx context.Context) (bool, error)

	GetStats() mcptypes.ConnectionStats
	IsConnected() bool
	Name() string
	State() mcptypes.ConnectionState
}

// jsonrpcRequest is the wire shape for stdio and SSE-POST requests.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// jsonrpcResponse is the wire shape for stdio and SSE-stream responses.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}
