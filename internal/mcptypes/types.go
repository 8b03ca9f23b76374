// Package mcptypes holds the shared data model for the aggregator: the
// wire-level Tool/Resource shapes, server configuration, registry bookkeeping,
// and the aggregated/namespaced views built on top of them.
package mcptypes

import (
	"encoding/json"
	"time"
)

// Tool describes a named, schema-described operation a backend exposes.
// Immutable once fetched from a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Resource describes a readable blob exposed by a backend.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mime_type"`
}

// ResourceContent is the fetched body of a Resource.
type ResourceContent struct {
	URI     string `json:"uri"`
	Content []byte `json:"content"`
}

// ContentBlock is one piece of a ToolResult. Text is the only kind produced
// today; the Type field lets future non-text blocks be added without
// breaking callers that only look at Text.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the outcome of a call_tool invocation. IsError distinguishes
// a backend-reported logical failure from a protocol-level one, which
// surfaces as a Go error instead.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"is_error"`
}

// Text concatenates all text content blocks, which is the common case for
// callers that don't care about block structure.
func (r ToolResult) Text() string {
	if len(r.Content) == 0 {
		return ""
	}
	if len(r.Content) == 1 {
		return r.Content[0].Text
	}
	out := make([]byte, 0, 64)
	for i, c := range r.Content {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, c.Text...)
	}
	return string(out)
}

// TransportKind names one of the three wire protocols a server speaks.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

// RateLimitConfig bounds request rate on the HTTP transport.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// StdioConfig configures a subprocess-backed server.
type StdioConfig struct {
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	BufferSize      int               `json:"buffer_size"`
	ShutdownTimeout time.Duration     `json:"shutdown_timeout"`
}

// SSEConfig configures an SSE-backed server.
type SSEConfig struct {
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers,omitempty"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval"`
}

// HTTPConfig configures a plain HTTP-backed server.
type HTTPConfig struct {
	BaseURL            string            `json:"base_url"`
	Headers            map[string]string `json:"headers,omitempty"`
	AuthType           string            `json:"auth_type,omitempty"`
	RateLimit          *RateLimitConfig  `json:"rate_limit,omitempty"`
	ConnectionPoolSize int               `json:"connection_pool_size"`
	KeepAlive          bool              `json:"keep_alive"`
}

// ServerConfig is the full configuration for one backend server.
type ServerConfig struct {
	Name          string        `json:"name"`
	Enabled       bool          `json:"enabled"`
	Transport     TransportKind `json:"transport"`
	Priority      int           `json:"priority"`
	Critical      bool          `json:"critical"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`

	Stdio *StdioConfig `json:"stdio,omitempty"`
	SSE   *SSEConfig   `json:"sse,omitempty"`
	HTTP  *HTTPConfig  `json:"http,omitempty"`
}

// ConnectionState is the client lifecycle state machine. Only Connected
// permits MCP operations.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateInitializing
	StateConnected
	StateError
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateInitializing:
		return "INITIALIZING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ConnectionStats tracks per-client activity, mutated on every operation.
type ConnectionStats struct {
	ConnectedAt    time.Time
	LastActivity   time.Time
	RequestsSent   int64
	ErrorsCount    int64
	AverageLatency time.Duration
}

// ConnectionResult is returned by connect()/reconnect().
type ConnectionResult struct {
	Success  bool
	Err      error
	Metadata map[string]string
	TraceID  string
}

// InitializeResult is the outcome of the MCP handshake.
type InitializeResult struct {
	ProtocolVersion string
	Capabilities    map[string]bool
}

// ResolutionStrategy picks which backend answers for a non-namespaced name.
type ResolutionStrategy string

const (
	PriorityBased ResolutionStrategy = "PRIORITY_BASED"
	FirstWins     ResolutionStrategy = "FIRST_WINS"
	ExplicitOnly  ResolutionStrategy = "EXPLICIT_ONLY"
	Merge         ResolutionStrategy = "MERGE"
)

// ConflictDetail is one server's entry in a NamespaceConflict.
type ConflictDetail struct {
	ServerName  string
	Priority    int
	ItemDetails string
}

// NamespaceConflict records that ≥2 servers expose the same bare name.
type NamespaceConflict struct {
	ItemName           string
	ItemType           string // "tool" | "resource"
	Conflicts          []ConflictDetail
	ResolutionStrategy ResolutionStrategy
	ChosenServer       *string
}

// AggregatedTool is the cross-server view of a tool exposed under its
// namespaced name "<server>.<tool>".
type AggregatedTool struct {
	NamespacedName string
	OriginalName   string
	ServerName     string
	Description    string
	InputSchema    json.RawMessage
	Priority       int
	IsAvailable    bool
}

// AggregatedResource is the cross-server view of a resource, namespaced as
// "<server>:<uri>".
type AggregatedResource struct {
	NamespacedURI string
	URI           string
	ServerName    string
	Name          string
	Description   string
	MimeType      string
	Content       []byte
	CachedAt      time.Time
	TTLSeconds    int
}

// IsExpired reports whether the cached content has outlived its TTL.
func (r AggregatedResource) IsExpired(now time.Time) bool {
	if r.TTLSeconds <= 0 || r.CachedAt.IsZero() {
		return false
	}
	return now.After(r.CachedAt.Add(time.Duration(r.TTLSeconds) * time.Second))
}

// AggregationMetadata summarizes the aggregator's current view.
type AggregationMetadata struct {
	TotalServers        int
	ConnectedServers    int
	TotalTools          int
	TotalResources      int
	NamespaceConflicts  int
	CacheSizeBytes      int64
	LastUpdated         time.Time
	HasCriticalFailures bool
}

// RoutingMetrics summarizes router call outcomes.
type RoutingMetrics struct {
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	CallsPerServer  map[string]int64
	CallsPerTool    map[string]int64
	AvgLatencyMs    float64
	SuccessRate     float64
}

// RegistryStatistics aggregates server registry counts.
type RegistryStatistics struct {
	Total         int
	Connected     int
	Disconnected  int
	Errored       int
	CriticalDown  int
	TotalRequests int64
	TotalErrors   int64
}

// NamespaceStatistics summarizes conflict counts.
type NamespaceStatistics struct {
	Total      int
	Tools      int
	Resources  int
	Resolved   int
	Unresolved int
}
