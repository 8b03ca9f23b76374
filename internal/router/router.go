// Package router dispatches tool calls through namespaced addressing with
// fallback, retry, per-server circuit breaking, and round-robin load
// balancing across servers that expose the same tool.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"mcpmesh/internal/mcpclient"
	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
	"mcpmesh/internal/namespacemgr"
	"mcpmesh/internal/registry"
	"mcpmesh/internal/telemetry"
	"mcpmesh/pkg/logging"
)

// serverLookup is the subset of *registry.Registry the router needs; kept
// as an interface so tests can supply a fake registry.
type serverLookup interface {
	GetServer(name string) (*registry.ServerInstance, bool)
	GetAllServers() []*registry.ServerInstance
}

// Router is the spec.md §4.5 dispatcher.
type Router struct {
	registry serverLookup

	mu            sync.Mutex
	resolution    map[string]string   // tool -> server
	fallback      map[string]string   // server -> fallback server
	loadBalance   map[string][]string // tool -> servers, round-robin
	lbIndex       map[string]int
	retryEnabled  bool
	maxAttempts   int
	breakerConfig *breakerSettings
	breakers      map[string]*gobreaker.CircuitBreaker

	metrics   mcptypes.RoutingMetrics
	telemetry *telemetry.Metrics
}

type breakerSettings struct {
	failureThreshold uint32
	recoveryTimeout  time.Duration
}

func New(reg serverLookup) *Router {
	return &Router{
		registry:    reg,
		resolution:  make(map[string]string),
		fallback:    make(map[string]string),
		loadBalance: make(map[string][]string),
		lbIndex:     make(map[string]int),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		metrics:     mcptypes.RoutingMetrics{CallsPerServer: map[string]int64{}, CallsPerTool: map[string]int64{}},
	}
}

func (r *Router) SetResolution(tool, server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolution[tool] = server
}

func (r *Router) AddFallback(server, fallback string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback[server] = fallback
}

func (r *Router) EnableRetry(maxAttempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryEnabled = true
	r.maxAttempts = maxAttempts
}

// SetTelemetry wires Prometheus instruments into the router. Optional;
// nil (the default) means no metrics are recorded.
func (r *Router) SetTelemetry(m *telemetry.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry = m
}

func (r *Router) EnableLoadBalancing(tool string, servers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadBalance[tool] = servers
	r.lbIndex[tool] = 0
}

// EnableCircuitBreaker configures the per-server breaker lazily constructed
// on first use for each server name.
func (r *Router) EnableCircuitBreaker(failureThreshold uint32, recoveryTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerConfig = &breakerSettings{failureThreshold: failureThreshold, recoveryTimeout: recoveryTimeout}
}

func (r *Router) breakerFor(server string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[server]; ok {
		return cb
	}
	if r.breakerConfig == nil {
		return nil
	}
	cfg := r.breakerConfig
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        server,
		MaxRequests: 1,
		Timeout:     cfg.recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info("router", "circuit breaker for server %q: %s -> %s", name, from, to)
			r.mu.Lock()
			m := r.telemetry
			r.mu.Unlock()
			if m != nil {
				m.RecordCircuitBreakerState(name, breakerStateValue(to))
			}
		},
	})
	r.breakers[server] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return telemetry.CircuitOpen
	case gobreaker.StateHalfOpen:
		return telemetry.CircuitHalfOpen
	default:
		return telemetry.CircuitClosed
	}
}

// breakerOpen reports whether server's breaker currently rejects calls,
// without itself issuing a probe request.
func (r *Router) breakerOpen(server string) bool {
	cb := r.breakerFor(server)
	if cb == nil {
		return false
	}
	return cb.State() == gobreaker.StateOpen
}

// pickServer resolves a bare tool name to a target server via, in order,
// the load-balancing table, the explicit resolution map, and finally a
// scan of all servers for the first one exposing the tool.
func (r *Router) pickServer(tool string) (string, bool) {
	r.mu.Lock()
	servers, hasLB := r.loadBalance[tool]
	r.mu.Unlock()
	if hasLB && len(servers) > 0 {
		r.mu.Lock()
		idx := r.lbIndex[tool] % len(servers)
		r.lbIndex[tool] = idx + 1
		r.mu.Unlock()
		return servers[idx], true
	}

	r.mu.Lock()
	server, hasResolution := r.resolution[tool]
	r.mu.Unlock()
	if hasResolution {
		return server, true
	}

	for _, inst := range r.registry.GetAllServers() {
		for _, t := range inst.Tools {
			if t.Name == tool {
				return inst.Name, true
			}
		}
	}
	return "", false
}

// Route dispatches one call per spec.md §4.5's eight-step algorithm.
func (r *Router) Route(ctx context.Context, toolName string, args map[string]any) (*mcptypes.ToolResult, error) {
	server, tool := namespacemgr.ParseName(toolName)

	var serverName string
	if server != nil {
		serverName = *server
		if r.breakerOpen(serverName) {
			return nil, mcperrors.NewServerNotAvailableError(serverName, "circuit open")
		}
	} else {
		resolved, ok := r.pickServer(tool)
		if !ok {
			return nil, mcperrors.NewToolNotFoundError(tool)
		}
		serverName = resolved
	}

	inst, ok := r.registry.GetServer(serverName)
	if !ok || !inst.IsAvailable() {
		fallbackName, hasFallback := r.fallbackFor(serverName)
		if !hasFallback {
			return nil, mcperrors.NewServerNotAvailableError(serverName, "server missing or disconnected")
		}
		fallbackInst, ok := r.registry.GetServer(fallbackName)
		if !ok || !fallbackInst.IsAvailable() {
			return nil, mcperrors.NewServerNotAvailableError(fallbackName, "fallback also unavailable")
		}
		inst = fallbackInst
		serverName = fallbackName
	}

	if !hasTool(inst, tool) {
		return nil, mcperrors.NewToolNotFoundError(tool)
	}

	start := time.Now()
	result, err := r.executeWithPolicy(ctx, serverName, inst.Client, tool, args)
	elapsed := time.Since(start)

	success := err == nil && result != nil && !result.IsError
	r.recordOutcome(serverName, tool, success, elapsed)
	return result, err
}

func (r *Router) fallbackFor(server string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.fallback[server]
	return name, ok
}

func hasTool(inst *registry.ServerInstance, tool string) bool {
	for _, t := range inst.Tools {
		if t.Name == tool {
			return true
		}
	}
	return false
}

// executeWithPolicy wraps the downstream call_tool with retry and the
// per-server circuit breaker.
func (r *Router) executeWithPolicy(ctx context.Context, serverName string, client mcpclient.Client, tool string, args map[string]any) (*mcptypes.ToolResult, error) {
	r.mu.Lock()
	retryEnabled := r.retryEnabled
	maxAttempts := r.maxAttempts
	r.mu.Unlock()
	if !retryEnabled || maxAttempts < 1 {
		maxAttempts = 1
	}

	cb := r.breakerFor(serverName)

	var lastResult *mcptypes.ToolResult
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(0.1*math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var result *mcptypes.ToolResult
		var err error
		if cb != nil {
			var resAny any
			resAny, err = cb.Execute(func() (any, error) {
				res, callErr := client.CallTool(ctx, tool, args)
				if callErr != nil {
					return nil, callErr
				}
				if res.IsError {
					return res, fmt.Errorf("tool returned an error result")
				}
				return res, nil
			})
			if resAny != nil {
				result = resAny.(*mcptypes.ToolResult)
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				err = mcperrors.NewServerNotAvailableError(serverName, "circuit open")
			}
		} else {
			result, err = client.CallTool(ctx, tool, args)
		}

		lastResult, lastErr = result, err
		if err == nil && (result == nil || !result.IsError) {
			return result, nil
		}
		if mcperrors.IsServerNotAvailable(err) {
			return nil, err
		}
	}
	if lastResult != nil {
		return lastResult, nil
	}
	return nil, lastErr
}

// RouteBatch runs calls concurrently, preserving input order in results.
func (r *Router) RouteBatch(ctx context.Context, calls []Call) []CallResult {
	results := make([]CallResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := r.Route(ctx, call.ToolName, call.Args)
			results[i] = CallResult{Result: result, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// Call is one entry in a RouteBatch request.
type Call struct {
	ToolName string
	Args     map[string]any
}

// CallResult is one entry in a RouteBatch response.
type CallResult struct {
	Result *mcptypes.ToolResult
	Err    error
}

func (r *Router) recordOutcome(server, tool string, success bool, elapsed time.Duration) {
	r.mu.Lock()
	r.metrics.TotalCalls++
	r.metrics.CallsPerServer[server]++
	r.metrics.CallsPerTool[tool]++
	if success {
		r.metrics.SuccessfulCalls++
	} else {
		r.metrics.FailedCalls++
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	r.metrics.AvgLatencyMs += (ms - r.metrics.AvgLatencyMs) / float64(r.metrics.TotalCalls)
	if r.metrics.TotalCalls > 0 {
		r.metrics.SuccessRate = float64(r.metrics.SuccessfulCalls) / float64(r.metrics.TotalCalls)
	}
	m := r.telemetry
	r.mu.Unlock()

	if m != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		m.RecordRouterCall(server, tool, outcome, elapsed.Seconds())
	}
}

func (r *Router) GetMetrics() mcptypes.RoutingMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// ValidateArguments does a shallow JSON-Schema check: required fields
// present, and top-level property types match one of
// string|number|boolean|object|array. Rich schema validation is out of
// scope per spec.md §4.5.
func ValidateArguments(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var parsed schemaDoc
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return mcperrors.NewProtocolError("", 0, "invalid tool schema: "+err.Error())
	}
	for _, req := range parsed.Required {
		if _, ok := args[req]; !ok {
			return mcperrors.NewProtocolError("", 0, fmt.Sprintf("missing required argument %q", req))
		}
	}
	for name, prop := range parsed.Properties {
		val, ok := args[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !typeMatches(prop.Type, val) {
			return mcperrors.NewProtocolError("", 0, fmt.Sprintf("argument %q: expected %s", name, prop.Type))
		}
	}
	return nil
}

type schemaProperty struct {
	Type string `json:"type"`
}

type schemaDoc struct {
	Required   []string                  `json:"required"`
	Properties map[string]schemaProperty `json:"properties"`
}

func typeMatches(schemaType string, val any) bool {
	switch schemaType {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}
