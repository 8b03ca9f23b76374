package mcpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
	"mcpmesh/pkg/logging"
)

// baseClient holds everything common to all three transports: the lifecycle
// state machine, connection stats, the pending-request correlation map, and
// the retry-with-backoff connect loop. Transports embed it and supply only
// their own wire mechanics.
type baseClient struct {
	name      string
	config    mcptypes.ServerConfig
	subsystem string // logging tag, e.g. "client.stdio"

	mu    sync.RWMutex
	state mcptypes.ConnectionState
	stats mcptypes.ConnectionStats

	idCounter int64
	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpcResponse
}

func newBaseClient(name, subsystem string, config mcptypes.ServerConfig) *baseClient {
	return &baseClient{
		name:      name,
		config:    config,
		subsystem: subsystem,
		state:     mcptypes.StateDisconnected,
		pending:   make(map[int64]chan *jsonrpcResponse),
	}
}

func (b *baseClient) Name() string { return b.name }

func (b *baseClient) State() mcptypes.ConnectionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *baseClient) IsConnected() bool {
	return b.State() == mcptypes.StateConnected
}

func (b *baseClient) setState(s mcptypes.ConnectionState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *baseClient) GetStats() mcptypes.ConnectionStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

func (b *baseClient) recordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.LastActivity = time.Now()
	b.stats.RequestsSent++
	if b.stats.AverageLatency == 0 {
		b.stats.AverageLatency = latency
	} else {
		// simple rolling average
		b.stats.AverageLatency = (b.stats.AverageLatency + latency) / 2
	}
}

func (b *baseClient) recordError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.ErrorsCount++
}

func (b *baseClient) nextRequestID() int64 {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	b.idCounter++
	return b.idCounter
}

// registerPending allocates a correlation channel for a newly sent request.
func (b *baseClient) registerPending(id int64) chan *jsonrpcResponse {
	ch := make(chan *jsonrpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()
	return ch
}

func (b *baseClient) dropPending(id int64) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// dispatchResponse routes an inbound response to its waiting caller, if
// any. Called by each transport's reader goroutine.
func (b *baseClient) dispatchResponse(resp *jsonrpcResponse) {
	b.pendingMu.Lock()
	ch, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.pendingMu.Unlock()
	if !ok {
		logging.Debug(b.subsystem, "response for unknown or expired request id %d on server %q", resp.ID, b.name)
		return
	}
	ch <- resp
}

// failAllPending delivers a terminal error to every in-flight request,
// used on disconnect and on transport-level failure.
func (b *baseClient) failAllPending(err error) {
	b.pendingMu.Lock()
	pending := b.pending
	b.pending = make(map[int64]chan *jsonrpcResponse)
	b.pendingMu.Unlock()

	errResp := &jsonrpcResponse{Error: &jsonrpcError{Code: -32000, Message: err.Error()}}
	for _, ch := range pending {
		ch <- errResp
	}
}

// effectiveTimeout returns the configured per-operation deadline, defaulting
// to 30s when unset.
func (b *baseClient) effectiveTimeout() time.Duration {
	if b.config.Timeout > 0 {
		return b.config.Timeout
	}
	return 30 * time.Second
}

// withTimeout wraps ctx with the client's configured deadline.
func (b *baseClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.effectiveTimeout())
}

// waitForResponse blocks on ch until a response, ctx deadline, or timeout,
// purging the pending entry and converting to a TimeoutError on expiry.
func (b *baseClient) waitForResponse(ctx context.Context, id int64, operation string, ch chan *jsonrpcResponse) (*jsonrpcResponse, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		b.dropPending(id)
		b.recordError()
		return nil, mcperrors.NewTimeoutError(b.name, operation, b.effectiveTimeout())
	}
}

// validateConfig rejects construction-time misconfiguration per spec.md §4.1.
func validateConfig(cfg mcptypes.ServerConfig) error {
	if cfg.Timeout <= 0 {
		return mcperrors.NewConfigError(cfg.Name, "timeout", "must be > 0")
	}
	if cfg.RetryAttempts < 1 {
		return mcperrors.NewConfigError(cfg.Name, "retry_attempts", "must be >= 1")
	}
	switch cfg.Transport {
	case mcptypes.TransportStdio:
		if cfg.Stdio == nil || cfg.Stdio.Command == "" {
			return mcperrors.NewConfigError(cfg.Name, "stdio.command", "required for stdio transport")
		}
	case mcptypes.TransportSSE:
		if cfg.SSE == nil || cfg.SSE.URL == "" {
			return mcperrors.NewConfigError(cfg.Name, "sse.url", "required for sse transport")
		}
	case mcptypes.TransportHTTP:
		if cfg.HTTP == nil || cfg.HTTP.BaseURL == "" {
			return mcperrors.NewConfigError(cfg.Name, "http.base_url", "required for http transport")
		}
	default:
		return mcperrors.NewConfigError(cfg.Name, "transport", fmt.Sprintf("unknown transport %q", cfg.Transport))
	}
	return nil
}

// connectWithRetry drives the DISCONNECTED -> INITIALIZING -> CONNECTED|ERROR
// state transitions, retrying dial with exponential backoff plus jitter up
// to config.RetryAttempts. dial performs one connection attempt.
func (b *baseClient) connectWithRetry(ctx context.Context, dial func(ctx context.Context) error) (*mcptypes.ConnectionResult, error) {
	if b.IsConnected() {
		return &mcptypes.ConnectionResult{Success: true, TraceID: uuid.NewString()}, nil
	}

	b.setState(mcptypes.StateInitializing)
	traceID := uuid.NewString()

	maxAttempts := b.config.RetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	operation := func() (struct{}, error) {
		err := dial(ctx)
		if err != nil {
			logging.Warn(b.subsystem, "connect attempt failed for server %q (trace %s): %v", b.name, traceID, err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		b.setState(mcptypes.StateError)
		b.recordError()
		return &mcptypes.ConnectionResult{
			Success: false,
			Err:     mcperrors.NewConnectionError(b.name, "exhausted retry attempts", err),
			TraceID: traceID,
		}, nil
	}

	b.mu.Lock()
	b.state = mcptypes.StateConnected
	b.stats.ConnectedAt = time.Now()
	b.stats.LastActivity = b.stats.ConnectedAt
	b.mu.Unlock()

	logging.Info(b.subsystem, "server %q connected (trace %s)", b.name, traceID)
	return &mcptypes.ConnectionResult{Success: true, TraceID: traceID, Metadata: map[string]string{"server": b.name}}, nil
}
