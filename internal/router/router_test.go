package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcpclient"
	"mcpmesh/internal/mcptypes"
	"mcpmesh/internal/registry"
)

// fakeClient is a minimal mcpclient.Client double driven entirely by test
// setup, mirroring the registry package's own fake.
type fakeClient struct {
	name      string
	state     mcptypes.ConnectionState
	callErr   error
	callCount int
	failTimes int // CallTool fails this many times before succeeding
}

func (f *fakeClient) Connect(ctx context.Context) (*mcptypes.ConnectionResult, error) {
	return &mcptypes.ConnectionResult{Success: true}, nil
}
func (f *fakeClient) Disconnect(ctx context.Context) error { return nil }
func (f *fakeClient) Reconnect(ctx context.Context) (*mcptypes.ConnectionResult, error) {
	return &mcptypes.ConnectionResult{Success: true}, nil
}
func (f *fakeClient) Initialize(ctx context.Context) (*mcptypes.InitializeResult, error) {
	return &mcptypes.InitializeResult{}, nil
}
func (f *fakeClient) ListTools(ctx context.Context) ([]mcptypes.Tool, error) { return nil, nil }
func (f *fakeClient) ListResources(ctx context.Context) ([]mcptypes.Resource, error) {
	return nil, nil
}
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.ToolResult, error) {
	f.callCount++
	if f.callCount <= f.failTimes {
		return nil, f.callErr
	}
	return &mcptypes.ToolResult{Content: []mcptypes.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcptypes.ResourceContent, error) {
	return nil, nil
}
func (f *fakeClient) Ping(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeClient) GetStats() mcptypes.ConnectionStats     { return mcptypes.ConnectionStats{} }
func (f *fakeClient) IsConnected() bool                      { return f.state == mcptypes.StateConnected }
func (f *fakeClient) Name() string                           { return f.name }
func (f *fakeClient) State() mcptypes.ConnectionState        { return f.state }

func newFakeRegistry(t *testing.T, instances ...*registry.ServerInstance) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, inst := range instances {
		require.NoError(t, reg.Register(inst.Name, inst.Client, inst.Config))
		require.NoError(t, reg.UpdateState(inst.Name, inst.State))
		got, _ := reg.GetServer(inst.Name)
		got.Tools = inst.Tools
	}
	return reg
}

func connectedInstance(name string, tool string, client mcpclient.Client) *registry.ServerInstance {
	return &registry.ServerInstance{
		Name:   name,
		Client: client,
		Config: mcptypes.ServerConfig{Name: name},
		State:  mcptypes.StateConnected,
		Tools:  []mcptypes.Tool{{Name: tool}},
	}
}

func TestRouteDispatchesNamespacedCall(t *testing.T) {
	client := &fakeClient{name: "db", state: mcptypes.StateConnected}
	reg := newFakeRegistry(t, connectedInstance("db", "execute_query", client))

	r := New(reg)
	result, err := r.Route(context.Background(), "db.execute_query", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())
}

func TestRouteFallsBackWhenPrimaryUnavailable(t *testing.T) {
	primary := &fakeClient{name: "primary", state: mcptypes.StateError}
	fallback := &fakeClient{name: "backup", state: mcptypes.StateConnected}
	reg := newFakeRegistry(t,
		&registry.ServerInstance{Name: "primary", Client: primary, State: mcptypes.StateError, Tools: []mcptypes.Tool{{Name: "lookup"}}},
		connectedInstance("backup", "lookup", fallback),
	)

	r := New(reg)
	r.AddFallback("primary", "backup")

	result, err := r.Route(context.Background(), "primary.lookup", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())
	assert.Equal(t, 1, fallback.callCount)
}

func TestRouteReturnsServerNotAvailableWithoutFallback(t *testing.T) {
	reg := newFakeRegistry(t, &registry.ServerInstance{
		Name: "primary", Client: &fakeClient{name: "primary", state: mcptypes.StateError},
		State: mcptypes.StateError, Tools: []mcptypes.Tool{{Name: "lookup"}},
	})

	r := New(reg)
	_, err := r.Route(context.Background(), "primary.lookup", nil)
	require.Error(t, err)
	assert.True(t, mcperrors.IsServerNotAvailable(err))
}

func TestRouteRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{name: "flaky", state: mcptypes.StateConnected, failTimes: 2, callErr: assertErr("transient")}
	reg := newFakeRegistry(t, connectedInstance("flaky", "op", client))

	r := New(reg)
	r.EnableRetry(5)

	start := time.Now()
	result, err := r.Route(context.Background(), "flaky.op", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())
	assert.Equal(t, 3, client.callCount)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := &fakeClient{name: "bad", state: mcptypes.StateConnected, failTimes: 100, callErr: assertErr("down")}
	reg := newFakeRegistry(t, connectedInstance("bad", "op", client))

	r := New(reg)
	r.EnableCircuitBreaker(2, time.Minute)

	_, err1 := r.Route(context.Background(), "bad.op", nil)
	require.Error(t, err1)
	_, err2 := r.Route(context.Background(), "bad.op", nil)
	require.Error(t, err2)

	_, err3 := r.Route(context.Background(), "bad.op", nil)
	require.Error(t, err3)
	assert.Contains(t, err3.Error(), "circuit")
}

func TestCircuitBreakerOpenOnBareNameSurfacesServerNotAvailable(t *testing.T) {
	client := &fakeClient{name: "bad", state: mcptypes.StateConnected, failTimes: 100, callErr: assertErr("down")}
	reg := newFakeRegistry(t, connectedInstance("bad", "op", client))

	r := New(reg)
	r.EnableCircuitBreaker(2, time.Minute)

	_, err1 := r.Route(context.Background(), "op", nil)
	require.Error(t, err1)
	_, err2 := r.Route(context.Background(), "op", nil)
	require.Error(t, err2)

	_, err3 := r.Route(context.Background(), "op", nil)
	require.Error(t, err3)
	assert.True(t, mcperrors.IsServerNotAvailable(err3))
}

func TestRouteBatchPreservesOrder(t *testing.T) {
	a := &fakeClient{name: "a", state: mcptypes.StateConnected}
	b := &fakeClient{name: "b", state: mcptypes.StateConnected}
	reg := newFakeRegistry(t, connectedInstance("a", "one", a), connectedInstance("b", "two", b))

	r := New(reg)
	results := r.RouteBatch(context.Background(), []Call{
		{ToolName: "a.one"},
		{ToolName: "b.two"},
	})
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
}

func TestValidateArgumentsRequiresFields(t *testing.T) {
	schema := []byte(`{"required":["name"],"properties":{"name":{"type":"string"}}}`)
	assert.NoError(t, ValidateArguments(schema, map[string]any{"name": "x"}))
	assert.Error(t, ValidateArguments(schema, map[string]any{}))
	assert.Error(t, ValidateArguments(schema, map[string]any{"name": 5}))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
