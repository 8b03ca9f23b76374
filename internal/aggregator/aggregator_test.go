package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpmesh/internal/cache"
	"mcpmesh/internal/mcptypes"
	"mcpmesh/internal/namespacemgr"
	"mcpmesh/internal/registry"
	"mcpmesh/internal/router"
)

type fakeClient struct {
	name           string
	state          mcptypes.ConnectionState
	tools          []mcptypes.Tool
	resources      []mcptypes.Resource
	resourceBody   []byte
	readCallCount  int
	callToolResult *mcptypes.ToolResult
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
func (f *fakeClient) ListTools(ctx context.Context) ([]mcptypes.Tool, error) { return f.tools, nil }
func (f *fakeClient) ListResources(ctx context.Context) ([]mcptypes.Resource, error) {
	return f.resources, nil
}
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.ToolResult, error) {
	if f.callToolResult != nil {
		return f.callToolResult, nil
	}
	return &mcptypes.ToolResult{Content: []mcptypes.ContentBlock{{Type: "text", Text: "done"}}}, nil
}
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcptypes.ResourceContent, error) {
	f.readCallCount++
	return &mcptypes.ResourceContent{URI: uri, Content: f.resourceBody}, nil
}
func (f *fakeClient) Ping(ctx context.Context) (bool, error)   { return true, nil }
func (f *fakeClient) GetStats() mcptypes.ConnectionStats       { return mcptypes.ConnectionStats{} }
func (f *fakeClient) IsConnected() bool                        { return f.state == mcptypes.StateConnected }
func (f *fakeClient) Name() string                             { return f.name }
func (f *fakeClient) State() mcptypes.ConnectionState          { return f.state }

func newTestAggregator(t *testing.T) (*Aggregator, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	ns := namespacemgr.NewManager(mcptypes.PriorityBased)
	c := cache.New(cache.Config{MaxItems: 100})
	rtr := router.New(reg)
	agg := New(reg, ns, c, rtr, Config{CacheTTLSeconds: 60})
	return agg, reg
}

func registerConnected(t *testing.T, reg *registry.Registry, name string, priority int, client *fakeClient) {
	t.Helper()
	client.state = mcptypes.StateConnected
	require.NoError(t, reg.Register(name, client, mcptypes.ServerConfig{Name: name, Priority: priority}))
	require.NoError(t, reg.UpdateState(name, mcptypes.StateConnected))
}

func TestRefreshAllBuildsCatalogAndMetadata(t *testing.T) {
	agg, reg := newTestAggregator(t)
	registerConnected(t, reg, "db", 50, &fakeClient{name: "db", tools: []mcptypes.Tool{{Name: "query"}}})
	registerConnected(t, reg, "fs", 50, &fakeClient{name: "fs", tools: []mcptypes.Tool{{Name: "read"}}})

	require.NoError(t, agg.Initialize(context.Background()))

	tools := agg.GetAllTools()
	require.Len(t, tools, 2)

	meta := agg.GetMetadata()
	assert.Equal(t, 2, meta.TotalServers)
	assert.Equal(t, 2, meta.ConnectedServers)
	assert.Equal(t, 2, meta.TotalTools)
	assert.False(t, meta.HasCriticalFailures)
}

func TestGetToolResolvesBareNameByPriority(t *testing.T) {
	agg, reg := newTestAggregator(t)
	registerConnected(t, reg, "db", 50, &fakeClient{name: "db", tools: []mcptypes.Tool{{Name: "execute_query"}}})
	registerConnected(t, reg, "analytics", 30, &fakeClient{name: "analytics", tools: []mcptypes.Tool{{Name: "execute_query"}}})

	require.NoError(t, agg.Initialize(context.Background()))

	tool, ok := agg.GetTool("execute_query")
	require.True(t, ok)
	assert.Equal(t, "db", tool.ServerName)

	namespaced, ok := agg.GetTool("analytics.execute_query")
	require.True(t, ok)
	assert.Equal(t, "analytics", namespaced.ServerName)
}

func TestRemoveServerPurgesCatalog(t *testing.T) {
	agg, reg := newTestAggregator(t)
	registerConnected(t, reg, "db", 50, &fakeClient{name: "db", tools: []mcptypes.Tool{{Name: "query"}}})
	registerConnected(t, reg, "fs", 50, &fakeClient{name: "fs", tools: []mcptypes.Tool{{Name: "read"}}})
	require.NoError(t, agg.Initialize(context.Background()))
	require.Len(t, agg.GetAllTools(), 2)

	require.NoError(t, agg.RemoveServer(context.Background(), "fs"))

	tools := agg.GetAllTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "db", tools[0].ServerName)
}

func TestUpdateServerStateFlipsAvailabilityWithoutDroppingEntry(t *testing.T) {
	agg, reg := newTestAggregator(t)
	registerConnected(t, reg, "db", 50, &fakeClient{name: "db", tools: []mcptypes.Tool{{Name: "query"}}})
	require.NoError(t, agg.Initialize(context.Background()))

	require.NoError(t, agg.UpdateServerState("db", mcptypes.StateError))

	tools := agg.GetAllTools()
	require.Len(t, tools, 1)
	assert.False(t, tools[0].IsAvailable)
}

func TestExecuteToolDelegatesToRouter(t *testing.T) {
	agg, reg := newTestAggregator(t)
	registerConnected(t, reg, "db", 50, &fakeClient{name: "db", tools: []mcptypes.Tool{{Name: "query"}}})
	require.NoError(t, agg.Initialize(context.Background()))

	result, err := agg.ExecuteTool(context.Background(), "db.query", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text())
}

func TestGetResourceIsCacheThrough(t *testing.T) {
	agg, reg := newTestAggregator(t)
	client := &fakeClient{
		name:         "docs",
		resources:    []mcptypes.Resource{{URI: "file:///readme.md", Name: "readme"}},
		resourceBody: []byte("hello"),
	}
	registerConnected(t, reg, "docs", 50, client)
	require.NoError(t, agg.Initialize(context.Background()))

	res, ok := agg.GetResource("docs:file:///readme.md")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), res.Content)
	assert.Equal(t, 1, client.readCallCount)

	require.NoError(t, agg.RefreshAll(context.Background()))
	assert.Equal(t, 1, client.readCallCount, "second refresh should hit the cache, not re-fetch")
}
