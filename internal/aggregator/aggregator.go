// Package aggregator maintains the unified, refreshable catalog of tools
// and resources across all registered backend servers. Unlike the
// teacher's aggregator package, which re-exposes the merged catalog as its
// own downstream MCP server, this is a pure library consumed directly by
// an embedding application through GetAllTools/GetTool/GetAllResources/
// GetResource/ExecuteTool/GetMetadata, with Initialize, RefreshAll,
// AddServer, RemoveServer and UpdateServerState keeping the catalog current.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mcpmesh/internal/cache"
	"mcpmesh/internal/mcpclient"
	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
	"mcpmesh/internal/namespacemgr"
	"mcpmesh/internal/registry"
	"mcpmesh/internal/router"
	"mcpmesh/pkg/logging"
)

// Aggregator is the component described in spec.md §4.4. It subscribes to
// registry events and keeps its catalog current without the caller ever
// polling.
type Aggregator struct {
	registry      *registry.Registry
	nsManager     *namespacemgr.Manager
	cache         *cache.Cache
	router        *router.Router
	cacheTTL      int
	parallelFetch bool

	ctx context.Context

	mu             sync.RWMutex
	toolsByKey     map[string]mcptypes.AggregatedTool
	resourcesByKey map[string]mcptypes.AggregatedResource
	lastUpdated    time.Time
}

// Config bundles the aggregator's tuning knobs, all of which come from
// spec.md §4.4/§4.6.
type Config struct {
	CacheTTLSeconds int
	ParallelFetch   bool
}

func New(reg *registry.Registry, nsManager *namespacemgr.Manager, c *cache.Cache, rtr *router.Router, cfg Config) *Aggregator {
	return &Aggregator{
		registry:       reg,
		nsManager:      nsManager,
		cache:          c,
		router:         rtr,
		cacheTTL:       cfg.CacheTTLSeconds,
		parallelFetch:  cfg.ParallelFetch,
		toolsByKey:     make(map[string]mcptypes.AggregatedTool),
		resourcesByKey: make(map[string]mcptypes.AggregatedResource),
	}
}

// Initialize subscribes to registry lifecycle events and performs the
// first catalog build.
func (a *Aggregator) Initialize(ctx context.Context) error {
	a.ctx = ctx
	a.registry.Subscribe(a.onEvent)
	return a.RefreshAll(ctx)
}

func (a *Aggregator) onEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.EventServerRegistered:
		go func() {
			bg := a.ctx
			if bg == nil {
				bg = context.Background()
			}
			if err := a.RefreshAll(bg); err != nil {
				logging.Warn("aggregator", "refresh after registration of %q failed: %v", ev.ServerName, err)
			}
		}()
	case registry.EventServerUnregistered:
		a.purgeServer(ev.ServerName)
	case registry.EventStateChanged:
		a.applyAvailability(ev.ServerName, ev.NewState == mcptypes.StateConnected)
	}
}

// RefreshAll rebuilds both catalogs, running the two fetches concurrently
// when parallel_fetch is set and sequentially otherwise.
func (a *Aggregator) RefreshAll(ctx context.Context) error {
	if a.parallelFetch {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.refreshTools(gctx) })
		g.Go(func() error { return a.refreshResources(gctx) })
		return g.Wait()
	}
	if err := a.refreshTools(ctx); err != nil {
		return err
	}
	return a.refreshResources(ctx)
}

// refreshTools fetches tools from every currently-available server, runs
// conflict detection, and atomically swaps in the rebuilt catalog.
func (a *Aggregator) refreshTools(ctx context.Context) error {
	toolsByServer := make(map[string][]mcptypes.Tool)
	priorities := make(map[string]int)

	for _, inst := range a.registry.GetAllServers() {
		if !inst.IsAvailable() {
			continue
		}
		tools, err := inst.Client.ListTools(ctx)
		if err != nil {
			logging.Warn("aggregator", "list_tools failed for server %q: %v", inst.Name, err)
			continue
		}
		toolsByServer[inst.Name] = tools
		priorities[inst.Name] = inst.Config.Priority
	}

	a.nsManager.DetectToolConflicts(toolsByServer, priorities)

	next := make(map[string]mcptypes.AggregatedTool)
	for server, tools := range toolsByServer {
		for _, tool := range tools {
			key := namespacemgr.CreateNamespacedName(server, tool.Name)
			next[key] = mcptypes.AggregatedTool{
				NamespacedName: key,
				OriginalName:   tool.Name,
				ServerName:     server,
				Description:    tool.Description,
				InputSchema:    tool.Parameters,
				Priority:       priorities[server],
				IsAvailable:    true,
			}
		}
	}

	a.mu.Lock()
	a.toolsByKey = next
	a.lastUpdated = time.Now()
	a.mu.Unlock()
	return nil
}

// refreshResources fetches resource listings from every available server,
// runs conflict detection by URI, and populates content cache-through
// (consulting the cache first, fetching and backfilling on a miss).
func (a *Aggregator) refreshResources(ctx context.Context) error {
	resourcesByServer := make(map[string][]mcptypes.Resource)
	priorities := make(map[string]int)

	for _, inst := range a.registry.GetAllServers() {
		if !inst.IsAvailable() {
			continue
		}
		resources, err := inst.Client.ListResources(ctx)
		if err != nil {
			logging.Warn("aggregator", "list_resources failed for server %q: %v", inst.Name, err)
			continue
		}
		resourcesByServer[inst.Name] = resources
		priorities[inst.Name] = inst.Config.Priority
	}

	a.nsManager.DetectResourceConflicts(resourcesByServer, priorities)

	next := make(map[string]mcptypes.AggregatedResource)
	for server, resources := range resourcesByServer {
		inst, _ := a.registry.GetServer(server)
		for _, res := range resources {
			key := server + ":" + res.URI
			content := a.cache.Get(key, false)
			if content == nil && inst != nil {
				if rc, err := inst.Client.ReadResource(ctx, res.URI); err == nil && rc != nil {
					content = rc.Content
					if putErr := a.cache.Put(key, content, a.cacheTTL); putErr != nil {
						logging.Warn("aggregator", "failed to cache resource %q: %v", key, putErr)
					}
				}
			}
			next[key] = mcptypes.AggregatedResource{
				NamespacedURI: key,
				URI:           res.URI,
				ServerName:    server,
				Name:          res.Name,
				Description:   res.Description,
				MimeType:      res.MimeType,
				Content:       content,
				CachedAt:      time.Now(),
				TTLSeconds:    a.cacheTTL,
			}
		}
	}

	a.mu.Lock()
	a.resourcesByKey = next
	a.lastUpdated = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) purgeServer(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.toolsByKey {
		if v.ServerName == name {
			delete(a.toolsByKey, k)
		}
	}
	for k, v := range a.resourcesByKey {
		if v.ServerName == name {
			delete(a.resourcesByKey, k)
		}
	}
}

func (a *Aggregator) applyAvailability(server string, available bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.toolsByKey {
		if v.ServerName == server {
			v.IsAvailable = available
			a.toolsByKey[k] = v
		}
	}
}

// GetAllTools returns every aggregated tool, ordered by namespaced name.
func (a *Aggregator) GetAllTools() []mcptypes.AggregatedTool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]mcptypes.AggregatedTool, 0, len(a.toolsByKey))
	for _, t := range a.toolsByKey {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NamespacedName < out[j].NamespacedName })
	return out
}

// GetTool resolves name, namespaced or bare, to its AggregatedTool.
func (a *Aggregator) GetTool(name string) (*mcptypes.AggregatedTool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if server, bare := namespacemgr.ParseName(name); server != nil {
		key := namespacemgr.CreateNamespacedName(*server, bare)
		if t, ok := a.toolsByKey[key]; ok {
			return &t, true
		}
		return nil, false
	}

	if server := a.nsManager.GetResolvedServer(name); server != nil {
		key := namespacemgr.CreateNamespacedName(*server, name)
		if t, ok := a.toolsByKey[key]; ok {
			return &t, true
		}
	}
	return nil, false
}

// GetAllResources returns every aggregated resource, ordered by namespaced
// URI.
func (a *Aggregator) GetAllResources() []mcptypes.AggregatedResource {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]mcptypes.AggregatedResource, 0, len(a.resourcesByKey))
	for _, r := range a.resourcesByKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NamespacedURI < out[j].NamespacedURI })
	return out
}

// GetResource resolves uri (namespaced "server:uri" or a bare URI) to its
// AggregatedResource. Content is the value captured by the last
// refresh_resources, which read it through the cache; GetResource itself
// neither consults the cache nor fetches from the backend, so a resource
// missing from that refresh is not found.
func (a *Aggregator) GetResource(uri string) (*mcptypes.AggregatedResource, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if r, ok := a.resourcesByKey[uri]; ok {
		return &r, true
	}
	if server := a.nsManager.GetResolvedServer(uri); server != nil {
		key := *server + ":" + uri
		if r, ok := a.resourcesByKey[key]; ok {
			return &r, true
		}
	}
	for _, r := range a.resourcesByKey {
		if r.URI == uri {
			return &r, true
		}
	}
	return nil, false
}

// ExecuteTool delegates to the router.
func (a *Aggregator) ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcptypes.ToolResult, error) {
	if a.router == nil {
		return nil, mcperrors.NewToolNotFoundError(name)
	}
	return a.router.Route(ctx, name, args)
}

// AddServer registers a new backend and refreshes the catalog.
func (a *Aggregator) AddServer(ctx context.Context, name string, client mcpclient.Client, config mcptypes.ServerConfig) error {
	if err := a.registry.Register(name, client, config); err != nil {
		return err
	}
	return a.RefreshAll(ctx)
}

// RemoveServer unregisters a backend, purges its catalog entries, resets
// the namespace manager, and re-runs conflict detection over what remains.
func (a *Aggregator) RemoveServer(ctx context.Context, name string) error {
	if err := a.registry.Unregister(ctx, name); err != nil {
		return err
	}
	a.purgeServer(name)
	a.nsManager.Reset()
	return a.RefreshAll(ctx)
}

// UpdateServerState flips a server's connection state; the resulting
// state_changed event updates is_available on its AggregatedTools.
func (a *Aggregator) UpdateServerState(name string, state mcptypes.ConnectionState) error {
	return a.registry.UpdateState(name, state)
}

// GetMetadata summarizes the aggregator's current view.
func (a *Aggregator) GetMetadata() mcptypes.AggregationMetadata {
	a.mu.RLock()
	totalTools := len(a.toolsByKey)
	totalResources := len(a.resourcesByKey)
	lastUpdated := a.lastUpdated
	a.mu.RUnlock()

	allServers := a.registry.GetAllServers()
	hasCriticalFailures := false
	for _, inst := range a.registry.GetCriticalServers() {
		if !inst.IsAvailable() {
			hasCriticalFailures = true
			break
		}
	}

	return mcptypes.AggregationMetadata{
		TotalServers:        len(allServers),
		ConnectedServers:    len(a.registry.GetConnectedServers()),
		TotalTools:          totalTools,
		TotalResources:      totalResources,
		NamespaceConflicts:  a.nsManager.GetStatistics().Total,
		CacheSizeBytes:      a.cache.Stats().TotalSizeBytes,
		LastUpdated:         lastUpdated,
		HasCriticalFailures: hasCriticalFailures,
	}
}
