// Package registry implements the server registry: a thread-safe map of
// ServerInstances keyed by name, tracking lifecycle, health, and emitting
// events that the aggregator subscribes to.
package registry

import (
	"context"
	"encoding/gob"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mcpmesh/internal/mcpclient"
	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
	"mcpmesh/pkg/logging"
)

// ServerInstance is the registry's entry for one backend server. The
// registry exclusively owns it; the instance exclusively owns its client.
type ServerInstance struct {
	Name             string
	Client           mcpclient.Client
	Config           mcptypes.ServerConfig
	Tools            []mcptypes.Tool
	Resources        []mcptypes.Resource
	ResourceContents map[string][]byte
	State            mcptypes.ConnectionState
	Stats            mcptypes.ConnectionStats

	ConsecutiveFailures int
	LastSeen            time.Time
}

// IsAvailable reports whether the instance currently accepts operations.
func (s *ServerInstance) IsAvailable() bool {
	return s.State == mcptypes.StateConnected
}

// EventKind names a registry lifecycle notification.
type EventKind string

const (
	EventServerRegistered   EventKind = "server_registered"
	EventServerUnregistered EventKind = "server_unregistered"
	EventStateChanged       EventKind = "state_changed"
)

// Event is delivered synchronously to subscribed handlers.
type Event struct {
	Kind       EventKind
	ServerName string
	NewState   mcptypes.ConnectionState
}

// Handler receives registry events. Handlers must not block; a slow or
// panicking handler never blocks or aborts registry mutation.
type Handler func(Event)

// Registry is the thread-safe server registry described in spec.md §4.2.
type Registry struct {
	mu       sync.RWMutex
	servers  map[string]*ServerInstance
	handlers []Handler
	factory  *mcpclient.Factory
}

func New() *Registry {
	return &Registry{
		servers: make(map[string]*ServerInstance),
		factory: mcpclient.NewFactory(),
	}
}

// Subscribe registers a handler for every future event.
func (r *Registry) Subscribe(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

func (r *Registry) emit(ev Event) {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("registry", mcperrors.NewConfigError("", "", "handler panic"), "registry event handler panicked: %v", rec)
				}
			}()
			h(ev)
		}()
	}
}

// Register adds a server instance, failing if the name is already taken.
func (r *Registry) Register(name string, client mcpclient.Client, config mcptypes.ServerConfig) error {
	r.mu.Lock()
	if _, exists := r.servers[name]; exists {
		r.mu.Unlock()
		return mcperrors.NewNamespaceError(name, "server already registered")
	}
	r.servers[name] = &ServerInstance{
		Name:   name,
		Client: client,
		Config: config,
		State:  client.State(),
	}
	r.mu.Unlock()

	logging.Info("registry", "registered server %q", name)
	r.emit(Event{Kind: EventServerRegistered, ServerName: name})
	return nil
}

// Unregister disconnects and removes a server instance.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	inst, exists := r.servers[name]
	if !exists {
		r.mu.Unlock()
		return mcperrors.NewServerNotAvailableError(name, "not registered")
	}
	delete(r.servers, name)
	r.mu.Unlock()

	if err := inst.Client.Disconnect(ctx); err != nil {
		logging.Warn("registry", "disconnect during unregister of %q failed: %v", name, err)
	}
	r.emit(Event{Kind: EventServerUnregistered, ServerName: name})
	return nil
}

func (r *Registry) GetServer(name string) (*ServerInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.servers[name]
	return inst, ok
}

func (r *Registry) GetAllServers() []*ServerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServerInstance, 0, len(r.servers))
	for _, inst := range r.servers {
		out = append(out, inst)
	}
	return out
}

func (r *Registry) GetConnectedServers() []*ServerInstance {
	var out []*ServerInstance
	for _, inst := range r.GetAllServers() {
		if inst.IsAvailable() {
			out = append(out, inst)
		}
	}
	return out
}

// GetServersByPriority returns all servers ordered by descending priority.
func (r *Registry) GetServersByPriority() []*ServerInstance {
	out := r.GetAllServers()
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Priority > out[j].Config.Priority })
	return out
}

func (r *Registry) GetCriticalServers() []*ServerInstance {
	var out []*ServerInstance
	for _, inst := range r.GetAllServers() {
		if inst.Config.Critical {
			out = append(out, inst)
		}
	}
	return out
}

// UpdateState mutates a server's state and emits state_changed.
func (r *Registry) UpdateState(name string, state mcptypes.ConnectionState) error {
	r.mu.Lock()
	inst, exists := r.servers[name]
	if !exists {
		r.mu.Unlock()
		return mcperrors.NewServerNotAvailableError(name, "not registered")
	}
	inst.State = state
	r.mu.Unlock()

	r.emit(Event{Kind: EventStateChanged, ServerName: name, NewState: state})
	return nil
}

func (r *Registry) MarkUnavailable(name string) error {
	return r.UpdateState(name, mcptypes.StateError)
}

// ConnectAll connects every registered server in parallel, returning a
// per-name success map. A failure on one server never blocks the others.
func (r *Registry) ConnectAll(ctx context.Context) map[string]bool {
	return r.fanOut(ctx, func(ctx context.Context, inst *ServerInstance) error {
		result, err := inst.Client.Connect(ctx)
		if err != nil {
			return err
		}
		if !result.Success {
			return result.Err
		}
		return r.UpdateState(inst.Name, mcptypes.StateConnected)
	})
}

// DisconnectAll disconnects every registered server in parallel.
func (r *Registry) DisconnectAll(ctx context.Context) map[string]bool {
	return r.fanOut(ctx, func(ctx context.Context, inst *ServerInstance) error {
		if err := inst.Client.Disconnect(ctx); err != nil {
			return err
		}
		return r.UpdateState(inst.Name, mcptypes.StateDisconnected)
	})
}

func (r *Registry) fanOut(ctx context.Context, fn func(context.Context, *ServerInstance) error) map[string]bool {
	instances := r.GetAllServers()
	results := make(map[string]bool, len(instances))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			err := fn(gctx, inst)
			mu.Lock()
			results[inst.Name] = err == nil
			mu.Unlock()
			if err != nil {
				logging.Warn("registry", "operation failed for server %q: %v", inst.Name, err)
			}
			return nil // per-name failures don't abort the fan-out
		})
	}
	_ = g.Wait()
	return results
}

// RefreshToolsAndResources fetches the current tool/resource catalog from
// one server and updates its instance, fetching resource content for each
// discovered resource URI.
func (r *Registry) RefreshToolsAndResources(ctx context.Context, name string) error {
	inst, ok := r.GetServer(name)
	if !ok {
		return mcperrors.NewServerNotAvailableError(name, "not registered")
	}
	if !inst.IsAvailable() {
		return mcperrors.NewServerNotAvailableError(name, "not connected")
	}

	tools, err := inst.Client.ListTools(ctx)
	if err != nil {
		return err
	}
	resources, err := inst.Client.ListResources(ctx)
	if err != nil {
		return err
	}

	contents := make(map[string][]byte, len(resources))
	for _, res := range resources {
		rc, err := inst.Client.ReadResource(ctx, res.URI)
		if err != nil {
			logging.Warn("registry", "read_resource failed for %q on server %q: %v", res.URI, name, err)
			continue
		}
		contents[res.URI] = rc.Content
	}

	r.mu.Lock()
	inst.Tools = tools
	inst.Resources = resources
	inst.ResourceContents = contents
	r.mu.Unlock()
	return nil
}

// HealthCheck pings one server, updating its consecutive-failure count.
func (r *Registry) HealthCheck(ctx context.Context, name string) error {
	inst, ok := r.GetServer(name)
	if !ok {
		return mcperrors.NewServerNotAvailableError(name, "not registered")
	}

	ok2, err := inst.Client.Ping(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil || !ok2 {
		inst.ConsecutiveFailures++
		if err == nil {
			err = mcperrors.NewConnectionError(name, "ping returned false", nil)
		}
		return err
	}
	inst.ConsecutiveFailures = 0
	inst.LastSeen = time.Now()
	return nil
}

// HealthCheckAll pings every server in parallel.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	return r.fanOut(ctx, func(ctx context.Context, inst *ServerInstance) error {
		return r.HealthCheck(ctx, inst.Name)
	})
}

// StartHealthChecks runs HealthCheckAll on a ticker until ctx is cancelled,
// marking servers unavailable after three consecutive failures.
func (r *Registry) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.HealthCheckAll(ctx)
				for _, inst := range r.GetAllServers() {
					if inst.ConsecutiveFailures >= 3 && inst.IsAvailable() {
						_ = r.MarkUnavailable(inst.Name)
					}
				}
			}
		}
	}()
}

// GetStatistics aggregates counts across all servers.
func (r *Registry) GetStatistics() mcptypes.RegistryStatistics {
	stats := mcptypes.RegistryStatistics{}
	for _, inst := range r.GetAllServers() {
		stats.Total++
		switch inst.State {
		case mcptypes.StateConnected:
			stats.Connected++
		case mcptypes.StateDisconnected:
			stats.Disconnected++
		case mcptypes.StateError:
			stats.Errored++
		}
		if inst.Config.Critical && !inst.IsAvailable() {
			stats.CriticalDown++
		}
		s := inst.Client.GetStats()
		stats.TotalRequests += s.RequestsSent
		stats.TotalErrors += s.ErrorsCount
	}
	return stats
}

// persistedEntry is the on-disk shape for save/load state; the format is
// implementation-defined (spec.md §9), so gob round-tripping Go-native
// structs is the natural fit.
type persistedEntry struct {
	Name   string
	Config mcptypes.ServerConfig
}

// SaveState persists {name, config} tuples for every registered server.
func (r *Registry) SaveState(path string) error {
	entries := make([]persistedEntry, 0)
	for _, inst := range r.GetAllServers() {
		entries = append(entries, persistedEntry{Name: inst.Name, Config: inst.Config})
	}

	f, err := os.Create(path)
	if err != nil {
		return mcperrors.NewConfigError(path, "", "failed to create state file: "+err.Error())
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(entries)
}

// LoadState reconstructs clients via the factory and re-registers them.
func (r *Registry) LoadState(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return mcperrors.NewConfigError(path, "", "failed to open state file: "+err.Error())
	}
	defer f.Close()

	var entries []persistedEntry
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		return mcperrors.NewConfigError(path, "", "failed to decode state file: "+err.Error())
	}

	for _, e := range entries {
		client, err := r.factory.New(e.Config)
		if err != nil {
			logging.Warn("registry", "skipping server %q on load: %v", e.Name, err)
			continue
		}
		if err := r.Register(e.Name, client, e.Config); err != nil {
			logging.Warn("registry", "failed to re-register server %q: %v", e.Name, err)
		}
	}
	return nil
}
