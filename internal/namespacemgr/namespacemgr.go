// Package namespacemgr detects name collisions across backend servers and
// resolves them per a configurable strategy, generalizing the teacher's
// first-wins-only name tracker into the full four-strategy resolver.
package namespacemgr

import (
	"regexp"
	"strings"
	"sync"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
)

var reservedNamespaces = map[string]bool{
	"self": true, "internal": true, "system": true,
}

var namespacePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ParseName splits s on the first '.'; returns (nil, s) when there is none.
func ParseName(s string) (server *string, name string) {
	idx := strings.Index(s, ".")
	if idx < 0 {
		return nil, s
	}
	srv := s[:idx]
	return &srv, s[idx+1:]
}

// CreateNamespacedName joins a server and a bare name.
func CreateNamespacedName(server, name string) string {
	return server + "." + name
}

// ValidateNamespace reports whether ns is a legal, non-reserved server
// namespace.
func ValidateNamespace(ns string) error {
	if !namespacePattern.MatchString(ns) {
		return mcperrors.NewNamespaceError(ns, "must match ^[A-Za-z][A-Za-z0-9_-]*$")
	}
	if reservedNamespaces[strings.ToLower(ns)] {
		return mcperrors.NewNamespaceError(ns, "namespace is reserved")
	}
	return nil
}

// Manager detects and resolves tool/resource name collisions across
// servers.
type Manager struct {
	mu          sync.RWMutex
	strategy    mcptypes.ResolutionStrategy
	conflicts   []*mcptypes.NamespaceConflict
	resolutions map[string]string // non-namespaced name -> chosen server
}

func NewManager(strategy mcptypes.ResolutionStrategy) *Manager {
	if strategy == "" {
		strategy = mcptypes.PriorityBased
	}
	return &Manager{
		strategy:    strategy,
		resolutions: make(map[string]string),
	}
}

// Reset clears all detected conflicts and resolutions, used by the
// aggregator before re-running detection after a server is removed.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = nil
	m.resolutions = make(map[string]string)
}

// itemsByServer maps a bare item name to the servers exposing it, along
// with enough detail to build a NamespaceConflict.
type itemsByServer map[string][]mcptypes.ConflictDetail

// DetectToolConflicts builds a name -> [server] map from toolsByServer and
// priorities, stores a NamespaceConflict for every name with ≥2 exposing
// servers, resolves it under the manager's current strategy, and returns
// the detected conflicts.
func (m *Manager) DetectToolConflicts(toolsByServer map[string][]mcptypes.Tool, priorities map[string]int) []*mcptypes.NamespaceConflict {
	byName := make(itemsByServer)
	for server, tools := range toolsByServer {
		for _, tool := range tools {
			byName[tool.Name] = append(byName[tool.Name], mcptypes.ConflictDetail{
				ServerName:  server,
				Priority:    priorityOrDefault(priorities, server),
				ItemDetails: tool.Description,
			})
		}
	}
	return m.detectConflicts(byName, "tool")
}

// DetectResourceConflicts is the resource-keyed equivalent, keyed by URI.
func (m *Manager) DetectResourceConflicts(resourcesByServer map[string][]mcptypes.Resource, priorities map[string]int) []*mcptypes.NamespaceConflict {
	byName := make(itemsByServer)
	for server, resources := range resourcesByServer {
		for _, res := range resources {
			byName[res.URI] = append(byName[res.URI], mcptypes.ConflictDetail{
				ServerName:  server,
				Priority:    priorityOrDefault(priorities, server),
				ItemDetails: res.Description,
			})
		}
	}
	return m.detectConflicts(byName, "resource")
}

func priorityOrDefault(priorities map[string]int, server string) int {
	if p, ok := priorities[server]; ok {
		return p
	}
	return 50
}

func (m *Manager) detectConflicts(byName itemsByServer, itemType string) []*mcptypes.NamespaceConflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	var detected []*mcptypes.NamespaceConflict
	for name, details := range byName {
		if len(details) < 2 {
			continue
		}
		conflict := &mcptypes.NamespaceConflict{
			ItemName:           name,
			ItemType:           itemType,
			Conflicts:          details,
			ResolutionStrategy: m.strategy,
		}
		conflict.ChosenServer = resolve(conflict, m.strategy)
		m.conflicts = append(m.conflicts, conflict)
		if conflict.ChosenServer != nil {
			m.resolutions[name] = *conflict.ChosenServer
		} else {
			delete(m.resolutions, name)
		}
		detected = append(detected, conflict)
	}
	return detected
}

// ResolveConflict picks a winner for one conflict under strategy, without
// mutating manager state (pure function over the conflict's own data).
func ResolveConflict(conflict *mcptypes.NamespaceConflict, strategy mcptypes.ResolutionStrategy) *string {
	return resolve(conflict, strategy)
}

func resolve(conflict *mcptypes.NamespaceConflict, strategy mcptypes.ResolutionStrategy) *string {
	if len(conflict.Conflicts) == 0 {
		return nil
	}
	switch strategy {
	case mcptypes.PriorityBased:
		best := conflict.Conflicts[0]
		for _, c := range conflict.Conflicts[1:] {
			if c.Priority > best.Priority {
				best = c
			}
		}
		s := best.ServerName
		return &s
	case mcptypes.FirstWins:
		s := conflict.Conflicts[0].ServerName
		return &s
	case mcptypes.ExplicitOnly:
		return nil
	case mcptypes.Merge:
		names := make([]string, len(conflict.Conflicts))
		for i, c := range conflict.Conflicts {
			names[i] = c.ServerName
		}
		joined := strings.Join(names, ",")
		return &joined
	default:
		return nil
	}
}

// ApplyResolutionStrategy re-resolves every stored conflict under a new
// strategy, updating the resolutions map in place.
func (m *Manager) ApplyResolutionStrategy(strategy mcptypes.ResolutionStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = strategy
	for _, conflict := range m.conflicts {
		conflict.ResolutionStrategy = strategy
		conflict.ChosenServer = resolve(conflict, strategy)
		if conflict.ChosenServer != nil {
			m.resolutions[conflict.ItemName] = *conflict.ChosenServer
		} else {
			delete(m.resolutions, conflict.ItemName)
		}
	}
}

// GetResolvedServer returns the server that should answer for name: if name
// is namespaced, its prefix; otherwise a lookup in the resolutions map; else
// nil.
func (m *Manager) GetResolvedServer(name string) *string {
	if server, _ := ParseName(name); server != nil {
		return server
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if server, ok := m.resolutions[name]; ok {
		return &server
	}
	return nil
}

// GetStatistics returns conflict counts by kind and resolution state.
func (m *Manager) GetStatistics() mcptypes.NamespaceStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := mcptypes.NamespaceStatistics{}
	for _, c := range m.conflicts {
		stats.Total++
		switch c.ItemType {
		case "tool":
			stats.Tools++
		case "resource":
			stats.Resources++
		}
		if c.ChosenServer != nil {
			stats.Resolved++
		} else {
			stats.Unresolved++
		}
	}
	return stats
}
