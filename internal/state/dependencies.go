package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"opsisagent/internal/domain"
)

// TopologySource reports which services each service depends on.
type TopologySource interface {
	Dependencies(ctx context.Context) (map[string][]string, error)
}

// ErrNoTopology is returned by RefreshDependencies when no source is wired.
var ErrNoTopology = errors.New("no dependency topology source")

// DependencyMap is a bidirectional service graph.
// Params: parents (service -> services it depends on) and the inverse.
// Returns: read-only view used for downstream suppression.
type DependencyMap struct {
	Parents       map[string][]string `json:"parents"`
	Children      map[string][]string `json:"children"`
	LastRefreshed time.Time           `json:"last_refreshed"`
}

type dependencies struct {
	source TopologySource

	mu      sync.RWMutex
	current DependencyMap
}

func newDependencies(source TopologySource) *dependencies {
	return &dependencies{source: source}
}

// buildDependencyMap normalizes names to lower case and builds the inverse edges.
func buildDependencyMap(raw map[string][]string, at time.Time) DependencyMap {
	parents := make(map[string][]string, len(raw))
	children := make(map[string][]string)
	for service, deps := range raw {
		key := normalizeService(service)
		if key == "" {
			continue
		}
		seen := make(map[string]struct{}, len(deps))
		for _, dep := range deps {
			parent := normalizeService(dep)
			if parent == "" || parent == key {
				continue
			}
			if _, dup := seen[parent]; dup {
				continue
			}
			seen[parent] = struct{}{}
			parents[key] = append(parents[key], parent)
			children[parent] = append(children[parent], key)
		}
	}
	for key := range parents {
		sort.Strings(parents[key])
	}
	for key := range children {
		sort.Strings(children[key])
	}
	return DependencyMap{Parents: parents, Children: children, LastRefreshed: at}
}

func normalizeService(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// SetTopology replaces dependency source.
func (t *Tracker) SetTopology(source TopologySource) {
	t.deps.mu.Lock()
	t.deps.source = source
	t.deps.mu.Unlock()
}

// RefreshDependencies rebuilds the dependency map from the topology source.
// Params: ctx bounding the source call.
// Returns: source error; the previous map stays in place on failure.
func (t *Tracker) RefreshDependencies(ctx context.Context) error {
	t.deps.mu.RLock()
	source := t.deps.source
	t.deps.mu.RUnlock()
	if source == nil {
		return ErrNoTopology
	}

	raw, err := source.Dependencies(ctx)
	if err != nil {
		t.logger.Warn("dependency refresh failed, keeping last map", "error", err)
		return err
	}
	next := buildDependencyMap(raw, t.clock.Now())

	t.deps.mu.Lock()
	t.deps.current = next
	t.deps.mu.Unlock()
	t.logger.Debug("dependency map refreshed", "services", len(next.Parents))
	return nil
}

// Dependencies returns copy of current dependency map.
func (t *Tracker) Dependencies() DependencyMap {
	t.deps.mu.RLock()
	defer t.deps.mu.RUnlock()
	out := DependencyMap{
		Parents:       make(map[string][]string, len(t.deps.current.Parents)),
		Children:      make(map[string][]string, len(t.deps.current.Children)),
		LastRefreshed: t.deps.current.LastRefreshed,
	}
	for key, values := range t.deps.current.Parents {
		out.Parents[key] = append([]string(nil), values...)
	}
	for key, values := range t.deps.current.Children {
		out.Children[key] = append([]string(nil), values...)
	}
	return out
}

// IsDownstreamOfDownParent reports whether any direct parent is unhealthy.
// Params: service name.
// Returns: false when the map is empty or the service has no known parents.
func (t *Tracker) IsDownstreamOfDownParent(service string) bool {
	_, ok := t.DownParent(service)
	return ok
}

// DownParent returns the first unhealthy direct parent of a service.
// Params: service name.
// Returns: parent service name and presence flag.
func (t *Tracker) DownParent(service string) (string, bool) {
	t.deps.mu.RLock()
	parents := append([]string(nil), t.deps.current.Parents[normalizeService(service)]...)
	t.deps.mu.RUnlock()
	if len(parents) == 0 {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	down := make(map[string]string)
	for id, resource := range t.resources {
		if resource.ResourceType != "service" || domain.IsHealthyState(resource.CurrentState) {
			continue
		}
		name := domain.ResourceName(id)
		down[normalizeService(name)] = name
	}
	for _, parent := range parents {
		if name, ok := down[parent]; ok {
			return name, true
		}
	}
	return "", false
}

// SnapshotTopology learns service dependencies from metrics snapshots.
type SnapshotTopology struct {
	mu   sync.RWMutex
	deps map[string][]string
}

// NewSnapshotTopology creates empty snapshot-fed topology.
func NewSnapshotTopology() *SnapshotTopology {
	return &SnapshotTopology{deps: make(map[string][]string)}
}

// Observe records depends_on lists from one snapshot.
// Params: metrics snapshot.
// Returns: none.
func (s *SnapshotTopology) Observe(m domain.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, service := range m.Services {
		if len(service.DependsOn) == 0 {
			continue
		}
		s.deps[service.Name] = append([]string(nil), service.DependsOn...)
	}
}

// Dependencies returns copy of last observed topology.
func (s *SnapshotTopology) Dependencies(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.deps))
	for service, deps := range s.deps {
		out[service] = append([]string(nil), deps...)
	}
	return out, nil
}
