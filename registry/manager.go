package registry

import (
	"context"

	"github.com/loomworks/loom/logger"
)

// Manager queries an ordered list of sources. Earlier sources shadow later
// ones, so the conventional order is local file, then remote registries, then
// the embedded default.
type Manager struct {
	sources []Source
}

// NewManager creates a manager over the given sources, queried in order.
func NewManager(sources ...Source) *Manager {
	return &Manager{sources: sources}
}

// Get returns the first entry matching name across the sources, stamped with
// the source it came from. A failing source is logged and skipped rather than
// failing the lookup: one unreachable remote registry must not take down
// resolution for tools that other sources can serve.
func (m *Manager) Get(ctx context.Context, name string) (*Entry, error) {
	for _, src := range m.sources {
		entry, err := src.Get(ctx, name)
		if err != nil {
			logger.Warnw("registry source failed, skipping", "source", src.SourceName(), "error", err)
			continue
		}
		if entry != nil {
			entry.Source = src.SourceName()
			return entry, nil
		}
	}
	return nil, nil
}

// List returns the union of all sources' entries. When the same name appears
// in several sources the earliest source wins.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	seen := map[string]bool{}
	for _, src := range m.sources {
		entries, err := src.List(ctx)
		if err != nil {
			logger.Warnw("registry source failed, skipping", "source", src.SourceName(), "error", err)
			continue
		}
		for _, e := range entries {
			if seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			e.Source = src.SourceName()
			out = append(out, e)
		}
	}
	return out, nil
}

// ListServers returns every mcp_server entry across the sources.
func (m *Manager) ListServers(ctx context.Context) ([]Entry, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var servers []Entry
	for _, e := range all {
		if e.Type == TypeMCPServer {
			servers = append(servers, e)
		}
	}
	return servers, nil
}
