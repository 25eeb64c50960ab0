// Package adapter dispatches step `use` identifiers to tool implementations:
// built-in core utilities, HTTP tools described by registry entries, and MCP
// servers.
package adapter

import (
	"context"
	"strings"
	"sync"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/secrets"
)

// Adapter executes tool calls. The tool argument is the full `use` id, so one
// adapter can serve a whole namespace (core.* or an MCP host).
type Adapter interface {
	ID() string
	Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
	Manifest() *registry.Entry
}

// Registry resolves tool ids to adapters. Resolution order: exact id, longest
// dotted prefix, then a lazy lookup in the registry manager which instantiates
// an HTTPAdapter for `tool` entries. Resolved adapters are cached.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	loading  map[string]chan struct{}

	manager *registry.Manager
	secrets secrets.Provider
}

// NewRegistry creates an adapter registry backed by manager for lazy tool
// loading. secretsProvider expands $env: references in tool manifests.
func NewRegistry(manager *registry.Manager, secretsProvider secrets.Provider) *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		loading:  map[string]chan struct{}{},
		manager:  manager,
		secrets:  secretsProvider,
	}
}

// Register installs an adapter under its own id. Registering the same id
// twice replaces the earlier adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Resolve returns the adapter serving tool, loading it from the registry
// manager on first use. Concurrent resolutions of the same tool share one
// load.
func (r *Registry) Resolve(ctx context.Context, tool string) (Adapter, error) {
	if a := r.cached(tool); a != nil {
		return a, nil
	}

	r.mu.Lock()
	if a := r.lookupLocked(tool); a != nil {
		r.mu.Unlock()
		return a, nil
	}
	if ch, inflight := r.loading[tool]; inflight {
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, errs.Cancelled("resolving tool %q: %v", tool, ctx.Err())
		}
		// Loader finished; re-check the cache.
		if a := r.cached(tool); a != nil {
			return a, nil
		}
		return nil, errs.UnknownTool(tool)
	}
	ch := make(chan struct{})
	r.loading[tool] = ch
	r.mu.Unlock()

	a, err := r.load(ctx, tool)

	r.mu.Lock()
	if a != nil {
		r.adapters[tool] = a
	}
	delete(r.loading, tool)
	close(ch)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Registry) cached(tool string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(tool)
}

// lookupLocked resolves from the in-memory table: exact id first, then the
// longest dotted prefix, so `core.blob.put` falls through to the adapter
// registered as `core`. MCP uris route to the adapter registered as `mcp`.
func (r *Registry) lookupLocked(tool string) Adapter {
	if a, ok := r.adapters[tool]; ok {
		return a
	}
	if strings.HasPrefix(tool, "mcp://") {
		return r.adapters["mcp"]
	}
	prefix := tool
	for {
		dot := strings.LastIndex(prefix, ".")
		if dot < 0 {
			return nil
		}
		prefix = prefix[:dot]
		if a, ok := r.adapters[prefix]; ok {
			return a
		}
	}
}

// load fetches the tool's registry entry and instantiates an HTTPAdapter.
// Only `tool` entries auto-instantiate; an mcp_server entry must be addressed
// through an mcp:// id so its process lifecycle stays explicit.
func (r *Registry) load(ctx context.Context, tool string) (Adapter, error) {
	if r.manager == nil {
		return nil, errs.UnknownTool(tool)
	}
	entry, err := r.manager.Get(ctx, tool)
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapter, err, "looking up tool %q", tool)
	}
	if entry == nil || entry.Type != registry.TypeTool {
		return nil, errs.UnknownTool(tool)
	}
	logger.Debug("loaded tool %q from registry source %q", tool, entry.Source)
	return NewHTTPAdapter(entry, r.secrets), nil
}
