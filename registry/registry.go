// Package registry resolves tool and MCP server definitions from an ordered
// list of sources: a user-writable local file, optional remote HTTP
// registries, and an embedded default bundled with the binary.
package registry

import (
	"context"
	"encoding/json"
	"os"
)

// Entry is the unified representation of a tool or server in any registry
// source. The Type discriminator selects which field group applies; unknown
// JSON fields are tolerated.
type Entry struct {
	// Source is the name of the registry source the entry came from,
	// stamped by the Manager on lookup.
	Source      string `json:"source,omitempty"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Tool fields.
	Endpoint   string            `json:"endpoint,omitempty"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty"`

	// MCP server fields.
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Transport string            `json:"transport,omitempty"`
	Port      int               `json:"port,omitempty"`
}

// Entry types.
const (
	TypeTool          = "tool"
	TypeMCPServer     = "mcp_server"
	TypeOAuthProvider = "oauth_provider"
)

// Source is one registry backend.
type Source interface {
	// SourceName labels entries and log lines.
	SourceName() string
	// List returns every entry the source knows about.
	List(ctx context.Context) ([]Entry, error)
	// Get returns the named entry, or nil when absent.
	Get(ctx context.Context, name string) (*Entry, error)
}

// LocalSource reads entries from a user-writable JSON file: an array of
// Entry objects.
type LocalSource struct {
	Path string
	Name string
}

// NewLocalSource creates a local file source.
func NewLocalSource(path string) *LocalSource {
	return &LocalSource{Path: path, Name: "local"}
}

func (l *LocalSource) SourceName() string { return l.Name }

func (l *LocalSource) List(ctx context.Context) ([]Entry, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *LocalSource) Get(ctx context.Context, name string) (*Entry, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}
	}
	return nil, nil
}
