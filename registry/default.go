package registry

import (
	"context"
	_ "embed"
	"encoding/json"
)

//go:embed default.json
var defaultJSON []byte

// DefaultSource serves the registry entries compiled into the binary. It is
// always last in the Manager's source order so user registries can override
// any default.
type DefaultSource struct {
	entries []Entry
}

// NewDefaultSource decodes the embedded registry. The embedded document is
// validated at build time by TestEmbeddedDefaultDecodes, so decode failure
// here is a programming error.
func NewDefaultSource() (*DefaultSource, error) {
	var entries []Entry
	if err := json.Unmarshal(defaultJSON, &entries); err != nil {
		return nil, err
	}
	return &DefaultSource{entries: entries}, nil
}

func (d *DefaultSource) SourceName() string { return "default" }

func (d *DefaultSource) List(ctx context.Context) ([]Entry, error) {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out, nil
}

func (d *DefaultSource) Get(ctx context.Context, name string) (*Entry, error) {
	for i := range d.entries {
		if d.entries[i].Name == name {
			e := d.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}
