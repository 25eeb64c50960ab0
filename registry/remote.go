package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteSource fetches entries from an HTTP registry index: a JSON document
// that is either a bare array of entries or an object with a "registry" key.
type RemoteSource struct {
	URL    string
	Name   string
	Client *http.Client
}

// NewRemoteSource creates an HTTP registry source.
func NewRemoteSource(name, url string) *RemoteSource {
	return &RemoteSource{
		URL:    url,
		Name:   name,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *RemoteSource) SourceName() string { return r.Name }

func (r *RemoteSource) List(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry %s: unexpected status %d", r.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	if err := json.Unmarshal(body, &entries); err == nil {
		return entries, nil
	}
	var index struct {
		Registry []Entry `json:"registry"`
	}
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("registry %s: decoding index: %w", r.Name, err)
	}
	return index.Registry, nil
}

func (r *RemoteSource) Get(ctx context.Context, name string) (*Entry, error) {
	entries, err := r.List(ctx)
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
