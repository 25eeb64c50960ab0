package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FSStore is the default Store: blobs land under a local directory and are
// addressed as file:// URLs. Filenames are prefixed with a UUID so repeated
// uploads of the same name never collide.
type FSStore struct {
	dir string
}

// NewFSStore creates a filesystem store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "loom-blobs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (f *FSStore) Put(ctx context.Context, data []byte, mime, filename string) (string, error) {
	if filename == "" {
		filename = "blob"
	}
	name := uuid.NewString() + "-" + filepath.Base(filename)
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	return "file://" + path, nil
}

func (f *FSStore) Get(ctx context.Context, url string) ([]byte, error) {
	path := strings.TrimPrefix(url, "file://")
	if !strings.HasPrefix(filepath.Clean(path), f.dir) {
		return nil, fmt.Errorf("blob url %q is outside the store", url)
	}
	return os.ReadFile(path)
}
