// Package filestore is a local-disk implementation of the object-store
// abstraction the compiler stages inputs through: Read and Write against
// a relative path rooted at STORAGE_ROOT.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore reads and writes job input/mask files under a root directory,
// exposing only the two operations input staging calls.
type LocalStore struct {
	root string
}

// NewLocalStore constructs a LocalStore rooted at root, creating it if
// necessary.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) resolve(storagePath string) (string, error) {
	full := filepath.Join(s.root, storagePath)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("storage path %q escapes storage root", storagePath)
	}
	return full, nil
}

// Read implements compiler.FileStore.
func (s *LocalStore) Read(ctx context.Context, storagePath string) ([]byte, error) {
	full, err := s.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", storagePath, err)
	}
	return data, nil
}

// Write implements compiler.FileStore.
func (s *LocalStore) Write(ctx context.Context, storagePath string, data []byte) error {
	full, err := s.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", storagePath, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", storagePath, err)
	}
	return nil
}
