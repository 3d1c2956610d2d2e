package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore reads the database from a file on every Load, so edits are
// picked up by the next pass.
type FileStore struct {
	path string
}

// NewFileStore resolves path to an absolute location.
func NewFileStore(path string) (*FileStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	return &FileStore{path: absPath}, nil
}

// Path returns the absolute database location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the whole file.
func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read provider database: %w", err)
	}
	return data, nil
}
