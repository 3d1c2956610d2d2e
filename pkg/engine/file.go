package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

// stateFile is the on-disk form of an installed namespace.
type stateFile struct {
	Rules []domain.Rule `json:"rules"`
}

// FileEngine is a MemoryEngine whose namespace survives restarts. Every
// successful update is written to the state file before it becomes visible.
type FileEngine struct {
	*MemoryEngine
	path string
}

// OpenFileEngine loads the namespace stored at path. A missing file yields an
// empty engine; the file is created on the first update.
func OpenFileEngine(ctx context.Context, path string, opts Options) (*FileEngine, error) {
	fe := &FileEngine{MemoryEngine: NewMemoryEngine(opts), path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fe, nil
	case err != nil:
		return nil, fmt.Errorf("read engine state: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode engine state %s: %w", path, err)
	}
	if err := fe.MemoryEngine.UpdateDynamicRules(ctx, domain.RuleUpdate{AddRules: state.Rules}); err != nil {
		return nil, fmt.Errorf("restore engine state %s: %w", path, err)
	}
	fe.logger.Debug("engine state restored", "path", path, "rules", len(state.Rules))
	return fe, nil
}

// Path returns the state file location.
func (f *FileEngine) Path() string {
	return f.path
}

// UpdateDynamicRules applies update and persists the result.
func (f *FileEngine) UpdateDynamicRules(ctx context.Context, update domain.RuleUpdate) error {
	return f.apply(ctx, func(map[int]installedRule) domain.RuleUpdate { return update }, f.write)
}

// ReplaceStaticRules swaps the static band and persists the result.
func (f *FileEngine) ReplaceStaticRules(ctx context.Context, rules []domain.Rule) error {
	return f.replaceStatic(ctx, rules, f.write)
}

// write replaces the state file through a temporary file in the same
// directory so a crash never leaves a truncated state behind.
func (f *FileEngine) write(rules []domain.Rule) error {
	data, err := json.MarshalIndent(stateFile{Rules: rules}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".engine-*.json")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
