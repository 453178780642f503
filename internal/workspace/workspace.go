// Package workspace manages the Kazi runtime directory structure.
// All runtime state (database, logs, cached policy profiles) is
// consolidated under a single workspace root, making Kazi portable.
//
// Default workspace: ~/.kazi (configurable via config or KAZI_DATA_DIR env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Workspace manages the Kazi runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// DatabaseFile returns <root>/kazi.db, the default SQLite location.
func (w *Workspace) DatabaseFile() string {
	return filepath.Join(w.Root, "kazi.db")
}

// LogsDir returns <root>/logs/. Stores rotated server logs.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// PoliciesDir returns <root>/policies/. Stores compiled sandbox profiles
// written for debugging.
func (w *Workspace) PoliciesDir() string {
	return w.dir("policies")
}

// dir returns <root>/<name>, creating the directory on first access.
func (w *Workspace) dir(name string) string {
	path := filepath.Join(w.Root, name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.created[path] {
		if err := os.MkdirAll(path, 0750); err == nil {
			w.created[path] = true
		}
	}
	return path
}

func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}
	w.mu.Lock()
	w.created[path] = true
	w.mu.Unlock()
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if !strings.HasPrefix(path, "~") {
		return filepath.Abs(path)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
