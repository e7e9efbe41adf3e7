package render

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// maxWorkspaceIDs bounds id regeneration on name collisions.
const maxWorkspaceIDs = 8

// workspace is the private scratch directory of one attempt.
type workspace struct {
	dir string
}

// newWorkspace creates a uniquely named directory under root. The name
// comes from newID; a collision regenerates it instead of failing.
func newWorkspace(root string, newID func() string) (*workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch root: %w", err)
	}
	for i := 0; i < maxWorkspaceIDs; i++ {
		dir := filepath.Join(root, newID())
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return &workspace{dir: dir}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to allocate a unique workspace after %d ids", maxWorkspaceIDs)
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

func (w *workspace) remove() error {
	return os.RemoveAll(w.dir)
}
