package stores

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/rollout/pkg/engine"
)

// DirWorkspace hands every build a fresh directory under Root.
type DirWorkspace struct {
	Root string

	// Keep leaves directories in place after the build.
	Keep bool
}

var _ engine.Workspace = (*DirWorkspace)(nil)

// Prepare creates <Root>/<buildID>. An existing directory is an error.
func (w *DirWorkspace) Prepare(_ context.Context, buildID string) (string, error) {
	if buildID == "" || strings.ContainsAny(buildID, `/\`) || buildID == "." || buildID == ".." {
		return "", fmt.Errorf("invalid build ID %q", buildID)
	}
	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}
	dir := filepath.Join(w.Root, buildID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes dir unless Keep is set. Only directories below Root are
// removed.
func (w *DirWorkspace) Cleanup(_ context.Context, dir string) error {
	if w.Keep {
		return nil
	}
	rel, err := filepath.Rel(w.Root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("workspace %s is outside %s", dir, w.Root)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}
