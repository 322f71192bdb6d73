package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CreateWorkdir provisions the isolated working directory for one
// agent under root (created if missing). The agent id is sanitized to
// a single path segment so it can never escape the root.
func CreateWorkdir(root, agentID string) (string, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "agentgate-workers")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("create worker root: %w", err)
	}

	segment := sanitizeSegment(agentID)
	if segment == "" {
		return "", fmt.Errorf("invalid agent id %q for workdir", agentID)
	}

	dir := filepath.Join(root, segment)
	cleanRoot := filepath.Clean(root) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(dir)+string(os.PathSeparator), cleanRoot) {
		return "", fmt.Errorf("workdir %q escapes root %q", dir, root)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	return dir, nil
}

// RemoveWorkdir deletes an agent's working directory. Refuses paths
// outside the root.
func RemoveWorkdir(root, dir string) error {
	if root == "" {
		root = filepath.Join(os.TempDir(), "agentgate-workers")
	}
	cleanRoot := filepath.Clean(root) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(dir)+string(os.PathSeparator), cleanRoot) {
		return fmt.Errorf("refusing to remove %q outside worker root", dir)
	}
	return os.RemoveAll(dir)
}

// sanitizeSegment keeps only characters safe in a single directory
// name.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
