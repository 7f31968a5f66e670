package executor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolvePath turns a workspace-relative path into an absolute path
// under root, rejecting anything that would escape the workspace.
func resolvePath(root, path string) (string, error) {
	cleaned := filepath.Clean(strings.TrimSpace(path))
	if cleaned == "" || cleaned == "." {
		return root, nil
	}
	if filepath.IsAbs(cleaned) {
		// Absolute paths are accepted only when already inside the
		// workspace; models frequently echo back absolute paths from
		// earlier tool results.
		rel, err := filepath.Rel(root, cleaned)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path %q is outside the workspace", path)
		}
		return filepath.Join(root, rel), nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return filepath.Join(root, cleaned), nil
}

// relPath converts an absolute path under root back to the
// workspace-relative form used in results.
func relPath(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}
