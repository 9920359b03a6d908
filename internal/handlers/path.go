package handlers

import (
	"os"
	"path/filepath"
	"strings"

	"dispatchd/internal/registry"
)

// sanitizePath validates a user-supplied file name: non-empty, no ".."
// segments, and the resolved absolute path must live under the data dir,
// the working directory, or the OS temp dir.
func sanitizePath(raw, dataDir string) (string, *registry.HandlerError) {
	if strings.TrimSpace(raw) == "" {
		return "", registry.BadParam("path cannot be empty")
	}
	for _, seg := range strings.Split(filepath.ToSlash(raw), "/") {
		if seg == ".." {
			return "", registry.BadParam("path must not contain '..' segments")
		}
	}
	abs := raw
	if !filepath.IsAbs(abs) {
		base := dataDir
		if base == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return "", registry.Internal("unable to resolve current dir: " + err.Error())
			}
			base = cwd
		}
		abs = filepath.Join(base, raw)
	}
	abs = filepath.Clean(abs)
	for _, root := range allowedRoots(dataDir) {
		if root == "" {
			continue
		}
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", registry.BadParam("path outside allowed directories")
}

func allowedRoots(dataDir string) []string {
	roots := make([]string, 0, 3)
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, filepath.Clean(cwd))
	}
	roots = append(roots, filepath.Clean(os.TempDir()))
	if dataDir != "" {
		abs := dataDir
		if !filepath.IsAbs(abs) {
			if cwd, err := os.Getwd(); err == nil {
				abs = filepath.Join(cwd, dataDir)
			}
		}
		roots = append(roots, filepath.Clean(abs))
	}
	return roots
}
