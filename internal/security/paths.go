// Package security guards the paths the scan CLI writes to.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideDir is returned when a path resolves outside every allowed
// directory.
var ErrOutsideDir = errors.New("path outside allowed directories")

// WithinDir reports whether path, after cleaning and symlink resolution,
// stays inside dir. The path need not exist yet; its nearest existing
// ancestor is resolved instead.
func WithinDir(path, dir string) error {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	rel, err := filepath.Rel(root, resolveExisting(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s escapes %s: %w", path, dir, ErrOutsideDir)
	}
	return nil
}

// resolveExisting follows symlinks in the longest existing prefix of abs.
func resolveExisting(abs string) string {
	suffix := ""
	for p := abs; ; {
		if r, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Join(r, suffix)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return abs
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

// WithinAnyDir accepts path if it lies inside one of dirs.
func WithinAnyDir(path string, dirs ...string) error {
	if len(dirs) == 0 {
		return errors.New("no allowed directories")
	}
	for _, d := range dirs {
		if WithinDir(path, d) == nil {
			return nil
		}
	}
	return fmt.Errorf("%s not under %v: %w", path, dirs, ErrOutsideDir)
}

// ValidateOutputPath accepts files under the working directory or the
// system temp directory.
func ValidateOutputPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	return WithinAnyDir(path, cwd, os.TempDir())
}
