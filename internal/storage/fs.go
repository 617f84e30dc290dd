package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
)

// tempPattern names in-flight upload files. The leading dot keeps them out
// of the index.
const tempPattern = ".ansuz-upload-*"

// FS implements Provider backed by the local file system.
type FS struct {
	root string // absolute path with symlinks resolved
}

var _ Provider = (*FS)(nil)

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// Resolve resolves a relative path against the root and rejects any result
// that escapes it (directory traversal).
func (f *FS) Resolve(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute path %q: %w", rel, apperr.ErrOutsideRoot)
	}
	abs := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path %q: %w", rel, apperr.ErrOutsideRoot)
	}
	return abs, nil
}

// WriteStream atomically writes r: tmp file → fsync → rename.
func (f *FS) WriteStream(path string, r io.Reader) (int64, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return 0, err
	}
	if abs == f.root {
		return 0, fmt.Errorf("storage: cannot write root: %w", apperr.ErrConflict)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return 0, fmt.Errorf("storage: %s is a directory: %w", path, apperr.ErrConflict)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return n, fmt.Errorf("storage: chmod: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return n, fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return n, nil
}

// Delete removes a file or a directory tree.
func (f *FS) Delete(path string) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if abs == f.root {
		return fmt.Errorf("storage: cannot delete root: %w", apperr.ErrConflict)
	}
	if _, err := os.Lstat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: delete %s: %w", path, apperr.ErrNotFound)
		}
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// Move renames a file or directory within the root. The destination must
// not exist.
func (f *FS) Move(oldPath, newPath string) error {
	absOld, err := f.Resolve(oldPath)
	if err != nil {
		return err
	}
	absNew, err := f.Resolve(newPath)
	if err != nil {
		return err
	}
	if absOld == f.root || absNew == f.root {
		return fmt.Errorf("storage: cannot move root: %w", apperr.ErrConflict)
	}
	if strings.HasPrefix(absNew, absOld+string(os.PathSeparator)) {
		return fmt.Errorf("storage: move %s into itself: %w", oldPath, apperr.ErrConflict)
	}
	if _, err := os.Lstat(absOld); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: move %s: %w", oldPath, apperr.ErrNotFound)
	}
	if _, err := os.Lstat(absNew); err == nil {
		return fmt.Errorf("storage: move to %s: %w", newPath, apperr.ErrAlreadyExists)
	}
	dir := filepath.Dir(absNew)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for move: %w", err)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return fmt.Errorf("storage: move: %w", err)
	}
	return nil
}
