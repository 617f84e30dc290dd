// Package storage performs managed writes inside the indexed root.
package storage

import "io"

// Provider is the interface for file operations performed on behalf of
// clients. Paths are slash-separated and relative to the root.
type Provider interface {
	// Resolve maps a relative path onto an absolute path under the root.
	Resolve(path string) (string, error)
	// WriteStream atomically replaces path with everything read from r and
	// returns the number of bytes written.
	WriteStream(path string, r io.Reader) (int64, error)
	// Delete removes the file or directory tree at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
}
