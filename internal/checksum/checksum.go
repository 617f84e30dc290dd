// Package checksum computes SHA-256 digests and runs the bounded hashing pool.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// chunkSize is the read buffer for streaming digests.
const chunkSize = 64 * 1024

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Reader streams r through SHA-256 in fixed-size chunks.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex digest of the file at path without loading it into memory.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Reader(f)
}
