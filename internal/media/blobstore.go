// Package media provides the bounded, expiring local media cache.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore holds raw media bytes on disk with SHA-256 content addressing.
// Identical bytes fetched under different urls share one file; the cache
// metadata tracks reference counts before a file is unlinked.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) (*BlobStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &BlobStore{baseDir: baseDir}, nil
}

// Store writes data under its content hash and returns the hash.
// Storing bytes that already exist is a no-op returning the same hash.
func (s *BlobStore) Store(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	// Content-addressed path: baseDir/XX/XXXX...
	dirPath := filepath.Join(s.baseDir, hash[:2])
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	filePath := filepath.Join(dirPath, hash)
	if _, err := os.Stat(filePath); err == nil {
		return hash, nil
	}

	// Write via temp file + rename so readers never see partial blobs.
	tmp, err := os.CreateTemp(dirPath, "blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move blob into place: %w", err)
	}

	return hash, nil
}

// Path returns the local file path of a stored blob.
func (s *BlobStore) Path(hash string) string {
	if len(hash) < 2 {
		return ""
	}
	return filepath.Join(s.baseDir, hash[:2], hash)
}

// Exists reports whether a blob is present on disk.
func (s *BlobStore) Exists(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	_, err := os.Stat(s.Path(hash))
	return err == nil
}

// Delete removes a blob file. Missing files are not an error.
func (s *BlobStore) Delete(hash string) error {
	if len(hash) < 2 {
		return nil
	}
	err := os.Remove(s.Path(hash))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
