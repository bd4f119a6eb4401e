// Package blob defines the content-addressed blob store facade. Stores
// hold externalized payloads (large message text, diff bodies, VFS
// snapshots) under URIs derived from the content's SHA-256, so saving
// identical bytes twice returns the same URI and the second save is a
// no-op. Backends: local file system, GCS, S3, and an in-memory fake.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Load when the URI resolves to nothing.
var ErrNotFound = errors.New("blob not found")

// Store saves and loads immutable byte blobs by content-addressed URI.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists data and returns its URI. Deterministic: identical
	// content yields an identical URI; re-saving existing content succeeds
	// without rewriting.
	Save(ctx context.Context, data []byte) (string, error)

	// Load returns the bytes stored under uri, or ErrNotFound.
	Load(ctx context.Context, uri string) ([]byte, error)
}

// StorageError wraps a backend failure with the operation and URI for
// diagnosis. Backends return it for I/O failures, never for ErrNotFound.
type StorageError struct {
	Op  string
	URI string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.URI, e.Err)
}

// Unwrap returns the backend error.
func (e *StorageError) Unwrap() error { return e.Err }

// Address returns the content address of data: its SHA-256 as lowercase
// hex. Every backend derives object names from it.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseURI splits "<scheme>://<name>" and validates that name is a single
// path element (no separators, no traversal). Backends call it before
// resolving a URI into storage.
func ParseURI(uri string) (scheme, name string, err error) {
	scheme, name, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" || name == "" {
		return "", "", fmt.Errorf("malformed blob uri %q", uri)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", "", fmt.Errorf("blob uri %q: object name must be a single path element", uri)
	}
	return scheme, name, nil
}

// FormatURI builds "<scheme>://<name>".
func FormatURI(scheme, name string) string {
	return scheme + "://" + name
}
