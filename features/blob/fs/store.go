// Package fs implements the blob store on a local directory. Objects are
// flat files named by content address; writes go through a temp file and
// rename so concurrent savers of the same content cannot observe partial
// blobs.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperengineering/engram/blob"
)

// Scheme is the URI scheme of file-system blobs.
const Scheme = "fs"

// Options configures the file-system store.
type Options struct {
	// Dir is the directory blobs live in. Created if missing.
	Dir string
}

// Store implements blob.Store on a local directory.
type Store struct {
	dir string
}

// New returns a Store rooted at opts.Dir.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: opts.Dir}, nil
}

var _ blob.Store = (*Store)(nil)

// Save writes data under its content address. Existing objects are left
// untouched.
func (s *Store) Save(_ context.Context, data []byte) (string, error) {
	name := blob.Address(data)
	uri := blob.FormatURI(Scheme, name)
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return uri, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", &blob.StorageError{Op: "save", URI: uri, Err: err}
	}
	return uri, nil
}

// Load reads the object named by uri.
func (s *Store) Load(_ context.Context, uri string) ([]byte, error) {
	scheme, name, err := blob.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if scheme != Scheme {
		return nil, fmt.Errorf("blob uri %q: expected scheme %q", uri, Scheme)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, &blob.StorageError{Op: "load", URI: uri, Err: err}
	}
	return data, nil
}
