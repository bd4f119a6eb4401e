// Package rehydrate reconstructs the virtual file system of a session at
// any wall-clock instant: load the newest VFS snapshot at or before the
// target time, then apply the session's diff chain up to it in validity
// order. Partial diff failures are tolerated; the reconstruction fails
// only when the snapshot is unreadable or every diff failed.
package rehydrate

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Node type tags in the snapshot JSON.
const (
	nodeDirectory = "directory"
	nodeFile      = "file"
)

// ErrFileNotFound is returned by ReadFile for paths with no file node.
var ErrFileNotFound = errors.New("file not found")

// Node is one entry of the serialized tree: a directory with named
// children or a file with content.
type Node struct {
	Type         string           `json:"type"`
	Name         string           `json:"name"`
	Children     map[string]*Node `json:"children,omitempty"`
	Content      string           `json:"content,omitempty"`
	LastModified int64            `json:"lastModified,omitempty"`
}

// snapshot is the persisted envelope.
type snapshot struct {
	Root *Node `json:"root"`
}

// VFS is an in-memory project tree. Methods are safe for concurrent use;
// patch application additionally serializes per file path (see Patcher).
type VFS struct {
	mu   sync.RWMutex
	root *Node
}

// NewVFS returns an empty tree.
func NewVFS() *VFS {
	return &VFS{root: &Node{Type: nodeDirectory, Name: "", Children: map[string]*Node{}}}
}

// sanitizePath normalizes the path to a clean, slash-separated, root-
// relative form. Traversal escaping the root is rejected.
func sanitizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty path")
	}
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "/")
	clean := path.Clean(p)
	if clean == "." || clean == "" {
		return "", fmt.Errorf("path %q resolves to the root", p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the root", p)
	}
	return clean, nil
}

// WriteFile stores content under the path, creating parent directories as
// needed. Existing files are replaced.
func (v *VFS) WriteFile(filePath, content string, modTime time.Time) error {
	clean, err := sanitizePath(filePath)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := strings.Split(clean, "/")
	dir := v.root
	for _, part := range parts[:len(parts)-1] {
		child := dir.Children[part]
		if child == nil {
			child = &Node{Type: nodeDirectory, Name: part, Children: map[string]*Node{}}
			dir.Children[part] = child
		}
		if child.Type != nodeDirectory {
			return fmt.Errorf("path %q crosses file %q", clean, part)
		}
		dir = child
	}
	name := parts[len(parts)-1]
	if existing := dir.Children[name]; existing != nil && existing.Type == nodeDirectory {
		return fmt.Errorf("path %q is a directory", clean)
	}
	dir.Children[name] = &Node{
		Type:         nodeFile,
		Name:         name,
		Content:      content,
		LastModified: modTime.UnixMilli(),
	}
	return nil
}

// MkdirAll creates the directory path and its parents. Existing
// directories are left untouched.
func (v *VFS) MkdirAll(dirPath string) error {
	clean, err := sanitizePath(dirPath)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	dir := v.root
	for _, part := range strings.Split(clean, "/") {
		child := dir.Children[part]
		if child == nil {
			child = &Node{Type: nodeDirectory, Name: part, Children: map[string]*Node{}}
			dir.Children[part] = child
		}
		if child.Type != nodeDirectory {
			return fmt.Errorf("path %q crosses file %q", clean, part)
		}
		dir = child
	}
	return nil
}

// ReadFile returns the content stored under the path, or ErrFileNotFound.
func (v *VFS) ReadFile(filePath string) (string, error) {
	clean, err := sanitizePath(filePath)
	if err != nil {
		return "", err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	node := v.lookup(clean)
	if node == nil || node.Type != nodeFile {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, clean)
	}
	return node.Content, nil
}

// Exists reports whether a file node lives at the path.
func (v *VFS) Exists(filePath string) bool {
	clean, err := sanitizePath(filePath)
	if err != nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	node := v.lookup(clean)
	return node != nil && node.Type == nodeFile
}

// Remove deletes the file or directory at the path. Missing paths are a
// no-op.
func (v *VFS) Remove(filePath string) error {
	clean, err := sanitizePath(filePath)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := strings.Split(clean, "/")
	dir := v.root
	for _, part := range parts[:len(parts)-1] {
		child := dir.Children[part]
		if child == nil || child.Type != nodeDirectory {
			return nil
		}
		dir = child
	}
	delete(dir.Children, parts[len(parts)-1])
	return nil
}

// List returns every file path in the tree, sorted.
func (v *VFS) List() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []string
	var walk func(prefix string, n *Node)
	walk = func(prefix string, n *Node) {
		for name, child := range n.Children {
			full := name
			if prefix != "" {
				full = prefix + "/" + name
			}
			if child.Type == nodeFile {
				out = append(out, full)
				continue
			}
			walk(full, child)
		}
	}
	walk("", v.root)
	sort.Strings(out)
	return out
}

// lookup resolves a clean path to its node. Callers hold the lock.
func (v *VFS) lookup(clean string) *Node {
	node := v.root
	for _, part := range strings.Split(clean, "/") {
		if node.Type != nodeDirectory {
			return nil
		}
		node = node.Children[part]
		if node == nil {
			return nil
		}
	}
	return node
}

// Snapshot serializes the tree as gzipped JSON {root: DirectoryNode}.
func (v *VFS) Snapshot() ([]byte, error) {
	v.mu.RLock()
	data, err := json.Marshal(snapshot{Root: v.root})
	v.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("marshal vfs snapshot: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip vfs snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip vfs snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Load deserializes a snapshot produced by Snapshot. Gzip is tried first,
// raw JSON second, so snapshots stored uncompressed still load. The root
// must be a directory node.
func Load(data []byte) (*VFS, error) {
	decoded := data
	if zr, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
		plain, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("gunzip vfs snapshot: %w", err)
		}
		decoded = plain
	}
	var snap snapshot
	if err := json.Unmarshal(decoded, &snap); err != nil {
		return nil, fmt.Errorf("decode vfs snapshot: %w", err)
	}
	if snap.Root == nil || snap.Root.Type != nodeDirectory {
		return nil, errors.New("vfs snapshot root is not a directory")
	}
	normalize(snap.Root)
	return &VFS{root: snap.Root}, nil
}

// normalize fills nil children maps left out by omitempty so loaded trees
// behave like built ones, empty directories included.
func normalize(n *Node) {
	if n.Type != nodeDirectory {
		return
	}
	if n.Children == nil {
		n.Children = map[string]*Node{}
	}
	for _, child := range n.Children {
		normalize(child)
	}
}
