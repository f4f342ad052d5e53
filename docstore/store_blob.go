package docstore

import (
	"context"
	"sort"
	"strings"
)

// Document is the content stored at a path together with the version token
// the backend issued for exactly those bytes.
type Document struct {
	Path    string
	Content []byte
	Version string
}

// EntryKind distinguishes documents from sub-collections in a listing.
type EntryKind string

const (
	EntryFile EntryKind = "file"
	EntryDir  EntryKind = "dir"
)

// BlobEntry is one immediate child of a listed prefix.
type BlobEntry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"type"`
}

// CreateOnly is the expected version for a Put that must create the
// document: it fails with ErrConflict when the path already exists. No
// backend ever issues it as a real version.
const CreateOnly = "*"

// BlobStore is the versioned blob abstraction every backend implements.
//
// Get returns ErrNotFound for a missing path. Put with an empty
// expectedVersion is unconditional and with CreateOnly requires the path to
// be absent; otherwise it fails with ErrConflict when the stored version
// differs. Conflicts are never retried at this layer. List
// returns the immediate children of prefix and an empty slice when the prefix
// has never been written.
type BlobStore interface {
	Get(ctx context.Context, path string) (*Document, error)
	Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error)
	List(ctx context.Context, prefix string) ([]BlobEntry, error)
}

func normalizeKey(key string) string {
	return strings.Trim(key, "/")
}

// immediateChildren reduces full object keys under prefix to the names of its
// direct children, marking anything with a deeper path as a directory.
func immediateChildren(prefix string, keys []string) []BlobEntry {
	prefix = normalizeKey(prefix)
	if prefix != "" {
		prefix += "/"
	}

	seen := make(map[string]EntryKind)
	for _, key := range keys {
		key = normalizeKey(key)
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || rest == "" {
			continue
		}
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			seen[name] = EntryDir
			continue
		}
		if _, exists := seen[name]; !exists {
			seen[name] = EntryFile
		}
	}

	out := make([]BlobEntry, 0, len(seen))
	for name, kind := range seen {
		out = append(out, BlobEntry{Name: name, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
