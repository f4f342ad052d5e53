package docstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"
)

type memoryBlob struct {
	content []byte
	version string
}

// MemoryBlobStore is an in-process BlobStore with the same version semantics
// as the remote backends. Every successful Put issues a fresh version.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string]memoryBlob
}

// NewMemoryBlobStore creates an empty in-memory store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]memoryBlob)}
}

func (m *MemoryBlobStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = normalizeKey(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{Path: path, Content: bytes.Clone(blob.content), Version: blob.version}, nil
}

func (m *MemoryBlobStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path = normalizeKey(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.blobs[path]
	switch expectedVersion {
	case "":
	case CreateOnly:
		if exists {
			return "", ErrConflict
		}
	default:
		if !exists || current.version != expectedVersion {
			return "", ErrConflict
		}
	}
	version := uuid.NewString()
	m.blobs[path] = memoryBlob{content: bytes.Clone(content), version: version}
	return version, nil
}

func (m *MemoryBlobStore) List(ctx context.Context, prefix string) ([]BlobEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	keys := make([]string, 0, len(m.blobs))
	for key := range m.blobs {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	return immediateChildren(prefix, keys), nil
}
