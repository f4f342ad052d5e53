package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// LocalBlobStore implements BlobStore on the local filesystem. Versions are
// the sha256 of the file content, so any rewrite with different bytes issues
// a new version.
type LocalBlobStore struct {
	Root string

	// mu makes the version check and the rename one step within a process.
	mu sync.Mutex
}

func (l *LocalBlobStore) fullPath(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(normalizeKey(key)))
}

func (l *LocalBlobStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.fullPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Document{Path: normalizeKey(path), Content: data, Version: contentSHA256(data)}, nil
}

func (l *LocalBlobStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dest := l.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// check version match before replacing
	if expectedVersion != "" {
		current, err := os.ReadFile(dest)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		missing := errors.Is(err, os.ErrNotExist)
		if expectedVersion == CreateOnly {
			if !missing {
				return "", fmt.Errorf("%w: %s already exists", ErrConflict, path)
			}
		} else if missing || contentSHA256(current) != expectedVersion {
			return "", fmt.Errorf("%w: %s", ErrConflict, path)
		}
	}

	if err := writeFileAtomic(dest, content); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return contentSHA256(content), nil
}

func (l *LocalBlobStore) List(ctx context.Context, prefix string) ([]BlobEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(l.fullPath(prefix))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []BlobEntry{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	items := make([]BlobEntry, 0, len(dirEntries))
	for _, d := range dirEntries {
		// skip temp files left by an interrupted writeFileAtomic
		if filepath.Ext(d.Name()) == ".tmp" {
			continue
		}
		kind := EntryFile
		if d.IsDir() {
			kind = EntryDir
		}
		items = append(items, BlobEntry{Name: d.Name(), Kind: kind})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func contentSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dest)
}
