package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DirectoryIndex derives logical keys from a collection listing: the names of
// the documents directly under a prefix, extension stripped, newest first.
type DirectoryIndex struct {
	Store BlobStore
	Paths PathScheme
}

// ListKeys lists prefix and returns its document keys sorted descending.
// A prefix that was never written yields an empty slice. Sub-collections and
// files without DocExt are skipped.
func (x *DirectoryIndex) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	resolved := x.Paths.Resolve(prefix)
	entries, err := x.Store.List(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("list keys under %s: %w", resolved, err)
	}

	seen := make(map[string]struct{}, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Kind == EntryDir {
			continue
		}
		key, ok := strings.CutSuffix(e.Name, DocExt)
		if !ok || key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}
