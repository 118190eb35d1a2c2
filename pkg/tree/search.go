package tree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"arbor/pkg/pathindex"
	"arbor/pkg/resolver"
	"arbor/pkg/searchindex"
	"arbor/pkg/types"
)

// SearchResult is one page of search hits.
type SearchResult struct {
	Entries   []types.Entry
	TotalHits int
}

// Search finds files under queryPath whose name matches namePattern (glob,
// empty matches all) and whose content contains every word of textQuery
// (empty skips the content filter). Results are ordered by path. maxItems
// bounds the page size, zero or negative means unlimited; skipCount offsets
// into the result set. A skipCount outside [0, total] is an error; the last
// page is short when fewer than maxItems hits remain.
func (t *Tree) Search(ctx context.Context, queryPath, namePattern, textQuery string, maxItems, skipCount int) (SearchResult, error) {
	start := time.Now()
	res, err := t.search(ctx, queryPath, namePattern, textQuery, maxItems, skipCount)
	t.observe("search", start, err)
	return res, err
}

func (t *Tree) search(ctx context.Context, queryPath, namePattern, textQuery string, maxItems, skipCount int) (SearchResult, error) {
	if skipCount < 0 {
		return SearchResult{}, fmt.Errorf("%w: negative skip count %d", ErrInvalidRange, skipCount)
	}
	queryPath, err := canonical(queryPath)
	if err != nil {
		return SearchResult{}, err
	}

	t.mu.RLock()
	if _, ok := t.paths.ResolveFolder(queryPath); !ok {
		if _, isFile := t.paths.ResolveFile(queryPath); isFile {
			t.mu.RUnlock()
			return SearchResult{}, typeMismatch(queryPath, "folder")
		}
		t.mu.RUnlock()
		return SearchResult{}, notFound(queryPath)
	}
	t.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return SearchResult{}, err
	}

	hits := t.index.Search(searchindex.Query{
		Prefix: queryPath,
		Name:   namePattern,
		Text:   textQuery,
	})
	total := len(hits)
	if skipCount > total {
		return SearchResult{}, fmt.Errorf("%w: skip count %d exceeds %d hits", ErrInvalidRange, skipCount, total)
	}

	length := total - skipCount
	if maxItems > 0 && maxItems < length {
		length = maxItems
	}
	page := hits[skipCount : skipCount+length]

	entries := make([]types.Entry, 0, len(page))
	t.mu.RLock()
	for _, hit := range page {
		if file, ok := t.paths.ResolveFile(hit); ok {
			entries = append(entries, types.Entry{
				Name:     pathindex.BaseName(file.Path),
				Path:     file.Path,
				Size:     file.Size,
				Modified: file.Modified,
			})
		}
	}
	t.mu.RUnlock()

	return SearchResult{Entries: entries, TotalHits: total}, nil
}

// EstimateType runs the configured project type rules against the subtree
// at path and reports which types match, with the attributes each match
// yields. Without a resolver the estimate is empty.
func (t *Tree) EstimateType(ctx context.Context, path string) ([]types.Estimation, error) {
	path, err := canonical(path)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	if _, ok := t.paths.ResolveFolder(path); !ok {
		if _, isFile := t.paths.ResolveFile(path); isFile {
			t.mu.RUnlock()
			return nil, typeMismatch(path, "folder")
		}
		t.mu.RUnlock()
		return nil, notFound(path)
	}

	refs := map[string]types.BlobRef{}
	rels := []string{}
	t.paths.Walk(path, func(_ *types.Folder, file *types.File) error {
		if file != nil {
			rel := strings.TrimPrefix(file.Path, path)
			rel = strings.TrimPrefix(rel, pathindex.Separator)
			rels = append(rels, rel)
			refs[rel] = file.Ref
		}
		return nil
	})
	t.mu.RUnlock()
	sort.Strings(rels)

	if t.resolver == nil {
		return []types.Estimation{}, nil
	}

	snapshot := resolver.Snapshot{
		Path:  path,
		Files: rels,
		Read: func(rel string) ([]byte, error) {
			ref, ok := refs[rel]
			if !ok {
				return nil, notFound(pathindex.Join(path, rel))
			}
			bctx, cancel := t.blobCtx(ctx)
			defer cancel()
			data, err := t.blobs.Get(bctx, ref)
			if err != nil {
				return nil, storageFailure(err)
			}
			return data, nil
		},
	}
	return t.resolver.Resolve(ctx, snapshot)
}
