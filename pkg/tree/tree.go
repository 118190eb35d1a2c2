// Package tree implements the virtual file tree: a path-addressed
// hierarchical resource store with atomic structural mutations, archive
// import/export, and a search index kept consistent with every change.
package tree

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbor/pkg/blob"
	"arbor/pkg/events"
	"arbor/pkg/metrics"
	"arbor/pkg/pathindex"
	"arbor/pkg/resolver"
	"arbor/pkg/searchindex"
	"arbor/pkg/types"
)

// TextDetector decides whether file content should be text-indexed.
// Content type detection proper lives outside the core; this hook is how
// an external detector plugs in.
type TextDetector func(name string, data []byte) bool

// DefaultTextDetector treats content as text when no NUL byte appears in
// the first 8000 bytes.
func DefaultTextDetector(name string, data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return !bytes.ContainsRune(probe, 0)
}

// Options configures a Tree. The zero value is usable.
type Options struct {
	// CaseInsensitive folds path lookups; stored names keep their case.
	CaseInsensitive bool
	// MaxIndexedFileSize caps how much of a file's content is tokenized.
	MaxIndexedFileSize int
	// BlobTimeout bounds every blob store call. Zero means no bound
	// beyond the caller's context.
	BlobTimeout time.Duration
	// IsText overrides the text-likeness check for content indexing.
	IsText TextDetector
	// EventQueueSize bounds the change bus queue.
	EventQueueSize int
}

// Deps are the external collaborators a Tree orchestrates. Blobs is
// required; the rest default to in-process implementations or no-ops.
type Deps struct {
	Blobs    blob.Store
	Resolver resolver.Resolver
	Metrics  *metrics.TreeMetrics
	Logger   *zap.Logger
}

// Tree is the virtual file tree core. All methods are safe for concurrent
// use: structural mutations serialize on a tree-level lock, content writes
// serialize per file.
type Tree struct {
	logger   *zap.Logger
	opts     Options
	blobs    blob.Store
	index    *searchindex.Index
	bus      *events.Bus
	resolver resolver.Resolver
	metrics  *metrics.TreeMetrics

	mu    sync.RWMutex
	paths *pathindex.Index

	fileLocks  map[string]*sync.Mutex
	fileLockMu sync.Mutex

	// Subtrees where a rollback failed; operations under them are
	// refused until an operator repairs and clears the mark.
	inconsistent   map[string]string
	inconsistentMu sync.RWMutex
}

func New(opts Options, deps Deps) *Tree {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	blobs := deps.Blobs
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}
	if opts.IsText == nil {
		opts.IsText = DefaultTextDetector
	}

	return &Tree{
		logger:       logger,
		opts:         opts,
		blobs:        blobs,
		index:        searchindex.New(opts.CaseInsensitive, opts.MaxIndexedFileSize, logger),
		bus:          events.NewBus(opts.EventQueueSize, logger),
		resolver:     deps.Resolver,
		metrics:      deps.Metrics,
		paths:        pathindex.New(opts.CaseInsensitive),
		fileLocks:    make(map[string]*sync.Mutex),
		inconsistent: make(map[string]string),
	}
}

// Close stops event delivery after draining queued events.
func (t *Tree) Close(ctx context.Context) error {
	return t.bus.Close(ctx)
}

// Subscribe registers a change event handler.
func (t *Tree) Subscribe(h events.Handler) events.Subscription {
	return t.bus.Subscribe(h)
}

// Unsubscribe removes a change event handler.
func (t *Tree) Unsubscribe(sub events.Subscription) {
	t.bus.Unsubscribe(sub)
}

// BusStats reports change bus counters.
func (t *Tree) BusStats() events.Stats {
	return t.bus.Stats()
}

func (t *Tree) publish(ev types.Event) {
	t.bus.Publish(ev)
	if t.metrics != nil {
		t.metrics.EventsPublished.Inc()
	}
}

func (t *Tree) observe(op string, start time.Time, err error) {
	t.metrics.Observe(op, start, err)
	if t.metrics != nil {
		t.mu.RLock()
		nodes := t.paths.Len()
		t.mu.RUnlock()
		t.metrics.SetGauges(nodes, t.index.Len())
	}
}

// blobCtx derives the context used for blob store calls.
func (t *Tree) blobCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opts.BlobTimeout > 0 {
		return context.WithTimeout(ctx, t.opts.BlobTimeout)
	}
	return context.WithCancel(ctx)
}

func (t *Tree) fileLock(path string) *sync.Mutex {
	t.fileLockMu.Lock()
	defer t.fileLockMu.Unlock()
	lock, ok := t.fileLocks[path]
	if !ok {
		lock = &sync.Mutex{}
		t.fileLocks[path] = lock
	}
	return lock
}

func canonical(path string) (string, error) {
	p, err := pathindex.Canonicalize(path)
	if err != nil {
		return "", invalidName(path)
	}
	return p, nil
}

// checkConsistent refuses operations under a subtree marked inconsistent
// by a failed rollback.
func (t *Tree) checkConsistent(path string) error {
	t.inconsistentMu.RLock()
	defer t.inconsistentMu.RUnlock()
	for marked, reason := range t.inconsistent {
		if path == marked || strings.HasPrefix(path, marked+"/") || strings.HasPrefix(marked, path+"/") {
			return storageFailure(&inconsistentError{subtree: marked, reason: reason})
		}
	}
	return nil
}

type inconsistentError struct {
	subtree string
	reason  string
}

func (e *inconsistentError) Error() string {
	return "subtree " + e.subtree + " inconsistent, operator intervention required: " + e.reason
}

func (t *Tree) markInconsistent(path, reason string) {
	t.inconsistentMu.Lock()
	t.inconsistent[path] = reason
	t.inconsistentMu.Unlock()
	t.logger.Error("Subtree marked inconsistent",
		zap.String("path", path),
		zap.String("reason", reason))
}

// Repair clears an inconsistency mark after operator intervention,
// typically followed by RebuildIndex.
func (t *Tree) Repair(path string) {
	t.inconsistentMu.Lock()
	delete(t.inconsistent, path)
	t.inconsistentMu.Unlock()
	t.logger.Info("Inconsistency mark cleared", zap.String("path", path))
}

// Stat returns the entry at path.
func (t *Tree) Stat(path string) (types.Entry, error) {
	path, err := canonical(path)
	if err != nil {
		return types.Entry{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if folder, ok := t.paths.ResolveFolder(path); ok {
		return types.Entry{
			Name:     pathindex.BaseName(folder.Path),
			Path:     folder.Path,
			IsFolder: true,
			Modified: folder.Modified,
		}, nil
	}
	if file, ok := t.paths.ResolveFile(path); ok {
		return types.Entry{
			Name:     pathindex.BaseName(file.Path),
			Path:     file.Path,
			Size:     file.Size,
			Modified: file.Modified,
		}, nil
	}
	return types.Entry{}, notFound(path)
}

// List returns the direct children of a folder, sorted by name.
func (t *Tree) List(path string) ([]types.Entry, error) {
	path, err := canonical(path)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.paths.ResolveFile(path); ok {
		return nil, typeMismatch(path, "folder")
	}
	entries, err := t.paths.Children(path)
	if err != nil {
		return nil, notFound(path)
	}
	return entries, nil
}

// ReadFile returns the full content of a file.
func (t *Tree) ReadFile(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	data, err := t.readFile(ctx, path)
	t.observe("read", start, err)
	return data, err
}

func (t *Tree) readFile(ctx context.Context, path string) ([]byte, error) {
	path, err := canonical(path)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	file, ok := t.paths.ResolveFile(path)
	if !ok {
		if _, isFolder := t.paths.ResolveFolder(path); isFolder {
			t.mu.RUnlock()
			return nil, typeMismatch(path, "file")
		}
		t.mu.RUnlock()
		return nil, notFound(path)
	}
	ref := file.Ref
	t.mu.RUnlock()

	bctx, cancel := t.blobCtx(ctx)
	defer cancel()
	data, err := t.blobs.Get(bctx, ref)
	if err != nil {
		return nil, storageFailure(err)
	}
	return data, nil
}

// RegisterProject decorates a folder as a project root, creating the
// folder (and missing ancestors) when absent.
func (t *Tree) RegisterProject(ctx context.Context, path, projectType string, attributes map[string][]string) (*types.Folder, error) {
	folder, err := t.EnsureFolder(ctx, path)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	folder.Project = &types.ProjectMeta{Type: projectType, Attributes: attributes}
	folder.Modified = time.Now()
	t.mu.Unlock()

	t.logger.Info("Project registered",
		zap.String("path", folder.Path),
		zap.String("type", projectType))
	t.publish(types.Event{Type: types.EventUpdated, Path: folder.Path, IsFolder: true})
	return folder, nil
}

// Projects lists all folders registered as project roots, sorted by path.
func (t *Tree) Projects() []types.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := []types.Entry{}
	t.paths.Walk(pathindex.Separator, func(folder *types.Folder, _ *types.File) error {
		if folder != nil && folder.Project != nil {
			entries = append(entries, types.Entry{
				Name:     pathindex.BaseName(folder.Path),
				Path:     folder.Path,
				IsFolder: true,
				Modified: folder.Modified,
			})
		}
		return nil
	})
	return entries
}

// ProjectMeta returns the project decoration of a folder, if any.
func (t *Tree) ProjectMeta(path string) (*types.ProjectMeta, error) {
	path, err := canonical(path)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	folder, ok := t.paths.ResolveFolder(path)
	if !ok {
		return nil, notFound(path)
	}
	return folder.Project, nil
}

// RebuildIndex reconstructs the search index from scratch by walking the
// tree and re-reading every file, for recovery after index corruption.
func (t *Tree) RebuildIndex(ctx context.Context) error {
	t.logger.Info("Rebuilding search index")
	t.index.Clear()

	type fileRef struct {
		path string
		ref  types.BlobRef
	}
	refs := []fileRef{}

	t.mu.RLock()
	t.paths.Walk(pathindex.Separator, func(_ *types.Folder, file *types.File) error {
		if file != nil {
			refs = append(refs, fileRef{path: file.Path, ref: file.Ref})
		}
		return nil
	})
	t.mu.RUnlock()

	for _, fr := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		bctx, cancel := t.blobCtx(ctx)
		data, err := t.blobs.Get(bctx, fr.ref)
		cancel()
		if err != nil {
			t.logger.Warn("Skipping unreadable file during rebuild",
				zap.String("path", fr.path), zap.Error(err))
			continue
		}
		name := pathindex.BaseName(fr.path)
		t.index.Add(fr.path, name, data, t.opts.IsText(name, data))
	}

	t.logger.Info("Search index rebuilt", zap.Int("files", t.index.Len()))
	return nil
}

// indexFile adds or refreshes a file's search index entries.
func (t *Tree) indexFile(path string, data []byte) {
	name := pathindex.BaseName(path)
	t.index.Add(path, name, data, t.opts.IsText(name, data))
}

func blobHash(data []byte) string {
	return blob.Hash(data)
}

func cloneProject(p *types.ProjectMeta) *types.ProjectMeta {
	if p == nil {
		return nil
	}
	attrs := make(map[string][]string, len(p.Attributes))
	for k, v := range p.Attributes {
		attrs[k] = append([]string(nil), v...)
	}
	return &types.ProjectMeta{Type: p.Type, Attributes: attrs}
}
