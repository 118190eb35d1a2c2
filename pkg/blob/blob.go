// Package blob stores raw file content outside the tree structure. Every
// file in the tree owns exactly one blob; refs are never shared between
// files, so deleting one file cannot invalidate another.
package blob

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"arbor/pkg/types"
)

var ErrNotFound = errors.New("blob not found")

// Store is the byte storage contract consumed by the virtual tree.
// Implementations must round-trip content byte for byte.
type Store interface {
	Put(ctx context.Context, data []byte) (types.BlobRef, error)
	Get(ctx context.Context, ref types.BlobRef) ([]byte, error)
	Delete(ctx context.Context, ref types.BlobRef) error
	Size(ctx context.Context, ref types.BlobRef) (int64, error)
}

// NewRef builds a unique ref from a content hash plus a random suffix.
// The hash prefix keeps related content clustered in backends that fan
// out by key; the suffix keeps ownership exclusive.
func NewRef(data []byte) types.BlobRef {
	hash := sha256.Sum256(data)
	var nonce [8]byte
	rand.Read(nonce[:])
	return types.BlobRef(fmt.Sprintf("%x-%x", hash[:8], nonce))
}

// Hash returns the hex sha256 of the content, used for identity checks.
func Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// MemoryStore keeps blobs in process memory. It is the default backend for
// tests and for trees built from an archive image.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[types.BlobRef][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[types.BlobRef][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (types.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := NewRef(data)
	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	s.blobs[ref] = stored
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref types.BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref types.BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, ref)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Size(ctx context.Context, ref types.BlobRef) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	data, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return int64(len(data)), nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
