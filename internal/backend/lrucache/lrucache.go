// Package lrucache is an in-process fast-cache Backend over
// github.com/hashicorp/golang-lru/v2, letting a cache chain be built
// entirely from in-process tiers (lrucache -> boltstore) without a running
// memcached, or as the fastest of three tiers ahead of memcache and the
// embedded store. It has no original-source counterpart; it is purely
// additive domain-stack scope giving golang-lru, a teacher dependency that
// was declared but never imported, a real caller.
package lrucache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/pkg/utils"
)

// Store is the Primitives implementation backed by a bounded in-process
// LRU. Does not support iteration: an eviction-ordered walk is not a
// meaningful "all keys" view.
type Store struct {
	Size int

	mu    sync.Mutex
	cache *lru.Cache[string, backend.Result]
}

// New builds a Store with the given capacity (number of entries).
func New(size int) *Store {
	if size < 1 {
		size = 1
	}
	return &Store{Size: size}
}

// NewBackend wraps a Store with backend.Base's default behaviors.
func NewBackend(size int) *backend.Base { return backend.NewBase(New(size)) }

// Open allocates the underlying cache. Idempotent.
func (s *Store) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		return nil
	}
	c, err := lru.New[string, backend.Result](s.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrBackendUnavailable, err)
	}
	s.cache = c
	return nil
}

// Close discards all cached entries. Idempotent.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return nil
	}
	s.cache.Purge()
	s.cache = nil
	return nil
}

func (s *Store) handle() (*lru.Cache[string, backend.Result], error) {
	s.mu.Lock()
	c := s.cache
	s.mu.Unlock()
	if c == nil {
		return nil, utils.ErrBackendUnavailable
	}
	return c, nil
}

// GetPrimitive implements backend.Primitives.
func (s *Store) GetPrimitive(_ context.Context, key []byte) (backend.Result, error) {
	c, err := s.handle()
	if err != nil {
		return backend.Result{}, err
	}
	res, ok := c.Get(string(key))
	if !ok {
		return backend.Result{}, fmt.Errorf("get %q: %w", key, utils.ErrNotFound)
	}
	return res, nil
}

// PutPrimitive implements backend.Primitives.
func (s *Store) PutPrimitive(_ context.Context, key []byte, value backend.Result) error {
	c, err := s.handle()
	if err != nil {
		return err
	}
	c.Add(string(key), value)
	return nil
}

// DeletePrimitive implements backend.Primitives.
func (s *Store) DeletePrimitive(_ context.Context, key []byte) error {
	c, err := s.handle()
	if err != nil {
		return err
	}
	c.Remove(string(key))
	return nil
}

// Stats reports the cache's current and maximum entry counts.
func (s *Store) Stats(_ context.Context) (map[string]any, error) {
	c, err := s.handle()
	if err != nil {
		return nil, err
	}
	return map[string]any{"len": c.Len(), "capacity": s.Size}, nil
}

// SupportsIteration is always false for the LRU backend.
func (s *Store) SupportsIteration() bool { return false }
