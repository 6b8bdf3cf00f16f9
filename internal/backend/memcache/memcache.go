// Package memcache is the remote memcache backend (spec.md §4.4), wrapping
// the real public client github.com/aliexpressru/gomemcached/memcached.
// Keys are base64-encoded on the wire since memcache rejects arbitrary
// bytes and whitespace; a miss is surfaced as absence, never as a stored
// null, since memcache itself has no notion of "stored null".
package memcache

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aliexpressru/gomemcached/memcached"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/pkg/utils"
)

const envServersKey = "MEMCACHED_SERVERS"

// Store is the Primitives implementation backed by a memcache cluster.
// Does not support iteration.
type Store struct {
	Servers []string

	mu     sync.Mutex
	client memcached.Memcached
}

// withClient is used by tests to inject a fake Memcached implementation
// without dialing a real cluster.
func withClient(s *Store, c memcached.Memcached) { s.client = c }

// New builds a Store for the given comma-implied server list (host:port
// pairs). Connections are established by Open, not New, so construction
// never fails on transport availability.
func New(servers []string) *Store {
	return &Store{Servers: append([]string(nil), servers...)}
}

// NewBackend wraps a Store with backend.Base's default behaviors.
func NewBackend(servers []string) *backend.Base {
	return backend.NewBase(New(servers))
}

func encodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// Open establishes a fresh client, dropping any prior connections. This
// also serves as the "rebuild pooled connections" behavior a forked child
// process needs, since Open/Close must be idempotent across a fork-like
// boundary.
func (s *Store) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Servers) == 0 {
		return fmt.Errorf("%w: memcache backend requires at least one server", utils.ErrBackendUnavailable)
	}
	if s.client != nil {
		s.client.CloseAllConns()
		s.client = nil
	}
	prior, hadPrior := os.LookupEnv(envServersKey)
	os.Setenv(envServersKey, strings.Join(s.Servers, ","))
	defer func() {
		if hadPrior {
			os.Setenv(envServersKey, prior)
		} else {
			os.Unsetenv(envServersKey)
		}
	}()
	client, err := memcached.InitFromEnv()
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrBackendUnavailable, err)
	}
	s.client = client
	return nil
}

// Close drops all pooled connections. Calling Close on an unopened or
// already-closed Store is a no-op.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	s.client.CloseAllConns()
	s.client = nil
	return nil
}

func (s *Store) handle() (memcached.Memcached, error) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return nil, utils.ErrBackendUnavailable
	}
	return c, nil
}

func encodeResult(r backend.Result) []byte {
	if r.Null {
		return []byte{0x00}
	}
	buf := make([]byte, 1+len(r.Value))
	buf[0] = 0x01
	copy(buf[1:], r.Value)
	return buf
}

func decodeResult(body []byte) (backend.Result, error) {
	if len(body) == 0 {
		return backend.Result{}, fmt.Errorf("memcache: corrupt record")
	}
	switch body[0] {
	case 0x00:
		return backend.Result{Null: true}, nil
	case 0x01:
		v := make([]byte, len(body)-1)
		copy(v, body[1:])
		return backend.Result{Value: v}, nil
	default:
		return backend.Result{}, fmt.Errorf("memcache: unrecognized record tag %d", body[0])
	}
}

// GetPrimitive implements backend.Primitives. A memcache cache miss is
// returned as utils.ErrNotFound, never as a stored null.
func (s *Store) GetPrimitive(_ context.Context, key []byte) (backend.Result, error) {
	c, err := s.handle()
	if err != nil {
		return backend.Result{}, err
	}
	resp, err := c.Get(encodeKey(key))
	if err != nil {
		if resp != nil && resp.Status == memcached.KEY_ENOENT {
			return backend.Result{}, fmt.Errorf("get %q: %w", key, utils.ErrNotFound)
		}
		return backend.Result{}, utils.Wrap(err, "memcache get")
	}
	if resp.Status == memcached.KEY_ENOENT {
		return backend.Result{}, fmt.Errorf("get %q: %w", key, utils.ErrNotFound)
	}
	return decodeResult(resp.Body)
}

// PutPrimitive implements backend.Primitives.
func (s *Store) PutPrimitive(_ context.Context, key []byte, value backend.Result) error {
	c, err := s.handle()
	if err != nil {
		return err
	}
	_, err = c.Store(memcached.Set, encodeKey(key), 0, encodeResult(value))
	if err != nil {
		return utils.Wrap(err, "memcache store")
	}
	return nil
}

// DeletePrimitive implements backend.Primitives. Deleting an absent key is
// not treated as an error.
func (s *Store) DeletePrimitive(_ context.Context, key []byte) error {
	c, err := s.handle()
	if err != nil {
		return err
	}
	resp, err := c.Delete(encodeKey(key))
	if err != nil {
		if resp != nil && resp.Status == memcached.KEY_ENOENT {
			return nil
		}
		return utils.Wrap(err, "memcache delete")
	}
	return nil
}

// GetMultiPrimitive implements backend.MultiGetter via the client's native
// MultiGet batch primitive.
func (s *Store) GetMultiPrimitive(_ context.Context, keys [][]byte) (map[string]backend.Result, error) {
	c, err := s.handle()
	if err != nil {
		return nil, err
	}
	encoded := make([]string, len(keys))
	lookup := make(map[string][]byte, len(keys))
	for i, k := range keys {
		ek := encodeKey(k)
		encoded[i] = ek
		lookup[ek] = k
	}
	bodies, err := c.MultiGet(encoded)
	if err != nil {
		return nil, utils.Wrap(err, "memcache multi get")
	}
	out := make(map[string]backend.Result, len(bodies))
	for ek, body := range bodies {
		orig, ok := lookup[ek]
		if !ok {
			continue
		}
		res, err := decodeResult(body)
		if err != nil {
			return nil, err
		}
		out[string(orig)] = res
	}
	return out, nil
}

// PutMultiPrimitive implements backend.MultiPutter via the client's native
// MultiStore batch primitive.
func (s *Store) PutMultiPrimitive(_ context.Context, values map[string]backend.Result) error {
	c, err := s.handle()
	if err != nil {
		return err
	}
	items := make(map[string][]byte, len(values))
	for k, v := range values {
		items[encodeKey([]byte(k))] = encodeResult(v)
	}
	if err := c.MultiStore(memcached.Set, items, 0); err != nil {
		return utils.Wrap(err, "memcache multi store")
	}
	return nil
}

// Stats reports a minimal diagnostic set; the wrapped client does not
// expose per-server statistics through its public interface.
func (s *Store) Stats(_ context.Context) (map[string]any, error) {
	if _, err := s.handle(); err != nil {
		return nil, err
	}
	return map[string]any{"servers": s.Servers}, nil
}

// SupportsIteration is always false for the memcache backend.
func (s *Store) SupportsIteration() bool { return false }
