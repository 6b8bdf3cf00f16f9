package memcache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aliexpressru/gomemcached/memcached"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/pkg/utils"
)

// fakeClient is a minimal in-memory stand-in for memcached.Memcached, used
// so the backend's Primitives translation can be exercised without a real
// memcache cluster.
type fakeClient struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeClient() *fakeClient { return &fakeClient{data: make(map[string][]byte)} }

func (f *fakeClient) Store(_ memcached.StoreMode, key string, _ uint32, body []byte) (*memcached.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), body...)
	return &memcached.Response{Status: memcached.SUCCESS}, nil
}

func (f *fakeClient) Get(key string) (*memcached.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.data[key]
	if !ok {
		return &memcached.Response{Status: memcached.KEY_ENOENT}, errors.New("cache miss")
	}
	return &memcached.Response{Status: memcached.SUCCESS, Body: body}, nil
}

func (f *fakeClient) Delete(key string) (*memcached.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return &memcached.Response{Status: memcached.KEY_ENOENT}, errors.New("cache miss")
	}
	delete(f.data, key)
	return &memcached.Response{Status: memcached.SUCCESS}, nil
}

func (f *fakeClient) Delta(_ memcached.DeltaMode, _ string, _, _ uint64, _ uint32) (uint64, error) {
	return 0, errors.New("not supported by fake")
}

func (f *fakeClient) Append(_ memcached.AppendMode, _ string, _ []byte) (*memcached.Response, error) {
	return nil, errors.New("not supported by fake")
}

func (f *fakeClient) FlushAll(_ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string][]byte)
	return nil
}

func (f *fakeClient) MultiDelete(keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeClient) MultiStore(_ memcached.StoreMode, items map[string][]byte, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range items {
		f.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (f *fakeClient) MultiGet(keys []string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := f.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fakeClient) CloseAllConns() {}

func (f *fakeClient) CloseAvailableConnsInAllShardPools(_ int) int { return 0 }

func newTestStore() *backend.Base {
	s := New([]string{"127.0.0.1:11211"})
	withClient(s, newFakeClient())
	return backend.NewBase(s)
}

func TestMemcacheRoundTrip(t *testing.T) {
	b := newTestStore()
	ctx := context.Background()
	if err := b.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, []byte("k"), backend.Raise())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q want %q", got, "v")
	}
}

func TestMemcacheMissIsAbsentNotNull(t *testing.T) {
	b := newTestStore()
	ctx := context.Background()
	if _, err := b.Get(ctx, []byte("missing"), backend.Raise()); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemcacheNullDistinguishability(t *testing.T) {
	b := newTestStore()
	ctx := context.Background()
	if err := b.Put(ctx, []byte("k"), nil); err != nil {
		t.Fatalf("Put null: %v", err)
	}
	got, err := b.Get(ctx, []byte("k"), backend.Raise())
	if err != nil || got != nil {
		t.Fatalf("expected nil/nil, got %q/%v", got, err)
	}
}

func TestMemcacheBulk(t *testing.T) {
	b := newTestStore()
	ctx := context.Background()
	if err := b.PutMulti(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}); err != nil {
		t.Fatalf("PutMulti: %v", err)
	}
	got, err := b.GetMulti(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, backend.NoInclude())
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(got) != 2 || string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Fatalf("got %v", got)
	}
}

func TestMemcacheDoesNotSupportIteration(t *testing.T) {
	b := newTestStore()
	if b.SupportsIteration() {
		t.Fatalf("memcache backend should not support iteration")
	}
	if _, err := b.Keys(context.Background()); !errors.Is(err, utils.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
