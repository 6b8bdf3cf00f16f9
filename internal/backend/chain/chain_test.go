package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/pkg/utils"
)

// fakeLayer is a minimal, fully in-memory backend.Backend used to drive the
// chain's pull-up/fan-out logic deterministically in tests.
type fakeLayer struct {
	mu   sync.Mutex
	data map[string][]byte
	null map[string]bool
}

func newFakeLayer() *fakeLayer {
	return &fakeLayer{data: make(map[string][]byte), null: make(map[string]bool)}
}

func (f *fakeLayer) Has(_ context.Context, key []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[string(key)]
	_, okNull := f.null[string(key)]
	return ok || okNull, nil
}

func (f *fakeLayer) Get(_ context.Context, key []byte, def backend.GetDefault) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ks := string(key)
	if f.null[ks] {
		return nil, nil
	}
	if v, ok := f.data[ks]; ok {
		return v, nil
	}
	if def.Raise {
		return nil, utils.ErrNotFound
	}
	return def.Value, nil
}

func (f *fakeLayer) Put(_ context.Context, key []byte, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ks := string(key)
	if value == nil {
		f.null[ks] = true
		delete(f.data, ks)
		return nil
	}
	delete(f.null, ks)
	f.data[ks] = value
	return nil
}

func (f *fakeLayer) Delete(_ context.Context, key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, string(key))
	delete(f.null, string(key))
	return nil
}

func (f *fakeLayer) GetMulti(ctx context.Context, keys [][]byte, def backend.MultiDefault) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := f.Get(ctx, k, backend.Raise())
		if err != nil {
			if errors.Is(err, utils.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[string(k)] = v
	}
	return out, nil
}

func (f *fakeLayer) PutMulti(ctx context.Context, values map[string][]byte) error {
	for k, v := range values {
		if err := f.Put(ctx, []byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLayer) DeleteMulti(ctx context.Context, keys [][]byte) error {
	for _, k := range keys {
		if err := f.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLayer) Stats(_ context.Context) (map[string]any, error) { return map[string]any{}, nil }
func (f *fakeLayer) Open(_ context.Context) error                   { return nil }
func (f *fakeLayer) Close(_ context.Context) error                  { return nil }
func (f *fakeLayer) SupportsIteration() bool                        { return false }
func (f *fakeLayer) Keys(_ context.Context) (backend.Iterator, error) {
	return nil, utils.ErrNotImplemented
}
func (f *fakeLayer) Items(_ context.Context) (backend.Iterator, error) {
	return nil, utils.ErrNotImplemented
}

func TestChainPromotion(t *testing.T) {
	fast := newFakeLayer()
	slow := newFakeLayer()
	c, err := New(fast, slow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	_ = slow.Put(ctx, []byte("k"), []byte("v"))

	got, err := c.Get(ctx, []byte("k"), backend.Raise())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q want %q", got, "v")
	}

	fastGot, err := fast.Get(ctx, []byte("k"), backend.Raise())
	if err != nil {
		t.Fatalf("expected pull-up to have populated fast layer: %v", err)
	}
	if string(fastGot) != "v" {
		t.Fatalf("fast layer has %q want %q", fastGot, "v")
	}
}

func TestChainFanOut(t *testing.T) {
	l1 := newFakeLayer()
	l2 := newFakeLayer()
	c, err := New(l1, l2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for name, l := range map[string]*fakeLayer{"l1": l1, "l2": l2} {
		got, err := l.Get(ctx, []byte("k"), backend.Raise())
		if err != nil {
			t.Fatalf("%s Get: %v", name, err)
		}
		if string(got) != "v" {
			t.Fatalf("%s got %q want %q", name, got, "v")
		}
	}
}

func TestChainGetMultiPullUp(t *testing.T) {
	fast := newFakeLayer()
	slow := newFakeLayer()
	c, err := New(fast, slow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	_ = slow.PutMulti(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")})

	got, err := c.GetMulti(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, backend.NoInclude())
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if v, err := fast.Get(ctx, []byte("a"), backend.Raise()); err != nil || string(v) != "1" {
		t.Fatalf("expected a pulled up into fast layer, got %q/%v", v, err)
	}
}

func TestChainNullPreservedThroughPullUp(t *testing.T) {
	fast := newFakeLayer()
	slow := newFakeLayer()
	c, err := New(fast, slow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	_ = slow.Put(ctx, []byte("k"), nil)

	got, err := c.Get(ctx, []byte("k"), backend.Raise())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("got %q want nil", got)
	}
}

func TestChainRequiresAtLeastOneLayer(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatalf("expected error for empty chain")
	}
}
