package boltstore

import (
	"context"
	"errors"
	"testing"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/internal/testutil"
	"github.com/rdbkv/rdb/pkg/utils"
)

func newTestBackend(t *testing.T) (*backend.Base, func()) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	b := NewBackend(sb.Root, 42)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return b, func() {
		b.Close(context.Background())
		sb.Cleanup()
	}
}

func TestBoltRoundTrip(t *testing.T) {
	b, cleanup := newTestBackend(t)
	defer cleanup()
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

func TestBoltNullAndDelete(t *testing.T) {
	b, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()

	if err := b.Put(ctx, []byte("k"), nil); err != nil {
		t.Fatalf("Put null: %v", err)
	}
	got, err := b.Get(ctx, []byte("k"), backend.Raise())
	if err != nil || got != nil {
		t.Fatalf("expected nil/nil got %q/%v", got, err)
	}
	if err := b.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, []byte("missing")); err != nil {
		t.Fatalf("deleting missing key should be a no-op: %v", err)
	}
	if _, err := b.Get(ctx, []byte("k"), backend.Raise()); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBoltIteration(t *testing.T) {
	b, cleanup := newTestBackend(t)
	defer cleanup()
	ctx := context.Background()

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := b.Put(ctx, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	it, err := b.Items(ctx)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	defer it.Close()

	got := map[string]string{}
	for it.Next(ctx) {
		got[string(it.Key())] = string(it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d items want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("item %q = %q want %q", k, got[k], v)
		}
	}
}

func TestBoltOpenRequiresExistingBaseDir(t *testing.T) {
	b := NewBackend("/nonexistent/path/rdb-test", 1)
	if err := b.Open(context.Background()); !errors.Is(err, utils.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestBoltOpenCloseIdempotent(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()
	b := NewBackend(sb.Root, 7)
	ctx := context.Background()
	if err := b.Open(ctx); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := b.Open(ctx); err != nil {
		t.Fatalf("second Open should be a no-op: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}
