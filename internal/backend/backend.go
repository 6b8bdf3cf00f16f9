// Package backend defines the storage contract shared by every concrete
// store (embedded, memcache, in-process LRU, and the cache chain composing
// them). It generalizes the teacher's single in-memory KVStore/Iterator pair
// (core/cross_chain.go) into a pluggable, NULL-preserving, bulk-batching
// contract.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/rdbkv/rdb/pkg/utils"
)

// Result is a primitive-level read outcome: either Value holds the raw
// bytes a backend stored, or Null is set meaning the caller previously
// stored a JSON null for this key. GetPrimitive signals absence by
// returning a non-nil error wrapping utils.ErrNotFound, never by a zero
// Result, so a stored null is never confused with "key absent".
type Result struct {
	Value []byte
	Null  bool
}

// Primitives is the minimal set of operations a concrete store must
// implement. Backend's default Get/Put/GetMulti/PutMulti behaviors are
// derived from these, mirroring the original's _get/_put/_delete template
// methods.
type Primitives interface {
	GetPrimitive(ctx context.Context, key []byte) (Result, error)
	PutPrimitive(ctx context.Context, key []byte, value Result) error
	DeletePrimitive(ctx context.Context, key []byte) error
	Stats(ctx context.Context) (map[string]any, error)
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	SupportsIteration() bool
}

// MultiGetter is implemented by backends with a native batch-read primitive
// (e.g. memcache's MultiGet). Backends without one fall back to repeated
// GetPrimitive calls.
type MultiGetter interface {
	GetMultiPrimitive(ctx context.Context, keys [][]byte) (map[string]Result, error)
}

// MultiPutter is implemented by backends with a native batch-write
// primitive. Backends without one fall back to repeated PutPrimitive calls.
type MultiPutter interface {
	PutMultiPrimitive(ctx context.Context, values map[string]Result) error
}

// Iterable is implemented by backends for which SupportsIteration is true.
type Iterable interface {
	IterateKeys(ctx context.Context) (Iterator, error)
	IterateItems(ctx context.Context) (Iterator, error)
}

// Iterator walks a backend's key space lazily.
type Iterator interface {
	Next(ctx context.Context) bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// GetDefault controls Get's behavior when the key is absent.
type GetDefault struct {
	Raise bool
	Value []byte
}

// Raise requests that Get fail with utils.ErrNotFound on absence. This is
// the original's implicit "default=NotFound" parameter.
func Raise() GetDefault { return GetDefault{Raise: true} }

// WithDefault requests that Get return v (nil for null) on absence instead
// of failing.
func WithDefault(v []byte) GetDefault { return GetDefault{Value: v} }

// MultiMode selects GetMulti's behavior for keys absent from the backend.
type MultiMode int

const (
	// ModeNoInclude omits absent keys from the result map.
	ModeNoInclude MultiMode = iota
	// ModeValue substitutes a caller-supplied default for absent keys.
	ModeValue
	// ModeRaise fails the whole call if any requested key is absent.
	ModeRaise
)

// MultiDefault controls GetMulti's behavior for absent keys.
type MultiDefault struct {
	Mode  MultiMode
	Value []byte
}

// NoInclude is the distinguished bulk default: omit absent keys.
func NoInclude() MultiDefault { return MultiDefault{Mode: ModeNoInclude} }

// MultiValue substitutes v for every absent key.
func MultiValue(v []byte) MultiDefault { return MultiDefault{Mode: ModeValue, Value: v} }

// MultiRaise fails the call if any requested key is absent.
func MultiRaise() MultiDefault { return MultiDefault{Mode: ModeRaise} }

// Backend is the full capability set a caller uses: get/put/delete, bulk
// variants, iteration, stats, and lifecycle.
type Backend interface {
	Has(ctx context.Context, key []byte) (bool, error)
	Get(ctx context.Context, key []byte, def GetDefault) ([]byte, error)
	Put(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error
	GetMulti(ctx context.Context, keys [][]byte, def MultiDefault) (map[string][]byte, error)
	PutMulti(ctx context.Context, values map[string][]byte) error
	DeleteMulti(ctx context.Context, keys [][]byte) error
	Stats(ctx context.Context) (map[string]any, error)
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	SupportsIteration() bool
	Keys(ctx context.Context) (Iterator, error)
	Items(ctx context.Context) (Iterator, error)
}

// Base implements Backend's default behaviors on top of a Primitives
// implementation. Concrete backends embed *Base and only need to supply
// Primitives (and optionally MultiGetter/MultiPutter/Iterable).
type Base struct {
	Prims Primitives
}

// NewBase wraps p with the default Backend behaviors.
func NewBase(p Primitives) *Base { return &Base{Prims: p} }

func toResult(value []byte) Result {
	if value == nil {
		return Result{Null: true}
	}
	return Result{Value: value}
}

// Has reports key membership via GetPrimitive, translating absence to false
// rather than an error.
func (b *Base) Has(ctx context.Context, key []byte) (bool, error) {
	_, err := b.Prims.GetPrimitive(ctx, key)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get returns the value stored for key, or nil if it was stored as null.
// On absence it raises utils.ErrNotFound unless def carries a substitute.
func (b *Base) Get(ctx context.Context, key []byte, def GetDefault) ([]byte, error) {
	res, err := b.Prims.GetPrimitive(ctx, key)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			if def.Raise {
				return nil, fmt.Errorf("get %q: %w", key, utils.ErrNotFound)
			}
			return def.Value, nil
		}
		return nil, err
	}
	if res.Null {
		return nil, nil
	}
	return res.Value, nil
}

// Put stores value for key. A nil value stores the null-distinguishing
// sentinel rather than absence.
func (b *Base) Put(ctx context.Context, key []byte, value []byte) error {
	return b.Prims.PutPrimitive(ctx, key, toResult(value))
}

// Delete removes key. Deleting an absent key is not an error.
func (b *Base) Delete(ctx context.Context, key []byte) error {
	return b.Prims.DeletePrimitive(ctx, key)
}

func (b *Base) getMultiPrimitive(ctx context.Context, keys [][]byte) (map[string]Result, error) {
	if mg, ok := b.Prims.(MultiGetter); ok {
		return mg.GetMultiPrimitive(ctx, keys)
	}
	out := make(map[string]Result, len(keys))
	for _, k := range keys {
		res, err := b.Prims.GetPrimitive(ctx, k)
		if err != nil {
			if errors.Is(err, utils.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[string(k)] = res
	}
	return out, nil
}

// GetMulti fetches every key in keys, applying def's policy to whichever
// are absent. The result's key set is always a subset of keys.
func (b *Base) GetMulti(ctx context.Context, keys [][]byte, def MultiDefault) (map[string][]byte, error) {
	found, err := b.getMultiPrimitive(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		ks := string(k)
		res, ok := found[ks]
		if !ok {
			switch def.Mode {
			case ModeNoInclude:
				continue
			case ModeRaise:
				return nil, fmt.Errorf("get_multi %q: %w", k, utils.ErrNotFound)
			case ModeValue:
				out[ks] = def.Value
			}
			continue
		}
		if res.Null {
			out[ks] = nil
		} else {
			out[ks] = res.Value
		}
	}
	return out, nil
}

// PutMulti stores every key/value pair in values, nil meaning null.
func (b *Base) PutMulti(ctx context.Context, values map[string][]byte) error {
	if mp, ok := b.Prims.(MultiPutter); ok {
		results := make(map[string]Result, len(values))
		for k, v := range values {
			results[k] = toResult(v)
		}
		return mp.PutMultiPrimitive(ctx, results)
	}
	for k, v := range values {
		if err := b.Prims.PutPrimitive(ctx, []byte(k), toResult(v)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMulti removes every key in keys.
func (b *Base) DeleteMulti(ctx context.Context, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Prims.DeletePrimitive(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns backend-native diagnostics.
func (b *Base) Stats(ctx context.Context) (map[string]any, error) { return b.Prims.Stats(ctx) }

// Open acquires the backend's resources. Idempotent.
func (b *Base) Open(ctx context.Context) error { return b.Prims.Open(ctx) }

// Close releases the backend's resources. Idempotent.
func (b *Base) Close(ctx context.Context) error { return b.Prims.Close(ctx) }

// SupportsIteration reports whether Keys/Items are usable.
func (b *Base) SupportsIteration() bool { return b.Prims.SupportsIteration() }

// Keys returns an iterator over all keys, or utils.ErrNotImplemented if the
// backend does not support iteration.
func (b *Base) Keys(ctx context.Context) (Iterator, error) {
	it, ok := b.Prims.(Iterable)
	if !ok {
		return nil, utils.ErrNotImplemented
	}
	return it.IterateKeys(ctx)
}

// Items returns an iterator over all key/value pairs, or
// utils.ErrNotImplemented if the backend does not support iteration.
func (b *Base) Items(ctx context.Context) (Iterator, error) {
	it, ok := b.Prims.(Iterable)
	if !ok {
		return nil, utils.ErrNotImplemented
	}
	return it.IterateItems(ctx)
}
