// Package chain implements the cache-chain backend (spec.md §4.5): an
// ordered tuple of backends, fastest first, with read-through pull-up
// promotion and write-through fan-out. It generalizes
// CacheChainBackend's hardcoded (MemcacheBackend, BDBBackend) pair into an
// arbitrary []backend.Backend, so any combination of lrucache, memcache,
// and boltstore tiers can be composed.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/pkg/utils"
)

// Chain composes layers[0] (fastest) through layers[len-1] (authoritative)
// into a single Backend.
type Chain struct {
	layers []backend.Backend
	names  []string
}

// New builds a Chain over layers in shallow-to-deep order. At least one
// layer is required.
func New(layers ...backend.Backend) (*Chain, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("chain: at least one backend layer is required")
	}
	names := make([]string, len(layers))
	for i, l := range layers {
		var named any = l
		if b, ok := l.(*backend.Base); ok {
			named = b.Prims
		}
		names[i] = fmt.Sprintf("%T", named)
	}
	return &Chain{layers: layers, names: names}, nil
}

// Has reports membership by probing layers in order.
func (c *Chain) Has(ctx context.Context, key []byte) (bool, error) {
	for _, l := range c.layers {
		ok, err := l.Has(ctx, key)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Get probes layers in order. On the first hit at depth i it pulls the
// value up into layers[0:i] before returning. A miss at one layer is
// normal; NotFound from an inner layer does not short-circuit the probe.
func (c *Chain) Get(ctx context.Context, key []byte, def backend.GetDefault) ([]byte, error) {
	for i, l := range c.layers {
		v, err := l.Get(ctx, key, backend.Raise())
		if err != nil {
			if errors.Is(err, utils.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if err := c.pullUp(ctx, key, v, i); err != nil {
			return nil, err
		}
		return v, nil
	}
	if def.Raise {
		return nil, fmt.Errorf("get %q: %w", key, utils.ErrNotFound)
	}
	return def.Value, nil
}

func (c *Chain) pullUp(ctx context.Context, key, value []byte, depth int) error {
	for j := 0; j < depth; j++ {
		if err := c.layers[j].Put(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Put fans out to every layer, shallow to deep, with no two-phase
// rollback: a hard error from a deeper layer leaves shallower writes in
// place.
func (c *Chain) Put(ctx context.Context, key []byte, value []byte) error {
	for _, l := range c.layers {
		if err := l.Put(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Delete fans out to every layer.
func (c *Chain) Delete(ctx context.Context, key []byte) error {
	for _, l := range c.layers {
		if err := l.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetMulti probes layers in order, tracking the still-unknown key set,
// scheduling pull-ups per the depth each key was found at, then performs
// the pull-ups as PutMulti calls so each key is written to every layer
// shallower than where it was found.
func (c *Chain) GetMulti(ctx context.Context, keys [][]byte, def backend.MultiDefault) (map[string][]byte, error) {
	remaining := make(map[string][]byte, len(keys))
	for _, k := range keys {
		remaining[string(k)] = k
	}
	found := make(map[string][]byte, len(keys))
	pullUps := make([]map[string][]byte, len(c.layers))
	for i := range pullUps {
		pullUps[i] = make(map[string][]byte)
	}

	for depth, l := range c.layers {
		if len(remaining) == 0 {
			break
		}
		query := make([][]byte, 0, len(remaining))
		for _, k := range remaining {
			query = append(query, k)
		}
		hits, err := l.GetMulti(ctx, query, backend.NoInclude())
		if err != nil {
			return nil, err
		}
		for ks, v := range hits {
			found[ks] = v
			for j := 0; j < depth; j++ {
				pullUps[j][ks] = v
			}
			delete(remaining, ks)
		}
	}

	for j, kv := range pullUps {
		if len(kv) == 0 {
			continue
		}
		if err := c.layers[j].PutMulti(ctx, kv); err != nil {
			return nil, err
		}
	}

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		ks := string(k)
		v, ok := found[ks]
		if !ok {
			switch def.Mode {
			case backend.ModeNoInclude:
				continue
			case backend.ModeRaise:
				return nil, fmt.Errorf("get_multi %q: %w", k, utils.ErrNotFound)
			case backend.ModeValue:
				out[ks] = def.Value
			}
			continue
		}
		out[ks] = v
	}
	return out, nil
}

// PutMulti fans every key/value pair out to every layer.
func (c *Chain) PutMulti(ctx context.Context, values map[string][]byte) error {
	for _, l := range c.layers {
		if err := l.PutMulti(ctx, values); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMulti fans the key set out to every layer.
func (c *Chain) DeleteMulti(ctx context.Context, keys [][]byte) error {
	for _, l := range c.layers {
		if err := l.DeleteMulti(ctx, keys); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a mapping of each layer's type name to its own stats. A
// layer that is a *backend.Base is named by the type of the store it wraps.
// Layers of the same type share one key, and the deepest of them wins.
func (c *Chain) Stats(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any, len(c.layers))
	for i, l := range c.layers {
		s, err := l.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[c.names[i]] = s
	}
	return out, nil
}

// Open opens every layer, shallow to deep.
func (c *Chain) Open(ctx context.Context) error {
	for _, l := range c.layers {
		if err := l.Open(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every layer, shallow to deep, continuing past a layer that
// fails so the rest still get a chance to release resources.
func (c *Chain) Close(ctx context.Context) error {
	var firstErr error
	for _, l := range c.layers {
		if err := l.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SupportsIteration is true only if the deepest (authoritative) layer
// supports it, since that is the only layer guaranteed to hold every key.
func (c *Chain) SupportsIteration() bool {
	return c.layers[len(c.layers)-1].SupportsIteration()
}

// Keys iterates the deepest layer's key set.
func (c *Chain) Keys(ctx context.Context) (backend.Iterator, error) {
	if !c.SupportsIteration() {
		return nil, utils.ErrNotImplemented
	}
	return c.layers[len(c.layers)-1].Keys(ctx)
}

// Items iterates the deepest layer's key/value pairs.
func (c *Chain) Items(ctx context.Context) (backend.Iterator, error) {
	if !c.SupportsIteration() {
		return nil, utils.ErrNotImplemented
	}
	return c.layers[len(c.layers)-1].Items(ctx)
}

var _ backend.Backend = (*Chain)(nil)
