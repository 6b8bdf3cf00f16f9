// Package rdb is the distributed key/value store's client SDK: the
// multi-node client that shards keys across a weighted cluster by
// consistent hashing and dispatches parallel bulk operations (spec.md
// §4.9), grounded on the original's client_from_spec/RDBMultiClient and
// exported as the module's root package since this repository's one
// consuming surface is the SDK itself.
package rdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rdbkv/rdb/internal/codec"
	"github.com/rdbkv/rdb/internal/hashring"
	"github.com/rdbkv/rdb/internal/pool"
	rdbhttp "github.com/rdbkv/rdb/internal/rdbhttp/client"
	"github.com/rdbkv/rdb/pkg/utils"
)

// DefaultPerNodeConcurrency is the number of pooled connections (and
// worker-pool slots) held per cluster node absent an explicit override
// (spec.md §4.10).
const DefaultPerNodeConcurrency = 5

// Node is one weighted cluster member, exported so callers can build a
// Client from a programmatic node list instead of a spec string.
type Node = hashring.Node

// ParseSpec parses a cluster spec string (spec.md §6): no semicolon means a
// single node at weight 1; semicolon-separated "host:port[,weight]" triples
// mean a weighted cluster, default weight 1.
func ParseSpec(spec string) ([]Node, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("rdb: empty cluster spec")
	}
	parts := strings.Split(spec, ";")
	nodes := make([]Node, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.Split(p, ",")
		addr := strings.TrimSpace(fields[0])
		if addr == "" {
			return nil, fmt.Errorf("rdb: empty node address in spec %q", spec)
		}
		weight := 1
		if len(fields) > 1 {
			w, err := strconv.Atoi(strings.TrimSpace(fields[1]))
			if err != nil || w < 1 {
				return nil, fmt.Errorf("rdb: invalid weight in %q: %v", p, err)
			}
			weight = w
		}
		nodes = append(nodes, Node{Addr: addr, Weight: weight})
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("rdb: no nodes parsed from spec %q", spec)
	}
	return nodes, nil
}

// Options configures a Client.
type Options struct {
	// PerNodeConcurrency is the number of pooled connections held per node
	// and the worker-pool concurrency multiplier (spec.md §4.10). Defaults
	// to DefaultPerNodeConcurrency.
	PerNodeConcurrency int
}

// Client is the multi-node SDK client: it owns one pooled single-node HTTP
// client per cluster node, a consistent hasher built from the same node
// list, and a bounded worker pool for parallel bulk fan-out.
type Client struct {
	hasher  *hashring.Hasher
	clients map[string]*pool.Pool[*rdbhttp.Client]
	workers *pool.WorkerPool
	conns   []*rdbhttp.Client
}

// New builds a Client from an explicit weighted node list.
func New(nodes []Node, opts Options) (*Client, error) {
	hasher, err := hashring.New(nodes)
	if err != nil {
		return nil, err
	}
	perNode := opts.PerNodeConcurrency
	if perNode < 1 {
		perNode = DefaultPerNodeConcurrency
	}
	clients := make(map[string]*pool.Pool[*rdbhttp.Client], len(nodes))
	var allConns []*rdbhttp.Client
	distinct := 0
	for _, n := range nodes {
		if _, ok := clients[n.Addr]; ok {
			continue
		}
		distinct++
		conns := make([]*rdbhttp.Client, perNode)
		for i := range conns {
			conns[i] = rdbhttp.New(n.Addr)
		}
		allConns = append(allConns, conns...)
		clients[n.Addr] = pool.New(conns)
	}
	return &Client{
		hasher:  hasher,
		clients: clients,
		workers: pool.NewWorkerPool(distinct * perNode),
		conns:   allConns,
	}, nil
}

// NewFromSpec builds a Client from a cluster spec string (spec.md §6).
func NewFromSpec(spec string, opts Options) (*Client, error) {
	nodes, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	return New(nodes, opts)
}

// Close releases every pooled connection's underlying transport.
func (c *Client) Close() error {
	for _, conn := range c.conns {
		conn.Close()
	}
	return nil
}

func (c *Client) clientFor(key []byte) *pool.Pool[*rdbhttp.Client] {
	return c.clients[c.hasher.Node(key)]
}

func (c *Client) withClient(ctx context.Context, key []byte, fn func(*rdbhttp.Client) error) error {
	p := c.clientFor(key)
	lease, err := p.Checkout(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Item())
}

// Get fetches and decodes the value stored under key, dispatching to the
// key's owning node.
func (c *Client) Get(ctx context.Context, key []byte, out any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	var env codec.Envelope
	err := c.withClient(ctx, key, func(cl *rdbhttp.Client) error {
		var err error
		env, err = cl.Get(ctx, key)
		return err
	})
	if err != nil {
		return err
	}
	return codec.Decode(env, out)
}

// Put encodes and stores v under key, dispatching to the key's owning node.
func (c *Client) Put(ctx context.Context, key []byte, v any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	env, err := codec.Encode(v)
	if err != nil {
		return err
	}
	return c.withClient(ctx, key, func(cl *rdbhttp.Client) error {
		return cl.Put(ctx, key, env)
	})
}

// Delete removes key, dispatching to its owning node.
func (c *Client) Delete(ctx context.Context, key []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return c.withClient(ctx, key, func(cl *rdbhttp.Client) error {
		return cl.Delete(ctx, key)
	})
}

// groupByNode partitions keys by the node they hash to, preserving
// encounter order within each group. Every key is validated (spec.md §3/§7)
// before it is hashed; the first invalid key fails the whole call.
func (c *Client) groupByNode(keys [][]byte) (map[string][][]byte, error) {
	groups := make(map[string][][]byte)
	for _, k := range keys {
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
		node := c.hasher.Node(k)
		groups[node] = append(groups[node], k)
	}
	return groups, nil
}

type nodeKeys struct {
	node string
	keys [][]byte
}

// GetMulti fetches keys in parallel, one bulk request per owning node
// (spec.md §4.9/§5), merging the per-node result maps (disjoint key
// spaces). Absent keys are omitted (NoInclude semantics); out receives the
// decoded values.
func (c *Client) GetMulti(ctx context.Context, keys [][]byte, out map[string]any) error {
	groups, err := c.groupByNode(keys)
	if err != nil {
		return err
	}
	items := make([]nodeKeys, 0, len(groups))
	for node, ks := range groups {
		items = append(items, nodeKeys{node: node, keys: ks})
	}

	results, err := pool.ParallelMap(ctx, c.workers, items, func(ctx context.Context, nk nodeKeys) (map[string]codec.Envelope, error) {
		strKeys := make([]string, len(nk.keys))
		for i, k := range nk.keys {
			strKeys[i] = string(k)
		}
		p := c.clients[nk.node]
		lease, err := p.Checkout(ctx)
		if err != nil {
			return nil, err
		}
		defer lease.Release()
		return lease.Item().GetMulti(ctx, strKeys)
	})
	if err != nil {
		return err
	}
	for _, envs := range results {
		for k, env := range envs {
			var v any
			if err := codec.Decode(env, &v); err != nil {
				return err
			}
			out[k] = v
		}
	}
	return nil
}

// PutMulti stores values in parallel, one bulk request per owning node.
func (c *Client) PutMulti(ctx context.Context, values map[string]any) error {
	groups := make(map[string]map[string]codec.Envelope)
	for k, v := range values {
		if err := ValidateKey([]byte(k)); err != nil {
			return err
		}
		env, err := codec.Encode(v)
		if err != nil {
			return err
		}
		node := c.hasher.Node([]byte(k))
		if groups[node] == nil {
			groups[node] = make(map[string]codec.Envelope)
		}
		groups[node][k] = env
	}
	type nodeValues struct {
		node   string
		values map[string]codec.Envelope
	}
	items := make([]nodeValues, 0, len(groups))
	for node, vs := range groups {
		items = append(items, nodeValues{node: node, values: vs})
	}
	_, err := pool.ParallelMap(ctx, c.workers, items, func(ctx context.Context, nv nodeValues) (struct{}, error) {
		p := c.clients[nv.node]
		lease, err := p.Checkout(ctx)
		if err != nil {
			return struct{}{}, err
		}
		defer lease.Release()
		_, err = lease.Item().PutMulti(ctx, nv.values)
		return struct{}{}, err
	})
	return err
}

// DeleteMulti removes keys in parallel, one bulk request per owning node.
func (c *Client) DeleteMulti(ctx context.Context, keys [][]byte) error {
	groups, err := c.groupByNode(keys)
	if err != nil {
		return err
	}
	items := make([]nodeKeys, 0, len(groups))
	for node, ks := range groups {
		items = append(items, nodeKeys{node: node, keys: ks})
	}
	_, err = pool.ParallelMap(ctx, c.workers, items, func(ctx context.Context, nk nodeKeys) (struct{}, error) {
		strKeys := make([]string, len(nk.keys))
		for i, k := range nk.keys {
			strKeys[i] = string(k)
		}
		p := c.clients[nk.node]
		lease, err := p.Checkout(ctx)
		if err != nil {
			return struct{}{}, err
		}
		defer lease.Release()
		_, err = lease.Item().DeleteMulti(ctx, strKeys)
		return struct{}{}, err
	})
	return err
}

// Keys aggregates the key lists of every distinct cluster node (spec.md
// §4.7's GET /_all_keys, fanned out node by node since the spec defines
// iteration only at the single-node client). Returns utils.ErrNotImplemented
// if any node's backend does not support iteration.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	var all []string
	for _, p := range c.clients {
		lease, err := p.Checkout(ctx)
		if err != nil {
			return nil, err
		}
		keys, err := lease.Item().Keys(ctx)
		lease.Release()
		if err != nil {
			return nil, err
		}
		all = append(all, keys...)
	}
	return all, nil
}

// Items aggregates the key/value data of every distinct cluster node
// (spec.md §4.7's GET /_all_data), decoding each envelope.
func (c *Client) Items(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	for _, p := range c.clients {
		lease, err := p.Checkout(ctx)
		if err != nil {
			return nil, err
		}
		items, err := lease.Item().Items(ctx)
		lease.Release()
		if err != nil {
			return nil, err
		}
		for k, env := range items {
			var v any
			if err := codec.Decode(env, &v); err != nil {
				return nil, err
			}
			out[k] = v
		}
	}
	return out, nil
}

// Stats aggregates per-node backend diagnostics keyed by node address.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any, len(c.clients))
	for node, p := range c.clients {
		lease, err := p.Checkout(ctx)
		if err != nil {
			return nil, err
		}
		stats, err := lease.Item().Stats(ctx)
		lease.Release()
		if err != nil {
			return nil, err
		}
		out[node] = stats
	}
	return out, nil
}

// ValidateKey enforces spec.md §3's key contract: non-empty ASCII bytes.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: key must be non-empty", utils.ErrInvalidKey)
	}
	for _, b := range key {
		if b > 0x7f {
			return fmt.Errorf("%w: key contains non-ASCII byte 0x%02x", utils.ErrInvalidKey, b)
		}
	}
	return nil
}
