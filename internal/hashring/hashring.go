// Package hashring implements the client-side weighted consistent hasher:
// a flat array of node slots indexed by MD5(key) mod total-weight, grounded
// on rdbclient.py's ConsistantHasher. MD5 is fixed, not pluggable, so every
// peer implementation of this wire protocol agrees key-for-key.
package hashring

import (
	"crypto/md5"
	"fmt"
	"math/big"
)

// Node is a single weighted cluster member.
type Node struct {
	Addr   string
	Weight int
}

// Hasher maps keys to nodes via a flat, weight-repeated array.
type Hasher struct {
	slots []string
	total uint64
}

// New builds a Hasher from nodes. Weight must be >= 1 for every node.
func New(nodes []Node) (*Hasher, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("hashring: at least one node is required")
	}
	var total int
	for _, n := range nodes {
		if n.Weight < 1 {
			return nil, fmt.Errorf("hashring: node %q has invalid weight %d", n.Addr, n.Weight)
		}
		total += n.Weight
	}
	slots := make([]string, 0, total)
	for _, n := range nodes {
		for i := 0; i < n.Weight; i++ {
			slots = append(slots, n.Addr)
		}
	}
	return &Hasher{slots: slots, total: uint64(total)}, nil
}

// Node returns the node key is mapped to: index(k) = MD5(k) mod total, and
// the result is slots[index].
func (h *Hasher) Node(key []byte) string {
	sum := md5.Sum(key)
	idx := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(int64(h.total)))
	return h.slots[idx.Int64()]
}

// Nodes returns the distinct node addresses in the order they were first
// given to New.
func (h *Hasher) Nodes() []string {
	seen := make(map[string]bool, len(h.slots))
	out := make([]string, 0)
	for _, s := range h.slots {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// TotalWeight returns Σ weights across all nodes.
func (h *Hasher) TotalWeight() uint64 { return h.total }
