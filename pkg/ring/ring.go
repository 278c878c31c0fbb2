// Package ring is a consistent hash ring over cluster members. Nodes use it
// to pick anti-entropy partners: hashing (self, round) onto the ring spreads
// sync sessions evenly across live members and moves only a small share of
// choices when membership changes.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Hasher maps bytes to a ring position.
type Hasher func([]byte) uint32

// FNV32a is the FNV-1a 32-bit hasher.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

// Murmur32 is the murmur3 32-bit hasher, the same function that places keys
// in Merkle leaves.
func Murmur32(b []byte) uint32 { return murmur3.Sum32(b) }

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> nodeID
	nodes    map[string]string // nodeID -> addr
}

// New builds an empty ring with replicas virtual points per node (default
// 128) and hasher h (default Murmur32).
func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = Murmur32
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]string),
	}
}

// Add inserts a node, or updates its address if already present.
func (r *HashRing) Add(nodeID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; ok {
		r.nodes[nodeID] = addr
		return
	}
	r.nodes[nodeID] = addr
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(nodeID, i))
		r.owners[pt] = nodeID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

// Remove drops a node; unknown ids are ignored.
func (r *HashRing) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	delete(r.nodes, nodeID)
	r.rebuildLocked()
}

// Set replaces the membership with nodes (id -> addr).
func (r *HashRing) Set(nodes map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = maps.Clone(nodes)
	if r.nodes == nil {
		r.nodes = make(map[string]string)
	}
	r.rebuildLocked()
}

func (r *HashRing) rebuildLocked() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.nodes {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Lookup returns the node owning key, or "" on an empty ring.
func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.searchLocked(key)]]
}

// LookupN returns up to n distinct nodes walking clockwise from key.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.searchLocked(key)

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// searchLocked finds the first point >= hash(key), wrapping to 0.
func (r *HashRing) searchLocked(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

// Addr returns the address registered for nodeID.
func (r *HashRing) Addr(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[nodeID]
	return a, ok
}

// Nodes returns a copy of the id -> addr table.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.nodes)
}

// Len returns the number of nodes.
func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func pointKey(nodeID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(nodeID), buf[:]...)
}
