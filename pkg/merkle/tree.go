package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ryandielhenn/fringe/pkg/kv"
)

const (
	// MinDepth and MaxDepth bound the tree depth; a depth-d tree has 2^d leaves.
	MinDepth = 1
	MaxDepth = 20

	DefaultDepth = 10
)

// Node is a read view of one arena slot.
type Node struct {
	Index      int     `json:"index"`
	Hash       kv.Hash `json:"hash"`
	RangeStart uint64  `json:"range_start"`
	RangeEnd   uint64  `json:"range_end"`
	LeafCount  int     `json:"leaf_count"`
	Left       int     `json:"left,omitempty"`
	Right      int     `json:"right,omitempty"`
}

type slot struct {
	hash  kv.Hash
	start uint64
	end   uint64
	count int
}

// Tree is a fixed-shape Merkle tree stored as a heap-ordered arena: the root
// is slot 0 and the children of slot i are 2i+1 and 2i+2. Leaf j covers the
// j-th 1/2^depth slice of the key token space, so two trees of equal depth
// always line up range for range.
//
// Tree is not safe for concurrent use.
type Tree struct {
	depth     int
	firstLeaf int
	slots     []slot
	leaves    []map[string]kv.Digest
}

// NewTree builds an empty tree of the given depth.
func NewTree(depth int) (*Tree, error) {
	if depth < MinDepth || depth > MaxDepth {
		return nil, fmt.Errorf("merkle: depth %d out of range [%d,%d]", depth, MinDepth, MaxDepth)
	}
	nLeaves := 1 << depth
	t := &Tree{
		depth:     depth,
		firstLeaf: nLeaves - 1,
		slots:     make([]slot, 2*nLeaves-1),
		leaves:    make([]map[string]kv.Digest, nLeaves),
	}

	span := kv.TokenSpace >> depth
	empty := hashLeaf(nil)
	for j := 0; j < nLeaves; j++ {
		t.slots[t.firstLeaf+j] = slot{
			hash:  empty,
			start: uint64(j) * span,
			end:   uint64(j+1) * span,
		}
	}
	for i := t.firstLeaf - 1; i >= 0; i-- {
		l, r := t.slots[2*i+1], t.slots[2*i+2]
		t.slots[i] = slot{hash: hashPair(l.hash, r.hash), start: l.start, end: r.end}
	}
	return t, nil
}

// Depth returns the number of levels below the root.
func (t *Tree) Depth() int { return t.depth }

// Size returns the number of arena slots.
func (t *Tree) Size() int { return len(t.slots) }

// Root returns the root hash.
func (t *Tree) Root() kv.Hash { return t.slots[0].hash }

// Len returns the number of records summarized by the tree.
func (t *Tree) Len() int { return t.slots[0].count }

// IsLeaf reports whether slot i is a leaf.
func (t *Tree) IsLeaf(i int) bool { return i >= t.firstLeaf && i < len(t.slots) }

// Valid reports whether i addresses a slot.
func (t *Tree) Valid(i int) bool { return i >= 0 && i < len(t.slots) }

// Hash returns the hash of slot i.
func (t *Tree) Hash(i int) kv.Hash { return t.slots[i].hash }

// Node returns a read view of slot i.
func (t *Tree) Node(i int) Node {
	s := t.slots[i]
	n := Node{Index: i, Hash: s.hash, RangeStart: s.start, RangeEnd: s.end, LeafCount: s.count}
	if !t.IsLeaf(i) {
		n.Left, n.Right = 2*i+1, 2*i+2
	}
	return n
}

// LeafFor returns the slot index of the leaf covering key.
func (t *Tree) LeafFor(key string) int {
	return t.firstLeaf + int(uint64(kv.Token(key))>>(32-t.depth))
}

// Range returns the token range covered by slot i.
func (t *Tree) Range(i int) kv.Range {
	return kv.Range{Start: t.slots[i].start, End: t.slots[i].end}
}

// Digests returns the digests held by leaf slot i, ordered by key.
func (t *Tree) Digests(i int) []kv.Digest {
	m := t.leaves[i-t.firstLeaf]
	out := make([]kv.Digest, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}

// Get returns the digest currently recorded for key.
func (t *Tree) Get(key string) (kv.Digest, bool) {
	d, ok := t.leaves[t.LeafFor(key)-t.firstLeaf][key]
	return d, ok
}

// Update records d and repairs the path from its leaf to the root.
func (t *Tree) Update(d kv.Digest) {
	i := t.LeafFor(d.Key)
	m := t.leaves[i-t.firstLeaf]
	if m == nil {
		m = make(map[string]kv.Digest)
		t.leaves[i-t.firstLeaf] = m
	}
	m[d.Key] = d

	t.slots[i].hash = hashLeaf(t.Digests(i))
	t.slots[i].count = len(m)
	for i > 0 {
		i = (i - 1) / 2
		l, r := t.slots[2*i+1], t.slots[2*i+2]
		t.slots[i].hash = hashPair(l.hash, r.hash)
		t.slots[i].count = l.count + r.count
	}
}

// hashLeaf hashes key-ordered digests. Keys are length-prefixed so adjacent
// entries cannot be re-split into different tuples.
func hashLeaf(ds []kv.Digest) kv.Hash {
	h := sha256.New()
	var buf [8]byte
	for _, d := range ds {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(d.Key)))
		h.Write(buf[:4])
		h.Write([]byte(d.Key))
		binary.BigEndian.PutUint64(buf[:], d.Version)
		h.Write(buf[:])
		if d.Tombstone {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write(d.ContentHash[:])
	}
	var out kv.Hash
	h.Sum(out[:0])
	return out
}

func hashPair(l, r kv.Hash) kv.Hash {
	var buf [2 * sha256.Size]byte
	copy(buf[:sha256.Size], l[:])
	copy(buf[sha256.Size:], r[:])
	return sha256.Sum256(buf[:])
}
