package kv

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"
)

// Hash is a SHA-256 digest. It marshals as lowercase hex.
type Hash [sha256.Size]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if len(b) != hex.EncodedLen(sha256.Size) {
		return fmt.Errorf("hash: want %d hex chars, got %d", hex.EncodedLen(sha256.Size), len(b))
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// Record is one versioned key. Tombstones keep their version so deletes
// propagate through sync.
type Record struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"value,omitempty"`
	Version    uint64    `json:"version"`
	ModifiedAt time.Time `json:"modified"`
	Tombstone  bool      `json:"tombstone,omitempty"`
}

// Digest is the (key, version, tombstone, contentHash) tuple the Merkle tree
// is built from and peers compare during sync.
type Digest struct {
	Key         string `json:"key"`
	Version     uint64 `json:"version"`
	Tombstone   bool   `json:"tombstone,omitempty"`
	ContentHash Hash   `json:"content_hash"`
}

// Digest summarizes r.
func (r Record) Digest() Digest {
	return Digest{
		Key:         r.Key,
		Version:     r.Version,
		Tombstone:   r.Tombstone,
		ContentHash: ContentHash(r.Value, r.Tombstone),
	}
}

func (r Record) clone() Record {
	r.Value = append([]byte(nil), r.Value...)
	return r
}

// ContentHash covers the value and the tombstone flag, so a tombstone never
// hashes like an empty value.
func ContentHash(value []byte, tombstone bool) Hash {
	h := sha256.New()
	if tombstone {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
		h.Write(value)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// Wins reports whether a should replace b under last-writer-wins: the higher
// version wins, equal versions go to the lexicographically larger content hash.
// Identical digests never win over each other.
func Wins(a, b Digest) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return bytes.Compare(a.ContentHash[:], b.ContentHash[:]) > 0
}

// TokenSpace is the size of the key token space; tokens are in [0, TokenSpace).
const TokenSpace = uint64(1) << 32

// Token places a key in the 32-bit token space the Merkle tree partitions.
func Token(key string) uint32 {
	return murmur3.Sum32([]byte(key))
}

// Range is a half-open interval [Start, End) of the token space.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// FullRange covers every key.
var FullRange = Range{Start: 0, End: TokenSpace}

// Contains reports whether key's token falls inside r.
func (r Range) Contains(key string) bool {
	t := uint64(Token(key))
	return t >= r.Start && t < r.End
}
