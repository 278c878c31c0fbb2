package kv

import (
	"fmt"
	"hash/maphash"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/fringe/internal/telemetry"
	"github.com/ryandielhenn/fringe/pkg/fault"
)

// ErrNotFound is returned by Get for absent and tombstoned keys.
var ErrNotFound = fault.ErrNotFound

const shardCount = 16

// Observer receives every committed record. It runs while the key's shard is
// locked, so per-key calls arrive in version order; it must not call back
// into the store.
type Observer func(Record)

type shard struct {
	mu    sync.RWMutex
	items map[string]*Record
}

// Store is an in-memory versioned KV. Writes are serialized per shard (and so
// per key); different shards proceed concurrently.
type Store struct {
	shards [shardCount]*shard
	seed   maphash.Seed
	used   atomic.Int64
	cap    int64
	now    func() time.Time

	obsMu     sync.RWMutex
	observers []Observer
}

// NewStore creates a store capped at capacityBytes of values (0 = unlimited).
func NewStore(capacityBytes int) *Store {
	s := &Store{
		seed: maphash.MakeSeed(),
		cap:  int64(capacityBytes),
		now:  time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*Record)}
	}
	return s
}

// Subscribe registers o for every committed mutation.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[maphash.String(s.seed, key)%shardCount]
}

// Put writes value under key and returns the new version.
func (s *Store) Put(key string, value []byte) (uint64, error) {
	return s.mutate(key, value, false, "put")
}

// Delete tombstones key and returns the tombstone's version. Deleting a
// missing key creates a tombstone at version 1.
func (s *Store) Delete(key string) (uint64, error) {
	return s.mutate(key, nil, true, "delete")
}

func (s *Store) mutate(key string, value []byte, tombstone bool, op string) (uint64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: empty key", fault.ErrInvalid)
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var version uint64 = 1
	var oldSize int
	if cur, ok := sh.items[key]; ok {
		version = cur.Version + 1
		oldSize = len(cur.Value)
	}
	if err := s.reserve(len(value) - oldSize); err != nil {
		return 0, err
	}

	rec := &Record{
		Key:        key,
		Value:      append([]byte(nil), value...),
		Version:    version,
		ModifiedAt: s.now(),
		Tombstone:  tombstone,
	}
	sh.items[key] = rec
	s.publish(*rec)
	telemetry.StoreWrites.WithLabelValues(op).Inc()
	return version, nil
}

// reserve accounts delta bytes against the capacity.
func (s *Store) reserve(delta int) error {
	n := s.used.Add(int64(delta))
	if delta > 0 && s.cap > 0 && n > s.cap {
		s.used.Add(-int64(delta))
		return fmt.Errorf("%w: store capacity %d bytes", fault.ErrExhausted, s.cap)
	}
	return nil
}

func (s *Store) publish(rec Record) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o(rec)
	}
}

// Get returns the live record for key, or ErrNotFound.
func (s *Store) Get(key string) (Record, error) {
	rec, ok := s.Lookup(key)
	if !ok || rec.Tombstone {
		return Record{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	return rec, nil
}

// Lookup returns the record for key including tombstones.
func (s *Store) Lookup(key string) (Record, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.items[key]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Apply merges a record received from a peer. It is stored verbatim when it
// wins over the local copy under last-writer-wins; applied reports whether
// it did.
func (s *Store) Apply(rec Record) (applied bool, err error) {
	if rec.Key == "" || rec.Version == 0 {
		return false, fmt.Errorf("%w: record needs key and version", fault.ErrInvalid)
	}
	sh := s.shardFor(rec.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var oldSize int
	if cur, ok := sh.items[rec.Key]; ok {
		if !Wins(rec.Digest(), cur.Digest()) {
			return false, nil
		}
		oldSize = len(cur.Value)
	}
	if rec.Tombstone {
		rec.Value = nil
	}
	if err := s.reserve(len(rec.Value) - oldSize); err != nil {
		return false, err
	}
	stored := rec.clone()
	sh.items[rec.Key] = &stored
	s.publish(stored)
	telemetry.StoreWrites.WithLabelValues("apply").Inc()
	return true, nil
}

// Scan returns every record (tombstones included) whose token falls in r,
// ordered by key.
func (s *Store) Scan(r Range) []Record {
	var out []Record
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, rec := range sh.items {
			if r.Contains(k) {
				out = append(out, rec.clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of live (non-tombstoned) keys.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.items {
			if !rec.Tombstone {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Count returns the number of records including tombstones.
func (s *Store) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Used returns the bytes of values currently held.
func (s *Store) Used() int64 {
	return s.used.Load()
}
