package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ryandielhenn/fringe/pkg/fault"
)

func TestPutGetDelete(t *testing.T) {
	s := NewStore(1 << 20) // 1MB

	type row struct {
		k string
		v []byte
	}
	data := []row{
		{"a", []byte("alpha")},
		{"b", []byte("beta")},
		{"c", []byte("gamma")},
	}

	for _, r := range data {
		v, err := s.Put(r.k, r.v)
		if err != nil {
			t.Fatalf("Put(%q): %v", r.k, err)
		}
		if v != 1 {
			t.Fatalf("Put(%q) version = %d, want 1", r.k, v)
		}
	}

	if got := s.Len(); got != len(data) {
		t.Fatalf("Len = %d, want %d", got, len(data))
	}

	for _, r := range data {
		got, err := s.Get(r.k)
		if err != nil {
			t.Fatalf("Get(%q): %v", r.k, err)
		}
		if !bytes.Equal(got.Value, r.v) {
			t.Fatalf("Get(%q) = %q, want %q", r.k, got.Value, r.v)
		}
	}

	v, err := s.Delete("b")
	if err != nil || v != 2 {
		t.Fatalf("Delete(b) = %d,%v want 2,nil", v, err)
	}
	if _, err := s.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(b) after delete err = %v, want ErrNotFound", err)
	}
	rec, ok := s.Lookup("b")
	if !ok || !rec.Tombstone || rec.Version != 2 {
		t.Fatalf("Lookup(b) = %+v,%v want tombstone at v2", rec, ok)
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("Len after delete = %d, want 2", got)
	}
	if got := s.Count(); got != 3 {
		t.Fatalf("Count after delete = %d, want 3", got)
	}
}

func TestVersionCountsEveryMutation(t *testing.T) {
	s := NewStore(0)
	const n = 25
	var last uint64
	for i := 1; i <= n; i++ {
		var v uint64
		var err error
		if i%4 == 0 {
			v, err = s.Delete("k")
		} else {
			v, err = s.Put("k", fmt.Appendf(nil, "v%d", i))
		}
		if err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
		if v <= last {
			t.Fatalf("version %d after %d, not strictly increasing", v, last)
		}
		last = v
	}
	rec, _ := s.Lookup("k")
	if rec.Version != n {
		t.Fatalf("final version = %d, want %d", rec.Version, n)
	}
}

func TestDeleteMissingKeyCreatesTombstone(t *testing.T) {
	s := NewStore(0)
	v, err := s.Delete("ghost")
	if err != nil || v != 1 {
		t.Fatalf("Delete(ghost) = %d,%v want 1,nil", v, err)
	}
	v, _ = s.Delete("ghost")
	if v != 2 {
		t.Fatalf("second Delete(ghost) = %d, want 2", v)
	}
	v, _ = s.Put("ghost", []byte("back"))
	if v != 3 {
		t.Fatalf("Put after tombstone = %d, want 3", v)
	}
	rec, err := s.Get("ghost")
	if err != nil || rec.Tombstone {
		t.Fatalf("Get(ghost) = %+v,%v want live record", rec, err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	s := NewStore(0)
	if _, err := s.Put("", []byte("x")); !errors.Is(err, fault.ErrInvalid) {
		t.Fatalf("Put(\"\") err = %v, want ErrInvalid", err)
	}
}

func TestCapacityExhaustion(t *testing.T) {
	s := NewStore(8)
	if _, err := s.Put("a", []byte("1234")); err != nil {
		t.Fatalf("Put(a): %v", err)
	}
	if _, err := s.Put("b", []byte("12345")); !errors.Is(err, fault.ErrExhausted) {
		t.Fatalf("Put(b) err = %v, want ErrExhausted", err)
	}
	if _, err := s.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected write must not be visible")
	}
	// shrinking a value frees room
	if _, err := s.Put("a", []byte("1")); err != nil {
		t.Fatalf("shrink a: %v", err)
	}
	if _, err := s.Put("b", []byte("12345")); err != nil {
		t.Fatalf("Put(b) after shrink: %v", err)
	}
	if got := s.Used(); got != 6 {
		t.Fatalf("Used = %d, want 6", got)
	}
}

func TestApplyLastWriterWins(t *testing.T) {
	s := NewStore(0)
	s.Put("k", []byte("local")) // v1

	older := Record{Key: "k", Value: []byte("old"), Version: 1}
	newer := Record{Key: "k", Value: []byte("new"), Version: 3}

	// equal version: only the larger content hash replaces
	applied, err := s.Apply(older)
	if err != nil {
		t.Fatalf("Apply(older): %v", err)
	}
	localWinsTie := !Wins(older.Digest(), Record{Key: "k", Value: []byte("local"), Version: 1}.Digest())
	if applied == localWinsTie {
		t.Fatalf("Apply(equal version) applied=%v, tie-break says local wins=%v", applied, localWinsTie)
	}

	applied, err = s.Apply(newer)
	if err != nil || !applied {
		t.Fatalf("Apply(newer) = %v,%v want true,nil", applied, err)
	}
	got, _ := s.Get("k")
	if got.Version != 3 || string(got.Value) != "new" {
		t.Fatalf("after Apply = %+v, want new@3", got)
	}

	// stale record is ignored
	applied, _ = s.Apply(Record{Key: "k", Value: []byte("stale"), Version: 2})
	if applied {
		t.Fatalf("stale record applied")
	}

	// next local write continues from the applied version
	if v, _ := s.Put("k", []byte("after")); v != 4 {
		t.Fatalf("Put after Apply version = %d, want 4", v)
	}
}

func TestApplyTombstone(t *testing.T) {
	s := NewStore(0)
	s.Put("k", []byte("v"))
	applied, err := s.Apply(Record{Key: "k", Value: []byte("ignored"), Version: 2, Tombstone: true})
	if err != nil || !applied {
		t.Fatalf("Apply(tombstone) = %v,%v", applied, err)
	}
	if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after tombstone err = %v", err)
	}
	if got := s.Used(); got != 0 {
		t.Fatalf("Used after tombstone = %d, want 0", got)
	}
}

func TestWinsIsDeterministic(t *testing.T) {
	a := Record{Key: "k", Value: []byte("a"), Version: 5}.Digest()
	b := Record{Key: "k", Value: []byte("b"), Version: 5}.Digest()
	if Wins(a, b) == Wins(b, a) {
		t.Fatalf("equal-version tie must have exactly one winner")
	}
	if Wins(a, a) {
		t.Fatalf("a digest must not win over itself")
	}
	c := Record{Key: "k", Value: []byte("a"), Version: 6}.Digest()
	if !Wins(c, b) || Wins(b, c) {
		t.Fatalf("higher version must win")
	}
}

func TestScanOrderedAndRanged(t *testing.T) {
	s := NewStore(0)
	keys := []string{"delta", "alpha", "charlie", "bravo", "echo"}
	for _, k := range keys {
		s.Put(k, []byte(k))
	}
	s.Delete("charlie")

	all := s.Scan(FullRange)
	if len(all) != len(keys) {
		t.Fatalf("Scan(full) returned %d records, want %d", len(all), len(keys))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Key >= all[i].Key {
			t.Fatalf("Scan not ordered: %q before %q", all[i-1].Key, all[i].Key)
		}
	}

	tok := uint64(Token("alpha"))
	one := s.Scan(Range{Start: tok, End: tok + 1})
	found := false
	for _, r := range one {
		if r.Key == "alpha" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Scan(token range of alpha) missed alpha: %+v", one)
	}
}

func TestObserverSeesEveryCommit(t *testing.T) {
	s := NewStore(0)
	var mu sync.Mutex
	var seen []Record
	s.Subscribe(func(r Record) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})

	s.Put("a", []byte("1"))
	s.Delete("a")
	s.Apply(Record{Key: "b", Value: []byte("2"), Version: 7})
	s.Apply(Record{Key: "b", Value: []byte("x"), Version: 1}) // loses, no event

	if len(seen) != 3 {
		t.Fatalf("observer saw %d events, want 3", len(seen))
	}
	if !seen[1].Tombstone || seen[1].Version != 2 {
		t.Fatalf("second event = %+v, want tombstone v2", seen[1])
	}
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	s := NewStore(1 << 20)

	var wg sync.WaitGroup
	const G = 32
	const N = 500

	errCh := make(chan error, G)
	var stop atomic.Bool

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				if stop.Load() {
					return
				}
				k := fmt.Sprintf("k-%d", i%16) // shared keys across goroutines
				if _, err := s.Put(k, fmt.Appendf(nil, "v-%d-%d", gid, i)); err != nil {
					errCh <- err
					stop.Store(true)
					return
				}
				if i%7 == 0 {
					s.Delete(k)
				}
			}
		}(gid)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrency test failed: %v", err)
	}

	// every mutation bumped exactly one version
	var total uint64
	for _, r := range s.Scan(FullRange) {
		total += r.Version
	}
	want := uint64(G * (N + (N+6)/7))
	if total != want {
		t.Fatalf("sum of versions = %d, want %d", total, want)
	}
}

func TestHashTextRoundTrip(t *testing.T) {
	h := ContentHash([]byte("x"), false)
	b, _ := h.MarshalText()
	var back Hash
	if err := back.UnmarshalText(b); err != nil || back != h {
		t.Fatalf("UnmarshalText = %v,%v", back, err)
	}
	if err := back.UnmarshalText([]byte("abc")); err == nil {
		t.Fatalf("short hex accepted")
	}
	if ContentHash(nil, true) == ContentHash(nil, false) {
		t.Fatalf("tombstone hashes like an empty value")
	}
}
