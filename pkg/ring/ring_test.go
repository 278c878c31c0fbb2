package ring

import (
	"fmt"
	"math"
	"testing"
)

func TestAddAddrLookup(t *testing.T) {
	r := New(128, FNV32a)

	r.Add("node1", "127.0.0.1:9090")
	r.Add("node2", "127.0.0.1:9091")
	r.Add("node3", "127.0.0.1:9092")

	for id, want := range map[string]string{
		"node1": "127.0.0.1:9090",
		"node2": "127.0.0.1:9091",
		"node3": "127.0.0.1:9092",
	} {
		got, ok := r.Addr(id)
		if !ok || got != want {
			t.Fatalf("Addr(%s) = (%q,%v), want (%q,true)", id, got, ok, want)
		}
	}

	for _, k := range []string{"node1/0", "node1/1", "node2/7"} {
		id1 := r.Lookup([]byte(k))
		id2 := r.Lookup([]byte(k))
		if id1 == "" {
			t.Fatalf("Lookup(%q) returned empty id", k)
		}
		if id1 != id2 {
			t.Fatalf("Lookup(%q) not stable: %q != %q", k, id1, id2)
		}
	}
}

func TestAddUpdatesAddress(t *testing.T) {
	r := New(16, nil)
	r.Add("n1", "a:1")
	before := r.Lookup([]byte("k"))
	r.Add("n1", "b:2")
	if a, _ := r.Addr("n1"); a != "b:2" {
		t.Fatalf("Addr after re-add = %q, want b:2", a)
	}
	if r.Len() != 1 || r.Lookup([]byte("k")) != before {
		t.Fatalf("re-adding a node must not change placement")
	}
}

func TestEmptyRing(t *testing.T) {
	r := New(0, nil)
	if got := r.Lookup([]byte("x")); got != "" {
		t.Fatalf("Lookup on empty ring = %q", got)
	}
	if got := r.LookupN([]byte("x"), 3); got != nil {
		t.Fatalf("LookupN on empty ring = %v", got)
	}
}

func TestLookupNDistinct(t *testing.T) {
	r := New(64, nil)
	for i := 0; i < 4; i++ {
		r.Add(fmt.Sprintf("n%d", i), fmt.Sprintf("h:%d", i))
	}
	got := r.LookupN([]byte("self/3"), 3)
	if len(got) != 3 {
		t.Fatalf("LookupN returned %d nodes, want 3", len(got))
	}
	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("LookupN returned %q twice: %v", id, got)
		}
		seen[id] = true
	}
	if first := r.Lookup([]byte("self/3")); got[0] != first {
		t.Fatalf("LookupN[0] = %q, Lookup = %q", got[0], first)
	}
	if all := r.LookupN([]byte("k"), 10); len(all) != 4 {
		t.Fatalf("LookupN(10) on 4 nodes = %v", all)
	}
}

func TestRemoveAffectsLookup(t *testing.T) {
	r := New(128, FNV32a)
	r.Add("n1", "a:1")
	r.Add("n2", "a:2")
	r.Add("n3", "a:3")

	key := []byte("round-123")
	before := r.Lookup(key)
	if before == "" {
		t.Fatal("Lookup empty before remove")
	}

	r.Remove(before)
	after := r.Lookup(key)
	if after == "" || after == before {
		t.Fatalf("Lookup did not change after removing %q: got %q", before, after)
	}
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	for name, h := range map[string]Hasher{"fnv": FNV32a, "murmur": Murmur32} {
		r := New(128, h)
		r.Add("n1", "a:1")
		r.Add("n2", "a:2")
		r.Add("n3", "a:3")

		const N = 6000
		counts := map[string]int{}
		for i := range N {
			counts[r.Lookup(fmt.Appendf(nil, "self/%d", i))]++
		}
		ideal := float64(N) / 3.0
		for id, c := range counts {
			if c == 0 {
				t.Fatalf("%s: node %s got zero rounds", name, id)
			}
			if diff := math.Abs(float64(c)-ideal) / ideal; diff > 1.0 {
				t.Fatalf("%s: distribution too skewed: node %s has %d (ideal %.1f)", name, id, c, ideal)
			}
		}
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := New(128, nil)
	r.Add("n1", "a:1")
	r.Add("n2", "a:2")
	r.Remove("n1")
	r.Remove("n1")
	r.Remove("non-existent")
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if _, ok := r.Addr("n2"); !ok {
		t.Fatal("n2 should still exist")
	}
}

func TestNodesIsCopy(t *testing.T) {
	r := New(128, nil)
	r.Add("n1", "a:1")
	r.Add("n2", "a:2")

	nodes := r.Nodes()
	if len(nodes) != 2 || nodes["n1"] != "a:1" || nodes["n2"] != "a:2" {
		t.Fatalf("Nodes() = %v", nodes)
	}
	nodes["n3"] = "a:3"
	if _, ok := r.Nodes()["n3"]; ok {
		t.Fatal("Nodes() returned a reference, not a copy")
	}
}

func TestSetReplacesMembership(t *testing.T) {
	r := New(32, nil)
	r.Add("old", "o:1")
	r.Set(map[string]string{"n1": "a:1", "n2": "a:2"})
	if _, ok := r.Addr("old"); ok {
		t.Fatal("Set kept a node not in the new table")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	fresh := New(32, nil)
	fresh.Add("n1", "a:1")
	fresh.Add("n2", "a:2")
	for i := 0; i < 100; i++ {
		k := fmt.Appendf(nil, "k%d", i)
		if r.Lookup(k) != fresh.Lookup(k) {
			t.Fatalf("Set ring disagrees with incrementally built ring on %q", k)
		}
	}

	r.Set(nil)
	if r.Len() != 0 || r.Lookup([]byte("x")) != "" {
		t.Fatal("Set(nil) should empty the ring")
	}
}

func TestRemoveOnlyAffectsTargetNode(t *testing.T) {
	r := New(128, FNV32a)
	r.Add("n1", "a:1")
	r.Add("n2", "a:2")
	r.Add("n3", "a:3")

	keys := [][]byte{[]byte("key1"), []byte("key2"), []byte("key3")}
	before := make(map[string]string)
	for _, k := range keys {
		before[string(k)] = r.Lookup(k)
	}

	r.Remove("n2")

	if _, ok := r.Addr("n2"); ok {
		t.Fatal("n2 should have been removed")
	}
	for _, k := range keys {
		after := r.Lookup(k)
		beforeNode := before[string(k)]
		if beforeNode != "n2" && after != beforeNode {
			t.Fatalf("key %q moved from %s to %s, should stay on %s", k, beforeNode, after, beforeNode)
		}
	}
}
