package merkle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/kv"
)

func digest(key, value string, version uint64) kv.Digest {
	return kv.Record{Key: key, Value: []byte(value), Version: version}.Digest()
}

func TestNewTreeRejectsDepth(t *testing.T) {
	_, err := NewTree(0)
	assert.Error(t, err)
	_, err = NewTree(MaxDepth + 1)
	assert.Error(t, err)

	tr, err := NewTree(3)
	require.NoError(t, err)
	assert.Equal(t, 15, tr.Size())
	assert.True(t, tr.IsLeaf(7))
	assert.False(t, tr.IsLeaf(6))
	assert.Equal(t, uint64(0), tr.Range(0).Start)
	assert.Equal(t, uint64(kv.TokenSpace), tr.Range(0).End)
}

func TestLeafForCoversToken(t *testing.T) {
	tr, err := NewTree(6)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		leaf := tr.LeafFor(key)
		require.True(t, tr.IsLeaf(leaf))
		assert.True(t, tr.Range(leaf).Contains(key), "leaf %d does not cover %q", leaf, key)
	}
}

func TestIncrementalUpdateMatchesRebuild(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	inc, _ := NewTree(8)
	final := map[string]kv.Digest{}
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("k%d", rnd.Intn(300))
		d := digest(key, fmt.Sprintf("v%d", i), uint64(i+1))
		inc.Update(d)
		final[key] = d
	}

	rebuilt, _ := NewTree(8)
	for _, d := range final {
		rebuilt.Update(d)
	}
	assert.Equal(t, rebuilt.Root(), inc.Root())
	assert.Equal(t, len(final), inc.Len())
}

func TestRootIndependentOfOrder(t *testing.T) {
	a, _ := NewTree(4)
	b, _ := NewTree(4)
	empty := a.Root()
	ds := []kv.Digest{digest("x", "1", 1), digest("y", "2", 1), digest("z", "3", 4)}
	for i := range ds {
		a.Update(ds[i])
		b.Update(ds[len(ds)-1-i])
	}
	assert.Equal(t, a.Root(), b.Root())
	assert.NotEqual(t, empty, a.Root())

	b.Update(digest("x", "1", 2))
	assert.NotEqual(t, a.Root(), b.Root())
}

func TestEngineTracksStore(t *testing.T) {
	s := kv.NewStore(0)
	s.Put("before", []byte("1"))
	e, err := NewEngine(s, Config{Depth: 5})
	require.NoError(t, err)

	s.Put("after", []byte("2"))
	s.Delete("before")

	want, _ := NewTree(5)
	for _, r := range s.Scan(kv.FullRange) {
		want.Update(r.Digest())
	}
	assert.Equal(t, want.Root(), e.RootHash())

	st := e.Stats()
	assert.Equal(t, 2, st.TotalLeaves)
	assert.Equal(t, 5, st.MaxDepth)
	assert.Equal(t, want.Root().String(), st.TreeHash)
}

func TestEngineRejectsBadIndices(t *testing.T) {
	e, _ := NewEngine(kv.NewStore(0), Config{Depth: 2})
	_, err := e.Hashes([]int{0, 7})
	assert.ErrorIs(t, err, fault.ErrInvalid)
	_, err = e.LeafDigests(0)
	assert.ErrorIs(t, err, fault.ErrInvalid)
	_, err = e.Node(-1)
	assert.ErrorIs(t, err, fault.ErrInvalid)

	n, err := e.Node(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Left)
	assert.Equal(t, 2, n.Right)
}

type pair struct {
	a, b   *kv.Store
	ea, eb *Engine
}

func newPair(t *testing.T, depth int) pair {
	t.Helper()
	p := pair{a: kv.NewStore(0), b: kv.NewStore(0)}
	var err error
	p.ea, err = NewEngine(p.a, Config{Depth: depth})
	require.NoError(t, err)
	p.eb, err = NewEngine(p.b, Config{Depth: depth})
	require.NoError(t, err)
	return p
}

func TestSyncPullsMissingKey(t *testing.T) {
	p := newPair(t, DefaultDepth)
	p.a.Put("k1", []byte("v1"))

	st, err := p.eb.Sync(context.Background(), LocalPeer{E: p.ea})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pulled)
	assert.Equal(t, 0, st.Pushed)
	assert.Equal(t, 1, st.TotalLeaves)

	got, err := p.b.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got.Value))
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, p.ea.RootHash(), p.eb.RootHash())

	again, err := p.eb.Sync(context.Background(), LocalPeer{E: p.ea})
	require.NoError(t, err)
	assert.Zero(t, again.LeavesCompared)
	assert.Zero(t, again.Pulled+again.Pushed)
}

func TestSyncPushesLocalWinners(t *testing.T) {
	p := newPair(t, 6)
	p.b.Put("only-b", []byte("x"))
	p.b.Put("shared", []byte("b1"))
	p.b.Put("shared", []byte("b2"))
	p.a.Put("shared", []byte("a1"))

	st, err := p.eb.Sync(context.Background(), LocalPeer{E: p.ea})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pushed)

	got, err := p.a.Get("shared")
	require.NoError(t, err)
	assert.Equal(t, "b2", string(got.Value))
	_, err = p.a.Get("only-b")
	assert.NoError(t, err)
	assert.Equal(t, p.ea.RootHash(), p.eb.RootHash())
}

func TestSyncEqualVersionConverges(t *testing.T) {
	p := newPair(t, 4)
	p.a.Put("k", []byte("from-a"))
	p.b.Put("k", []byte("from-b"))

	_, err := p.ea.Sync(context.Background(), LocalPeer{E: p.eb})
	require.NoError(t, err)

	ra, _ := p.a.Get("k")
	rb, _ := p.b.Get("k")
	assert.Equal(t, ra.Value, rb.Value)

	want := "from-a"
	if kv.Wins(digest("k", "from-b", 1), digest("k", "from-a", 1)) {
		want = "from-b"
	}
	assert.Equal(t, want, string(ra.Value))
	assert.Equal(t, p.ea.RootHash(), p.eb.RootHash())
}

func TestSyncPropagatesTombstone(t *testing.T) {
	p := newPair(t, 4)
	p.a.Put("k", []byte("v"))
	p.b.Put("k", []byte("v"))
	require.Equal(t, p.ea.RootHash(), p.eb.RootHash())

	p.a.Delete("k")
	_, err := p.eb.Sync(context.Background(), LocalPeer{E: p.ea})
	require.NoError(t, err)

	_, err = p.b.Get("k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	rec, ok := p.b.Lookup("k")
	require.True(t, ok)
	assert.True(t, rec.Tombstone)
	assert.Equal(t, uint64(2), rec.Version)
}

func TestSyncTransferIsProportionalToDivergence(t *testing.T) {
	p := newPair(t, DefaultDepth)
	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("key-%04d", i)
		p.a.Put(k, []byte(k))
		p.b.Put(k, []byte(k))
	}
	require.Equal(t, p.ea.RootHash(), p.eb.RootHash())

	for _, k := range []string{"key-0007", "key-0500", "key-0999"} {
		p.a.Put(k, []byte("changed"))
	}

	st, err := p.eb.Sync(context.Background(), LocalPeer{E: p.ea})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Pulled)
	assert.Zero(t, st.Pushed)
	assert.LessOrEqual(t, st.LeavesCompared, 3)
	assert.Equal(t, 1000, st.TotalLeaves)
	assert.Equal(t, p.ea.RootHash(), p.eb.RootHash())
}

func TestSyncThrottled(t *testing.T) {
	a, b := kv.NewStore(0), kv.NewStore(0)
	ea, _ := NewEngine(a, Config{Depth: 3})
	eb, err := NewEngine(b, Config{Depth: 3, MaxRecordsPerSec: 1000})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		a.Put(fmt.Sprintf("k%d", i), []byte("v"))
	}
	st, err := eb.Sync(context.Background(), LocalPeer{E: ea})
	require.NoError(t, err)
	assert.Equal(t, 50, st.Pulled)
}

func TestSyncThrottleDeadlineIsTimeout(t *testing.T) {
	a, b := kv.NewStore(0), kv.NewStore(0)
	ea, _ := NewEngine(a, Config{Depth: 1})
	eb, err := NewEngine(b, Config{Depth: 1, MaxRecordsPerSec: 1})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		a.Put(fmt.Sprintf("k%d", i), []byte("v"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = eb.Sync(ctx, LocalPeer{E: ea})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, fault.HTTPStatus(err))
}

func TestSyncExpiredContext(t *testing.T) {
	p := newPair(t, 4)
	p.a.Put("k", []byte("v"))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := p.eb.Sync(ctx, LocalPeer{E: p.ea})
	require.Error(t, err)
	assert.True(t, fault.IsTimeout(err))
	_, err = p.b.Get("k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSyncDepthMismatch(t *testing.T) {
	a, _ := NewEngine(kv.NewStore(0), Config{Depth: 4})
	b, _ := NewEngine(kv.NewStore(0), Config{Depth: 5})
	_, err := a.Sync(context.Background(), LocalPeer{E: b})
	assert.ErrorIs(t, err, fault.ErrInvalid)
}

type failingPeer struct {
	LocalPeer
}

func (failingPeer) Fetch(context.Context, []string) ([]kv.Record, error) {
	return nil, errors.New("connection reset")
}

func TestSyncPeerFailureLeavesLocalIntact(t *testing.T) {
	p := newPair(t, 4)
	p.a.Put("remote", []byte("r"))
	p.b.Put("local", []byte("l"))
	before := p.eb.RootHash()

	_, err := p.eb.Sync(context.Background(), failingPeer{LocalPeer{E: p.ea}})
	require.Error(t, err)
	_, err = p.b.Get("local")
	assert.NoError(t, err)
	_, err = p.b.Get("remote")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.Equal(t, before, p.eb.RootHash())
}
