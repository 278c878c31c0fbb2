package merkle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ryandielhenn/fringe/internal/telemetry"
	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/kv"
)

// Config tunes an Engine.
type Config struct {
	// Depth of the tree; both sides of a sync must agree. 0 means DefaultDepth.
	Depth int
	// MaxRecordsPerSec throttles records moved by Sync. 0 disables the limit.
	MaxRecordsPerSec float64
	Logger           *zap.Logger
}

// SyncStats is the post-sync view of the local tree plus what the session
// moved.
type SyncStats struct {
	TreeHash       string `json:"tree_hash"`
	TotalLeaves    int    `json:"total_leaves"`
	MaxDepth       int    `json:"max_depth"`
	LeavesCompared int    `json:"leaves_compared"`
	Pulled         int    `json:"pulled"`
	Pushed         int    `json:"pushed"`
}

// Engine keeps a Merkle tree in step with a Store and reconciles it with
// peers.
//
// Store writes only queue their digest; the queue is drained into the tree
// before any read of tree state, so callers never wait on tree repair but a
// Sync never sees a stale tree.
type Engine struct {
	store   *kv.Store
	log     *zap.Logger
	limiter *rate.Limiter

	mu   sync.Mutex // guards tree and serializes draining
	tree *Tree

	qmu     sync.Mutex
	pending []kv.Digest
}

// NewEngine builds the tree from the current store contents and subscribes
// to its changes.
func NewEngine(store *kv.Store, cfg Config) (*Engine, error) {
	if cfg.Depth == 0 {
		cfg.Depth = DefaultDepth
	}
	tree, err := NewTree(cfg.Depth)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store: store,
		log:   telemetry.OrNop(cfg.Logger).Named("merkle"),
		tree:  tree,
	}
	if cfg.MaxRecordsPerSec > 0 {
		burst := int(cfg.MaxRecordsPerSec)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRecordsPerSec), burst)
	}

	// Subscribe before scanning: a write racing the scan is either seen by
	// the scan or queued (or both), never lost.
	store.Subscribe(e.enqueue)
	e.mu.Lock()
	for _, r := range store.Scan(kv.FullRange) {
		e.tree.Update(r.Digest())
	}
	e.drainLocked()
	e.mu.Unlock()
	return e, nil
}

func (e *Engine) enqueue(r kv.Record) {
	d := r.Digest()
	e.qmu.Lock()
	e.pending = append(e.pending, d)
	e.qmu.Unlock()
}

func (e *Engine) drainLocked() {
	e.qmu.Lock()
	batch := e.pending
	e.pending = nil
	e.qmu.Unlock()

	for _, d := range batch {
		if cur, ok := e.tree.Get(d.Key); ok && !kv.Wins(d, cur) {
			continue
		}
		e.tree.Update(d)
	}
}

// RootHash returns the current root hash.
func (e *Engine) RootHash() kv.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drainLocked()
	return e.tree.Root()
}

// Root returns the root hash and depth, as served to peers.
func (e *Engine) Root() RootInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drainLocked()
	return RootInfo{Hash: e.tree.Root(), Depth: e.tree.Depth()}
}

// Depth returns the tree depth.
func (e *Engine) Depth() int { return e.tree.Depth() }

// Stats returns the current tree summary.
func (e *Engine) Stats() SyncStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drainLocked()
	return e.statsLocked()
}

func (e *Engine) statsLocked() SyncStats {
	return SyncStats{
		TreeHash:    e.tree.Root().String(),
		TotalLeaves: e.tree.Len(),
		MaxDepth:    e.tree.Depth(),
	}
}

// Node returns a view of slot i.
func (e *Engine) Node(i int) (Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tree.Valid(i) {
		return Node{}, fmt.Errorf("%w: node index %d", fault.ErrInvalid, i)
	}
	e.drainLocked()
	return e.tree.Node(i), nil
}

// Hashes returns the hashes of the given slots.
func (e *Engine) Hashes(indices []int) ([]kv.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drainLocked()
	out := make([]kv.Hash, len(indices))
	for k, i := range indices {
		if !e.tree.Valid(i) {
			return nil, fmt.Errorf("%w: node index %d", fault.ErrInvalid, i)
		}
		out[k] = e.tree.Hash(i)
	}
	return out, nil
}

// LeafDigests returns the digests summarized by leaf slot i.
func (e *Engine) LeafDigests(i int) ([]kv.Digest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tree.IsLeaf(i) {
		return nil, fmt.Errorf("%w: %d is not a leaf", fault.ErrInvalid, i)
	}
	e.drainLocked()
	return e.tree.Digests(i), nil
}

// Fetch returns the full records (tombstones included) for keys; unknown
// keys are skipped.
func (e *Engine) Fetch(keys []string) []kv.Record {
	out := make([]kv.Record, 0, len(keys))
	for _, k := range keys {
		if r, ok := e.store.Lookup(k); ok {
			out = append(out, r)
		}
	}
	return out
}

// Apply merges records through the store's write path and returns how many
// replaced local state.
func (e *Engine) Apply(records []kv.Record) (int, error) {
	n := 0
	for _, r := range records {
		ok, err := e.store.Apply(r)
		if err != nil {
			return n, fmt.Errorf("apply %q: %w", r.Key, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Sync reconciles the local store with peer. Both sides end up holding the
// last-writer-wins record for every key in a differing range.
//
// Each leaf is pulled and pushed as its own unit; if ctx expires or the peer
// drops mid-way, finished leaves stay applied and a rerun picks up from the
// current hashes.
func (e *Engine) Sync(ctx context.Context, peer Peer) (stats SyncStats, err error) {
	start := time.Now()
	defer func() {
		telemetry.SyncDuration.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			telemetry.SyncSessions.WithLabelValues("error").Inc()
		case stats.LeavesCompared == 0:
			telemetry.SyncSessions.WithLabelValues("in_sync").Inc()
		default:
			telemetry.SyncSessions.WithLabelValues("repaired").Inc()
		}
	}()

	remote, err := peer.Root(ctx)
	if err != nil {
		return SyncStats{}, fmt.Errorf("sync: root: %w", err)
	}
	if remote.Depth != e.Depth() {
		return SyncStats{}, fmt.Errorf("%w: peer tree depth %d, local %d", fault.ErrInvalid, remote.Depth, e.Depth())
	}

	var compared, pulled, pushed int
	if remote.Hash != e.RootHash() {
		frontier := []int{0}
		for len(frontier) > 0 {
			if err := ctx.Err(); err != nil {
				return SyncStats{}, fmt.Errorf("sync: %w", err)
			}
			children := make([]int, 0, 2*len(frontier))
			for _, i := range frontier {
				children = append(children, 2*i+1, 2*i+2)
			}
			theirs, err := peer.Hashes(ctx, children)
			if err != nil {
				return SyncStats{}, fmt.Errorf("sync: hashes: %w", err)
			}
			if len(theirs) != len(children) {
				return SyncStats{}, fmt.Errorf("%w: peer returned %d hashes for %d nodes", fault.ErrInvalid, len(theirs), len(children))
			}
			ours, err := e.Hashes(children)
			if err != nil {
				return SyncStats{}, err
			}

			var next []int
			for k, c := range children {
				if theirs[k] == ours[k] {
					continue
				}
				if !e.tree.IsLeaf(c) {
					next = append(next, c)
					continue
				}
				pl, ps, err := e.reconcileLeaf(ctx, peer, c)
				compared++
				pulled += pl
				pushed += ps
				if err != nil {
					return SyncStats{}, fmt.Errorf("sync: leaf %d: %w", c, err)
				}
			}
			frontier = next
		}
	}

	stats = e.Stats()
	stats.LeavesCompared = compared
	stats.Pulled = pulled
	stats.Pushed = pushed
	if compared > 0 {
		e.log.Info("sync repaired divergence",
			zap.String("tree_hash", stats.TreeHash),
			zap.Int("leaves", compared),
			zap.Int("pulled", pulled),
			zap.Int("pushed", pushed),
			zap.Duration("took", time.Since(start)))
	}
	return stats, nil
}

// reconcileLeaf exchanges digests for one leaf, pulls what the peer wins and
// pushes what we win.
func (e *Engine) reconcileLeaf(ctx context.Context, peer Peer, leaf int) (pulled, pushed int, err error) {
	remote, err := peer.LeafDigests(ctx, leaf)
	if err != nil {
		return 0, 0, err
	}
	local, err := e.LeafDigests(leaf)
	if err != nil {
		return 0, 0, err
	}

	theirs := make(map[string]kv.Digest, len(remote))
	for _, d := range remote {
		theirs[d.Key] = d
	}
	var pull, push []string
	for _, l := range local {
		r, ok := theirs[l.Key]
		delete(theirs, l.Key)
		switch {
		case !ok || kv.Wins(l, r):
			push = append(push, l.Key)
		case kv.Wins(r, l):
			pull = append(pull, l.Key)
		}
	}
	for k := range theirs {
		pull = append(pull, k)
	}
	sort.Strings(pull)

	e.log.Debug("reconcile leaf",
		zap.Int("leaf", leaf),
		zap.Int("local", len(local)),
		zap.Int("remote", len(remote)),
		zap.Int("pull", len(pull)),
		zap.Int("push", len(push)))

	if len(pull) > 0 {
		if err := e.throttle(ctx, len(pull)); err != nil {
			return 0, 0, err
		}
		recs, err := peer.Fetch(ctx, pull)
		if err != nil {
			return 0, 0, fmt.Errorf("fetch: %w", err)
		}
		if pulled, err = e.Apply(recs); err != nil {
			return pulled, 0, err
		}
		telemetry.SyncRecords.WithLabelValues("pulled").Add(float64(pulled))
	}

	if len(push) > 0 {
		recs := e.Fetch(push)
		if err := e.throttle(ctx, len(recs)); err != nil {
			return pulled, 0, err
		}
		if err := peer.Apply(ctx, recs); err != nil {
			return pulled, 0, fmt.Errorf("push: %w", err)
		}
		pushed = len(recs)
		telemetry.SyncRecords.WithLabelValues("pushed").Add(float64(pushed))
	}
	return pulled, pushed, nil
}

func (e *Engine) throttle(ctx context.Context, n int) error {
	if e.limiter == nil {
		return nil
	}
	for n > 0 {
		k := min(n, e.limiter.Burst())
		if err := e.limiter.WaitN(ctx, k); err != nil {
			// WaitN refuses up front when the wait would pass the deadline
			if _, ok := ctx.Deadline(); ok && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%w: %v", fault.ErrTimeout, err)
			}
			return err
		}
		n -= k
	}
	return nil
}
