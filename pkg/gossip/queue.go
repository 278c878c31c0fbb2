package gossip

import (
	"sort"
	"sync"
)

type broadcast struct {
	d    Delta
	sent int
	seq  uint64
}

// queue holds membership updates waiting to be piggybacked. Only the latest
// update per node is kept; each is handed out a bounded number of times,
// least-sent first.
type queue struct {
	mu    sync.Mutex
	items map[NodeID]*broadcast
	seq   uint64
}

func newQueue() *queue {
	return &queue{items: make(map[NodeID]*broadcast)}
}

// push enqueues d, replacing any pending update about the same node.
func (q *queue) push(d Delta) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items[d.ID] = &broadcast{d: d, seq: q.seq}
}

// take returns up to max updates and drops those sent limit times.
func (q *queue) take(max, limit int) []Delta {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || max <= 0 {
		return nil
	}

	bs := make([]*broadcast, 0, len(q.items))
	for _, b := range q.items {
		bs = append(bs, b)
	}
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].sent != bs[j].sent {
			return bs[i].sent < bs[j].sent
		}
		return bs[i].seq > bs[j].seq
	})
	if len(bs) > max {
		bs = bs[:max]
	}

	out := make([]Delta, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.d)
		b.sent++
		if b.sent >= limit {
			delete(q.items, b.d.ID)
		}
	}
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
