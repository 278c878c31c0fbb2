package gossip

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	mu     sync.Mutex
	m      Member
	misses int  // consecutive failed probe rounds
	gone   bool // evicted by reap; holders must look the id up again
}

// change describes the effect of merging one delta.
type change struct {
	Member Member
	Prev   State
	New    bool
}

// Memberlist tracks the cluster's view of its members. Merges lock only the
// entry concerned; the table lock is taken to insert or evict.
type Memberlist struct {
	self NodeID
	now  func() time.Time

	mu      sync.RWMutex
	entries map[NodeID]*entry
}

func newMemberlist(self Member, now func() time.Time) *Memberlist {
	self.Since = now()
	return &Memberlist{
		self:    self.ID,
		now:     now,
		entries: map[NodeID]*entry{self.ID: {m: self}},
	}
}

func (l *Memberlist) get(id NodeID) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[id]
}

// Self returns the local member.
func (l *Memberlist) Self() Member {
	e := l.get(l.self)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m
}

// Get returns the member with the given id.
func (l *Memberlist) Get(id NodeID) (Member, bool) {
	e := l.get(id)
	if e == nil {
		return Member{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m, true
}

// All returns every member, self included, ordered by id.
func (l *Memberlist) All() []Member {
	l.mu.RLock()
	es := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		es = append(es, e)
	}
	l.mu.RUnlock()

	out := make([]Member, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		out = append(out, e.m)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of members, self included.
func (l *Memberlist) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// apply merges a delta about another node. ok is false when the delta
// carried nothing new.
func (l *Memberlist) apply(d Delta) (c change, ok bool) {
	for {
		e := l.get(d.ID)
		if e == nil {
			l.mu.Lock()
			if e = l.entries[d.ID]; e == nil {
				m := Member{ID: d.ID, Addr: d.Addr, State: d.State, Incarnation: d.Incarnation, Since: l.now()}
				l.entries[d.ID] = &entry{m: m}
				l.mu.Unlock()
				return change{Member: m, Prev: d.State, New: true}, true
			}
			l.mu.Unlock()
		}

		e.mu.Lock()
		if e.gone {
			// lost a race with reap
			e.mu.Unlock()
			continue
		}
		c, ok = l.merge(e, d)
		e.mu.Unlock()
		return c, ok
	}
}

// merge applies d to e; e.mu must be held.
func (l *Memberlist) merge(e *entry, d Delta) (c change, ok bool) {
	if !d.Supersedes(e.m.Incarnation, e.m.State) {
		return change{}, false
	}
	c.Prev = e.m.State
	if d.Incarnation > e.m.Incarnation && d.Addr != "" {
		e.m.Addr = d.Addr
	}
	e.m.Incarnation = d.Incarnation
	if d.State != e.m.State {
		e.m.State = d.State
		e.m.Since = l.now()
		e.misses = 0
	}
	c.Member = e.m
	return c, true
}

// updateSelf applies fn to the local member under its lock and returns the
// result.
func (l *Memberlist) updateSelf(fn func(m *Member)) Member {
	e := l.get(l.self)
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.m.State
	fn(&e.m)
	if e.m.State != prev {
		e.m.Since = l.now()
	}
	return e.m
}

// miss records a failed probe round against id and returns the count of
// consecutive misses together with the member as it stood.
func (l *Memberlist) miss(id NodeID) (Member, int) {
	e := l.get(id)
	if e == nil {
		return Member{}, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.misses++
	return e.m, e.misses
}

func (l *Memberlist) resetMisses(id NodeID) {
	if e := l.get(id); e != nil {
		e.mu.Lock()
		e.misses = 0
		e.mu.Unlock()
	}
}

// reap evicts Dead and Left members whose state is older than ttl.
func (l *Memberlist) reap(ttl time.Duration) []Member {
	cutoff := l.now().Add(-ttl)
	l.mu.Lock()
	defer l.mu.Unlock()

	var evicted []Member
	for id, e := range l.entries {
		if id == l.self {
			continue
		}
		e.mu.Lock()
		if e.m.State.Terminal() && e.m.Since.Before(cutoff) {
			evicted = append(evicted, e.m)
			e.gone = true
			delete(l.entries, id)
		}
		e.mu.Unlock()
	}
	return evicted
}

// peers returns members other than self whose state passes keep.
func (l *Memberlist) peers(keep func(State) bool) []Member {
	all := l.All()
	out := all[:0]
	for _, m := range all {
		if m.ID != l.self && keep(m.State) {
			out = append(out, m)
		}
	}
	return out
}

func live(s State) bool { return s == StateAlive || s == StateSuspect }
