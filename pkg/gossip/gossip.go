package gossip

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fringe/internal/telemetry"
	"github.com/ryandielhenn/fringe/pkg/fault"
)

// Config tunes a Gossiper. Zero values take the defaults below.
type Config struct {
	ID   NodeID
	Addr string

	ProbeInterval  time.Duration // 1s
	ProbeTimeout   time.Duration // 500ms
	ProbeFanout    int           // peers probed per round, 1
	IndirectChecks int           // relays asked on a failed direct probe, 3
	SuspectAfter   int           // failed rounds before suspicion, 2
	SuspicionMult  int           // 4
	RetransmitMult int           // 4

	GossipInterval time.Duration // 200ms
	GossipFanout   int           // 3
	MaxPiggyback   int           // deltas per message, 8

	PushPullInterval time.Duration // 30s
	DeadReapTimeout  time.Duration // 60s

	Transport Transport
	Logger    *zap.Logger
}

func (c *Config) withDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 500 * time.Millisecond
	}
	if c.ProbeFanout <= 0 {
		c.ProbeFanout = 1
	}
	if c.IndirectChecks <= 0 {
		c.IndirectChecks = 3
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = 2
	}
	if c.SuspicionMult <= 0 {
		c.SuspicionMult = 4
	}
	if c.RetransmitMult <= 0 {
		c.RetransmitMult = 4
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = 200 * time.Millisecond
	}
	if c.GossipFanout <= 0 {
		c.GossipFanout = 3
	}
	if c.MaxPiggyback <= 0 {
		c.MaxPiggyback = 8
	}
	if c.PushPullInterval <= 0 {
		c.PushPullInterval = 30 * time.Second
	}
	if c.DeadReapTimeout <= 0 {
		c.DeadReapTimeout = 60 * time.Second
	}
}

// Gossiper runs the SWIM protocol for one node: it probes peers, spreads
// membership deltas on every message and keeps the Memberlist current.
type Gossiper struct {
	cfg     Config
	log     *zap.Logger
	tr      Transport
	members *Memberlist
	queue   *queue
	events  chan Event
	leaving atomic.Bool

	timerMu sync.Mutex
	timers  map[NodeID]*time.Timer

	probeMu    sync.Mutex
	probeOrder []NodeID

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gossiper whose table holds only the local node, Alive at
// incarnation 0.
func New(cfg Config) (*Gossiper, error) {
	if cfg.ID == "" || cfg.Addr == "" {
		return nil, fmt.Errorf("%w: gossip needs a node id and address", fault.ErrInvalid)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: gossip needs a transport", fault.ErrInvalid)
	}
	cfg.withDefaults()
	g := &Gossiper{
		cfg:     cfg,
		log:     telemetry.OrNop(cfg.Logger).Named("gossip").With(zap.String("node", string(cfg.ID))),
		tr:      cfg.Transport,
		members: newMemberlist(Member{ID: cfg.ID, Addr: cfg.Addr, State: StateAlive}, time.Now),
		queue:   newQueue(),
		events:  make(chan Event, 128),
		timers:  make(map[NodeID]*time.Timer),
	}
	g.queue.push(g.members.Self().delta())
	g.updateGauge()
	return g, nil
}

// ID returns the local node id.
func (g *Gossiper) ID() NodeID { return g.cfg.ID }

// Members exposes the local table.
func (g *Gossiper) Members() *Memberlist { return g.members }

// Events delivers membership changes. Events are dropped when the consumer
// falls more than the buffer behind.
func (g *Gossiper) Events() <-chan Event { return g.events }

// Start launches the probe, gossip, push-pull and reaper loops. They run
// until Stop or until ctx is cancelled.
func (g *Gossiper) Start(ctx context.Context) {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)

	loops := []struct {
		every time.Duration
		fn    func(context.Context)
	}{
		{g.cfg.ProbeInterval, g.probeRound},
		{g.cfg.GossipInterval, g.gossipRound},
		{g.cfg.PushPullInterval, g.pushPullRound},
		{reapInterval(g.cfg.DeadReapTimeout), g.reapRound},
	}
	for _, l := range loops {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			t := time.NewTicker(l.every)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					l.fn(ctx)
				}
			}
		}()
	}
	g.log.Info("gossip started", zap.String("addr", g.cfg.Addr))
}

func reapInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, 10*time.Millisecond), 5*time.Second)
}

// Stop ends the loops and cancels pending suspicion timers.
func (g *Gossiper) Stop() {
	g.runMu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	g.wg.Wait()

	g.timerMu.Lock()
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
	g.timerMu.Unlock()
	g.log.Info("gossip stopped")
}

// Join contacts seeds with a full-state exchange. It fails only when seeds
// were given and none could be reached.
func (g *Gossiper) Join(ctx context.Context, seeds []string) (int, error) {
	var errs []error
	joined := 0
	for _, addr := range seeds {
		if addr == "" || addr == g.cfg.Addr {
			continue
		}
		if err := g.pushPull(ctx, addr, true); err != nil {
			g.log.Warn("join: seed unreachable", zap.String("seed", addr), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		joined++
	}
	if joined == 0 && len(errs) > 0 {
		return 0, fmt.Errorf("%w: no seed reachable: %w", fault.ErrUnavailable, errors.Join(errs...))
	}
	if joined > 0 {
		g.log.Info("joined cluster", zap.Int("seeds", joined), zap.Int("members", g.members.Len()))
	}
	return joined, nil
}

// Leave announces that this node is departing. The node stops refuting
// accusations afterwards.
func (g *Gossiper) Leave(ctx context.Context) error {
	if !g.leaving.CompareAndSwap(false, true) {
		return nil
	}
	self := g.members.updateSelf(func(m *Member) { m.State = StateLeft })
	g.queue.push(self.delta())
	g.updateGauge()

	peers := g.members.peers(live)
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p Member) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
			defer cancel()
			msg := Ping{From: self.delta(), Target: p.ID, Deltas: []Delta{self.delta()}}
			if _, err := g.tr.Ping(cctx, p.Addr, msg); err != nil {
				g.log.Debug("leave notice failed", zap.String("peer", p.Addr), zap.Error(err))
			}
		}(p)
	}
	wg.Wait()
	g.log.Info("left cluster", zap.Int("notified", len(peers)))
	return nil
}

// Leaving reports whether Leave has been called.
func (g *Gossiper) Leaving() bool { return g.leaving.Load() }

// List returns the cluster status view.
func (g *Gossiper) List() ClusterStatus {
	nodes := g.members.All()
	alive := 0
	for _, m := range nodes {
		if m.State == StateAlive {
			alive++
		}
	}
	return ClusterStatus{Nodes: nodes, TotalNodes: len(nodes), AliveNodes: alive}
}

// IsAlive reports whether id is currently Alive in the local view.
func (g *Gossiper) IsAlive(id NodeID) bool {
	m, ok := g.members.Get(id)
	return ok && m.State == StateAlive
}

// Alive returns the Alive members other than self.
func (g *Gossiper) Alive() []Member {
	return g.members.peers(func(s State) bool { return s == StateAlive })
}

// HandlePing answers a direct probe or gossip message.
func (g *Gossiper) HandlePing(_ context.Context, msg Ping) (Ack, error) {
	telemetry.MessagesTotal.WithLabelValues("ping_in").Inc()
	if msg.Target != "" && msg.Target != g.cfg.ID {
		return Ack{}, fmt.Errorf("%w: ping for %s reached %s", fault.ErrInvalid, msg.Target, g.cfg.ID)
	}
	g.merge(msg.From)
	g.mergeAll(msg.Deltas)
	return Ack{From: g.members.Self().delta(), Deltas: g.piggyback()}, nil
}

// HandlePingReq probes msg.Target on behalf of the sender and relays the
// target's ack.
func (g *Gossiper) HandlePingReq(ctx context.Context, msg PingReq) (Ack, error) {
	telemetry.MessagesTotal.WithLabelValues("ping_req_in").Inc()
	g.merge(msg.From)
	g.mergeAll(msg.Deltas)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()
	ack, err := g.tr.Ping(ctx, msg.TargetAddr, Ping{
		From:   g.members.Self().delta(),
		Target: msg.Target,
		Deltas: g.piggyback(),
	})
	if err != nil {
		return Ack{}, err
	}
	g.merge(ack.From)
	g.mergeAll(ack.Deltas)
	return ack, nil
}

// HandlePushPull merges a peer's full table and answers with ours.
func (g *Gossiper) HandlePushPull(_ context.Context, msg PushPull) (PushPull, error) {
	telemetry.MessagesTotal.WithLabelValues("push_pull_in").Inc()
	g.merge(msg.From)
	g.mergeAll(msg.Members)
	if msg.Join {
		g.log.Info("member joined", zap.String("peer", string(msg.From.ID)), zap.String("addr", msg.From.Addr))
	}
	return PushPull{From: g.members.Self().delta(), Members: g.snapshot()}, nil
}

func (g *Gossiper) snapshot() []Delta {
	all := g.members.All()
	out := make([]Delta, len(all))
	for i, m := range all {
		out[i] = m.delta()
	}
	return out
}

func (g *Gossiper) pushPull(ctx context.Context, addr string, join bool) error {
	ctx, cancel := context.WithTimeout(ctx, 4*g.cfg.ProbeTimeout)
	defer cancel()
	telemetry.MessagesTotal.WithLabelValues("push_pull").Inc()
	resp, err := g.tr.PushPull(ctx, addr, PushPull{
		From:    g.members.Self().delta(),
		Join:    join,
		Members: g.snapshot(),
	})
	if err != nil {
		return err
	}
	g.merge(resp.From)
	g.mergeAll(resp.Members)
	return nil
}

func (g *Gossiper) pushPullRound(ctx context.Context) {
	peers := g.members.peers(live)
	if len(peers) == 0 {
		return
	}
	p := peers[rand.IntN(len(peers))]
	if err := g.pushPull(ctx, p.Addr, false); err != nil {
		g.log.Debug("push-pull failed", zap.String("peer", p.Addr), zap.Error(err))
	}
}

// gossipRound sends pending deltas to a few random peers. Delivery failures
// here are left to the probe loop.
func (g *Gossiper) gossipRound(ctx context.Context) {
	if g.queue.len() == 0 {
		return
	}
	peers := g.members.peers(live)
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > g.cfg.GossipFanout {
		peers = peers[:g.cfg.GossipFanout]
	}
	var wg sync.WaitGroup
	for _, p := range peers {
		deltas := g.piggyback()
		if len(deltas) == 0 {
			break
		}
		wg.Add(1)
		go func(p Member) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
			defer cancel()
			telemetry.MessagesTotal.WithLabelValues("gossip").Inc()
			ack, err := g.tr.Ping(cctx, p.Addr, Ping{From: g.members.Self().delta(), Target: p.ID, Deltas: deltas})
			if err != nil {
				return
			}
			g.merge(ack.From)
			g.mergeAll(ack.Deltas)
		}(p)
	}
	wg.Wait()
}

func (g *Gossiper) reapRound(context.Context) {
	for _, m := range g.members.reap(g.cfg.DeadReapTimeout) {
		g.stopTimer(m.ID)
		g.log.Info("evicted member", zap.String("peer", string(m.ID)), zap.Stringer("state", m.State))
		g.emit(Event{Type: EventMemberEvicted, Member: m})
	}
	g.updateGauge()
}

// piggyback takes the next batch of pending deltas.
func (g *Gossiper) piggyback() []Delta {
	return g.queue.take(g.cfg.MaxPiggyback, g.retransmitLimit())
}

func (g *Gossiper) retransmitLimit() int {
	n := float64(g.members.Len())
	return g.cfg.RetransmitMult * int(math.Ceil(math.Log10(n+1)))
}

func (g *Gossiper) mergeAll(ds []Delta) {
	for _, d := range ds {
		g.merge(d)
	}
}

// merge applies one rumor. News about other nodes is re-gossiped; an
// accusation against this node is refuted.
func (g *Gossiper) merge(d Delta) {
	if d.ID == "" {
		return
	}
	if d.ID == g.cfg.ID {
		g.refute(d)
		return
	}
	c, ok := g.members.apply(d)
	if !ok {
		return
	}
	g.queue.push(c.Member.delta())
	switch {
	case c.New || c.Prev != c.Member.State:
		g.transition(c)
	case c.Member.State == StateSuspect:
		// re-accused at a higher incarnation; the old timer no longer matches
		g.startTimer(c.Member)
	}
}

func (g *Gossiper) refute(d Delta) {
	if d.State == StateAlive || g.leaving.Load() {
		return
	}
	self := g.members.Self()
	if d.Incarnation < self.Incarnation {
		return
	}
	self = g.members.updateSelf(func(m *Member) {
		if d.Incarnation >= m.Incarnation {
			m.Incarnation = d.Incarnation + 1
		}
		m.State = StateAlive
	})
	g.queue.push(self.delta())
	telemetry.Refutations.Inc()
	g.log.Info("refuted accusation",
		zap.Stringer("claimed", d.State),
		zap.Uint64("incarnation", self.Incarnation))
}

func (g *Gossiper) transition(c change) {
	m := c.Member
	telemetry.Transitions.WithLabelValues(m.State.String()).Inc()
	if m.State == StateSuspect {
		g.startTimer(m)
	} else {
		g.stopTimer(m.ID)
	}
	g.log.Info("member state changed",
		zap.String("peer", string(m.ID)),
		zap.String("addr", m.Addr),
		zap.Stringer("state", m.State),
		zap.Uint64("incarnation", m.Incarnation),
		zap.Bool("new", c.New))
	g.updateGauge()
	g.emit(Event{Type: eventFor(m.State), Member: m})
}

func (g *Gossiper) emit(ev Event) {
	select {
	case g.events <- ev:
	default:
		g.log.Warn("event buffer full, dropping", zap.Stringer("event", ev.Type), zap.String("peer", string(ev.Member.ID)))
	}
}

func (g *Gossiper) updateGauge() {
	var counts [4]int
	for _, m := range g.members.All() {
		if int(m.State) < len(counts) {
			counts[m.State]++
		}
	}
	for s, n := range counts {
		telemetry.Members.WithLabelValues(State(s).String()).Set(float64(n))
	}
}
