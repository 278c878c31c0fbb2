package gossip

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fringe/internal/telemetry"
)

// Failure detection: each round probes a few peers directly, falls back to
// ping-req through IndirectChecks relays, and turns SuspectAfter consecutive
// silent rounds into a Suspect rumor. A suspicion not refuted within
// suspicionTimeout becomes Dead.

// nextProbeTargets walks a shuffled round-robin list of live peers so every
// member is probed once per pass.
func (g *Gossiper) nextProbeTargets(n int) []Member {
	g.probeMu.Lock()
	defer g.probeMu.Unlock()

	var out []Member
	for refills := 0; len(out) < n; {
		if len(g.probeOrder) == 0 {
			if refills == 2 {
				break
			}
			refills++
			peers := g.members.peers(live)
			if len(peers) == 0 {
				break
			}
			rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
			for _, p := range peers {
				g.probeOrder = append(g.probeOrder, p.ID)
			}
		}
		id := g.probeOrder[0]
		g.probeOrder = g.probeOrder[1:]
		m, ok := g.members.Get(id)
		if !ok || !live(m.State) {
			continue
		}
		if slices.ContainsFunc(out, func(o Member) bool { return o.ID == id }) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (g *Gossiper) probeRound(ctx context.Context) {
	if g.leaving.Load() {
		return
	}
	var wg sync.WaitGroup
	for _, m := range g.nextProbeTargets(g.cfg.ProbeFanout) {
		wg.Add(1)
		go func(m Member) {
			defer wg.Done()
			g.probe(ctx, m)
		}(m)
	}
	wg.Wait()
}

// probe runs one round against m. Failures only feed the state machine.
func (g *Gossiper) probe(ctx context.Context, m Member) {
	switch {
	case g.pingDirect(ctx, m):
		telemetry.ProbesTotal.WithLabelValues("ack").Inc()
	case g.pingIndirect(ctx, m):
		telemetry.ProbesTotal.WithLabelValues("indirect_ack").Inc()
	default:
		telemetry.ProbesTotal.WithLabelValues("miss").Inc()
		cur, misses := g.members.miss(m.ID)
		g.log.Debug("probe missed", zap.String("peer", string(m.ID)), zap.Int("misses", misses))
		if cur.State == StateAlive && misses >= g.cfg.SuspectAfter {
			g.log.Info("suspecting member", zap.String("peer", string(cur.ID)), zap.Int("misses", misses))
			g.merge(Delta{ID: cur.ID, Addr: cur.Addr, State: StateSuspect, Incarnation: cur.Incarnation})
		}
		return
	}
	g.members.resetMisses(m.ID)
}

func (g *Gossiper) pingDirect(ctx context.Context, m Member) bool {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	telemetry.MessagesTotal.WithLabelValues("ping").Inc()
	ack, err := g.tr.Ping(ctx, m.Addr, Ping{
		From:   g.members.Self().delta(),
		Target: m.ID,
		Deltas: g.piggyback(),
	})
	if err != nil {
		g.log.Debug("direct probe failed", zap.String("peer", m.Addr), zap.Error(err))
		return false
	}
	telemetry.PingLatency.Observe(time.Since(start).Seconds())
	g.merge(ack.From)
	g.mergeAll(ack.Deltas)
	return true
}

// pingIndirect asks up to IndirectChecks other live peers to probe m and
// reports whether any of them got an ack.
func (g *Gossiper) pingIndirect(ctx context.Context, m Member) bool {
	relays := g.members.peers(func(s State) bool { return s == StateAlive })
	relays = slices.DeleteFunc(relays, func(r Member) bool { return r.ID == m.ID })
	if len(relays) == 0 {
		return false
	}
	rand.Shuffle(len(relays), func(i, j int) { relays[i], relays[j] = relays[j], relays[i] })
	if len(relays) > g.cfg.IndirectChecks {
		relays = relays[:g.cfg.IndirectChecks]
	}

	ctx, cancel := context.WithTimeout(ctx, 2*g.cfg.ProbeTimeout)
	defer cancel()
	acks := make(chan bool, len(relays))
	for _, r := range relays {
		go func(r Member) {
			telemetry.MessagesTotal.WithLabelValues("ping_req").Inc()
			ack, err := g.tr.PingReq(ctx, r.Addr, PingReq{
				From:       g.members.Self().delta(),
				Target:     m.ID,
				TargetAddr: m.Addr,
				Deltas:     g.piggyback(),
			})
			if err != nil {
				acks <- false
				return
			}
			g.merge(ack.From)
			g.mergeAll(ack.Deltas)
			acks <- true
		}(r)
	}
	for range relays {
		if <-acks {
			return true
		}
	}
	return false
}

// suspicionTimeout scales with log10 of the live cluster size.
func (g *Gossiper) suspicionTimeout() time.Duration {
	n := 1 + len(g.members.peers(live))
	f := max(1, math.Log10(float64(n)))
	return time.Duration(float64(g.cfg.SuspicionMult) * f * float64(g.cfg.ProbeInterval))
}

func (g *Gossiper) startTimer(m Member) {
	d := g.suspicionTimeout()
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if t, ok := g.timers[m.ID]; ok {
		t.Stop()
	}
	g.timers[m.ID] = time.AfterFunc(d, func() { g.expire(m.ID, m.Incarnation) })
}

func (g *Gossiper) stopTimer(id NodeID) {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
}

// expire declares a member Dead if it is still Suspect at the incarnation the
// timer was started for.
func (g *Gossiper) expire(id NodeID, inc uint64) {
	cur, ok := g.members.Get(id)
	if !ok || cur.State != StateSuspect || cur.Incarnation != inc {
		return
	}
	g.log.Info("suspicion timed out", zap.String("peer", string(id)), zap.Uint64("incarnation", inc))
	g.merge(Delta{ID: id, Addr: cur.Addr, State: StateDead, Incarnation: inc})
}
