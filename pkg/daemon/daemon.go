// Package daemon runs a complete fringe node: store, Merkle engine, SWIM
// membership, the HTTP gateway, the metrics listener and the background
// anti-entropy loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/fringe/internal/config"
	"github.com/ryandielhenn/fringe/internal/telemetry"
	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/gossip"
	"github.com/ryandielhenn/fringe/pkg/kv"
	"github.com/ryandielhenn/fringe/pkg/merkle"
	"github.com/ryandielhenn/fringe/pkg/node"
	"github.com/ryandielhenn/fringe/pkg/registry"
	"github.com/ryandielhenn/fringe/pkg/ring"
)

type state int32

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

type Daemon struct {
	cfg config.Config
	id  string
	log *zap.Logger

	store  *kv.Store
	engine *merkle.Engine
	gsp    *gossip.Gossiper
	node   *node.Node
	ring   *ring.HashRing

	etcd       *clientv3.Client
	unregister func()

	api     *http.Server
	metrics *http.Server
	addr    string

	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	group  *errgroup.Group
	round  atomic.Uint64
}

// New validates cfg and prepares a daemon. Nothing listens until Start.
func New(cfg config.Config, logger *zap.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := cfg.Node.ID
	if id == "" {
		id = ulid.Make().String()
	}
	return &Daemon{
		cfg: cfg,
		id:  id,
		log: telemetry.OrNop(logger).Named("daemon").With(zap.String("node", id)),
	}, nil
}

func (d *Daemon) ID() string { return d.id }

// Addr returns the advertised API address; valid after Start.
func (d *Daemon) Addr() string { return d.addr }

func (d *Daemon) Store() *kv.Store           { return d.store }
func (d *Daemon) Engine() *merkle.Engine     { return d.engine }
func (d *Daemon) Gossiper() *gossip.Gossiper { return d.gsp }
func (d *Daemon) Node() *node.Node           { return d.node }

// Healthy returns nil while the daemon is running.
func (d *Daemon) Healthy() error {
	if state(d.state.Load()) != stateRunning {
		return fmt.Errorf("%w: daemon not running", fault.ErrUnavailable)
	}
	return nil
}

// Start binds the listeners, joins the cluster and launches the background
// loops. It fails if the address is taken or no seed answers.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state(d.state.Load()) != stateNew {
		return fmt.Errorf("%w: daemon already started", fault.ErrInvalid)
	}

	ln, err := net.Listen("tcp", d.cfg.Node.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Node.Addr, err)
	}
	d.addr = advertise(d.cfg.Node.Addr, ln.Addr())

	var mln net.Listener
	if d.cfg.Node.MetricsAddr != "" {
		if mln, err = net.Listen("tcp", d.cfg.Node.MetricsAddr); err != nil {
			ln.Close()
			return fmt.Errorf("listen metrics %s: %w", d.cfg.Node.MetricsAddr, err)
		}
	}

	if err := d.build(); err != nil {
		ln.Close()
		if mln != nil {
			mln.Close()
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	d.cancel, d.group = cancel, g

	d.api = &http.Server{Handler: d.node.Router(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error { return serve(d.api, ln) })
	if mln != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		d.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serve(d.metrics, mln) })
	}

	d.gsp.Start(gctx)
	g.Go(func() error { return d.watchMembers(gctx) })
	d.state.Store(int32(stateRunning))

	seeds := d.cfg.Node.Join
	if d.cfg.Node.Bootstrap {
		seeds = nil
	}
	if len(d.cfg.Etcd.Endpoints) > 0 {
		seeds = append(seeds, d.discover(ctx, gctx)...)
	}
	if !d.cfg.Node.Bootstrap && len(seeds) > 0 {
		if _, err := d.gsp.Join(ctx, seeds); err != nil {
			d.shutdown(context.Background(), false)
			return err
		}
	}

	if d.cfg.Sync.Interval > 0 {
		g.Go(func() error { return d.antiEntropy(gctx) })
	}
	d.log.Info("node started",
		zap.String("addr", d.addr),
		zap.String("metrics", d.cfg.Node.MetricsAddr),
		zap.Int("seeds", len(seeds)),
		zap.Bool("bootstrap", d.cfg.Node.Bootstrap))
	return nil
}

func (d *Daemon) build() error {
	d.store = kv.NewStore(d.cfg.Store.CapacityBytes)
	eng, err := merkle.NewEngine(d.store, merkle.Config{
		Depth:            d.cfg.Sync.Depth,
		MaxRecordsPerSec: d.cfg.Sync.MaxRecordsPerSec,
		Logger:           d.log,
	})
	if err != nil {
		return err
	}
	d.engine = eng

	gc := d.cfg.Gossip
	client := &http.Client{}
	d.gsp, err = gossip.New(gossip.Config{
		ID:               gossip.NodeID(d.id),
		Addr:             d.addr,
		ProbeInterval:    gc.ProbeInterval,
		ProbeTimeout:     gc.ProbeTimeout,
		ProbeFanout:      gc.ProbeFanout,
		IndirectChecks:   gc.IndirectChecks,
		SuspectAfter:     gc.SuspectAfter,
		SuspicionMult:    gc.SuspicionMult,
		RetransmitMult:   gc.RetransmitMult,
		GossipInterval:   gc.GossipInterval,
		GossipFanout:     gc.GossipFanout,
		MaxPiggyback:     gc.MaxPiggyback,
		PushPullInterval: gc.PushPullInterval,
		DeadReapTimeout:  gc.DeadReapTimeout,
		Transport:        gossip.NewHTTPTransport(client),
		Logger:           d.log,
	})
	if err != nil {
		return err
	}

	d.node = node.New(node.Options{
		Store:              d.store,
		Engine:             d.engine,
		Gossiper:           d.gsp,
		Client:             client,
		Logger:             d.log,
		SyncTimeout:        d.cfg.Sync.Timeout,
		SyncRequestsPerSec: d.cfg.Sync.RequestsPerSec,
		Healthy:            d.Healthy,
	})
	d.ring = ring.New(128, ring.Murmur32)
	d.ring.Add(d.id, d.addr)
	return nil
}

// advertise picks the address peers should dial: the configured one, unless
// it asked for an ephemeral port or a wildcard host.
func advertise(configured string, bound net.Addr) string {
	host, port, err := net.SplitHostPort(configured)
	if err != nil {
		return bound.String()
	}
	_, boundPort, _ := net.SplitHostPort(bound.String())
	if port == "0" {
		port = boundPort
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// discover registers in etcd and returns the seeds found there. New
// registrations seen later are joined as they appear. etcd trouble is logged
// and otherwise ignored; gossip works without it.
func (d *Daemon) discover(ctx, runCtx context.Context) []string {
	cli, err := registry.NewClient(registry.Config{Endpoints: d.cfg.Etcd.Endpoints, DialTimeout: d.cfg.Etcd.DialTimeout})
	if err != nil {
		d.log.Warn("etcd unavailable", zap.Error(err))
		return nil
	}
	d.etcd = cli
	reg := registry.New(cli, registry.Config{Prefix: d.cfg.Etcd.Prefix, LeaseTTL: d.cfg.Etcd.LeaseTTL}, d.log)

	rctx, cancel := context.WithTimeout(ctx, d.cfg.Etcd.DialTimeout)
	defer cancel()
	seeds, err := reg.Seeds(rctx, d.addr)
	if err != nil {
		d.log.Warn("etcd seed lookup failed", zap.Error(err))
	}
	if _, unregister, err := reg.RegisterNode(rctx, d.id, d.addr); err != nil {
		d.log.Warn("etcd registration failed", zap.Error(err))
	} else {
		d.unregister = unregister
	}

	d.group.Go(func() error {
		reg.WatchPeers(runCtx, func(peers map[string]string) {
			for id, addr := range peers {
				if id == d.id {
					continue
				}
				if _, known := d.gsp.Members().Get(gossip.NodeID(id)); known {
					continue
				}
				if _, err := d.gsp.Join(runCtx, []string{addr}); err != nil {
					d.log.Debug("join registered peer", zap.String("peer", addr), zap.Error(err))
				}
			}
		})
		return nil
	})
	return seeds
}

// watchMembers keeps the partner ring equal to the set of Alive members.
func (d *Daemon) watchMembers(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.gsp.Events():
			id := string(ev.Member.ID)
			if ev.Type == gossip.EventMemberUp {
				d.ring.Add(id, ev.Member.Addr)
			} else {
				d.ring.Remove(id)
			}
		}
	}
}

func (d *Daemon) antiEntropy(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Sync.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.syncRound(ctx)
		}
	}
}

// syncRound reconciles with the partners the ring picks for this round.
func (d *Daemon) syncRound(ctx context.Context) int {
	synced := 0
	for _, addr := range d.partners() {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.Sync.Timeout)
		stats, err := d.engine.Sync(sctx, d.node.Peer(addr))
		cancel()
		if err != nil {
			d.log.Debug("anti-entropy failed", zap.String("peer", addr), zap.Error(err))
			continue
		}
		synced++
		if stats.LeavesCompared > 0 {
			d.log.Info("anti-entropy repaired",
				zap.String("peer", addr),
				zap.Int("pulled", stats.Pulled),
				zap.Int("pushed", stats.Pushed))
		}
	}
	return synced
}

// partners hashes (id, round) onto the ring and returns up to
// Sync.Partners other nodes' addresses.
func (d *Daemon) partners() []string {
	round := d.round.Add(1)
	want := d.cfg.Sync.Partners
	ids := d.ring.LookupN(fmt.Appendf(nil, "%s/%d", d.id, round), want+1)
	out := make([]string, 0, want)
	for _, id := range ids {
		if id == d.id || len(out) == want {
			continue
		}
		if addr, ok := d.ring.Addr(id); ok {
			out = append(out, addr)
		}
	}
	return out
}

// Stop leaves the cluster, shuts the listeners down and waits for the loops.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state(d.state.Load()) != stateRunning {
		return nil
	}
	return d.shutdown(ctx, true)
}

func (d *Daemon) shutdown(ctx context.Context, leave bool) error {
	d.state.Store(int32(stateStopped))
	if leave {
		if err := d.gsp.Leave(ctx); err != nil {
			d.log.Warn("leave", zap.Error(err))
		}
	}
	d.gsp.Stop()
	if d.unregister != nil {
		d.unregister()
	}

	var errs []error
	if err := d.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown api: %w", err))
	}
	if d.metrics != nil {
		if err := d.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	d.cancel()
	if d.etcd != nil {
		// closing the client ends the peer watch
		_ = d.etcd.Close()
	}
	if err := d.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	d.log.Info("node stopped")
	return errors.Join(errs...)
}

// Run starts the daemon and blocks until ctx is done, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Stop(sctx)
}
