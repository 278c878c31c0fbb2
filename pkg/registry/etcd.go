// Package registry publishes node addresses in etcd so fresh nodes can find
// gossip seeds without a static --join list. etcd is only a seed directory;
// liveness is decided by gossip.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fringe/internal/telemetry"
)

const DefaultPrefix = "/fringe/nodes/"

// Config selects the etcd cluster and key layout.
type Config struct {
	Endpoints   []string
	Prefix      string
	LeaseTTL    int64 // seconds
	DialTimeout time.Duration
}

func NewClient(cfg Config) (*clientv3.Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
}

type Registry struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	log    *zap.Logger
}

func New(cli *clientv3.Client, cfg Config, logger *zap.Logger) *Registry {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 10
	}
	return &Registry{cli: cli, prefix: prefix, ttl: ttl, log: telemetry.OrNop(logger).Named("registry")}
}

// RegisterNode writes prefix/id = addr under a lease kept alive until the
// returned cancel is called; cancel also revokes the lease.
func (r *Registry) RegisterNode(ctx context.Context, id, addr string) (clientv3.LeaseID, func(), error) {
	lease, err := r.cli.Grant(ctx, r.ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("registry: grant lease: %w", err)
	}
	if _, err := r.cli.Put(ctx, r.prefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("registry: put %s: %w", id, err)
	}

	kctx, stop := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		stop()
		return 0, nil, fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive ended", zap.Int64("lease", int64(lease.ID)))
	}()

	cancel := func() {
		stop()
		rctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if _, err := r.cli.Revoke(rctx, lease.ID); err != nil {
			r.log.Warn("revoke lease", zap.Error(err))
		}
	}
	r.log.Info("registered node", zap.String("id", id), zap.String("addr", addr), zap.Int64("ttl", r.ttl))
	return lease.ID, cancel, nil
}

// Peers returns id -> addr for every registered node.
func (r *Registry) Peers(ctx context.Context) (map[string]string, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return parsePeers(r.prefix, resp.Kvs), nil
}

// Seeds returns registered addresses except self, sorted.
func (r *Registry) Seeds(ctx context.Context, self string) ([]string, error) {
	peers, err := r.Peers(ctx)
	if err != nil {
		return nil, err
	}
	return seedList(peers, self), nil
}

// WatchPeers calls fn with the full peer table after every change under the
// prefix until ctx is done.
func (r *Registry) WatchPeers(ctx context.Context, fn func(map[string]string)) {
	wch := r.cli.Watch(ctx, r.prefix, clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			r.log.Warn("watch error", zap.Error(err))
			continue
		}
		peers, err := r.Peers(ctx)
		if err != nil {
			r.log.Warn("watch refresh", zap.Error(err))
			continue
		}
		fn(peers)
	}
}

func parsePeers(prefix string, kvs []*mvccpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		id := strings.TrimPrefix(string(kv.Key), prefix)
		if id == "" || strings.Contains(id, "/") || len(kv.Value) == 0 {
			continue
		}
		out[id] = string(kv.Value)
	}
	return out
}

func seedList(peers map[string]string, self string) []string {
	out := make([]string, 0, len(peers))
	for _, addr := range peers {
		if addr != self {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}
