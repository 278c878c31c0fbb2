// Package node is the HTTP face of a fringe node: the client gateway
// (/cluster, /health, /data, /sync) and the peer endpoints used by gossip and
// anti-entropy (/gossip/*, /sync/*).
package node

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ryandielhenn/fringe/internal/telemetry"
	"github.com/ryandielhenn/fringe/pkg/gossip"
	"github.com/ryandielhenn/fringe/pkg/kv"
	"github.com/ryandielhenn/fringe/pkg/merkle"
)

const (
	maxDataBody = 8 << 20
	maxPeerBody = 64 << 20
)

// Options wires a Node to the components it serves.
type Options struct {
	Store    *kv.Store
	Engine   *merkle.Engine
	Gossiper *gossip.Gossiper
	// Client is used for sync sessions and forwarded requests.
	Client *http.Client
	Logger *zap.Logger
	// SyncTimeout bounds one POST /sync session.
	SyncTimeout time.Duration
	// SyncRequestsPerSec limits POST /sync; 0 disables the limit.
	SyncRequestsPerSec float64
	// Healthy reports local health; nil means always healthy.
	Healthy func() error
}

type Node struct {
	kv          *kv.Store
	engine      *merkle.Engine
	gsp         *gossip.Gossiper
	client      *http.Client
	log         *zap.Logger
	syncTimeout time.Duration
	syncLimit   *rate.Limiter
	healthy     func() error
	started     time.Time
}

func New(opts Options) *Node {
	n := &Node{
		kv:          opts.Store,
		engine:      opts.Engine,
		gsp:         opts.Gossiper,
		client:      opts.Client,
		log:         telemetry.OrNop(opts.Logger).Named("node"),
		syncTimeout: opts.SyncTimeout,
		healthy:     opts.Healthy,
		started:     time.Now(),
	}
	if n.client == nil {
		n.client = &http.Client{}
	}
	if n.syncTimeout <= 0 {
		n.syncTimeout = 30 * time.Second
	}
	if opts.SyncRequestsPerSec > 0 {
		burst := max(1, int(opts.SyncRequestsPerSec))
		n.syncLimit = rate.NewLimiter(rate.Limit(opts.SyncRequestsPerSec), burst)
	}
	return n
}

// ID returns the local node id.
func (n *Node) ID() gossip.NodeID { return n.gsp.ID() }

// Addr returns the advertised address.
func (n *Node) Addr() string { return n.gsp.Members().Self().Addr }

// Peer returns a sync peer for the node at addr.
func (n *Node) Peer(addr string) merkle.Peer {
	return &RemotePeer{Addr: addr, Client: n.client}
}
