package gossip

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/wire"
)

// Transport sends gossip messages to a peer address. Implementations return
// a fault.NetworkError (or a timeout) when the peer cannot be reached.
type Transport interface {
	Ping(ctx context.Context, addr string, msg Ping) (Ack, error)
	PingReq(ctx context.Context, addr string, msg PingReq) (Ack, error)
	PushPull(ctx context.Context, addr string, msg PushPull) (PushPull, error)
}

// Handler is the receiving side of a Transport; *Gossiper implements it.
type Handler interface {
	HandlePing(ctx context.Context, msg Ping) (Ack, error)
	HandlePingReq(ctx context.Context, msg PingReq) (Ack, error)
	HandlePushPull(ctx context.Context, msg PushPull) (PushPull, error)
}

// Paths served by the node's peer router.
const (
	PathPing     = "/gossip/ping"
	PathPingReq  = "/gossip/ping-req"
	PathPushPull = "/gossip/push-pull"
)

// HTTPTransport speaks JSON over HTTP to the peer endpoints.
type HTTPTransport struct {
	Client *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{Client: client}
}

func (t *HTTPTransport) Ping(ctx context.Context, addr string, msg Ping) (Ack, error) {
	var ack Ack
	err := wire.Call(ctx, t.Client, http.MethodPost, addr, PathPing, msg, &ack)
	return ack, fault.Classify(addr, err)
}

func (t *HTTPTransport) PingReq(ctx context.Context, addr string, msg PingReq) (Ack, error) {
	var ack Ack
	err := wire.Call(ctx, t.Client, http.MethodPost, addr, PathPingReq, msg, &ack)
	return ack, fault.Classify(addr, err)
}

func (t *HTTPTransport) PushPull(ctx context.Context, addr string, msg PushPull) (PushPull, error) {
	var out PushPull
	err := wire.Call(ctx, t.Client, http.MethodPost, addr, PathPushPull, msg, &out)
	return out, fault.Classify(addr, err)
}

// LocalNetwork connects Gossipers in one process. Links can be cut to
// simulate partitions and crashed nodes.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	down     map[string]bool
	cut      map[[2]string]bool
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
		cut:      make(map[[2]string]bool),
	}
}

// Register attaches h at addr.
func (n *LocalNetwork) Register(addr string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

// Transport returns the Transport used by the node at from.
func (n *LocalNetwork) Transport(from string) Transport {
	return &localTransport{net: n, from: from}
}

// SetDown makes addr unreachable (or reachable again).
func (n *LocalNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// Partition cuts the link between a and b in both directions.
func (n *LocalNetwork) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

// Heal restores every cut link.
func (n *LocalNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[[2]string]bool)
}

func (n *LocalNetwork) route(from, to string) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if !ok || n.down[to] || n.down[from] || n.cut[[2]string{from, to}] {
		return nil, &fault.NetworkError{Peer: to, Err: fmt.Errorf("unreachable from %s", from)}
	}
	return h, nil
}

type localTransport struct {
	net  *LocalNetwork
	from string
}

func (t *localTransport) Ping(ctx context.Context, addr string, msg Ping) (Ack, error) {
	h, err := t.net.route(t.from, addr)
	if err != nil {
		return Ack{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, fault.Classify(addr, err)
	}
	return h.HandlePing(ctx, msg)
}

func (t *localTransport) PingReq(ctx context.Context, addr string, msg PingReq) (Ack, error) {
	h, err := t.net.route(t.from, addr)
	if err != nil {
		return Ack{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, fault.Classify(addr, err)
	}
	return h.HandlePingReq(ctx, msg)
}

func (t *localTransport) PushPull(ctx context.Context, addr string, msg PushPull) (PushPull, error) {
	h, err := t.net.route(t.from, addr)
	if err != nil {
		return PushPull{}, err
	}
	if err := ctx.Err(); err != nil {
		return PushPull{}, fault.Classify(addr, err)
	}
	return h.HandlePushPull(ctx, msg)
}
