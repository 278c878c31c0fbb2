package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/gossip"
	"github.com/ryandielhenn/fringe/pkg/kv"
	"github.com/ryandielhenn/fringe/pkg/merkle"
	"github.com/ryandielhenn/fringe/pkg/wire"
)

// Wire bodies of the /sync/* peer endpoints.
type (
	HashesRequest struct {
		Indices []int `json:"indices"`
	}
	HashesResponse struct {
		Hashes []kv.Hash `json:"hashes"`
	}
	LeafResponse struct {
		Index   int         `json:"index"`
		Digests []kv.Digest `json:"digests"`
	}
	FetchRequest struct {
		Keys []string `json:"keys"`
	}
	RecordsBody struct {
		Records []kv.Record `json:"records"`
	}
	ApplyResponse struct {
		Applied int `json:"applied"`
	}
)

// RemotePeer is a merkle.Peer reached over HTTP.
type RemotePeer struct {
	Addr   string
	Client *http.Client
}

var _ merkle.Peer = (*RemotePeer)(nil)

func (p *RemotePeer) call(ctx context.Context, method, path string, in, out any) error {
	return fault.Classify(p.Addr, wire.Call(ctx, p.Client, method, p.Addr, path, in, out))
}

func (p *RemotePeer) Root(ctx context.Context) (merkle.RootInfo, error) {
	var out merkle.RootInfo
	err := p.call(ctx, http.MethodGet, "/sync/root", nil, &out)
	return out, err
}

func (p *RemotePeer) Hashes(ctx context.Context, indices []int) ([]kv.Hash, error) {
	var out HashesResponse
	if err := p.call(ctx, http.MethodPost, "/sync/hashes", HashesRequest{Indices: indices}, &out); err != nil {
		return nil, err
	}
	return out.Hashes, nil
}

func (p *RemotePeer) LeafDigests(ctx context.Context, index int) ([]kv.Digest, error) {
	var out LeafResponse
	if err := p.call(ctx, http.MethodGet, "/sync/leaf/"+strconv.Itoa(index), nil, &out); err != nil {
		return nil, err
	}
	return out.Digests, nil
}

func (p *RemotePeer) Fetch(ctx context.Context, keys []string) ([]kv.Record, error) {
	var out RecordsBody
	if err := p.call(ctx, http.MethodPost, "/sync/fetch", FetchRequest{Keys: keys}, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (p *RemotePeer) Apply(ctx context.Context, records []kv.Record) error {
	return p.call(ctx, http.MethodPost, "/sync/apply", RecordsBody{Records: records}, nil)
}

// ---- peer endpoints ----

func (n *Node) SyncRoot(w http.ResponseWriter, _ *http.Request) {
	wire.WriteJSON(w, http.StatusOK, n.engine.Root())
}

func (n *Node) SyncHashes(w http.ResponseWriter, r *http.Request) {
	var req HashesRequest
	if err := wire.ReadJSON(r, maxPeerBody, &req); err != nil {
		wire.WriteError(w, err)
		return
	}
	hashes, err := n.engine.Hashes(req.Indices)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, HashesResponse{Hashes: hashes})
}

func (n *Node) SyncLeaf(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		wire.WriteError(w, fmt.Errorf("%w: leaf index: %v", fault.ErrInvalid, err))
		return
	}
	digests, err := n.engine.LeafDigests(idx)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, LeafResponse{Index: idx, Digests: digests})
}

// SyncNode describes one tree slot: its hash, token range and children.
func (n *Node) SyncNode(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		wire.WriteError(w, fmt.Errorf("%w: node index: %v", fault.ErrInvalid, err))
		return
	}
	slot, err := n.engine.Node(idx)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, slot)
}

func (n *Node) SyncFetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := wire.ReadJSON(r, maxPeerBody, &req); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, RecordsBody{Records: n.engine.Fetch(req.Keys)})
}

func (n *Node) SyncApply(w http.ResponseWriter, r *http.Request) {
	var req RecordsBody
	if err := wire.ReadJSON(r, maxPeerBody, &req); err != nil {
		wire.WriteError(w, err)
		return
	}
	applied, err := n.engine.Apply(req.Records)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, ApplyResponse{Applied: applied})
}

// gossipHandler adapts one Gossiper message handler to HTTP.
func gossipHandler[In, Out any](handle func(context.Context, In) (Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg In
		if err := wire.ReadJSON(r, maxPeerBody, &msg); err != nil {
			wire.WriteError(w, err)
			return
		}
		out, err := handle(r.Context(), msg)
		if err != nil {
			wire.WriteError(w, err)
			return
		}
		wire.WriteJSON(w, http.StatusOK, out)
	}
}

func (n *Node) GossipPing() http.HandlerFunc {
	return gossipHandler[gossip.Ping, gossip.Ack](n.gsp.HandlePing)
}

func (n *Node) GossipPingReq() http.HandlerFunc {
	return gossipHandler[gossip.PingReq, gossip.Ack](n.gsp.HandlePingReq)
}

func (n *Node) GossipPushPull() http.HandlerFunc {
	return gossipHandler[gossip.PushPull, gossip.PushPull](n.gsp.HandlePushPull)
}

func jsonBody(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}
