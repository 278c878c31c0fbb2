package node

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ryandielhenn/fringe/internal/telemetry"
	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/gossip"
	"github.com/ryandielhenn/fringe/pkg/wire"
)

// Router serves the client gateway and the peer endpoints on one listener.
func (n *Node) Router() http.Handler {
	r := mux.NewRouter()
	handle := func(path, op string, h http.Handler, methods ...string) {
		r.Handle(path, telemetry.Instrument(op, h)).Methods(methods...)
	}

	// client gateway
	handle("/cluster", "cluster", http.HandlerFunc(n.Cluster), http.MethodGet)
	handle("/health", "health", http.HandlerFunc(n.Healthz), http.MethodGet)
	handle("/info", "info", http.HandlerFunc(n.Info), http.MethodGet)
	handle("/data", "data_post", http.HandlerFunc(n.PostData), http.MethodPost)
	handle("/data/{key:.+}", "data_get", http.HandlerFunc(n.GetData), http.MethodGet)
	handle("/sync", "sync", http.HandlerFunc(n.Sync), http.MethodPost)

	// peers
	handle(gossip.PathPing, "gossip_ping", n.GossipPing(), http.MethodPost)
	handle(gossip.PathPingReq, "gossip_ping_req", n.GossipPingReq(), http.MethodPost)
	handle(gossip.PathPushPull, "gossip_push_pull", n.GossipPushPull(), http.MethodPost)
	handle("/sync/root", "sync_root", http.HandlerFunc(n.SyncRoot), http.MethodGet)
	handle("/sync/hashes", "sync_hashes", http.HandlerFunc(n.SyncHashes), http.MethodPost)
	handle("/sync/leaf/{index}", "sync_leaf", http.HandlerFunc(n.SyncLeaf), http.MethodGet)
	handle("/sync/node/{index}", "sync_node", http.HandlerFunc(n.SyncNode), http.MethodGet)
	handle("/sync/fetch", "sync_fetch", http.HandlerFunc(n.SyncFetch), http.MethodPost)
	handle("/sync/apply", "sync_apply", http.HandlerFunc(n.SyncApply), http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wire.WriteError(w, fmt.Errorf("%w: no route for %s", fault.ErrNotFound, r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wire.WriteJSON(w, http.StatusMethodNotAllowed, wire.ErrorBody{Error: "method not allowed"})
	})
	return r
}
