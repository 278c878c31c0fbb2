package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/merkle"
	"github.com/ryandielhenn/fringe/pkg/wire"
)

// DataRequest is the body of POST /data.
type DataRequest struct {
	Key    string  `json:"key"`
	Value  *string `json:"value,omitempty"`
	Action string  `json:"action"`
}

// DataResponse answers POST /data.
type DataResponse struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

// Item answers GET /data/{key}.
type Item struct {
	Key      string    `json:"key"`
	Value    string    `json:"value"`
	Modified time.Time `json:"modified"`
	Version  uint64    `json:"version"`
}

// SyncRequest is the body of POST /sync. From names the peer to reconcile
// with; To names the node that runs the session (empty means this node).
// Both accept a member id or a host[:port].
type SyncRequest struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	Error  string `json:"error,omitempty"`
}

const forwardedHeader = "X-Fringe-Forwarded"

// Cluster writes the membership view.
func (n *Node) Cluster(w http.ResponseWriter, _ *http.Request) {
	wire.WriteJSON(w, http.StatusOK, n.gsp.List())
}

// Healthz returns 200 when the node is serving, 503 otherwise.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if err := n.checkHealth(); err != nil {
		wire.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", ID: string(n.ID()), Error: err.Error()})
		return
	}
	wire.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", ID: string(n.ID())})
}

func (n *Node) checkHealth() error {
	if n.gsp.Leaving() {
		return fmt.Errorf("%w: node has left the cluster", fault.ErrUnavailable)
	}
	if n.healthy != nil {
		return n.healthy()
	}
	return nil
}

// Info writes process and store details.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID        string           `json:"id"`
		Addr      string           `json:"addr"`
		PID       int              `json:"pid"`
		Now       time.Time        `json:"now"`
		Uptime    string           `json:"uptime"`
		Items     int              `json:"items"`
		Records   int              `json:"records"`
		UsedBytes int64            `json:"used_bytes"`
		Tree      merkle.SyncStats `json:"tree"`
	}
	wire.WriteJSON(w, http.StatusOK, resp{
		ID:        string(n.ID()),
		Addr:      n.Addr(),
		PID:       os.Getpid(),
		Now:       time.Now(),
		Uptime:    time.Since(n.started).Round(time.Second).String(),
		Items:     n.kv.Len(),
		Records:   n.kv.Count(),
		UsedBytes: n.kv.Used(),
		Tree:      n.engine.Stats(),
	})
}

// PostData adds or deletes a key.
func (n *Node) PostData(w http.ResponseWriter, r *http.Request) {
	if err := n.checkHealth(); err != nil {
		wire.WriteError(w, err)
		return
	}
	var req DataRequest
	if err := wire.ReadJSON(r, maxDataBody, &req); err != nil {
		wire.WriteError(w, err)
		return
	}

	var (
		version uint64
		err     error
	)
	switch req.Action {
	case "add":
		if req.Value == nil {
			wire.WriteError(w, fmt.Errorf("%w: add needs a value", fault.ErrInvalid))
			return
		}
		version, err = n.kv.Put(req.Key, []byte(*req.Value))
	case "delete":
		version, err = n.kv.Delete(req.Key)
	default:
		err = fmt.Errorf("%w: unknown action %q", fault.ErrInvalid, req.Action)
	}
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	n.log.Debug("data written", zap.String("key", req.Key), zap.String("action", req.Action), zap.Uint64("version", version))
	wire.WriteJSON(w, http.StatusOK, DataResponse{Key: req.Key, Version: version})
}

// GetData returns a live key.
func (n *Node) GetData(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	rec, err := n.kv.Get(key)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, Item{Key: rec.Key, Value: string(rec.Value), Modified: rec.ModifiedAt, Version: rec.Version})
}

// Sync runs an anti-entropy session against req.From, or forwards the
// request when req.To names another node.
func (n *Node) Sync(w http.ResponseWriter, r *http.Request) {
	if err := n.checkHealth(); err != nil {
		wire.WriteError(w, err)
		return
	}
	if n.syncLimit != nil && !n.syncLimit.Allow() {
		wire.WriteJSON(w, http.StatusTooManyRequests, wire.ErrorBody{Error: "sync rate limit exceeded"})
		return
	}
	var req SyncRequest
	if err := wire.ReadJSON(r, maxDataBody, &req); err != nil {
		wire.WriteError(w, err)
		return
	}
	if req.From == "" {
		wire.WriteError(w, fmt.Errorf("%w: sync needs a source node", fault.ErrInvalid))
		return
	}

	if !n.isSelf(req.To) {
		if r.Header.Get(forwardedHeader) != "" {
			wire.WriteError(w, fmt.Errorf("%w: %s is not this node", fault.ErrInvalid, req.To))
			return
		}
		n.forwardSync(w, r, req)
		return
	}
	if n.isSelf(req.From) {
		wire.WriteError(w, fmt.Errorf("%w: cannot sync a node with itself", fault.ErrInvalid))
		return
	}

	addr := n.resolve(req.From)
	ctx, cancel := context.WithTimeout(r.Context(), n.syncTimeout)
	defer cancel()
	stats, err := n.engine.Sync(ctx, n.Peer(addr))
	if err != nil {
		n.log.Warn("sync failed", zap.String("peer", addr), zap.Error(err))
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, stats)
}

// forwardSync hands the request to the node named by req.To and relays its
// answer.
func (n *Node) forwardSync(w http.ResponseWriter, r *http.Request, req SyncRequest) {
	target := n.resolve(req.To)
	req.To = target

	ctx, cancel := context.WithTimeout(r.Context(), n.syncTimeout+5*time.Second)
	defer cancel()
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, wire.URL(target, "/sync"), jsonBody(req))
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set(forwardedHeader, string(n.ID()))
	out.Header.Set("X-Forwarded-For", r.RemoteAddr)

	resp, err := n.client.Do(out)
	if err != nil {
		wire.WriteError(w, fault.Classify(target, err))
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
