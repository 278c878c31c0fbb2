package merkle

import (
	"context"

	"github.com/ryandielhenn/fringe/pkg/kv"
)

// RootInfo is what a peer reports before a sync descends.
type RootInfo struct {
	Hash  kv.Hash `json:"hash"`
	Depth int     `json:"depth"`
}

// Peer is the remote side of a sync session. Indices are arena slot indices
// of a tree with the same depth.
type Peer interface {
	Root(ctx context.Context) (RootInfo, error)
	Hashes(ctx context.Context, indices []int) ([]kv.Hash, error)
	LeafDigests(ctx context.Context, index int) ([]kv.Digest, error)
	Fetch(ctx context.Context, keys []string) ([]kv.Record, error)
	Apply(ctx context.Context, records []kv.Record) error
}

// LocalPeer serves an in-process Engine as a Peer.
type LocalPeer struct {
	E *Engine
}

var _ Peer = LocalPeer{}

func (p LocalPeer) Root(ctx context.Context) (RootInfo, error) {
	if err := ctx.Err(); err != nil {
		return RootInfo{}, err
	}
	return p.E.Root(), nil
}

func (p LocalPeer) Hashes(ctx context.Context, indices []int) ([]kv.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.E.Hashes(indices)
}

func (p LocalPeer) LeafDigests(ctx context.Context, index int) ([]kv.Digest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.E.LeafDigests(index)
}

func (p LocalPeer) Fetch(ctx context.Context, keys []string) ([]kv.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.E.Fetch(keys), nil
}

func (p LocalPeer) Apply(ctx context.Context, records []kv.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.E.Apply(records)
	return err
}
