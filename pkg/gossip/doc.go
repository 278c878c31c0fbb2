// Package gossip implements SWIM-style membership and failure detection for
// fringe nodes.
//
// Each node keeps a Memberlist of (id, address, state, incarnation) rows.
// Rumors about members ride on every probe and ack; a rumor supersedes the
// local row when it carries a higher incarnation, or the same incarnation
// and a state of higher precedence (Left > Dead > Suspect > Alive). Only a
// node itself raises its incarnation, to refute a Suspect or Dead claim.
//
// Typical usage:
//
//	g, _ := gossip.New(gossip.Config{ID: "n1", Addr: "10.0.0.1:9090", Transport: gossip.NewHTTPTransport(nil)})
//	g.Start(ctx)
//	defer g.Stop()
//	g.Join(ctx, []string{"10.0.0.2:9090"})
//
// HTTPTransport talks to the /gossip/* endpoints served by package node;
// LocalNetwork wires Gossipers together in one process for tests.
package gossip
