package node

import (
	"net"
	"strings"

	"github.com/ryandielhenn/fringe/pkg/gossip"
)

// DefaultPort is assumed for addresses given without one.
const DefaultPort = "9090"

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds defPort when no port is present.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimRight(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}

// resolve maps a member id or an address onto a host:port.
func (n *Node) resolve(target string) string {
	if m, ok := n.gsp.Members().Get(gossip.NodeID(target)); ok {
		return m.Addr
	}
	return NormalizeHostPort(target, DefaultPort)
}

// isSelf reports whether target names this node, by id or address.
func (n *Node) isSelf(target string) bool {
	if target == "" || gossip.NodeID(target) == n.ID() {
		return true
	}
	return sameHostPort(n.resolve(target), n.Addr())
}

// sameHostPort compares addresses treating unspecified and loopback hosts as
// equal, so "localhost:9090" names a node advertising "127.0.0.1:9090".
func sameHostPort(a, b string) bool {
	ha, pa, err1 := net.SplitHostPort(a)
	hb, pb, err2 := net.SplitHostPort(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	if pa != pb {
		return false
	}
	return canonicalHost(ha) == canonicalHost(hb)
}

func canonicalHost(h string) string {
	switch h {
	case "", "localhost", "0.0.0.0", "::", "::1":
		return "127.0.0.1"
	}
	return h
}
