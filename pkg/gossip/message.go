package gossip

import (
	"fmt"
	"time"
)

// NodeID identifies a member; unique across restarts (ULID by default).
type NodeID string

// State of a member as seen by the local table. Values are ordered by merge
// precedence: at equal incarnation the larger state wins.
type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
	StateLeft
)

var stateNames = [...]string{"alive", "suspect", "dead", "left"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("gossip: unknown state %d", s)
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("gossip: unknown state %q", b)
}

// Terminal reports whether s is Dead or Left.
func (s State) Terminal() bool { return s >= StateDead }

// Member is one row of the membership table.
type Member struct {
	ID          NodeID    `json:"id"`
	Addr        string    `json:"address"`
	State       State     `json:"state"`
	Incarnation uint64    `json:"incarnation"`
	Since       time.Time `json:"since_state_update"`
}

func (m Member) delta() Delta {
	return Delta{ID: m.ID, Addr: m.Addr, State: m.State, Incarnation: m.Incarnation}
}

// Delta is a membership rumor: what one node claims about another.
type Delta struct {
	ID          NodeID `json:"id"`
	Addr        string `json:"address"`
	State       State  `json:"state"`
	Incarnation uint64 `json:"incarnation"`
}

// Supersedes reports whether d overrides a view at (inc, st): a higher
// incarnation wins outright, equal incarnations go to the higher-precedence
// state.
func (d Delta) Supersedes(inc uint64, st State) bool {
	return d.Incarnation > inc || (d.Incarnation == inc && d.State > st)
}

// Ping is a direct probe. Gossip rounds reuse it to carry deltas.
type Ping struct {
	From   Delta   `json:"from"`
	Target NodeID  `json:"target"`
	Deltas []Delta `json:"deltas,omitempty"`
}

// PingReq asks a relay to probe Target on the sender's behalf.
type PingReq struct {
	From       Delta   `json:"from"`
	Target     NodeID  `json:"target"`
	TargetAddr string  `json:"target_addr"`
	Deltas     []Delta `json:"deltas,omitempty"`
}

// Ack answers a Ping, or a PingReq whose target answered.
type Ack struct {
	From   Delta   `json:"from"`
	Deltas []Delta `json:"deltas,omitempty"`
}

// PushPull carries a full table snapshot in both directions.
type PushPull struct {
	From    Delta   `json:"from"`
	Join    bool    `json:"join,omitempty"`
	Members []Delta `json:"members"`
}

// ClusterStatus is the read view served at /cluster.
type ClusterStatus struct {
	Nodes      []Member `json:"nodes"`
	TotalNodes int      `json:"total_nodes"`
	AliveNodes int      `json:"alive_nodes"`
}

// EventType classifies membership events.
type EventType uint8

const (
	EventMemberUp EventType = iota
	EventMemberSuspect
	EventMemberDead
	EventMemberLeft
	EventMemberEvicted
)

func (t EventType) String() string {
	switch t {
	case EventMemberUp:
		return "up"
	case EventMemberSuspect:
		return "suspect"
	case EventMemberDead:
		return "dead"
	case EventMemberLeft:
		return "left"
	case EventMemberEvicted:
		return "evicted"
	}
	return "unknown"
}

// Event is emitted whenever a member changes state or is evicted.
type Event struct {
	Type   EventType
	Member Member
}

func eventFor(s State) EventType {
	switch s {
	case StateSuspect:
		return EventMemberSuspect
	case StateDead:
		return EventMemberDead
	case StateLeft:
		return EventMemberLeft
	}
	return EventMemberUp
}
