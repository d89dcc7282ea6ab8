// Package table holds the proximity-ordered routing table, the relay client
// table and the random node helper.
package table

import (
	"sort"
	"sync"

	logging "github.com/ipfs/go-log"

	"github.com/joydit/MaidSafe-Routing/nodeid"
)

var logger = logging.Logger("routing/table")

// AddResult reports the outcome of a RoutingTable.Add call.
type AddResult int

const (
	// Added means the candidate was inserted without displacing anyone.
	Added AddResult = iota
	// Evicted means the candidate was inserted and the farthest entry was
	// removed to make room.
	Evicted
	// Rejected means the candidate was not inserted. This is a normal
	// negative outcome, not an error.
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Evicted:
		return "evicted"
	default:
		return "rejected"
	}
}

// RoutingTable is a bounded set of the known overlay peers closest to the
// local identifier, kept sorted ascending by XOR distance to it.
//
// The PeerAdded and PeerEvicted hooks, when set, are called after the table
// lock has been released. They must be set before the table is shared.
type RoutingTable struct {
	self     nodeid.ID
	capacity int

	mu    sync.Mutex
	nodes []NodeInfo // ascending by distance to self

	PeerAdded   func(NodeInfo)
	PeerEvicted func(NodeInfo)
}

// NewRoutingTable creates a table for the given local identifier, bounded at
// capacity entries.
func NewRoutingTable(self nodeid.ID, capacity int) *RoutingTable {
	if capacity < 1 {
		panic("table: capacity must be positive")
	}
	return &RoutingTable{self: self, capacity: capacity}
}

// Self returns the local identifier the table measures distance against.
func (rt *RoutingTable) Self() nodeid.ID { return rt.self }

// Capacity returns the configured maximum size.
func (rt *RoutingTable) Capacity() int { return rt.capacity }

// Add inserts candidate if the table invariants allow it. When the table is
// full a candidate closer than the current farthest entry evicts it; a
// candidate farther than all current entries is rejected. The evicted entry,
// if any, is returned and PeerEvicted fires exactly once for it.
func (rt *RoutingTable) Add(candidate NodeInfo) (AddResult, *NodeInfo) {
	if candidate.ID.IsZero() || candidate.ID == rt.self {
		return Rejected, nil
	}

	rt.mu.Lock()
	if rt.indexOfLocked(candidate.ID) >= 0 {
		rt.mu.Unlock()
		return Rejected, nil
	}

	var evicted *NodeInfo
	result := Added
	if len(rt.nodes) >= rt.capacity {
		farthest := rt.nodes[len(rt.nodes)-1]
		if !nodeid.CloserToTarget(candidate.ID, farthest.ID, rt.self) {
			rt.mu.Unlock()
			return Rejected, nil
		}
		rt.nodes = rt.nodes[:len(rt.nodes)-1]
		evicted = &farthest
		result = Evicted
	}
	rt.insertSortedLocked(candidate)
	size := len(rt.nodes)
	rt.mu.Unlock()

	logger.Debugw("peer added", "peer", candidate.ID.ShortString(), "size", size, "result", result.String())
	if evicted != nil && rt.PeerEvicted != nil {
		rt.PeerEvicted(*evicted)
	}
	if rt.PeerAdded != nil {
		rt.PeerAdded(candidate)
	}
	return result, evicted
}

// DropNode removes the entry with the given logical identifier. The logical
// id match is authoritative; in aggressive mode, entries whose identity was
// never confirmed are also matched by connection id, for peers that
// disconnected before proving who they were. Absent entries are a no-op.
func (rt *RoutingTable) DropNode(id nodeid.ID, aggressive bool) {
	rt.mu.Lock()
	idx := rt.indexOfLocked(id)
	if idx < 0 && aggressive {
		for i, n := range rt.nodes {
			if !n.IdentityConfirmed && n.ConnectionID == id {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		rt.mu.Unlock()
		return
	}
	dropped := rt.nodes[idx]
	rt.nodes = append(rt.nodes[:idx], rt.nodes[idx+1:]...)
	rt.mu.Unlock()

	logger.Debugw("peer dropped", "peer", dropped.ID.ShortString(), "aggressive", aggressive)
	if rt.PeerEvicted != nil {
		rt.PeerEvicted(dropped)
	}
}

// Contains reports whether the logical identifier is present.
func (rt *RoutingTable) Contains(id nodeid.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.indexOfLocked(id) >= 0
}

// Get returns the entry for id, if present.
func (rt *RoutingTable) Get(id nodeid.ID) (NodeInfo, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if idx := rt.indexOfLocked(id); idx >= 0 {
		return rt.nodes[idx], true
	}
	return NodeInfo{}, false
}

// GetByConnection returns the entry holding the given live connection, if
// any.
func (rt *RoutingTable) GetByConnection(conn nodeid.ID) (NodeInfo, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, n := range rt.nodes {
		if n.ConnectionID == conn {
			return n, true
		}
	}
	return NodeInfo{}, false
}

// Size returns the current number of entries.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.nodes)
}

// ClosestTo returns up to k entries ordered ascending by distance to target,
// skipping any identifiers in exclude. The result is a snapshot; repeated
// calls with an unchanged table return identical slices.
func (rt *RoutingTable) ClosestTo(target nodeid.ID, k int, exclude ...nodeid.ID) []NodeInfo {
	rt.mu.Lock()
	candidates := make([]NodeInfo, 0, len(rt.nodes))
outer:
	for _, n := range rt.nodes {
		for _, ex := range exclude {
			if n.ID == ex {
				continue outer
			}
		}
		candidates = append(candidates, n)
	}
	rt.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return nodeid.CloserToTarget(candidates[i].ID, candidates[j].ID, target)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// Closest returns the single entry closest to target, excluding the given
// identifiers.
func (rt *RoutingTable) Closest(target nodeid.ID, exclude ...nodeid.ID) (NodeInfo, bool) {
	res := rt.ClosestTo(target, 1, exclude...)
	if len(res) == 0 {
		return NodeInfo{}, false
	}
	return res[0], true
}

// AmClosest reports whether the local node is closer to target than every
// table entry.
func (rt *RoutingTable) AmClosest(target nodeid.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, n := range rt.nodes {
		if nodeid.CloserToTarget(n.ID, rt.self, target) {
			return false
		}
	}
	return true
}

// AmInGroupRange reports whether the local node is one of the groupSize
// closest known identifiers to target, counting table entries.
func (rt *RoutingTable) AmInGroupRange(target nodeid.ID, groupSize int) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	closer := 0
	for _, n := range rt.nodes {
		if nodeid.CloserToTarget(n.ID, rt.self, target) {
			closer++
			if closer >= groupSize {
				return false
			}
		}
	}
	return true
}

// Snapshot returns a copy of the current entries in table order. It exists
// for introspection and tests; production forwarding goes through ClosestTo.
func (rt *RoutingTable) Snapshot() []NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]NodeInfo, len(rt.nodes))
	copy(out, rt.nodes)
	return out
}

func (rt *RoutingTable) indexOfLocked(id nodeid.ID) int {
	for i, n := range rt.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (rt *RoutingTable) insertSortedLocked(info NodeInfo) {
	idx := sort.Search(len(rt.nodes), func(i int) bool {
		return nodeid.CloserToTarget(info.ID, rt.nodes[i].ID, rt.self)
	})
	rt.nodes = append(rt.nodes, NodeInfo{})
	copy(rt.nodes[idx+1:], rt.nodes[idx:])
	rt.nodes[idx] = info
}
