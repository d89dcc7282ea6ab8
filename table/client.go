package table

import (
	"sort"
	"sync"

	"github.com/joydit/MaidSafe-Routing/nodeid"
)

// ClientTable holds peers related to us by a relay relationship rather than
// by proximity: clients that use this node as their gateway, or the relays a
// client node depends on. It takes no part in distance-based forwarding
// decisions.
type ClientTable struct {
	self     nodeid.ID
	capacity int

	mu    sync.Mutex
	nodes []NodeInfo
}

// NewClientTable creates a client table bounded at capacity entries.
func NewClientTable(self nodeid.ID, capacity int) *ClientTable {
	return &ClientTable{self: self, capacity: capacity}
}

// Add records the relay relationship. Duplicate identifiers and a full table
// are both rejected.
func (ct *ClientTable) Add(info NodeInfo) bool {
	if info.ID.IsZero() || info.ID == ct.self {
		return false
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if len(ct.nodes) >= ct.capacity {
		return false
	}
	for _, n := range ct.nodes {
		if n.ID == info.ID {
			return false
		}
	}
	ct.nodes = append(ct.nodes, info)
	return true
}

// Drop removes the entry with the given logical identifier, falling back to
// connection id for unconfirmed entries when aggressive is set. Absent
// entries are a no-op.
func (ct *ClientTable) Drop(id nodeid.ID, aggressive bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for i, n := range ct.nodes {
		if n.ID == id || (aggressive && !n.IdentityConfirmed && n.ConnectionID == id) {
			ct.nodes = append(ct.nodes[:i], ct.nodes[i+1:]...)
			return
		}
	}
}

func (ct *ClientTable) Contains(id nodeid.ID) bool {
	_, ok := ct.Get(id)
	return ok
}

// Get returns the entry for id, if present.
func (ct *ClientTable) Get(id nodeid.ID) (NodeInfo, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for _, n := range ct.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeInfo{}, false
}

// GetByConnection returns the entry holding the given live connection, if
// any.
func (ct *ClientTable) GetByConnection(conn nodeid.ID) (NodeInfo, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for _, n := range ct.nodes {
		if n.ConnectionID == conn {
			return n, true
		}
	}
	return NodeInfo{}, false
}

func (ct *ClientTable) Size() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.nodes)
}

// ClosestTo returns up to k relay peers ordered by distance to target. Used
// for group delivery to clients hanging off this node.
func (ct *ClientTable) ClosestTo(target nodeid.ID, k int) []NodeInfo {
	ct.mu.Lock()
	out := make([]NodeInfo, len(ct.nodes))
	copy(out, ct.nodes)
	ct.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return nodeid.CloserToTarget(out[i].ID, out[j].ID, target)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
