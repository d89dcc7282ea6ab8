package routing

import (
	"context"

	"github.com/jbenet/goprocess"
	"go.opencensus.io/stats"

	"github.com/joydit/MaidSafe-Routing/metrics"
	"github.com/joydit/MaidSafe-Routing/nodeid"
	"github.com/joydit/MaidSafe-Routing/table"
)

// ReplyFunc sends a correlated response back along the reverse path of a
// received message.
type ReplyFunc func(payload []byte)

// ResponseFunc receives the outcome of a Send: the correlated reply payload
// on success, or a failure code. It is invoked exactly once, possibly on a
// different goroutine than the Send call site.
type ResponseFunc func(code Code, payload []byte)

// GivePublicKeyFunc is the continuation handed to RequestPublicKey. It must
// be invoked exactly once, with the key or nil for not-found.
type GivePublicKeyFunc func(key []byte)

// Functors bundles the asynchronous callbacks the routing core exposes to
// its owner. They are configuration-time bindings; the core invokes them but
// never stores application logic. None of them is ever called with a table
// lock held.
type Functors struct {
	// MessageReceived delivers an inbound message addressed to this node.
	MessageReceived func(payload []byte, sender nodeid.ID, reply ReplyFunc)

	// NetworkStatus reports the current close-peer count after every table
	// change, or a negative Code for terminal statuses.
	NetworkStatus func(status int)

	// CloseNodeReplaced fires exactly once for every entry evicted from the
	// routing table.
	CloseNodeReplaced func(evicted table.NodeInfo)

	// RequestPublicKey obtains a peer's public key before its claimed
	// identifier is trusted.
	RequestPublicKey func(id nodeid.ID, give GivePublicKeyFunc)
}

type eventKind int

const (
	evPeerAdded eventKind = iota
	evPeerEvicted
	evJoinStatus
)

// event is the typed notification emitted by the tables and the join
// coordinator. A single dispatcher goroutine drains the channel and invokes
// the Functors, so no callback ever runs inside a locked section.
type event struct {
	kind   eventKind
	peer   table.NodeInfo
	status int
}

func (n *Node) emit(ev event) {
	select {
	case n.events <- ev:
	case <-n.proc.Closing():
	}
}

func (n *Node) dispatchEvents(proc goprocess.Process) {
	for {
		select {
		case ev := <-n.events:
			n.handleEvent(ev)
		case <-proc.Closing():
			return
		}
	}
}

func (n *Node) handleEvent(ev event) {
	functors := n.functorsSnapshot()
	switch ev.kind {
	case evPeerAdded:
		stats.Record(context.Background(), metrics.RoutingTableSize.M(int64(n.rt.Size())))
		if ev.peer.Endpoint != "" {
			if err := n.bootStore.Append(n.ctx, ev.peer.Endpoint); err != nil {
				logger.Debugw("failed to record bootstrap endpoint", "error", err)
			}
		}
		if functors.NetworkStatus != nil {
			functors.NetworkStatus(n.rt.Size())
		}
	case evPeerEvicted:
		stats.Record(context.Background(), metrics.RoutingTableSize.M(int64(n.rt.Size())))
		if functors.CloseNodeReplaced != nil {
			functors.CloseNodeReplaced(ev.peer)
		}
		if functors.NetworkStatus != nil {
			functors.NetworkStatus(n.rt.Size())
		}
	case evJoinStatus:
		if functors.NetworkStatus != nil {
			functors.NetworkStatus(ev.status)
		}
	}
}
