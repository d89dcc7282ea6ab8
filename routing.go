// Package routing implements the routing layer of a peer-to-peer overlay
// network: a bounded view of close peers by XOR distance, a join protocol
// that works from zero prior peers, NAT-aware connection establishment and
// hop-by-hop message forwarding with response correlation.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/jbenet/goprocess"
	goprocessctx "github.com/jbenet/goprocess/context"

	"github.com/joydit/MaidSafe-Routing/bootstrap"
	"github.com/joydit/MaidSafe-Routing/cache"
	"github.com/joydit/MaidSafe-Routing/network"
	"github.com/joydit/MaidSafe-Routing/nodeid"
	"github.com/joydit/MaidSafe-Routing/table"
)

var logger = logging.Logger("routing")

// ErrNoTransport is returned by New when no transport is supplied.
var ErrNoTransport = errors.New("routing: transport is required")

// Identity is the keyed identity a node joins with. A zero ID requests an
// anonymous, ephemeral session.
type Identity struct {
	ID        nodeid.ID
	PublicKey []byte
}

// State tracks the join coordinator.
type State int

const (
	StateUnjoined State = iota
	StateBootstrapping
	StatePopulatingTable
	StateJoined
	StateFailed
	StateSessionEnded
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateBootstrapping:
		return "bootstrapping"
	case StatePopulatingTable:
		return "populating table"
	case StateJoined:
		return "joined"
	case StateFailed:
		return "failed"
	case StateSessionEnded:
		return "session ended"
	default:
		return "unknown"
	}
}

// Node is one overlay participant. It owns the routing table, the client
// table and the pending-response set, and drives the transport through the
// network manager.
type Node struct {
	ctx  context.Context
	proc goprocess.Process

	self      table.NodeInfo
	anonymous bool
	cfg       config

	rt          *table.RoutingTable
	ct          *table.ClientTable
	randomNodes *table.RandomNodeHelper

	net       *network.Manager
	pending   *pendingTracker
	respCache *cache.Store
	bootStore *bootstrap.Store

	events chan event

	mu         sync.Mutex // guards functors, state, joinResult
	functors   Functors
	state      State
	joinDone   chan struct{}
	joinResult Code
}

// New creates a node over the given transport. The node is not part of any
// network until ZeroStateJoin or Join succeeds.
func New(ctx context.Context, transport network.Transport, ident Identity, options ...Option) (*Node, error) {
	if transport == nil {
		return nil, ErrNoTransport
	}
	var cfg config
	if err := cfg.apply(append([]Option{defaults}, options...)...); err != nil {
		return nil, err
	}

	anonymous := ident.ID.IsZero()
	id := ident.ID
	if anonymous {
		// Anonymous sessions run under a random ephemeral identifier.
		id = nodeid.NewRandom()
	}

	n := &Node{
		ctx: ctx,
		self: table.NodeInfo{
			ID:                id,
			PublicKey:         ident.PublicKey,
			Endpoint:          transport.LocalEndpoint(),
			Nat:               transport.NatType(),
			IdentityConfirmed: true,
		},
		anonymous:   anonymous,
		cfg:         cfg,
		randomNodes: table.NewRandomNodeHelper(),
		events:      make(chan event, 64),
		state:       StateUnjoined,
		joinDone:    make(chan struct{}),
	}

	n.rt = table.NewRoutingTable(id, cfg.closestGroupSize)
	n.ct = table.NewClientTable(id, cfg.maxClientConnections)
	n.rt.PeerAdded = func(info table.NodeInfo) {
		n.randomNodes.Add(info.ID)
		n.emit(event{kind: evPeerAdded, peer: info})
	}
	n.rt.PeerEvicted = func(info table.NodeInfo) {
		n.randomNodes.Remove(info.ID)
		n.emit(event{kind: evPeerEvicted, peer: info})
	}

	n.net = network.NewManager(transport, n.rt, n.ct)
	n.pending = newPendingTracker(cfg.clk)
	n.respCache = cache.NewStore(ctx, cfg.datastore)
	n.bootStore = bootstrap.NewStore(cfg.datastore)

	transport.SetReceiver(n.onReceive)
	transport.SetDisconnected(n.onDisconnected)

	n.proc = goprocessctx.WithContextAndTeardown(ctx, func() error {
		n.pending.close()
		return nil
	})
	n.proc.AddChild(n.respCache.Process())
	n.proc.Go(n.dispatchEvents)

	logger.Infow("node created", "id", id.ShortString(), "anonymous", anonymous, "client", cfg.client)
	return n, nil
}

// ID returns the node's overlay identifier.
func (n *Node) ID() nodeid.ID { return n.self.ID }

// Info returns the node's own peer record.
func (n *Node) Info() table.NodeInfo { return n.self }

// IsClient reports whether the node joined in client mode.
func (n *Node) IsClient() bool { return n.cfg.client }

// Anonymous reports whether the node runs an ephemeral identity session.
func (n *Node) Anonymous() bool { return n.anonymous }

// State returns the join coordinator state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// CloseNodes returns a snapshot of the routing table, ascending by distance
// to the local identifier. Introspection surface; forwarding never goes
// through it.
func (n *Node) CloseNodes() []table.NodeInfo {
	return n.rt.Snapshot()
}

// HasPeer reports whether id is in the routing table.
func (n *Node) HasPeer(id nodeid.ID) bool { return n.rt.Contains(id) }

// HasClient reports whether id is in the non-routing (relay) table.
func (n *Node) HasClient(id nodeid.ID) bool { return n.ct.Contains(id) }

// RandomExistingNode picks an arbitrary known identifier.
func (n *Node) RandomExistingNode() (nodeid.ID, bool) {
	return n.randomNodes.Pick()
}

// DropNode removes a stale or misbehaving peer from the tables and closes
// its connection.
func (n *Node) DropNode(id nodeid.ID) {
	if info, ok := n.rt.Get(id); ok {
		n.net.Transport().CloseConnection(info.ConnectionID)
	}
	n.rt.DropNode(id, false)
	n.ct.Drop(id, false)
}

// Process returns the node's lifecycle process.
func (n *Node) Process() goprocess.Process { return n.proc }

// Close shuts the node down, failing any pending responses.
func (n *Node) Close() error {
	return n.proc.Close()
}

func (n *Node) functorsSnapshot() Functors {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.functors
}

func (n *Node) setFunctors(f Functors) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.functors = f
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// signalJoin records the terminal join outcome exactly once.
func (n *Node) signalJoin(result Code, s State) {
	n.mu.Lock()
	select {
	case <-n.joinDone:
		n.mu.Unlock()
		return
	default:
	}
	n.joinResult = result
	n.state = s
	close(n.joinDone)
	n.mu.Unlock()
}

// WaitJoined blocks until the join reaches a terminal state or timeout
// elapses. On expiry the join is abandoned and reported failed; partially
// established connections remain and are subject to normal table
// maintenance.
func (n *Node) WaitJoined(timeout time.Duration) Code {
	timer := n.cfg.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case <-n.joinDone:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.joinResult
	case <-timer.C:
		n.signalJoin(CodeTimedOut, StateFailed)
		return CodeTimedOut
	case <-n.proc.Closing():
		return CodeGeneralError
	}
}

// onDisconnected destroys the table entry owned by the lost connection.
// If the peer's identity was never confirmed only the aggressive
// connection-id match can find it.
func (n *Node) onDisconnected(conn nodeid.ID) {
	if info, ok := n.rt.GetByConnection(conn); ok {
		n.rt.DropNode(info.ID, false)
		return
	}
	if info, ok := n.ct.GetByConnection(conn); ok {
		n.ct.Drop(info.ID, false)
		return
	}
	n.rt.DropNode(conn, true)
	n.ct.Drop(conn, true)
}

func (n *Node) requestPublicKey(id nodeid.ID, give GivePublicKeyFunc) {
	functors := n.functorsSnapshot()
	if functors.RequestPublicKey == nil {
		// No validator bound: trust cannot be established.
		give(nil)
		return
	}
	functors.RequestPublicKey(id, give)
}

func (n *Node) String() string {
	return fmt.Sprintf("routing.Node(%s)", n.self.ID.ShortString())
}
