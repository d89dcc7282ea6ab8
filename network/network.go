// Package network is the policy layer between the routing core and the
// NAT-traversal-capable transport. It decides, per peer, whether a direct or
// rendezvous-assisted connection is needed and resolves logical identifiers
// to live connections when sending.
package network

import (
	"context"
	"errors"
	"fmt"

	proto "github.com/gogo/protobuf/proto"
	logging "github.com/ipfs/go-log"
	"go.opencensus.io/stats"

	"github.com/joydit/MaidSafe-Routing/metrics"
	"github.com/joydit/MaidSafe-Routing/nodeid"
	pb "github.com/joydit/MaidSafe-Routing/pb"
	"github.com/joydit/MaidSafe-Routing/rpc"
	"github.com/joydit/MaidSafe-Routing/table"
)

var logger = logging.Logger("routing/net")

var (
	// ErrNotConnected is returned when no live connection exists for the
	// requested identifier.
	ErrNotConnected = errors.New("network: peer not connected")
	// ErrNoRoute is returned when the tables hold no usable next hop.
	ErrNoRoute = errors.New("network: no route to destination")
	// ErrNoIntroducer is returned when a rendezvous connection is required
	// but no connected peer can act as introducer.
	ErrNoIntroducer = errors.New("network: no introducer available for rendezvous")
)

// Transport is the NAT-traversal-capable transport collaborator. Connection
// establishment, keep-alive and raw byte delivery live behind it.
type Transport interface {
	// Connect dials the endpoint and returns the connection identifier.
	Connect(ep table.Endpoint) (nodeid.ID, error)
	// Send hands bytes to the connection; sent is invoked exactly once with
	// the delivery outcome.
	Send(conn nodeid.ID, data []byte, sent func(error))
	// CloseConnection drops the connection.
	CloseConnection(conn nodeid.ID)
	// SetReceiver registers the inbound byte callback. Must be called before
	// any Connect.
	SetReceiver(fn func(conn nodeid.ID, data []byte))
	// SetDisconnected registers the connection-lost callback.
	SetDisconnected(fn func(conn nodeid.ID))
	// LocalEndpoint returns the endpoint this transport is reachable on.
	LocalEndpoint() table.Endpoint
	// NatType reports the transport's classification of the local NAT.
	NatType() table.NatType
}

// Strategy is the connection establishment approach required for a peer.
type Strategy int

const (
	// StrategyDirect means a standard connection attempt suffices.
	StrategyDirect Strategy = iota
	// StrategyRendezvous means the far side must be asked, through an
	// introducer, to participate in establishing the connection.
	StrategyRendezvous
)

// StrategyFor maps a peer's NAT classification to a connection strategy.
// Unknown classifications get the conservative answer.
func StrategyFor(nat table.NatType) Strategy {
	if nat == table.NatDirect {
		return StrategyDirect
	}
	return StrategyRendezvous
}

// Manager owns no table state; it is a thin policy layer over the Transport,
// shared by the join coordinator and the message router.
type Manager struct {
	transport Transport
	rt        *table.RoutingTable
	ct        *table.ClientTable
}

func NewManager(t Transport, rt *table.RoutingTable, ct *table.ClientTable) *Manager {
	return &Manager{transport: t, rt: rt, ct: ct}
}

func (m *Manager) Transport() Transport { return m.transport }

// Connect establishes a connection to the peer described by info, filling in
// info.ConnectionID on success. For rendezvous peers a Connect RPC is routed
// through the closest connected peer first, asking the target to initiate
// from its side, and the local dial doubles as the simultaneous open.
func (m *Manager) Connect(ctx context.Context, self table.NodeInfo, info *table.NodeInfo, client bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if StrategyFor(info.Nat) == StrategyRendezvous {
		if err := m.requestRendezvous(self, info, client); err != nil {
			logger.Debugw("rendezvous request failed, falling back to direct dial",
				"peer", info.ID.ShortString(), "error", err)
		}
	}

	conn, err := m.transport.Connect(info.Endpoint)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", info.Endpoint, err)
	}
	info.ConnectionID = conn
	return nil
}

// requestRendezvous sends a Connect RPC toward the target through an
// already-connected introducer.
func (m *Manager) requestRendezvous(self table.NodeInfo, info *table.NodeInfo, client bool) error {
	introducer, ok := m.rt.Closest(info.ID, self.ID)
	if !ok {
		return ErrNoIntroducer
	}
	msg := rpc.Connect(self, info.ID, client)
	msg.LastId = self.ID.Bytes()
	return m.Send(introducer.ID, msg, nil)
}

// Send delivers msg to the peer with the given logical identifier, looking
// up the live connection in the routing table and then the client table.
// sent, when non-nil, is invoked with the transport's delivery outcome.
func (m *Manager) Send(id nodeid.ID, msg *pb.Message, sent func(error)) error {
	info, ok := m.rt.Get(id)
	if !ok {
		info, ok = m.ct.Get(id)
	}
	if !ok {
		return ErrNotConnected
	}
	return m.SendOnConnection(info.ConnectionID, msg, sent)
}

// SendOnConnection marshals and hands msg to an already-established
// connection. Used during bootstrap, before the far side has a table entry.
func (m *Manager) SendOnConnection(conn nodeid.ID, msg *pb.Message, sent func(error)) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", msg.Type, err)
	}
	stats.Record(context.Background(),
		metrics.SentMessages.M(1),
		metrics.SentBytes.M(int64(len(data))))
	m.transport.Send(conn, data, func(err error) {
		if err != nil {
			stats.Record(context.Background(), metrics.SentMessageErrors.M(1))
			logger.Debugw("send failed", "type", msg.Type.String(), "error", err)
		}
		if sent != nil {
			sent(err)
		}
	})
	return nil
}

// SendToClosestNode forwards msg one hop toward its destination: to the
// destination itself when directly connected, otherwise to the closest known
// peer excluding the immediate sender. This is the router's forwarding
// primitive.
func (m *Manager) SendToClosestNode(msg *pb.Message) error {
	dest, err := nodeid.FromBytes(msg.Destination)
	if err != nil {
		return fmt.Errorf("forwarding: %w", err)
	}

	next, ok := m.nextHop(dest, msg)
	if !ok {
		return ErrNoRoute
	}
	msg.LastId = m.rt.Self().Bytes()
	return m.SendOnConnection(next.ConnectionID, msg, nil)
}

func (m *Manager) nextHop(dest nodeid.ID, msg *pb.Message) (table.NodeInfo, bool) {
	if info, ok := m.rt.Get(dest); ok {
		return info, true
	}
	if info, ok := m.ct.Get(dest); ok {
		return info, true
	}

	exclude := []nodeid.ID{m.rt.Self()}
	if last, err := nodeid.FromBytes(msg.LastId); err == nil {
		exclude = append(exclude, last)
	}
	if src, err := nodeid.FromBytes(msg.Source); err == nil {
		exclude = append(exclude, src)
	}
	return m.rt.Closest(dest, exclude...)
}
