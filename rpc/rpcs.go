// Package rpc builds the three overlay control messages. Correlation ids are
// stamped here; tracking them, and timing them out, is the router's job.
package rpc

import (
	"github.com/google/uuid"

	"github.com/joydit/MaidSafe-Routing/nodeid"
	pb "github.com/joydit/MaidSafe-Routing/pb"
	"github.com/joydit/MaidSafe-Routing/table"
)

// DefaultHopCount bounds forwarding for control messages.
const DefaultHopCount = 20

// Ping builds a liveness round-trip check addressed to the given peer.
func Ping(from, to nodeid.ID) *pb.Message {
	m := pb.NewMessage(pb.Message_PING, from.Bytes(), to.Bytes())
	m.CorrelationId = uuid.NewString()
	m.Hops = DefaultHopCount
	m.Direct = true
	return m
}

// Connect asks the destination to establish a connection back to the sender,
// for the cases where NAT traversal requires the far side to initiate.
func Connect(from table.NodeInfo, to nodeid.ID, client bool) *pb.Message {
	m := pb.NewMessage(pb.Message_CONNECT, from.ID.Bytes(), to.Bytes())
	m.CorrelationId = uuid.NewString()
	m.Hops = DefaultHopCount
	m.Direct = true
	m.ContactEndpoint = string(from.Endpoint)
	m.NatType = int32(from.Nat)
	m.Client = client
	return m
}

// FindNodes asks the destination for the count peers it knows closest to
// target.
func FindNodes(from, to, target nodeid.ID, count int) *pb.Message {
	m := pb.NewMessage(pb.Message_FIND_NODES, from.Bytes(), to.Bytes())
	m.CorrelationId = uuid.NewString()
	m.Hops = DefaultHopCount
	m.Direct = true
	m.Payload = target.Bytes()
	m.Count = int32(count)
	return m
}
