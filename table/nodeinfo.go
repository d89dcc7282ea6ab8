package table

import (
	"github.com/joydit/MaidSafe-Routing/nodeid"
)

// Endpoint is a network-address:port pair as handed to the transport.
type Endpoint string

// NatType classifies the reachability of a peer. Unknown is treated the same
// as Symmetric: assume the most conservative connection strategy.
type NatType int32

const (
	NatUnknown NatType = iota
	NatSymmetric
	NatDirect
)

func (n NatType) String() string {
	switch n {
	case NatSymmetric:
		return "symmetric"
	case NatDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// NodeInfo is the record kept for every known peer. It is the sole unit
// stored in the routing table, the client table and the random node helper.
type NodeInfo struct {
	ID nodeid.ID

	// ConnectionID addresses the live transport connection and is distinct
	// from the logical identifier.
	ConnectionID nodeid.ID

	PublicKey []byte
	Endpoint  Endpoint
	Nat       NatType

	// IdentityConfirmed is set once the peer's claimed identifier has been
	// checked against its public key. Entries without it may be dropped by
	// connection id alone.
	IdentityConfirmed bool
}
