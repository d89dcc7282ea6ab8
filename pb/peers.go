package pb

import (
	logging "github.com/ipfs/go-log"

	"github.com/joydit/MaidSafe-Routing/nodeid"
	"github.com/joydit/MaidSafe-Routing/table"
)

var log = logging.Logger("routing/pb")

// NodeInfosToPeers converts table records into their wire counterparts,
// ready to go out in a FindNodes response.
func NodeInfosToPeers(infos []table.NodeInfo) []*Message_Peer {
	peers := make([]*Message_Peer, 0, len(infos))
	for _, info := range infos {
		peers = append(peers, &Message_Peer{
			Id:       info.ID.Bytes(),
			Endpoint: string(info.Endpoint),
			NatType:  int32(info.Nat),
		})
	}
	return peers
}

// PeersToNodeInfos turns wire peers back into table records, dropping any
// with a malformed identifier.
func PeersToNodeInfos(peers []*Message_Peer) []table.NodeInfo {
	infos := make([]table.NodeInfo, 0, len(peers))
	for _, p := range peers {
		if p == nil {
			continue
		}
		id, err := nodeid.FromBytes(p.Id)
		if err != nil {
			log.Debugw("discarding peer with malformed identifier", "error", err)
			continue
		}
		infos = append(infos, table.NodeInfo{
			ID:       id,
			Endpoint: table.Endpoint(p.Endpoint),
			Nat:      table.NatType(p.NatType),
		})
	}
	return infos
}
