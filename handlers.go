package routing

import (
	"sync"

	"github.com/gogo/protobuf/proto"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/joydit/MaidSafe-Routing/metrics"
	"github.com/joydit/MaidSafe-Routing/nodeid"
	pb "github.com/joydit/MaidSafe-Routing/pb"
	"github.com/joydit/MaidSafe-Routing/table"
)

// onReceive is the transport inbound callback. It runs on the transport's
// receive goroutine with no node locks held, so handlers may call back into
// the tables and functors freely.
func (n *Node) onReceive(conn nodeid.ID, data []byte) {
	var msg pb.Message
	if err := proto.Unmarshal(data, &msg); err != nil {
		stats.Record(n.ctx, metrics.ReceivedMessageErrors.M(1))
		logger.Debugw("dropping undecodable message", "connection", conn.ShortString(), "error", err)
		return
	}
	ctx, _ := tag.New(n.ctx, tag.Upsert(metrics.KeyMessageType, msg.Type.String()))
	stats.Record(ctx,
		metrics.ReceivedMessages.M(1),
		metrics.ReceivedBytes.M(int64(len(data))))

	n.handleMessage(conn, &msg)
}

func (n *Node) handleMessage(conn nodeid.ID, msg *pb.Message) {
	switch msg.Type {
	case pb.Message_PING:
		n.handlePing(conn, msg)
	case pb.Message_FIND_NODES:
		n.handleFindNodes(conn, msg)
	case pb.Message_CONNECT:
		n.handleConnect(conn, msg)
	case pb.Message_RESPONSE:
		n.handleResponse(conn, msg)
	case pb.Message_DATA:
		n.handleData(conn, msg)
	default:
		logger.Debugw("dropping message of unknown type", "type", int32(msg.Type))
	}
}

// handlePing answers liveness checks over the connection they arrived on.
// Pings are point-to-point and never forwarded.
func (n *Node) handlePing(conn nodeid.ID, msg *pb.Message) {
	resp := n.responseTo(msg, CodeSuccess)
	if err := n.net.SendOnConnection(conn, resp, nil); err != nil {
		logger.Debugw("ping response failed", "error", err)
	}
}

// handleFindNodes answers with the peers closest to the requested target,
// ourselves included so that joining nodes can keep the responder. Like
// pings, these are answered by whichever node receives them.
func (n *Node) handleFindNodes(conn nodeid.ID, msg *pb.Message) {
	target, err := nodeid.FromBytes(msg.Payload)
	if err != nil {
		logger.Debugw("dropping find nodes with bad target", "error", err)
		return
	}
	count := int(msg.Count)
	if count <= 0 {
		count = n.cfg.closestGroupSize
	}

	closest := n.rt.ClosestTo(target, count)
	closest = append(closest, n.self)

	resp := n.responseTo(msg, CodeSuccess)
	resp.ClosestPeers = pb.NodeInfosToPeers(closest)
	if err := n.net.SendOnConnection(conn, resp, nil); err != nil {
		logger.Debugw("find nodes response failed", "error", err)
	}
}

// handleConnect accepts a connection request addressed to us, or relays one
// toward its destination (the rendezvous path for peers that cannot be
// dialed directly).
func (n *Node) handleConnect(conn nodeid.ID, msg *pb.Message) {
	dest, err := nodeid.FromBytes(msg.Destination)
	if err != nil {
		logger.Debugw("dropping connect with bad destination", "error", err)
		return
	}
	if !dest.Equal(n.self.ID) {
		n.forward(conn, msg)
		return
	}

	src, err := nodeid.FromBytes(msg.Source)
	if err != nil || src.IsZero() {
		logger.Debugw("dropping connect with bad source", "error", err)
		return
	}

	info := table.NodeInfo{
		ID:       src,
		Endpoint: table.Endpoint(msg.ContactEndpoint),
		Nat:      table.NatType(msg.NatType),
	}

	// A relayed request arrives on an introducer's connection; the
	// requester then expects us to dial back. A direct request arrives on
	// the requester's own fresh connection.
	dialed := false
	if peer, ok := n.rt.GetByConnection(conn); ok && !peer.ID.Equal(src) {
		c, err := n.net.Transport().Connect(info.Endpoint)
		if err != nil {
			logger.Debugw("rendezvous dial-back failed",
				"peer", src.ShortString(), "endpoint", info.Endpoint, "error", err)
			n.sendResponse(n.responseTo(msg, CodeUnreachable))
			return
		}
		info.ConnectionID = c
		dialed = true
	} else {
		info.ConnectionID = conn
	}

	isClient := msg.Client
	n.requestPublicKey(src, func(key []byte) {
		code := CodeSuccess
		if key == nil {
			logger.Debugw("rejecting connect from unverifiable peer", "peer", src.ShortString())
			code = CodeGeneralError
		} else {
			info.PublicKey = key
			info.IdentityConfirmed = true
			// An identifier lives in at most one table. A peer
			// reconnecting in the other mode migrates; its stale
			// entry goes first.
			if isClient {
				n.rt.DropNode(src, false)
				if !n.ct.Add(info) {
					code = CodeGeneralError
				}
			} else {
				n.ct.Drop(src, false)
				if result, _ := n.rt.Add(info); result == table.Rejected {
					code = CodeGeneralError
				}
			}
		}

		resp := n.responseTo(msg, code)
		resp.ContactEndpoint = string(n.net.Transport().LocalEndpoint())
		resp.NatType = int32(n.net.Transport().NatType())
		if err := n.net.SendOnConnection(info.ConnectionID, resp, nil); err != nil {
			logger.Debugw("connect response failed", "peer", src.ShortString(), "error", err)
		}
		if code != CodeSuccess && dialed {
			n.net.Transport().CloseConnection(info.ConnectionID)
		}
	})
}

// handleResponse resolves a response addressed to us against the pending
// tracker, or forwards it onward. Responses that match no pending entry were
// either answered already or expired; they are dropped.
func (n *Node) handleResponse(conn nodeid.ID, msg *pb.Message) {
	if msg.Cacheable && len(msg.Fingerprint) > 0 && Code(msg.Code) == CodeSuccess {
		n.respCache.Put(msg.Fingerprint, msg.Payload)
	}

	dest, err := nodeid.FromBytes(msg.Destination)
	if err != nil {
		logger.Debugw("dropping response with bad destination", "error", err)
		return
	}
	if !dest.Equal(n.self.ID) {
		n.forward(conn, msg)
		return
	}
	if !n.pending.resolve(msg.CorrelationId, Code(msg.Code), msg) {
		logger.Debugw("dropping uncorrelated response", "correlation", msg.CorrelationId)
	}
}

// handleData delivers application messages addressed to us, replicates group
// traffic when we sit in the destination's close group, and forwards the
// rest.
func (n *Node) handleData(conn nodeid.ID, msg *pb.Message) {
	dest, err := nodeid.FromBytes(msg.Destination)
	if err != nil {
		logger.Debugw("dropping data with bad destination", "error", err)
		return
	}
	if dest.Equal(n.self.ID) {
		n.deliverData(msg)
		return
	}

	if !msg.Direct && n.rt.AmInGroupRange(dest, n.cfg.groupSize) {
		n.replicateToGroup(dest, msg)
		return
	}

	if msg.Direct && n.rt.AmClosest(dest) {
		// Closest to a destination we do not hold: reachable only if the
		// destination is one of our relay clients.
		if n.ct.Contains(dest) {
			if err := n.net.Send(dest, msg, nil); err == nil {
				return
			}
		}
		n.sendResponse(n.responseTo(msg, CodeUnreachable))
		return
	}

	n.forward(conn, msg)
}

// deliverData validates any group claim and hands the payload to the
// application.
func (n *Node) deliverData(msg *pb.Message) {
	src, err := nodeid.FromBytes(msg.Source)
	if err != nil {
		logger.Debugw("dropping data with bad source", "error", err)
		return
	}
	if len(msg.GroupClaim) > 0 {
		claim, err := nodeid.FromBytes(msg.GroupClaim)
		if err != nil || !n.groupClaimValid(src, claim) {
			logger.Debugw("dropping data with invalid group claim", "source", src.ShortString())
			return
		}
	}

	functors := n.functorsSnapshot()
	if functors.MessageReceived == nil {
		n.sendResponse(n.responseTo(msg, CodeSuccess))
		return
	}

	var replyOnce sync.Once
	reply := func(payload []byte) {
		replyOnce.Do(func() {
			resp := n.responseTo(msg, CodeSuccess)
			resp.Payload = payload
			n.sendResponse(resp)
		})
	}
	functors.MessageReceived(msg.Payload, src, reply)
}

// groupClaimValid checks a sender's claimed group membership against our own
// view: the sender must be at least as close to the claimed target as the
// farthest member of our close group for it. A view smaller than a full
// group cannot refute the claim and accepts it.
func (n *Node) groupClaimValid(src, claim nodeid.ID) bool {
	group := n.rt.ClosestTo(claim, n.cfg.groupSize)
	if len(group) < n.cfg.groupSize {
		return true
	}
	farthest := group[len(group)-1].ID
	if src.Equal(farthest) {
		return true
	}
	return nodeid.CloserToTarget(src, farthest, claim)
}

// replicateToGroup fans a group message out to every member of the
// destination's close group, readdressed per member so replicas deliver
// point-to-point and do not fan out again. Our own copy is delivered
// locally.
func (n *Node) replicateToGroup(dest nodeid.ID, msg *pb.Message) {
	members := n.rt.ClosestTo(dest, n.cfg.groupSize)
	for _, member := range members {
		replica := proto.Clone(msg).(*pb.Message)
		replica.Destination = member.ID.Bytes()
		replica.Direct = true
		replica.LastId = n.self.ID.Bytes()
		if err := n.net.Send(member.ID, replica, nil); err != nil {
			logger.Debugw("group replica send failed",
				"member", member.ID.ShortString(), "error", err)
		}
	}

	local := proto.Clone(msg).(*pb.Message)
	local.Destination = n.self.ID.Bytes()
	n.deliverData(local)
}

// forward moves a message one hop closer to its destination, spending hop
// budget and consulting the response cache for cacheable requests.
func (n *Node) forward(conn nodeid.ID, msg *pb.Message) {
	if msg.Hops <= 0 {
		logger.Debugw("dropping message with exhausted hop budget",
			"type", msg.Type.String(), "correlation", msg.CorrelationId)
		if msg.IsRequest() {
			n.sendResponse(n.responseTo(msg, CodeUnreachable))
		}
		return
	}
	msg.Hops--

	if msg.Type == pb.Message_DATA && msg.Cacheable && len(msg.Fingerprint) > 0 {
		if body, ok := n.respCache.Get(msg.Fingerprint); ok {
			resp := n.responseTo(msg, CodeSuccess)
			resp.Payload = body
			n.sendResponse(resp)
			return
		}
	}

	if err := n.net.SendToClosestNode(msg); err != nil {
		logger.Debugw("no forward route",
			"type", msg.Type.String(), "error", err)
		if msg.IsRequest() {
			n.sendResponse(n.responseTo(msg, CodeUnreachable))
		}
	}
}

// responseTo builds the response envelope for a request, preserving its
// correlation and cache identity.
func (n *Node) responseTo(req *pb.Message, code Code) *pb.Message {
	resp := pb.NewMessage(pb.Message_RESPONSE, n.self.ID.Bytes(), req.Source)
	resp.CorrelationId = req.CorrelationId
	resp.Code = int32(code)
	resp.Hops = int32(n.cfg.hopCount)
	resp.Cacheable = req.Cacheable
	resp.Fingerprint = req.Fingerprint
	return resp
}

// sendResponse routes a response back to its requester: over a held
// connection when we have one, otherwise hop-by-hop. Responders also seed
// their own cache for cacheable exchanges.
func (n *Node) sendResponse(resp *pb.Message) {
	if resp.Cacheable && len(resp.Fingerprint) > 0 && Code(resp.Code) == CodeSuccess {
		n.respCache.Put(resp.Fingerprint, resp.Payload)
	}

	dest, err := nodeid.FromBytes(resp.Destination)
	if err != nil {
		logger.Debugw("dropping response with bad destination", "error", err)
		return
	}
	if dest.Equal(n.self.ID) {
		n.pending.resolve(resp.CorrelationId, Code(resp.Code), resp)
		return
	}
	if n.rt.Contains(dest) || n.ct.Contains(dest) {
		if err := n.net.Send(dest, resp, nil); err == nil {
			return
		}
	}
	if err := n.net.SendToClosestNode(resp); err != nil {
		logger.Debugw("response undeliverable", "destination", dest.ShortString(), "error", err)
	}
}
