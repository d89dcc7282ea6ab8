package routing

import (
	"time"

	"github.com/google/uuid"

	"github.com/joydit/MaidSafe-Routing/cache"
	"github.com/joydit/MaidSafe-Routing/nodeid"
	pb "github.com/joydit/MaidSafe-Routing/pb"
)

// Send routes payload toward destination and returns immediately. When fn is
// non-nil it fires exactly once, with either the correlated response or a
// failure code, on an arbitrary goroutine; late responses after the timeout
// are discarded. A zero groupClaim sends plain point-to-point; a non-zero
// claim asserts membership of the group around that id and is validated by
// receivers. Direct mode requires an exact-destination delivery; group mode
// replicates across the destination's close group. Cacheable marks the
// exchange for fingerprint-keyed response caching along the path.
func (n *Node) Send(destination, groupClaim nodeid.ID, payload []byte, fn ResponseFunc,
	timeout time.Duration, direct, cacheable bool) {

	fail := func(code Code) {
		if fn != nil {
			go fn(code, nil)
		}
	}

	if destination.IsZero() {
		fail(CodeInvalidDestination)
		return
	}
	switch n.State() {
	case StateJoined:
	case StateSessionEnded:
		fail(CodeAnonymousSessionEnded)
		return
	default:
		fail(CodeNotJoined)
		return
	}
	if timeout <= 0 {
		timeout = n.cfg.rpcTimeout
	}

	msg := pb.NewMessage(pb.Message_DATA, n.self.ID.Bytes(), destination.Bytes())
	msg.CorrelationId = uuid.NewString()
	msg.Hops = int32(n.cfg.hopCount)
	msg.Direct = direct
	msg.Client = n.cfg.client
	msg.Payload = payload
	if !groupClaim.IsZero() {
		msg.GroupClaim = groupClaim.Bytes()
	}
	if cacheable {
		msg.Cacheable = true
		msg.Fingerprint = cache.Fingerprint(msg.Destination, payload)
	}

	if fn != nil {
		n.pending.add(msg.CorrelationId, timeout, func(code Code, resp *pb.Message) {
			var body []byte
			if resp != nil {
				body = resp.Payload
			}
			fn(code, body)
		})
	}

	if destination.Equal(n.self.ID) {
		// Loopback delivery skips the wire entirely.
		go n.deliverData(msg)
		return
	}

	if cacheable {
		if body, ok := n.respCache.Get(msg.Fingerprint); ok {
			n.pending.resolve(msg.CorrelationId, CodeSuccess, cachedResponse(msg, body))
			return
		}
	}

	if err := n.transmit(msg); err != nil {
		logger.Debugw("send failed", "destination", destination.ShortString(), "error", err)
		if !n.pending.resolve(msg.CorrelationId, CodeUnreachable, nil) {
			fail(CodeUnreachable)
		}
	}
}

// transmit picks the first hop for an originated message: the destination's
// own connection when we hold one, otherwise the closest known peer.
func (n *Node) transmit(msg *pb.Message) error {
	dest, err := nodeid.FromBytes(msg.Destination)
	if err != nil {
		return err
	}
	if n.rt.Contains(dest) || n.ct.Contains(dest) {
		return n.net.Send(dest, msg, nil)
	}
	return n.net.SendToClosestNode(msg)
}

// cachedResponse synthesizes the response envelope a cache hit stands in for.
func cachedResponse(req *pb.Message, body []byte) *pb.Message {
	resp := pb.NewMessage(pb.Message_RESPONSE, req.Destination, req.Source)
	resp.CorrelationId = req.CorrelationId
	resp.Code = int32(CodeSuccess)
	resp.Cacheable = true
	resp.Fingerprint = req.Fingerprint
	resp.Payload = body
	return resp
}
