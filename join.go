package routing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jbenet/goprocess"
	goprocessctx "github.com/jbenet/goprocess/context"
	"go.opencensus.io/stats"

	"github.com/joydit/MaidSafe-Routing/metrics"
	"github.com/joydit/MaidSafe-Routing/nodeid"
	pb "github.com/joydit/MaidSafe-Routing/pb"
	"github.com/joydit/MaidSafe-Routing/rpc"
	"github.com/joydit/MaidSafe-Routing/table"
)

// ZeroStateJoin seeds a brand-new two-node network: connect directly to the
// other founding peer's endpoint and insert it unconditionally. No discovery
// round takes place. Fails only if the direct connection cannot be
// established.
func (n *Node) ZeroStateJoin(functors Functors, peerEndpoint table.Endpoint, peerInfo table.NodeInfo) Code {
	n.setFunctors(functors)
	n.setState(StateBootstrapping)

	conn, err := n.net.Transport().Connect(peerEndpoint)
	if err != nil {
		logger.Warnw("zero-state join failed", "endpoint", peerEndpoint, "error", err)
		n.signalJoin(CodeGeneralError, StateFailed)
		return CodeGeneralError
	}
	peerInfo.ConnectionID = conn
	peerInfo.Endpoint = peerEndpoint
	peerInfo.IdentityConfirmed = true
	n.rt.Add(peerInfo)

	n.signalJoin(CodeSuccess, StateJoined)
	logger.Infow("zero-state join complete", "peer", peerInfo.ID.ShortString())
	return CodeSuccess
}

// Join starts the steady-state join against the given bootstrap endpoints
// (falling back to the stored endpoint list when none are supplied) and
// returns immediately. Progress is reported through NetworkStatus; the
// outcome can be awaited with WaitJoined.
func (n *Node) Join(functors Functors, endpoints []table.Endpoint) {
	n.setFunctors(functors)
	if len(endpoints) == 0 {
		stored, err := n.bootStore.Load(n.ctx)
		if err != nil {
			logger.Warnw("failed to load stored bootstrap endpoints", "error", err)
		}
		endpoints = stored
	}
	n.proc.Go(func(proc goprocess.Process) {
		n.runJoin(proc, endpoints)
	})
}

// runJoin tries each bootstrap candidate in turn. Individual connection
// failures are non-fatal; exhausting every candidate fails the join.
func (n *Node) runJoin(proc goprocess.Process, endpoints []table.Endpoint) {
	ctx := goprocessctx.OnClosingContext(proc)
	n.setState(StateBootstrapping)
	started := time.Now()

	var errs *multierror.Error
	for _, ep := range endpoints {
		if ctx.Err() != nil {
			break
		}
		conn, err := n.net.Transport().Connect(ep)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bootstrap %s: %w", ep, err))
			continue
		}
		if n.populateFrom(ctx, conn) {
			if err := n.bootStore.Append(n.ctx, ep); err != nil {
				logger.Debugw("failed to record bootstrap endpoint", "error", err)
			}
			n.net.Transport().CloseConnection(conn)
			n.completeJoin(started)
			return
		}
		n.net.Transport().CloseConnection(conn)
		errs = multierror.Append(errs, fmt.Errorf("bootstrap %s: no peers joined", ep))
	}

	logger.Warnw("join failed", "candidates", len(endpoints), "error", errs.ErrorOrNil())
	n.emit(event{kind: evJoinStatus, status: int(CodeGeneralError)})
	n.signalJoin(CodeGeneralError, StateFailed)
}

// populateFrom runs the iterative discovery against one bootstrap
// connection: ask for the peers closest to us, connect to each, ask them in
// turn, until the table holds min(known network size, closest group size)
// entries or no closer peer turns up in a full round.
func (n *Node) populateFrom(ctx context.Context, conn nodeid.ID) bool {
	n.setState(StatePopulatingTable)

	resp, err := n.requestOnConnection(ctx, conn,
		rpc.FindNodes(n.self.ID, nodeid.ID{}, n.self.ID, n.cfg.closestGroupSize))
	if err != nil {
		logger.Debugw("bootstrap find nodes failed", "error", err)
		return false
	}

	seen := make(map[nodeid.ID]struct{})
	contacted := make(map[nodeid.ID]struct{})
	var candidates []table.NodeInfo
	addCandidates := func(infos []table.NodeInfo) {
		for _, info := range infos {
			if info.ID == n.self.ID {
				continue
			}
			if _, ok := seen[info.ID]; ok {
				continue
			}
			seen[info.ID] = struct{}{}
			candidates = append(candidates, info)
		}
	}
	addCandidates(pb.PeersToNodeInfos(resp.ClosestPeers))

	// Clients keep a smaller set of relay peers than a vault keeps routes.
	want := n.cfg.closestGroupSize
	if n.cfg.client {
		want = n.cfg.clientGroupSize
	}

	for ctx.Err() == nil {
		if target := minInt(len(seen), want); n.rt.Size() >= target && n.rt.Size() > 0 {
			break
		}

		next, ok := nextCandidate(candidates, contacted, n.self.ID)
		if !ok {
			break
		}
		contacted[next.ID] = struct{}{}

		info := next
		if err := n.connectToPeer(ctx, &info); err != nil {
			logger.Debugw("failed to connect to discovered peer",
				"peer", info.ID.ShortString(), "error", err)
			continue
		}

		more, err := n.requestPeer(ctx, info.ID,
			rpc.FindNodes(n.self.ID, info.ID, n.self.ID, n.cfg.closestGroupSize))
		if err != nil {
			logger.Debugw("find nodes failed", "peer", info.ID.ShortString(), "error", err)
			continue
		}
		addCandidates(pb.PeersToNodeInfos(more.ClosestPeers))
	}

	return n.rt.Size() > 0
}

// connectToPeer validates the peer's identity, establishes a connection per
// its NAT strategy and completes the Connect handshake, inserting the peer
// on success.
func (n *Node) connectToPeer(ctx context.Context, info *table.NodeInfo) error {
	if n.rt.Contains(info.ID) {
		return nil
	}

	key, err := n.lookupPublicKey(ctx, info.ID)
	if err != nil {
		return fmt.Errorf("validating %s: %w", info.ID.ShortString(), err)
	}

	if err := n.net.Connect(ctx, n.self, info, n.cfg.client); err != nil {
		return err
	}

	resp, err := n.requestOnConnection(ctx, info.ConnectionID, rpc.Connect(n.self, info.ID, n.cfg.client))
	if err != nil {
		n.net.Transport().CloseConnection(info.ConnectionID)
		return fmt.Errorf("connect handshake with %s: %w", info.ID.ShortString(), err)
	}
	if Code(resp.Code) != CodeSuccess {
		n.net.Transport().CloseConnection(info.ConnectionID)
		return fmt.Errorf("connect handshake with %s refused: %s", info.ID.ShortString(), Code(resp.Code))
	}

	info.PublicKey = key
	info.IdentityConfirmed = true
	if result, _ := n.rt.Add(*info); result == table.Rejected {
		n.net.Transport().CloseConnection(info.ConnectionID)
		return fmt.Errorf("peer %s not closer than existing entries", info.ID.ShortString())
	}
	return nil
}

func (n *Node) completeJoin(started time.Time) {
	stats.Record(context.Background(),
		metrics.JoinLatency.M(float64(time.Since(started))/float64(time.Millisecond)))
	n.signalJoin(CodeSuccess, StateJoined)
	logger.Infow("joined", "id", n.self.ID.ShortString(), "close peers", n.rt.Size())

	if n.anonymous {
		// Anonymous sessions are ephemeral: the network ends them after
		// their TTL, surfaced as a distinguished terminal status.
		n.cfg.clk.AfterFunc(n.cfg.anonymousSessionTTL, func() {
			n.setState(StateSessionEnded)
			n.emit(event{kind: evJoinStatus, status: int(CodeAnonymousSessionEnded)})
		})
	}
}

// lookupPublicKey resolves RequestPublicKey into a synchronous call bounded
// by the RPC timeout.
func (n *Node) lookupPublicKey(ctx context.Context, id nodeid.ID) ([]byte, error) {
	ch := make(chan []byte, 1)
	n.requestPublicKey(id, func(key []byte) {
		ch <- key
	})
	timer := n.cfg.clk.Timer(n.cfg.rpcTimeout)
	defer timer.Stop()
	select {
	case key := <-ch:
		if key == nil {
			return nil, fmt.Errorf("public key for %s not found", id.ShortString())
		}
		return key, nil
	case <-timer.C:
		return nil, fmt.Errorf("public key lookup for %s timed out", id.ShortString())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// requestOnConnection sends a correlated request over an established
// connection and waits for its reply.
func (n *Node) requestOnConnection(ctx context.Context, conn nodeid.ID, msg *pb.Message) (*pb.Message, error) {
	return n.await(ctx, msg, func() error {
		return n.net.SendOnConnection(conn, msg, nil)
	})
}

// requestPeer sends a correlated request to a peer resolved through the
// tables and waits for its reply.
func (n *Node) requestPeer(ctx context.Context, id nodeid.ID, msg *pb.Message) (*pb.Message, error) {
	return n.await(ctx, msg, func() error {
		return n.net.Send(id, msg, nil)
	})
}

type rpcResult struct {
	code Code
	msg  *pb.Message
}

func (n *Node) await(ctx context.Context, msg *pb.Message, send func() error) (*pb.Message, error) {
	ch := make(chan rpcResult, 1)
	n.pending.add(msg.CorrelationId, n.cfg.rpcTimeout, func(code Code, m *pb.Message) {
		ch <- rpcResult{code: code, msg: m}
	})
	if err := send(); err != nil {
		n.pending.resolve(msg.CorrelationId, CodeUnreachable, nil)
		<-ch
		return nil, err
	}
	select {
	case res := <-ch:
		if res.code != CodeSuccess {
			return nil, fmt.Errorf("%s request: %s", msg.Type, res.code)
		}
		return res.msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func nextCandidate(candidates []table.NodeInfo, contacted map[nodeid.ID]struct{}, self nodeid.ID) (table.NodeInfo, bool) {
	remaining := make([]table.NodeInfo, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := contacted[c.ID]; !ok {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		return table.NodeInfo{}, false
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return nodeid.CloserToTarget(remaining[i].ID, remaining[j].ID, self)
	})
	return remaining[0], true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
