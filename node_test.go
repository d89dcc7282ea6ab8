package routing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joydit/MaidSafe-Routing/internal/mocknet"
	"github.com/joydit/MaidSafe-Routing/nodeid"
	"github.com/joydit/MaidSafe-Routing/table"
)

// keyDirectory stands in for the key infrastructure the embedding
// application provides through RequestPublicKey.
type keyDirectory struct {
	mu   sync.Mutex
	keys map[nodeid.ID][]byte
}

func newKeyDirectory() *keyDirectory {
	return &keyDirectory{keys: make(map[nodeid.ID][]byte)}
}

func (d *keyDirectory) add(id nodeid.ID, key []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[id] = key
}

func (d *keyDirectory) functors() Functors {
	return Functors{
		RequestPublicKey: func(id nodeid.ID, give GivePublicKeyFunc) {
			d.mu.Lock()
			key := d.keys[id]
			d.mu.Unlock()
			give(key)
		},
	}
}

func newTestNode(t *testing.T, fab *mocknet.Network, dir *keyDirectory, endpoint string, options ...Option) *Node {
	t.Helper()
	tr := fab.NewTransport(table.Endpoint(endpoint), table.NatDirect)
	ident := Identity{ID: nodeid.NewRandom(), PublicKey: []byte("pk-" + endpoint)}
	n, err := New(context.Background(), tr, ident, options...)
	require.NoError(t, err)
	dir.add(n.ID(), ident.PublicKey)
	t.Cleanup(func() { n.Close() })
	return n
}

// buildNetwork spins up a network of size nodes: two founded by zero-state
// join, the rest joining through the first.
func buildNetwork(t *testing.T, size int) ([]*Node, *keyDirectory) {
	t.Helper()
	require.GreaterOrEqual(t, size, 2)
	fab := mocknet.New()
	dir := newKeyDirectory()

	a := newTestNode(t, fab, dir, "ep-0")
	b := newTestNode(t, fab, dir, "ep-1")
	require.Equal(t, CodeSuccess, a.ZeroStateJoin(dir.functors(), "ep-1", b.Info()))
	require.Equal(t, CodeSuccess, b.ZeroStateJoin(dir.functors(), "ep-0", a.Info()))

	nodes := []*Node{a, b}
	for i := 2; i < size; i++ {
		n := newTestNode(t, fab, dir, fmt.Sprintf("ep-%d", i))
		n.Join(dir.functors(), []table.Endpoint{"ep-0"})
		require.Equal(t, CodeSuccess, n.WaitJoined(10*time.Second), "node %d failed to join", i)
		nodes = append(nodes, n)
	}
	return nodes, dir
}

func TestZeroStateJoin(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()
	a := newTestNode(t, fab, dir, "ep-a")
	b := newTestNode(t, fab, dir, "ep-b")

	require.Equal(t, CodeSuccess, a.ZeroStateJoin(dir.functors(), "ep-b", b.Info()))
	require.Equal(t, CodeSuccess, b.ZeroStateJoin(dir.functors(), "ep-a", a.Info()))

	require.Equal(t, StateJoined, a.State())
	require.Equal(t, StateJoined, b.State())
	require.True(t, a.HasPeer(b.ID()))
	require.True(t, b.HasPeer(a.ID()))
	require.Len(t, a.CloseNodes(), 1)
	require.Len(t, b.CloseNodes(), 1)
}

func TestZeroStateJoinBadEndpoint(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()
	a := newTestNode(t, fab, dir, "ep-a")

	code := a.ZeroStateJoin(dir.functors(), "nowhere", table.NodeInfo{ID: nodeid.NewRandom()})
	require.Equal(t, CodeGeneralError, code)
	require.Equal(t, StateFailed, a.State())
}

func TestJoinGrowsAllTables(t *testing.T) {
	nodes, _ := buildNetwork(t, 10)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if len(n.CloseNodes()) < len(nodes)-1 {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond, "tables did not converge")

	for _, n := range nodes {
		require.Equal(t, StateJoined, n.State())
	}
}

func TestClientJoinStopsAtClientTarget(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()

	a := newTestNode(t, fab, dir, "ep-0")
	b := newTestNode(t, fab, dir, "ep-1")
	require.Equal(t, CodeSuccess, a.ZeroStateJoin(dir.functors(), "ep-1", b.Info()))
	require.Equal(t, CodeSuccess, b.ZeroStateJoin(dir.functors(), "ep-0", a.Info()))
	for i := 2; i < 6; i++ {
		n := newTestNode(t, fab, dir, fmt.Sprintf("ep-%d", i))
		n.Join(dir.functors(), []table.Endpoint{"ep-0"})
		require.Equal(t, CodeSuccess, n.WaitJoined(10*time.Second), "node %d failed to join", i)
	}

	c := newTestNode(t, fab, dir, "ep-client", Client(true), ClientGroupSize(2))
	c.Join(dir.functors(), []table.Endpoint{"ep-0"})
	require.Equal(t, CodeSuccess, c.WaitJoined(10*time.Second))

	// A client stops at its own target even with more peers on offer.
	require.Len(t, c.CloseNodes(), 2)
}

func TestJoinAllCandidatesUnreachable(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()
	n := newTestNode(t, fab, dir, "ep-a")

	n.Join(dir.functors(), []table.Endpoint{"gone-1", "gone-2"})
	require.Equal(t, CodeGeneralError, n.WaitJoined(10*time.Second))
	require.Equal(t, StateFailed, n.State())
}

func TestSendReceivesCorrelatedResponse(t *testing.T) {
	nodes, dir := buildNetwork(t, 6)
	src, dst := nodes[2], nodes[5]

	f := dir.functors()
	f.MessageReceived = func(payload []byte, sender nodeid.ID, reply ReplyFunc) {
		require.Equal(t, src.ID(), sender)
		reply(append([]byte("echo:"), payload...))
	}
	dst.setFunctors(f)

	type result struct {
		code    Code
		payload []byte
	}
	done := make(chan result, 1)
	src.Send(dst.ID(), nodeid.ID{}, []byte("ping"), func(code Code, payload []byte) {
		done <- result{code, payload}
	}, 10*time.Second, true, false)

	select {
	case res := <-done:
		require.Equal(t, CodeSuccess, res.code)
		require.Equal(t, []byte("echo:ping"), res.payload)
	case <-time.After(10 * time.Second):
		t.Fatal("no response")
	}
}

func TestSendToUnknownDestinationUnreachable(t *testing.T) {
	nodes, _ := buildNetwork(t, 4)

	done := make(chan Code, 1)
	nodes[0].Send(nodeid.NewRandom(), nodeid.ID{}, []byte("hello"), func(code Code, payload []byte) {
		done <- code
	}, 10*time.Second, true, false)

	select {
	case code := <-done:
		require.Equal(t, CodeUnreachable, code)
	case <-time.After(10 * time.Second):
		t.Fatal("send did not terminate")
	}
}

func TestSendInvalidDestination(t *testing.T) {
	nodes, _ := buildNetwork(t, 2)

	done := make(chan Code, 1)
	nodes[0].Send(nodeid.ID{}, nodeid.ID{}, nil, func(code Code, payload []byte) {
		done <- code
	}, time.Second, true, false)
	require.Equal(t, CodeInvalidDestination, <-done)
}

func TestSendBeforeJoinFails(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()
	n := newTestNode(t, fab, dir, "ep-a")

	done := make(chan Code, 1)
	n.Send(nodeid.NewRandom(), nodeid.ID{}, nil, func(code Code, payload []byte) {
		done <- code
	}, time.Second, true, false)
	require.Equal(t, CodeNotJoined, <-done)
}

func TestGroupSendReachesCloseGroup(t *testing.T) {
	nodes, dir := buildNetwork(t, 10)

	var delivered int64
	for _, n := range nodes {
		f := dir.functors()
		f.MessageReceived = func(payload []byte, sender nodeid.ID, reply ReplyFunc) {
			atomic.AddInt64(&delivered, 1)
			reply(nil)
		}
		n.setFunctors(f)
	}

	done := make(chan Code, 1)
	target := nodeid.NewRandom()
	nodes[0].Send(target, nodeid.ID{}, []byte("group"), func(code Code, payload []byte) {
		done <- code
	}, 10*time.Second, false, false)

	select {
	case code := <-done:
		require.Equal(t, CodeSuccess, code)
	case <-time.After(10 * time.Second):
		t.Fatal("no group response")
	}
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&delivered) >= int64(defaultGroupSize)
	}, 5*time.Second, 20*time.Millisecond, "group did not receive the message")
}

func TestCacheableSendAnsweredFromCache(t *testing.T) {
	nodes, dir := buildNetwork(t, 4)
	src, dst := nodes[0], nodes[3]

	var version int64 = 1
	f := dir.functors()
	f.MessageReceived = func(payload []byte, sender nodeid.ID, reply ReplyFunc) {
		reply([]byte(fmt.Sprintf("v%d", atomic.LoadInt64(&version))))
	}
	dst.setFunctors(f)

	ask := func() []byte {
		type result struct {
			code    Code
			payload []byte
		}
		done := make(chan result, 1)
		src.Send(dst.ID(), nodeid.ID{}, []byte("question"), func(code Code, payload []byte) {
			done <- result{code, payload}
		}, 10*time.Second, true, true)
		select {
		case res := <-done:
			require.Equal(t, CodeSuccess, res.code)
			return res.payload
		case <-time.After(10 * time.Second):
			t.Fatal("no response")
			return nil
		}
	}

	require.Equal(t, []byte("v1"), ask())
	atomic.StoreInt64(&version, 2)
	// The identical request is answered from the sender's cache without
	// touching the responder again.
	require.Equal(t, []byte("v1"), ask())
}

func TestAnonymousSessionEnds(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()

	a := newTestNode(t, fab, dir, "ep-0")
	b := newTestNode(t, fab, dir, "ep-1")
	require.Equal(t, CodeSuccess, a.ZeroStateJoin(dir.functors(), "ep-1", b.Info()))
	require.Equal(t, CodeSuccess, b.ZeroStateJoin(dir.functors(), "ep-0", a.Info()))

	tr := fab.NewTransport("ep-anon", table.NatDirect)
	anon, err := New(context.Background(), tr, Identity{}, AnonymousSessionTTL(100*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { anon.Close() })
	require.True(t, anon.Anonymous())
	dir.add(anon.ID(), []byte("pk-anon"))

	statuses := make(chan int, 16)
	f := dir.functors()
	f.NetworkStatus = func(status int) { statuses <- status }
	anon.Join(f, []table.Endpoint{"ep-0"})
	require.Equal(t, CodeSuccess, anon.WaitJoined(10*time.Second))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case status := <-statuses:
			if status == int(CodeAnonymousSessionEnded) {
				require.Equal(t, StateSessionEnded, anon.State())
				return
			}
		case <-deadline:
			t.Fatal("anonymous session never ended")
		}
	}
}

// idAtDistance derives an identifier whose XOR distance to self starts with
// the given byte.
func idAtDistance(self nodeid.ID, leading byte) nodeid.ID {
	id := self
	id[0] ^= leading
	return id
}

func TestPeerEvictionNotifiesCloseNodeReplaced(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()
	a := newTestNode(t, fab, dir, "ep-0", ClosestGroupSize(2))

	evicted := make(chan table.NodeInfo, 16)
	statuses := make(chan int, 16)
	f := dir.functors()
	f.CloseNodeReplaced = func(info table.NodeInfo) { evicted <- info }
	f.NetworkStatus = func(status int) { statuses <- status }
	a.setFunctors(f)

	far := idAtDistance(a.ID(), 0x80)
	a.rt.Add(table.NodeInfo{ID: far, IdentityConfirmed: true})
	a.rt.Add(table.NodeInfo{ID: idAtDistance(a.ID(), 0x40), IdentityConfirmed: true})
	a.rt.Add(table.NodeInfo{ID: idAtDistance(a.ID(), 0x01), IdentityConfirmed: true})

	select {
	case info := <-evicted:
		require.Equal(t, far, info.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no eviction observed")
	}
	require.Eventually(t, func() bool {
		select {
		case status := <-statuses:
			return status == 2
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "no status update after eviction")
}

func TestDisconnectionDropsPeer(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()
	a := newTestNode(t, fab, dir, "ep-a")
	b := newTestNode(t, fab, dir, "ep-b")
	require.Equal(t, CodeSuccess, a.ZeroStateJoin(dir.functors(), "ep-b", b.Info()))
	require.Equal(t, CodeSuccess, b.ZeroStateJoin(dir.functors(), "ep-a", a.Info()))

	// Severing the fabric link must surface as a disconnection and
	// destroy the table entry without any explicit drop.
	fab.Detach("ep-b")
	require.Eventually(t, func() bool {
		return !a.HasPeer(b.ID())
	}, 5*time.Second, 10*time.Millisecond, "lost peer still in table")
	require.Empty(t, a.CloseNodes())
}

func TestWaitJoinedTimeout(t *testing.T) {
	fab := mocknet.New()
	dir := newKeyDirectory()
	n := newTestNode(t, fab, dir, "ep-a")

	// No Join was ever started; waiting must still terminate.
	require.Equal(t, CodeTimedOut, n.WaitJoined(50*time.Millisecond))
	require.Equal(t, StateFailed, n.State())
}

func TestOptionValidation(t *testing.T) {
	fab := mocknet.New()
	tr := fab.NewTransport("ep-a", table.NatDirect)

	_, err := New(context.Background(), tr, Identity{ID: nodeid.NewRandom()}, ClosestGroupSize(0))
	require.Error(t, err)
	_, err = New(context.Background(), tr, Identity{ID: nodeid.NewRandom()}, HopCount(-1))
	require.Error(t, err)
	_, err = New(context.Background(), tr, Identity{ID: nodeid.NewRandom()}, ClientGroupSize(0))
	require.Error(t, err)
	_, err = New(context.Background(), nil, Identity{ID: nodeid.NewRandom()})
	require.ErrorIs(t, err, ErrNoTransport)
}
