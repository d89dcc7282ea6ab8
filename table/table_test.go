package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joydit/MaidSafe-Routing/nodeid"
)

func mkID(leading ...byte) nodeid.ID {
	var id nodeid.ID
	copy(id[:], leading)
	return id
}

func entry(id nodeid.ID) NodeInfo {
	return NodeInfo{ID: id, ConnectionID: nodeid.NewRandom(), IdentityConfirmed: true}
}

func TestAddKeepsAscendingOrder(t *testing.T) {
	self := nodeid.NewRandom()
	rt := NewRoutingTable(self, 32)

	for i := 0; i < 20; i++ {
		result, evicted := rt.Add(entry(nodeid.NewRandom()))
		require.Equal(t, Added, result)
		require.Nil(t, evicted)
	}
	require.Equal(t, 20, rt.Size())

	snap := rt.Snapshot()
	for i := 1; i < len(snap); i++ {
		require.True(t, nodeid.CloserToTarget(snap[i-1].ID, snap[i].ID, self),
			"entries %d and %d out of order", i-1, i)
	}
}

func TestAddRejectsSelfZeroAndDuplicate(t *testing.T) {
	self := nodeid.NewRandom()
	rt := NewRoutingTable(self, 8)

	result, _ := rt.Add(entry(self))
	require.Equal(t, Rejected, result)
	result, _ = rt.Add(entry(nodeid.ID{}))
	require.Equal(t, Rejected, result)

	peer := entry(nodeid.NewRandom())
	result, _ = rt.Add(peer)
	require.Equal(t, Added, result)
	result, _ = rt.Add(peer)
	require.Equal(t, Rejected, result)
	require.Equal(t, 1, rt.Size())
}

func TestAddEvictsFarthestWhenFull(t *testing.T) {
	self := mkID()
	rt := NewRoutingTable(self, 3)

	far := entry(mkID(0x80))
	rt.Add(far)
	rt.Add(entry(mkID(0x40)))
	rt.Add(entry(mkID(0x20)))
	require.Equal(t, 3, rt.Size())

	var evictedSeen []NodeInfo
	rt.PeerEvicted = func(info NodeInfo) { evictedSeen = append(evictedSeen, info) }

	// Farther than everything present: rejected, nothing evicted.
	result, evicted := rt.Add(entry(mkID(0xf0)))
	require.Equal(t, Rejected, result)
	require.Nil(t, evicted)
	require.Empty(t, evictedSeen)

	// Closer than the farthest: inserted, farthest displaced.
	result, evicted = rt.Add(entry(mkID(0x10)))
	require.Equal(t, Evicted, result)
	require.NotNil(t, evicted)
	require.Equal(t, far.ID, evicted.ID)
	require.Len(t, evictedSeen, 1)
	require.Equal(t, far.ID, evictedSeen[0].ID)

	require.Equal(t, 3, rt.Size())
	require.False(t, rt.Contains(far.ID))
}

func TestDropNode(t *testing.T) {
	self := nodeid.NewRandom()
	rt := NewRoutingTable(self, 8)

	confirmed := entry(nodeid.NewRandom())
	unconfirmed := NodeInfo{ID: nodeid.NewRandom(), ConnectionID: nodeid.NewRandom()}
	rt.Add(confirmed)
	rt.Add(unconfirmed)

	// Logical id match works regardless of mode.
	rt.DropNode(confirmed.ID, false)
	require.False(t, rt.Contains(confirmed.ID))

	// Non-aggressive never matches by connection id.
	rt.DropNode(unconfirmed.ConnectionID, false)
	require.True(t, rt.Contains(unconfirmed.ID))

	// Aggressive matches unconfirmed entries by connection id.
	rt.DropNode(unconfirmed.ConnectionID, true)
	require.False(t, rt.Contains(unconfirmed.ID))
}

func TestDropNodeAggressiveSparesConfirmed(t *testing.T) {
	rt := NewRoutingTable(nodeid.NewRandom(), 8)
	confirmed := entry(nodeid.NewRandom())
	rt.Add(confirmed)

	rt.DropNode(confirmed.ConnectionID, true)
	require.True(t, rt.Contains(confirmed.ID))
}

func TestClosestTo(t *testing.T) {
	self := mkID()
	rt := NewRoutingTable(self, 16)

	ids := []nodeid.ID{mkID(0x01), mkID(0x02), mkID(0x04), mkID(0x08), mkID(0x10)}
	for _, id := range ids {
		rt.Add(entry(id))
	}

	got := rt.ClosestTo(mkID(0x03), 3)
	require.Len(t, got, 3)
	require.Equal(t, mkID(0x02), got[0].ID)
	require.Equal(t, mkID(0x01), got[1].ID)
	require.Equal(t, mkID(0x04), got[2].ID)

	got = rt.ClosestTo(mkID(0x03), 3, mkID(0x02))
	require.Equal(t, mkID(0x01), got[0].ID)

	require.Len(t, rt.ClosestTo(self, 100), len(ids))
}

func TestClosest(t *testing.T) {
	rt := NewRoutingTable(mkID(), 8)
	_, ok := rt.Closest(nodeid.NewRandom())
	require.False(t, ok)

	near, far := mkID(0x01), mkID(0x80)
	rt.Add(entry(near))
	rt.Add(entry(far))

	got, ok := rt.Closest(mkID())
	require.True(t, ok)
	require.Equal(t, near, got.ID)

	got, ok = rt.Closest(mkID(), near)
	require.True(t, ok)
	require.Equal(t, far, got.ID)
}

func TestAmClosest(t *testing.T) {
	self := mkID(0x10)
	rt := NewRoutingTable(self, 8)
	require.True(t, rt.AmClosest(nodeid.NewRandom()))

	rt.Add(entry(mkID(0x11)))
	require.False(t, rt.AmClosest(mkID(0x11)))
	require.True(t, rt.AmClosest(mkID(0x10)))
}

func TestAmInGroupRange(t *testing.T) {
	self := mkID(0x40)
	rt := NewRoutingTable(self, 16)
	target := mkID()

	// Empty table: trivially in range.
	require.True(t, rt.AmInGroupRange(target, 4))

	// Three closer entries still leave us inside a group of four.
	rt.Add(entry(mkID(0x01)))
	rt.Add(entry(mkID(0x02)))
	rt.Add(entry(mkID(0x04)))
	require.True(t, rt.AmInGroupRange(target, 4))

	// A fourth closer entry pushes us out.
	rt.Add(entry(mkID(0x08)))
	require.False(t, rt.AmInGroupRange(target, 4))

	// Farther entries never count against us.
	rt.Add(entry(mkID(0x80)))
	require.True(t, rt.AmInGroupRange(target, 5))
}

func TestGetByConnection(t *testing.T) {
	rt := NewRoutingTable(nodeid.NewRandom(), 8)
	peer := entry(nodeid.NewRandom())
	rt.Add(peer)

	got, ok := rt.GetByConnection(peer.ConnectionID)
	require.True(t, ok)
	require.Equal(t, peer.ID, got.ID)

	_, ok = rt.GetByConnection(nodeid.NewRandom())
	require.False(t, ok)
}
