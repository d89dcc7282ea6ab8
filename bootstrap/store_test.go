package bootstrap

import (
	"context"
	"fmt"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/joydit/MaidSafe-Routing/table"
)

func newTestStore() *Store {
	return NewStore(dssync.MutexWrap(ds.NewMapDatastore()))
}

func TestLoadEmpty(t *testing.T) {
	s := newTestStore()
	eps, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, eps)
}

func TestAppendAndLoadMostRecentFirst(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for _, ep := range []table.Endpoint{"a:1", "b:2", "c:3"} {
		require.NoError(t, s.Append(ctx, ep))
		time.Sleep(2 * time.Millisecond)
	}

	eps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []table.Endpoint{"c:3", "b:2", "a:1"}, eps)
}

func TestAppendRefreshesExisting(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "a:1"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Append(ctx, "b:2"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Append(ctx, "a:1"))

	eps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []table.Endpoint{"a:1", "b:2"}, eps)
}

func TestTrimBoundsList(t *testing.T) {
	old := MaxEndpoints
	MaxEndpoints = 5
	defer func() { MaxEndpoints = old }()

	s := newTestStore()
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Append(ctx, table.Endpoint(fmt.Sprintf("host-%d:1", i))))
		time.Sleep(2 * time.Millisecond)
	}

	eps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, eps, 5)
	// The oldest entries are the ones trimmed.
	require.Equal(t, table.Endpoint("host-7:1"), eps[0])
	require.Equal(t, table.Endpoint("host-3:1"), eps[4])
}
