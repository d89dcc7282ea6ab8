// Package bootstrap keeps the ordered list of endpoints used as initial Join
// candidates. The list is read at startup and appended to opportunistically
// as new stable peers are learned; it lives in a datastore so hosts can hand
// in a persistent one.
package bootstrap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log"
	base32 "github.com/multiformats/go-base32"

	"github.com/joydit/MaidSafe-Routing/table"
)

var log = logging.Logger("routing/bootstrap")

const endpointsKeyPrefix = "/bootstrap/"

// MaxEndpoints bounds the stored candidate list.
var MaxEndpoints = 50

// Store is the file-backed bootstrap endpoint list collaborator.
type Store struct {
	dstore ds.Datastore
}

func NewStore(dstore ds.Datastore) *Store {
	return &Store{dstore: dstore}
}

// Load returns the stored endpoints, most recently learned first.
func (s *Store) Load(ctx context.Context) ([]table.Endpoint, error) {
	q, err := s.dstore.Query(ctx, dsq.Query{Prefix: endpointsKeyPrefix})
	if err != nil {
		return nil, fmt.Errorf("querying bootstrap endpoints: %w", err)
	}
	defer q.Close()

	type timedEndpoint struct {
		ep   table.Endpoint
		seen time.Time
	}
	var entries []timedEndpoint
	for res := range q.Next() {
		if res.Error != nil {
			return nil, res.Error
		}
		ep, seen, err := decodeEntry(res.Key, res.Value)
		if err != nil {
			log.Debugw("skipping malformed bootstrap entry", "key", res.Key, "error", err)
			continue
		}
		entries = append(entries, timedEndpoint{ep: ep, seen: seen})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seen.After(entries[j].seen)
	})
	out := make([]table.Endpoint, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ep)
	}
	return out, nil
}

// Append records ep as a known-stable bootstrap candidate, refreshing its
// timestamp if already present and trimming the list to MaxEndpoints.
func (s *Store) Append(ctx context.Context, ep table.Endpoint) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(buf, time.Now().UnixNano())
	if err := s.dstore.Put(ctx, mkEndpointKey(ep), buf[:n]); err != nil {
		return fmt.Errorf("storing bootstrap endpoint: %w", err)
	}
	return s.trim(ctx)
}

func (s *Store) trim(ctx context.Context) error {
	eps, err := s.Load(ctx)
	if err != nil {
		return err
	}
	for _, ep := range eps[min(len(eps), MaxEndpoints):] {
		if err := s.dstore.Delete(ctx, mkEndpointKey(ep)); err != nil && err != ds.ErrNotFound {
			return err
		}
	}
	return nil
}

func mkEndpointKey(ep table.Endpoint) ds.Key {
	return ds.NewKey(endpointsKeyPrefix + base32.RawStdEncoding.EncodeToString([]byte(ep)))
}

func decodeEntry(key string, value []byte) (table.Endpoint, time.Time, error) {
	raw := ds.RawKey(key).BaseNamespace()
	epBytes, err := base32.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return "", time.Time{}, err
	}
	nsec, n := binary.Varint(value)
	if n <= 0 {
		return "", time.Time{}, fmt.Errorf("failed to parse time")
	}
	return table.Endpoint(epBytes), time.Unix(0, nsec), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
