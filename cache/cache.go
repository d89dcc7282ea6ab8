// Package cache stores responses to cacheable routed requests, keyed by a
// request fingerprint, so identical requests can be answered without
// re-forwarding. An LRU sits in front of a datastore; entries expire after a
// validity window and a background sweep removes them from disk.
package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/simplelru"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log"
	"github.com/jbenet/goprocess"
	goprocessctx "github.com/jbenet/goprocess/context"
	"github.com/minio/sha256-simd"
	base32 "github.com/multiformats/go-base32"
)

var log = logging.Logger("routing/cache")

const responsesKeyPrefix = "/responses/"

var (
	// DefaultValidity is how long a cached response stays answerable.
	DefaultValidity = 10 * time.Minute
	// DefaultCleanupInterval is how often expired entries are swept from
	// the datastore.
	DefaultCleanupInterval = time.Hour

	lruCacheSize = 256
)

// Fingerprint derives the cache key for a request from its destination and
// payload.
func Fingerprint(destination, payload []byte) []byte {
	h := sha256.New()
	h.Write(destination)
	h.Write(payload)
	return h.Sum(nil)
}

type cachedResponse struct {
	data  []byte
	added time.Time
}

// Store is the response cache. All methods are safe for concurrent use.
type Store struct {
	lk     sync.Mutex // guards cache; simplelru is not safe for concurrent use
	cache  *lru.LRU
	dstore ds.Datastore
	proc   goprocess.Process

	validity        time.Duration
	cleanupInterval time.Duration
}

// NewStore creates a response cache over the given datastore and starts its
// cleanup loop. The store is released by closing its Process.
func NewStore(ctx context.Context, dstore ds.Datastore) *Store {
	cache, err := lru.NewLRU(lruCacheSize, nil)
	if err != nil {
		panic(err) // only happens if a negative size is passed
	}
	s := &Store{
		cache:           cache,
		dstore:          dstore,
		validity:        DefaultValidity,
		cleanupInterval: DefaultCleanupInterval,
	}
	s.proc = goprocessctx.WithContext(ctx)
	s.proc.Go(s.run)
	return s
}

// Process returns the store's lifecycle process.
func (s *Store) Process() goprocess.Process {
	return s.proc
}

// Put retains a response for the given request fingerprint.
func (s *Store) Put(fingerprint, response []byte) {
	now := time.Now()
	s.lk.Lock()
	s.cache.Add(string(fingerprint), &cachedResponse{data: response, added: now})
	s.lk.Unlock()

	buf := make([]byte, binary.MaxVarintLen64+len(response))
	n := binary.PutVarint(buf, now.UnixNano())
	copy(buf[n:], response)
	if err := s.dstore.Put(context.TODO(), mkResponseKey(fingerprint), buf[:n+len(response)]); err != nil {
		log.Errorw("failed to write cached response", "error", err)
	}
}

// Get returns the unexpired cached response for the fingerprint, if any.
func (s *Store) Get(fingerprint []byte) ([]byte, bool) {
	s.lk.Lock()
	if v, ok := s.cache.Get(string(fingerprint)); ok {
		cr := v.(*cachedResponse)
		if time.Since(cr.added) <= s.validity {
			s.lk.Unlock()
			return cr.data, true
		}
		s.cache.Remove(string(fingerprint))
		s.lk.Unlock()
		return nil, false
	}
	s.lk.Unlock()

	buf, err := s.dstore.Get(context.TODO(), mkResponseKey(fingerprint))
	if err != nil {
		if err != ds.ErrNotFound {
			log.Errorw("failed to read cached response", "error", err)
		}
		return nil, false
	}
	added, data, err := readTimedValue(buf)
	if err != nil {
		log.Errorw("parsing cached response from disk", "error", err)
		return nil, false
	}
	if time.Since(added) > s.validity {
		return nil, false
	}
	s.lk.Lock()
	s.cache.Add(string(fingerprint), &cachedResponse{data: data, added: added})
	s.lk.Unlock()
	return data, true
}

// run sweeps expired entries out of the datastore. The in-memory layer is
// simply purged each round; it repopulates on demand.
func (s *Store) run(proc goprocess.Process) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.lk.Lock()
			s.cache.Purge()
			s.lk.Unlock()
			s.sweep(now)
		case <-proc.Closing():
			return
		}
	}
}

func (s *Store) sweep(now time.Time) {
	q, err := s.dstore.Query(context.TODO(), dsq.Query{Prefix: responsesKeyPrefix})
	if err != nil {
		log.Errorw("response cache sweep query failed", "error", err)
		return
	}
	defer q.Close()

	for res := range q.Next() {
		if res.Error != nil {
			log.Errorw("response cache sweep", "error", res.Error)
			continue
		}
		added, _, err := readTimedValue(res.Value)
		if err != nil || now.Sub(added) > s.validity {
			if err := s.dstore.Delete(context.TODO(), ds.RawKey(res.Key)); err != nil && err != ds.ErrNotFound {
				log.Errorw("failed to remove expired response", "error", err)
			}
		}
	}
}

func mkResponseKey(fingerprint []byte) ds.Key {
	return ds.NewKey(responsesKeyPrefix + base32.RawStdEncoding.EncodeToString(fingerprint))
}

func readTimedValue(buf []byte) (time.Time, []byte, error) {
	nsec, n := binary.Varint(buf)
	if n <= 0 {
		return time.Time{}, nil, fmt.Errorf("failed to parse time")
	}
	return time.Unix(0, nsec), buf[n:], nil
}
