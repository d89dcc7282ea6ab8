package routing

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
)

const (
	defaultClosestGroupSize     = 16
	defaultClientGroupSize      = 8
	defaultGroupSize            = 4
	defaultMaxClientConnections = 100
	defaultHopCount             = 20
	defaultRPCTimeout           = 10 * time.Second
	defaultAnonymousSessionTTL  = time.Minute
)

// config holds all the knobs of a Node.
type config struct {
	// closestGroupSize is both the routing table capacity and the join
	// completion target. It is deliberately a single value.
	closestGroupSize int

	// clientGroupSize is the join completion target for client-mode
	// nodes, which hold fewer relay peers than a vault holds routes.
	clientGroupSize int

	// groupSize is the replication neighborhood for group-addressed sends.
	groupSize int

	maxClientConnections int
	hopCount             int
	client               bool
	datastore            ds.Batching
	clk                  clock.Clock
	rpcTimeout           time.Duration
	anonymousSessionTTL  time.Duration
}

// apply applies the given options to this config.
func (c *config) apply(opts ...Option) error {
	for i, opt := range opts {
		if err := opt(c); err != nil {
			return fmt.Errorf("routing option %d failed: %w", i, err)
		}
	}
	return nil
}

// Option configures a Node.
type Option func(*config) error

// defaults are prepended to any options passed to New.
var defaults = func(c *config) error {
	c.closestGroupSize = defaultClosestGroupSize
	c.clientGroupSize = defaultClientGroupSize
	c.groupSize = defaultGroupSize
	c.maxClientConnections = defaultMaxClientConnections
	c.hopCount = defaultHopCount
	c.datastore = dssync.MutexWrap(ds.NewMapDatastore())
	c.clk = clock.New()
	c.rpcTimeout = defaultRPCTimeout
	c.anonymousSessionTTL = defaultAnonymousSessionTTL
	return nil
}

// ClosestGroupSize sets the routing table capacity, which doubles as the
// join completion target.
func ClosestGroupSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return fmt.Errorf("closest group size must be positive, got %d", size)
		}
		c.closestGroupSize = size
		return nil
	}
}

// ClientGroupSize sets the join completion target for client-mode nodes.
func ClientGroupSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return fmt.Errorf("client group size must be positive, got %d", size)
		}
		c.clientGroupSize = size
		return nil
	}
}

// GroupSize sets the replication neighborhood size for group-addressed
// messages.
func GroupSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return fmt.Errorf("group size must be positive, got %d", size)
		}
		c.groupSize = size
		return nil
	}
}

// Client configures the node to join as a client: it relies on relay peers
// and does not take part in forwarding for others.
func Client(client bool) Option {
	return func(c *config) error {
		c.client = client
		return nil
	}
}

// Datastore supplies the backing store for the response cache and the
// bootstrap endpoint list.
//
// Defaults to an in-memory (temporary) map.
func Datastore(dstore ds.Batching) Option {
	return func(c *config) error {
		c.datastore = dstore
		return nil
	}
}

// Clock injects the clock driving response timeouts. Tests use a mock.
func Clock(clk clock.Clock) Option {
	return func(c *config) error {
		c.clk = clk
		return nil
	}
}

// HopCount bounds how many hops a routed message may take.
func HopCount(hops int) Option {
	return func(c *config) error {
		if hops < 1 {
			return fmt.Errorf("hop count must be positive, got %d", hops)
		}
		c.hopCount = hops
		return nil
	}
}

// MaxClientConnections bounds the client (non-routing) table.
func MaxClientConnections(limit int) Option {
	return func(c *config) error {
		c.maxClientConnections = limit
		return nil
	}
}

// RPCTimeout bounds each control round trip during joining.
func RPCTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.rpcTimeout = d
		return nil
	}
}

// AnonymousSessionTTL sets how long an anonymous (ephemeral identity)
// session lasts after joining before it is ended.
func AnonymousSessionTTL(d time.Duration) Option {
	return func(c *config) error {
		c.anonymousSessionTTL = d
		return nil
	}
}
