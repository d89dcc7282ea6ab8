// Package metrics exposes opencensus measures and views for the routing
// core.
package metrics

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	defaultBytesDistribution        = view.Distribution(1024, 2048, 4096, 16384, 65536, 262144, 1048576)
	defaultMillisecondsDistribution = view.Distribution(1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000)
)

// Keys
var (
	KeyMessageType, _ = tag.NewKey("message_type")
	KeyPeerID, _      = tag.NewKey("peer_id")
)

// Measures
var (
	ReceivedMessages      = stats.Int64("routing/received_messages", "Total number of messages received", stats.UnitDimensionless)
	ReceivedMessageErrors = stats.Int64("routing/received_message_errors", "Total number of undecodable or unhandled inbound messages", stats.UnitDimensionless)
	ReceivedBytes         = stats.Int64("routing/received_bytes", "Total received bytes", stats.UnitBytes)
	SentMessages          = stats.Int64("routing/sent_messages", "Total number of messages handed to the transport", stats.UnitDimensionless)
	SentMessageErrors     = stats.Int64("routing/sent_message_errors", "Total number of transport send failures", stats.UnitDimensionless)
	SentBytes             = stats.Int64("routing/sent_bytes", "Total sent bytes", stats.UnitBytes)
	RoutingTableSize      = stats.Int64("routing/routing_table_size", "Current number of close peers held", stats.UnitDimensionless)
	JoinLatency           = stats.Float64("routing/join_latency_ms", "Time from Join start to joined", stats.UnitMilliseconds)
)

// Views
var (
	ReceivedMessagesView = &view.View{
		Measure:     ReceivedMessages,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID},
		Aggregation: view.Count(),
	}
	ReceivedMessageErrorsView = &view.View{
		Measure:     ReceivedMessageErrors,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID},
		Aggregation: view.Count(),
	}
	ReceivedBytesView = &view.View{
		Measure:     ReceivedBytes,
		TagKeys:     []tag.Key{KeyPeerID},
		Aggregation: defaultBytesDistribution,
	}
	SentMessagesView = &view.View{
		Measure:     SentMessages,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID},
		Aggregation: view.Count(),
	}
	SentMessageErrorsView = &view.View{
		Measure:     SentMessageErrors,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID},
		Aggregation: view.Count(),
	}
	SentBytesView = &view.View{
		Measure:     SentBytes,
		TagKeys:     []tag.Key{KeyPeerID},
		Aggregation: defaultBytesDistribution,
	}
	RoutingTableSizeView = &view.View{
		Measure:     RoutingTableSize,
		TagKeys:     []tag.Key{KeyPeerID},
		Aggregation: view.LastValue(),
	}
	JoinLatencyView = &view.View{
		Measure:     JoinLatency,
		TagKeys:     []tag.Key{KeyPeerID},
		Aggregation: defaultMillisecondsDistribution,
	}
)

// DefaultViews is the set of views callers can register with
// view.Register to export routing metrics.
var DefaultViews = []*view.View{
	ReceivedMessagesView,
	ReceivedMessageErrorsView,
	ReceivedBytesView,
	SentMessagesView,
	SentMessageErrorsView,
	SentBytesView,
	RoutingTableSizeView,
	JoinLatencyView,
}
