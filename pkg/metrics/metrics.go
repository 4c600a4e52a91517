package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders accepted for processing, by side (buy/sell)
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_submitted_total",
		Help: "Total number of orders accepted for processing",
	},
	[]string{"side"},
)

// OrdersRejected counts rejected orders by rejection reason code
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_rejected_total",
		Help: "Total number of orders rejected, by reason code",
	},
	[]string{"reason"},
)

// FillsApplied counts venue fill callbacks applied to positions
var FillsApplied = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_fills_applied_total",
		Help: "Total number of venue fills applied",
	},
)

// DuplicateCallbacks counts venue callbacks absorbed as duplicates
var DuplicateCallbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_duplicate_callbacks_total",
		Help: "Total number of duplicate venue callbacks absorbed",
	},
)

// Market data metrics
var (
	TicksPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_ticks_published_total",
			Help: "Price ticks accepted into the market data hub",
		},
		[]string{"instrument"},
	)

	TicksDroppedStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecore_ticks_dropped_stale_total",
			Help: "Price ticks dropped because a newer tick was already held",
		},
	)
)

// Realtime hub metrics
var (
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_ws_connections",
			Help: "Number of live realtime client connections",
		},
	)

	WSEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecore_ws_events_dropped_total",
			Help: "Events dropped from slow-consumer queues (drop-oldest policy)",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, FillsApplied, DuplicateCallbacks)
	prometheus.MustRegister(TicksPublished, TicksDroppedStale)
	prometheus.MustRegister(WSConnections, WSEventsDropped)
}
