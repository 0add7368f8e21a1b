package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_events_total",
			Help: "Inbound exchange events by kind.",
		},
		[]string{"kind"},
	)
	EventsDeduplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_events_deduplicated_total",
			Help: "Inbound events dropped as duplicates.",
		},
		[]string{"kind"},
	)
	LedgerLockRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_ledger_lock_retries_total",
			Help: "Ledger writes retried after a lock conflict.",
		},
	)
	ReconcileRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_reconcile_repairs_total",
			Help: "Divergences repaired by the reconciliation sweep.",
		},
		[]string{"kind"},
	)
	ReconcileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_reconcile_item_failures_total",
			Help: "Reconciliation items skipped after an error.",
		},
		[]string{"step"},
	)
	EntryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_entry_runs_total",
			Help: "Entry execution runs by outcome.",
		},
		[]string{"outcome"},
	)
	EntryMarketFallback = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_entry_market_fallback_total",
			Help: "Entry runs that finished the remainder with a market order.",
		},
	)
	EntryWouldTake = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_entry_post_only_rejects_total",
			Help: "Post-only placements rejected because they would take.",
		},
	)
	TrailingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_trailing_transitions_total",
			Help: "Trailing stop level transitions.",
		},
		[]string{"level"},
	)
	ProtectiveOrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_protective_orders_placed_total",
			Help: "Protective orders submitted by role.",
		},
		[]string{"role"},
	)
	GatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_gateway_errors_total",
			Help: "Exchange gateway errors by kind.",
		},
		[]string{"op", "kind"},
	)
	StreamConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_stream_connected",
			Help: "1 when the push stream is connected.",
		},
		[]string{"stream"},
	)
	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Open ledger positions per account after the last sweep.",
		},
		[]string{"account"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		EventsDeduplicated,
		LedgerLockRetries,
		ReconcileRepairs,
		ReconcileFailures,
		EntryRuns,
		EntryMarketFallback,
		EntryWouldTake,
		TrailingTransitions,
		ProtectiveOrdersPlaced,
		GatewayErrors,
		StreamConnected,
		OpenPositions,
	)
}
