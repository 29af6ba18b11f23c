package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for GratisLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	CoreFatalErrors    *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Loans & Pools ---
	LoansOpen              prometheus.Gauge
	FeePool                prometheus.Gauge
	LiquidatedPool         prometheus.Gauge
	Liquidations           *prometheus.CounterVec
	WithdrawalQueueDepth   prometheus.Gauge
	WithdrawalsInFlight    prometheus.Gauge
	WithdrawalShortfall    prometheus.Counter
	PendingTransferIntents prometheus.Gauge

	// --- Transfers & Oracle ---
	TransfersDispatched *prometheus.CounterVec
	TransferResults     *prometheus.CounterVec
	TransferDuration    prometheus.Histogram
	OracleRequests      *prometheus.CounterVec
	OracleStaleRejected prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionErrors    *prometheus.CounterVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	ioBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_core_events_rejected_total",
			Help: "Events rejected (dedup, ordering, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gratis_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_core_sequence",
			Help: "Current global sequence number",
		}),

		CoreFatalErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_core_fatal_errors_total",
			Help: "Fatal errors (id overflow, kv failure)",
		}, []string{"kind"}),

		// Channel & Backpressure
		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_dedup_lru_size",
			Help: "Entries in the tier-1 idempotency cache",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_event_out_of_order_total",
			Help: "Events rejected as out of order",
		}, []string{"partition"}),

		// Loans & Pools
		LoansOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_loans_open",
			Help: "Open loans",
		}),

		FeePool: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_fee_pool",
			Help: "Fee pool balance in collateral minor units",
		}),

		LiquidatedPool: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_liquidated_collateral_pool",
			Help: "Liquidated collateral pool balance in collateral minor units",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_liquidations_total",
			Help: "Liquidations by path",
		}, []string{"path"}),

		WithdrawalQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_withdrawal_queue_length",
			Help: "Withdrawal request ids waiting in the queue",
		}),

		WithdrawalsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_withdrawals_in_flight",
			Help: "Withdrawal requests with an outstanding transfer",
		}),

		WithdrawalShortfall: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_withdrawal_shortfall_total",
			Help: "Confirmed withdrawals that exceeded the lender's pool balance",
		}),

		PendingTransferIntents: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_transfer_intents_pending",
			Help: "Outbound transfer intents awaiting a result",
		}),

		// Transfers & Oracle
		TransfersDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_transfers_dispatched_total",
			Help: "Transfer instructions sent to counterparties",
		}, []string{"kind", "outcome"}),

		TransferResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_transfer_results_total",
			Help: "Transfer results applied by the core",
		}, []string{"kind", "outcome"}),

		TransferDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gratis_transfer_request_duration_seconds",
			Help:    "Transfer request round trip",
			Buckets: ioBuckets,
		}),

		OracleRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_oracle_requests_total",
			Help: "Oracle price requests by outcome",
		}, []string{"outcome"}),

		OracleStaleRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_oracle_stale_snapshots_total",
			Help: "Price snapshots rejected as older than the cached one",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gratis_persist_batch_size",
			Help:    "Events per batch write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gratis_persist_batch_duration_seconds",
			Help:    "Time to write a batch to Postgres",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gratis_projection_update_duration_seconds",
			Help:    "Time to update projections for one output",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_projection_errors_total",
			Help: "Projection update errors",
		}, []string{"projection"}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gratis_snapshot_duration_seconds",
			Help:    "Time to capture and save a snapshot",
			Buckets: ioBuckets,
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "gratis_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gratis_replay_events_total",
			Help: "Events replayed from the log at startup",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_query_requests_total",
			Help: "HTTP requests by route",
		}, []string{"route", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gratis_query_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: ioBuckets,
		}, []string{"route"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gratis_query_errors_total",
			Help: "HTTP requests that returned an error",
		}, []string{"route", "kind"}),
	}
}
