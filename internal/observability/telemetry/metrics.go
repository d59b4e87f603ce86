package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Protocol metrics
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpd_ocpp_messages_total",
		Help: "Total OCPP messages by action and direction",
	}, []string{"action", "direction"})

	RetransmitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpd_ocpp_retransmits_total",
		Help: "Total call retransmissions by action",
	}, []string{"action"})

	CallTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpd_ocpp_call_timeouts_total",
		Help: "Calls abandoned after retry exhaustion, by action",
	}, []string{"action"})

	UnmatchedResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpd_ocpp_unmatched_results_total",
		Help: "CallResult/CallError frames with no outstanding call",
	})

	OutstandingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cpd_ocpp_outstanding_calls",
		Help: "Calls currently awaiting a response",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cpd_active_sessions",
		Help: "Connectors with an active charging session",
	})

	ConnectorStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cpd_connector_status",
		Help: "Current connector status (1 for the active status, 0 otherwise)",
	}, []string{"connector", "status"})

	StopPendingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cpd_stop_pending_sessions",
		Help: "Sessions awaiting operator reconciliation of an unconfirmed stop",
	})

	// Engine metrics
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cpd_engine_tick_duration_seconds",
		Help:    "Duration of one engine tick",
		Buckets: prometheus.DefBuckets,
	})

	JournalWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cpd_journal_write_duration_seconds",
		Help:    "Duration of durable journal writes",
		Buckets: prometheus.DefBuckets,
	})
)
