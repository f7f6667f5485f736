// Package metrics provides Prometheus instrumentation for the Scriptum
// daemon and relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptum_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scriptum_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RPC metrics (daemon-local JSON-RPC dispatch, C7).
var (
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptum_rpc_requests_total",
		Help: "Total number of local RPC requests handled by the daemon.",
	}, []string{"method", "code"})

	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scriptum_rpc_request_duration_seconds",
		Help:    "Local RPC request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// WebSocket metrics (C1/C3 wire transport).
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptum_ws_connections_active",
		Help: "Number of active relay WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptum_ws_messages_total",
		Help: "Total number of WebSocket messages exchanged, by direction and type.",
	}, []string{"direction", "type"})
)

// Session/document metrics (C4/C5).
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptum_active_sessions",
		Help: "Number of currently connected agent sessions.",
	})

	ActiveDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptum_active_documents",
		Help: "Number of documents with at least one subscriber.",
	})

	SequenceGapTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptum_sequence_gap_total",
		Help: "Number of server_seq values skipped entirely for a document; should always be zero, used for alerting only.",
	}, []string{"doc_id"})
)

// Outbox metrics (C2).
var (
	OutboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scriptum_outbox_depth",
		Help: "Number of pending/sent entries currently queued in the outbox, by workspace.",
	}, []string{"workspace_id", "state"})

	OutboxDeadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptum_outbox_dead_letter_total",
		Help: "Total number of outbox entries moved to the dead state after exhausting retries.",
	}, []string{"workspace_id"})
)

// Lease metrics (C8).
var (
	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptum_active_leases",
		Help: "Number of currently unexpired section leases.",
	})
)

// Git leader election metrics (C9).
var (
	GitLeaderState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scriptum_git_leader_state",
		Help: "Current leader election state for a workspace (1 for the active state, 0 otherwise).",
	}, []string{"workspace_id", "state"})
)

// Trigger/commit pipeline metrics (C10).
var (
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptum_commits_total",
		Help: "Total number of commits produced by the trigger pipeline, by message source.",
	}, []string{"source"})

	CommitMessageFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scriptum_commit_message_fallback_total",
		Help: "Total number of times commit message generation fell back to the deterministic format.",
	})
)
