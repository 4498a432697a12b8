// Package metrics exposes the prometheus counters and histograms the
// rest of the module updates: query retries and flood waits, envelope
// round-trip latency, update-gap detections, and secret-chat resend
// counts. Every collector is registered through promauto against the
// default registry so embedding binaries get them for free by serving
// promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryRetriesTotal counts retries issued by the query engine (C4),
	// labeled by the RPC method name.
	QueryRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtprotocore_query_retries_total",
		Help: "Total number of query retries issued, by method.",
	}, []string{"method"})

	// QueryFloodWaitSeconds accumulates the total seconds spent honoring
	// FLOOD_WAIT backoffs, labeled by method.
	QueryFloodWaitSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtprotocore_query_flood_wait_seconds_total",
		Help: "Total seconds spent waiting out FLOOD_WAIT errors, by method.",
	}, []string{"method"})

	// QueryRoundtripSeconds observes end-to-end query latency from send
	// to reply, labeled by method.
	QueryRoundtripSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mtprotocore_query_roundtrip_seconds",
		Help:    "Query round-trip latency in seconds, by method.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	// UpdateGapsTotal counts pts/qts/seq gaps the reconciler detected,
	// labeled by counter name ("pts", "qts", "seq") and scope
	// ("common" or "channel").
	UpdateGapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtprotocore_update_gaps_total",
		Help: "Total update sequence gaps detected, by counter and scope.",
	}, []string{"counter", "scope"})

	// DifferenceFetchesTotal counts get_difference/get_channel_difference
	// calls issued to close a detected gap.
	DifferenceFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtprotocore_difference_fetches_total",
		Help: "Total difference fetches issued to close update gaps.",
	}, []string{"scope"})

	// SecretChatResendsTotal counts resend_messages requests issued by
	// the secret-chat engine's hole-fill logic.
	SecretChatResendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtprotocore_secretchat_resends_total",
		Help: "Total resend_messages requests issued for secret-chat hole-fill.",
	})

	// SecretChatRekeysTotal counts completed PFS re-keying cycles.
	SecretChatRekeysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtprotocore_secretchat_rekeys_total",
		Help: "Total completed secret-chat re-keying cycles.",
	})

	// ConnectionStateGauge reports the current connection-state-machine
	// value per dc (0=disconnected .. 4=logged_in), so a dashboard can
	// plot dc availability without scraping logs.
	ConnectionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mtprotocore_dc_connection_state",
		Help: "Current connection state per datacenter (0=disconnected,1=connecting,2=connected,3=authorized,4=logged_in).",
	}, []string{"dc_id"})
)
