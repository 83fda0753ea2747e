// Package metrics exposes the runtime's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_a2a_messages_sent_total",
		Help: "A2A send results by status.",
	}, []string{"status"})

	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_a2a_messages_acked_total",
		Help: "Receipts acknowledged by recipients.",
	})

	ACLDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_acl_decisions_total",
		Help: "Access decisions by outcome.",
	}, []string{"allowed"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rate_limited_total",
		Help: "Requests rejected by a rate limit window.",
	})

	ContractTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_contract_transitions_total",
		Help: "Contract state transitions by target state.",
	}, []string{"status"})

	FederationInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_federation_inbound_total",
		Help: "Inbound federation envelopes by result.",
	}, []string{"result"})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_streams",
		Help: "Open websocket streams.",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hub_http_request_duration_seconds",
		Help:    "HTTP handler latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
