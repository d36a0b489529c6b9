// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DIMSEOperations counts engine calls per peer and outcome
	DIMSEOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomweb_gateway_dimse_operations_total",
		Help: "DIMSE operations issued to peers.",
	}, []string{"operation", "peer", "outcome"})

	// DIMSEDuration observes engine call latency
	DIMSEDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dicomweb_gateway_dimse_duration_seconds",
		Help:    "Latency of DIMSE operations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"operation", "peer"})

	// RetrievalsInFlight is the number of distinct pending retrievals
	RetrievalsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicomweb_gateway_retrievals_in_flight",
		Help: "Retrievals currently running.",
	})

	// RetrievalsJoined counts callers that attached to a pending retrieval
	RetrievalsJoined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_gateway_retrievals_joined_total",
		Help: "Callers that waited on an already running retrieval.",
	})

	// Retrievals counts finished retrievals by level and outcome
	Retrievals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomweb_gateway_retrievals_total",
		Help: "Finished retrievals.",
	}, []string{"level", "outcome"})

	// AssociationsActive is the number of held association slots
	AssociationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicomweb_gateway_associations_active",
		Help: "Association slots currently held.",
	})

	// CacheLookups counts object cache hits and misses
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomweb_gateway_cache_lookups_total",
		Help: "Object cache lookups.",
	}, []string{"result"})

	// CacheEvictions counts study directories removed by the janitor
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomweb_gateway_cache_evictions_total",
		Help: "Study directories evicted from the object cache.",
	})

	// HTTPRequests observes request latency by route pattern
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dicomweb_gateway_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// BridgeConnected is 1 while the WebSocket bridge is connected
	BridgeConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicomweb_gateway_bridge_connected",
		Help: "Whether the WebSocket bridge is connected.",
	})
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Outcome maps an error to an outcome label
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
