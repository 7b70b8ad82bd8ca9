// Package metrics holds the prometheus collectors shared by the HTTP and gRPC
// front ends.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditchain_requests_total",
		Help: "Total requests by transport, route or method, and response status.",
	}, []string{"transport", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditchain_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport", "route"})

	blocksAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditchain_blocks_appended_total",
		Help: "Total blocks appended by operation.",
	}, []string{"operation"})

	digestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditchain_digest_bytes_total",
		Help: "Total bytes fingerprinted.",
	})

	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditchain_validations_total",
		Help: "Total chain validations by result.",
	}, []string{"result"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditchain_chain_length",
		Help: "Number of blocks in the chain, genesis included.",
	})
)

// ObserveRequest records one served request
func ObserveRequest(transport, route, status string, d time.Duration) {
	requestsTotal.WithLabelValues(transport, route, status).Inc()
	requestDuration.WithLabelValues(transport, route).Observe(d.Seconds())
}

// RecordAppend records an appended block and the resulting chain length
func RecordAppend(operation string, length int) {
	blocksAppendedTotal.WithLabelValues(operation).Inc()
	chainLength.Set(float64(length))
}

func SetChainLength(length int) {
	chainLength.Set(float64(length))
}

func AddDigestBytes(n int64) {
	digestBytesTotal.Add(float64(n))
}

// RecordValidation records a validation verdict
func RecordValidation(valid bool) {
	if valid {
		validationsTotal.WithLabelValues("valid").Inc()
	} else {
		validationsTotal.WithLabelValues("invalid").Inc()
	}
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
