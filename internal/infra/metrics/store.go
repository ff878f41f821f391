package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(storeOpsTotal, storeOpLatencyMs) }

var (
	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_store_ops_total",
			Help: "Blob store operations by backend, op and result.",
		},
		[]string{"backend", "op", "result"},
	)

	storeOpLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "state_store_op_latency_ms",
			Help:    "Blob store operation latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"backend", "op"},
	)
)

// ObserveStoreOp records one blob store call; pass the call's error (nil on success).
func ObserveStoreOp(backend, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOpsTotal.WithLabelValues(norm(backend), norm(op), result).Inc()
	storeOpLatencyMs.WithLabelValues(norm(backend), norm(op)).Observe(float64(time.Since(start).Milliseconds()))
}
