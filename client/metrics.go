package client

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	promRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_client_requests",
		Help: "Number of requests generated",
	})

	promResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_client_responses",
		Help: "Number of responses received",
	})

	promDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_client_drops",
		Help: "Number of requests dropped on transport errors or error responses",
	})

	promBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_client_send_blocked",
		Help: "Number of times a request waited for room in the send buffer",
	})

	// 40 exponential buckets from 1µs to about 11 minutes
	promServiceHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutated_client_service_us",
		Help:    "Round trip latency in microseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 1.7, 40),
	})
	promWaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutated_client_wait_us",
		Help:    "Server-side wait beyond the requested service time in microseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 1.7, 40),
	})
	promQueueHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutated_client_queue_us",
		Help:    "Time spent in the local send buffer in microseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 1.7, 40),
	})

	metricsOnce sync.Once
)

func registerMetrics() {
	prometheus.MustRegister(promRequests)
	prometheus.MustRegister(promResponses)
	prometheus.MustRegister(promDrops)
	prometheus.MustRegister(promBlocked)
	prometheus.MustRegister(promServiceHistogram)
	prometheus.MustRegister(promWaitHistogram)
	prometheus.MustRegister(promQueueHistogram)
}

// serveMetrics exposes the metrics on addr. Repeated runs in one process
// share the endpoint.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	metricsOnce.Do(func() {
		registerMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Errorf("metrics server on %s: %s", addr, err)
			}
		}()
	})
}
