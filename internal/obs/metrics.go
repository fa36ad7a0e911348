package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AbhiramDodda/distributed-inference-engine/internal/batch"
)

// Namespace is the Prometheus metric namespace shared by both binaries,
// the way the pack's Azure-karpenter-provider-azure/pkg/metrics scopes its
// own collectors under a single Namespace constant.
const Namespace = "distributed_inference"

// WorkerMetrics wraps the Prometheus collectors published by cmd/worker.
type WorkerMetrics struct {
	RequestsTotal  prometheus.Counter
	BatchesTotal   *prometheus.CounterVec
	BatchSize      prometheus.Histogram
	ActiveRequests prometheus.Gauge
}

// NewWorkerMetrics registers the worker's collectors against reg and
// returns them. cmd/worker passes its own prometheus.NewRegistry(), which
// it serves on /metrics; tests pass a fresh registry per worker, to avoid
// duplicate-registration panics.
func NewWorkerMetrics(reg prometheus.Registerer, nodeID string) *WorkerMetrics {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"node_id": nodeID}
	return &WorkerMetrics{
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "worker",
			Name:        "requests_total",
			Help:        "Total inference requests handled by this worker.",
			ConstLabels: constLabels,
		}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "worker",
			Name:        "batches_total",
			Help:        "Total batches dispatched, labeled by trigger.",
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Subsystem:   "worker",
			Name:        "batch_size",
			Help:        "Distribution of dispatched batch sizes.",
			Buckets:     prometheus.LinearBuckets(1, 4, 8),
			ConstLabels: constLabels,
		}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "worker",
			Name:        "active_requests",
			Help:        "In-flight requests currently awaiting a batch result.",
			ConstLabels: constLabels,
		}),
	}
}

// Observe records one dispatched batch, its trigger and size, in the
// Prometheus collectors. Because batch.Metrics is cumulative and Prometheus
// counters are monotonic, Observe is called once per dispatched batch by
// the caller with that batch's trigger, rather than by diffing snapshots.
func (m *WorkerMetrics) Observe(trigger batch.Trigger, batchSize int) {
	m.BatchesTotal.WithLabelValues(trigger.String()).Inc()
	m.BatchSize.Observe(float64(batchSize))
}

// RouterMetrics wraps the Prometheus collectors published by cmd/gateway.
type RouterMetrics struct {
	RequestsTotal   prometheus.Counter
	FailoversTotal  prometheus.Counter
	AllFailedTotal  prometheus.Counter
	ForwardDuration *prometheus.HistogramVec
}

// NewRouterMetrics registers the gateway's collectors against reg and
// returns them. cmd/gateway passes its own prometheus.NewRegistry(), which
// it serves on /metrics; tests pass a fresh registry.
func NewRouterMetrics(reg prometheus.Registerer) *RouterMetrics {
	factory := promauto.With(reg)
	return &RouterMetrics{
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total inference requests routed.",
		}),
		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "gateway",
			Name:      "failovers_total",
			Help:      "Total times the primary worker failed and a failover attempt was made.",
		}),
		AllFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "gateway",
			Name:      "all_workers_failed_total",
			Help:      "Total requests that failed on every attempted worker.",
		}),
		ForwardDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "gateway",
			Name:      "forward_duration_seconds",
			Help:      "Duration of a single gateway -> worker forward attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}
