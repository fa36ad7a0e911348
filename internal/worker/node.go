// Package worker implements a single inference shard: a batch.Coalescer
// wired to a compute.Engine, exposed over HTTP as /infer and /health
// (spec.md §4.4, §6). One worker is one process owning one model shard.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AbhiramDodda/distributed-inference-engine/internal/batch"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/compute"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/obs"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/transport"
)

// Config holds the knobs a worker binary exposes on the command line.
type Config struct {
	NodeID        string
	MaxBatchSize  int
	BatchTimeout  time.Duration
	SubmitTimeout time.Duration
}

// Node owns one compute.Engine behind a batch.Coalescer, and tracks the
// request counters exposed at GET /health.
type Node struct {
	cfg    Config
	engine *compute.Engine
	coal   *batch.Coalescer[transport.InferRequest, transport.InferResponse]

	metrics *obs.WorkerMetrics
	log     *zap.Logger
	tracer  trace.Tracer

	totalRequests  int64
	activeRequests int64
}

// New builds a Node around engine, using cfg to configure the underlying
// coalescer. The coalescer is started immediately.
func New(cfg Config, engine *compute.Engine, metrics *obs.WorkerMetrics, log *zap.Logger) *Node {
	n := &Node{
		cfg:     cfg,
		engine:  engine,
		metrics: metrics,
		log:     log,
		tracer:  obs.Tracer("worker"),
	}
	n.coal = batch.New(batch.Config{
		MaxBatchSize:  cfg.MaxBatchSize,
		BatchTimeout:  cfg.BatchTimeout,
		SubmitTimeout: cfg.SubmitTimeout,
	}, n.computeBatch)
	n.coal.Start()
	return n
}

// Stop drains the coalescer. Call once, at process shutdown.
func (n *Node) Stop() {
	n.coal.Stop()
}

// computeBatch is the batch.ComputeFunc bridging coalesced InferRequests to
// compute.Engine.BatchPredict, and stamping InferResponse with this node's
// identity and per-batch inference latency.
func (n *Node) computeBatch(ctx context.Context, reqs []transport.InferRequest) ([]transport.InferResponse, error) {
	start := time.Now()

	inputs := make([][]float64, len(reqs))
	for i, r := range reqs {
		inputs[i] = r.InputData
	}

	outputs, err := n.engine.BatchPredict(inputs)
	if err != nil {
		return nil, fmt.Errorf("worker: batch predict: %w", err)
	}

	elapsedUs := time.Since(start).Microseconds()

	if n.metrics != nil {
		trigger := batch.TriggerTimeout
		if len(reqs) >= n.cfg.MaxBatchSize {
			trigger = batch.TriggerFull
		}
		n.metrics.Observe(trigger, len(reqs))
	}

	resps := make([]transport.InferResponse, len(reqs))
	for i, r := range reqs {
		resps[i] = transport.InferResponse{
			RequestID:       r.RequestID,
			OutputData:      outputs[i],
			OutputShape:     []int{len(outputs[i])},
			InferenceTimeUs: elapsedUs,
			NodeID:          n.cfg.NodeID,
		}
	}
	return resps, nil
}

// Infer submits req to the coalescer and blocks for its result. It also
// maintains the total/active request counters surfaced at /health.
func (n *Node) Infer(ctx context.Context, req transport.InferRequest) (transport.InferResponse, error) {
	atomic.AddInt64(&n.activeRequests, 1)
	atomic.AddInt64(&n.totalRequests, 1)
	defer atomic.AddInt64(&n.activeRequests, -1)

	if n.metrics != nil {
		n.metrics.RequestsTotal.Inc()
		n.metrics.ActiveRequests.Set(float64(atomic.LoadInt64(&n.activeRequests)))
		defer n.metrics.ActiveRequests.Set(float64(atomic.LoadInt64(&n.activeRequests)))
	}

	resp, err := n.coal.Submit(ctx, req)
	if err != nil {
		return resp, fmt.Errorf("worker: submit: %w", err)
	}
	return resp, nil
}

// Health reports the node's current load and cumulative batch metrics, per
// spec.md §6 GET /health.
func (n *Node) Health() transport.HealthResponse {
	m := n.coal.Metrics()
	return transport.HealthResponse{
		Healthy:        true,
		NodeID:         n.cfg.NodeID,
		ActiveRequests: atomic.LoadInt64(&n.activeRequests),
		TotalRequests:  atomic.LoadInt64(&n.totalRequests),
		BatchMetrics: transport.BatchMetricsReport{
			TotalBatches:   m.TotalBatches,
			AvgBatchSize:   m.AvgBatchSize,
			TimeoutBatches: m.TimeoutBatches,
			FullBatches:    m.FullBatches,
		},
	}
}

// Handler returns the worker's HTTP mux: POST /infer, GET /health.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/infer", n.handleInfer)
	mux.HandleFunc("/health", n.handleHealth)
	return mux
}

func (n *Node) handleInfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req transport.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx, span := n.tracer.Start(r.Context(), "worker.infer", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model_name", req.ModelName),
	))
	defer span.End()

	resp, err := n.Infer(ctx, req)
	if err != nil {
		span.RecordError(err)
		n.log.Warn("inference failed", zap.String("request_id", req.RequestID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.Health())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprintf(w, "Error: %s", msg)
}
