// Package gateway implements the inbound edge of the fabric: it accepts
// client inference requests, routes them to a worker via the consistent
// hash ring, retries on a bounded set of alternate workers on failure, and
// exposes aggregate stats (spec.md §4.3, §4.6).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AbhiramDodda/distributed-inference-engine/internal/obs"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/ring"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/transport"
)

// ErrAllWorkersFailed is returned when every worker the router attempted
// for a request returned an error.
var ErrAllWorkersFailed = errors.New("gateway: all attempted workers failed")

// ErrNoWorkersAvailable is returned when the ring has no registered
// workers at all, distinct from ErrAllWorkersFailed (which means workers
// exist but every attempt against them failed).
var ErrNoWorkersAvailable = errors.New("gateway: no workers registered")

// Config holds the knobs a gateway binary exposes on the command line.
type Config struct {
	VirtualNodes  int
	ForwardTimeout time.Duration
}

// Router owns the consistent hash ring mapping request keys to worker
// endpoints, and forwards requests over transport.Client with failover.
type Router struct {
	cfg    Config
	ring   *ring.Ring
	client *transport.Client

	metrics *obs.RouterMetrics
	log     *zap.Logger
	tracer  trace.Tracer

	totalRequests int64
}

// New builds a Router over the given worker endpoints.
func New(cfg Config, workers []string, metrics *obs.RouterMetrics, log *zap.Logger) *Router {
	return &Router{
		cfg:     cfg,
		ring:    ring.New(workers, cfg.VirtualNodes),
		client:  transport.NewClient(),
		metrics: metrics,
		log:     log,
		tracer:  obs.Tracer("gateway"),
	}
}

// Route picks a worker for req.RequestID via the hash ring and forwards the
// request. On failure it fails over to the remaining registered workers, in
// ring order, until one succeeds or all have been tried (spec.md §4.3).
func (rt *Router) Route(ctx context.Context, req transport.InferRequest) (transport.InferResponse, error) {
	atomic.AddInt64(&rt.totalRequests, 1)
	if rt.metrics != nil {
		rt.metrics.RequestsTotal.Inc()
	}

	primary, err := rt.ring.Lookup(req.RequestID)
	if err != nil {
		if errors.Is(err, ring.ErrEmptyRing) {
			return transport.InferResponse{}, fmt.Errorf("%w", ErrNoWorkersAvailable)
		}
		return transport.InferResponse{}, fmt.Errorf("gateway: route: %w", err)
	}

	candidates := []string{primary}
	for _, ep := range rt.ring.Nodes() {
		if ep != primary {
			candidates = append(candidates, ep)
		}
	}

	var primaryErr error
	for i, endpoint := range candidates {
		attemptCtx, cancel := context.WithTimeout(ctx, rt.cfg.ForwardTimeout)
		resp, err := rt.forward(attemptCtx, endpoint, req, i == 0)
		cancel()
		if err == nil {
			return resp, nil
		}
		if i == 0 {
			primaryErr = err
		}
		rt.log.Warn("forward failed",
			zap.String("request_id", req.RequestID),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", i),
			zap.Error(err),
		)
		if i == 0 && len(candidates) > 1 && rt.metrics != nil {
			rt.metrics.FailoversTotal.Inc()
		}
	}

	if rt.metrics != nil {
		rt.metrics.AllFailedTotal.Inc()
	}
	return transport.InferResponse{}, fmt.Errorf("%w: %v", ErrAllWorkersFailed, primaryErr)
}

func (rt *Router) forward(ctx context.Context, endpoint string, req transport.InferRequest, primary bool) (transport.InferResponse, error) {
	outcome := "success"
	start := time.Now()
	ctx, span := rt.tracer.Start(ctx, "gateway.forward", trace.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("primary", primary),
	))
	defer span.End()

	resp, err := rt.client.Forward(ctx, endpoint, req)
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
	}
	if rt.metrics != nil {
		rt.metrics.ForwardDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	return resp, err
}

// Stats returns the gateway's aggregate counters, per spec.md §6 GET
// /stats.
func (rt *Router) Stats() transport.StatsResponse {
	return transport.StatsResponse{
		TotalRequests: atomic.LoadInt64(&rt.totalRequests),
		NumWorkers:    rt.ring.Size(),
		Workers:       rt.ring.Nodes(),
	}
}

// Handler returns the gateway's HTTP mux: POST /infer, GET /stats.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/infer", rt.handleInfer)
	mux.HandleFunc("/stats", rt.handleStats)
	return mux
}

func (rt *Router) handleInfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req transport.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	resp, err := rt.Route(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.Stats())
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
