package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AbhiramDodda/distributed-inference-engine/internal/obs"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/transport"
)

func jsonDecode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeTestJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func echoWorker(t *testing.T, nodeID string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		var req transport.InferRequest
		require.NoError(t, jsonDecode(r, &req))
		writeTestJSON(w, transport.InferResponse{
			RequestID:  req.RequestID,
			OutputData: []float64{1},
			NodeID:     nodeID,
		})
	})
	return httptest.NewServer(mux)
}

func failingWorker(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Error: boom"))
	})
	return httptest.NewServer(mux)
}

func newTestRouter(t *testing.T, workers []string) *Router {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := obs.NewRouterMetrics(reg)
	r := New(Config{VirtualNodes: 100, ForwardTimeout: time.Second}, workers, metrics, zap.NewNop())
	return r
}

func TestRouteReturnsResponseFromAssignedWorker(t *testing.T) {
	w1 := echoWorker(t, "w1")
	defer w1.Close()
	w2 := echoWorker(t, "w2")
	defer w2.Close()

	r := newTestRouter(t, []string{w1.URL, w2.URL})

	resp, err := r.Route(context.Background(), transport.InferRequest{RequestID: "req-123"})
	require.NoError(t, err)
	assert.Equal(t, "req-123", resp.RequestID)
	assert.Contains(t, []string{"w1", "w2"}, resp.NodeID)
}

func TestRouteFailsOverToSecondWorker(t *testing.T) {
	bad := failingWorker(t)
	defer bad.Close()
	good := echoWorker(t, "good")
	defer good.Close()

	r := newTestRouter(t, []string{bad.URL, good.URL})

	resp, err := r.Route(context.Background(), transport.InferRequest{RequestID: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "good", resp.NodeID)
}

func TestRouteFailsWhenAllWorkersFail(t *testing.T) {
	bad1 := failingWorker(t)
	defer bad1.Close()
	bad2 := failingWorker(t)
	defer bad2.Close()

	r := newTestRouter(t, []string{bad1.URL, bad2.URL})

	_, err := r.Route(context.Background(), transport.InferRequest{RequestID: "anything"})
	require.ErrorIs(t, err, ErrAllWorkersFailed)
}

func TestRouteFailsWhenNoWorkersRegistered(t *testing.T) {
	r := newTestRouter(t, nil)

	_, err := r.Route(context.Background(), transport.InferRequest{RequestID: "anything"})
	require.ErrorIs(t, err, ErrNoWorkersAvailable)
}

func TestStatsReportsWorkerCount(t *testing.T) {
	w1 := echoWorker(t, "w1")
	defer w1.Close()
	w2 := echoWorker(t, "w2")
	defer w2.Close()

	r := newTestRouter(t, []string{w1.URL, w2.URL})
	stats := r.Stats()
	assert.Equal(t, 2, stats.NumWorkers)
	assert.Len(t, stats.Workers, 2)
}

func TestHandlerServesInferAndStats(t *testing.T) {
	w1 := echoWorker(t, "w1")
	defer w1.Close()

	r := newTestRouter(t, []string{w1.URL})
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	client := transport.NewClient()
	resp, err := client.Forward(context.Background(), srv.URL, transport.InferRequest{RequestID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", resp.RequestID)

	httpResp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
}
