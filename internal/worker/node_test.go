package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AbhiramDodda/distributed-inference-engine/internal/compute"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/obs"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/transport"
)

func newTestNode(t *testing.T, maxBatch int, batchTimeout time.Duration) *Node {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := obs.NewWorkerMetrics(reg, "test-node")
	engine := compute.NewWithSize("test-model", 0, 16, 8)
	n := New(Config{
		NodeID:        "test-node",
		MaxBatchSize:  maxBatch,
		BatchTimeout:  batchTimeout,
		SubmitTimeout: 2 * time.Second,
	}, engine, metrics, zap.NewNop())
	t.Cleanup(n.Stop)
	return n
}

func sampleRequest(id string) transport.InferRequest {
	return transport.InferRequest{
		RequestID:  id,
		ModelName:  "test-model",
		InputData:  []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		InputShape: []int{16},
	}
}

func TestNodeInferReturnsOutputSummingToOne(t *testing.T) {
	n := newTestNode(t, 4, 20*time.Millisecond)

	resp, err := n.Infer(context.Background(), sampleRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "test-node", resp.NodeID)

	var sum float64
	for _, v := range resp.OutputData {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestNodeHealthReflectsTotalRequests(t *testing.T) {
	n := newTestNode(t, 4, 20*time.Millisecond)

	_, err := n.Infer(context.Background(), sampleRequest("r1"))
	require.NoError(t, err)
	_, err = n.Infer(context.Background(), sampleRequest("r2"))
	require.NoError(t, err)

	h := n.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, int64(2), h.TotalRequests)
	assert.Equal(t, int64(0), h.ActiveRequests)
	assert.GreaterOrEqual(t, h.BatchMetrics.TotalBatches, int64(1))
}

func TestNodeHandlerServesInferAndHealth(t *testing.T) {
	n := newTestNode(t, 4, 20*time.Millisecond)
	srv := httptest.NewServer(n.Handler())
	defer srv.Close()

	client := transport.NewClient()

	resp, err := client.Forward(context.Background(), srv.URL, sampleRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.RequestID)

	health, err := client.Health(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, "test-node", health.NodeID)
}

func TestNodeHandlerRejectsWrongMethod(t *testing.T) {
	n := newTestNode(t, 4, 20*time.Millisecond)
	srv := httptest.NewServer(n.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/infer")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
