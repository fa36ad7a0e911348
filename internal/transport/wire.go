// Package transport implements the wire-level contract of spec.md §6: JSON
// request/response schemas over an HTTP-like transport, plus the client
// side of a single gateway -> worker forward. The transport layer is an
// external collaborator per spec.md §1 and is specified here only to the
// extent §6 pins it down.
package transport

// InferRequest is the §6 "POST /infer" request body, shared verbatim by
// the gateway's inbound endpoint and the worker's endpoint.
type InferRequest struct {
	RequestID   string    `json:"request_id"`
	ModelName   string    `json:"model_name"`
	InputData   []float64 `json:"input_data"`
	InputShape  []int     `json:"input_shape"`
	TimestampUs int64     `json:"timestamp"`
}

// InferResponse is the §6 "200 OK" response body for "/infer".
type InferResponse struct {
	RequestID       string    `json:"request_id"`
	OutputData      []float64 `json:"output_data"`
	OutputShape     []int     `json:"output_shape"`
	InferenceTimeUs int64     `json:"inference_time_us"`
	NodeID          string    `json:"node_id"`
}

// StatsResponse is the gateway's "GET /stats" response body.
type StatsResponse struct {
	TotalRequests int64    `json:"total_requests"`
	NumWorkers    int      `json:"num_workers"`
	Workers       []string `json:"workers"`
}

// BatchMetricsReport mirrors batch.Metrics over the wire.
type BatchMetricsReport struct {
	TotalBatches   int64   `json:"total_batches"`
	AvgBatchSize   float64 `json:"avg_batch_size"`
	TimeoutBatches int64   `json:"timeout_batches"`
	FullBatches    int64   `json:"full_batches"`
}

// HealthResponse is the worker's "GET /health" response body.
type HealthResponse struct {
	Healthy         bool               `json:"healthy"`
	NodeID          string             `json:"node_id"`
	ActiveRequests  int64              `json:"active_requests"`
	TotalRequests   int64              `json:"total_requests"`
	BatchMetrics    BatchMetricsReport `json:"batch_metrics"`
}
