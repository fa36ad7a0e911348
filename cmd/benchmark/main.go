// Command benchmark is a concurrent load generator for a running gateway:
// it fires synthetic inference requests and reports latency percentiles
// and worker distribution, the way original_source/benchmark.py's
// LoadGenerator does.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/AbhiramDodda/distributed-inference-engine/internal/transport"
)

var (
	targetFlag = &cli.StringFlag{
		Name:  "target",
		Usage: "gateway base URL",
		Value: "http://localhost:8000",
	}
	requestsFlag = &cli.IntFlag{
		Name:  "requests",
		Usage: "total number of requests to send",
		Value: 1000,
	}
	concurrentFlag = &cli.IntFlag{
		Name:  "concurrent",
		Usage: "number of concurrent in-flight requests",
		Value: 50,
	}
	inputSizeFlag = &cli.IntFlag{
		Name:  "input-size",
		Usage: "length of the synthetic input vector",
		Value: 224 * 224 * 3,
	}
	modelNameFlag = &cli.StringFlag{
		Name:  "model-name",
		Usage: "model name stamped into each synthetic request",
		Value: "resnet50",
	}
)

// result is one request's outcome, collected on resultsCh and folded into
// the final Report.
type result struct {
	ok      bool
	latency time.Duration
	nodeID  string
}

// Report mirrors original_source/benchmark.py's analyze_results() output
// shape, printed as JSON to stdout.
type Report struct {
	TotalRequests      int            `json:"total_requests"`
	SuccessfulRequests int            `json:"successful_requests"`
	FailedRequests     int            `json:"failed_requests"`
	TotalTimeSeconds   float64        `json:"total_time_seconds"`
	ThroughputReqPerS  float64        `json:"throughput_req_per_s"`
	LatencyMs          LatencyStats   `json:"latency_ms"`
	NodeDistribution   map[string]int `json:"node_distribution"`
	LoadBalanceVariancePct float64    `json:"load_balance_variance_pct"`
}

// LatencyStats holds the percentile breakdown of successful request
// latencies, in milliseconds.
type LatencyStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func main() {
	app := &cli.App{
		Name:  "benchmark",
		Usage: "load-test a running gateway and report latency/distribution",
		Flags: []cli.Flag{targetFlag, requestsFlag, concurrentFlag, inputSizeFlag, modelNameFlag},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "benchmark: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	target := c.String(targetFlag.Name)
	numRequests := c.Int(requestsFlag.Name)
	concurrency := c.Int(concurrentFlag.Name)

	client := transport.NewClient()

	checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	stats, err := client.Stats(checkCtx, target)
	cancel()
	if err != nil {
		return fmt.Errorf("benchmark: gateway unreachable at %s: %w", target, err)
	}
	fmt.Printf("gateway reachable, workers=%d\n", stats.NumWorkers)

	inputData := make([]float64, c.Int(inputSizeFlag.Name))
	for i := range inputData {
		inputData[i] = float64(i%255) / 255.0
	}
	modelName := c.String(modelNameFlag.Name)

	sem := make(chan struct{}, concurrency)
	resultsCh := make(chan result, numRequests)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := transport.InferRequest{
				RequestID:   fmt.Sprintf("req_%d", i),
				ModelName:   modelName,
				InputData:   inputData,
				InputShape:  []int{1, 224, 224, 3},
				TimestampUs: time.Now().UnixMicro(),
			}

			reqStart := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			resp, err := client.Forward(ctx, target, req)
			cancel()
			latency := time.Since(reqStart)

			if err != nil {
				resultsCh <- result{ok: false}
				return
			}
			resultsCh <- result{ok: true, latency: latency, nodeID: resp.NodeID}
		}(i)
	}

	wg.Wait()
	close(resultsCh)
	totalTime := time.Since(start)

	report := buildReport(numRequests, totalTime, resultsCh)
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("benchmark: encode report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func buildReport(totalRequests int, totalTime time.Duration, resultsCh <-chan result) Report {
	var latencies []float64
	dist := make(map[string]int)
	failed := 0

	for r := range resultsCh {
		if !r.ok {
			failed++
			continue
		}
		latencies = append(latencies, float64(r.latency.Microseconds())/1000.0)
		dist[r.nodeID]++
	}

	report := Report{
		TotalRequests:      totalRequests,
		SuccessfulRequests: len(latencies),
		FailedRequests:     failed,
		TotalTimeSeconds:   totalTime.Seconds(),
		NodeDistribution:   dist,
	}
	if totalTime.Seconds() > 0 {
		report.ThroughputReqPerS = float64(len(latencies)) / totalTime.Seconds()
	}
	if len(latencies) > 0 {
		report.LatencyMs = latencyStats(latencies)
	}
	if len(dist) > 1 {
		report.LoadBalanceVariancePct = distributionVariance(dist)
	}
	return report
}

func latencyStats(latencies []float64) LatencyStats {
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	return LatencyStats{
		Mean:   mean,
		Median: percentile(sorted, 50),
		P50:    percentile(sorted, 50),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

// percentile linearly interpolates between the two closest ranks of a
// pre-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100.0) * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func distributionVariance(dist map[string]int) float64 {
	var sum float64
	counts := make([]float64, 0, len(dist))
	for _, c := range dist {
		counts = append(counts, float64(c))
		sum += float64(c)
	}
	mean := sum / float64(len(counts))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, c := range counts {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(counts))
	return (math.Sqrt(variance) / mean) * 100
}
