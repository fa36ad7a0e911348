// Command basic demonstrates basic usage of the distributed inference SDK.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/AbhiramDodda/distributed-inference-engine/sdk/go/inference"
)

func main() {
	client, err := inference.NewClient(inference.Config{
		BaseURL:    "http://localhost:8000",
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	})
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()

	fmt.Println("=== Stats ===")
	stats, err := client.Stats(ctx)
	if err != nil {
		log.Printf("stats failed: %v", err)
	} else {
		fmt.Printf("workers: %d, total requests: %d\n", stats.NumWorkers, stats.TotalRequests)
	}
	fmt.Println()

	fmt.Println("=== Infer ===")
	resp, err := client.Infer(ctx, inference.InferRequest{
		RequestID:  "example-1",
		ModelName:  "resnet50",
		InputData:  []float64{0.1, 0.2, 0.3, 0.4},
		InputShape: []int{1, 4},
	})
	if err != nil {
		log.Printf("infer failed: %v", err)
	} else {
		fmt.Printf("node: %s, inference time: %dus, output len: %d\n",
			resp.NodeID, resp.InferenceTimeUs, len(resp.OutputData))
	}
}
