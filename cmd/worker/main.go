// Command worker runs a single inference shard: it batches incoming
// requests through a dynamic coalescer and executes them against a local
// compute engine, exposing /infer and /health over HTTP plus Prometheus
// metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/AbhiramDodda/distributed-inference-engine/internal/compute"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/obs"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/worker"
)

var (
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "port to serve /infer and /health on",
		Value: 8001,
	}
	metricsPortFlag = &cli.IntFlag{
		Name:  "metrics-port",
		Usage: "port to serve the Prometheus /metrics endpoint on",
		Value: 9091,
	}
	nodeIDFlag = &cli.StringFlag{
		Name:  "node-id",
		Usage: "this worker's identity; defaults to worker_<port>",
	}
	shardIDFlag = &cli.IntFlag{
		Name:  "shard-id",
		Usage: "model shard index, seeds this worker's deterministic weights",
		Value: 0,
	}
	modelNameFlag = &cli.StringFlag{
		Name:  "model-name",
		Usage: "model identifier stamped into responses",
		Value: "default",
	}
	maxBatchSizeFlag = &cli.IntFlag{
		Name:  "max-batch-size",
		Usage: "maximum number of requests coalesced into one batch",
		Value: 32,
	}
	batchTimeoutFlag = &cli.IntFlag{
		Name:  "batch-timeout-ms",
		Usage: "maximum time a partial batch waits before dispatch",
		Value: 20,
	}
	submitTimeoutFlag = &cli.IntFlag{
		Name:  "submit-timeout-ms",
		Usage: "maximum time a caller waits for its batched result",
		Value: 10000,
	}
	jaegerEndpointFlag = &cli.StringFlag{
		Name:  "jaeger-endpoint",
		Usage: "Jaeger collector endpoint for distributed tracing",
		Value: "",
	}
	debugLogFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "use zap's human-readable development logger instead of JSON",
	}
)

func main() {
	app := &cli.App{
		Name:  "worker",
		Usage: "serve batched inference requests for one model shard",
		Flags: []cli.Flag{
			portFlag, metricsPortFlag, nodeIDFlag, shardIDFlag, modelNameFlag,
			maxBatchSizeFlag, batchTimeoutFlag, submitTimeoutFlag,
			jaegerEndpointFlag, debugLogFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, err := obs.NewLogger(c.Bool(debugLogFlag.Name))
	if err != nil {
		return fmt.Errorf("worker: build logger: %w", err)
	}
	defer log.Sync()

	nodeID := c.String(nodeIDFlag.Name)
	if nodeID == "" {
		nodeID = fmt.Sprintf("worker_%d", c.Int(portFlag.Name))
	}

	if err := obs.InitTracing(nodeID, c.String(jaegerEndpointFlag.Name), log); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	metrics := obs.NewWorkerMetrics(reg, nodeID)
	engine := compute.New(c.String(modelNameFlag.Name), c.Int(shardIDFlag.Name))

	n := worker.New(worker.Config{
		NodeID:        nodeID,
		MaxBatchSize:  c.Int(maxBatchSizeFlag.Name),
		BatchTimeout:  time.Duration(c.Int(batchTimeoutFlag.Name)) * time.Millisecond,
		SubmitTimeout: time.Duration(c.Int(submitTimeoutFlag.Name)) * time.Millisecond,
	}, engine, metrics, log)
	defer n.Stop()

	log.Info("worker starting",
		zap.String("node_id", nodeID),
		zap.Int("port", c.Int(portFlag.Name)),
		zap.Int("shard_id", c.Int(shardIDFlag.Name)),
		zap.Int("max_batch_size", c.Int(maxBatchSizeFlag.Name)),
	)

	mainSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int(portFlag.Name)),
		Handler: n.Handler(),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int(metricsPortFlag.Name)),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- mainSrv.ListenAndServe() }()
	go func() { errCh <- metricsSrv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("worker: server error: %w", err)
		}
	case <-sigCh:
		log.Info("worker shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := obs.ShutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	return nil
}
