// Command gateway runs the fabric's inbound edge: it accepts inference
// requests over HTTP, routes them across a pool of workers via a
// consistent hash ring, and exposes Prometheus metrics and a /stats
// surface for operators.
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

	"github.com/AbhiramDodda/distributed-inference-engine/internal/gateway"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/obs"
	"github.com/AbhiramDodda/distributed-inference-engine/internal/ring"
)

var (
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "port to serve the gateway's /infer and /stats endpoints on",
		Value: 8000,
	}
	metricsPortFlag = &cli.IntFlag{
		Name:  "metrics-port",
		Usage: "port to serve the Prometheus /metrics endpoint on",
		Value: 9090,
	}
	workersFlag = &cli.StringSliceFlag{
		Name:     "workers",
		Usage:    "worker endpoint (e.g. http://localhost:8001); may be repeated",
		Required: true,
	}
	virtualNodesFlag = &cli.IntFlag{
		Name:  "virtual-nodes",
		Usage: "virtual nodes per worker on the hash ring",
		Value: ring.DefaultVirtualNodes,
	}
	forwardTimeoutFlag = &cli.IntFlag{
		Name:  "forward-timeout-ms",
		Usage: "per-attempt timeout for a gateway -> worker forward, in milliseconds",
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
		Name:  "gateway",
		Usage: "route inference requests across a worker pool via consistent hashing",
		Flags: []cli.Flag{
			portFlag, metricsPortFlag, workersFlag, virtualNodesFlag,
			forwardTimeoutFlag, jaegerEndpointFlag, debugLogFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, err := obs.NewLogger(c.Bool(debugLogFlag.Name))
	if err != nil {
		return fmt.Errorf("gateway: build logger: %w", err)
	}
	defer log.Sync()

	if err := obs.InitTracing("gateway", c.String(jaegerEndpointFlag.Name), log); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	metrics := obs.NewRouterMetrics(reg)

	workers := c.StringSlice(workersFlag.Name)
	router := gateway.New(gateway.Config{
		VirtualNodes:   c.Int(virtualNodesFlag.Name),
		ForwardTimeout: time.Duration(c.Int(forwardTimeoutFlag.Name)) * time.Millisecond,
	}, workers, metrics, log)

	log.Info("gateway starting",
		zap.Int("port", c.Int(portFlag.Name)),
		zap.Strings("workers", workers),
		zap.Int("virtual_nodes", c.Int(virtualNodesFlag.Name)),
	)

	mainSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int(portFlag.Name)),
		Handler: router.Handler(),
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
			return fmt.Errorf("gateway: server error: %w", err)
		}
	case <-sigCh:
		log.Info("gateway shutting down")
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
