// Command bywatch polls a Bybit UNIFIED account and serves the resulting
// snapshot as Prometheus metrics, a JSON API and a WebSocket stream.
//
// Usage:
//
//	bywatch -setup                     interactive first-run wizard
//	bywatch -config config.yaml        run with a yaml config
//	bywatch                            run with defaults and flags
//
// Required environment variables: BYBIT_API_KEY, BYBIT_API_SECRET
// (a .env file in the working directory is picked up automatically).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/bywatch/config"
	"github.com/vadiminshakov/bywatch/internal/bybit"
	"github.com/vadiminshakov/bywatch/internal/metrics"
	"github.com/vadiminshakov/bywatch/internal/services/poller"
	"github.com/vadiminshakov/bywatch/internal/setup"
	"github.com/vadiminshakov/bywatch/internal/web"
)

func main() {
	runSetup := flag.Bool("setup", false, "run the interactive configuration wizard")

	// .env is optional; real environments export the variables directly
	_ = godotenv.Load()

	cfg, err := config.Get()
	if *runSetup {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	clientOpts := []bybit.Option{bybit.WithLogger(logger.Named("bybit"))}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, bybit.WithBaseURL(cfg.BaseURL))
	}
	client := bybit.NewClient(cfg.Credentials, clientOpts...)

	coordinator, err := poller.New(client, poller.Config{
		Interval:         cfg.UpdateInterval,
		FailureThreshold: cfg.FailureThreshold,
	}, logger.Named("poller"))
	if err != nil {
		logger.Fatal("invalid polling configuration", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter := metrics.NewExporter(registry, coordinator, logger.Named("metrics"))

	server := web.NewServer(cfg.ListenAddr, coordinator,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger.Named("web"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// subscribers first, so the immediate first poll cycle is not missed
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		exporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	coordinator.Start(ctx)

	<-gctx.Done()
	logger.Info("shutting down")

	// coordinator first so subscribers see closed channels and drain
	coordinator.Stop()
	if err := g.Wait(); err != nil {
		logger.Error("shutdown finished with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
