package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/config"
	"github.com/k2-platform/k23si/internal/logging"
	"github.com/k2-platform/k23si/internal/tsotransport"
	"github.com/k2-platform/k23si/internal/tsoworker"
)

var configPath = flag.String("config", "", "path to the YAML config file; defaults are used when empty")

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "k23si-tso: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.NewFromAppConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "k23si-tso: logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	worker := tsoworker.New(tsoworker.Config{
		TSOId:       cfg.TSO.TSOId,
		TsDelta:     cfg.TSO.TsDelta,
		TTL:         cfg.TSO.BatchTTL,
		NanoSecStep: cfg.TSO.NanoSecStep,
	})

	serverTLS, _, err := tsotransport.GenerateSelfSignedTLSConfig([]string{"localhost"})
	if err != nil {
		logger.Fatal("tls setup failed", zap.Error(err))
	}

	srv := tsotransport.NewServer(cfg.TSO.ListenAddress, serverTLS, worker)

	logger.Info("starting k23si timestamp oracle",
		zap.Uint32("tsoId", cfg.TSO.TSOId),
		zap.String("listenAddress", cfg.TSO.ListenAddress))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down k23si timestamp oracle")
	case err := <-errCh:
		if err != nil {
			logger.Error("tso server stopped", zap.Error(err))
		}
	}
	cancel()
	time.Sleep(100 * time.Millisecond)
}
