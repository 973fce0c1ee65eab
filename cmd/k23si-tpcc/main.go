package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/config"
	"github.com/k2-platform/k23si/internal/cpoclient"
	"github.com/k2-platform/k23si/internal/logging"
	"github.com/k2-platform/k23si/internal/rpcpool"
	"github.com/k2-platform/k23si/internal/tpcc"
	"github.com/k2-platform/k23si/internal/tsoclient"
	"github.com/k2-platform/k23si/internal/tsotransport"
)

var (
	configPath   = flag.String("config", "", "path to the YAML config file; defaults are used when empty")
	collection   = flag.String("collection", "tpcc", "collection name the workload targets")
	tsoAddress   = flag.String("tso_address", "127.0.0.1:9446", "TSO endpoint to mint timestamps from")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "k23si-tpcc: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.NewFromAppConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "k23si-tpcc: logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	meterProvider := metric.NewMeterProvider()
	meter := meterProvider.Meter("k23si-tpcc")

	pool := rpcpool.NewManager(8, 10*time.Second)
	cpo := cpoclient.New(cfg.TPCC.CPOEndpoints, pool, logger)

	tsoClient := tsotransport.NewClient(*tsoAddress, &tls.Config{InsecureSkipVerify: true})
	tso := tsoclient.New(tsoClient, 1000)

	wcfg := tpcc.Config{
		MaxWarehouses:     int32(cfg.TPCC.Warehouses),
		DeliveryBatchSize: 10,
		ItemsPerNewOrder:  10,
		NewOrderMaxItemID: 100000,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.TPCC.RunDuration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < cfg.TPCC.Terminals; i++ {
		sess := tpcc.NewSession(*collection, cpo, tso, pool, logger)
		driver, err := tpcc.NewDriver(sess, wcfg, int64(i+1), meter, logger)
		if err != nil {
			logger.Fatal("driver init failed", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			driver.Run(ctx)
		}()
	}

	logger.Info("running k23si tpcc workload",
		zap.Int("terminals", cfg.TPCC.Terminals),
		zap.Int("warehouses", cfg.TPCC.Warehouses),
		zap.Duration("duration", cfg.TPCC.RunDuration))

	wg.Wait()
	logger.Info("k23si tpcc workload finished")
}
