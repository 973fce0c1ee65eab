package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/k2-platform/k23si/internal/config"
	"github.com/k2-platform/k23si/internal/cpoclient"
	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/indexer"
	"github.com/k2-platform/k23si/internal/logging"
	"github.com/k2-platform/k23si/internal/partition"
	"github.com/k2-platform/k23si/internal/persistence"
	"github.com/k2-platform/k23si/internal/readcache"
	"github.com/k2-platform/k23si/internal/rpcpool"
	"github.com/k2-platform/k23si/internal/telemetry"
	"github.com/k2-platform/k23si/internal/transport"
	"github.com/k2-platform/k23si/internal/txnmgr"
)

var (
	configPath     = flag.String("config", "", "path to the YAML config file; defaults are used when empty")
	collectionName = flag.String("collection", "", "collection this partition serves")
	pvid           = flag.String("pvid", "", "this partition's version id, stamped on every response")

	globalWG sync.WaitGroup
)

func main() {
	flag.Parse()
	if *collectionName == "" || *pvid == "" {
		fmt.Fprintln(os.Stderr, "k23si-server: -collection and -pvid are required")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "k23si-server: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.NewFromAppConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "k23si-server: logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting k23si partition server",
		zap.String("collection", *collectionName),
		zap.String("pvid", *pvid),
		zap.String("listenAddress", cfg.Server.ListenAddress))

	_, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		PrometheusPort: mustPort(cfg.Telemetry.ListenAddress),
	})
	if err != nil {
		logger.Fatal("telemetry init failed", zap.Error(err))
	}

	logMgr, err := persistence.NewLogManager(cfg.Server.DataDir, logger, *pvid)
	if err != nil {
		logger.Fatal("log manager init failed", zap.Error(err))
	}

	idx := indexer.New()
	rc := readcache.New(cfg.Server.ReadCacheCapacity)
	pool := rpcpool.NewManager(8, 10*time.Second)
	txns := txnmgr.New(logMgr, logger, cfg.Server.HeartbeatTTL)
	txns.StartSweeper(cfg.Server.HeartbeatSweep)
	defer txns.Stop()

	cpo := cpoclient.New(cfg.Server.CPOEndpoints, pool, logger)

	mod := partition.New(partition.Config{
		CollectionName:  *collectionName,
		PVID:            *pvid,
		RetentionPeriod: cfg.Server.RetentionPeriod,
		QueryRowLimit:   cfg.Server.QueryRowLimit,
	}, logger, idx, rc, txns, logMgr, remoteCaller{pool}, resolveEndpoint(cpo, *collectionName))

	if err := mod.Recover(); err != nil {
		logger.Fatal("recovery from WAL failed", zap.Error(err))
	}

	lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err), zap.String("address", cfg.Server.ListenAddress))
	}
	grpcServer := grpc.NewServer()
	transport.RegisterPartitionServer(grpcServer, mod)

	globalWG.Add(1)
	go func() {
		defer globalWG.Done()
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down k23si partition server")
	grpcServer.GracefulStop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = shutdownTelemetry(ctx)
	cancel()
	globalWG.Wait()
}

// remoteCaller adapts the shared connection pool to partition.RemoteCaller,
// dialing whichever endpoint the caller already resolved.
type remoteCaller struct {
	pool *rpcpool.Manager
}

func (r remoteCaller) Push(ctx context.Context, endpoint string, req dto.TxnPushRequest) (dto.TxnPushResponse, error) {
	pc, err := r.pool.Get(endpoint)
	if err != nil {
		return dto.TxnPushResponse{}, err
	}
	return transport.NewPartitionClient(pc.Conn).Push(ctx, endpoint, req)
}

func (r remoteCaller) Finalize(ctx context.Context, endpoint string, req dto.TxnFinalizeRequest) (dto.TxnFinalizeResponse, error) {
	pc, err := r.pool.Get(endpoint)
	if err != nil {
		return dto.TxnFinalizeResponse{}, err
	}
	return transport.NewPartitionClient(pc.Conn).Finalize(ctx, endpoint, req)
}

func mustPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func resolveEndpoint(cpo *cpoclient.Client, collectionName string) func(string) (string, error) {
	return func(trhPartitionID string) (string, error) {
		return cpo.EndpointForPVID(context.Background(), collectionName, trhPartitionID)
	}
}
