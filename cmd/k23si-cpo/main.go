package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/k2-platform/k23si/internal/config"
	"github.com/k2-platform/k23si/internal/cporaft"
	"github.com/k2-platform/k23si/internal/logging"
	"github.com/k2-platform/k23si/internal/transport"
)

var (
	configPath    = flag.String("config", "", "path to the YAML config file; defaults are used when empty")
	nodeIDFlag    = flag.String("node_id", "", "overrides config.cpo.nodeId")
	joinAddresses = flag.String("join", "", "comma-separated peer raft addresses to bootstrap alongside this node")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "k23si-cpo: %v\n", err)
			os.Exit(1)
		}
	}
	if *nodeIDFlag != "" {
		cfg.CPO.NodeID = *nodeIDFlag
	}
	var joins []string
	if *joinAddresses != "" {
		joins = strings.Split(*joinAddresses, ",")
	}

	logger, err := logging.NewFromAppConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "k23si-cpo: logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting k23si control plane oracle",
		zap.String("nodeId", cfg.CPO.NodeID),
		zap.String("raftBindAddr", cfg.CPO.RaftBindAddr),
		zap.Bool("bootstrap", cfg.CPO.Bootstrap))

	raftServer, err := cporaft.NewServer(cporaft.Config{
		NodeID:        cfg.CPO.NodeID,
		RaftBindAddr:  cfg.CPO.RaftBindAddr,
		RaftDataDir:   cfg.CPO.RaftDataDir,
		Bootstrap:     cfg.CPO.Bootstrap,
		JoinAddresses: joins,
	}, logger)
	if err != nil {
		logger.Fatal("raft server init failed", zap.Error(err))
	}

	lis, err := net.Listen("tcp", cfg.CPO.ListenAddress)
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err), zap.String("address", cfg.CPO.ListenAddress))
	}
	grpcServer := grpc.NewServer()
	transport.RegisterCPOServer(grpcServer, raftServer)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down k23si control plane oracle")
	grpcServer.GracefulStop()
	if err := raftServer.Shutdown(); err != nil {
		logger.Error("raft shutdown failed", zap.Error(err))
	}
}
