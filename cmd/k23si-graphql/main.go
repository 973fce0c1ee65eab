package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"flag"

	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/playground"
	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/config"
	"github.com/k2-platform/k23si/internal/graphqlapi"
	"github.com/k2-platform/k23si/internal/logging"
	"github.com/k2-platform/k23si/internal/rpcpool"
	"github.com/k2-platform/k23si/internal/transport"
	"github.com/k2-platform/k23si/internal/tsoclient"
	"github.com/k2-platform/k23si/internal/tsotransport"
)

var (
	configPath     = flag.String("config", "", "path to the YAML config file; defaults are used when empty")
	collectionName = flag.String("collection", "", "collection to serve reads for")
	pvid           = flag.String("pvid", "", "partition version id to route reads to")
	endpointFlag   = flag.String("endpoint", "127.0.0.1:9443", "partition server to query")
	tsoAddress     = flag.String("tso", "127.0.0.1:9446", "TSO server to mint read timestamps from")
	listenAddr     = flag.String("listen", "8091", "port (or host:port) the GraphQL server listens on")
)

func main() {
	flag.Parse()
	if *collectionName == "" || *pvid == "" {
		fmt.Fprintln(os.Stderr, "k23si-graphql: -collection and -pvid are required")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "k23si-graphql: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.NewFromAppConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "k23si-graphql: logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	pool := rpcpool.NewManager(2, 5*time.Second)
	pc, err := pool.Get(*endpointFlag)
	if err != nil {
		logger.Fatal("connect to partition failed", zap.Error(err), zap.String("endpoint", *endpointFlag))
	}
	client := transport.NewPartitionClient(pc.Conn)

	tsoConn := tsotransport.NewClient(*tsoAddress, &tls.Config{InsecureSkipVerify: true})
	tso := tsoclient.New(tsoConn, 1000)

	resolver := graphqlapi.NewResolver(client, tso, *collectionName, *pvid)
	srv := handler.NewDefaultServer(graphqlapi.NewExecutableSchema(resolver))

	http.Handle("/", playground.Handler("k23si GraphQL Playground", "/query"))
	http.Handle("/query", srv)

	addr := *listenAddr
	if _, err := strconv.Atoi(addr); err == nil {
		addr = ":" + addr
	}
	logger.Info("starting k23si GraphQL server",
		zap.String("collection", *collectionName),
		zap.String("pvid", *pvid),
		zap.String("partitionEndpoint", *endpointFlag),
		zap.String("listenAddress", addr))
	logger.Fatal("graphql server stopped", zap.Error(http.ListenAndServe(addr, nil)))
}
