package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/config"
	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/logging"
	"github.com/k2-platform/k23si/internal/rpcpool"
	"github.com/k2-platform/k23si/internal/transport"
)

var (
	endpointFlag = flag.String("endpoint", "127.0.0.1:9443", "partition server to connect to")
	configPath   = flag.String("config", "", "path to the YAML config file; defaults are used when empty")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Printf("k23si-cli: %v\n", err)
			return
		}
	}
	logger, err := logging.NewFromAppConfig(cfg.Logging)
	if err != nil {
		fmt.Printf("k23si-cli: logger init: %v\n", err)
		return
	}
	defer logger.Sync()

	pool := rpcpool.NewManager(2, 5*time.Second)
	pc, err := pool.Get(*endpointFlag)
	if err != nil {
		fmt.Printf("k23si-cli: connect %s: %v\n", *endpointFlag, err)
		return
	}
	client := transport.NewPartitionClient(pc.Conn)

	logger.Info("k23si-cli connected", zap.String("endpoint", *endpointFlag))
	shellLoop(client)
}

func shellLoop(client *transport.PartitionClient) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31mk23si»\033[0m ",
		HistoryFile:       "/tmp/k23si-cli-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		runCommand(client, strings.Fields(line))
	}
}

func runCommand(client *transport.PartitionClient, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch args[0] {
	case "inspect-keys":
		if len(args) < 3 {
			fmt.Println("usage: inspect-keys <collection> <pvid>")
			return
		}
		resp, err := client.InspectAllKeys(ctx, dto.InspectAllKeysRequest{CollectionName: args[1], PVID: args[2]})
		report(resp.Status, err)
		for _, k := range resp.Keys {
			fmt.Println(k.String())
		}
	case "inspect-records":
		if len(args) < 4 {
			fmt.Println("usage: inspect-records <collection> <pvid> <schema>/<partitionKey>/<rangeKey>")
			return
		}
		resp, err := client.InspectRecords(ctx, dto.InspectRecordsRequest{CollectionName: args[1], PVID: args[2], Key: parseKey(args[3])})
		report(resp.Status, err)
		for _, r := range resp.Records {
			fmt.Printf("ts=%s status=%v tombstone=%v txn=%s\n", r.Timestamp, r.Status, r.IsTombstone, r.TxnId.Timestamp)
		}
	case "inspect-wis":
		if len(args) < 3 {
			fmt.Println("usage: inspect-wis <collection> <pvid>")
			return
		}
		resp, err := client.InspectWIs(ctx, dto.InspectWIsRequest{CollectionName: args[1], PVID: args[2]})
		report(resp.Status, err)
		for _, r := range resp.WIs {
			fmt.Printf("txn=%s schema=%s/%d\n", r.TxnId.Timestamp, r.SchemaName, r.SchemaVer)
		}
	case "inspect-txns":
		resp, err := client.InspectAllTxns(ctx, dto.InspectAllTxnsRequest{})
		report(resp.Status, err)
		for _, r := range resp.Records {
			fmt.Printf("txn=%s state=%s writeKeys=%d\n", r.TxnId.Timestamp, r.State, len(r.WriteKeys))
		}
	case "help":
		fmt.Println("commands: inspect-keys, inspect-records, inspect-wis, inspect-txns, exit")
	default:
		fmt.Printf("unknown command %q, try 'help'\n", args[0])
	}
}

func parseKey(s string) dto.Key {
	parts := strings.SplitN(s, "/", 3)
	k := dto.Key{}
	if len(parts) > 0 {
		k.SchemaName = parts[0]
	}
	if len(parts) > 1 {
		k.PartitionKey = parts[1]
	}
	if len(parts) > 2 {
		k.RangeKey = parts[2]
	}
	return k
}

func report(status dto.Status, err error) {
	if err != nil {
		fmt.Printf("rpc error: %v\n", err)
		return
	}
	if !status.IsOK() {
		fmt.Printf("status: %s\n", status.Error())
	}
}
