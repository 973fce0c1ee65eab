// Package config loads the YAML configuration shared by every k23si
// process: partition server, CPO, TSO, TPC-C driver, and CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds the partition-executor process's tunables, spec.md
// sections 3 and 4.2.
type Server struct {
	ListenAddress      string        `yaml:"listenAddress"`
	DataDir            string        `yaml:"dataDir"`
	CPOEndpoints       []string      `yaml:"cpoEndpoints"`
	TSOEndpoints       []string      `yaml:"tsoEndpoints"`
	RetentionPeriod    time.Duration `yaml:"retentionPeriod"`
	HeartbeatTTL       time.Duration `yaml:"heartbeatTTL"`
	HeartbeatSweep     time.Duration `yaml:"heartbeatSweepInterval"`
	ReadCacheCapacity  int           `yaml:"readCacheCapacity"`
	QueryRowLimit      int           `yaml:"queryRowLimit"`
	WALSegmentSizeMB   int           `yaml:"walSegmentSizeMB"`
	RetentionRefresh   time.Duration `yaml:"retentionRefreshInterval"`
}

// CPO holds the Control Plane Oracle's Raft cluster tunables.
type CPO struct {
	ListenAddress  string   `yaml:"listenAddress"`
	RaftBindAddr   string   `yaml:"raftBindAddress"`
	RaftDataDir    string   `yaml:"raftDataDir"`
	NodeID         string   `yaml:"nodeId"`
	Bootstrap      bool     `yaml:"bootstrap"`
	JoinAddresses  []string `yaml:"joinAddresses"`
}

// TSO holds the Timestamp Oracle's batching tunables.
type TSO struct {
	ListenAddress  string        `yaml:"listenAddress"`
	TSOId          uint32        `yaml:"tsoId"`
	TsDelta        time.Duration `yaml:"tsDelta"`
	BatchTTL       time.Duration `yaml:"batchTTL"`
	NanoSecStep    time.Duration `yaml:"nanoSecStep"`
}

// TPCC holds the benchmark driver's workload tunables.
type TPCC struct {
	CPOEndpoints  []string      `yaml:"cpoEndpoints"`
	Warehouses    int           `yaml:"warehouses"`
	Terminals     int           `yaml:"terminals"`
	RunDuration   time.Duration `yaml:"runDuration"`
}

// Logging matches the teacher's structured-logging knobs (zap).
type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"`
}

// Telemetry carries the OpenTelemetry/Prometheus exporter's knobs.
type Telemetry struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listenAddress"`
	ServiceName    string `yaml:"serviceName"`
}

// Config is the top-level document; every k23si-* binary reads the subtree
// relevant to it and ignores the rest.
type Config struct {
	Server    Server    `yaml:"server"`
	CPO       CPO       `yaml:"cpo"`
	TSO       TSO       `yaml:"tso"`
	TPCC      TPCC      `yaml:"tpcc"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Default returns a Config with the same fallbacks the teacher's flag
// defaults apply, so a process can run without a config file.
func Default() Config {
	return Config{
		Server: Server{
			ListenAddress:     ":9443",
			DataDir:           "./data",
			RetentionPeriod:   5 * time.Minute,
			HeartbeatTTL:      30 * time.Second,
			HeartbeatSweep:    5 * time.Second,
			ReadCacheCapacity: 1 << 16,
			QueryRowLimit:     1000,
			WALSegmentSizeMB:  64,
			RetentionRefresh:  time.Second,
		},
		CPO: CPO{
			ListenAddress: ":9444",
			RaftBindAddr:  ":9445",
			RaftDataDir:   "./data/cpo-raft",
			Bootstrap:     true,
		},
		TSO: TSO{
			ListenAddress: ":9446",
			TSOId:         1,
			TsDelta:       time.Millisecond,
			BatchTTL:      10 * time.Second,
			NanoSecStep:   100,
		},
		TPCC: TPCC{
			Warehouses:  1,
			Terminals:   1,
			RunDuration: time.Minute,
		},
		Logging: Logging{
			Level:    "info",
			Encoding: "console",
		},
		Telemetry: Telemetry{
			Enabled:       true,
			ListenAddress: ":9090",
			ServiceName:   "k23si",
		},
	}
}

// Load reads and parses a YAML config file, starting from Default() so any
// field the file omits keeps its fallback.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
