package cporaft

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/dto"
)

const (
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
	raftSnapshotRetain   = 2
)

// Server is one node of the CPO's Raft cluster: the replicated
// collection/partition map plus the persistence-cluster registry, served
// over the CollectionCreate/CollectionGet/PersistenceClusterGet verbs.
type Server struct {
	NodeID string

	fsm    *FSM
	raft   *raft.Raft
	logger *zap.Logger
}

// Config carries everything needed to stand up one Raft node, grounded on
// the teacher's initAndStartRaft.
type Config struct {
	NodeID        string
	RaftBindAddr  string
	RaftDataDir   string
	Bootstrap     bool
	JoinAddresses []string // peers to seed the initial configuration with, alongside this node, when Bootstrap is true
}

func NewServer(cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsm := NewFSM(logger)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = hclog.Default()

	raftDataPath := filepath.Join(cfg.RaftDataDir, cfg.NodeID, "raft_meta")
	if err := os.MkdirAll(raftDataPath, 0700); err != nil {
		return nil, fmt.Errorf("cporaft: create raft data dir %s: %w", raftDataPath, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftBindAddr)
	if err != nil {
		return nil, fmt.Errorf("cporaft: resolve raft bind address %s: %w", cfg.RaftBindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.RaftBindAddr, addr, raftTransportMaxPool, raftTransportTimeout, raftConfig.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("cporaft: create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(raftDataPath, raftSnapshotRetain, raftConfig.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("cporaft: create snapshot store at %s: %w", raftDataPath, err)
	}

	boltDBPath := filepath.Join(raftDataPath, "raft.db")
	boltDB, err := raftboltdb.NewBoltStore(boltDBPath)
	if err != nil {
		return nil, fmt.Errorf("cporaft: create bolt store at %s: %w", boltDBPath, err)
	}

	raftNode, err := raft.NewRaft(raftConfig, fsm, boltDB, boltDB, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("cporaft: create raft node: %w", err)
	}

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}}
		for _, peer := range cfg.JoinAddresses {
			servers = append(servers, raft.Server{ID: raft.ServerID(peer), Address: raft.ServerAddress(peer)})
		}
		future := raftNode.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("cporaft: bootstrap cluster: %w", err)
		}
	}

	return &Server{NodeID: cfg.NodeID, fsm: fsm, raft: raftNode, logger: logger}, nil
}

func (s *Server) apply(cmd LogCommand) error {
	if s.raft.State() != raft.Leader {
		return fmt.Errorf("cporaft: not leader, current leader is %q", s.raft.Leader())
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("cporaft: marshal log command: %w", err)
	}
	future := s.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cporaft: apply log command: %w", err)
	}
	if errResp, ok := future.Response().(error); ok && errResp != nil {
		return errResp
	}
	return nil
}

// HandleCollectionCreate replicates a new collection's metadata and
// partition map through Raft.
func (s *Server) HandleCollectionCreate(req dto.CollectionCreateRequest) dto.CollectionCreateResponse {
	err := s.apply(LogCommand{
		Op:                 OpCreateCollection,
		CollectionMetadata: req.Metadata,
		Endpoints:          req.Endpoints,
		RangeEnds:          req.RangeEnds,
	})
	if err != nil {
		return dto.CollectionCreateResponse{Status: dto.ServiceUnavailable(err.Error())}
	}
	return dto.CollectionCreateResponse{Status: dto.Created("")}
}

// HandleCollectionGet is a local read against this node's FSM; any node
// (not just the leader) may serve it, since Raft followers apply committed
// entries in order and a slightly stale read is acceptable for a partition
// map.
func (s *Server) HandleCollectionGet(req dto.CollectionGetRequest) dto.CollectionGetResponse {
	coll, ok := s.fsm.Collection(req.Name)
	if !ok {
		return dto.CollectionGetResponse{Status: dto.NotFound("collection not found")}
	}
	return dto.CollectionGetResponse{Status: dto.OK(""), Collection: coll}
}

// HandlePersistenceClusterGet resolves the storage endpoints backing a
// named WAL persistence cluster (CPOClient.h GetPersistenceCluster).
func (s *Server) HandlePersistenceClusterGet(req dto.PersistenceClusterGetRequest) dto.PersistenceClusterGetResponse {
	eps, ok := s.fsm.PersistenceCluster(req.Name)
	if !ok {
		return dto.PersistenceClusterGetResponse{Status: dto.NotFound("persistence cluster not found")}
	}
	return dto.PersistenceClusterGetResponse{Status: dto.OK(""), Endpoints: eps}
}

// RegisterPersistenceCluster replicates a persistence cluster's storage
// endpoints through Raft, so partitions that ask for it later get a
// consistent answer from any CPO node.
func (s *Server) RegisterPersistenceCluster(name string, endpoints []string) error {
	return s.apply(LogCommand{Op: OpSetPersistenceCluster, PersistenceCluster: name, Endpoints: endpoints})
}

// Shutdown gracefully stops this node's Raft participation.
func (s *Server) Shutdown() error {
	return s.raft.Shutdown().Error()
}
