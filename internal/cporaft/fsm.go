// Package cporaft implements the Control Plane Oracle as a
// hashicorp/raft-replicated state machine: the collection->partition map
// CollectionCreate/CollectionGet serve, plus the persistence-cluster
// registry PersistenceClusterGet serves. Structure and naming follow the
// teacher's cmd/gojodb_controller FSM (LogCommand/Apply/Snapshot/Restore);
// the replicated state itself is k23si's, not the teacher's storage-node
// registry.
package cporaft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/dto"
)

// LogCommand is what gets replicated through Raft; Apply decodes one of
// these per committed log entry.
type LogCommand struct {
	Op                 string             `json:"op"`
	CollectionMetadata dto.CollectionMetadata `json:"collectionMetadata,omitempty"`
	Endpoints          []string           `json:"endpoints,omitempty"`
	RangeEnds          []string           `json:"rangeEnds,omitempty"`
	PersistenceCluster string             `json:"persistenceCluster,omitempty"`
}

const (
	OpCreateCollection         = "create_collection"
	OpSetPersistenceCluster    = "set_persistence_cluster"
)

// FSM holds the CPO's replicated state: every collection's metadata and
// partition map, plus the persistence-cluster name -> storage endpoints
// registry PersistenceClusterGet serves.
type FSM struct {
	mu               sync.RWMutex
	logger           *zap.Logger
	collections      map[string]dto.Collection
	persistence      map[string][]string
	lastAppliedIndex uint64
}

func NewFSM(logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{
		logger:      logger,
		collections: make(map[string]dto.Collection),
		persistence: make(map[string][]string),
	}
}

// Apply applies one committed Raft log entry, run on the leader and every
// follower as they catch up.
func (f *FSM) Apply(logEntry *raft.Log) interface{} {
	var cmd LogCommand
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		f.logger.Error("cporaft: failed to unmarshal log entry", zap.Error(err))
		return fmt.Errorf("unmarshal log command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppliedIndex = logEntry.Index

	switch cmd.Op {
	case OpCreateCollection:
		partitions := make([]dto.Partition, len(cmd.Endpoints))
		for i, ep := range cmd.Endpoints {
			rangeEnd := ""
			if i < len(cmd.RangeEnds) {
				rangeEnd = cmd.RangeEnds[i]
			}
			partitions[i] = dto.Partition{
				PVID:     fmt.Sprintf("%s-%d-%d", cmd.CollectionMetadata.Name, logEntry.Index, i),
				RangeEnd: rangeEnd,
				Endpoint: ep,
				AState:   dto.AssignmentAssigned,
			}
		}
		f.collections[cmd.CollectionMetadata.Name] = dto.Collection{
			Metadata:   cmd.CollectionMetadata,
			Partitions: partitions,
		}
		return nil
	case OpSetPersistenceCluster:
		f.persistence[cmd.PersistenceCluster] = cmd.Endpoints
		return nil
	default:
		f.logger.Warn("cporaft: unknown log command", zap.String("op", cmd.Op))
		return fmt.Errorf("unknown FSM command operation: %s", cmd.Op)
	}
}

// Collection returns the replicated state for name, for CollectionGet.
func (f *FSM) Collection(name string) (dto.Collection, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.collections[name]
	return c, ok
}

// PersistenceCluster returns the storage endpoints backing name, for
// PersistenceClusterGet.
func (f *FSM) PersistenceCluster(name string) ([]string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	eps, ok := f.persistence[name]
	return eps, ok
}

// Snapshot returns a point-in-time copy of the FSM's state for Raft's log
// truncation / fast-follower-catchup path.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	collections := make(map[string]dto.Collection, len(f.collections))
	for k, v := range f.collections {
		collections[k] = v
	}
	persistence := make(map[string][]string, len(f.persistence))
	for k, v := range f.persistence {
		persistence[k] = v
	}
	return &fsmSnapshot{collections: collections, persistence: persistence}, nil
}

// Restore replaces the FSM's state from a snapshot, used when a node joins
// the cluster or recovers from a crash.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap struct {
		Collections map[string]dto.Collection `json:"collections"`
		Persistence map[string][]string       `json:"persistence"`
	}
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("cporaft: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections = snap.Collections
	f.persistence = snap.Persistence
	if f.collections == nil {
		f.collections = make(map[string]dto.Collection)
	}
	if f.persistence == nil {
		f.persistence = make(map[string][]string)
	}
	return nil
}

type fsmSnapshot struct {
	collections map[string]dto.Collection
	persistence map[string][]string
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()
	data, err := json.Marshal(struct {
		Collections map[string]dto.Collection `json:"collections"`
		Persistence map[string][]string       `json:"persistence"`
	}{s.collections, s.persistence})
	if err != nil {
		return fmt.Errorf("cporaft: marshal snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		return fmt.Errorf("cporaft: write snapshot: %w", err)
	}
	return nil
}

func (s *fsmSnapshot) Release() {}
