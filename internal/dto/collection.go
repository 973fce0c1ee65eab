package dto

import "time"

// HashScheme selects how a collection's partition key maps to a partition
// index. Only Range is implemented by the reference CPO; HashCRC32 is
// reserved for parity with the wire contract.
type HashScheme int

const (
	HashSchemeRange HashScheme = iota
	HashSchemeCRC32
)

// AssignmentState tracks whether a partition has a live executor behind it.
type AssignmentState int

const (
	AssignmentNotAssigned AssignmentState = iota
	AssignmentPendingAssign
	AssignmentAssigned
	AssignmentPendingOffload
)

// Partition is one shard of a collection: a contiguous PartitionKey range
// owned by a single executor endpoint.
type Partition struct {
	PVID     string // partition version id, bumped on every reassignment
	RangeEnd string // exclusive upper bound of this partition's PartitionKey range; "" means open
	Endpoint string // RPC endpoint of the executor currently owning this partition
	AState   AssignmentState
}

func (p Partition) Owns(k Key) bool {
	return p.RangeEnd == "" || k.PartitionKey < p.RangeEnd
}

// CollectionMetadata is the CPO's description of a collection: schema
// location, storage driver, capacity, retention, and heartbeat policy.
type CollectionMetadata struct {
	Name              string
	HashScheme        HashScheme
	StorageDriver     string
	Capacity          uint32
	RetentionPeriod   time.Duration
	HeartbeatDeadline time.Duration
}

// Collection bundles the metadata with its ordered partition map.
type Collection struct {
	Metadata   CollectionMetadata
	Partitions []Partition // ordered by RangeEnd, last entry's RangeEnd == ""
}

// PartitionForKey returns the partition owning key, or nil if the
// collection has no partitions yet.
func (c *Collection) PartitionForKey(k Key) *Partition {
	for i := range c.Partitions {
		if c.Partitions[i].Owns(k) {
			return &c.Partitions[i]
		}
	}
	if len(c.Partitions) == 0 {
		return nil
	}
	return &c.Partitions[len(c.Partitions)-1]
}
