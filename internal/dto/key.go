package dto

import "strings"

// Key identifies a row: a schema, the partition-routing component, and the
// component that orders rows within a partition.
type Key struct {
	SchemaName   string
	PartitionKey string
	RangeKey     string
}

// Empty reports whether the key carries no partition key, which Query (but
// no other verb) is allowed to send to mean "start/end of the schema's key
// space".
func (k Key) Empty() bool {
	return k.PartitionKey == "" && k.RangeKey == ""
}

// Compare orders keys lexicographically by (partitionKey, rangeKey) within
// a schema; SchemaName is compared first so that a full scan never crosses
// schema boundaries accidentally.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.SchemaName, o.SchemaName); c != 0 {
		return c
	}
	if c := strings.Compare(k.PartitionKey, o.PartitionKey); c != 0 {
		return c
	}
	return strings.Compare(k.RangeKey, o.RangeKey)
}

func (k Key) Less(o Key) bool  { return k.Compare(o) < 0 }
func (k Key) Equal(o Key) bool { return k.Compare(o) == 0 }

func (k Key) String() string {
	return k.SchemaName + "/" + k.PartitionKey + "/" + k.RangeKey
}

// RangeEnds describes a collection's partition boundaries: an ordered list
// of exclusive upper bounds on PartitionKey, with the final entry always the
// open string "" meaning "no upper bound".
type RangeEnds []string

// PartitionIndexFor returns the index of the partition owning partitionKey.
func (r RangeEnds) PartitionIndexFor(partitionKey string) int {
	for i, end := range r {
		if end == "" || partitionKey < end {
			return i
		}
	}
	return len(r) - 1
}
