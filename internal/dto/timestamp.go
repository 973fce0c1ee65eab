// Package dto holds the wire-level data types shared by every K23SI
// component: timestamps, keys, records, transaction identifiers, schemas,
// and the RPC request/response pairs for the seven core verbs.
package dto

import "fmt"

// Timestamp is a totally ordered triple modelling a TSO-issued instant with
// an uncertainty window. All ordering in the core goes through
// CompareCertain rather than comparing fields directly.
type Timestamp struct {
	StartNanos int64  // start of the uncertainty window
	EndNanos   int64  // end of the uncertainty window, EndNanos >= StartNanos
	TSOId      uint32 // id of the TSO that issued this timestamp, breaks ties between equal windows
}

// CompareCertain returns -1, 0, or 1. The comparison is "certain" when one
// window's End falls strictly before the other's Start. Overlapping windows
// are ordered by (EndNanos, TSOId) as a deterministic tiebreak, mirroring the
// source's compareCertain; two overlapping windows with equal EndNanos and
// TSOId compare equal even if their StartNanos differ.
func (t Timestamp) CompareCertain(o Timestamp) int {
	if t.EndNanos < o.StartNanos {
		return -1
	}
	if o.EndNanos < t.StartNanos {
		return 1
	}
	if t.EndNanos != o.EndNanos {
		if t.EndNanos < o.EndNanos {
			return -1
		}
		return 1
	}
	if t.TSOId != o.TSOId {
		if t.TSOId < o.TSOId {
			return -1
		}
		return 1
	}
	return 0
}

func (t Timestamp) Equal(o Timestamp) bool { return t.CompareCertain(o) == 0 }
func (t Timestamp) Less(o Timestamp) bool  { return t.CompareCertain(o) < 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("(%d,%d,tso=%d)", t.StartNanos, t.EndNanos, t.TSOId)
}

// TimestampBatch is what a TSO hands back for GetTimestampBatch: a base
// instant plus a count of timestamps the caller may mint by stepping
// TBENanoSecStep nanoseconds at a time, valid only for TTLNanos.
type TimestampBatch struct {
	TBEBase        int64  // Timestamp-Batch-End base, nanoseconds since epoch
	TSOId          uint32 // id of the issuing TSO
	TsDelta        int64  // uncertainty window size to apply to every minted timestamp
	TTLNanos       int64  // how long this batch remains valid for minting
	Count          uint32 // number of timestamps available in this batch
	TBENanoSecStep int64  // spacing between successive timestamps in the batch
}
