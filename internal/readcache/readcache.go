// Package readcache implements the interval-indexed "maximum read
// timestamp observed" oracle from spec.md section 4.2. It is a conservative
// oracle: it may report a higher max-read-ts than the literal truth (a
// false positive that forces an unnecessary AbortRequestTooOld) but must
// never report lower than the truth (a false negative would let a stale
// write slip past a read that already happened).
package readcache

import (
	"sync"

	"github.com/google/btree"

	"github.com/k2-platform/k23si/internal/dto"
)

// interval is a closed range [Lo, Hi] of dto.Key tagged with the maximum
// read timestamp observed anywhere in that range.
type interval struct {
	Lo, Hi dto.Key
	MaxTs  dto.Timestamp
}

func lessByLo(a, b interval) bool { return a.Lo.Less(b.Lo) }

// ReadCache tracks, per key range, the newest read that has touched it. It
// is bounded: once Capacity distinct intervals are held, Observe evicts the
// single oldest-MaxTs interval and raises the global minTracked watermark,
// per spec.md section 4.2 and the Open Question decision in SPEC_FULL.md
// ("a write with ts <= minTracked is rejected AbortRequestTooOld").
type ReadCache struct {
	mu          sync.Mutex
	tree        *btree.BTreeG[interval]
	capacity    int
	minTracked  dto.Timestamp
	haveMin     bool
}

func New(capacity int) *ReadCache {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	return &ReadCache{
		tree:     btree.NewG(32, lessByLo),
		capacity: capacity,
	}
}

// Observe records that every key in [lo, hi] was read at some ts' <= ts. It
// merges with any overlapping interval already tracked rather than growing
// the tree unboundedly for repeated reads of the same range.
func (rc *ReadCache) Observe(lo, hi dto.Key, ts dto.Timestamp) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	// Find overlapping intervals and merge them into one, conservatively
	// widening Lo/Hi and taking the max timestamp.
	var toDelete []interval
	merged := interval{Lo: lo, Hi: hi, MaxTs: ts}
	rc.tree.Ascend(func(it interval) bool {
		if overlaps(it, merged) {
			toDelete = append(toDelete, it)
			if it.Lo.Less(merged.Lo) {
				merged.Lo = it.Lo
			}
			if merged.Hi.Less(it.Hi) {
				merged.Hi = it.Hi
			}
			if merged.MaxTs.CompareCertain(it.MaxTs) < 0 {
				merged.MaxTs = it.MaxTs
			}
		}
		return true
	})
	for _, d := range toDelete {
		rc.tree.Delete(d)
	}
	rc.tree.ReplaceOrInsert(merged)

	rc.evictIfOverCapacity()
}

func overlaps(a, b interval) bool {
	return !(b.Hi.Less(a.Lo) || a.Hi.Less(b.Lo))
}

// evictIfOverCapacity must be called with rc.mu held.
func (rc *ReadCache) evictIfOverCapacity() {
	for rc.tree.Len() > rc.capacity {
		var oldest interval
		found := false
		rc.tree.Ascend(func(it interval) bool {
			if !found || it.MaxTs.CompareCertain(oldest.MaxTs) < 0 {
				oldest = it
				found = true
			}
			return true
		})
		if !found {
			return
		}
		rc.tree.Delete(oldest)
		if !rc.haveMin || rc.minTracked.CompareCertain(oldest.MaxTs) < 0 {
			rc.minTracked = oldest.MaxTs
			rc.haveMin = true
		}
	}
}

// CheckInterval returns the maximum read timestamp overlapping [lo, hi], or
// the zero Timestamp if nothing in that range has ever been observed.
func (rc *ReadCache) CheckInterval(lo, hi dto.Key) dto.Timestamp {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var max dto.Timestamp
	have := false
	query := interval{Lo: lo, Hi: hi}
	rc.tree.Ascend(func(it interval) bool {
		if overlaps(it, query) {
			if !have || max.CompareCertain(it.MaxTs) < 0 {
				max = it.MaxTs
				have = true
			}
		}
		return true
	})
	return max
}

// MinTrackedTs returns the watermark below which eviction may have dropped
// read-observation history; ts.CompareCertain(minTracked) <= 0 means any
// write at ts cannot safely trust CheckInterval's answer and must be
// rejected AbortRequestTooOld (SPEC_FULL.md Open Question decision 2).
func (rc *ReadCache) MinTrackedTs() (dto.Timestamp, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.minTracked, rc.haveMin
}
