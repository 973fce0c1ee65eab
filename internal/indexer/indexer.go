// Package indexer implements the per-partition multi-version key index:
// an ordered map from dto.Key to a newest-first deque of dto.DataRecord.
//
// The ordered map is backed by google/btree, the in-memory ordered-index
// library the sharded-storage reference implementation in the corpus uses
// for exactly this role. The teacher's own B+Tree (core/indexing/btree) is a
// paged, disk-resident structure built for a buffer-pool-managed storage
// engine; it is the wrong tool for an in-memory per-partition version map
// and was dropped (see DESIGN.md).
package indexer

import (
	"sync"

	"github.com/google/btree"

	"github.com/k2-platform/k23si/internal/dto"
)

// Versions is the newest-first deque of all versions recorded for one key.
// At most one entry may be a write intent, and if present it must be at
// index 0 (invariant 2/3 in spec.md section 3).
type Versions []dto.DataRecord

func (v Versions) HasWI() bool {
	return len(v) > 0 && v[0].IsWI()
}

// item is the btree element: Key plus its Versions, compared by Key only.
type item struct {
	key      dto.Key
	versions Versions
}

func less(a, b item) bool { return a.key.Less(b.key) }

// Indexer is the ordered map Key -> Versions described in spec.md section
// 4.1. It is owned by exactly one partition executor goroutine; none of its
// methods are safe to call concurrently with a mutation from elsewhere, but
// a mutex is still held because Inspect* debug RPCs may run from a
// different goroutine than the partition's executor loop.
type Indexer struct {
	mu   sync.Mutex
	tree *btree.BTreeG[item]
}

func New() *Indexer {
	return &Indexer{tree: btree.NewG(32, less)}
}

// Get returns the versions for key, or nil if the key has never been
// written. The returned slice must not be mutated by the caller except
// through Indexer methods; iterators/slices are invalidated by any
// subsequent mutation and must never be held across a suspension point
// (spec.md section 5).
func (ix *Indexer) Get(key dto.Key) Versions {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	it, ok := ix.tree.Get(item{key: key})
	if !ok {
		return nil
	}
	return it.versions
}

// NewestAtOrBefore returns the newest record with Timestamp <= ts, or nil
// if none exists (invariant 4's "newest committed version with V.ts < T").
// It also reports whether a blocking write intent sits strictly between
// that record and ts (i.e. a WI with ts <= the query ts).
func (ix *Indexer) NewestAtOrBefore(key dto.Key, ts dto.Timestamp) (rec *dto.DataRecord, blockingWI *dto.DataRecord) {
	versions := ix.Get(key)
	for i := range versions {
		v := &versions[i]
		if v.Timestamp.CompareCertain(ts) > 0 {
			continue
		}
		if v.IsWI() {
			return nil, v
		}
		return v, nil
	}
	return nil, nil
}

// NewestCommitted returns the newest committed record regardless of
// timestamp, used by the stale-write check in spec.md section 4.5 step 2.
func (ix *Indexer) NewestCommitted(key dto.Key) *dto.DataRecord {
	versions := ix.Get(key)
	for i := range versions {
		if !versions[i].IsWI() {
			return &versions[i]
		}
	}
	return nil
}

// Front returns the newest record for key (which, if a WI exists, is always
// the WI per invariant 2), or nil if the key has no versions.
func (ix *Indexer) Front(key dto.Key) *dto.DataRecord {
	versions := ix.Get(key)
	if len(versions) == 0 {
		return nil
	}
	cp := versions[0]
	return &cp
}

// InsertVersion pushes rec to the front of key's history. Callers must have
// already verified invariants 1-3 (strictly decreasing committed
// timestamps, at most one WI, WI belongs to an InProgress/ForceAborted txn).
func (ix *Indexer) InsertVersion(key dto.Key, rec dto.DataRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	it, ok := ix.tree.Get(item{key: key})
	if !ok {
		it = item{key: key}
	}
	versions := make(Versions, 0, len(it.versions)+1)
	versions = append(versions, rec)
	versions = append(versions, it.versions...)
	it.versions = versions
	ix.tree.ReplaceOrInsert(it)
}

// PopFrontWI removes the write intent at the front of key's history, used
// when Finalize(abort) discards an uncommitted version. It is a no-op if
// the front record is not a WI.
func (ix *Indexer) PopFrontWI(key dto.Key) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	it, ok := ix.tree.Get(item{key: key})
	if !ok || len(it.versions) == 0 || !it.versions[0].IsWI() {
		return
	}
	it.versions = it.versions[1:]
	if len(it.versions) == 0 {
		ix.tree.Delete(item{key: key})
		return
	}
	ix.tree.ReplaceOrInsert(it)
}

// CommitFrontWI rewrites the front write intent in place as committed,
// preserving its position in the deque (Finalize(commit), spec.md section
// 4.9). It is a no-op if the front record is not a WI or belongs to a
// different transaction.
func (ix *Indexer) CommitFrontWI(key dto.Key, txnId dto.TxnId) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	it, ok := ix.tree.Get(item{key: key})
	if !ok || len(it.versions) == 0 || !it.versions[0].IsWI() {
		return false
	}
	if it.versions[0].TxnId != txnId {
		return false
	}
	it.versions[0].Status = dto.StatusCommitted
	ix.tree.ReplaceOrInsert(it)
	return true
}

// AscendFrom iterates keys in ascending order starting at (or after, if
// exclusive) from, calling fn for each (key, versions) pair until fn
// returns false or iteration is exhausted. Per the iterator-stability
// contract (spec.md section 4.1), the caller must not hold this iteration
// across a suspension point. fn runs over the live tree with the indexer's
// lock held, so fn must not call back into the Indexer.
func (ix *Indexer) AscendFrom(from dto.Key, exclusive bool, fn func(key dto.Key, versions Versions) bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pivot := item{key: from}
	ix.tree.AscendGreaterOrEqual(pivot, func(it item) bool {
		if exclusive && it.key.Equal(from) {
			return true
		}
		return fn(it.key, it.versions)
	})
}

// DescendFrom iterates keys in descending order starting at (or before, if
// exclusive) from, for reverse-direction scans.
func (ix *Indexer) DescendFrom(from dto.Key, exclusive bool, fn func(key dto.Key, versions Versions) bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pivot := item{key: from}
	ix.tree.DescendLessOrEqual(pivot, func(it item) bool {
		if exclusive && it.key.Equal(from) {
			return true
		}
		return fn(it.key, it.versions)
	})
}

// AllKeys returns every key currently indexed; used only by the
// InspectAllKeys debug verb.
func (ix *Indexer) AllKeys() []dto.Key {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []dto.Key
	ix.tree.Ascend(func(it item) bool {
		out = append(out, it.key)
		return true
	})
	return out
}

// AllWIs returns every in-flight write intent across the partition; used
// only by the InspectWIs debug verb.
func (ix *Indexer) AllWIs() []dto.DataRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []dto.DataRecord
	ix.tree.Ascend(func(it item) bool {
		if it.versions.HasWI() {
			out = append(out, it.versions[0])
		}
		return true
	})
	return out
}
