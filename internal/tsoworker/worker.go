// Package tsoworker implements the Timestamp Oracle's batch-issuance
// algorithm, spec.md section on the TSO contract and the fast-path/slow-path
// split from original_source's TSOWorker.cpp GetTimestampFromTSO: issue
// within the current microsecond tick if capacity remains, else roll to the
// next tick.
package tsoworker

import (
	"sync"
	"time"

	"github.com/k2-platform/k23si/internal/dto"
)

// maxPerTick bounds how many timestamps a single microsecond tick can hand
// out before the worker must roll to the next tick, mirroring
// 1000/TBENanoSecStep from the source (TBENanoSecStep is nanoseconds, a
// microsecond tick is 1000ns... the source's comment literally reads "max
// allowed from 1 microsec").
const tickNanos = 1000

// Config carries the fixed parameters of one worker's issuance policy.
type Config struct {
	TSOId          uint32
	TsDelta        time.Duration
	TTL            time.Duration
	NanoSecStep    time.Duration
}

// Worker issues strictly increasing timestamp batches. It is safe for
// concurrent use; every call serializes through mu exactly as the single
// shard-local worker loop in the source does.
type Worker struct {
	cfg Config
	now func() int64 // unix nanos; overridable for tests

	mu                     sync.Mutex
	lastTickNanos          int64
	lastIssuedInTick       uint32
}

func New(cfg Config) *Worker {
	return &Worker{cfg: cfg, now: func() int64 { return time.Now().UnixNano() }}
}

// Issue returns a batch of up to batchSizeRequested strictly increasing
// timestamps. The fast path issues everything requested within the current
// tick if it has capacity left; the slow path (tick exhausted) rolls
// forward to the next tick and restarts issuance from there.
func (w *Worker) Issue(batchSizeRequested uint32) dto.TimestampBatch {
	if batchSizeRequested == 0 {
		batchSizeRequested = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	curTick := (w.now() / tickNanos) * tickNanos
	step := int64(w.cfg.NanoSecStep)
	if step <= 0 {
		step = 1
	}
	maxPerTick := uint32(tickNanos / step)
	if maxPerTick == 0 {
		maxPerTick = 1
	}

	if curTick > w.lastTickNanos {
		// New tick: fast path, nothing issued here yet.
		w.lastTickNanos = curTick
		w.lastIssuedInTick = 0
	}

	leftover := maxPerTick - w.lastIssuedInTick
	count := batchSizeRequested
	if count > leftover {
		if leftover == 0 {
			// Slow path: this tick is exhausted, roll forward one tick and
			// issue from its start instead of busy-waiting for real time to
			// catch up — callers don't block the issuer goroutine on sleep.
			w.lastTickNanos += tickNanos
			w.lastIssuedInTick = 0
			leftover = maxPerTick
		}
		if count > leftover {
			count = leftover
		}
	}

	base := w.lastTickNanos + int64(w.lastIssuedInTick)*step
	w.lastIssuedInTick += count

	return dto.TimestampBatch{
		TBEBase:        base,
		TSOId:          w.cfg.TSOId,
		TsDelta:        int64(w.cfg.TsDelta),
		TTLNanos:       int64(w.cfg.TTL),
		Count:          count,
		TBENanoSecStep: step,
	}
}
