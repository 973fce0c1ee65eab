// Package persistence implements the durable write-ahead log backing a
// partition's write-intent and transaction-record state, per spec.md
// section 4 and the Open Question decision in SPEC_FULL.md that a
// TransactionRecord delete must be logged before it is dropped from memory.
//
// The log is segmented, append-only, and replayable from any LSN, which
// also makes it double as a replication feed: a standby partition replica
// can open a Reader against a live LogManager and stream records as they
// are appended, the same mechanism used for local crash recovery.
package persistence

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/dto"
)

// LSN is a monotonically increasing, 1-based log sequence number.
type LSN uint64

const InvalidLSN LSN = 0

// RecordType tags what a LogRecord represents in the write-intent / TR
// state machine.
type RecordType byte

const (
	// RecordWriteIntent logs a new write-intent version inserted into the
	// indexer (a K23SI_Write before commit).
	RecordWriteIntent RecordType = iota + 1
	// RecordCommitVersion logs a write-intent being finalized Committed
	// at a given commit timestamp.
	RecordCommitVersion
	// RecordAbortVersion logs a write-intent being finalized Aborted and
	// removed from the indexer.
	RecordAbortVersion
	// RecordTxnState logs a TransactionRecord state transition
	// (InProgress -> Committed/Aborted/ForceAborted) or a heartbeat
	// refresh of LastHeartbeat.
	RecordTxnState
	// RecordTxnDelete logs that a fully-finalized TransactionRecord is
	// being dropped. Durability here matters: without it, a crash could
	// resurrect a TR that every writer already believes is gone and
	// observe a heartbeat sweep retry finalization against missing keys.
	RecordTxnDelete
)

func (t RecordType) String() string {
	switch t {
	case RecordWriteIntent:
		return "WriteIntent"
	case RecordCommitVersion:
		return "CommitVersion"
	case RecordAbortVersion:
		return "AbortVersion"
	case RecordTxnState:
		return "TxnState"
	case RecordTxnDelete:
		return "TxnDelete"
	default:
		return "Unknown"
	}
}

// LogRecord is one entry in the log. Payload carries the JSON-encoded
// type-specific body (see the WriteIntentPayload / TxnStatePayload
// helpers below); keeping the envelope fixed-size and the body opaque lets
// the log format evolve per record type without touching the segment
// framing.
type LogRecord struct {
	LSN     LSN
	Type    RecordType
	Payload []byte
}

// WriteIntentPayload is the Payload body for RecordWriteIntent.
type WriteIntentPayload struct {
	Key    dto.Key
	Record dto.DataRecord
}

// VersionOutcomePayload is the Payload body for RecordCommitVersion and
// RecordAbortVersion.
type VersionOutcomePayload struct {
	Key      dto.Key
	TxnId    dto.TxnId
	CommitTs dto.Timestamp // zero for RecordAbortVersion
}

// TxnStatePayload is the Payload body for RecordTxnState.
type TxnStatePayload struct {
	TxnId         dto.TxnId
	State         dto.TxnState
	LastHeartbeat int64
}

// TxnDeletePayload is the Payload body for RecordTxnDelete.
type TxnDeletePayload struct {
	TxnId dto.TxnId
}

func encodePayload(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type above is a plain struct of JSON-safe fields;
		// a marshal failure here means a type was added without updating
		// this package, which is a programming error, not a runtime one.
		panic(fmt.Sprintf("persistence: failed to encode log payload: %v", err))
	}
	return b
}

// DecodeWriteIntent decodes a RecordWriteIntent's payload.
func (r *LogRecord) DecodeWriteIntent() (WriteIntentPayload, error) {
	var p WriteIntentPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeVersionOutcome decodes a RecordCommitVersion/RecordAbortVersion payload.
func (r *LogRecord) DecodeVersionOutcome() (VersionOutcomePayload, error) {
	var p VersionOutcomePayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeTxnState decodes a RecordTxnState payload.
func (r *LogRecord) DecodeTxnState() (TxnStatePayload, error) {
	var p TxnStatePayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeTxnDelete decodes a RecordTxnDelete payload.
func (r *LogRecord) DecodeTxnDelete() (TxnDeletePayload, error) {
	var p TxnDeletePayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

const segmentFilePrefix = "wal-"
const segmentFileSuffix = ".log"
const segmentNameDigits = 20

// LogManager owns one partition's append-only log directory: a sequence of
// segment files named wal-<20-digit LSN>.log, where the filename is the
// first LSN contained in that segment.
type LogManager struct {
	dir              string
	logger           *zap.Logger
	segmentSizeLimit int64

	mu               sync.Mutex
	file             *os.File
	segmentStartLSN  LSN
	segmentOffset    int64
	currentLSN       LSN // next LSN to assign
	segmentStartLSNs []LSN

	newRecord chan struct{} // broadcast-by-replace signal for blocked readers
	closed    bool
}

// NewLogManager opens (or creates) the log directory dir and replays its
// segment index so Append continues the LSN sequence correctly across a
// restart. filePrefix is accepted for symmetry with per-shard log roots but
// is not otherwise interpreted; callers generally pass "".
func NewLogManager(dir string, logger *zap.Logger, filePrefix string) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("persistence: failed to create log dir %s: %w", dir, err)
	}
	lm := &LogManager{
		dir:              dir,
		logger:           logger,
		segmentSizeLimit: 64 << 20,
		newRecord:        make(chan struct{}),
	}
	if err := lm.recover(); err != nil {
		return nil, err
	}
	return lm, nil
}

func segmentPath(dir string, startLSN LSN) string {
	return filepath.Join(dir, fmt.Sprintf("%s%0*d%s", segmentFilePrefix, segmentNameDigits, uint64(startLSN), segmentFileSuffix))
}

// recover scans existing segment files, opens the newest one for append,
// and replays it to learn the next LSN to assign. Must run before any
// Append/GetReaderForReplication call.
func (lm *LogManager) recover() error {
	entries, err := os.ReadDir(lm.dir)
	if err != nil {
		return fmt.Errorf("persistence: failed to read log dir %s: %w", lm.dir, err)
	}

	var starts []LSN
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), segmentFilePrefix) || !strings.HasSuffix(e.Name(), segmentFileSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(e.Name(), segmentFilePrefix), segmentFileSuffix)
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, LSN(n))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	lm.segmentStartLSNs = starts

	if len(starts) == 0 {
		lm.segmentStartLSN = 1
		lm.currentLSN = 1
		f, err := os.OpenFile(segmentPath(lm.dir, lm.segmentStartLSN), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("persistence: failed to create initial segment: %w", err)
		}
		lm.file = f
		lm.segmentStartLSNs = []LSN{lm.segmentStartLSN}
		return nil
	}

	lastStart := starts[len(starts)-1]
	f, err := os.OpenFile(segmentPath(lm.dir, lastStart), os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("persistence: failed to open latest segment: %w", err)
	}
	lm.file = f
	lm.segmentStartLSN = lastStart

	// Replay the latest segment to find the true next LSN and byte offset;
	// earlier segments are assumed immutable once rolled.
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("persistence: failed to stat latest segment: %w", err)
	}
	r := bufio.NewReader(io.NewSectionReader(f, 0, info.Size()))
	lastLSN := lastStart - 1
	var offset int64
	for {
		rec, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			lm.logger.Warn("persistence: truncated record at tail of segment, stopping replay",
				zap.String("segment", f.Name()), zap.Error(err))
			break
		}
		lastLSN = rec.LSN
		offset += int64(n)
	}
	lm.currentLSN = lastLSN + 1
	lm.segmentOffset = offset
	return nil
}

// Append assigns the next LSN to rec, writes it to the active segment, and
// wakes any readers blocked waiting for new data. It does not fsync; call
// Sync for a durability barrier (every caller that must not lose the record
// across a crash — committing a TR, deleting a TR — calls Sync after
// Append).
func (lm *LogManager) Append(rec *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, fmt.Errorf("persistence: log manager closed")
	}

	rec.LSN = lm.currentLSN
	buf := encodeRecord(rec)

	if lm.segmentOffset+int64(len(buf)) > lm.segmentSizeLimit {
		if err := lm.rollSegmentLocked(); err != nil {
			return InvalidLSN, err
		}
	}

	n, err := lm.file.Write(buf)
	if err != nil {
		return InvalidLSN, fmt.Errorf("persistence: failed to append record: %w", err)
	}
	lm.segmentOffset += int64(n)
	lm.currentLSN++

	close(lm.newRecord)
	lm.newRecord = make(chan struct{})

	return rec.LSN, nil
}

// AppendWriteIntent logs a new write-intent version for key.
func (lm *LogManager) AppendWriteIntent(key dto.Key, rec dto.DataRecord) (LSN, error) {
	return lm.Append(&LogRecord{Type: RecordWriteIntent, Payload: encodePayload(WriteIntentPayload{Key: key, Record: rec})})
}

// AppendCommitVersion logs txnID's write-intent at key being finalized
// committed at commitTs.
func (lm *LogManager) AppendCommitVersion(key dto.Key, txnID dto.TxnId, commitTs dto.Timestamp) (LSN, error) {
	return lm.Append(&LogRecord{Type: RecordCommitVersion, Payload: encodePayload(VersionOutcomePayload{Key: key, TxnId: txnID, CommitTs: commitTs})})
}

// AppendAbortVersion logs txnID's write-intent at key being finalized aborted.
func (lm *LogManager) AppendAbortVersion(key dto.Key, txnID dto.TxnId) (LSN, error) {
	return lm.Append(&LogRecord{Type: RecordAbortVersion, Payload: encodePayload(VersionOutcomePayload{Key: key, TxnId: txnID})})
}

// AppendTxnState logs a TransactionRecord's state (and/or heartbeat) change.
func (lm *LogManager) AppendTxnState(txnID dto.TxnId, state dto.TxnState, lastHeartbeat int64) (LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTxnState, Payload: encodePayload(TxnStatePayload{TxnId: txnID, State: state, LastHeartbeat: lastHeartbeat})})
}

// AppendTxnDelete logs that txnID's TransactionRecord is being dropped.
func (lm *LogManager) AppendTxnDelete(txnID dto.TxnId) (LSN, error) {
	return lm.Append(&LogRecord{Type: RecordTxnDelete, Payload: encodePayload(TxnDeletePayload{TxnId: txnID})})
}

// Sync fsyncs the active segment file.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	return lm.file.Sync()
}

// rollSegmentLocked closes the active segment and opens a new one starting
// at the next LSN to be assigned. Must be called with lm.mu held.
func (lm *LogManager) rollSegmentLocked() error {
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("persistence: failed to sync segment before roll: %w", err)
	}
	if err := lm.file.Close(); err != nil {
		return fmt.Errorf("persistence: failed to close segment before roll: %w", err)
	}
	lm.segmentStartLSN = lm.currentLSN
	lm.segmentOffset = 0
	f, err := os.OpenFile(segmentPath(lm.dir, lm.segmentStartLSN), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("persistence: failed to create rolled segment: %w", err)
	}
	lm.file = f
	lm.segmentStartLSNs = append(lm.segmentStartLSNs, lm.segmentStartLSN)
	return nil
}

// Close syncs and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed || lm.file == nil {
		lm.closed = true
		return nil
	}
	lm.closed = true
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("persistence: failed to sync on close: %w", err)
	}
	return lm.file.Close()
}

// Recover replays every record from the beginning of the log, in LSN
// order, calling apply for each. PartitionModule uses this at startup to
// rebuild the in-memory indexer and transaction manager before serving
// traffic.
func (lm *LogManager) Recover(apply func(*LogRecord) error) error {
	lm.mu.Lock()
	segments := append([]LSN(nil), lm.segmentStartLSNs...)
	lm.mu.Unlock()

	for _, start := range segments {
		f, err := os.Open(segmentPath(lm.dir, start))
		if err != nil {
			return fmt.Errorf("persistence: failed to open segment for recovery: %w", err)
		}
		r := bufio.NewReader(f)
		for {
			rec, _, err := readRecord(r)
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return fmt.Errorf("persistence: corrupt record during recovery of segment starting at %d: %w", start, err)
			}
			if err := apply(rec); err != nil {
				f.Close()
				return err
			}
		}
		f.Close()
	}
	return nil
}

// GetReaderForReplication returns a Reader that streams every record from
// fromLSN onward, blocking for new records once it catches up to the log
// head. slotName identifies the caller in log messages; it carries no other
// behavior (no replication-slot state is persisted).
func (lm *LogManager) GetReaderForReplication(fromLSN LSN, slotName string) (*Reader, error) {
	if fromLSN == InvalidLSN {
		fromLSN = 1
	}
	return &Reader{lm: lm, slot: slotName, nextLSN: fromLSN}, nil
}

// Reader streams LogRecords from a LogManager starting at a given LSN,
// catching up through rolled segments and then blocking for new appends.
type Reader struct {
	lm      *LogManager
	slot    string
	nextLSN LSN

	file *os.File
	r    *bufio.Reader
}

// Next returns the next record at or after r.nextLSN, blocking until it has
// been appended if the reader has caught up to the log head.
func (r *Reader) Next() (*LogRecord, error) {
	for {
		if r.r == nil {
			if err := r.openForLSN(r.nextLSN); err != nil {
				return nil, err
			}
		}
		rec, _, err := readRecord(r.r)
		if err == nil {
			r.nextLSN = rec.LSN + 1
			return rec, nil
		}
		if err != io.EOF {
			return nil, fmt.Errorf("persistence: reader %s: %w", r.slot, err)
		}

		r.lm.mu.Lock()
		segs := r.lm.segmentStartLSNs
		var next LSN
		haveNext := false
		for i, s := range segs {
			if s == r.segmentStart() && i+1 < len(segs) {
				next = segs[i+1]
				haveNext = true
			}
		}
		waitCh := r.lm.newRecord
		r.lm.mu.Unlock()

		if haveNext {
			r.close()
			if err := r.openForLSN(next); err != nil {
				return nil, err
			}
			continue
		}

		<-waitCh
		r.close()
	}
}

func (r *Reader) segmentStart() LSN {
	if r.file == nil {
		return 0
	}
	base := filepath.Base(r.file.Name())
	numStr := strings.TrimSuffix(strings.TrimPrefix(base, segmentFilePrefix), segmentFileSuffix)
	n, _ := strconv.ParseUint(numStr, 10, 64)
	return LSN(n)
}

func (r *Reader) openForLSN(lsn LSN) error {
	r.lm.mu.Lock()
	segs := append([]LSN(nil), r.lm.segmentStartLSNs...)
	r.lm.mu.Unlock()

	target := segs[0]
	for _, s := range segs {
		if s <= lsn {
			target = s
		} else {
			break
		}
	}
	f, err := os.Open(segmentPath(r.lm.dir, target))
	if err != nil {
		return fmt.Errorf("persistence: reader %s failed to open segment: %w", r.slot, err)
	}
	r.file = f
	r.r = bufio.NewReader(f)

	// Skip forward to the first record at or after lsn. pos counts the
	// bytes consumed through r.r, since the bufio reader reads ahead of f.
	var pos int64
	for {
		rec, n, err := readRecord(r.r)
		if err == io.EOF {
			r.r = bufio.NewReader(io.NewSectionReader(f, pos, 0))
			break
		}
		if err != nil {
			return err
		}
		if rec.LSN >= lsn {
			_, _ = f.Seek(pos, io.SeekStart)
			r.r = bufio.NewReader(f)
			break
		}
		pos += int64(n)
	}
	return nil
}

// Close releases the reader's open segment file handle.
func (r *Reader) Close() error {
	return r.close()
}

func (r *Reader) close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.r = nil
	return err
}

// --- wire framing: [4-byte length][8-byte LSN][1-byte type][payload] ---

func encodeRecord(rec *LogRecord) []byte {
	body := make([]byte, 9+len(rec.Payload))
	binary.LittleEndian.PutUint64(body[0:8], uint64(rec.LSN))
	body[8] = byte(rec.Type)
	copy(body[9:], rec.Payload)

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// readRecord reads one framed record from r, returning the record and the
// total number of bytes consumed (including the length prefix), or io.EOF
// if r is exhausted before a new record begins.
func readRecord(r *bufio.Reader) (*LogRecord, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen < 9 {
		return nil, 0, fmt.Errorf("persistence: invalid record length %d", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	rec := &LogRecord{
		LSN:     LSN(binary.LittleEndian.Uint64(body[0:8])),
		Type:    RecordType(body[8]),
		Payload: append([]byte(nil), body[9:]...),
	}
	return rec, 4 + len(body), nil
}
