// Package txnmgr owns the TransactionRecord finite-state-machine for a
// partition acting as a Transaction Record Holder (TRH), per spec.md
// section 4.3: InProgress -> {Committed, Aborted, ForceAborted} -> Deleted.
package txnmgr

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/persistence"
)

// Manager holds every TransactionRecord a partition is the TRH for, and
// sweeps them for heartbeat expiry.
type Manager struct {
	mu      sync.Mutex
	records map[dto.TxnId]*dto.TransactionRecord
	log     *persistence.LogManager
	logger  *zap.Logger

	heartbeatTimeout time.Duration
	now              func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager that logs every state transition to log before
// applying it in memory, and force-aborts any InProgress transaction whose
// LastHeartbeat is older than heartbeatTimeout.
func New(log *persistence.LogManager, logger *zap.Logger, heartbeatTimeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		records:          make(map[dto.TxnId]*dto.TransactionRecord),
		log:              log,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
		stopCh:           make(chan struct{}),
	}
}

// Recover rebuilds the in-memory TR table from a RecordTxnState /
// RecordTxnDelete replay. It must run before StartSweeper and before the
// partition begins serving write/push/end traffic.
func (m *Manager) Recover(rec *persistence.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch rec.Type {
	case persistence.RecordTxnState:
		p, err := rec.DecodeTxnState()
		if err != nil {
			return err
		}
		tr, ok := m.records[p.TxnId]
		if !ok {
			tr = dto.NewTransactionRecord(p.TxnId, p.LastHeartbeat)
			m.records[p.TxnId] = tr
		}
		tr.State = p.State
		tr.LastHeartbeat = p.LastHeartbeat
	case persistence.RecordTxnDelete:
		p, err := rec.DecodeTxnDelete()
		if err != nil {
			return err
		}
		delete(m.records, p.TxnId)
	}
	return nil
}

// Begin creates a fresh InProgress TransactionRecord for id, appending its
// creation to the log (without a Sync) before returning it.
func (m *Manager) Begin(id dto.TxnId) (*dto.TransactionRecord, error) {
	now := m.now().UnixNano()
	if _, _, err := m.logTransition(id, dto.TxnInProgress, now); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tr := dto.NewTransactionRecord(id, now)
	m.records[id] = tr
	return tr, nil
}

// Get returns the TransactionRecord for id, or (nil, false) if this
// partition holds no TR for it (either never created, or already deleted
// after finalization).
func (m *Manager) Get(id dto.TxnId) (*dto.TransactionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.records[id]
	return tr, ok
}

// All returns a snapshot of every TransactionRecord this partition
// currently holds, for the InspectAllTxns debug verb. The returned records
// are copies; mutating them has no effect on the Manager.
func (m *Manager) All() []dto.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dto.TransactionRecord, 0, len(m.records))
	for _, tr := range m.records {
		out = append(out, *tr)
	}
	return out
}

// TrackWrite records that id has written key, so Finalize knows which
// participants to notify on commit/abort.
func (m *Manager) TrackWrite(id dto.TxnId, key dto.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.records[id]
	if !ok {
		return fmt.Errorf("txnmgr: no transaction record for %+v", id)
	}
	tr.WriteKeys[key] = struct{}{}
	return nil
}

// Heartbeat refreshes id's LastHeartbeat, keeping it alive against the
// sweeper. If the TR is already terminal it returns that state with a nil
// error and leaves LastHeartbeat unchanged.
func (m *Manager) Heartbeat(id dto.TxnId) (dto.TxnState, error) {
	m.mu.Lock()
	tr, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return dto.TxnDeleted, fmt.Errorf("txnmgr: no transaction record for %+v", id)
	}
	state := tr.State
	m.mu.Unlock()

	if state.IsTerminal() {
		return state, nil
	}

	now := m.now().UnixNano()
	if _, _, err := m.logTransition(id, state, now); err != nil {
		return state, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok = m.records[id]
	if ok {
		tr.LastHeartbeat = now
	}
	return state, nil
}

// Commit transitions id InProgress -> Committed. It is a no-op returning
// the current state if id is already terminal or ForceAborted (TxnEnd is
// expected to be idempotent under client retry).
//
// Per spec.md section 4.3, a commit is only granted while
// now - LastHeartbeat < heartbeatTimeout; once that window has lapsed the
// transaction is force-aborted instead, exactly as the sweeper would do on
// its next tick, so a late commit can never race ahead of an expiring
// heartbeat.
func (m *Manager) Commit(id dto.TxnId) (dto.TxnState, error) {
	m.mu.Lock()
	tr, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return dto.TxnDeleted, fmt.Errorf("txnmgr: no transaction record for %+v", id)
	}
	expired := !tr.State.IsTerminal() && m.now().UnixNano()-tr.LastHeartbeat >= int64(m.heartbeatTimeout)
	m.mu.Unlock()
	if expired {
		return m.ForceAbort(id)
	}
	return m.transition(id, dto.TxnCommitted)
}

// Abort transitions id InProgress or ForceAborted -> Aborted.
func (m *Manager) Abort(id dto.TxnId) (dto.TxnState, error) {
	return m.transition(id, dto.TxnAborted)
}

// ForceAbort transitions id InProgress -> ForceAborted, used when a
// conflicting push-winner cannot wait for id's own heartbeat to lapse.
func (m *Manager) ForceAbort(id dto.TxnId) (dto.TxnState, error) {
	return m.transition(id, dto.TxnForceAborted)
}

func (m *Manager) transition(id dto.TxnId, to dto.TxnState) (dto.TxnState, error) {
	m.mu.Lock()
	tr, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return dto.TxnDeleted, fmt.Errorf("txnmgr: no transaction record for %+v", id)
	}
	if tr.State.IsTerminal() || (tr.State == dto.TxnForceAborted && to != dto.TxnAborted) {
		state := tr.State
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	now := m.now().UnixNano()
	if _, _, err := m.logTransition(id, to, now); err != nil {
		return dto.TxnInProgress, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok = m.records[id]
	if !ok {
		return to, nil
	}
	tr.State = to
	tr.LastHeartbeat = now
	return to, nil
}

// MarkFinalized records that key has been durably finalized for id. Once
// every WriteKeys entry is finalized, the TR is eligible for Delete.
func (m *Manager) MarkFinalized(id dto.TxnId, key dto.Key) (allDone bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.records[id]
	if !ok {
		return false, fmt.Errorf("txnmgr: no transaction record for %+v", id)
	}
	tr.FinalizedKeys[key] = struct{}{}
	return tr.AllFinalized(), nil
}

// Delete durably drops id's TransactionRecord. The caller must have
// already confirmed AllFinalized(); logging the delete before removing it
// from memory is what makes this safe to replay after a crash.
func (m *Manager) Delete(id dto.TxnId) error {
	if _, err := m.log.AppendTxnDelete(id); err != nil {
		return fmt.Errorf("txnmgr: failed to log delete for %+v: %w", id, err)
	}
	if err := m.log.Sync(); err != nil {
		return fmt.Errorf("txnmgr: failed to sync delete for %+v: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Manager) logTransition(id dto.TxnId, state dto.TxnState, now int64) (persistence.LSN, bool, error) {
	lsn, err := m.log.AppendTxnState(id, state, now)
	if err != nil {
		return lsn, false, fmt.Errorf("txnmgr: failed to log transition for %+v: %w", id, err)
	}
	if state.IsTerminal() {
		if err := m.log.Sync(); err != nil {
			return lsn, false, fmt.Errorf("txnmgr: failed to sync transition for %+v: %w", id, err)
		}
	}
	return lsn, true, nil
}

// StartSweeper launches the background goroutine that force-aborts any
// InProgress TransactionRecord whose heartbeat has lapsed. interval governs
// how often the sweep runs.
func (m *Manager) StartSweeper(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweepOnce()
			}
		}
	}()
}

func (m *Manager) sweepOnce() {
	cutoff := m.now().Add(-m.heartbeatTimeout).UnixNano()

	m.mu.Lock()
	var expired []dto.TxnId
	for id, tr := range m.records {
		if tr.State == dto.TxnInProgress && tr.LastHeartbeat < cutoff {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if _, err := m.ForceAbort(id); err != nil {
			m.logger.Warn("txnmgr: heartbeat sweep failed to force-abort transaction",
				zap.Error(err))
		} else {
			m.logger.Info("txnmgr: heartbeat sweep force-aborted transaction")
		}
	}
}

// Stop halts the sweeper goroutine, if running.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
