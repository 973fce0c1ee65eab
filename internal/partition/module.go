// Package partition implements PartitionModule, the per-shard executor that
// orchestrates the Read/Query/Write/TxnPush/TxnEnd/TxnHeartbeat/TxnFinalize
// verbs against an Indexer, ReadCache, and TxnManager, enforcing the
// Snapshot Isolation invariants from spec.md section 3.
//
// A Module instance owns exactly one partition. Every exported Handle*
// method is intended to run on a single goroutine-affine executor loop (see
// Run); nothing in this package takes its own lock beyond what Indexer,
// ReadCache, and TxnManager already provide for the Inspect* debug path.
package partition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/indexer"
	"github.com/k2-platform/k23si/internal/persistence"
	"github.com/k2-platform/k23si/internal/readcache"
	"github.com/k2-platform/k23si/internal/txnmgr"
)

// RemoteCaller issues push and finalize RPCs to partitions other than this
// one. The cyclic self-RPC case (this partition is the TR holder for the
// transaction it is pushing against) never goes through RemoteCaller — see
// doPush.
type RemoteCaller interface {
	Push(ctx context.Context, endpoint string, req dto.TxnPushRequest) (dto.TxnPushResponse, error)
	Finalize(ctx context.Context, endpoint string, req dto.TxnFinalizeRequest) (dto.TxnFinalizeResponse, error)
}

// EndpointResolver maps a TR-owning-partition id (TxnId.TRHPartitionId) to
// an RPC endpoint, backed in practice by a CPOClient's partition map cache.
type EndpointResolver func(trhPartitionID string) (endpoint string, err error)

// Config carries everything a Module needs beyond its storage engines.
type Config struct {
	CollectionName  string
	PVID            string // identifies this partition; also this partition's TRHPartitionId value
	RetentionPeriod time.Duration
	QueryRowLimit   int // hard cap applied even if the request asks for more
}

// Module is one partition's executor state.
type Module struct {
	cfg    Config
	logger *zap.Logger

	indexer   *indexer.Indexer
	readCache *readcache.ReadCache
	txns      *txnmgr.Manager
	log       *persistence.LogManager

	remote   RemoteCaller
	resolve  EndpointResolver

	filters *Registry

	mu                 sync.RWMutex
	schemas            map[string]map[uint32]dto.Schema // name -> version -> schema
	retentionTimestamp dto.Timestamp
}

// Filters returns the named-predicate registry Query resolves
// QueryRequest.FilterExpr against.
func (m *Module) Filters() *Registry { return m.filters }

// New constructs a Module. Callers must call Recover before serving traffic
// if log holds prior records, and should call SetRetentionTimestamp periodically
// (or rely on a caller-driven ticker; Module does not start its own).
func New(cfg Config, logger *zap.Logger, idx *indexer.Indexer, rc *readcache.ReadCache, txns *txnmgr.Manager, log *persistence.LogManager, remote RemoteCaller, resolve EndpointResolver) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Module{
		cfg:       cfg,
		logger:    logger,
		indexer:   idx,
		readCache: rc,
		txns:      txns,
		log:       log,
		remote:    remote,
		resolve:   resolve,
		schemas:   make(map[string]map[uint32]dto.Schema),
		filters:   NewRegistry(),
	}
}

// Recover replays log before this partition serves traffic: version records
// go into the indexer, and RecordTxnState / RecordTxnDelete records are
// handed to the TxnManager's own Recover.
func (m *Module) Recover() error {
	return m.log.Recover(func(rec *persistence.LogRecord) error {
		switch rec.Type {
		case persistence.RecordWriteIntent:
			p, err := rec.DecodeWriteIntent()
			if err != nil {
				return err
			}
			if front := m.indexer.Front(p.Key); front != nil && front.IsWI() && front.TxnId == p.Record.TxnId {
				m.indexer.PopFrontWI(p.Key)
			}
			m.indexer.InsertVersion(p.Key, p.Record)
		case persistence.RecordCommitVersion:
			p, err := rec.DecodeVersionOutcome()
			if err != nil {
				return err
			}
			m.indexer.CommitFrontWI(p.Key, p.TxnId)
		case persistence.RecordAbortVersion:
			p, err := rec.DecodeVersionOutcome()
			if err != nil {
				return err
			}
			m.indexer.PopFrontWI(p.Key)
		case persistence.RecordTxnState, persistence.RecordTxnDelete:
			return m.txns.Recover(rec)
		}
		return nil
	})
}

// SetRetentionTimestamp updates the watermark below which requests are
// rejected, per spec.md section 3 invariant 7. The caller (a periodic timer
// fetching tsoNow-retentionPeriod from the TSO) drives this; Module does
// not fetch timestamps itself.
func (m *Module) SetRetentionTimestamp(ts dto.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retentionTimestamp = ts
}

func (m *Module) retention() dto.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retentionTimestamp
}

// HandlePushSchema registers a schema version pushed from the CPO/client
// ahead of writes that reference it (original_source Module.h
// handlePushSchema).
func (m *Module) HandlePushSchema(req dto.PushSchemaRequest) dto.PushSchemaResponse {
	if req.Schema.Name == "" {
		return dto.PushSchemaResponse{Status: dto.BadParameter("schema name required")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.schemas[req.Schema.Name]
	if !ok {
		versions = make(map[uint32]dto.Schema)
		m.schemas[req.Schema.Name] = versions
	}
	versions[req.Schema.Version] = req.Schema
	return dto.PushSchemaResponse{Status: dto.Created("schema registered")}
}

func (m *Module) schema(name string, version uint32) (dto.Schema, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions, ok := m.schemas[name]
	if !ok {
		return dto.Schema{}, false
	}
	s, ok := versions[version]
	return s, ok
}

// schemaKnown reports whether any version of name has been pushed to this
// partition, regardless of which version a request asks for.
func (m *Module) schemaKnown(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.schemas[name]
	return ok
}

// validate enforces the shared preamble from spec.md section 4.4 step 1 /
// 4.5 step 1: ownership, retention, a non-empty partition key, and a known
// schema (original_source Module.h _validateReadRequest).
func (m *Module) validate(collectionName, pvid string, key dto.Key, ts dto.Timestamp) dto.Status {
	if collectionName != m.cfg.CollectionName || pvid != m.cfg.PVID {
		return dto.RefreshCollection("partition map stale for this request")
	}
	if key.PartitionKey == "" {
		return dto.BadParameter("partition key must not be empty")
	}
	if !m.schemaKnown(key.SchemaName) {
		return dto.OperationNotAllowed("schema does not exist in this request")
	}
	if ts.CompareCertain(m.retention()) < 0 {
		return dto.AbortRequestTooOld("request timestamp below retention window")
	}
	return dto.OK("")
}

// HandleRead implements spec.md section 4.4.
func (m *Module) HandleRead(ctx context.Context, req dto.ReadRequest) dto.ReadResponse {
	if st := m.validate(req.CollectionName, req.PVID, req.Key, req.MTR.Timestamp); !st.IsOK() {
		return dto.ReadResponse{Status: st}
	}

	m.readCache.Observe(req.Key, req.Key, req.MTR.Timestamp)

	rec, blockingWI := m.indexer.NewestAtOrBefore(req.Key, req.MTR.Timestamp)
	if blockingWI != nil {
		proceed, st, err := m.doPush(ctx, req.Key, blockingWI.TxnId, req.MTR)
		if err != nil {
			m.logger.Error("read push failed", zap.Error(err))
			return dto.ReadResponse{Status: dto.ServiceUnavailable("push failed")}
		}
		if !st.IsOK() {
			return dto.ReadResponse{Status: st}
		}
		if !proceed {
			return dto.ReadResponse{Status: dto.AbortConflict("challenger lost push")}
		}
		// Incumbent was force-aborted; its WI is gone from the caller's
		// point of view once Finalize(abort) runs, but we must not assume
		// it already ran here — re-read skipping the (now-dead) WI.
		rec = newestCommittedAtOrBeforeInVersions(m.indexer.Get(req.Key), req.MTR.Timestamp)
	}

	if rec == nil {
		return dto.ReadResponse{Status: dto.NotFound("no version visible at this timestamp")}
	}
	out := *rec
	return dto.ReadResponse{Status: dto.OK(""), Record: &out}
}

// HandleWrite implements spec.md section 4.5.
func (m *Module) HandleWrite(ctx context.Context, req dto.WriteRequest) dto.WriteResponse {
	if st := m.validate(req.CollectionName, req.PVID, req.Key, req.MTR.Timestamp); !st.IsOK() {
		return dto.WriteResponse{Status: st}
	}
	if _, ok := m.schema(req.SchemaName, req.SchemaVersion); !ok {
		return dto.WriteResponse{Status: dto.BadParameter("unknown schema version")}
	}

	if front := m.indexer.Front(req.Key); front != nil && req.RejectIfExists {
		return dto.WriteResponse{Status: dto.BadParameter("key already has a version")}
	}
	if committed := m.indexer.NewestCommitted(req.Key); committed != nil && committed.Timestamp.CompareCertain(req.MTR.Timestamp) >= 0 {
		return dto.WriteResponse{Status: dto.AbortRequestTooOld("a newer committed version already exists")}
	}
	if m.readCache.CheckInterval(req.Key, req.Key).CompareCertain(req.MTR.Timestamp) >= 0 {
		return dto.WriteResponse{Status: dto.AbortRequestTooOld("a later read has already observed this key")}
	}
	if minTracked, have := m.readCache.MinTrackedTs(); have && req.MTR.Timestamp.CompareCertain(minTracked) <= 0 {
		return dto.WriteResponse{Status: dto.AbortRequestTooOld("request predates read-cache tracking watermark")}
	}

	if front := m.indexer.Front(req.Key); front != nil && front.IsWI() {
		if front.TxnId == req.MTR {
			// A second write by the txn that already holds this key's WI
			// replaces it in place; invariant 2 allows at most one WI per key.
			m.indexer.PopFrontWI(req.Key)
		} else {
			proceed, st, err := m.doPush(ctx, req.Key, front.TxnId, req.MTR)
			if err != nil {
				m.logger.Error("write push failed", zap.Error(err))
				return dto.WriteResponse{Status: dto.ServiceUnavailable("push failed")}
			}
			if !st.IsOK() {
				return dto.WriteResponse{Status: st}
			}
			if !proceed {
				return dto.WriteResponse{Status: dto.AbortConflict("challenger lost push")}
			}
			if err := m.finalizeLocal(req.Key, front.TxnId, dto.FinalizeAbort); err != nil {
				return dto.WriteResponse{Status: dto.ServiceUnavailable(err.Error())}
			}
		}
	}

	value := req.Value
	if req.PartialUpdate != nil {
		prev := m.indexer.NewestCommitted(req.Key)
		projected, err := m.projectPartialUpdate(req, prev)
		if err != nil {
			return dto.WriteResponse{Status: dto.BadParameter(err.Error())}
		}
		value = projected
	}

	rec := dto.DataRecord{
		Value:       value,
		Timestamp:   req.MTR.Timestamp,
		TxnId:       req.MTR,
		Status:      dto.StatusWriteIntent,
		IsTombstone: req.IsDelete,
		SchemaName:  req.SchemaName,
		SchemaVer:   req.SchemaVersion,
	}

	if _, err := m.log.AppendWriteIntent(req.Key, rec); err != nil {
		return dto.WriteResponse{Status: dto.ServiceUnavailable(err.Error())}
	}
	if err := m.log.Sync(); err != nil {
		return dto.WriteResponse{Status: dto.ServiceUnavailable(err.Error())}
	}
	m.indexer.InsertVersion(req.Key, rec)

	if req.DesignateTRH {
		if _, ok := m.txns.Get(req.MTR); !ok {
			if _, err := m.txns.Begin(req.MTR); err != nil {
				return dto.WriteResponse{Status: dto.ServiceUnavailable(err.Error())}
			}
		}
	}
	if tr, ok := m.txns.Get(req.MTR); ok {
		_ = tr
		if err := m.txns.TrackWrite(req.MTR, req.Key); err != nil {
			m.logger.Warn("failed to track write key on TR, TRH may be remote", zap.Error(err))
		}
	}

	return dto.WriteResponse{Status: dto.Created("")}
}

// finalizeLocal applies a Finalize outcome directly against this
// partition's indexer (used when the WI being finalized lives here, i.e.
// this partition is also the WI holder for the key being pushed against).
func (m *Module) finalizeLocal(key dto.Key, txnID dto.TxnId, action dto.TxnFinalizeAction) error {
	switch action {
	case dto.FinalizeCommit:
		if _, err := m.log.AppendCommitVersion(key, txnID, txnID.Timestamp); err != nil {
			return err
		}
		if err := m.log.Sync(); err != nil {
			return err
		}
		m.indexer.CommitFrontWI(key, txnID)
	case dto.FinalizeAbort:
		if _, err := m.log.AppendAbortVersion(key, txnID); err != nil {
			return err
		}
		if err := m.log.Sync(); err != nil {
			return err
		}
		m.indexer.PopFrontWI(key)
	}
	return nil
}

// doPush runs the push protocol from spec.md section 4.7. If this
// partition is itself the TR holder for incumbent, the decision is applied
// in-process (the "cyclic self-RPC" case from spec.md section 9 collapses
// to a direct call); otherwise it is dispatched over RemoteCaller.
func (m *Module) doPush(ctx context.Context, key dto.Key, incumbent dto.TxnId, challenger dto.TxnId) (proceed bool, status dto.Status, err error) {
	req := dto.TxnPushRequest{
		CollectionName: m.cfg.CollectionName,
		PVID:           m.cfg.PVID,
		Key:            key,
		IncumbentTxnId: incumbent,
		ChallengerMTR:  challenger,
	}

	if incumbent.TRHPartitionId == m.cfg.PVID {
		resp := m.HandleTxnPush(req)
		return resp.ChallengerProceeds, resp.Status, nil
	}

	endpoint, rerr := m.resolve(incumbent.TRHPartitionId)
	if rerr != nil {
		return false, dto.Status{}, fmt.Errorf("resolve TRH endpoint: %w", rerr)
	}
	resp, rerr := m.remote.Push(ctx, endpoint, req)
	if rerr != nil {
		return false, dto.Status{}, rerr
	}
	return resp.ChallengerProceeds, resp.Status, nil
}

// HandleTxnPush implements the arbitration decision at the TR-owning
// partition, spec.md section 4.7. It is idempotent: the decision is a pure
// function of the TR's current (terminal or InProgress) state.
func (m *Module) HandleTxnPush(req dto.TxnPushRequest) dto.TxnPushResponse {
	tr, ok := m.txns.Get(req.IncumbentTxnId)
	if !ok {
		// No TR on file: either it was already finalized-and-deleted
		// (incumbent long gone) or it never existed here. Either way the
		// challenger may proceed; there is nothing left to lose to.
		return dto.TxnPushResponse{Status: dto.OK(""), IncumbentState: dto.TxnDeleted, ChallengerProceeds: true}
	}

	switch tr.State {
	case dto.TxnCommitted:
		return dto.TxnPushResponse{Status: dto.OK(""), IncumbentState: tr.State, ChallengerProceeds: false}
	case dto.TxnAborted, dto.TxnForceAborted:
		return dto.TxnPushResponse{Status: dto.OK(""), IncumbentState: tr.State, ChallengerProceeds: true}
	}

	// InProgress: arbitrate by (priority, timestamp, id tiebreak).
	if req.IncumbentTxnId.Wins(req.ChallengerMTR) {
		return dto.TxnPushResponse{Status: dto.OK(""), IncumbentState: dto.TxnInProgress, ChallengerProceeds: false}
	}
	newState, err := m.txns.ForceAbort(req.IncumbentTxnId)
	if err != nil {
		m.logger.Error("failed to force-abort incumbent during push", zap.Error(err))
		return dto.TxnPushResponse{Status: dto.ServiceUnavailable(err.Error())}
	}
	return dto.TxnPushResponse{Status: dto.OK(""), IncumbentState: newState, ChallengerProceeds: true}
}

// HandleTxnEnd implements spec.md section 4.8.
func (m *Module) HandleTxnEnd(ctx context.Context, req dto.TxnEndRequest) dto.TxnEndResponse {
	tr, ok := m.txns.Get(req.TxnId)
	if !ok {
		return dto.TxnEndResponse{Status: dto.NotFound("no transaction record here")}
	}

	if tr.State.IsTerminal() {
		if tr.State == dto.TxnForceAborted && req.Action == dto.TxnEndCommit {
			return dto.TxnEndResponse{Status: dto.OperationNotAllowed("transaction was force-aborted by a push")}
		}
		// Idempotent success for a retried End with a consistent outcome.
		return dto.TxnEndResponse{Status: dto.OK("")}
	}

	var finalizeAction dto.TxnFinalizeAction
	if req.Action == dto.TxnEndCommit {
		newState, err := m.txns.Commit(req.TxnId)
		if err != nil {
			return dto.TxnEndResponse{Status: dto.ServiceUnavailable(err.Error())}
		}
		if newState == dto.TxnForceAborted {
			// Force-aborted by a push or by a lapsed heartbeat: record the
			// outcome as Aborted and refuse the commit.
			if _, err := m.txns.Abort(req.TxnId); err != nil {
				return dto.TxnEndResponse{Status: dto.ServiceUnavailable(err.Error())}
			}
			go m.finalizeAll(req.TxnId, req.WriteKeys, dto.FinalizeAbort)
			return dto.TxnEndResponse{Status: dto.OperationNotAllowed("transaction was force-aborted")}
		}
		finalizeAction = dto.FinalizeCommit
	} else {
		if _, err := m.txns.Abort(req.TxnId); err != nil {
			return dto.TxnEndResponse{Status: dto.ServiceUnavailable(err.Error())}
		}
		finalizeAction = dto.FinalizeAbort
	}

	go m.finalizeAll(req.TxnId, req.WriteKeys, finalizeAction)

	return dto.TxnEndResponse{Status: dto.OK("")}
}

// finalizeAll applies TxnFinalize for each of writeKeys against this
// partition's own indexer, deleting the TR once every key is marked
// finalized. It runs asynchronously to the client's TxnEnd response per
// spec.md section 4.8. It sends no Finalize RPC through RemoteCaller, so a
// write intent held by another partition is not finalized here, and a key
// whose finalize fails is not retried.
func (m *Module) finalizeAll(txnID dto.TxnId, writeKeys []dto.Key, action dto.TxnFinalizeAction) {
	for _, key := range writeKeys {
		resp := m.HandleTxnFinalize(dto.TxnFinalizeRequest{Key: key, TxnId: txnID, Action: action})
		if !resp.Status.IsOK() {
			m.logger.Error("finalize failed, TR left in place", zap.String("status", resp.Status.Message))
			continue
		}
		done, err := m.txns.MarkFinalized(txnID, key)
		if err != nil {
			m.logger.Error("failed to mark key finalized", zap.Error(err))
			continue
		}
		if done {
			if err := m.txns.Delete(txnID); err != nil {
				m.logger.Error("failed to delete fully-finalized TR", zap.Error(err))
			}
			return
		}
	}
}

// HandleTxnFinalize implements spec.md section 4.9, applied at a
// WI-holding partition (which may be this one even when it is not the TRH).
func (m *Module) HandleTxnFinalize(req dto.TxnFinalizeRequest) dto.TxnFinalizeResponse {
	front := m.indexer.Front(req.Key)
	if front == nil || !front.IsWI() || front.TxnId != req.TxnId {
		return dto.TxnFinalizeResponse{Status: dto.OK("")} // idempotent no-op
	}
	if err := m.finalizeLocal(req.Key, req.TxnId, req.Action); err != nil {
		return dto.TxnFinalizeResponse{Status: dto.ServiceUnavailable(err.Error())}
	}
	return dto.TxnFinalizeResponse{Status: dto.OK("")}
}

// HandleTxnHeartbeat implements spec.md section 4.10.
func (m *Module) HandleTxnHeartbeat(req dto.TxnHeartbeatRequest) dto.TxnHeartbeatResponse {
	state, err := m.txns.Heartbeat(req.TxnId)
	if err != nil {
		return dto.TxnHeartbeatResponse{Status: dto.NotFound(err.Error())}
	}
	if state.IsTerminal() {
		s := state
		return dto.TxnHeartbeatResponse{Status: dto.OK(""), TerminalState: &s}
	}
	return dto.TxnHeartbeatResponse{Status: dto.OK("")}
}
