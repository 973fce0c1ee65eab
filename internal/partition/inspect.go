package partition

import "github.com/k2-platform/k23si/internal/dto"

// The Inspect* verbs are never reachable from the SI client protocol; they
// exist for operator tooling and tests (original_source Module.h
// handleInspectRecords / handleInspectTxn / handleInspectWIs /
// handleInspectAllTxns / handleInspectAllKeys) and bypass validate() so a
// stale partition map or retention window never hides diagnostic state.

// HandleInspectRecords returns every version on file for a key, newest
// first, including an uncommitted write intent if one exists.
func (m *Module) HandleInspectRecords(req dto.InspectRecordsRequest) dto.InspectRecordsResponse {
	versions := m.indexer.Get(req.Key)
	records := make([]dto.DataRecord, len(versions))
	copy(records, versions)
	return dto.InspectRecordsResponse{Status: dto.OK(""), Records: records}
}

// HandleInspectTxn returns the TransactionRecord this partition holds for
// txnID, if it is (or was, before deletion) the TR holder.
func (m *Module) HandleInspectTxn(req dto.InspectTxnRequest) dto.InspectTxnResponse {
	tr, ok := m.txns.Get(req.TxnId)
	if !ok {
		return dto.InspectTxnResponse{Status: dto.NotFound("no transaction record here")}
	}
	cp := *tr
	return dto.InspectTxnResponse{Status: dto.OK(""), Record: &cp}
}

// HandleInspectWIs returns every write intent currently outstanding in this
// partition's indexer.
func (m *Module) HandleInspectWIs(req dto.InspectWIsRequest) dto.InspectWIsResponse {
	return dto.InspectWIsResponse{Status: dto.OK(""), WIs: m.indexer.AllWIs()}
}

// HandleInspectAllTxns returns every TransactionRecord this partition holds,
// regardless of state.
func (m *Module) HandleInspectAllTxns(req dto.InspectAllTxnsRequest) dto.InspectAllTxnsResponse {
	return dto.InspectAllTxnsResponse{Status: dto.OK(""), Records: m.txns.All()}
}

// HandleInspectAllKeys returns every key currently indexed by this
// partition, with or without a committed version.
func (m *Module) HandleInspectAllKeys(req dto.InspectAllKeysRequest) dto.InspectAllKeysResponse {
	return dto.InspectAllKeysResponse{Status: dto.OK(""), Keys: m.indexer.AllKeys()}
}
