package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/indexer"
	"github.com/k2-platform/k23si/internal/persistence"
	"github.com/k2-platform/k23si/internal/readcache"
	"github.com/k2-platform/k23si/internal/txnmgr"
)

const testPVID = "p0"

func newTestModule(t *testing.T) *Module {
	t.Helper()
	log, err := persistence.NewLogManager(t.TempDir(), zap.NewNop(), "")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	txns := txnmgr.New(log, zap.NewNop(), time.Minute)
	m := New(Config{
		CollectionName: "coll",
		PVID:           testPVID,
		QueryRowLimit:  100,
	}, zap.NewNop(), indexer.New(), readcache.New(0), txns, log, nil, nil)

	m.HandlePushSchema(dto.PushSchemaRequest{
		CollectionName: "coll",
		PVID:           testPVID,
		Schema: dto.Schema{
			Name:    "widgets",
			Version: 1,
			Fields:  []dto.SchemaField{{Name: "val", Type: dto.FieldTypeString}},
		},
	})
	return m
}

func ts(n int64) dto.Timestamp { return dto.Timestamp{StartNanos: n, EndNanos: n} }

func txnID(n int64, prio dto.Priority) dto.TxnId {
	return dto.TxnId{Timestamp: ts(n), Priority: prio, TRHPartitionId: testPVID}
}

func row(val string) dto.RowStorage {
	r := dto.NewRowStorage(1)
	r.Set(0, []byte(val))
	return r
}

func writeReq(key dto.Key, id dto.TxnId, val string) dto.WriteRequest {
	return dto.WriteRequest{
		CollectionName: "coll",
		PVID:           testPVID,
		Key:            key,
		Value:          row(val),
		SchemaName:     "widgets",
		SchemaVersion:  1,
		MTR:            id,
		DesignateTRH:   true,
	}
}

func commitAndWait(t *testing.T, m *Module, id dto.TxnId, keys []dto.Key) {
	t.Helper()
	resp := m.HandleTxnEnd(context.Background(), dto.TxnEndRequest{TxnId: id, Action: dto.TxnEndCommit, WriteKeys: keys})
	require.True(t, resp.Status.IsOK())
	require.Eventually(t, func() bool {
		_, ok := m.txns.Get(id)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestWriteThenCommitThenReadSeesValue(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	id := txnID(10, dto.PriorityMedium)

	wresp := m.HandleWrite(context.Background(), writeReq(key, id, "v1"))
	require.True(t, wresp.Status.IsOK())

	commitAndWait(t, m, id, []dto.Key{key})

	rresp := m.HandleRead(context.Background(), dto.ReadRequest{
		CollectionName: "coll", PVID: testPVID, Key: key, MTR: txnID(20, dto.PriorityMedium),
	})
	require.True(t, rresp.Status.IsOK())
	require.NotNil(t, rresp.Record)
	v, present := rresp.Record.Value.Get(0)
	require.True(t, present)
	require.Equal(t, "v1", string(v))
}

func TestHandleReadRejectsUnknownSchema(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "unregistered", PartitionKey: "a"}
	resp := m.HandleRead(context.Background(), dto.ReadRequest{
		CollectionName: "coll", PVID: testPVID, Key: key, MTR: txnID(1, dto.PriorityMedium),
	})
	require.Equal(t, dto.CodeOperationNotAllowed, resp.Status.Code)
}

func TestHandleWriteRejectsUnknownSchema(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "unregistered", PartitionKey: "a"}
	resp := m.HandleWrite(context.Background(), writeReq(key, txnID(1, dto.PriorityMedium), "v1"))
	require.Equal(t, dto.CodeOperationNotAllowed, resp.Status.Code)
}

func TestHandleWriteBySameTxnReplacesExistingIntentInPlace(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	id := txnID(10, dto.PriorityMedium)

	require.True(t, m.HandleWrite(context.Background(), writeReq(key, id, "v1")).Status.IsOK())
	require.True(t, m.HandleWrite(context.Background(), writeReq(key, id, "v2")).Status.IsOK())

	versions := m.indexer.Get(key)
	require.Len(t, versions, 1)
	require.True(t, versions[0].IsWI())
	v, present := versions[0].Value.Get(0)
	require.True(t, present)
	require.Equal(t, "v2", string(v))
}

func TestHandleReadWithNoVersionReturnsNotFound(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "missing"}
	resp := m.HandleRead(context.Background(), dto.ReadRequest{
		CollectionName: "coll", PVID: testPVID, Key: key, MTR: txnID(1, dto.PriorityMedium),
	})
	require.Equal(t, dto.CodeNotFound, resp.Status.Code)
}

func TestHandleWriteRejectsRequestOlderThanCommittedVersion(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	id1 := txnID(100, dto.PriorityMedium)

	wresp := m.HandleWrite(context.Background(), writeReq(key, id1, "v1"))
	require.True(t, wresp.Status.IsOK())
	commitAndWait(t, m, id1, []dto.Key{key})

	stale := txnID(50, dto.PriorityMedium)
	wresp2 := m.HandleWrite(context.Background(), writeReq(key, stale, "v0"))
	require.Equal(t, dto.CodeAbortRequestTooOld, wresp2.Status.Code)
}

func TestHandleWriteRejectsStaleRequestEvenWithAPendingIntentInFront(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	id1 := txnID(100, dto.PriorityMedium)

	wresp := m.HandleWrite(context.Background(), writeReq(key, id1, "v1"))
	require.True(t, wresp.Status.IsOK())
	commitAndWait(t, m, id1, []dto.Key{key})

	// A second, still in-progress transaction stacks a WI on top of the
	// committed v1; the front of the key's history is now a WI, not the
	// committed version.
	inProgress := txnID(200, dto.PriorityMedium)
	wresp2 := m.HandleWrite(context.Background(), writeReq(key, inProgress, "v2"))
	require.True(t, wresp2.Status.IsOK())

	// A stale write older than the committed v1 must still be rejected
	// against NewestCommitted, regardless of the WI sitting in front of it.
	stale := txnID(50, dto.PriorityMedium)
	wresp3 := m.HandleWrite(context.Background(), writeReq(key, stale, "v0"))
	require.Equal(t, dto.CodeAbortRequestTooOld, wresp3.Status.Code)
}

func TestHandleWriteRejectsAfterReadObservedKeyAtLaterTimestamp(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}

	readResp := m.HandleRead(context.Background(), dto.ReadRequest{
		CollectionName: "coll", PVID: testPVID, Key: key, MTR: txnID(200, dto.PriorityMedium),
	})
	require.Equal(t, dto.CodeNotFound, readResp.Status.Code)

	stale := txnID(100, dto.PriorityMedium)
	wresp := m.HandleWrite(context.Background(), writeReq(key, stale, "too-late"))
	require.Equal(t, dto.CodeAbortRequestTooOld, wresp.Status.Code)
}

func TestPushIncumbentWinsAgainstLowerPriorityChallenger(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	incumbent := txnID(10, dto.PriorityHigh)

	wresp := m.HandleWrite(context.Background(), writeReq(key, incumbent, "incumbent-val"))
	require.True(t, wresp.Status.IsOK())

	challenger := txnID(20, dto.PriorityLow)
	wresp2 := m.HandleWrite(context.Background(), writeReq(key, challenger, "challenger-val"))
	require.Equal(t, dto.CodeAbortConflict, wresp2.Status.Code)

	tr, ok := m.txns.Get(incumbent)
	require.True(t, ok)
	require.Equal(t, dto.TxnInProgress, tr.State)
}

func TestPushChallengerWinsForceAbortsIncumbent(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	incumbent := txnID(10, dto.PriorityLow)

	wresp := m.HandleWrite(context.Background(), writeReq(key, incumbent, "incumbent-val"))
	require.True(t, wresp.Status.IsOK())

	challenger := txnID(20, dto.PriorityHigh)
	wresp2 := m.HandleWrite(context.Background(), writeReq(key, challenger, "challenger-val"))
	require.True(t, wresp2.Status.IsOK())

	tr, ok := m.txns.Get(incumbent)
	require.True(t, ok)
	require.Equal(t, dto.TxnForceAborted, tr.State)

	front := m.indexer.Front(key)
	require.NotNil(t, front)
	require.Equal(t, challenger, front.TxnId)
}

func TestQueryObservesEmptyRangeAndBlocksLateStaleWrite(t *testing.T) {
	m := newTestModule(t)
	lo := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	hi := dto.Key{SchemaName: "widgets", PartitionKey: "z"}

	qresp := m.HandleQuery(context.Background(), dto.QueryRequest{
		CollectionName: "coll", PVID: testPVID, StartKey: lo, EndKey: hi,
		MTR: txnID(500, dto.PriorityMedium),
	})
	require.True(t, qresp.Status.IsOK())
	require.Empty(t, qresp.Rows)

	late := dto.Key{SchemaName: "widgets", PartitionKey: "m"}
	stale := txnID(100, dto.PriorityMedium)
	wresp := m.HandleWrite(context.Background(), writeReq(late, stale, "phantom"))
	require.Equal(t, dto.CodeAbortRequestTooOld, wresp.Status.Code)
}

func TestQueryReturnsCommittedRowsInRange(t *testing.T) {
	m := newTestModule(t)
	keyA := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	keyB := dto.Key{SchemaName: "widgets", PartitionKey: "b"}
	idA := txnID(10, dto.PriorityMedium)
	idB := txnID(11, dto.PriorityMedium)

	require.True(t, m.HandleWrite(context.Background(), writeReq(keyA, idA, "va")).Status.IsOK())
	commitAndWait(t, m, idA, []dto.Key{keyA})
	require.True(t, m.HandleWrite(context.Background(), writeReq(keyB, idB, "vb")).Status.IsOK())
	commitAndWait(t, m, idB, []dto.Key{keyB})

	qresp := m.HandleQuery(context.Background(), dto.QueryRequest{
		CollectionName: "coll", PVID: testPVID,
		StartKey: dto.Key{SchemaName: "widgets", PartitionKey: "a"},
		EndKey:   dto.Key{SchemaName: "widgets", PartitionKey: "z"},
		MTR:      txnID(100, dto.PriorityMedium),
	})
	require.True(t, qresp.Status.IsOK())
	require.Len(t, qresp.Rows, 2)
}

func TestQueryProjectionRestrictsReturnedFields(t *testing.T) {
	m := newTestModule(t)
	m.HandlePushSchema(dto.PushSchemaRequest{
		CollectionName: "coll",
		PVID:           testPVID,
		Schema: dto.Schema{
			Name:    "gadgets",
			Version: 1,
			Fields: []dto.SchemaField{
				{Name: "name", Type: dto.FieldTypeString},
				{Name: "val", Type: dto.FieldTypeString},
			},
		},
	})

	key := dto.Key{SchemaName: "gadgets", PartitionKey: "a"}
	id := txnID(10, dto.PriorityMedium)
	value := dto.NewRowStorage(2)
	value.Set(0, []byte("widget-a"))
	value.Set(1, []byte("42"))

	wresp := m.HandleWrite(context.Background(), dto.WriteRequest{
		CollectionName: "coll", PVID: testPVID, Key: key, Value: value,
		SchemaName: "gadgets", SchemaVersion: 1, MTR: id, DesignateTRH: true,
	})
	require.True(t, wresp.Status.IsOK())
	commitAndWait(t, m, id, []dto.Key{key})

	qresp := m.HandleQuery(context.Background(), dto.QueryRequest{
		CollectionName: "coll", PVID: testPVID,
		StartKey:   key,
		EndKey:     dto.Key{SchemaName: "gadgets", PartitionKey: "z"},
		Projection: []string{"val"},
		MTR:        txnID(100, dto.PriorityMedium),
	})
	require.True(t, qresp.Status.IsOK())
	require.Len(t, qresp.Rows, 1)

	_, namePresent := qresp.Rows[0].Get(0)
	require.False(t, namePresent)
	v, valPresent := qresp.Rows[0].Get(1)
	require.True(t, valPresent)
	require.Equal(t, "42", string(v))
}

func TestHandleWriteAbortedTransactionRemovesIntent(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	id := txnID(10, dto.PriorityMedium)

	require.True(t, m.HandleWrite(context.Background(), writeReq(key, id, "v1")).Status.IsOK())

	endResp := m.HandleTxnEnd(context.Background(), dto.TxnEndRequest{TxnId: id, Action: dto.TxnEndAbort, WriteKeys: []dto.Key{key}})
	require.True(t, endResp.Status.IsOK())

	require.Eventually(t, func() bool {
		return m.indexer.Front(key) == nil
	}, time.Second, time.Millisecond)
}

func TestInspectVerbsExposeInternalState(t *testing.T) {
	m := newTestModule(t)
	key := dto.Key{SchemaName: "widgets", PartitionKey: "a"}
	id := txnID(10, dto.PriorityMedium)
	require.True(t, m.HandleWrite(context.Background(), writeReq(key, id, "v1")).Status.IsOK())

	wis := m.HandleInspectWIs(dto.InspectWIsRequest{CollectionName: "coll", PVID: testPVID})
	require.Len(t, wis.WIs, 1)

	keys := m.HandleInspectAllKeys(dto.InspectAllKeysRequest{CollectionName: "coll", PVID: testPVID})
	require.Contains(t, keys.Keys, key)

	txnResp := m.HandleInspectTxn(dto.InspectTxnRequest{TxnId: id})
	require.True(t, txnResp.Status.IsOK())
	require.Equal(t, dto.TxnInProgress, txnResp.Record.State)

	allTxns := m.HandleInspectAllTxns(dto.InspectAllTxnsRequest{})
	require.Len(t, allTxns.Records, 1)

	records := m.HandleInspectRecords(dto.InspectRecordsRequest{CollectionName: "coll", PVID: testPVID, Key: key})
	require.Len(t, records.Records, 1)
}
