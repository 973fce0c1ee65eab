package dto

// Every request carries CollectionName and PVID so a partition can validate
// it is still the owner before doing any work (spec.md section 4.4 step 1).

type ReadRequest struct {
	CollectionName string
	PVID           string
	Key            Key
	MTR            MTR
}

type ReadResponse struct {
	Status Status
	Record *DataRecord
}

type QueryRequest struct {
	CollectionName   string
	PVID             string
	StartKey         Key
	EndKey           Key
	ReverseDirection bool
	ExclusiveKey     bool
	FilterExpr       string // opaque predicate understood by FilterFunc, see partition/filter.go
	Projection       []string
	Limit            int
	MTR              MTR
}

type QueryResponse struct {
	Status     Status
	Rows       []RowStorage
	NextToScan Key
	Done       bool
}

type WriteRequest struct {
	CollectionName string
	PVID           string
	Key            Key
	Value          RowStorage
	SchemaName     string
	SchemaVersion  uint32
	MTR            MTR
	IsDelete       bool
	PartialUpdate  []int // field indices supplied in Value for a partial update; nil means full row
	RejectIfExists bool
	DesignateTRH   bool
}

type WriteResponse struct {
	Status Status
}

type TxnPushRequest struct {
	CollectionName string
	PVID           string
	Key            Key
	IncumbentTxnId TxnId
	ChallengerMTR  MTR
}

type TxnPushResponse struct {
	Status             Status
	IncumbentState      TxnState
	ChallengerProceeds bool
}

type TxnEndAction int

const (
	TxnEndCommit TxnEndAction = iota
	TxnEndAbort
)

type TxnEndRequest struct {
	TxnId     TxnId
	Action    TxnEndAction
	WriteKeys []Key
}

type TxnEndResponse struct {
	Status Status
}

type TxnHeartbeatRequest struct {
	TxnId TxnId
}

type TxnHeartbeatResponse struct {
	Status       Status
	TerminalState *TxnState
}

type TxnFinalizeAction int

const (
	FinalizeCommit TxnFinalizeAction = iota
	FinalizeAbort
)

type TxnFinalizeRequest struct {
	CollectionName string
	PVID           string
	TxnId          TxnId
	Key            Key
	Action         TxnFinalizeAction
}

type TxnFinalizeResponse struct {
	Status Status
}

type PushSchemaRequest struct {
	CollectionName string
	PVID           string
	Schema         Schema
}

type PushSchemaResponse struct {
	Status Status
}

// --- debug/test-only Inspect verbs, never reachable from the SI protocol ---

type InspectRecordsRequest struct {
	CollectionName string
	PVID           string
	Key            Key
}

type InspectRecordsResponse struct {
	Status  Status
	Records []DataRecord
}

type InspectTxnRequest struct {
	TxnId TxnId
}

type InspectTxnResponse struct {
	Status Status
	Record *TransactionRecord
}

type InspectWIsRequest struct {
	CollectionName string
	PVID           string
}

type InspectWIsResponse struct {
	Status Status
	WIs    []DataRecord
}

type InspectAllTxnsRequest struct{}

type InspectAllTxnsResponse struct {
	Status  Status
	Records []TransactionRecord
}

type InspectAllKeysRequest struct {
	CollectionName string
	PVID           string
}

type InspectAllKeysResponse struct {
	Status Status
	Keys   []Key
}

// --- CPO verbs ---

type CollectionCreateRequest struct {
	Metadata  CollectionMetadata
	Endpoints []string
	RangeEnds []string
}

type CollectionCreateResponse struct {
	Status Status
}

type CollectionGetRequest struct {
	Name string
}

type CollectionGetResponse struct {
	Status     Status
	Collection Collection
}

// PersistenceClusterGetRequest asks the CPO which storage endpoints back a
// named WAL persistence cluster (CPOClient.h GetPersistenceCluster). The CPO
// serves it; no partition in this module calls it, and each partition
// writes its WAL to a local directory.
type PersistenceClusterGetRequest struct {
	Name string
}

type PersistenceClusterGetResponse struct {
	Status    Status
	Endpoints []string
}

// --- TSO verbs ---

type GetTimestampBatchRequest struct {
	BatchSizeRequested uint32
}

type GetTimestampBatchResponse struct {
	Status Status
	Batch  TimestampBatch
}
