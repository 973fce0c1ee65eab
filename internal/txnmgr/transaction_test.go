package txnmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/persistence"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := persistence.NewLogManager(t.TempDir(), zap.NewNop(), "")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return New(log, zap.NewNop(), time.Minute)
}

func testTxn() dto.TxnId {
	return dto.TxnId{Timestamp: dto.Timestamp{StartNanos: 1}, TRHPartitionId: "p0"}
}

func TestBeginThenCommit(t *testing.T) {
	m := newTestManager(t)
	id := testTxn()

	tr, err := m.Begin(id)
	require.NoError(t, err)
	require.Equal(t, dto.TxnInProgress, tr.State)

	state, err := m.Commit(id)
	require.NoError(t, err)
	require.Equal(t, dto.TxnCommitted, state)

	got, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, dto.TxnCommitted, got.State)
}

func TestCommitIsIdempotentAfterAbort(t *testing.T) {
	m := newTestManager(t)
	id := testTxn()
	_, err := m.Begin(id)
	require.NoError(t, err)

	_, err = m.Abort(id)
	require.NoError(t, err)

	// A retried TxnEnd(Commit) after the TR already went terminal must not
	// flip the outcome.
	state, err := m.Commit(id)
	require.NoError(t, err)
	require.Equal(t, dto.TxnAborted, state)
}

func TestMarkFinalizedTracksCompletion(t *testing.T) {
	m := newTestManager(t)
	id := testTxn()
	_, err := m.Begin(id)
	require.NoError(t, err)

	k1 := dto.Key{SchemaName: "s", PartitionKey: "a"}
	k2 := dto.Key{SchemaName: "s", PartitionKey: "b"}
	require.NoError(t, m.TrackWrite(id, k1))
	require.NoError(t, m.TrackWrite(id, k2))

	done, err := m.MarkFinalized(id, k1)
	require.NoError(t, err)
	require.False(t, done)

	done, err = m.MarkFinalized(id, k2)
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, m.Delete(id))
	_, ok := m.Get(id)
	require.False(t, ok)
}

func TestSweeperForceAbortsExpiredHeartbeat(t *testing.T) {
	m := newTestManager(t)
	m.heartbeatTimeout = 10 * time.Millisecond
	id := testTxn()
	_, err := m.Begin(id)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.sweepOnce()

	tr, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, dto.TxnForceAborted, tr.State)
}
