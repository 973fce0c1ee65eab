package persistence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/k2-platform/k23si/internal/dto"
)

func setupLogManager(t *testing.T) *LogManager {
	t.Helper()
	lm, err := NewLogManager(t.TempDir(), zap.NewNop(), "")
	require.NoError(t, err)
	return lm
}

func testKey(rk string) dto.Key {
	return dto.Key{SchemaName: "warehouse", PartitionKey: "w1", RangeKey: rk}
}

func TestAppendWriteIntentAndRecover(t *testing.T) {
	lm := setupLogManager(t)
	defer lm.Close()

	key := testKey("a")
	rec := dto.DataRecord{Status: dto.StatusWriteIntent, Timestamp: dto.Timestamp{StartNanos: 100}}
	lsn, err := lm.AppendWriteIntent(key, rec)
	require.NoError(t, err)
	require.Equal(t, LSN(1), lsn)
	require.NoError(t, lm.Sync())

	var got []WriteIntentPayload
	require.NoError(t, lm.Recover(func(r *LogRecord) error {
		require.Equal(t, RecordWriteIntent, r.Type)
		p, err := r.DecodeWriteIntent()
		if err != nil {
			return err
		}
		got = append(got, p)
		return nil
	}))
	require.Len(t, got, 1)
	require.Equal(t, key, got[0].Key)
	require.Equal(t, int64(100), got[0].Record.Timestamp.StartNanos)
}

func TestAppendTxnLifecycleRecoversInOrder(t *testing.T) {
	lm := setupLogManager(t)
	defer lm.Close()

	txn := dto.TxnId{Timestamp: dto.Timestamp{StartNanos: 5}, TRHPartitionId: "p0"}
	key := testKey("b")

	_, err := lm.AppendWriteIntent(key, dto.DataRecord{Status: dto.StatusWriteIntent})
	require.NoError(t, err)
	_, err = lm.AppendTxnState(txn, dto.TxnCommitted, 42)
	require.NoError(t, err)
	_, err = lm.AppendCommitVersion(key, txn, dto.Timestamp{StartNanos: 9})
	require.NoError(t, err)
	_, err = lm.AppendTxnDelete(txn)
	require.NoError(t, err)
	require.NoError(t, lm.Sync())

	var types []RecordType
	require.NoError(t, lm.Recover(func(r *LogRecord) error {
		types = append(types, r.Type)
		return nil
	}))
	require.Equal(t, []RecordType{RecordWriteIntent, RecordTxnState, RecordCommitVersion, RecordTxnDelete}, types)
}

func TestRecoverSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	lm1, err := NewLogManager(dir, zap.NewNop(), "")
	require.NoError(t, err)

	key := testKey("c")
	_, err = lm1.AppendWriteIntent(key, dto.DataRecord{Status: dto.StatusWriteIntent})
	require.NoError(t, err)
	require.NoError(t, lm1.Close())

	lm2, err := NewLogManager(dir, zap.NewNop(), "")
	require.NoError(t, err)
	defer lm2.Close()

	var count int
	require.NoError(t, lm2.Recover(func(r *LogRecord) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)

	// The LSN sequence must continue past what lm1 already assigned.
	lsn, err := lm2.AppendWriteIntent(testKey("d"), dto.DataRecord{})
	require.NoError(t, err)
	require.Equal(t, LSN(2), lsn)
}

func TestReaderCatchesUpThenBlocksForNewAppend(t *testing.T) {
	lm := setupLogManager(t)
	defer lm.Close()

	_, err := lm.AppendWriteIntent(testKey("e"), dto.DataRecord{})
	require.NoError(t, err)
	require.NoError(t, lm.Sync())

	reader, err := lm.GetReaderForReplication(1, "test-slot")
	require.NoError(t, err)
	defer reader.Close()

	rec, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, LSN(1), rec.LSN)

	var wg sync.WaitGroup
	wg.Add(1)
	var awaited *LogRecord
	var nextErr error
	go func() {
		defer wg.Done()
		awaited, nextErr = reader.Next()
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = lm.AppendWriteIntent(testKey("f"), dto.DataRecord{})
	require.NoError(t, err)
	require.NoError(t, lm.Sync())

	wg.Wait()
	require.NoError(t, nextErr)
	require.Equal(t, LSN(2), awaited.LSN)
}
