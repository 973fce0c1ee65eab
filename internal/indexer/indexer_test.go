package indexer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/k2-platform/k23si/internal/dto"
)

func ts(n int64) dto.Timestamp { return dto.Timestamp{StartNanos: n, EndNanos: n} }

func key(rk string) dto.Key { return dto.Key{SchemaName: "s", PartitionKey: "p", RangeKey: rk} }

func TestInsertAndNewestAtOrBefore(t *testing.T) {
	ix := New()
	k := key("a")
	ix.InsertVersion(k, dto.DataRecord{Timestamp: ts(10), Status: dto.StatusCommitted})

	rec, wi := ix.NewestAtOrBefore(k, ts(20))
	require.Nil(t, wi)
	require.NotNil(t, rec)
	require.Equal(t, ts(10), rec.Timestamp)

	_, wi = ix.NewestAtOrBefore(k, ts(5))
	require.Nil(t, wi)
}

func TestWIBlocksRead(t *testing.T) {
	ix := New()
	k := key("b")
	ix.InsertVersion(k, dto.DataRecord{Timestamp: ts(10), Status: dto.StatusCommitted})
	ix.InsertVersion(k, dto.DataRecord{Timestamp: ts(20), Status: dto.StatusWriteIntent})

	rec, wi := ix.NewestAtOrBefore(k, ts(25))
	require.Nil(t, rec)
	require.NotNil(t, wi)
	require.Equal(t, ts(20), wi.Timestamp)

	// reading at a time before the WI still sees the committed version
	rec, wi = ix.NewestAtOrBefore(k, ts(15))
	require.Nil(t, wi)
	require.NotNil(t, rec)
	require.Equal(t, ts(10), rec.Timestamp)
}

func TestPopFrontWIAndCommit(t *testing.T) {
	ix := New()
	k := key("c")
	ix.InsertVersion(k, dto.DataRecord{Timestamp: ts(20), Status: dto.StatusWriteIntent, TxnId: dto.TxnId{Timestamp: ts(20)}})

	ix.PopFrontWI(k)
	require.Nil(t, ix.Front(k))

	ix.InsertVersion(k, dto.DataRecord{Timestamp: ts(30), Status: dto.StatusWriteIntent, TxnId: dto.TxnId{Timestamp: ts(30)}})
	ok := ix.CommitFrontWI(k, dto.TxnId{Timestamp: ts(30)})
	require.True(t, ok)
	require.False(t, ix.Front(k).IsWI())
}

func TestAscendFrom(t *testing.T) {
	ix := New()
	ix.InsertVersion(key("a"), dto.DataRecord{Timestamp: ts(1), Status: dto.StatusCommitted})
	ix.InsertVersion(key("b"), dto.DataRecord{Timestamp: ts(1), Status: dto.StatusCommitted})
	ix.InsertVersion(key("c"), dto.DataRecord{Timestamp: ts(1), Status: dto.StatusCommitted})

	var seen []string
	ix.AscendFrom(key("b"), false, func(k dto.Key, v Versions) bool {
		seen = append(seen, k.RangeKey)
		return true
	})
	require.Equal(t, []string{"b", "c"}, seen)

	seen = nil
	ix.AscendFrom(key("b"), true, func(k dto.Key, v Versions) bool {
		seen = append(seen, k.RangeKey)
		return true
	})
	require.Equal(t, []string{"c"}, seen)
}
