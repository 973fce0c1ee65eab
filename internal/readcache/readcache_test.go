package readcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/k2-platform/k23si/internal/dto"
)

func k(rk string) dto.Key { return dto.Key{SchemaName: "s", PartitionKey: "p", RangeKey: rk} }
func ts(n int64) dto.Timestamp { return dto.Timestamp{StartNanos: n, EndNanos: n} }

func TestObserveAndCheckInterval(t *testing.T) {
	rc := New(0)
	rc.Observe(k("a"), k("c"), ts(50))

	require.Equal(t, ts(50), rc.CheckInterval(k("b"), k("b")))
	require.Equal(t, dto.Timestamp{}, rc.CheckInterval(k("d"), k("d")))
}

func TestMaxReadTsMonotonic(t *testing.T) {
	rc := New(0)
	rc.Observe(k("a"), k("a"), ts(10))
	rc.Observe(k("a"), k("a"), ts(5))
	// merging must never lower the recorded max for an overlapping range
	require.Equal(t, ts(10), rc.CheckInterval(k("a"), k("a")))

	rc.Observe(k("a"), k("a"), ts(20))
	require.Equal(t, ts(20), rc.CheckInterval(k("a"), k("a")))
}

func TestEvictionRaisesWatermark(t *testing.T) {
	rc := New(2)
	rc.Observe(k("a"), k("a"), ts(10))
	rc.Observe(k("b"), k("b"), ts(20))
	_, have := rc.MinTrackedTs()
	require.False(t, have)

	rc.Observe(k("c"), k("c"), ts(30))
	min, have := rc.MinTrackedTs()
	require.True(t, have)
	require.Equal(t, ts(10), min)
}
