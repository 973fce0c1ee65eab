package tpcc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPadPreservesNumericOrdering(t *testing.T) {
	require.True(t, pad(9) < pad(10))
	require.True(t, pad(99) < pad(100))
	require.True(t, pad(1) < pad(2))
}

func TestOrderLineKeyOrdersByLineNumber(t *testing.T) {
	k1 := orderLineKey(1, 1, 50, 0)
	k2 := orderLineKey(1, 1, 50, 1)
	require.True(t, k1.Less(k2))
}

func TestStockEncodeRoundTrip(t *testing.T) {
	require.Equal(t, int32(42), decodeInt32(encodeInt32(42)))
	require.InDelta(t, 12.5, decodeFloat64(encodeFloat64(12.5)), 0.0001)
}
