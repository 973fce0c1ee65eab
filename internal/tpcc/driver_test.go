package tpcc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickTxnTypeMatchesWeightedMix(t *testing.T) {
	d := &Driver{rng: rand.New(rand.NewSource(1))}
	counts := map[txnType]int{}
	const n = 10000
	for i := 0; i < n; i++ {
		counts[d.pickTxnType()]++
	}

	require.InDelta(t, 0.43, float64(counts[txnPayment])/n, 0.03)
	require.InDelta(t, 0.04, float64(counts[txnOrderStatus])/n, 0.02)
	require.InDelta(t, 0.04, float64(counts[txnDelivery])/n, 0.02)
	require.InDelta(t, 0.48, float64(counts[txnNewOrder])/n, 0.03)
	require.InDelta(t, 0.01, float64(counts[txnStockLevel])/n, 0.02)
}
