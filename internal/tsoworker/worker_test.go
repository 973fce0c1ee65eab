package tsoworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueWithinSameTickStaysStrictlyIncreasing(t *testing.T) {
	w := New(Config{TSOId: 1, TsDelta: time.Microsecond, TTL: time.Second, NanoSecStep: 100})
	fixed := int64(5_000_000) // well within one tick's nanosecond range
	w.now = func() int64 { return fixed }

	b1 := w.Issue(3)
	require.Equal(t, uint32(3), b1.Count)

	b2 := w.Issue(3)
	require.Equal(t, uint32(3), b2.Count)
	require.Greater(t, b2.TBEBase, b1.TBEBase)
}

func TestIssueRollsToNextTickWhenExhausted(t *testing.T) {
	w := New(Config{TSOId: 1, TsDelta: time.Microsecond, TTL: time.Second, NanoSecStep: 200})
	// maxPerTick = 1000/200 = 5
	fixed := int64(1_000_000)
	w.now = func() int64 { return fixed }

	first := w.Issue(5)
	require.Equal(t, uint32(5), first.Count)

	second := w.Issue(1)
	require.Equal(t, uint32(1), second.Count)
	require.Greater(t, second.TBEBase, first.TBEBase+int64(first.Count-1)*first.TBENanoSecStep)
}

func TestIssueClampsToRemainingCapacityInTick(t *testing.T) {
	w := New(Config{TSOId: 1, TsDelta: time.Microsecond, TTL: time.Second, NanoSecStep: 500})
	// maxPerTick = 1000/500 = 2
	fixed := int64(2_000_000)
	w.now = func() int64 { return fixed }

	b := w.Issue(10)
	require.Equal(t, uint32(2), b.Count)
}
