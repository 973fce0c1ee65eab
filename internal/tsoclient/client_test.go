package tsoclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/k2-platform/k23si/internal/dto"
)

type fakeFetcher struct {
	calls int
	batch dto.TimestampBatch
}

func (f *fakeFetcher) GetTimestampBatch(ctx context.Context, req dto.GetTimestampBatchRequest) (dto.GetTimestampBatchResponse, error) {
	f.calls++
	b := f.batch
	b.TBEBase += int64(f.calls) * 1_000_000 // distinguish successive fetches
	return dto.GetTimestampBatchResponse{Status: dto.OK(""), Batch: b}, nil
}

func baseBatch() dto.TimestampBatch {
	return dto.TimestampBatch{
		TBEBase:        1_000,
		TSOId:          7,
		TsDelta:        500,
		TTLNanos:       int64(time.Hour),
		Count:          3,
		TBENanoSecStep: 100,
	}
}

func TestNextMintsStrictlyIncreasingWithinBatch(t *testing.T) {
	f := &fakeFetcher{batch: baseBatch()}
	c := New(f, 10)

	ts1, err := c.Next(context.Background())
	require.NoError(t, err)
	ts2, err := c.Next(context.Background())
	require.NoError(t, err)

	require.Equal(t, uint32(7), ts1.TSOId)
	require.Greater(t, ts2.StartNanos, ts1.StartNanos)
	require.Equal(t, int64(500), ts2.EndNanos-ts2.StartNanos)
	require.Equal(t, 1, f.calls)
}

func TestNextRefillsWhenBatchExhausted(t *testing.T) {
	f := &fakeFetcher{batch: baseBatch()}
	c := New(f, 10)

	for i := 0; i < 3; i++ {
		_, err := c.Next(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.calls)

	_, err := c.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, f.calls)
}

func TestNextRefillsWhenBatchExpired(t *testing.T) {
	f := &fakeFetcher{batch: baseBatch()}
	c := New(f, 10)
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	_, err := c.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.calls)

	fakeNow = fakeNow.Add(2 * time.Hour)
	_, err = c.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, f.calls)
}
