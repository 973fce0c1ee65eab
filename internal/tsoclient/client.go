// Package tsoclient mints timestamps for the TPC-C driver and the GraphQL
// server by drawing
// down a locally cached dto.TimestampBatch until it is exhausted or expired,
// then fetching a fresh one, mirroring the source's TSO client batching
// (k2::TSO client keeps a batch and mints locally rather than round-tripping
// per timestamp).
package tsoclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/k2-platform/k23si/internal/dto"
)

// BatchFetcher is implemented by internal/tsotransport.Client.
type BatchFetcher interface {
	GetTimestampBatch(ctx context.Context, req dto.GetTimestampBatchRequest) (dto.GetTimestampBatchResponse, error)
}

// Client mints dto.Timestamp values for the caller's current transaction
// begin/commit calls, refilling its batch from fetcher as needed.
type Client struct {
	fetcher   BatchFetcher
	batchSize uint32
	now       func() time.Time

	mu            sync.Mutex
	batch         dto.TimestampBatch
	issuedInBatch uint32
	fetchedAt     time.Time
}

func New(fetcher BatchFetcher, batchSize uint32) *Client {
	if batchSize == 0 {
		batchSize = 1000
	}
	return &Client{fetcher: fetcher, batchSize: batchSize, now: time.Now}
}

// Next mints the next timestamp, fetching a new batch from the TSO if the
// cached one is exhausted or has outlived its TTL.
func (c *Client) Next(ctx context.Context) (dto.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.needsRefill() {
		if err := c.refill(ctx); err != nil {
			return dto.Timestamp{}, err
		}
	}

	offset := int64(c.issuedInBatch) * c.batch.TBENanoSecStep
	start := c.batch.TBEBase + offset
	ts := dto.Timestamp{
		StartNanos: start,
		EndNanos:   start + c.batch.TsDelta,
		TSOId:      c.batch.TSOId,
	}
	c.issuedInBatch++
	return ts, nil
}

func (c *Client) needsRefill() bool {
	if c.issuedInBatch >= c.batch.Count {
		return true
	}
	if c.batch.TTLNanos > 0 && c.now().Sub(c.fetchedAt) > time.Duration(c.batch.TTLNanos) {
		return true
	}
	return false
}

func (c *Client) refill(ctx context.Context) error {
	resp, err := c.fetcher.GetTimestampBatch(ctx, dto.GetTimestampBatchRequest{BatchSizeRequested: c.batchSize})
	if err != nil {
		return fmt.Errorf("tsoclient: fetch batch: %w", err)
	}
	if !resp.Status.IsOK() {
		return fmt.Errorf("tsoclient: fetch batch: %s", resp.Status.Message)
	}
	if resp.Batch.Count == 0 {
		return fmt.Errorf("tsoclient: TSO returned empty batch")
	}
	c.batch = resp.Batch
	c.issuedInBatch = 0
	c.fetchedAt = c.now()
	return nil
}
