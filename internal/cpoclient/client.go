// Package cpoclient is the partition-map client every k23si process
// (partition server, TPC-C driver, CLI) uses to resolve a CollectionName +
// Key to the executor endpoint currently owning it, per spec.md section 4.1
// ("PVID" / partition version checks) and the CollectionGet CPO verb.
package cpoclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/rpcpool"
)

// CPOClient is the RPC surface a CPOClient needs against the Control Plane
// Oracle's Raft leader.
type CPOClient interface {
	CollectionGet(ctx context.Context, req dto.CollectionGetRequest) (dto.CollectionGetResponse, error)
	CollectionCreate(ctx context.Context, req dto.CollectionCreateRequest) (dto.CollectionCreateResponse, error)
}

// Client caches each collection's partition map and refetches it when a
// caller invokes Refresh (for example after a RefreshCollection status).
// Concurrent fetches for the same collection are coalesced into one
// CollectionGet RPC via singleflight, mirroring the pool-reuse discipline
// internal/rpcpool already applies to connections.
type Client struct {
	endpoints []string
	pool      *rpcpool.Manager
	logger    *zap.Logger

	sf singleflight.Group

	// limiter caps how fast a single fan-out call can march across
	// endpoints, so a CPO outage turns into a steady trickle of retries
	// rather than every caller hammering every endpoint at once; mirrors
	// the teacher's CopyThrottled use of rate.Limiter to bound retry cost.
	limiter *rate.Limiter

	mu    sync.RWMutex
	cache map[string]dto.Collection
}

func New(endpoints []string, pool *rpcpool.Manager, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoints: endpoints,
		pool:      pool,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(50), 10),
		cache:     make(map[string]dto.Collection),
	}
}

// Collection returns the cached partition map for name, fetching it from
// the CPO on first use. It does not itself decide staleness; callers that
// get a RefreshCollection status from a partition RPC must call Refresh.
func (c *Client) Collection(ctx context.Context, name string) (dto.Collection, error) {
	c.mu.RLock()
	coll, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return coll, nil
	}
	return c.Refresh(ctx, name)
}

// Refresh forces a fresh CollectionGet, coalescing concurrent callers for
// the same name into a single RPC.
func (c *Client) Refresh(ctx context.Context, name string) (dto.Collection, error) {
	v, err, _ := c.sf.Do(name, func() (interface{}, error) {
		return c.fetch(ctx, name)
	})
	if err != nil {
		return dto.Collection{}, err
	}
	return v.(dto.Collection), nil
}

func (c *Client) fetch(ctx context.Context, name string) (dto.Collection, error) {
	req := dto.CollectionGetRequest{Name: name}
	resp, err := c.rpcCollectionGet(ctx, req)
	if err != nil {
		return dto.Collection{}, err
	}
	if !resp.Status.IsOK() {
		return dto.Collection{}, fmt.Errorf("cpoclient: CollectionGet %q: %s", name, resp.Status.Error())
	}
	c.mu.Lock()
	c.cache[name] = resp.Collection
	c.mu.Unlock()
	return resp.Collection, nil
}

// Endpoint resolves the current executor endpoint for key within name,
// refreshing the partition map once and retrying if the cached map has no
// owning partition yet.
func (c *Client) Endpoint(ctx context.Context, name string, key dto.Key) (string, error) {
	coll, err := c.Collection(ctx, name)
	if err != nil {
		return "", err
	}
	p := coll.PartitionForKey(key)
	if p == nil {
		coll, err = c.Refresh(ctx, name)
		if err != nil {
			return "", err
		}
		p = coll.PartitionForKey(key)
		if p == nil {
			return "", fmt.Errorf("cpoclient: collection %q has no partitions", name)
		}
	}
	return p.Endpoint, nil
}

// EndpointForPVID resolves a partition-version id (as carried in
// TxnId.TRHPartitionId) to the executor endpoint currently serving it,
// refreshing once if the cached map doesn't know about it yet. Used by a
// partition's EndpointResolver when pushing or finalizing against the
// TR-owning partition.
func (c *Client) EndpointForPVID(ctx context.Context, name, pvid string) (string, error) {
	coll, err := c.Collection(ctx, name)
	if err != nil {
		return "", err
	}
	if ep, ok := endpointForPVID(coll.Partitions, pvid); ok {
		return ep, nil
	}
	coll, err = c.Refresh(ctx, name)
	if err != nil {
		return "", err
	}
	if ep, ok := endpointForPVID(coll.Partitions, pvid); ok {
		return ep, nil
	}
	return "", fmt.Errorf("cpoclient: collection %q has no partition with pvid %q", name, pvid)
}

func endpointForPVID(partitions []dto.Partition, pvid string) (string, bool) {
	for _, p := range partitions {
		if p.PVID == pvid {
			return p.Endpoint, true
		}
	}
	return "", false
}

// CollectionCreate asks the CPO to stand up a new collection, tagging the
// attempt with a request id purely for log correlation across the CPO
// endpoint fan-out (the RPC itself carries no idempotency key).
func (c *Client) CollectionCreate(ctx context.Context, req dto.CollectionCreateRequest) (dto.CollectionCreateResponse, error) {
	requestID := uuid.New().String()
	var lastErr error
	for _, ep := range c.endpoints {
		if err := c.limiter.Wait(ctx); err != nil {
			return dto.CollectionCreateResponse{}, fmt.Errorf("cpoclient: rate limit wait: %w", err)
		}
		pc, err := c.pool.Get(ep)
		if err != nil {
			lastErr = err
			continue
		}
		var resp dto.CollectionCreateResponse
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pc.Conn.Invoke(callCtx, "/k23si.CPO/CollectionCreate", &req, &resp, grpc.CallContentSubtype("json"))
		cancel()
		if err != nil {
			c.pool.Invalidate(ep)
			lastErr = err
			c.logger.Warn("cpoclient: CollectionCreate attempt failed, trying next endpoint",
				zap.String("request_id", requestID), zap.String("endpoint", ep), zap.Error(err))
			continue
		}
		return resp, nil
	}
	return dto.CollectionCreateResponse{}, fmt.Errorf("cpoclient: CollectionCreate %q: all CPO endpoints unreachable: %w", req.Metadata.Name, lastErr)
}

// rpcCollectionGet dials (or reuses) a connection to one of the configured
// CPO endpoints. It tries each endpoint in turn, the same fan-out a Raft
// client uses to find the current leader without a separate discovery
// round-trip.
func (c *Client) rpcCollectionGet(ctx context.Context, req dto.CollectionGetRequest) (dto.CollectionGetResponse, error) {
	var lastErr error
	for _, ep := range c.endpoints {
		if err := c.limiter.Wait(ctx); err != nil {
			return dto.CollectionGetResponse{}, fmt.Errorf("cpoclient: rate limit wait: %w", err)
		}
		resp, err := c.tryCollectionGet(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logger.Warn("cpoclient: CollectionGet attempt failed, trying next endpoint",
			zap.String("endpoint", ep), zap.Error(err))
	}
	return dto.CollectionGetResponse{}, fmt.Errorf("cpoclient: all CPO endpoints unreachable: %w", lastErr)
}

func (c *Client) tryCollectionGet(ctx context.Context, endpoint string, req dto.CollectionGetRequest) (dto.CollectionGetResponse, error) {
	pc, err := c.pool.Get(endpoint)
	if err != nil {
		return dto.CollectionGetResponse{}, err
	}
	var resp dto.CollectionGetResponse
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pc.Conn.Invoke(callCtx, "/k23si.CPO/CollectionGet", &req, &resp, grpc.CallContentSubtype("json")); err != nil {
		c.pool.Invalidate(endpoint)
		return dto.CollectionGetResponse{}, err
	}
	return resp, nil
}
