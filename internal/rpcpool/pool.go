// Package rpcpool provides a thread-safe pool of persistent gRPC client
// connections, used by the CPO client and by partition RPC clients to reuse
// connections to collection partitions and CPO nodes instead of dialing
// fresh on every call. The TSO client does not use it; it talks HTTP/3
// through internal/tsotransport. Pooling several *grpc.ClientConn per endpoint (rather than
// one, which HTTP/2 would already multiplex internally) spreads load across
// independent TCP connections, the same reasoning the teacher's original
// connection pool applied to its replication sockets.
package rpcpool

import (
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PooledConn wraps a *grpc.ClientConn that returns itself to its pool on
// Close instead of tearing the connection down.
type PooledConn struct {
	Conn *grpc.ClientConn
	pool *endpointPool
}

// Close returns the connection to the pool. It doesn't actually close the
// underlying gRPC connection. To force-close, use ForceClose.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying gRPC connection permanently and does not
// return it to the pool.
func (c *PooledConn) ForceClose() error {
	return c.Conn.Close()
}

// endpointPool manages a pool of connections to a single remote endpoint
// (a partition's owning server or a CPO node).
type endpointPool struct {
	mu       sync.Mutex
	conns    chan *grpc.ClientConn
	factory  func() (*grpc.ClientConn, error)
	maxSize  int
	numConns int
	address  string
}

// Manager manages one endpointPool per remote address. A single Manager is
// shared by a client across all endpoints it talks to, so that repeated
// calls to the same partition or CPO node reuse connections.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string]*endpointPool
	maxSize int
	timeout time.Duration
}

// NewManager creates a connection pool manager. maxSize is the maximum
// number of open connections per remote endpoint; timeout bounds dialing a
// new connection.
func NewManager(maxSize int, timeout time.Duration) *Manager {
	return &Manager{
		pools:   make(map[string]*endpointPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get retrieves a connection to address, dialing a new one if the pool for
// that address is empty and under maxSize, or creating the pool on first use.
func (m *Manager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			factory := func() (*grpc.ClientConn, error) {
				return grpc.NewClient(address,
					grpc.WithTransportCredentials(insecure.NewCredentials()),
					grpc.WithConnectParams(grpc.ConnectParams{MinConnectTimeout: m.timeout}),
				)
			}
			pool = &endpointPool{
				conns:   make(chan *grpc.ClientConn, m.maxSize),
				factory: factory,
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}

	return &PooledConn{Conn: conn, pool: pool}, nil
}

// Invalidate drops the pool for address, closing every connection in it. The
// CPO client calls this when an RPC to a CPO endpoint fails, so the next Get
// redials rather than handing back a broken socket.
func (m *Manager) Invalidate(address string) {
	m.mu.Lock()
	pool, ok := m.pools[address]
	if ok {
		delete(m.pools, address)
	}
	m.mu.Unlock()
	if ok {
		pool.close()
	}
}

func (p *endpointPool) get() (*grpc.ClientConn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.numConns < p.maxSize {
			conn, err := p.factory()
			if err != nil {
				return nil, err
			}
			p.numConns++
			return conn, nil
		}
		return <-p.conns, nil
	}
}

func (p *endpointPool) put(conn *grpc.ClientConn) {
	if conn == nil {
		return
	}

	select {
	case p.conns <- conn:
	default:
		p.mu.Lock()
		conn.Close()
		p.numConns--
		p.mu.Unlock()
	}
}

// Close shuts down every endpoint pool held by the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*endpointPool)
}

func (p *endpointPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
