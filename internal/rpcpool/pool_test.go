package rpcpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetReusesReturnedConnection(t *testing.T) {
	m := NewManager(2, time.Second)
	defer m.Close()

	pc1, err := m.Get("127.0.0.1:0")
	require.NoError(t, err)
	conn := pc1.Conn
	require.NoError(t, pc1.Close())

	pc2, err := m.Get("127.0.0.1:0")
	require.NoError(t, err)
	require.Same(t, conn, pc2.Conn)
}

func TestGetRespectsMaxSizePerEndpoint(t *testing.T) {
	m := NewManager(1, time.Second)
	defer m.Close()

	pc1, err := m.Get("127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pc2, err := m.Get("127.0.0.1:0")
		require.NoError(t, err)
		require.Same(t, pc1.Conn, pc2.Conn)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Get returned before the first connection was released")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, pc1.Close())
	<-done
}

func TestInvalidateDropsPoolForAddress(t *testing.T) {
	m := NewManager(2, time.Second)
	defer m.Close()

	pc1, err := m.Get("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, pc1.Close())

	m.Invalidate("127.0.0.1:0")

	pc2, err := m.Get("127.0.0.1:0")
	require.NoError(t, err)
	require.NotSame(t, pc1.Conn, pc2.Conn)
}
