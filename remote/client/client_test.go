package client

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blockstorage1/repertory/remote/packet"
	"github.com/stretchr/testify/require"
)

// pipePair returns a client-side conn backed by net.Pipe, discarding
// anything written to the server side so Work implementations can
// write without blocking forever.
func pipePair(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { client.Close(); server.Close() })
	return client
}

func TestExecuteReusesConnectionPerThread(t *testing.T) {
	var dials int32
	dial := func() (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return pipePair(t), nil
	}
	p := New(dial, 5*time.Second)
	defer p.Shutdown()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var completionErrs []error
	work := func(conn net.Conn) (*packet.Packet, int32, error) {
		_, err := conn.Write([]byte("x"))
		return packet.New(), 0, err
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, p.Execute("client-1", 42, work, func(_ *packet.Packet, _ int32, err error) {
			mu.Lock()
			completionErrs = append(completionErrs, err)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	for _, err := range completionErrs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestExecuteDialsSeparateConnectionsPerThreadID(t *testing.T) {
	var dials int32
	dial := func() (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return pipePair(t), nil
	}
	p := New(dial, 5*time.Second)
	defer p.Shutdown()

	var wg sync.WaitGroup
	work := func(conn net.Conn) (*packet.Packet, int32, error) {
		return packet.New(), 0, nil
	}

	for _, tid := range []uint64{1, 2} {
		wg.Add(1)
		require.NoError(t, p.Execute("client-1", tid, work, func(_ *packet.Packet, _ int32, _ error) { wg.Done() }))
	}
	wg.Wait()

	require.EqualValues(t, 2, atomic.LoadInt32(&dials))
}

func TestRemoveClientCancelsQueue(t *testing.T) {
	dial := func() (net.Conn, error) { return pipePair(t), nil }
	p := New(dial, 5*time.Second)
	defer p.Shutdown()

	require.NoError(t, p.Execute("c", 1, func(conn net.Conn) (*packet.Packet, int32, error) {
		return packet.New(), 0, nil
	}, func(*packet.Packet, int32, error) {}))

	p.RemoveClient("c")

	err := p.Execute("c", 1, func(conn net.Conn) (*packet.Packet, int32, error) {
		return packet.New(), 0, nil
	}, func(*packet.Packet, int32, error) {})
	require.NoError(t, err) // a fresh queue is created; RemoveClient only tore down the old one.
}

func TestShutdownRejectsFurtherExecute(t *testing.T) {
	dial := func() (net.Conn, error) { return pipePair(t), nil }
	p := New(dial, 5*time.Second)
	p.Shutdown()

	err := p.Execute("c", 1, func(conn net.Conn) (*packet.Packet, int32, error) {
		return packet.New(), 0, nil
	}, func(*packet.Packet, int32, error) {})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestIsSocketStillAliveDetectsClosedPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	server.Close()
	require.False(t, IsSocketStillAlive(client))
}

func TestExpiryFloorIsFiveSeconds(t *testing.T) {
	p := New(func() (net.Conn, error) { return nil, nil }, time.Second)
	require.Equal(t, 5*time.Second, p.expiry)
}
