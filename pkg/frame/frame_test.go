package frame

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadWriteInt32FrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	want := []int32{200, 10000, 0, 0, 0, 0, 0, 2}
	go func() {
		require.NoError(t, WriteInt32Frame(client, want))
	}()

	got, err := ReadInt32Frame(server, len(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEndpointSupersedesPriorClient(t *testing.T) {
	accepted := make(chan net.Conn, 2)
	ep, err := Listen("127.0.0.1:0", "test", nil, nil, func(conn net.Conn) {
		accepted <- conn
	})
	require.NoError(t, err)
	defer ep.Close()

	addr := ep.listener.Addr().String()

	a, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer a.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first accept")
	}
	require.True(t, ep.Connected())

	b, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer b.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second accept")
	}

	// a's read should now observe the superseded connection closing.
	buf := make([]byte, 1)
	a.SetReadDeadline(time.Now().Add(time.Second))
	_, err = a.Read(buf)
	require.Error(t, err)

	require.True(t, ep.Connected())
	require.Equal(t, b.LocalAddr().String(), ep.Conn().RemoteAddr().String())
}

func TestEndpointReleaseIsIdempotent(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	ep, err := Listen("127.0.0.1:0", "test", nil, nil, func(conn net.Conn) {
		accepted <- conn
	})
	require.NoError(t, err)
	defer ep.Close()

	client, err := net.Dial("tcp", ep.listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var serverSide net.Conn
	select {
	case serverSide = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	ep.Release(serverSide)
	require.False(t, ep.Connected())
	// Calling Release again on the same (already closed) conn must not panic.
	ep.Release(serverSide)
	require.False(t, ep.Connected())
}

func TestWatchLivenessFiresOnDisconnect(t *testing.T) {
	server, client := net.Pipe()
	done := make(chan struct{})
	go WatchLiveness(server, func() { close(done) })
	client.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onDisconnect was not invoked")
	}
}
