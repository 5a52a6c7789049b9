package primary

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errParseBoom = errors.New("boom")

// fakeServer accepts one connection and lets the test drive writes.
func fakeServer(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conns <- conn
		}
	}()
	return ln, conns
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func buildRobotStateFrame(subPackages ...[]byte) []byte {
	var body bytes.Buffer
	for _, sp := range subPackages {
		body.Write(sp)
	}
	total := headerSize + body.Len()
	frame := make([]byte, 0, total)
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(total))
	header[4] = RobotStateType
	frame = append(frame, header...)
	frame = append(frame, body.Bytes()...)
	return frame
}

func buildSubPackage(subType byte, payload []byte) []byte {
	total := subHeaderSize + len(payload)
	out := make([]byte, 0, total)
	header := make([]byte, subHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(total))
	header[4] = subType
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

func TestConnectSendScriptAndDemultiplex(t *testing.T) {
	ln, conns := fakeServer(t)
	defer ln.Close()

	host, port := hostPort(t, ln.Addr().String())

	c := NewClient(nil, nil)
	require.True(t, c.Connect(host, port))
	defer c.Disconnect()

	var serverConn net.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}
	defer serverConn.Close()

	payload := []byte("known-bytes-for-subtype-5-xxxx")
	frame := buildRobotStateFrame(buildSubPackage(5, payload))

	var captured []byte
	waiterDone := make(chan bool, 1)
	go func() {
		ok := c.GetPackage(5, func(body []byte) error {
			captured = append([]byte{}, body...)
			return nil
		}, 200)
		waiterDone <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := serverConn.Write(frame)
	require.NoError(t, err)

	select {
	case ok := <-waiterDone:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter for subtype 5 never returned")
	}
	require.Equal(t, payload, captured)
}

func TestGetPackageTimesOutForUnclaimedSubtype(t *testing.T) {
	ln, conns := fakeServer(t)
	defer ln.Close()
	host, port := hostPort(t, ln.Addr().String())

	c := NewClient(nil, nil)
	require.True(t, c.Connect(host, port))
	defer c.Disconnect()

	var serverConn net.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}
	defer serverConn.Close()

	frame := buildRobotStateFrame(buildSubPackage(5, []byte("abc")))

	start := time.Now()
	done := make(chan bool, 1)
	go func() {
		ok := c.GetPackage(7, func(body []byte) error { return nil }, 50)
		done <- ok
	}()
	_, err := serverConn.Write(frame)
	require.NoError(t, err)

	select {
	case ok := <-done:
		require.False(t, ok)
		require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("waiter for subtype 7 never timed out")
	}
}

func TestGetPackageReturnsFalseWhenParseFails(t *testing.T) {
	ln, conns := fakeServer(t)
	defer ln.Close()
	host, port := hostPort(t, ln.Addr().String())

	c := NewClient(nil, nil)
	require.True(t, c.Connect(host, port))
	defer c.Disconnect()

	var serverConn net.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}
	defer serverConn.Close()

	frame := buildRobotStateFrame(buildSubPackage(5, []byte("bad-bytes")))

	waiterDone := make(chan bool, 1)
	go func() {
		ok := c.GetPackage(5, func(body []byte) error {
			return errParseBoom
		}, 200)
		waiterDone <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := serverConn.Write(frame)
	require.NoError(t, err)

	select {
	case ok := <-waiterDone:
		require.False(t, ok, "a waiter whose parse callback errors must not report success")
	case <-time.After(time.Second):
		t.Fatal("waiter for subtype 5 never returned")
	}
}

func TestSendScriptWritesNewlineTerminated(t *testing.T) {
	ln, conns := fakeServer(t)
	defer ln.Close()
	host, port := hostPort(t, ln.Addr().String())

	c := NewClient(nil, nil)
	require.True(t, c.Connect(host, port))
	defer c.Disconnect()

	var serverConn net.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}
	defer serverConn.Close()

	require.True(t, c.SendScript("def prog(): end"))

	buf := make([]byte, len("def prog(): end\n"))
	serverConn.SetReadDeadline(time.Now().Add(time.Second))
	n := 0
	for n < len(buf) {
		read, err := serverConn.Read(buf[n:])
		require.NoError(t, err)
		n += read
	}
	require.Equal(t, "def prog(): end\n", string(buf))
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	ln, conns := fakeServer(t)
	defer ln.Close()
	host, port := hostPort(t, ln.Addr().String())

	c := NewClient(nil, nil)
	require.True(t, c.Connect(host, port))
	defer c.Disconnect()

	var serverConn net.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}
	defer serverConn.Close()

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], 3) // length <= headerSize
	header[4] = RobotStateType
	_, err := serverConn.Write(header)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, time.Millisecond)
}
