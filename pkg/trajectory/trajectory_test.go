package trajectory

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteWaypointEncoding(t *testing.T) {
	c, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer c.Close()

	conn, err := net.Dial("tcp", c.endpoint.ListenerAddr())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, c.Connected, time.Second, time.Millisecond)

	wp := Waypoint{
		Positions:   [6]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6},
		Time:        2.0,
		BlendRadius: 0.01,
		MotionType:  MotionJoint,
	}
	ok := c.WriteWaypoint(wp)
	require.True(t, ok)

	buf := make([]byte, 4*FrameSize)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n := 0
	for n < len(buf) {
		read, err := conn.Read(buf[n:])
		require.NoError(t, err)
		n += read
	}
	got := make([]int32, FrameSize)
	for i := range got {
		got[i] = int32(binary.BigEndian.Uint32(buf[i*4:]))
	}

	require.Equal(t, int32(10000), got[0])
	require.Equal(t, int32(60000), got[5])
	for i := 6; i < 18; i++ {
		require.Zero(t, got[i], "reserved slot %d must be zero", i)
	}
	require.Equal(t, int32(2000), got[18])
	require.Equal(t, int32(1000), got[19])
	require.Equal(t, int32(MotionJoint), got[20])
}

func TestMotionResultCallback(t *testing.T) {
	c, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer c.Close()

	results := make(chan Result, 1)
	c.SetMotionResultCallback(func(r Result) { results <- r })

	conn, err := net.Dial("tcp", c.endpoint.ListenerAddr())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(ResultSuccess))
	_, err = conn.Write(buf)
	require.NoError(t, err)

	select {
	case r := <-results:
		require.Equal(t, ResultSuccess, r)
	case <-time.After(time.Second):
		t.Fatal("motion result callback was not invoked")
	}
}

func TestDisconnectDuringReadReleasesClient(t *testing.T) {
	c, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer c.Close()

	conn, err := net.Dial("tcp", c.endpoint.ListenerAddr())
	require.NoError(t, err)
	require.Eventually(t, c.Connected, time.Second, time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, time.Millisecond)
}
