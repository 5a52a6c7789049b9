package scriptcmd

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dialChannel(t *testing.T, c *Channel) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", c.endpoint.ListenerAddr())
	require.NoError(t, err)
	require.Eventually(t, c.Connected, time.Second, time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn net.Conn) []int32 {
	t.Helper()
	buf := make([]byte, 4*FrameSize)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n := 0
	for n < len(buf) {
		read, err := conn.Read(buf[n:])
		require.NoError(t, err)
		n += read
	}
	out := make([]int32, FrameSize)
	for i := range out {
		out[i] = int32(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return out
}

func TestZeroFTSensorIsAllZeroExceptTag(t *testing.T) {
	c, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer c.Close()
	conn := dialChannel(t, c)
	defer conn.Close()

	require.True(t, c.ZeroFTSensor())
	got := readFrame(t, conn)
	require.Equal(t, int32(CmdZeroFTSensor), got[0])
	for i := 1; i < FrameSize; i++ {
		require.Zero(t, got[i])
	}
}

func TestSetPayloadEncoding(t *testing.T) {
	c, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer c.Close()
	conn := dialChannel(t, c)
	defer conn.Close()

	require.True(t, c.SetPayload(1.5, [3]float64{0.01, -0.02, 0.03}))
	got := readFrame(t, conn)
	require.Equal(t, int32(CmdSetPayload), got[0])
	require.Equal(t, int32(1500000), got[1])
	require.Equal(t, int32(10000), got[2])
	require.Equal(t, int32(-20000), got[3])
	require.Equal(t, int32(30000), got[4])
}

func TestStartForceModeEncoding(t *testing.T) {
	c, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer c.Close()
	conn := dialChannel(t, c)
	defer conn.Close()

	taskFrame := [6]float64{0, 0, 0, 0, 0, 0}
	selection := [6]bool{false, false, true, false, false, false}
	wrench := [6]float64{0, 0, 10, 0, 0, 0}
	limits := [6]float64{0.1, 0.1, 0.1, 0.5, 0.5, 0.5}

	require.True(t, c.StartForceMode(taskFrame, selection, wrench, ForceModeFixed, limits))
	got := readFrame(t, conn)

	require.Equal(t, int32(CmdStartForceMode), got[0])
	require.Equal(t, int32(1), got[9]) // selection[2] -> slot 7+2=9
	require.Equal(t, int32(0), got[7])
	require.Equal(t, int32(0), got[8])
	require.Equal(t, int32(10000000), got[15])
	require.Equal(t, int32(ForceModeFixed), got[19])
	require.Equal(t, int32(100000), got[20])
}

func TestEndForceModeIsAllZeroExceptTag(t *testing.T) {
	c, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer c.Close()
	conn := dialChannel(t, c)
	defer conn.Close()

	require.True(t, c.EndForceMode())
	got := readFrame(t, conn)
	require.Equal(t, int32(CmdEndForceMode), got[0])
	for i := 1; i < FrameSize; i++ {
		require.Zero(t, got[i])
	}
}
