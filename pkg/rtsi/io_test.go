package rtsi

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIOInterfaceStartPollsOutputsAndFlushesInputs(t *testing.T) {
	ln, conns := listenLoopback(t)
	defer ln.Close()
	host, port := hostPort(t, ln.Addr().String())

	inputObserved := make(chan bool, 1)

	go func() {
		serverConn := <-conns
		defer serverConn.Close()

		if _, _, err := rawReadFrame(serverConn); err != nil {
			return
		}
		if rawWriteFrame(serverConn, MsgRequestProtocolVersion, []byte{1}) != nil {
			return
		}

		if _, _, err := rawReadFrame(serverConn); err != nil {
			return
		}
		if rawWriteFrame(serverConn, MsgControlPackageSetupOutputs, append([]byte{1}, []byte("DOUBLE")...)) != nil {
			return
		}

		if _, _, err := rawReadFrame(serverConn); err != nil {
			return
		}
		if rawWriteFrame(serverConn, MsgControlPackageSetupInputs, append([]byte{2}, []byte("BOOL")...)) != nil {
			return
		}

		if _, _, err := rawReadFrame(serverConn); err != nil {
			return
		}
		if rawWriteFrame(serverConn, MsgControlPackageStart, []byte{1}) != nil {
			return
		}

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(2 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					payload := make([]byte, 1+8)
					payload[0] = 1
					binary.BigEndian.PutUint64(payload[1:], math.Float64bits(9.5))
					if rawWriteFrame(serverConn, MsgDataPackage, payload) != nil {
						return
					}
				}
			}
		}()

		for {
			typ, payload, err := rawReadFrame(serverConn)
			if err != nil {
				return
			}
			if typ == MsgDataPackage && len(payload) == 2 && payload[0] == 2 {
				inputObserved <- payload[1] != 0
				return
			}
		}
	}()

	iface, err := NewIOInterface(host, port, 1000, []string{"speed"}, []string{"flag"}, nil, nil)
	require.NoError(t, err)
	defer iface.Disconnect()

	require.NoError(t, iface.Start())
	defer iface.Stop()

	require.Eventually(t, func() bool {
		v, ok := iface.GetOutput("speed")
		return ok && v == 9.5
	}, time.Second, time.Millisecond)

	require.NoError(t, iface.SetInput("flag", true))

	select {
	case observed := <-inputObserved:
		require.True(t, observed)
	case <-time.After(time.Second):
		t.Fatal("server never observed flushed input frame")
	}
}
