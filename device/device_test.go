package device

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrl/serialosc/ipc"
)

func TestDevice_EmitsHandshakeInOrder(t *testing.T) {
	d := New("/dev/ttyUSB0")
	ctx, cancel := context.WithCancel(context.Background())

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, &out) }()

	// Allow the handshake to be written, then tear the stand-in down.
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	r := bufio.NewReader(&out)
	info, err := ipc.Decode(r)
	require.NoError(t, err)
	require.Equal(t, ipc.TypeDeviceInfo, info.Type)
	assert.NotEmpty(t, info.Serial)
	assert.NotEmpty(t, info.Friendly)

	portMsg, err := ipc.Decode(r)
	require.NoError(t, err)
	require.Equal(t, ipc.TypeOscPortChange, portMsg.Type)
	assert.Greater(t, portMsg.Port, uint16(0))

	ready, err := ipc.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, ipc.TypeDeviceReady, ready.Type)
}

func TestIdentityFor_StableAcrossCalls(t *testing.T) {
	s1, f1 := identityFor("/dev/ttyUSB0")
	s2, f2 := identityFor("/dev/ttyUSB0")
	assert.Equal(t, s1, s2)
	assert.Equal(t, f1, f2)

	s3, _ := identityFor("/dev/ttyUSB1")
	assert.NotEqual(t, s1, s3)
}
