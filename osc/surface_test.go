package osc

import (
	"context"
	"net"
	"testing"
	"time"

	gosc "github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurface_ListRequestDecoded(t *testing.T) {
	s, err := Listen(0)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	client := gosc.NewClient("127.0.0.1", s.conn.LocalAddr().(*net.UDPAddr).Port)
	msg := gosc.NewMessage("/serialosc/list")
	msg.Append("127.0.0.1")
	msg.Append(int32(9000))
	require.NoError(t, client.Send(msg))

	select {
	case req := <-s.Requests():
		assert.Equal(t, RequestList, req.Kind)
		assert.Equal(t, "127.0.0.1", req.Host)
		assert.Equal(t, 9000, req.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("no request decoded")
	}
}

func TestSurface_NotifyRequestDecoded(t *testing.T) {
	s, err := Listen(0)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	client := gosc.NewClient("127.0.0.1", s.conn.LocalAddr().(*net.UDPAddr).Port)
	msg := gosc.NewMessage("/serialosc/notify")
	msg.Append("127.0.0.1")
	msg.Append(int32(9001))
	require.NoError(t, client.Send(msg))

	select {
	case req := <-s.Requests():
		assert.Equal(t, RequestNotify, req.Kind)
		assert.Equal(t, 9001, req.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("no request decoded")
	}
}

func TestSurface_UnknownPathDropped(t *testing.T) {
	s, err := Listen(0)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	client := gosc.NewClient("127.0.0.1", s.conn.LocalAddr().(*net.UDPAddr).Port)
	msg := gosc.NewMessage("/some/other/path")
	msg.Append("127.0.0.1")
	msg.Append(int32(9000))
	require.NoError(t, client.Send(msg))

	select {
	case <-s.Requests():
		t.Fatal("unexpected request decoded for unknown path")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSurface_ReplyDeviceReachesClient(t *testing.T) {
	s, err := Listen(0)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	replyPort := listener.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, s.ReplyDevice("127.0.0.1", replyPort, "m1000001", "monome 64", 14000))

	buf := make([]byte, 1024)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	packet, err := gosc.ParsePacket(string(buf[:n]))
	require.NoError(t, err)
	replyMsg, ok := packet.(*gosc.Message)
	require.True(t, ok)
	assert.Equal(t, "/serialosc/device", replyMsg.Address)
	assert.Equal(t, []interface{}{"m1000001", "monome 64", int32(14000)}, replyMsg.Arguments)
}
