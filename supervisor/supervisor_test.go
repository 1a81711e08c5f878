package supervisor

import (
	"net"
	"testing"
	"time"

	gosc "github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrl/serialosc/ipc"
	"github.com/wrl/serialosc/osc"
	"github.com/wrl/serialosc/subprocess"
)

// newTestSupervisor builds a Supervisor with a live OSC surface but without
// spawning a real detector, so device-table and notification logic can be
// exercised directly through the unexported handlers.
func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	surface, err := osc.Listen(0)
	require.NoError(t, err)
	t.Cleanup(func() { surface.Close() })

	sv := New(Config{})
	sv.surface = surface
	return sv
}

func fakeChild(devnode string) *subprocess.Child {
	return &subprocess.Child{Kind: subprocess.KindDevice, Arg: devnode}
}

func TestSupervisor_ListReturnsOnlyReadyDevices(t *testing.T) {
	sv := newTestSupervisor(t)

	notReady := fakeChild("/dev/ttyUSB0")
	sv.devices[notReady] = &record{child: notReady}

	ready := fakeChild("/dev/ttyUSB1")
	sv.devices[ready] = &record{child: ready}
	sv.handleDeviceEvent(deviceEvent{child: ready, msg: ipc.DeviceInfo("m1000001", "monome 64")})
	sv.handleDeviceEvent(deviceEvent{child: ready, msg: ipc.OscPortChange(14000)})
	sv.handleDeviceEvent(deviceEvent{child: ready, msg: ipc.DeviceReady()})

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer listener.Close()
	replyPort := listener.LocalAddr().(*net.UDPAddr).Port

	sv.handleRequest(osc.Request{Kind: osc.RequestList, Host: "127.0.0.1", Port: replyPort})

	buf := make([]byte, 1024)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	packet, err := gosc.ParsePacket(string(buf[:n]))
	require.NoError(t, err)
	msg, ok := packet.(*gosc.Message)
	require.True(t, ok)
	assert.Equal(t, "/serialosc/device", msg.Address)
	assert.Equal(t, []interface{}{"m1000001", "monome 64", int32(14000)}, msg.Arguments)

	// the not-ready device must not have produced a second reply
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = listener.ReadFromUDP(buf)
	assert.Error(t, err)
}

func TestSupervisor_SubscriberNotifiedOnceOnDeviceReady(t *testing.T) {
	sv := newTestSupervisor(t)

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer listener.Close()
	subPort := listener.LocalAddr().(*net.UDPAddr).Port

	sv.handleRequest(osc.Request{Kind: osc.RequestNotify, Host: "127.0.0.1", Port: subPort})
	assert.Len(t, sv.broker.Pending(), 1)

	child := fakeChild("/dev/ttyUSB0")
	sv.devices[child] = &record{child: child}
	sv.handleDeviceEvent(deviceEvent{child: child, msg: ipc.DeviceInfo("m1000002", "monome 128")})
	sv.handleDeviceEvent(deviceEvent{child: child, msg: ipc.OscPortChange(14001)})
	sv.handleDeviceEvent(deviceEvent{child: child, msg: ipc.DeviceReady()})
	// drain is normally driven by runLoop; a unit test that calls the
	// handlers directly must invoke it itself once the simulated turn ends.
	sv.broker.DrainIfSent()

	buf := make([]byte, 1024)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	packet, err := gosc.ParsePacket(string(buf[:n]))
	require.NoError(t, err)
	msg, ok := packet.(*gosc.Message)
	require.True(t, ok)
	assert.Equal(t, "/serialosc/add", msg.Address)

	assert.Empty(t, sv.broker.Pending(), "subscriber list must be cleared once a notification has been sent")

	// a second DeviceReady for the same child must not re-announce
	sv.handleDeviceEvent(deviceEvent{child: child, msg: ipc.DeviceReady()})
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = listener.ReadFromUDP(buf)
	assert.Error(t, err)
}

func TestSupervisor_ChildExitRemovesDeviceAndNotifiesRemove(t *testing.T) {
	sv := newTestSupervisor(t)

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer listener.Close()
	subPort := listener.LocalAddr().(*net.UDPAddr).Port
	sv.handleRequest(osc.Request{Kind: osc.RequestNotify, Host: "127.0.0.1", Port: subPort})

	child := fakeChild("/dev/ttyUSB0")
	sv.devices[child] = &record{child: child}
	sv.handleDeviceEvent(deviceEvent{child: child, msg: ipc.DeviceInfo("m1000003", "monome 64")})
	sv.handleDeviceEvent(deviceEvent{child: child, msg: ipc.OscPortChange(14002)})
	sv.handleDeviceEvent(deviceEvent{child: child, msg: ipc.DeviceReady()})
	sv.broker.DrainIfSent()

	// drain the /serialosc/add packet before watching for /serialosc/remove
	buf := make([]byte, 1024)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = listener.ReadFromUDP(buf)
	require.NoError(t, err)

	sv.handleRequest(osc.Request{Kind: osc.RequestNotify, Host: "127.0.0.1", Port: subPort})
	sv.handleChildExit(childExitEvent{child: child, err: nil})

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	packet, err := gosc.ParsePacket(string(buf[:n]))
	require.NoError(t, err)
	msg, ok := packet.(*gosc.Message)
	require.True(t, ok)
	assert.Equal(t, "/serialosc/remove", msg.Address)

	assert.Equal(t, 0, sv.DeviceCount())
}

func TestSupervisor_DetectorConnectionSpawnsDeviceChild(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.manager.ExecutablePath = "/bin/cat"

	sv.handleDetectorEvent(detectorEvent{msg: ipc.DeviceConnection("/dev/ttyUSB0")})
	// handleConnection adds the device record before it returns. The child's
	// exit is only queued on childExits, which no event loop consumes in this
	// test, so the record stays in the table.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sv.DeviceCount())

	sv.manager.KillAll()
}

func TestSupervisor_DetectorProtocolViolationIsIgnored(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.handleDetectorEvent(detectorEvent{msg: ipc.DeviceReady()})
	assert.Equal(t, 0, sv.DeviceCount())
}

func TestSupervisor_Lifecycle(t *testing.T) {
	sv := New(Config{OSCPort: 0, ExecutablePath: "/bin/cat"})
	TestSupervisor(sv, t)
}
