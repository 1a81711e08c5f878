// Package device implements a minimal stand-in for the device subprocess
// contract described in SPEC_FULL.md §4.C/§4.H. The real per-device OSC
// server that speaks the grid/arc protocol is an external collaborator and
// explicitly out of scope; this package exists only so the supervisor's
// process topology (spawn, IPC handshake, readiness, OSC listing) can be
// exercised end to end without real hardware.
package device

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net"

	"github.com/wrl/serialosc/ipc"
	"github.com/wrl/serialosc/lalog"
)

// Device is the minimal stand-in. It derives a stable serial and friendly
// name from its devnode argument, binds an ephemeral UDP socket, and emits
// the mandatory startup handshake in order: DeviceInfo, OscPortChange,
// DeviceReady. It answers no OSC methods of its own; the socket exists only
// so OscPortChange reports a real, bound port.
type Device struct {
	Devnode string

	logger lalog.Logger
}

// New constructs a stand-in device for the given devnode.
func New(devnode string) *Device {
	return &Device{
		Devnode: devnode,
		logger:  lalog.Logger{ComponentName: "device.Device", ComponentID: []lalog.LoggerIDField{{Key: "devnode", Value: devnode}}},
	}
}

// Run binds an ephemeral UDP socket, emits the startup handshake to w in the
// mandated order, and then blocks until ctx is cancelled, at which point it
// closes its socket and returns. A real device implementation would instead
// run its OSC server loop here and additionally emit further OscPortChange
// messages if the user reconfigures its port.
func (d *Device) Run(ctx context.Context, w io.Writer) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return fmt.Errorf("device.Run(%s): cannot bind OSC socket - %w", d.Devnode, err)
	}
	defer conn.Close()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	serial, friendly := identityFor(d.Devnode)

	if err := ipc.Encode(w, ipc.DeviceInfo(serial, friendly)); err != nil {
		return err
	}
	if err := ipc.Encode(w, ipc.OscPortChange(uint16(port))); err != nil {
		return err
	}
	if err := ipc.Encode(w, ipc.DeviceReady()); err != nil {
		return err
	}

	d.logger.Info(d.Devnode, nil, "stand-in device ready on UDP port %d as %s (%s)", port, serial, friendly)

	<-ctx.Done()
	return nil
}

// identityFor derives a stable serial/friendly pair from a devnode so the
// same stand-in, re-run against the same devnode, reports the same identity
// every time, without depending on any real hardware descriptor.
func identityFor(devnode string) (serial, friendly string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(devnode))
	serial = fmt.Sprintf("m%07d", h.Sum32()%10000000)
	friendly = fmt.Sprintf("monome stand-in (%s)", devnode)
	return
}
