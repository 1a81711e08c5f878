//go:build linux
// +build linux

package detector

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/wrl/serialosc/lalog"
)

// netlinkWatcher watches the kernel uevent netlink socket for "add" events on
// the tty subsystem, which fires when a USB-serial adapter (FTDI or
// otherwise) creates its /dev/ttyUSB* node. Adapted from the raw-syscall
// netlink approach used for udev monitoring elsewhere in this corpus, but
// built on golang.org/x/sys/unix's typed socket/sockaddr helpers instead of
// the bare syscall package.
type netlinkWatcher struct {
	fd     int
	logger lalog.Logger
}

func newPlatformWatcher() watcher {
	return &netlinkWatcher{logger: lalog.Logger{ComponentName: "detector.netlinkWatcher"}}
}

const ueventBufferSize = 8192

func (n *netlinkWatcher) open() error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("detector: cannot open netlink socket - %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("detector: cannot bind netlink socket - %w", err)
	}
	n.fd = fd
	return nil
}

// Watch returns a channel of newly-arrived devnode paths. It closes the
// channel when ctx is cancelled.
func (n *netlinkWatcher) Watch(ctx context.Context) (<-chan string, error) {
	if err := n.open(); err != nil {
		return nil, err
	}
	out := make(chan string)
	go func() {
		defer close(out)
		buf := make([]byte, ueventBufferSize)
		for {
			if ctx.Err() != nil {
				return
			}
			nRead, _, err := unix.Recvfrom(n.fd, buf, 0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				n.logger.MaybeMinorError(err)
				return
			}
			devnode, ok := parseUevent(buf[:nRead])
			if !ok {
				continue
			}
			select {
			case out <- devnode:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *netlinkWatcher) Close() error {
	if n.fd == 0 {
		return nil
	}
	return unix.Close(n.fd)
}

// parseUevent extracts a tty devnode path from a raw kernel uevent datagram.
// Uevents are NUL-separated KEY=VALUE records; it accepts only "add" actions
// that carry a DEVNAME and are either on the tty subsystem or name a ttyUSB
// device. Any tty-subsystem device is accepted, not only USB-serial ones.
func parseUevent(raw []byte) (devnode string, ok bool) {
	fields := bytes.Split(raw, []byte{0})
	var action, devname, subsystem string
	for _, f := range fields {
		s := string(f)
		switch {
		case strings.HasPrefix(s, "ACTION="):
			action = strings.TrimPrefix(s, "ACTION=")
		case strings.HasPrefix(s, "DEVNAME="):
			devname = strings.TrimPrefix(s, "DEVNAME=")
		case strings.HasPrefix(s, "SUBSYSTEM="):
			subsystem = strings.TrimPrefix(s, "SUBSYSTEM=")
		}
	}
	if action != "add" || devname == "" {
		return "", false
	}
	if subsystem != "tty" && !strings.Contains(devname, "ttyUSB") {
		return "", false
	}
	return "/dev/" + devname, true
}
