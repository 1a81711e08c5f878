// Package detector implements the child process responsible for discovering
// attached FTDI-class USB-serial devices and reporting each as one
// ipc.DeviceConnection message to its parent over stdout. It never opens or
// configures a device itself, and it never detects removal: removal is
// learned by the supervisor from the device child's own exit.
package detector

import (
	"bufio"
	"context"
	"io"
	"sort"

	"github.com/wrl/serialosc/ipc"
	"github.com/wrl/serialosc/lalog"
)

// DefaultGlobPatterns match the devnodes of FTDI-class USB-serial adapters on
// the common POSIX platforms this repository targets.
var DefaultGlobPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/cu.usbserial-*",
}

// watcher is satisfied by each platform's hotplug-arrival mechanism: a
// channel of newly arrived devnodes, closed when watching stops or becomes
// permanently unavailable.
type watcher interface {
	Watch(ctx context.Context) (<-chan string, error)
	Close() error
}

// Detector runs the enumerate-then-watch loop described in SPEC_FULL.md §4.B.
type Detector struct {
	GlobPatterns []string

	logger  lalog.Logger
	watcher watcher
}

// New constructs a Detector. A nil or empty patterns slice falls back to
// DefaultGlobPatterns.
func New(patterns []string) *Detector {
	if len(patterns) == 0 {
		patterns = DefaultGlobPatterns
	}
	return &Detector{
		GlobPatterns: patterns,
		logger:       lalog.Logger{ComponentName: "detector.Detector"},
		watcher:      newPlatformWatcher(),
	}
}

// Run scans for already-attached devices, emits one DeviceConnection message
// per device to w, then blocks watching for hotplug arrivals, emitting a
// message for each, until ctx is cancelled or the watcher gives up (e.g. the
// parent pipe has closed, observed as a write failure).
func (d *Detector) Run(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := d.scanAndEmit(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	if d.watcher == nil {
		// No hotplug mechanism is available on this platform; the detector
		// has done its one-shot scan and simply waits to be torn down.
		<-ctx.Done()
		return nil
	}
	defer d.watcher.Close()

	arrivals, err := d.watcher.Watch(ctx)
	if err != nil {
		d.logger.Warning("Run", err, "hotplug watch unavailable, falling back to one-shot scan only")
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case devnode, ok := <-arrivals:
			if !ok {
				return nil
			}
			if err := ipc.Encode(w, ipc.DeviceConnection(devnode)); err != nil {
				return err
			}
		}
	}
}

func (d *Detector) scanAndEmit(w io.Writer) error {
	devnodes, err := d.enumerate()
	if err != nil {
		return err
	}
	for _, devnode := range devnodes {
		if err := ipc.Encode(w, ipc.DeviceConnection(devnode)); err != nil {
			return err
		}
	}
	return nil
}

// enumerate performs the static, scan-at-start half of detection. On POSIX
// platforms this globs the well-known FTDI device-node patterns; on Windows
// it walks the FTDIBUS registry subtree instead (see windows_enum.go).
// Entries are returned sorted for deterministic test output; the
// specification leaves enumeration order unspecified.
func (d *Detector) enumerate() ([]string, error) {
	devnodes, err := platformEnumerate(d.GlobPatterns)
	if err != nil {
		return nil, err
	}
	sort.Strings(devnodes)
	return devnodes, nil
}
