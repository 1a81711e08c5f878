//go:build windows

package detector

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sys/windows/registry"

	"github.com/wrl/serialosc/lalog"
)

// FTDI virtual COM port devices enumerate under this registry subtree, one
// subkey per hardware ID (e.g. "VID_0403+PID_6001") and one subkey per
// attached instance beneath that, each carrying a "Device Parameters"
// subkey with a "PortName" string value (e.g. "COM7").
const (
	ftdiRegistryPath = `SYSTEM\CurrentControlSet\Enum\FTDIBUS`
	ftdiClassGUID    = "{86e0d1e0-8089-11d0-9ce4-08003e301f73}"
)

// platformEnumerate ignores the POSIX glob patterns and instead walks
// ftdiRegistryPath, collecting the PortName of every attached instance.
func platformEnumerate(_ []string) ([]string, error) {
	return readFTDIPorts()
}

func readFTDIPorts() ([]string, error) {
	bus, err := registry.OpenKey(registry.LOCAL_MACHINE, ftdiRegistryPath, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		if err == registry.ErrNotExist {
			// no FTDI driver has ever enumerated a device on this machine
			return nil, nil
		}
		return nil, err
	}
	defer bus.Close()

	hardwareIDs, err := bus.ReadSubKeyNames(-1)
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, hwID := range hardwareIDs {
		instances, err := readInstancePorts(ftdiRegistryPath + `\` + hwID)
		if err != nil {
			continue
		}
		ports = append(ports, instances...)
	}
	sort.Strings(ports)
	return ports, nil
}

func readInstancePorts(hardwareIDPath string) ([]string, error) {
	hwKey, err := registry.OpenKey(registry.LOCAL_MACHINE, hardwareIDPath, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return nil, err
	}
	defer hwKey.Close()

	instances, err := hwKey.ReadSubKeyNames(-1)
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, inst := range instances {
		portName, ok := readPortName(hardwareIDPath + `\` + inst)
		if !ok {
			continue
		}
		ports = append(ports, portName)
	}
	return ports, nil
}

func readPortName(instancePath string) (string, bool) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, instancePath+`\Device Parameters`, registry.QUERY_VALUE)
	if err != nil {
		return "", false
	}
	defer key.Close()

	portName, _, err := key.GetStringValue("PortName")
	if err != nil {
		return "", false
	}
	return portName, true
}

// registryPollInterval is how often registryWatcher re-scans the FTDIBUS
// subtree for newly-attached instances. The registry exposes no cheap
// change-notification primitive equivalent to Linux's netlink uevent
// socket, so arrival is detected by polling rather than blocking.
const registryPollInterval = time.Second

// registryWatcher polls ftdiRegistryPath for instances not already reported
// by the detector's initial scan, emitting each newly-seen PortName once.
type registryWatcher struct {
	seen   map[string]struct{}
	logger lalog.Logger
}

func newPlatformWatcher() watcher {
	return &registryWatcher{
		seen:   make(map[string]struct{}),
		logger: lalog.Logger{ComponentName: "detector.registryWatcher"},
	}
}

// Watch returns a channel of newly-arrived COM port names. It closes the
// channel when ctx is cancelled.
func (r *registryWatcher) Watch(ctx context.Context) (<-chan string, error) {
	// seed seen with the ports that scanAndEmit already reported so this
	// poll loop only emits genuinely new arrivals.
	initial, err := readFTDIPorts()
	if err != nil {
		return nil, err
	}
	for _, p := range initial {
		r.seen[p] = struct{}{}
	}

	out := make(chan string)
	go func() {
		defer close(out)
		ticker := time.NewTicker(registryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ports, err := readFTDIPorts()
				if err != nil {
					r.logger.MaybeMinorError(err)
					continue
				}
				for _, p := range ports {
					if _, ok := r.seen[p]; ok {
						continue
					}
					r.seen[p] = struct{}{}
					select {
					case out <- p:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (r *registryWatcher) Close() error {
	return nil
}
