//go:build !linux && !windows
// +build !linux,!windows

package detector

// newPlatformWatcher returns nil on platforms without a hotplug-arrival
// mechanism implemented yet. The detector still performs its one-shot scan
// at startup; see windows_enum.go for the Windows registry enumeration and
// polling watcher, and watch_linux.go for the netlink-based one.
func newPlatformWatcher() watcher {
	return nil
}
