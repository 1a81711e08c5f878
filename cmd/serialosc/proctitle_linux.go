//go:build linux

package main

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessTitle is best-effort: PR_SET_NAME only affects the value reported
// via /proc/[pid]/comm and truncates at 15 bytes, it never changes argv[0] as
// seen by "ps". A failure here is not worth surfacing to the caller.
func setProcessTitle(title string) {
	name := append([]byte(title), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&name[0])), 0, 0, 0)
}
