//go:build linux || darwin

package scanner

import (
	"os"
	"syscall"
)

// fileID extracts (dev, ino, nlink) from info's underlying syscall stat
// structure. ok is false when the platform does not expose one (handled
// identically to a cache miss: hardlink_policy==keep falls back to copy).
func fileID(info os.FileInfo) (dev, ino, nlink uint64, ok bool) {
	st, okAssert := info.Sys().(*syscall.Stat_t)
	if !okAssert {
		return 0, 0, 1, false
	}
	return uint64(st.Dev), uint64(st.Ino), uint64(st.Nlink), true
}
