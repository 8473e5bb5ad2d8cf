//go:build !linux && !darwin

package scanner

import "os"

// fileID has no stable device/inode pair on platforms without a POSIX
// stat_t (notably Windows); hardlink_policy==keep silently falls back to
// copy there, per the engine-wide design note on Windows hardlink
// detection.
func fileID(info os.FileInfo) (dev, ino, nlink uint64, ok bool) {
	return 0, 0, 1, false
}
