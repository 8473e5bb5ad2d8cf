//go:build linux

// Package xattr provides best-effort extended attribute read/write used by
// the tar and raw-tree packagers to preserve entry xattrs. No standalone
// xattr package appears anywhere in the retrieved reference pack, so this
// wraps golang.org/x/sys/unix directly (already an indirect dependency of
// every module in the pack via the gRPC/zap transitive closure).
package xattr

import "golang.org/x/sys/unix"

// List returns the names of all extended attributes set on path. A
// permission or "not supported" error is swallowed (returns nil, nil);
// xattr preservation is always best-effort per spec.
func List(path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil || size <= 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(path, buf)
	if err != nil {
		return nil, nil
	}
	return splitNames(buf[:n]), nil
}

// Get reads one extended attribute's value. Returns (nil, false) if absent
// or unreadable.
func Get(path, name string) ([]byte, bool) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil || size <= 0 {
		return nil, false
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

// Set writes one extended attribute. Errors are returned to the caller,
// which treats xattr restore as best-effort and logs rather than fails.
func Set(path, name string, value []byte) error {
	return unix.Lsetxattr(path, name, value, 0)
}

func splitNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
