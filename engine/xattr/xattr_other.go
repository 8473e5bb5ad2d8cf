//go:build !linux

package xattr

// List, Get and Set are no-ops on platforms without Linux-style extended
// attribute syscalls; xattr preservation is best-effort per spec.

func List(path string) ([]string, error) { return nil, nil }

func Get(path, name string) ([]byte, bool) { return nil, false }

func Set(path, name string, value []byte) error { return nil }
