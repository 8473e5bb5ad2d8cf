//go:build linux || darwin

package tarpkg

import (
	"os"
	"syscall"

	"github.com/bastion-backup/bastion/engine/model"
)

func ownerOf(info os.FileInfo) (uid, gid uint32, ok bool) {
	st, okAssert := info.Sys().(*syscall.Stat_t)
	if !okAssert {
		return 0, 0, false
	}
	return st.Uid, st.Gid, true
}

func applyStatFields(rec *model.EntryRecord, info os.FileInfo) {
	mtime := info.ModTime()
	rec.Mtime = &mtime
	mode := uint32(info.Mode().Perm())
	rec.Mode = &mode
	if uid, gid, ok := ownerOf(info); ok {
		rec.UID = &uid
		rec.GID = &gid
	}
}
