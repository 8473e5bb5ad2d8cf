//go:build !linux && !darwin

package tarpkg

import (
	"os"

	"github.com/bastion-backup/bastion/engine/model"
)

func ownerOf(info os.FileInfo) (uid, gid uint32, ok bool) { return 0, 0, false }

func applyStatFields(rec *model.EntryRecord, info os.FileInfo) {
	mtime := info.ModTime()
	rec.Mtime = &mtime
	mode := uint32(info.Mode().Perm())
	rec.Mode = &mode
}
