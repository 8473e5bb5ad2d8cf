package repositories

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bastion-backup/bastion/hub/internal/db"
)

// newTestDB opens a throwaway, migrated sqlite database for a single test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bastion-test.sqlite")
	gdb, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    path,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("db.New returned error: %v", err)
	}
	return gdb
}
