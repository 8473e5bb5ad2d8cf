package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bastion-backup/bastion/hub/internal/db"
)

func TestDestinationRepositoryCreateAndGetByIDEncryptsCredentials(t *testing.T) {
	if err := db.InitEncryption([]byte("01234567890123456789012345678901")); err != nil {
		t.Fatal(err)
	}
	repo := NewDestinationRepository(newTestDB(t))
	ctx := context.Background()

	dest := &db.Destination{
		Name:        "primary-webdav",
		Type:        "webdav",
		BaseURL:     "https://backup.example.com/dav",
		Credentials: db.EncryptedString(`{"username":"bastion","password":"hunter2"}`),
		Enabled:     true,
	}
	if err := repo.Create(ctx, dest); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got, err := repo.GetByID(ctx, dest.ID)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if got.Credentials != dest.Credentials {
		t.Fatalf("expected credentials to round-trip through encryption, got %q want %q", got.Credentials, dest.Credentials)
	}
	if got.BaseURL != dest.BaseURL {
		t.Fatalf("expected base_url %q, got %q", dest.BaseURL, got.BaseURL)
	}
}

func TestDestinationRepositoryGetByIDNotFound(t *testing.T) {
	repo := NewDestinationRepository(newTestDB(t))
	if _, err := repo.GetByID(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDestinationRepositoryUpdate(t *testing.T) {
	repo := NewDestinationRepository(newTestDB(t))
	ctx := context.Background()
	dest := &db.Destination{Name: "local-backup", Type: "local", BaseDir: "/data/backups", Enabled: true}
	if err := repo.Create(ctx, dest); err != nil {
		t.Fatal(err)
	}

	dest.BaseDir = "/data/backups-v2"
	if err := repo.Update(ctx, dest); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	got, err := repo.GetByID(ctx, dest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BaseDir != "/data/backups-v2" {
		t.Fatalf("expected updated base_dir, got %q", got.BaseDir)
	}
}

func TestDestinationRepositoryDeleteIsHard(t *testing.T) {
	repo := NewDestinationRepository(newTestDB(t))
	ctx := context.Background()
	dest := &db.Destination{Name: "scratch", Type: "local", BaseDir: "/tmp"}
	if err := repo.Create(ctx, dest); err != nil {
		t.Fatal(err)
	}

	if err := repo.Delete(ctx, dest.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := repo.GetByID(ctx, dest.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected the destination to be gone after delete, got %v", err)
	}
}

func TestDestinationRepositoryList(t *testing.T) {
	repo := NewDestinationRepository(newTestDB(t))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d := &db.Destination{Name: "d", Type: "local", BaseDir: "/tmp"}
		if err := repo.Create(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	dests, total, err := repo.List(ctx, ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if total != 2 || len(dests) != 2 {
		t.Fatalf("expected 2 destinations, got total=%d len=%d", total, len(dests))
	}
}
