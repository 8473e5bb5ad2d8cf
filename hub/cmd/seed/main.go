// Package main implements a one-shot seed command that registers a node, a
// destination, and a job directly in the Bastion database, for bootstrapping
// a hub without hand-writing SQL.
//
// Usage (from repo root):
//
//	go run ./hub/cmd/seed \
//	  --node-name workstation-1 --node-hostname workstation-1.local \
//	  --dest-name local-backups --dest-type local --dest-base-dir /srv/bastion \
//	  --job-name nightly --job-schedule "0 2 * * *" --job-source /home/alice
//
// Environment variables:
//
//	BASTION_DB_DSN      SQLite file path or Postgres DSN (default: ./bastion.db)
//	BASTION_SECRET_KEY  Master encryption key — must match the value used by the hub
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/bastion-backup/bastion/hub/internal/repositories"
	"github.com/bastion-backup/bastion/shared/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	nodeName := flag.String("node-name", "", "Node display name (required)")
	nodeHostname := flag.String("node-hostname", "", "Node hostname (required)")

	destName := flag.String("dest-name", "", "Destination display name (required)")
	destType := flag.String("dest-type", "local", "Destination type: local or webdav")
	destBaseDir := flag.String("dest-base-dir", "", "Local destination base directory")
	destBaseURL := flag.String("dest-base-url", "", "WebDAV destination base URL")

	jobName := flag.String("job-name", "", "Job name (required)")
	jobSchedule := flag.String("job-schedule", "0 2 * * *", "Job cron schedule")
	jobSource := flag.String("job-source", "", "Filesystem source path to back up (required)")
	flag.Parse()

	if *nodeName == "" || *nodeHostname == "" {
		return fmt.Errorf("--node-name and --node-hostname are required")
	}
	if *destName == "" {
		return fmt.Errorf("--dest-name is required")
	}
	if *jobName == "" || *jobSource == "" {
		return fmt.Errorf("--job-name and --job-source are required")
	}
	if *destType == string(types.DestinationTypeWebDAV) && *destBaseURL == "" {
		return fmt.Errorf("--dest-base-url is required for webdav destinations")
	}
	if *destType == string(types.DestinationTypeLocal) && *destBaseDir == "" {
		return fmt.Errorf("--dest-base-dir is required for local destinations")
	}

	dsn := envOrDefault("BASTION_DB_DSN", "./bastion.db")

	secretKey := os.Getenv("BASTION_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"BASTION_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the hub, otherwise destination\n" +
				"  credentials encrypted here will be unreadable at run time.",
		)
	}

	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	nodeRepo := repositories.NewNodeRepository(database)
	destRepo := repositories.NewDestinationRepository(database)
	jobRepo := repositories.NewJobRepository(database)

	node := &db.Node{Name: *nodeName, Hostname: *nodeHostname, Status: "offline"}
	if err := nodeRepo.Create(ctx, node); err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	dest := &db.Destination{Name: *destName, Type: *destType, BaseDir: *destBaseDir, BaseURL: *destBaseURL, Enabled: true}
	if err := destRepo.Create(ctx, dest); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	sources, err := json.Marshal([]types.Source{{Type: types.SourceTypeFilesystem, Path: *jobSource}})
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	job := &db.Job{
		Name:          *jobName,
		NodeID:        node.ID,
		DestinationID: dest.ID,
		Schedule:      *jobSchedule,
		Enabled:       true,
		Sources:       string(sources),
	}
	if err := jobRepo.Create(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	fmt.Printf("✓ Seeded node, destination, and job\n")
	fmt.Printf("  Node:        %s (%s)\n", node.ID, node.Hostname)
	fmt.Printf("  Destination: %s (%s)\n", dest.ID, dest.Type)
	fmt.Printf("  Job:         %s (%s)\n", job.ID, job.Schedule)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
