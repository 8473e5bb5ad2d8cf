// Package main is the entry point for the bastion-agent binary.
// It wires all internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load the encryption keyring and resolve the agent's stable node identity
//  4. Build the executor (job queue + scan/package/upload pipeline + hooks)
//  5. Build the connection manager (websocket client to the hub)
//  6. Start the executor worker, the offline scheduler, and the connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bastion-backup/bastion/agent/internal/connection"
	"github.com/bastion-backup/bastion/agent/internal/executor"
	"github.com/bastion-backup/bastion/agent/internal/fslist"
	"github.com/bastion-backup/bastion/agent/internal/hooks"
	"github.com/bastion-backup/bastion/agent/internal/keyring"
	"github.com/bastion-backup/bastion/agent/internal/offlinescheduler"
	"github.com/bastion-backup/bastion/engine/snapshot"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	hubAddr       string
	hubTLS        bool
	enrollToken   string
	nodeID        string
	stateDir      string
	dataDir       string
	logLevel      string
	encryptionKeys string
	preRunHook    string
	postRunHook   string
	snapshotBtrfs bool
	snapshotAllowlist string
	browseRoots   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "bastion-agent",
		Short: "Bastion agent — runs backup jobs dispatched by the hub",
		Long: `Bastion agent runs on each machine to be backed up.
It connects to the hub over a persistent websocket stream, receives backup
tasks, and executes them by scanning, packaging, and uploading the
configured sources to the job's destination.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.hubAddr, "hub-addr", envOrDefault("BASTION_HUB_ADDR", "localhost:8080"), "Hub websocket address (host:port, or a full ws(s):// URL)")
	root.PersistentFlags().BoolVar(&cfg.hubTLS, "hub-tls", envOrDefault("BASTION_HUB_TLS", "false") == "true", "Use wss:// when hub-addr is a bare host:port")
	root.PersistentFlags().StringVar(&cfg.enrollToken, "enroll-token", envOrDefault("BASTION_ENROLL_TOKEN", ""), "Shared secret presented to the hub during websocket enrollment")
	root.PersistentFlags().StringVar(&cfg.nodeID, "node-id", envOrDefault("BASTION_NODE_ID", ""), "Stable node identity (empty = persisted/minted automatically)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("BASTION_STATE_DIR", defaultStateDir()), "Directory for agent identity state (agent-state.json)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("BASTION_DATA_DIR", defaultStateDir()), "Directory for run staging, offline journal, and managed config cache")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BASTION_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.encryptionKeys, "encryption-keys", envOrDefault("BASTION_ENCRYPTION_KEYS", ""), "Comma-separated name:base64key pairs for archive encryption and managed-config-cache encryption")
	root.PersistentFlags().StringVar(&cfg.preRunHook, "pre-run-hook", envOrDefault("BASTION_PRE_RUN_HOOK", ""), "Shell command run before every task")
	root.PersistentFlags().StringVar(&cfg.postRunHook, "post-run-hook", envOrDefault("BASTION_POST_RUN_HOOK", ""), "Shell command run after every task")
	root.PersistentFlags().BoolVar(&cfg.snapshotBtrfs, "fs-snapshot-btrfs-enabled", envOrDefault("BASTION_FS_SNAPSHOT_BTRFS_ENABLED", "false") == "true", "Take a read-only btrfs snapshot of each source before scanning it")
	root.PersistentFlags().StringVar(&cfg.snapshotAllowlist, "fs-snapshot-allowlist", envOrDefault("BASTION_FS_SNAPSHOT_ALLOWLIST", ""), "Comma-separated path prefixes eligible for btrfs snapshotting")
	root.PersistentFlags().StringVar(&cfg.browseRoots, "browse-roots", envOrDefault("BASTION_BROWSE_ROOTS", ""), "Comma-separated path prefixes the hub is allowed to browse via fs_list (empty = unrestricted)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bastion-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.enrollToken == "" {
		logger.Warn("enroll-token not configured — websocket enrollment is unauthenticated (set BASTION_ENROLL_TOKEN in production)")
	}

	logger.Info("starting bastion agent",
		zap.String("version", version),
		zap.String("hub_addr", cfg.hubAddr),
		zap.String("data_dir", cfg.dataDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kr, err := keyring.Load(cfg.encryptionKeys)
	if err != nil {
		return fmt.Errorf("failed to load encryption keyring: %w", err)
	}

	var configCacheKey []byte
	if _, key, ok := kr.Active(); ok {
		configCacheKey = key
	} else {
		logger.Warn("no encryption key configured — the managed-config cache cannot be saved while disconnected")
	}

	hooksRunner := hooks.NewRunner(0)

	execCfg := executor.Config{
		DataDir: cfg.dataDir,
		Keyring: kr,
		SnapshotConfig: snapshot.Config{
			Enabled:   cfg.snapshotBtrfs,
			Allowlist: splitCSV(cfg.snapshotAllowlist),
			RunDir:    cfg.dataDir,
		},
		Hooks:       hooksRunner,
		PreRunHook:  cfg.preRunHook,
		PostRunHook: cfg.postRunHook,
	}
	exec := executor.New(execCfg, logger)

	fsl := &fslist.Lister{Roots: splitCSV(cfg.browseRoots)}

	connCfg := connection.Config{
		HubAddr:       cfg.hubAddr,
		TLS:           cfg.hubTLS,
		EnrollToken:   cfg.enrollToken,
		NodeID:        cfg.nodeID,
		StateDir:      cfg.stateDir,
		DataDir:       cfg.dataDir,
		EncryptionKey: configCacheKey,
	}
	mgr := connection.New(connCfg, exec, fsl, logger)

	offlineSched := offlinescheduler.New(cfg.dataDir, configCacheKey, exec, mgr, logger)

	// The executor worker, connection manager, and offline scheduler run
	// concurrently. All three respect ctx cancellation for graceful
	// shutdown.
	go exec.Run(ctx, mgr, mgr)
	go offlineSched.Run(ctx)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("bastion agent stopped")
	return nil
}

// defaultStateDir returns the default state directory: <home>/.bastion on
// every platform, or ".bastion" relative to the working directory when the
// home directory cannot be determined.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.bastion"
	}
	return ".bastion"
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
