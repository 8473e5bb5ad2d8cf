package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bastion-backup/bastion/engine/deletetask"
	"github.com/bastion-backup/bastion/engine/retentionloop"
	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/bastion-backup/bastion/hub/internal/httpapi"
	"github.com/bastion-backup/bastion/hub/internal/nodemanager"
	"github.com/bastion-backup/bastion/hub/internal/repositories"
	"github.com/bastion-backup/bastion/hub/internal/scheduler"
	"github.com/bastion-backup/bastion/hub/internal/websocket"
	"github.com/bastion-backup/bastion/hub/internal/wiring"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	secretKey     string
	logLevel      string
	dataDir       string
	enrollToken   string
	secureCookies bool
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
		Use:   "bastion-hub",
		Short: "Bastion hub — central backup coordination server",
		Long: `Bastion hub is the central component of the Bastion backup system.
It persists node/destination/job configuration, pushes task assignments
to connected agents over a websocket stream, and drives the snapshot
retention loop and artifact delete-task runner.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BASTION_HTTP_ADDR", ":8080"), "HTTP listen address (websocket upgrade + health)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BASTION_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BASTION_DB_DSN", "./bastion.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("BASTION_SECRET_KEY", ""), "Master secret key for encrypting destination credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BASTION_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("BASTION_DATA_DIR", "./data"), "Directory for hub data")
	root.PersistentFlags().StringVar(&cfg.enrollToken, "enroll-token", envOrDefault("BASTION_ENROLL_TOKEN", ""), "Shared secret new nodes present during websocket enrollment (empty = disabled, dev only)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("BASTION_SECURE_COOKIES", "false") == "true", "unused placeholder, kept for flag-parity with operator tooling")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bastion-hub %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or BASTION_SECRET_KEY")
	}

	logger.Info("starting bastion hub",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so EncryptedString
	// fields (destination credentials, settings) can encrypt/decrypt
	// transparently on read/write. The key is padded/truncated to 32 bytes.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	nodeRepo := repositories.NewNodeRepository(gormDB)
	destRepo := repositories.NewDestinationRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	artifactRepo := repositories.NewRunArtifactRepository(gormDB)
	deleteTaskRepo := repositories.NewArtifactDeleteTaskRepository(gormDB)
	_ = repositories.NewSettingsRepository(gormDB) // reserved for managed-config key rotation, not yet read here

	// --- 4. Websocket hub + node manager ---
	wsHub := websocket.NewHub()
	go wsHub.Run(ctx)

	nodeMgr := nodemanager.New(wsHub, nodeRepo, jobRepo, logger)

	// --- 5. Engine control loops ---
	// eventStore/deleteStore/retentionSrc adapt the GORM repositories to the
	// plain interfaces engine/events, engine/deletetask and
	// engine/retentionloop expect — see hub/internal/wiring.
	eventStore := &wiring.EventStore{Jobs: jobRepo}
	deleteStore := &wiring.DeleteTaskStore{Tasks: deleteTaskRepo, Artifacts: artifactRepo}
	retentionSrc := &wiring.RetentionSource{Jobs: jobRepo, Artifacts: artifactRepo, Tasks: deleteTaskRepo}

	deleteRunner := deletetask.NewRunner(deleteStore, wiring.TargetDeleter{})
	retentionLoop := retentionloop.New(
		retentionSrc,
		deleteRunner,
		&wiring.RunnerSignaler{Runner: deleteRunner},
		wiring.EventsFor(eventStore),
		wiring.MarkDeleting(artifactRepo),
	)

	// --- 6. Scheduler ---
	sched, err := scheduler.New(jobRepo, destRepo, artifactRepo, nodeRepo, nodeMgr, retentionLoop, deleteRunner, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 7. HTTP server: health, metrics, websocket upgrade ---
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Hub:         wsHub,
		NodeMgr:     nodeMgr,
		Nodes:       nodeRepo,
		Scheduler:   sched,
		EnrollToken: cfg.enrollToken,
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down bastion hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("bastion hub stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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
