package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/grandir66/sanoid-manager/internal/api"
	"github.com/grandir66/sanoid-manager/internal/auth"
	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/executor"
	"github.com/grandir66/sanoid-manager/internal/maintenance"
	"github.com/grandir66/sanoid-manager/internal/notification"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/scheduler"
	"github.com/grandir66/sanoid-manager/internal/sshexec"
	"github.com/grandir66/sanoid-manager/internal/websocket"
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
	dataDir       string
	sshKeyPath    string
	logLevel      string
	corsOrigins   string
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
		Use:   "sanoid-manager",
		Short: "Central manager for sanoid snapshots and syncoid replication across Proxmox nodes",
		Long: `sanoid-manager schedules and runs syncoid replication jobs between
Proxmox hypervisor nodes over SSH, keeps an inventory of ZFS datasets and
snapshots, registers replicated guests on their destination node, and exposes
a REST API with live websocket updates for the web UI.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", defaultHTTPAddr(), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("SANOID_MANAGER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envFirst("SANOID_MANAGER_DB_DSN", "SANOID_MANAGER_DB", "./sanoid-manager.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("SANOID_MANAGER_SECRET_KEY", ""), "Master secret for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("SANOID_MANAGER_DATA_DIR", "./data"), "Directory for server data (JWT signing keys)")
	root.PersistentFlags().StringVar(&cfg.sshKeyPath, "ssh-key-path", envOrDefault("SANOID_MANAGER_SSH_KEY_PATH", "/root/.ssh/id_rsa"), "Private key the manager presents to nodes")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("SANOID_MANAGER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.corsOrigins, "cors-origins", envOrDefault("SANOID_MANAGER_CORS_ORIGINS", ""), "Comma-separated allowed CORS origins")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("SANOID_MANAGER_SECURE_COOKIES", "") == "true", "Mark auth cookies Secure (enable behind TLS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sanoid-manager %s (commit: %s, built: %s)\n", version, commit, date)
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
		return fmt.Errorf("secret key is required, set --secret-key or SANOID_MANAGER_SECRET_KEY")
	}

	logger.Info("starting sanoid-manager",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The encryption key for credentials at rest is derived from the secret,
	// so the same secret always opens the same database.
	sum := sha256.Sum256([]byte(cfg.secretKey))
	if err := db.InitEncryption(sum[:]); err != nil {
		return fmt.Errorf("initializing encryption: %w", err)
	}

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	users := repositories.NewUserRepository(database)
	tokens := repositories.NewRefreshTokenRepository(database)
	auditLogs := repositories.NewAuditLogRepository(database)
	nodes := repositories.NewNodeRepository(database)
	datasets := repositories.NewDatasetRepository(database)
	jobs := repositories.NewSyncJobRepository(database)
	jobLogs := repositories.NewJobLogRepository(database)
	registry := repositories.NewVMRegistryRepository(database)
	settings := repositories.NewSettingsRepository(database)

	if err := bootstrapAdmin(ctx, users, logger); err != nil {
		return err
	}

	sessionMinutes := db.ConfigInt(database, db.KeyAuthSessionTimeout, 480)
	if v := os.Getenv("SANOID_MANAGER_TOKEN_EXPIRE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sessionMinutes = n
		}
	}
	jwtMgr, err := auth.NewJWTManagerPersistent(cfg.dataDir, "sanoid-manager",
		time.Duration(sessionMinutes)*time.Minute)
	if err != nil {
		return err
	}
	authService := auth.NewService(users, tokens, nodes, settings, jwtMgr, nil, logger)

	pool := sshexec.NewPool(logger)
	defer pool.Close()

	notifier := notification.NewService(notification.Config{
		SettingsRepo: settings,
		JobRepo:      jobs,
		LogRepo:      jobLogs,
		NodeRepo:     nodes,
		Logger:       logger,
	})

	hub := websocket.NewHub()
	go hub.Run(ctx)

	sched := scheduler.New(jobs, settings, nil, notifier, logger)
	exec := executor.New(executor.Config{
		Jobs:     jobs,
		Logs:     jobLogs,
		Nodes:    nodes,
		Registry: registry,
		Settings: settings,
		Runner:   pool,
		Notifier: notifier,
		Retry:    sched,
		Hub:      hub,
		Logger:   logger,
	})
	sched.SetDispatcher(exec)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	maint, err := maintenance.New(maintenance.Config{
		Nodes:    nodes,
		Datasets: datasets,
		Logs:     jobLogs,
		Audit:    auditLogs,
		Tokens:   tokens,
		Settings: settings,
		Prober:   pool,
		Notifier: notifier,
		Hub:      hub,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := maint.Start(); err != nil {
		return err
	}
	defer maint.Stop()

	router := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		JWTManager:  jwtMgr,
		Scheduler:   sched,
		Executor:    exec,
		Maintenance: maint,
		Hub:         hub,
		Notifier:    notifier,
		Prober:      pool,

		Users:    users,
		Tokens:   tokens,
		Audit:    auditLogs,
		Nodes:    nodes,
		Datasets: datasets,
		Jobs:     jobs,
		Logs:     jobLogs,
		Registry: registry,
		Settings: settings,

		SecureCookies: cfg.secureCookies,
		SSHKeyPath:    cfg.sshKeyPath,
		CORSOrigins:   splitOrigins(cfg.corsOrigins),
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down sanoid-manager")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// bootstrapAdmin creates the initial admin account when the user table is
// empty. The generated password is printed once; the account is flagged for
// a forced change on first login.
func bootstrapAdmin(ctx context.Context, users repositories.UserRepository, logger *zap.Logger) error {
	count, err := users.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting users: %w", err)
	}
	if count > 0 {
		return nil
	}

	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating bootstrap password: %w", err)
	}
	password := hex.EncodeToString(raw)

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &db.User{
		Username:           "admin",
		PasswordHash:       hash,
		AuthMethod:         "local",
		Role:               "admin",
		IsActive:           true,
		MustChangePassword: true,
	}
	if err := users.Create(ctx, admin); err != nil {
		return fmt.Errorf("creating bootstrap admin: %w", err)
	}

	logger.Warn("created initial admin account, change this password immediately",
		zap.String("username", "admin"),
		zap.String("password", password))
	return nil
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

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envFirst returns the first non-empty environment value among keys; the
// final argument is the fallback default.
func envFirst(keysAndDefault ...string) string {
	last := len(keysAndDefault) - 1
	for _, k := range keysAndDefault[:last] {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return keysAndDefault[last]
}

// defaultHTTPAddr prefers a full listen address and falls back to a bare
// port number.
func defaultHTTPAddr() string {
	if v := os.Getenv("SANOID_MANAGER_HTTP_ADDR"); v != "" {
		return v
	}
	if v := os.Getenv("SANOID_MANAGER_PORT"); v != "" {
		return ":" + v
	}
	return ":8420"
}
