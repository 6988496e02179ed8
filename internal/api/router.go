package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/auth"
	"github.com/grandir66/sanoid-manager/internal/executor"
	"github.com/grandir66/sanoid-manager/internal/maintenance"
	"github.com/grandir66/sanoid-manager/internal/notification"
	"github.com/grandir66/sanoid-manager/internal/proxmox"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/scheduler"
	"github.com/grandir66/sanoid-manager/internal/websocket"
	"github.com/grandir66/sanoid-manager/internal/zfs"
)

// RouterConfig carries everything the REST layer depends on.
type RouterConfig struct {
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
	Scheduler   *scheduler.Scheduler
	Executor    *executor.Executor
	Maintenance *maintenance.Service
	Hub         *websocket.Hub
	Notifier    notification.Service

	Prober maintenance.Prober

	Users    repositories.UserRepository
	Tokens   repositories.RefreshTokenRepository
	Audit    repositories.AuditLogRepository
	Nodes    repositories.NodeRepository
	Datasets repositories.DatasetRepository
	Jobs     repositories.SyncJobRepository
	Logs     repositories.JobLogRepository
	Registry repositories.VMRegistryRepository
	Settings repositories.SettingsRepository

	// SecureCookies marks the refresh cookie Secure; enable behind TLS.
	SecureCookies bool
	CORSOrigins   []string

	// SSHKeyPath is the manager's own private key, used for the key
	// material endpoints.
	SSHKeyPath string

	Logger *zap.Logger
}

// NewRouter builds the chi router with all routes mounted.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	audit := &auditor{repo: cfg.Audit}
	authHandler := NewAuthHandler(cfg.AuthService, audit, cfg.SecureCookies, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Tokens, audit, cfg.Logger)
	nodeHandler := NewNodeHandler(cfg.Nodes, cfg.Prober, cfg.Maintenance, audit, cfg.Logger)
	datasetHandler := NewDatasetHandler(cfg.Datasets, cfg.Nodes, audit, cfg.Logger)
	snapshotHandler := NewSnapshotHandler(cfg.Nodes, zfs.NewOps(cfg.Prober), audit, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Nodes, cfg.Scheduler, cfg.Executor, zfs.NewOps(cfg.Prober), audit, cfg.Logger)
	vmHandler := NewVMHandler(cfg.Nodes, cfg.Registry, proxmox.NewOps(cfg.Prober), audit, cfg.Logger)
	logHandler := NewLogHandler(cfg.Logs, cfg.Audit, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Settings, cfg.Notifier, audit, cfg.Logger)
	sshKeyHandler := NewSSHKeyHandler(cfg.SSHKeyPath, audit, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.JWTManager, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public.
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/refresh", authHandler.Refresh)
		r.Post("/auth/logout", authHandler.Logout)

		// Token comes via query parameter, see WSHandler.
		r.Get("/ws", wsHandler.Serve)

		// Authenticated, read access for every role.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager))

			r.Get("/users/me", authHandler.Me)
			r.Post("/users/me/password", userHandler.ChangePassword)

			r.Get("/nodes", nodeHandler.List)
			r.Get("/nodes/{id}", nodeHandler.Get)
			r.Get("/nodes/{id}/datasets", datasetHandler.ListByNode)
			r.Get("/nodes/{id}/snapshots", snapshotHandler.List)
			r.Get("/nodes/{id}/guests", vmHandler.ListGuests)
			r.Get("/nodes/{id}/guests/{vmid}/disks", vmHandler.ListDisks)
			r.Get("/nodes/{id}/next-vmid", vmHandler.NextVMID)

			r.Get("/sync-jobs", jobHandler.List)
			r.Get("/sync-jobs/{id}", jobHandler.Get)
			r.Get("/sync-jobs/{id}/common-snapshot", jobHandler.CommonSnapshot)
			r.Get("/sync-jobs/groups/{groupID}", jobHandler.GetGroup)

			r.Get("/vm-registry", vmHandler.ListRegistry)

			r.Get("/settings/ssh-key", sshKeyHandler.Get)

			r.Get("/logs", logHandler.List)
			r.Get("/logs/{id}", logHandler.Get)

			// Operator level: run jobs, manage jobs, snapshots, datasets.
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("operator"))

				r.Post("/sync-jobs", jobHandler.Create)
				r.Patch("/sync-jobs/{id}", jobHandler.Update)
				r.Delete("/sync-jobs/{id}", jobHandler.Delete)
				r.Post("/sync-jobs/{id}/run", jobHandler.Run)
				r.Post("/sync-jobs/groups", jobHandler.CreateGroup)
				r.Post("/sync-jobs/groups/{groupID}/run", jobHandler.RunGroup)
				r.Delete("/sync-jobs/groups/{groupID}", jobHandler.DeleteGroup)

				r.Patch("/datasets/{id}", datasetHandler.Update)
				r.Post("/nodes/{id}/snapshots", snapshotHandler.Create)
				r.Post("/nodes/{id}/snapshots/destroy", snapshotHandler.Destroy)
				r.Post("/nodes/{id}/refresh-datasets", nodeHandler.RefreshDatasets)
				r.Post("/nodes/{id}/test-connection", nodeHandler.TestConnection)

				r.Post("/vm-registry/{id}/unregister", vmHandler.Unregister)
			})

			// Admin level: nodes, users, settings, audit.
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				r.Post("/nodes", nodeHandler.Create)
				r.Patch("/nodes/{id}", nodeHandler.Update)
				r.Delete("/nodes/{id}", nodeHandler.Delete)
				r.Post("/nodes/{id}/set-auth-node", nodeHandler.SetAuthNode)

				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				r.Delete("/vm-registry/{id}", vmHandler.DeleteRegistryEntry)

				r.Get("/audit", logHandler.ListAudit)

				r.Get("/settings/system", settingsHandler.ListSystemConfigs)
				r.Put("/settings/system/{key}", settingsHandler.SetSystemConfig)
				r.Get("/settings/notifications", settingsHandler.GetNotificationConfig)
				r.Put("/settings/notifications", settingsHandler.UpdateNotificationConfig)
				r.Post("/settings/notifications/test", settingsHandler.TestNotification)
				r.Post("/settings/ssh-key/generate", sshKeyHandler.Generate)
			})
		})
	})

	return r
}
