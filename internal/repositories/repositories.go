package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/grandir66/sanoid-manager/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
	Count(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// AuditLogRepository
// -----------------------------------------------------------------------------

type AuditLogRepository interface {
	Create(ctx context.Context, entry *db.AuditLog) error
	List(ctx context.Context, opts ListOptions) ([]db.AuditLog, int64, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// NodeRepository
// -----------------------------------------------------------------------------

type NodeRepository interface {
	// Create inserts a node. A duplicate name returns ErrConflict.
	Create(ctx context.Context, node *db.Node) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Node, error)
	GetByName(ctx context.Context, name string) (*db.Node, error)
	Update(ctx context.Context, node *db.Node) error

	// Delete removes a node. It returns ErrInvariant while any active sync
	// job still references the node as source or destination; jobs must be
	// deleted or repointed first.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.Node, int64, error)
	ListActive(ctx context.Context) ([]db.Node, error)

	// SetAuthNode marks one node as the Proxmox authentication endpoint and
	// clears the flag on every other node in the same transaction, so at most
	// one auth node exists at any time.
	SetAuthNode(ctx context.Context, id uuid.UUID) error
	GetAuthNode(ctx context.Context) (*db.Node, error)

	UpdateHealth(ctx context.Context, id uuid.UUID, online bool, checkedAt time.Time) error
	UpdateSanoid(ctx context.Context, id uuid.UUID, installed bool, version string) error
}

// -----------------------------------------------------------------------------
// DatasetRepository
// -----------------------------------------------------------------------------

type DatasetRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Dataset, error)
	GetByNodeAndName(ctx context.Context, nodeID uuid.UUID, name string) (*db.Dataset, error)
	ListByNode(ctx context.Context, nodeID uuid.UUID) ([]db.Dataset, error)
	Update(ctx context.Context, dataset *db.Dataset) error

	// ReplaceForNode reconciles the cached dataset inventory of a node
	// against a fresh listing: rows matching by name are updated in place
	// (preserving retention settings), new names are inserted, and names no
	// longer present on the node are removed. Runs in one transaction.
	ReplaceForNode(ctx context.Context, nodeID uuid.UUID, datasets []db.Dataset) error
}

// -----------------------------------------------------------------------------
// SyncJobRepository
// -----------------------------------------------------------------------------

// CloseRunParams carries everything needed to finish a run: the closing
// update of the open JobLog row and the counter rollup on the job itself.
// Both writes happen in one transaction.
type CloseRunParams struct {
	JobID uuid.UUID
	LogID uuid.UUID

	Status      string // "success" or "failed"
	Message     string
	Output      string
	Error       string
	Duration    int // seconds
	Transferred string
	CompletedAt time.Time
}

type SyncJobRepository interface {
	// Create inserts a job. When the job carries a VMGroupID, existing group
	// members must agree on source node, destination node and guest id;
	// a disagreeing member returns ErrInvariant.
	Create(ctx context.Context, job *db.SyncJob) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.SyncJob, error)
	Update(ctx context.Context, job *db.SyncJob) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.SyncJob, int64, error)
	ListActiveScheduled(ctx context.Context) ([]db.SyncJob, error)
	ListByGroup(ctx context.Context, groupID string) ([]db.SyncJob, error)
	DeleteGroup(ctx context.Context, groupID string) (int64, error)

	// CountActiveByNode counts active jobs referencing the node as either
	// endpoint. Used to refuse node deletion while references remain.
	CountActiveByNode(ctx context.Context, nodeID uuid.UUID) (int64, error)

	// MarkRunning flips LastStatus to "running" only if the job is not
	// already running, returning ErrConflict otherwise. This is the gate
	// that keeps overlapping fires of the same job from racing.
	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error

	// CloseRun finalizes the open JobLog row and rolls the job counters
	// (run count, error count, consecutive failures, last-run fields) in a
	// single transaction.
	CloseRun(ctx context.Context, p CloseRunParams) error

	// ResetStaleRuns closes JobLog rows stuck in "started" longer than the
	// cutoff, marking them failed, and resets the owning jobs out of
	// "running". Called once at startup to recover from crashes.
	ResetStaleRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// JobLogRepository
// -----------------------------------------------------------------------------

// JobLogFilter narrows log listings. Zero values mean "no filter".
type JobLogFilter struct {
	JobType string
	Status  string
	JobID   *uuid.UUID
	Since   time.Time
}

type JobLogRepository interface {
	Create(ctx context.Context, log *db.JobLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.JobLog, error)
	List(ctx context.Context, filter JobLogFilter, opts ListOptions) ([]db.JobLog, int64, error)

	// ListSince returns all logs started at or after the given time, newest
	// first. Used by the daily digest.
	ListSince(ctx context.Context, since time.Time) ([]db.JobLog, error)

	// CountAttemptsSince returns the number of attempts recorded for a job
	// at or after the given time. Used to number retry attempts of one fire.
	CountAttemptsSince(ctx context.Context, jobID uuid.UUID, since time.Time) (int64, error)

	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// VMRegistryRepository
// -----------------------------------------------------------------------------

type VMRegistryRepository interface {
	// Upsert records a materialized guest, updating the existing row when a
	// guest with the same id is already tracked on the destination node.
	Upsert(ctx context.Context, entry *db.VMRegistry) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.VMRegistry, error)
	GetByGuest(ctx context.Context, destNodeID uuid.UUID, vmID int) (*db.VMRegistry, error)
	List(ctx context.Context, opts ListOptions) ([]db.VMRegistry, int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	GetNotificationConfig(ctx context.Context) (*db.NotificationConfig, error)
	UpdateNotificationConfig(ctx context.Context, cfg *db.NotificationConfig) error

	ListSystemConfigs(ctx context.Context) ([]db.SystemConfig, error)
	GetSystemConfig(ctx context.Context, key string) (*db.SystemConfig, error)
	SetSystemConfig(ctx context.Context, key, value string) error
}
