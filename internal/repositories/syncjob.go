package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grandir66/sanoid-manager/internal/db"
	"gorm.io/gorm"
)

// gormSyncJobRepository is the GORM implementation of SyncJobRepository.
type gormSyncJobRepository struct {
	db *gorm.DB
}

// NewSyncJobRepository returns a SyncJobRepository backed by the provided *gorm.DB.
func NewSyncJobRepository(db *gorm.DB) SyncJobRepository {
	return &gormSyncJobRepository{db: db}
}

// Create inserts a sync job. Grouped jobs (jobs that share a VMGroupID
// because they replicate the disks of one guest) must agree on the node pair
// and the guest id; a disagreeing member is rejected with ErrInvariant before
// anything is written.
func (r *gormSyncJobRepository) Create(ctx context.Context, job *db.SyncJob) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if job.VMGroupID != "" {
			var sibling db.SyncJob
			err := tx.First(&sibling, "vm_group_id = ?", job.VMGroupID).Error
			switch {
			case err == nil:
				if sibling.SourceNodeID != job.SourceNodeID ||
					sibling.DestNodeID != job.DestNodeID ||
					sibling.VMID != job.VMID {
					return fmt.Errorf("sync jobs: group %s members must share endpoints and guest id: %w",
						job.VMGroupID, ErrInvariant)
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				// First member of the group.
			default:
				return fmt.Errorf("sync jobs: group lookup: %w", err)
			}
		}

		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("sync jobs: create: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a sync job by its UUID. Returns ErrNotFound if no record exists.
func (r *gormSyncJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.SyncJob, error) {
	var job db.SyncJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sync jobs: get by id: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing sync job record.
func (r *gormSyncJobRepository) Update(ctx context.Context, job *db.SyncJob) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("sync jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a sync job. Its job logs are kept for history.
func (r *gormSyncJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.SyncJob{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("sync jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormSyncJobRepository) List(ctx context.Context, opts ListOptions) ([]db.SyncJob, int64, error) {
	var jobs []db.SyncJob
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.SyncJob{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("sync jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("sync jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListActiveScheduled returns every active job that carries a cron schedule.
// This is the scheduler's working set, reloaded whenever jobs change.
func (r *gormSyncJobRepository) ListActiveScheduled(ctx context.Context) ([]db.SyncJob, error) {
	var jobs []db.SyncJob
	if err := r.db.WithContext(ctx).
		Where("is_active = ? AND schedule <> ''", true).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("sync jobs: list active scheduled: %w", err)
	}
	return jobs, nil
}

// ListByGroup returns all jobs sharing a VM group id, ordered by disk name so
// group runs process disks in a stable order.
func (r *gormSyncJobRepository) ListByGroup(ctx context.Context, groupID string) ([]db.SyncJob, error) {
	var jobs []db.SyncJob
	if err := r.db.WithContext(ctx).
		Where("vm_group_id = ?", groupID).
		Order("disk_name ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("sync jobs: list by group: %w", err)
	}
	return jobs, nil
}

// DeleteGroup removes every job in a VM group and returns how many were deleted.
func (r *gormSyncJobRepository) DeleteGroup(ctx context.Context, groupID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("vm_group_id = ?", groupID).
		Delete(&db.SyncJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("sync jobs: delete group: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountActiveByNode counts active jobs referencing the node as source or
// destination.
func (r *gormSyncJobRepository) CountActiveByNode(ctx context.Context, nodeID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.SyncJob{}).
		Where("is_active = ?", true).
		Where("source_node_id = ? OR dest_node_id = ?", nodeID, nodeID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("sync jobs: count by node: %w", err)
	}
	return count, nil
}

// MarkRunning transitions the job into "running" only when it is not already
// running. The conditional update is the mutual exclusion for overlapping
// fires: with SQLite's single writer and Postgres row locks, exactly one
// caller wins and the loser gets ErrConflict.
func (r *gormSyncJobRepository) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.SyncJob{}).
		Where("id = ? AND last_status <> ?", id, "running").
		Updates(map[string]interface{}{
			"last_status": "running",
			"last_run_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("sync jobs: mark running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Either the job does not exist or it is already running.
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&db.SyncJob{}).
			Where("id = ?", id).
			Count(&count).Error; err != nil {
			return fmt.Errorf("sync jobs: mark running lookup: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// CloseRun finalizes a run: it closes the open JobLog row and rolls the job
// counters in one transaction, so history and counters can never disagree.
func (r *gormSyncJobRepository) CloseRun(ctx context.Context, p CloseRunParams) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logResult := tx.Model(&db.JobLog{}).
			Where("id = ? AND status = ?", p.LogID, "started").
			Updates(map[string]interface{}{
				"status":       p.Status,
				"message":      p.Message,
				"output":       p.Output,
				"error":        p.Error,
				"duration":     p.Duration,
				"transferred":  p.Transferred,
				"completed_at": p.CompletedAt,
			})
		if logResult.Error != nil {
			return fmt.Errorf("sync jobs: close run log: %w", logResult.Error)
		}
		if logResult.RowsAffected == 0 {
			return fmt.Errorf("sync jobs: close run log %s: %w", p.LogID, ErrNotFound)
		}

		updates := map[string]interface{}{
			"last_status":      p.Status,
			"last_duration":    p.Duration,
			"last_transferred": p.Transferred,
			"run_count":        gorm.Expr("run_count + 1"),
		}
		if p.Status == "failed" {
			updates["error_count"] = gorm.Expr("error_count + 1")
			updates["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
		} else {
			updates["consecutive_failures"] = 0
		}

		jobResult := tx.Model(&db.SyncJob{}).
			Where("id = ?", p.JobID).
			Updates(updates)
		if jobResult.Error != nil {
			return fmt.Errorf("sync jobs: close run counters: %w", jobResult.Error)
		}
		if jobResult.RowsAffected == 0 {
			return fmt.Errorf("sync jobs: close run job %s: %w", p.JobID, ErrNotFound)
		}
		return nil
	})
}

// ResetStaleRuns recovers from a crashed or killed server. JobLog rows still
// "started" after the cutoff are closed as failed with a fixed error message,
// and their jobs are moved out of "running" so the scheduler can fire them
// again.
func (r *gormSyncJobRepository) ResetStaleRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	var swept int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []db.JobLog
		if err := tx.Where("status = ? AND started_at < ?", "started", olderThan).
			Find(&open).Error; err != nil {
			return fmt.Errorf("sync jobs: stale run scan: %w", err)
		}

		now := time.Now()
		for i := range open {
			result := tx.Model(&db.JobLog{}).
				Where("id = ?", open[i].ID).
				Updates(map[string]interface{}{
					"status":       "failed",
					"error":        "process terminated",
					"completed_at": now,
				})
			if result.Error != nil {
				return fmt.Errorf("sync jobs: stale run close: %w", result.Error)
			}

			if open[i].JobID != nil {
				// Same rollup as CloseRun: the swept row is a finished
				// failed run, so the job's counters must account for it.
				if err := tx.Model(&db.SyncJob{}).
					Where("id = ? AND last_status = ?", *open[i].JobID, "running").
					Updates(map[string]interface{}{
						"last_status":          "failed",
						"run_count":            gorm.Expr("run_count + 1"),
						"error_count":          gorm.Expr("error_count + 1"),
						"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
					}).Error; err != nil {
					return fmt.Errorf("sync jobs: stale run reset: %w", err)
				}
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}
