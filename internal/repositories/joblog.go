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

// gormJobLogRepository is the GORM implementation of JobLogRepository.
type gormJobLogRepository struct {
	db *gorm.DB
}

// NewJobLogRepository returns a JobLogRepository backed by the provided *gorm.DB.
func NewJobLogRepository(db *gorm.DB) JobLogRepository {
	return &gormJobLogRepository{db: db}
}

// Create inserts the opening row of a run, status "started". The row is
// closed later through SyncJobRepository.CloseRun.
func (r *gormJobLogRepository) Create(ctx context.Context, log *db.JobLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("job logs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a log entry by its UUID. Returns ErrNotFound if no record exists.
func (r *gormJobLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.JobLog, error) {
	var log db.JobLog
	err := r.db.WithContext(ctx).First(&log, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("job logs: get by id: %w", err)
	}
	return &log, nil
}

// List returns a filtered, paginated list of log entries and the total count,
// newest first.
func (r *gormJobLogRepository) List(ctx context.Context, filter JobLogFilter, opts ListOptions) ([]db.JobLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&db.JobLog{})
	if filter.JobType != "" {
		query = query.Where("job_type = ?", filter.JobType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.JobID != nil {
		query = query.Where("job_id = ?", *filter.JobID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("started_at >= ?", filter.Since)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("job logs: list count: %w", err)
	}

	var logs []db.JobLog
	if err := query.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("job logs: list: %w", err)
	}

	return logs, total, nil
}

// ListSince returns all log entries started at or after the given time,
// newest first. The daily digest builds its per-job rollup from this.
func (r *gormJobLogRepository) ListSince(ctx context.Context, since time.Time) ([]db.JobLog, error) {
	var logs []db.JobLog
	if err := r.db.WithContext(ctx).
		Where("started_at >= ?", since).
		Order("started_at DESC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("job logs: list since: %w", err)
	}
	return logs, nil
}

// CountAttemptsSince counts the attempts a job has recorded at or after the
// given time. Retry runs use this to number themselves within one fire.
func (r *gormJobLogRepository) CountAttemptsSince(ctx context.Context, jobID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.JobLog{}).
		Where("job_id = ? AND started_at >= ?", jobID, since).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("job logs: count attempts: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes log entries started before the given time and
// returns how many rows were deleted. Called by the retention worker.
func (r *gormJobLogRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("started_at < ?", t).
		Delete(&db.JobLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("job logs: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
