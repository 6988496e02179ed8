package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResetStaleRunsRollsJobCounters(t *testing.T) {
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	repo := NewSyncJobRepository(database)
	ctx := context.Background()

	job := &db.SyncJob{
		Name:          "stale-sweep",
		SourceNodeID:  uuid.New(),
		SourceDataset: "rpool/data/vm-100-disk-0",
		DestNodeID:    uuid.New(),
		DestDataset:   "backup/vm-100-disk-0",
		LastStatus:    "running",
		RunCount:      4,
		ErrorCount:    1,
	}
	job.ConsecutiveFailures = 1

	require.NoError(t, repo.Create(ctx, job))

	staleStart := time.Now().Add(-5 * time.Hour)
	stale := &db.JobLog{
		JobType:   "sync",
		JobID:     &job.ID,
		Status:    "started",
		StartedAt: staleStart,
	}
	require.NoError(t, database.Create(stale).Error)

	// A run that opened after the cutoff must survive the sweep.
	fresh := &db.JobLog{
		JobType:   "sync",
		Status:    "started",
		StartedAt: time.Now(),
	}
	require.NoError(t, database.Create(fresh).Error)

	swept, err := repo.ResetStaleRuns(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	var sweptRow db.JobLog
	require.NoError(t, database.First(&sweptRow, "id = ?", stale.ID).Error)
	assert.Equal(t, "failed", sweptRow.Status)
	assert.Equal(t, "process terminated", sweptRow.Error)
	require.NotNil(t, sweptRow.CompletedAt)

	var freshRow db.JobLog
	require.NoError(t, database.First(&freshRow, "id = ?", fresh.ID).Error)
	assert.Equal(t, "started", freshRow.Status)

	// The sweep closes a finished failed run, so the counters must move
	// exactly as they do when CloseRun finalizes one.
	after, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", after.LastStatus)
	assert.Equal(t, 5, after.RunCount)
	assert.Equal(t, 2, after.ErrorCount)
	assert.Equal(t, 2, after.ConsecutiveFailures)
}
