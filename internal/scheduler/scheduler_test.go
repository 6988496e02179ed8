package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/notification"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// fakeJobs records stale-run sweeps and serves a fixed job list.
type fakeJobs struct {
	repositories.SyncJobRepository
	jobs   []db.SyncJob
	sweeps int
}

func (f *fakeJobs) ListActiveScheduled(context.Context) ([]db.SyncJob, error) {
	return f.jobs, nil
}

func (f *fakeJobs) ResetStaleRuns(context.Context, time.Time) (int64, error) {
	f.sweeps++
	return 0, nil
}

// fakeSettings serves system config values from a map.
type fakeSettings struct {
	repositories.SettingsRepository
	values map[string]string
}

func (f *fakeSettings) GetSystemConfig(_ context.Context, key string) (*db.SystemConfig, error) {
	if v, ok := f.values[key]; ok {
		return &db.SystemConfig{Key: key, Value: v}, nil
	}
	return nil, repositories.ErrNotFound
}

// fakeDispatcher records dispatched jobs.
type fakeDispatcher struct {
	mu    sync.Mutex
	fired []struct {
		id      uuid.UUID
		trigger Trigger
	}
}

func (f *fakeDispatcher) Dispatch(jobID uuid.UUID, trigger Trigger) {
	f.mu.Lock()
	f.fired = append(f.fired, struct {
		id      uuid.UUID
		trigger Trigger
	}{jobID, trigger})
	f.mu.Unlock()
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

// digestRecorder implements notification.Service and signals every digest.
type digestRecorder struct {
	digests chan struct{}
}

func (r *digestRecorder) NotifyJobResult(context.Context, notification.JobEvent) {}

func (r *digestRecorder) NotifyNodeOffline(context.Context, uuid.UUID, string) {}

func (r *digestRecorder) SendDailyDigest(context.Context) error {
	r.digests <- struct{}{}
	return nil
}

func newScheduler(t *testing.T, jobs *fakeJobs, settings *fakeSettings, disp *fakeDispatcher, notifier *digestRecorder) *Scheduler {
	t.Helper()
	if settings == nil {
		settings = &fakeSettings{}
	}
	if notifier == nil {
		notifier = &digestRecorder{digests: make(chan struct{}, 8)}
	}
	return New(jobs, settings, disp, notifier, zap.NewNop())
}

func activeJob(schedule string, lastRun *time.Time) db.SyncJob {
	job := db.SyncJob{
		Name:     "nightly",
		Schedule: schedule,
		IsActive: true,
	}
	job.ID = uuid.New()
	job.LastRunAt = lastRun
	return job
}

func TestDueJobDispatchedOnce(t *testing.T) {
	jobs := &fakeJobs{}
	disp := &fakeDispatcher{}
	s := newScheduler(t, jobs, nil, disp, nil)

	now := time.Date(2026, 3, 10, 1, 59, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	job := activeJob("0 2 * * *", nil)
	require.NoError(t, s.UpdateJob(&job))

	// Not due yet.
	s.onTick(now)
	assert.Zero(t, disp.count())

	// 02:00 passes.
	now = now.Add(time.Minute)
	s.onTick(now)
	require.Equal(t, 1, disp.count())
	assert.Equal(t, job.ID, disp.fired[0].id)
	assert.Equal(t, TriggerSchedule, disp.fired[0].trigger)

	// Same minute again: already rescheduled for tomorrow.
	s.onTick(now)
	assert.Equal(t, 1, disp.count())
}

func TestMissedFiresCoalesceToOneRun(t *testing.T) {
	jobs := &fakeJobs{}
	disp := &fakeDispatcher{}
	s := newScheduler(t, jobs, nil, disp, nil)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// Hourly job whose last run was twelve hours ago: twelve slots were
	// missed while the server was down.
	lastRun := now.Add(-12 * time.Hour)
	job := activeJob("0 * * * *", &lastRun)
	require.NoError(t, s.UpdateJob(&job))

	s.onTick(now)
	assert.Equal(t, 1, disp.count(), "missed slots collapse into one catch-up run")

	// Next fire is in the future, not another missed slot.
	s.mu.Lock()
	next := s.nextFire[job.ID]
	s.mu.Unlock()
	assert.True(t, next.After(now))
}

func TestRetryFiresOnceAfterDelay(t *testing.T) {
	jobs := &fakeJobs{}
	disp := &fakeDispatcher{}
	s := newScheduler(t, jobs, nil, disp, nil)

	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	jobID := uuid.New()
	s.ArmRetry(jobID, 15*time.Minute)

	now = now.Add(10 * time.Minute)
	s.onTick(now)
	assert.Zero(t, disp.count())

	now = now.Add(5 * time.Minute)
	s.onTick(now)
	require.Equal(t, 1, disp.count())
	assert.Equal(t, TriggerRetry, disp.fired[0].trigger)

	s.onTick(now.Add(time.Minute))
	assert.Equal(t, 1, disp.count(), "retry is a one-shot")
}

func TestRemoveJobCancelsScheduleAndRetry(t *testing.T) {
	jobs := &fakeJobs{}
	disp := &fakeDispatcher{}
	s := newScheduler(t, jobs, nil, disp, nil)

	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	job := activeJob("* * * * *", nil)
	require.NoError(t, s.UpdateJob(&job))
	s.ArmRetry(job.ID, time.Minute)

	s.RemoveJob(job.ID)

	s.onTick(now.Add(time.Hour))
	assert.Zero(t, disp.count())
}

func TestDeactivatedJobIsUnscheduled(t *testing.T) {
	jobs := &fakeJobs{}
	disp := &fakeDispatcher{}
	s := newScheduler(t, jobs, nil, disp, nil)

	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	job := activeJob("* * * * *", nil)
	require.NoError(t, s.UpdateJob(&job))

	job.IsActive = false
	require.NoError(t, s.UpdateJob(&job))

	s.onTick(now.Add(time.Hour))
	assert.Zero(t, disp.count())
}

func TestBadScheduleRejected(t *testing.T) {
	jobs := &fakeJobs{}
	s := newScheduler(t, jobs, nil, &fakeDispatcher{}, nil)

	job := activeJob("not a cron expression", nil)
	assert.Error(t, s.UpdateJob(&job))
}

func TestDigestSentOncePerDay(t *testing.T) {
	jobs := &fakeJobs{}
	disp := &fakeDispatcher{}
	notifier := &digestRecorder{digests: make(chan struct{}, 8)}
	settings := &fakeSettings{values: map[string]string{db.KeyDigestHour: "7"}}
	s := newScheduler(t, jobs, settings, disp, notifier)

	base := time.Date(2026, 3, 10, 7, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.onTick(base)
	select {
	case <-notifier.digests:
	case <-time.After(2 * time.Second):
		t.Fatal("digest not sent at configured hour")
	}

	// Later the same hour and later the same day: no second digest.
	s.onTick(base.Add(10 * time.Minute))
	s.onTick(base.Add(5 * time.Hour))
	select {
	case <-notifier.digests:
		t.Fatal("digest sent twice in one day")
	case <-time.After(100 * time.Millisecond):
	}

	// Next day at the same hour sends again.
	s.onTick(base.Add(24 * time.Hour))
	select {
	case <-notifier.digests:
	case <-time.After(2 * time.Second):
		t.Fatal("digest not sent the following day")
	}
}

func TestDigestSkippedOutsideConfiguredHour(t *testing.T) {
	jobs := &fakeJobs{}
	notifier := &digestRecorder{digests: make(chan struct{}, 8)}
	settings := &fakeSettings{values: map[string]string{db.KeyDigestHour: "7"}}
	s := newScheduler(t, jobs, settings, &fakeDispatcher{}, notifier)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.onTick(now)
	select {
	case <-notifier.digests:
		t.Fatal("digest sent outside configured hour")
	case <-time.After(100 * time.Millisecond):
	}
}
