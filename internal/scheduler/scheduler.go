// Package scheduler decides when sync jobs run. It keeps a next-fire table
// computed from each job's cron expression and walks it once a minute,
// handing due jobs to the executor without waiting for them. Retry one-shots
// armed by the executor and the daily digest trigger ride the same tick.
//
// A fire that was missed while the process was down is coalesced: at most one
// catch-up run per job, then the table is recomputed from the current time.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/metrics"
	"github.com/grandir66/sanoid-manager/internal/notification"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// Trigger says why the executor is being asked to run a job.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerRetry    Trigger = "retry"
)

// Dispatcher starts a job run. Implemented by the executor; it must not
// block, the scheduler calls it from the tick loop.
type Dispatcher interface {
	Dispatch(jobID uuid.UUID, trigger Trigger)
}

// Scheduler owns the tick loop. The zero value is not usable, create
// instances with New.
type Scheduler struct {
	jobs       repositories.SyncJobRepository
	settings   repositories.SettingsRepository
	dispatcher Dispatcher
	notifier   notification.Service
	logger     *zap.Logger
	parser     cron.Parser

	mu        sync.Mutex
	schedules map[uuid.UUID]cron.Schedule
	nextFire  map[uuid.UUID]time.Time
	retries   map[uuid.UUID]time.Time

	lastDigestDay time.Time

	// now and tick are swapped out by tests.
	now  func() time.Time
	tick time.Duration

	stop chan struct{}
	done chan struct{}
}

// New creates a Scheduler. Call Start to begin ticking.
func New(
	jobs repositories.SyncJobRepository,
	settings repositories.SettingsRepository,
	dispatcher Dispatcher,
	notifier notification.Service,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		jobs:       jobs,
		settings:   settings,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.Named("scheduler"),
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedules:  make(map[uuid.UUID]cron.Schedule),
		nextFire:   make(map[uuid.UUID]time.Time),
		retries:    make(map[uuid.UUID]time.Time),
		now:        time.Now,
		tick:       time.Minute,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetDispatcher wires the executor in. The scheduler and the executor
// reference each other (dispatch one way, retry arming the other), so one of
// them is constructed first and connected here before Start.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Start recovers runs orphaned by a crash, loads the active scheduled jobs
// and starts the tick loop. Call once at server startup, after the database
// is ready.
func (s *Scheduler) Start(ctx context.Context) error {
	// Any run still open at startup belonged to a previous process and can
	// never complete.
	swept, err := s.jobs.ResetStaleRuns(ctx, s.now())
	if err != nil {
		return fmt.Errorf("scheduler: startup sweep: %w", err)
	}
	if swept > 0 {
		s.logger.Warn("closed runs orphaned by previous process", zap.Int64("count", swept))
	}

	jobs, err := s.jobs.ListActiveScheduled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load jobs: %w", err)
	}

	now := s.now()
	for i := range jobs {
		if err := s.arm(&jobs[i], now); err != nil {
			s.logger.Error("failed to schedule job",
				zap.String("job_id", jobs[i].ID.String()),
				zap.String("job_name", jobs[i].Name),
				zap.String("schedule", jobs[i].Schedule),
				zap.Error(err))
		}
	}

	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", len(s.nextFire)))
	go s.run()
	return nil
}

// Stop halts the tick loop. In-flight executor runs are unaffected; they
// close their own log rows.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.logger.Info("scheduler stopped")
}

// UpdateJob re-arms a job after creation or edit. An inactive job or one
// without a schedule is removed from the table. Safe while ticking.
func (s *Scheduler) UpdateJob(job *db.SyncJob) error {
	if !job.IsActive || job.Schedule == "" {
		s.RemoveJob(job.ID)
		return nil
	}
	if err := s.arm(job, s.now()); err != nil {
		return fmt.Errorf("scheduler: update job %s: %w", job.ID, err)
	}
	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("schedule", job.Schedule))
	return nil
}

// RemoveJob drops a job and any armed retry from the tables. Safe while
// ticking.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) {
	s.mu.Lock()
	delete(s.schedules, jobID)
	delete(s.nextFire, jobID)
	delete(s.retries, jobID)
	metrics.ScheduledJobs.Set(float64(len(s.nextFire)))
	s.mu.Unlock()
}

// ArmRetry schedules a one-shot re-run of a failed job after the delay.
// A later failure overwrites an armed retry rather than stacking.
func (s *Scheduler) ArmRetry(jobID uuid.UUID, delay time.Duration) {
	at := s.now().Add(delay)
	s.mu.Lock()
	s.retries[jobID] = at
	s.mu.Unlock()
	s.logger.Info("retry armed",
		zap.String("job_id", jobID.String()),
		zap.Time("at", at))
}

// arm parses the cron expression and seeds the next fire time. The first
// fire is computed from the last run when known, so a job that missed its
// slot while the server was down fires once on the next tick.
func (s *Scheduler) arm(job *db.SyncJob, now time.Time) error {
	schedule, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("parse %q: %w", job.Schedule, err)
	}

	from := now
	if job.LastRunAt != nil {
		from = *job.LastRunAt
	}

	s.mu.Lock()
	s.schedules[job.ID] = schedule
	s.nextFire[job.ID] = schedule.Next(from)
	metrics.ScheduledJobs.Set(float64(len(s.nextFire)))
	s.mu.Unlock()
	return nil
}

// run is the tick loop.
func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.onTick(s.now())
		}
	}
}

// onTick fires due jobs and retries, recomputes their next slots, and
// triggers the daily digest at the configured hour. Dispatch never blocks
// the loop: the executor runs jobs on its own goroutines.
func (s *Scheduler) onTick(now time.Time) {
	type firing struct {
		id      uuid.UUID
		trigger Trigger
	}
	var due []firing

	s.mu.Lock()
	for id, at := range s.retries {
		if !at.After(now) {
			delete(s.retries, id)
			due = append(due, firing{id, TriggerRetry})
		}
	}
	for id, at := range s.nextFire {
		if !at.After(now) {
			// Recompute from now, not from the missed slot: a job that
			// missed several fires catches up with exactly one run.
			s.nextFire[id] = s.schedules[id].Next(now)
			due = append(due, firing{id, TriggerSchedule})
		}
	}
	s.mu.Unlock()

	for _, f := range due {
		s.logger.Debug("dispatching job",
			zap.String("job_id", f.id.String()),
			zap.String("trigger", string(f.trigger)))
		s.dispatcher.Dispatch(f.id, f.trigger)
	}

	s.maybeSendDigest(now)
	s.sweepStaleRuns(now)
}

// maybeSendDigest sends the daily digest once per day at the configured UTC
// hour.
func (s *Scheduler) maybeSendDigest(now time.Time) {
	utc := now.UTC()
	today := utc.Truncate(24 * time.Hour)

	s.mu.Lock()
	sentToday := s.lastDigestDay.Equal(today)
	s.mu.Unlock()

	if sentToday || utc.Hour() != s.configInt(db.KeyDigestHour, 7) {
		return
	}

	s.mu.Lock()
	s.lastDigestDay = today
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.notifier.SendDailyDigest(ctx); err != nil {
			s.logger.Error("daily digest failed", zap.Error(err))
		}
	}()
}

// sweepStaleRuns closes runs that have been open longer than the configured
// limit. Catches executor goroutines killed without closing their log row.
func (s *Scheduler) sweepStaleRuns(now time.Time) {
	limit := time.Duration(s.configInt(db.KeyStaleRunMinutes, 240)) * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	swept, err := s.jobs.ResetStaleRuns(ctx, now.Add(-limit))
	if err != nil {
		s.logger.Error("stale run sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		s.logger.Warn("closed stale runs", zap.Int64("count", swept))
	}
}

// configInt reads an integer system config value with a default.
func (s *Scheduler) configInt(key string, def int) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, err := s.settings.GetSystemConfig(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(cfg.Value)
	if err != nil {
		return def
	}
	return n
}
