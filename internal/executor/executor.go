// Package executor runs sync jobs end to end: it gates overlapping fires,
// opens and closes the run's log row, drives syncoid on the source node over
// SSH, and on success optionally materializes the replicated guest on the
// destination. Runs happen on their own goroutines; the scheduler and the
// REST layer only hand over job ids.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/metrics"
	"github.com/grandir66/sanoid-manager/internal/notification"
	"github.com/grandir66/sanoid-manager/internal/proxmox"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/scheduler"
	"github.com/grandir66/sanoid-manager/internal/sshexec"
	"github.com/grandir66/sanoid-manager/internal/syncoid"
	"github.com/grandir66/sanoid-manager/internal/websocket"
	"github.com/grandir66/sanoid-manager/internal/zfs"
)

// Runner is the slice of the sshexec pool the executor needs. Tests
// substitute a recorder.
type Runner interface {
	Run(ctx context.Context, t sshexec.Target, command string, timeout time.Duration) (sshexec.Result, error)
}

// RetryArmer is the slice of the scheduler the executor needs to arm
// one-shot retries. Satisfied by *scheduler.Scheduler.
type RetryArmer interface {
	ArmRetry(jobID uuid.UUID, delay time.Duration)
}

// Publisher is the slice of the websocket hub the executor needs.
type Publisher interface {
	Publish(topic string, msg websocket.Message)
}

// Executor ties the run pipeline together.
type Executor struct {
	jobs     repositories.SyncJobRepository
	logs     repositories.JobLogRepository
	nodes    repositories.NodeRepository
	registry repositories.VMRegistryRepository
	settings repositories.SettingsRepository

	runner Runner
	zfs    *zfs.Ops
	pve    *proxmox.Ops

	notifier notification.Service
	retry    RetryArmer
	hub      Publisher
	logger   *zap.Logger
}

// Config holds the dependencies required to build an Executor.
type Config struct {
	Jobs     repositories.SyncJobRepository
	Logs     repositories.JobLogRepository
	Nodes    repositories.NodeRepository
	Registry repositories.VMRegistryRepository
	Settings repositories.SettingsRepository

	Runner   Runner
	Notifier notification.Service
	Retry    RetryArmer
	Hub      Publisher
	Logger   *zap.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	return &Executor{
		jobs:     cfg.Jobs,
		logs:     cfg.Logs,
		nodes:    cfg.Nodes,
		registry: cfg.Registry,
		settings: cfg.Settings,
		runner:   cfg.Runner,
		zfs:      zfs.NewOps(cfg.Runner),
		pve:      proxmox.NewOps(cfg.Runner),
		notifier: cfg.Notifier,
		retry:    cfg.Retry,
		hub:      cfg.Hub,
		logger:   cfg.Logger.Named("executor"),
	}
}

// Dispatch implements scheduler.Dispatcher. It returns immediately; the run
// proceeds on its own goroutine.
func (e *Executor) Dispatch(jobID uuid.UUID, trigger scheduler.Trigger) {
	go e.run(context.Background(), jobID, trigger, nil)
}

// RunNow starts a manual run on behalf of a user. The running gate is taken
// synchronously so the caller gets ErrConflict while a run is in flight; the
// run itself proceeds in the background.
func (e *Executor) RunNow(ctx context.Context, jobID uuid.UUID, userID uuid.UUID) error {
	if _, err := e.jobs.GetByID(ctx, jobID); err != nil {
		return err
	}
	if err := e.jobs.MarkRunning(ctx, jobID, time.Now()); err != nil {
		return err
	}
	triggeredBy := userID
	go e.run(context.Background(), jobID, "", &triggeredBy)
	return nil
}

// run executes one attempt of a job. trigger "" means a manual run whose
// running gate was already taken by RunNow.
func (e *Executor) run(ctx context.Context, jobID uuid.UUID, trigger scheduler.Trigger, triggeredBy *uuid.UUID) {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		e.logger.Error("run aborted, job unavailable",
			zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}

	source, err := e.nodes.GetByID(ctx, job.SourceNodeID)
	if err != nil {
		e.abortRun(ctx, job, trigger, triggeredBy, "source node unavailable: "+err.Error())
		return
	}
	dest, err := e.nodes.GetByID(ctx, job.DestNodeID)
	if err != nil {
		e.abortRun(ctx, job, trigger, triggeredBy, "destination node unavailable: "+err.Error())
		return
	}

	start := time.Now()
	if trigger != "" {
		if err := e.jobs.MarkRunning(ctx, jobID, start); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				e.logger.Info("run skipped, job already running",
					zap.String("job_id", jobID.String()),
					zap.String("job_name", job.Name))
				return
			}
			e.logger.Error("run aborted, could not mark running",
				zap.String("job_id", jobID.String()), zap.Error(err))
			return
		}
	}

	attempt := 1
	if trigger == scheduler.TriggerRetry {
		attempt = job.ConsecutiveFailures + 1
	}

	logRow := &db.JobLog{
		JobType:       "sync",
		JobID:         &job.ID,
		NodeName:      source.Name + " -> " + dest.Name,
		Dataset:       job.SourceDataset + " -> " + job.DestDataset,
		Status:        "started",
		AttemptNumber: attempt,
		StartedAt:     start,
		TriggeredBy:   triggeredBy,
	}
	if err := e.logs.Create(ctx, logRow); err != nil {
		e.logger.Error("run aborted, could not open log row",
			zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}

	e.publishStatus(job, "running", "")

	sourceLabel := source.Name + ":" + job.SourceDataset
	destLabel := dest.Name + ":" + job.DestDataset

	// From here on the run must always be closed, even on a panic inside
	// the pipeline.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("run panicked",
				zap.String("job_id", jobID.String()),
				zap.Any("panic", r))
			e.closeRun(job, logRow, closeParams{
				status:      "failed",
				errText:     fmt.Sprintf("internal error: %v", r),
				duration:    int(time.Since(start).Seconds()),
				sourceLabel: sourceLabel,
				destLabel:   destLabel,
			}, trigger)
		}
	}()

	e.logger.Info("run started",
		zap.String("job_id", jobID.String()),
		zap.String("job_name", job.Name),
		zap.String("source", logRow.NodeName),
		zap.Int("attempt", attempt))

	srcTarget := nodeTarget(source)
	dstTarget := nodeTarget(dest)

	// Make sure the destination parent dataset exists so a first run does
	// not trip over a missing hierarchy. Best effort: syncoid reports the
	// authoritative error if creation was needed and failed.
	if parent := parentDataset(job.DestDataset); parent != "" {
		exists, err := e.zfs.DatasetExists(ctx, dstTarget, parent)
		if err == nil && !exists {
			if err := e.zfs.CreateDataset(ctx, dstTarget, parent, true); err != nil {
				e.logger.Warn("could not pre-create destination parent",
					zap.String("job_id", jobID.String()),
					zap.String("dataset", parent),
					zap.Error(err))
			}
		}
	}

	cmd := syncoid.BuildCommand(
		syncoid.Endpoint{Dataset: job.SourceDataset},
		syncoid.Endpoint{
			Host:    dest.Hostname,
			Dataset: job.DestDataset,
			User:    dest.SSHUser,
			Port:    dest.SSHPort,
			KeyPath: dest.SSHKeyPath,
		},
		syncoid.Options{
			Recursive:   job.Recursive,
			Compress:    job.Compress,
			MbufferSize: job.MbufferSize,
			NoSyncSnap:  job.NoSyncSnap,
			ForceDelete: job.ForceDelete,
			ExtraArgs:   job.ExtraArgs,
		},
	)

	timeout := time.Duration(e.configInt(ctx, db.KeySyncoidTimeout, 3600)) * time.Second
	res, runErr := e.runner.Run(ctx, srcTarget, cmd, timeout)

	duration := int(time.Since(start).Seconds())
	transferred := syncoid.ParseTransferred(res.Stdout + "\n" + res.Stderr)

	p := closeParams{
		output:      res.Stdout,
		duration:    duration,
		transferred: transferred,
		sourceLabel: sourceLabel,
		destLabel:   destLabel,
	}

	switch {
	case runErr != nil:
		p.status = "failed"
		p.errText = runErr.Error()
	case !res.OK():
		p.status = "failed"
		p.errText = strings.TrimSpace(res.Stderr)
		if p.errText == "" {
			p.errText = "syncoid exited with code " + strconv.Itoa(res.ExitCode)
		}
	default:
		p.status = "success"
		p.message = "replication completed"
		if transferred != "" {
			p.message += ", transferred " + transferred
		}
	}

	if p.status == "success" && job.RegisterVM {
		if note, err := e.materializeGuest(ctx, job, source, dest, srcTarget, dstTarget); err != nil {
			p.warning = "guest registration failed: " + err.Error()
			p.message += "; " + p.warning
		} else if note != "" {
			p.message += "; " + note
		}
	}

	e.closeRun(job, logRow, p, trigger)
}

// abortRun closes a run that failed before any remote work started. The
// failed log row and counter rollup also release the running gate a manual
// run has already taken; without this a resolution failure would leave
// last_status stuck at "running" until the stale sweep.
func (e *Executor) abortRun(ctx context.Context, job *db.SyncJob, trigger scheduler.Trigger, triggeredBy *uuid.UUID, reason string) {
	e.logger.Error("run aborted",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("reason", reason))

	attempt := 1
	if trigger == scheduler.TriggerRetry {
		attempt = job.ConsecutiveFailures + 1
	}
	logRow := &db.JobLog{
		JobType:       "sync",
		JobID:         &job.ID,
		Dataset:       job.SourceDataset + " -> " + job.DestDataset,
		Status:        "started",
		AttemptNumber: attempt,
		StartedAt:     time.Now(),
		TriggeredBy:   triggeredBy,
	}
	if err := e.logs.Create(ctx, logRow); err != nil {
		e.logger.Error("could not open abort log row",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	e.closeRun(job, logRow, closeParams{
		status:      "failed",
		errText:     reason,
		sourceLabel: job.SourceDataset,
		destLabel:   job.DestDataset,
	}, trigger)
}

// closeParams carries the outcome of a run into closeRun.
type closeParams struct {
	status      string
	message     string
	output      string
	errText     string
	duration    int
	transferred string
	warning     string
	sourceLabel string
	destLabel   string
}

// closeRun finalizes the log row and counters, publishes the transition,
// notifies, records metrics and arms a retry when appropriate.
func (e *Executor) closeRun(job *db.SyncJob, logRow *db.JobLog, p closeParams, trigger scheduler.Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := e.jobs.CloseRun(ctx, repositories.CloseRunParams{
		JobID:       job.ID,
		LogID:       logRow.ID,
		Status:      p.status,
		Message:     p.message,
		Output:      p.output,
		Error:       p.errText,
		Duration:    p.duration,
		Transferred: p.transferred,
		CompletedAt: time.Now(),
	})
	if err != nil {
		e.logger.Error("could not close run",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	if p.status == "success" {
		e.logger.Info("run succeeded",
			zap.String("job_id", job.ID.String()),
			zap.String("job_name", job.Name),
			zap.Int("duration_s", p.duration),
			zap.String("transferred", p.transferred))
	} else {
		e.logger.Warn("run failed",
			zap.String("job_id", job.ID.String()),
			zap.String("job_name", job.Name),
			zap.Int("duration_s", p.duration),
			zap.String("error", p.errText))
	}

	label := string(trigger)
	if label == "" {
		label = "manual"
	}
	metrics.JobRuns.WithLabelValues(p.status, label).Inc()
	metrics.JobRunDuration.Observe(float64(p.duration))

	e.publishStatus(job, p.status, p.transferred)

	status := p.status
	errText := p.errText
	if status == "success" && p.warning != "" {
		status = "warning"
		errText = p.warning
	}
	e.notifier.NotifyJobResult(ctx, notification.JobEvent{
		JobID:       job.ID,
		JobName:     job.Name,
		Status:      status,
		Source:      p.sourceLabel,
		Destination: p.destLabel,
		Duration:    p.duration,
		Transferred: p.transferred,
		Error:       errText,
		Scheduled:   trigger != "",
	})

	if p.status == "failed" && trigger != "" && job.RetryOnFailure {
		// job still carries the pre-run counter, so failures is the streak
		// including this attempt. The streak may grow up to MaxRetries;
		// reaching it means no further retry until the next cron fire.
		failures := job.ConsecutiveFailures + 1
		if failures < job.MaxRetries {
			delay := time.Duration(job.RetryDelayMinutes) * time.Minute
			e.retry.ArmRetry(job.ID, delay)
		} else {
			e.logger.Warn("retries exhausted",
				zap.String("job_id", job.ID.String()),
				zap.Int("failures", failures))
		}
	}
}

// materializeGuest registers the replicated guest on the destination node
// and records it in the registry. Returns a human-readable note for the run
// message.
func (e *Executor) materializeGuest(ctx context.Context, job *db.SyncJob, source, dest *db.Node, srcTarget, dstTarget sshexec.Target) (string, error) {
	kind := proxmox.GuestKind(job.VMType)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown guest type %q", job.VMType)
	}

	config, err := e.pve.GuestConfigFile(ctx, srcTarget, kind, job.VMID)
	if err != nil {
		return "", err
	}

	destVMID := job.DestVMID
	if destVMID == 0 {
		destVMID = job.VMID
	}

	err = e.pve.RegisterGuest(ctx, dstTarget, proxmox.RegisterParams{
		Kind:          kind,
		VMID:          destVMID,
		Config:        config,
		SourceStorage: job.SourceStorage,
		DestStorage:   job.DestStorage,
		DestZFSPool:   parentDataset(job.DestDataset),
	})
	if err != nil {
		if errors.Is(err, proxmox.ErrGuestExists) && job.DestVMID == 0 {
			// The id is taken and the job does not pin a destination id:
			// leave the existing guest alone, the replica data is in place.
			return fmt.Sprintf("guest %d already registered on %s", destVMID, dest.Name), nil
		}
		return "", err
	}

	now := time.Now()
	entry := &db.VMRegistry{
		VMID:           job.VMID,
		VMType:         job.VMType,
		VMName:         job.VMName,
		SourceNodeID:   job.SourceNodeID,
		SourceDataset:  job.SourceDataset,
		DestNodeID:     job.DestNodeID,
		DestDataset:    job.DestDataset,
		ConfigBackup:   config,
		IsRegistered:   true,
		RegisteredVMID: destVMID,
		LastSyncAt:     &now,
	}
	if err := e.registry.Upsert(ctx, entry); err != nil {
		e.logger.Warn("could not record registered guest",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	e.logger.Info("guest registered",
		zap.String("job_id", job.ID.String()),
		zap.Int("vmid", destVMID),
		zap.String("node", dest.Name))
	return fmt.Sprintf("registered %s %d on %s", job.VMType, destVMID, dest.Name), nil
}

// publishStatus pushes a run transition to the websocket topics.
func (e *Executor) publishStatus(job *db.SyncJob, status, transferred string) {
	msg := websocket.Message{
		Type:  websocket.MsgJobStatus,
		Topic: "job:" + job.ID.String(),
		Payload: map[string]any{
			"job_id":      job.ID.String(),
			"job_name":    job.Name,
			"status":      status,
			"transferred": transferred,
		},
	}
	e.hub.Publish(msg.Topic, msg)
	msg.Topic = "jobs"
	e.hub.Publish("jobs", msg)
}

// configInt reads an integer system config value with a default.
func (e *Executor) configInt(ctx context.Context, key string, def int) int {
	cfg, err := e.settings.GetSystemConfig(ctx, key)
	if err != nil {
		return def
	}
	if n, err := strconv.Atoi(cfg.Value); err == nil {
		return n
	}
	return def
}

// nodeTarget maps a node record to its SSH target.
func nodeTarget(n *db.Node) sshexec.Target {
	return sshexec.Target{
		Host:    n.Hostname,
		Port:    n.SSHPort,
		User:    n.SSHUser,
		KeyPath: n.SSHKeyPath,
	}
}

// parentDataset returns the dataset one level above, or "" for a pool root.
func parentDataset(dataset string) string {
	i := strings.LastIndex(dataset, "/")
	if i <= 0 {
		return ""
	}
	return dataset[:i]
}
