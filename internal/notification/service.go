package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// Service is the single entry point for outbound notifications. It applies
// the configured trigger flags, deduplicates scheduled successes to one
// notification per job per day, and fans out to the enabled channels (email,
// webhook, Telegram).
//
// Callers (executor, health poller, scheduler) use the typed methods rather
// than composing messages themselves, so wording stays consistent.
type Service interface {
	// NotifyJobResult reports a finished run. Scheduled successes are
	// limited to one notification per job per UTC day; failures always go
	// out when the failure trigger is on.
	NotifyJobResult(ctx context.Context, ev JobEvent)

	// NotifyNodeOffline reports a node that stopped answering health checks.
	NotifyNodeOffline(ctx context.Context, nodeID uuid.UUID, nodeName string)

	// SendDailyDigest sends the rollup of the last 24 hours across all
	// active jobs. Triggered once a day by the scheduler.
	SendDailyDigest(ctx context.Context) error
}

// JobEvent carries the outcome of one run.
type JobEvent struct {
	JobID       uuid.UUID
	JobName     string
	Status      string // "success", "failed", "warning"
	Source      string // "node:dataset" label
	Destination string
	Duration    int // seconds
	Transferred string
	Error       string
	Scheduled   bool // cron-fired rather than run-now
}

// notificationService is the concrete implementation of Service.
type notificationService struct {
	settingsRepo repositories.SettingsRepository
	jobRepo      repositories.SyncJobRepository
	logRepo      repositories.JobLogRepository
	nodeRepo     repositories.NodeRepository
	logger       *zap.Logger

	email    *emailSender
	webhook  *webhookSender
	telegram *telegramSender

	// Success dedup for scheduled jobs: job id -> time of the last success
	// notification. Failures are never recorded here.
	mu       sync.Mutex
	lastSent map[uuid.UUID]time.Time
}

// Config holds the dependencies required to build a notification Service.
type Config struct {
	SettingsRepo repositories.SettingsRepository
	JobRepo      repositories.SyncJobRepository
	LogRepo      repositories.JobLogRepository
	NodeRepo     repositories.NodeRepository
	Logger       *zap.Logger
}

// NewService creates a notification Service. The channel senders are wired
// internally and reload their configuration from the settings repository on
// every send, so settings changes apply without a restart.
func NewService(cfg Config) Service {
	svc := &notificationService{
		settingsRepo: cfg.SettingsRepo,
		jobRepo:      cfg.JobRepo,
		logRepo:      cfg.LogRepo,
		nodeRepo:     cfg.NodeRepo,
		logger:       cfg.Logger.Named("notification"),
		lastSent:     make(map[uuid.UUID]time.Time),
	}

	loader := func(ctx context.Context) (*db.NotificationConfig, error) {
		c, err := cfg.SettingsRepo.GetNotificationConfig(ctx)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, ErrNotConfigured
			}
			return nil, err
		}
		return c, nil
	}
	svc.email = newEmailSender(loader)
	svc.webhook = newWebhookSender(loader)
	svc.telegram = newTelegramSender(loader)

	return svc
}

// -----------------------------------------------------------------------------
// Job results
// -----------------------------------------------------------------------------

func (s *notificationService) NotifyJobResult(ctx context.Context, ev JobEvent) {
	cfg, err := s.settingsRepo.GetNotificationConfig(ctx)
	if err != nil {
		s.logger.Debug("notification config unavailable", zap.Error(err))
		return
	}

	shouldNotify := (ev.Status == "success" && cfg.NotifyOnSuccess) ||
		(ev.Status == "failed" && cfg.NotifyOnFailure) ||
		(ev.Status == "warning" && cfg.NotifyOnWarning)
	if !shouldNotify {
		return
	}

	if ev.Scheduled && ev.Status == "success" && !s.firstSuccessToday(ev.JobID) {
		s.logger.Debug("success already notified today, skipping",
			zap.String("job_id", ev.JobID.String()))
		return
	}

	var title, body string
	switch ev.Status {
	case "success":
		title = fmt.Sprintf("Sync completed: %s", ev.JobName)
		body = fmt.Sprintf("Job %q replicated %s -> %s in %s.",
			ev.JobName, ev.Source, ev.Destination, formatDuration(ev.Duration))
		if ev.Transferred != "" {
			body += fmt.Sprintf(" Transferred: %s.", ev.Transferred)
		}
	case "failed":
		title = fmt.Sprintf("Sync FAILED: %s", ev.JobName)
		body = fmt.Sprintf("Job %q (%s -> %s) failed after %s: %s",
			ev.JobName, ev.Source, ev.Destination, formatDuration(ev.Duration), ev.Error)
	default:
		title = fmt.Sprintf("Sync warning: %s", ev.JobName)
		body = fmt.Sprintf("Job %q (%s -> %s): %s",
			ev.JobName, ev.Source, ev.Destination, ev.Error)
	}

	payload := map[string]any{
		"job_id":      ev.JobID.String(),
		"job_name":    ev.JobName,
		"status":      ev.Status,
		"source":      ev.Source,
		"destination": ev.Destination,
		"duration":    ev.Duration,
		"transferred": ev.Transferred,
		"error":       ev.Error,
	}

	s.fanOut(ctx, "job_completed", title, body, payload)
}

// firstSuccessToday records and checks the daily success dedup. Returns true
// when no success notification for the job has gone out today (UTC).
func (s *notificationService) firstSuccessToday(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if last, ok := s.lastSent[jobID]; ok {
		if last.UTC().Truncate(24 * time.Hour).Equal(now.Truncate(24 * time.Hour)) {
			return false
		}
	}
	s.lastSent[jobID] = now

	// Drop entries older than two days so deleted jobs do not accumulate.
	cutoff := now.Add(-48 * time.Hour)
	for id, last := range s.lastSent {
		if last.Before(cutoff) {
			delete(s.lastSent, id)
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Node health
// -----------------------------------------------------------------------------

func (s *notificationService) NotifyNodeOffline(ctx context.Context, nodeID uuid.UUID, nodeName string) {
	cfg, err := s.settingsRepo.GetNotificationConfig(ctx)
	if err != nil || !cfg.NotifyOnWarning {
		return
	}

	title := fmt.Sprintf("Node offline: %s", nodeName)
	body := fmt.Sprintf("Node %q stopped answering SSH health checks at %s.",
		nodeName, time.Now().UTC().Format(time.RFC3339))

	s.fanOut(ctx, "node_offline", title, body, map[string]any{
		"node_id":   nodeID.String(),
		"node_name": nodeName,
	})
}

// -----------------------------------------------------------------------------
// Daily digest
// -----------------------------------------------------------------------------

// jobDigest is the per-job rollup of the last 24 hours.
type jobDigest struct {
	name        string
	route       string
	runs        int
	succeeded   int
	failed      int
	duration    int
	lastStatus  string
	transferred string
	lastError   string
}

func (s *notificationService) SendDailyDigest(ctx context.Context) error {
	jobs, _, err := s.jobRepo.List(ctx, repositories.ListOptions{Limit: 1000})
	if err != nil {
		return fmt.Errorf("notification: digest job listing: %w", err)
	}

	var active []db.SyncJob
	for i := range jobs {
		if jobs[i].IsActive {
			active = append(active, jobs[i])
		}
	}
	if len(active) == 0 {
		s.logger.Debug("no active jobs, digest skipped")
		return nil
	}

	since := time.Now().Add(-24 * time.Hour)
	logs, err := s.logRepo.ListSince(ctx, since)
	if err != nil {
		return fmt.Errorf("notification: digest log listing: %w", err)
	}

	byJob := make(map[uuid.UUID][]db.JobLog)
	for i := range logs {
		if logs[i].JobID != nil && logs[i].JobType == "sync" {
			byJob[*logs[i].JobID] = append(byJob[*logs[i].JobID], logs[i])
		}
	}

	nodeNames := make(map[uuid.UUID]string)
	nodeName := func(id uuid.UUID) string {
		if name, ok := nodeNames[id]; ok {
			return name
		}
		name := "unknown"
		if node, err := s.nodeRepo.GetByID(ctx, id); err == nil {
			name = node.Name
		}
		nodeNames[id] = name
		return name
	}

	var totalRuns, succeeded, failed, totalDuration int
	digests := make([]jobDigest, 0, len(active))
	for i := range active {
		job := &active[i]
		d := jobDigest{
			name: job.Name,
			route: fmt.Sprintf("%s:%s -> %s:%s",
				nodeName(job.SourceNodeID), job.SourceDataset,
				nodeName(job.DestNodeID), job.DestDataset),
			lastStatus:  job.LastStatus,
			transferred: job.LastTransferred,
		}
		if d.lastStatus == "" {
			d.lastStatus = "never run"
		}

		for _, log := range byJob[job.ID] {
			d.runs++
			d.duration += log.Duration
			switch log.Status {
			case "success":
				d.succeeded++
			case "failed":
				d.failed++
				if d.lastError == "" && log.Error != "" {
					d.lastError = truncate(log.Error, 200)
				}
			}
			if d.transferred == "" && log.Transferred != "" {
				d.transferred = log.Transferred
			}
		}

		totalRuns += d.runs
		succeeded += d.succeeded
		failed += d.failed
		totalDuration += d.duration
		digests = append(digests, d)
	}

	title := fmt.Sprintf("Daily report: %d/%d runs OK", succeeded, totalRuns)
	if failed > 0 {
		title = fmt.Sprintf("Daily report: %d FAILED, %d/%d runs OK", failed, succeeded, totalRuns)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Replication summary for the last 24 hours (%d jobs, total runtime %s)\n\n",
		len(digests), formatDuration(totalDuration))
	for _, d := range digests {
		fmt.Fprintf(&sb, "%s [%s]\n  %s\n  runs: %d, ok: %d, failed: %d",
			d.name, d.lastStatus, d.route, d.runs, d.succeeded, d.failed)
		if d.transferred != "" {
			fmt.Fprintf(&sb, ", last transfer: %s", d.transferred)
		}
		sb.WriteString("\n")
		if d.lastError != "" {
			fmt.Fprintf(&sb, "  last error: %s\n", d.lastError)
		}
		sb.WriteString("\n")
	}

	s.fanOut(ctx, "daily_summary", title, sb.String(), map[string]any{
		"total_jobs": len(digests),
		"total_runs": totalRuns,
		"successful": succeeded,
		"failed":     failed,
	})
	return nil
}

// -----------------------------------------------------------------------------
// Channel fan-out
// -----------------------------------------------------------------------------

// fanOut delivers one message to every enabled channel. Channel errors are
// logged, never propagated: a dead SMTP server must not fail a sync run.
func (s *notificationService) fanOut(ctx context.Context, notifType, title, body string, payload map[string]any) {
	if err := s.email.Send(ctx, title, body); err != nil {
		s.logger.Warn("email delivery failed", zap.String("type", notifType), zap.Error(err))
	}
	if err := s.webhook.Send(ctx, notifType, title, body, payload); err != nil {
		s.logger.Warn("webhook delivery failed", zap.String("type", notifType), zap.Error(err))
	}
	if err := s.telegram.Send(ctx, title, body); err != nil {
		s.logger.Warn("telegram delivery failed", zap.String("type", notifType), zap.Error(err))
	}
}

// formatDuration renders seconds as "1h 23m 45s" with zero fields elided.
func formatDuration(seconds int) string {
	if seconds <= 0 {
		return "0s"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	sec := seconds % 60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if sec > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", sec))
	}
	return strings.Join(parts, " ")
}

// truncate shortens s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
