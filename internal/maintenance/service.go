// Package maintenance runs the background housekeeping of the manager: node
// health polling, sanoid installation probes, dataset inventory refresh and
// retention pruning of logs, audit entries and expired sessions.
package maintenance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/metrics"
	"github.com/grandir66/sanoid-manager/internal/notification"
	"github.com/grandir66/sanoid-manager/internal/repositories"
	"github.com/grandir66/sanoid-manager/internal/sshexec"
	"github.com/grandir66/sanoid-manager/internal/websocket"
	"github.com/grandir66/sanoid-manager/internal/zfs"
)

const (
	// healthPollInterval is how often every active node is probed over SSH.
	healthPollInterval = 2 * time.Minute

	// pruneInterval is how often retention pruning runs. Pruning is cheap,
	// hourly keeps the tables from growing between daily peaks.
	pruneInterval = time.Hour
)

// Prober is the slice of the sshexec pool the health poller needs.
type Prober interface {
	TestConnection(ctx context.Context, t sshexec.Target) (string, error)
	CheckTool(ctx context.Context, t sshexec.Target, tool string) (installed bool, version string, err error)
	Run(ctx context.Context, t sshexec.Target, command string, timeout time.Duration) (sshexec.Result, error)
}

// Publisher is the slice of the websocket hub this package needs.
type Publisher interface {
	Publish(topic string, msg websocket.Message)
}

// Service owns the periodic maintenance jobs.
type Service struct {
	nodes    repositories.NodeRepository
	datasets repositories.DatasetRepository
	logs     repositories.JobLogRepository
	audit    repositories.AuditLogRepository
	tokens   repositories.RefreshTokenRepository
	settings repositories.SettingsRepository

	prober   Prober
	zfs      *zfs.Ops
	notifier notification.Service
	hub      Publisher
	logger   *zap.Logger

	cron gocron.Scheduler
}

// Config holds the dependencies required to build a maintenance Service.
type Config struct {
	Nodes    repositories.NodeRepository
	Datasets repositories.DatasetRepository
	Logs     repositories.JobLogRepository
	Audit    repositories.AuditLogRepository
	Tokens   repositories.RefreshTokenRepository
	Settings repositories.SettingsRepository

	Prober   Prober
	Notifier notification.Service
	Hub      Publisher
	Logger   *zap.Logger
}

// New creates the maintenance Service. Call Start to begin the periodic jobs.
func New(cfg Config) (*Service, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("maintenance: creating scheduler: %w", err)
	}
	return &Service{
		nodes:    cfg.Nodes,
		datasets: cfg.Datasets,
		logs:     cfg.Logs,
		audit:    cfg.Audit,
		tokens:   cfg.Tokens,
		settings: cfg.Settings,
		prober:   cfg.Prober,
		zfs:      zfs.NewOps(cfg.Prober),
		notifier: cfg.Notifier,
		hub:      cfg.Hub,
		logger:   cfg.Logger.Named("maintenance"),
		cron:     cron,
	}, nil
}

// Start registers and starts the periodic jobs.
func (s *Service) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(healthPollInterval),
		gocron.NewTask(s.pollNodes),
		gocron.WithName("node-health-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("maintenance: scheduling health poll: %w", err)
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(pruneInterval),
		gocron.NewTask(s.prune),
		gocron.WithName("retention-prune"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("maintenance: scheduling prune: %w", err)
	}

	s.cron.Start()
	s.logger.Info("maintenance started",
		zap.Duration("health_interval", healthPollInterval),
		zap.Duration("prune_interval", pruneInterval))
	return nil
}

// Stop halts the periodic jobs, waiting for a running one to finish.
func (s *Service) Stop() {
	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn("maintenance shutdown", zap.Error(err))
	}
}

// pollNodes probes every active node over SSH and records the result. A node
// that flips from online to offline triggers a notification.
func (s *Service) pollNodes() {
	ctx, cancel := context.WithTimeout(context.Background(), healthPollInterval)
	defer cancel()

	nodes, err := s.nodes.ListActive(ctx)
	if err != nil {
		s.logger.Error("health poll: listing nodes", zap.Error(err))
		return
	}

	online := 0
	for i := range nodes {
		node := &nodes[i]
		target := sshexec.Target{
			Host:    node.Hostname,
			Port:    node.SSHPort,
			User:    node.SSHUser,
			KeyPath: node.SSHKeyPath,
		}

		_, probeErr := s.prober.TestConnection(ctx, target)
		nowOnline := probeErr == nil
		if nowOnline {
			online++
		}

		if err := s.nodes.UpdateHealth(ctx, node.ID, nowOnline, time.Now()); err != nil {
			s.logger.Error("health poll: recording result",
				zap.String("node", node.Name), zap.Error(err))
		}

		if node.IsOnline && !nowOnline {
			s.logger.Warn("node went offline",
				zap.String("node", node.Name), zap.Error(probeErr))
			s.notifier.NotifyNodeOffline(ctx, node.ID, node.Name)
		}
		if node.IsOnline != nowOnline {
			s.hub.Publish("node:"+node.ID.String(), websocket.Message{
				Type:  websocket.MsgNodeStatus,
				Topic: "node:" + node.ID.String(),
				Payload: map[string]any{
					"node_id": node.ID.String(),
					"online":  nowOnline,
				},
			})
		}

		// Probe for sanoid once per node until it shows up; a node that
		// later loses it is caught by the next full probe cycle after a
		// restart.
		if nowOnline && !node.SanoidInstalled {
			installed, version, err := s.prober.CheckTool(ctx, target, "sanoid")
			if err == nil && installed {
				if err := s.nodes.UpdateSanoid(ctx, node.ID, true, version); err != nil {
					s.logger.Error("health poll: recording sanoid version",
						zap.String("node", node.Name), zap.Error(err))
				}
			}
		}
	}

	metrics.NodesOnline.Set(float64(online))
}

// RefreshDatasets re-reads the ZFS inventory of a node and reconciles the
// cached rows. Called by the REST layer; also usable ad hoc after large
// replication batches.
func (s *Service) RefreshDatasets(ctx context.Context, node *db.Node) (int, error) {
	target := sshexec.Target{
		Host:    node.Hostname,
		Port:    node.SSHPort,
		User:    node.SSHUser,
		KeyPath: node.SSHKeyPath,
	}

	listed, err := s.zfs.ListDatasets(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("maintenance: refresh datasets of %s: %w", node.Name, err)
	}

	snapshots, err := s.zfs.ListSnapshots(ctx, target, "")
	if err != nil {
		s.logger.Warn("refresh: snapshot listing failed, counts unset",
			zap.String("node", node.Name), zap.Error(err))
	}
	counts := make(map[string]int)
	lastByDataset := make(map[string]time.Time)
	for _, snap := range snapshots {
		counts[snap.Dataset]++
		// zfs prints creation as e.g. "Thu Mar 10 12:00 2022", day padded.
		if t, err := time.Parse("Mon Jan _2 15:04 2006", snap.Creation); err == nil {
			if t.After(lastByDataset[snap.Dataset]) {
				lastByDataset[snap.Dataset] = t
			}
		}
	}

	now := time.Now()
	rows := make([]db.Dataset, 0, len(listed))
	for _, ds := range listed {
		row := db.Dataset{
			NodeID:        node.ID,
			Name:          ds.Name,
			Mountpoint:    ds.Mountpoint,
			Used:          ds.Used,
			Available:     ds.Available,
			SnapshotCount: counts[ds.Name],
			RefreshedAt:   now,
		}
		if last, ok := lastByDataset[ds.Name]; ok {
			row.LastSnapshotAt = &last
		}
		rows = append(rows, row)
	}

	if err := s.datasets.ReplaceForNode(ctx, node.ID, rows); err != nil {
		return 0, fmt.Errorf("maintenance: reconcile datasets of %s: %w", node.Name, err)
	}

	s.hub.Publish("node:"+node.ID.String(), websocket.Message{
		Type:    websocket.MsgDatasetRefresh,
		Topic:   "node:" + node.ID.String(),
		Payload: map[string]any{"node_id": node.ID.String()},
	})

	s.logger.Info("dataset inventory refreshed",
		zap.String("node", node.Name), zap.Int("datasets", len(rows)))
	return len(rows), nil
}

// prune removes aged job logs and audit entries plus expired refresh tokens.
func (s *Service) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logDays := s.configInt(ctx, db.KeyLogRetentionDays, 30)
	auditDays := s.configInt(ctx, db.KeyAuditRetentionDays, 90)

	if n, err := s.logs.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -logDays)); err != nil {
		s.logger.Error("prune: job logs", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("pruned job logs", zap.Int64("count", n), zap.Int("retention_days", logDays))
	}

	if n, err := s.audit.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -auditDays)); err != nil {
		s.logger.Error("prune: audit logs", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("pruned audit logs", zap.Int64("count", n), zap.Int("retention_days", auditDays))
	}

	if err := s.tokens.DeleteExpired(ctx); err != nil {
		s.logger.Error("prune: refresh tokens", zap.Error(err))
	}
}

func (s *Service) configInt(ctx context.Context, key string, def int) int {
	cfg, err := s.settings.GetSystemConfig(ctx, key)
	if err != nil {
		return def
	}
	if n, err := strconv.Atoi(cfg.Value); err == nil {
		return n
	}
	return def
}
