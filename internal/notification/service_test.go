package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// fakeSettings serves a fixed NotificationConfig.
type fakeSettings struct {
	repositories.SettingsRepository
	cfg db.NotificationConfig
}

func (f *fakeSettings) GetNotificationConfig(context.Context) (*db.NotificationConfig, error) {
	cfg := f.cfg
	return &cfg, nil
}

// fakeJobs serves a fixed job list.
type fakeJobs struct {
	repositories.SyncJobRepository
	jobs []db.SyncJob
}

func (f *fakeJobs) List(context.Context, repositories.ListOptions) ([]db.SyncJob, int64, error) {
	return f.jobs, int64(len(f.jobs)), nil
}

// fakeLogs serves a fixed log list.
type fakeLogs struct {
	repositories.JobLogRepository
	logs []db.JobLog
}

func (f *fakeLogs) ListSince(context.Context, time.Time) ([]db.JobLog, error) {
	return f.logs, nil
}

// fakeNodes resolves every node id to a fixed name.
type fakeNodes struct {
	repositories.NodeRepository
	names map[uuid.UUID]string
}

func (f *fakeNodes) GetByID(_ context.Context, id uuid.UUID) (*db.Node, error) {
	if name, ok := f.names[id]; ok {
		return &db.Node{Name: name}, nil
	}
	return nil, repositories.ErrNotFound
}

// webhookCapture records every webhook delivery.
type webhookCapture struct {
	mu       sync.Mutex
	payloads []webhookPayload
	headers  []http.Header
}

func (c *webhookCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		c.mu.Lock()
		c.payloads = append(c.payloads, p)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *webhookCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func newTestService(cfg db.NotificationConfig, jobs *fakeJobs, logs *fakeLogs, nodes *fakeNodes) Service {
	if jobs == nil {
		jobs = &fakeJobs{}
	}
	if logs == nil {
		logs = &fakeLogs{}
	}
	if nodes == nil {
		nodes = &fakeNodes{}
	}
	return NewService(Config{
		SettingsRepo: &fakeSettings{cfg: cfg},
		JobRepo:      jobs,
		LogRepo:      logs,
		NodeRepo:     nodes,
		Logger:       zap.NewNop(),
	})
}

func TestScheduledSuccessDedupedPerDay(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	svc := newTestService(db.NotificationConfig{
		NotifyOnSuccess: true,
		WebhookEnabled:  true,
		WebhookURL:      server.URL,
	}, nil, nil, nil)

	ev := JobEvent{
		JobID:     uuid.New(),
		JobName:   "vm-100 nightly",
		Status:    "success",
		Scheduled: true,
	}

	svc.NotifyJobResult(context.Background(), ev)
	svc.NotifyJobResult(context.Background(), ev)
	svc.NotifyJobResult(context.Background(), ev)

	assert.Equal(t, 1, capture.count(), "one success notification per job per day")
}

func TestFailuresNeverDeduped(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	svc := newTestService(db.NotificationConfig{
		NotifyOnFailure: true,
		WebhookEnabled:  true,
		WebhookURL:      server.URL,
	}, nil, nil, nil)

	ev := JobEvent{
		JobID:     uuid.New(),
		JobName:   "vm-100 nightly",
		Status:    "failed",
		Error:     "cannot receive incremental stream",
		Scheduled: true,
	}

	svc.NotifyJobResult(context.Background(), ev)
	svc.NotifyJobResult(context.Background(), ev)

	assert.Equal(t, 2, capture.count(), "every failure notifies")
}

func TestTriggerFlagsGateDelivery(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	// Success trigger off: nothing goes out even with the channel enabled.
	svc := newTestService(db.NotificationConfig{
		NotifyOnSuccess: false,
		NotifyOnFailure: true,
		WebhookEnabled:  true,
		WebhookURL:      server.URL,
	}, nil, nil, nil)

	svc.NotifyJobResult(context.Background(), JobEvent{
		JobID: uuid.New(), JobName: "j", Status: "success",
	})
	assert.Zero(t, capture.count())

	svc.NotifyJobResult(context.Background(), JobEvent{
		JobID: uuid.New(), JobName: "j", Status: "failed", Error: "boom",
	})
	assert.Equal(t, 1, capture.count())
}

func TestManualSuccessNotDeduped(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	svc := newTestService(db.NotificationConfig{
		NotifyOnSuccess: true,
		WebhookEnabled:  true,
		WebhookURL:      server.URL,
	}, nil, nil, nil)

	ev := JobEvent{JobID: uuid.New(), JobName: "adhoc", Status: "success", Scheduled: false}
	svc.NotifyJobResult(context.Background(), ev)
	svc.NotifyJobResult(context.Background(), ev)

	assert.Equal(t, 2, capture.count(), "run-now results are not rate limited")
}

func TestWebhookSignatureHeader(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	svc := newTestService(db.NotificationConfig{
		NotifyOnFailure: true,
		WebhookEnabled:  true,
		WebhookURL:      server.URL,
		WebhookSecret:   db.EncryptedString("topsecret"),
	}, nil, nil, nil)

	svc.NotifyJobResult(context.Background(), JobEvent{
		JobID: uuid.New(), JobName: "j", Status: "failed", Error: "x",
	})

	require.Equal(t, 1, capture.count())
	sig := capture.headers[0].Get("X-Sanoid-Manager-Signature")
	assert.True(t, len(sig) == len("sha256=")+64, "hex HMAC-SHA256 signature expected, got %q", sig)
}

func TestSendDailyDigest(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	srcNode := uuid.New()
	dstNode := uuid.New()
	jobID := uuid.New()
	idleID := uuid.New()

	nightly := db.SyncJob{
		Name:          "vm-100 nightly",
		SourceNodeID:  srcNode,
		SourceDataset: "rpool/data/vm-100-disk-0",
		DestNodeID:    dstNode,
		DestDataset:   "rpool/replica/vm-100-disk-0",
		IsActive:      true,
		LastStatus:    "failed",
	}
	nightly.ID = jobID

	weekly := db.SyncJob{
		Name:          "vm-101 weekly",
		SourceNodeID:  srcNode,
		SourceDataset: "rpool/data/vm-101-disk-0",
		DestNodeID:    dstNode,
		DestDataset:   "rpool/replica/vm-101-disk-0",
		IsActive:      true,
	}
	weekly.ID = idleID

	jobs := &fakeJobs{jobs: []db.SyncJob{
		nightly,
		weekly,
		{Name: "disabled job", IsActive: false},
	}}

	logs := &fakeLogs{logs: []db.JobLog{
		{JobType: "sync", JobID: &jobID, Status: "success", Duration: 120, Transferred: "1.5G"},
		{JobType: "sync", JobID: &jobID, Status: "failed", Duration: 30, Error: "dataset busy"},
	}}

	nodes := &fakeNodes{names: map[uuid.UUID]string{srcNode: "pve1", dstNode: "pve2"}}

	svc := newTestService(db.NotificationConfig{
		WebhookEnabled: true,
		WebhookURL:     server.URL,
	}, jobs, logs, nodes)

	require.NoError(t, svc.SendDailyDigest(context.Background()))
	require.Equal(t, 1, capture.count())

	p := capture.payloads[0]
	assert.Equal(t, "daily_summary", p.Type)
	assert.Contains(t, p.Title, "1 FAILED")
	assert.Contains(t, p.Body, "pve1:rpool/data/vm-100-disk-0 -> pve2:rpool/replica/vm-100-disk-0")
	assert.Contains(t, p.Body, "dataset busy")
	assert.Contains(t, p.Body, "vm-101 weekly")
	assert.NotContains(t, p.Body, "disabled job")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", formatDuration(0))
	assert.Equal(t, "45s", formatDuration(45))
	assert.Equal(t, "2m", formatDuration(120))
	assert.Equal(t, "1h 1s", formatDuration(3601))
	assert.Equal(t, "2h 5m 9s", formatDuration(7509))
}

func TestSplitRecipients(t *testing.T) {
	assert.Equal(t, []string{"a@example.com", "b@example.com"},
		splitRecipients("a@example.com, b@example.com"))
	assert.Nil(t, splitRecipients(" , "))
}
