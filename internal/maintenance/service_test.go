package maintenance

import (
	"context"
	"errors"
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
	"github.com/grandir66/sanoid-manager/internal/sshexec"
	"github.com/grandir66/sanoid-manager/internal/websocket"
)

// fakeProber answers probes per host.
type fakeProber struct {
	reachable map[string]bool
	tools     map[string]string // host -> sanoid version
	results   map[string]sshexec.Result
}

func (f *fakeProber) TestConnection(_ context.Context, t sshexec.Target) (string, error) {
	if f.reachable[t.Host] {
		return t.Host, nil
	}
	return "", errors.New("dial timeout")
}

func (f *fakeProber) CheckTool(_ context.Context, t sshexec.Target, _ string) (bool, string, error) {
	if v, ok := f.tools[t.Host]; ok {
		return true, v, nil
	}
	return false, "", nil
}

func (f *fakeProber) Run(_ context.Context, _ sshexec.Target, command string, _ time.Duration) (sshexec.Result, error) {
	if res, ok := f.results[command]; ok {
		return res, nil
	}
	return sshexec.Result{ExitCode: 1, Stderr: "command not faked"}, nil
}

// fakeNodes serves active nodes and records health updates.
type fakeNodes struct {
	repositories.NodeRepository
	mu     sync.Mutex
	nodes  []db.Node
	health map[uuid.UUID]bool
	sanoid map[uuid.UUID]string
}

func (f *fakeNodes) ListActive(context.Context) ([]db.Node, error) {
	return f.nodes, nil
}

func (f *fakeNodes) UpdateHealth(_ context.Context, id uuid.UUID, online bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health == nil {
		f.health = map[uuid.UUID]bool{}
	}
	f.health[id] = online
	return nil
}

func (f *fakeNodes) UpdateSanoid(_ context.Context, id uuid.UUID, _ bool, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sanoid == nil {
		f.sanoid = map[uuid.UUID]string{}
	}
	f.sanoid[id] = version
	return nil
}

// fakeDatasets records the reconciled rows.
type fakeDatasets struct {
	repositories.DatasetRepository
	mu   sync.Mutex
	rows []db.Dataset
}

func (f *fakeDatasets) ReplaceForNode(_ context.Context, _ uuid.UUID, datasets []db.Dataset) error {
	f.mu.Lock()
	f.rows = datasets
	f.mu.Unlock()
	return nil
}

// fakeNotifier records offline notifications.
type fakeNotifier struct {
	mu      sync.Mutex
	offline []string
}

func (f *fakeNotifier) NotifyJobResult(context.Context, notification.JobEvent) {}
func (f *fakeNotifier) SendDailyDigest(context.Context) error                  { return nil }

func (f *fakeNotifier) NotifyNodeOffline(_ context.Context, _ uuid.UUID, name string) {
	f.mu.Lock()
	f.offline = append(f.offline, name)
	f.mu.Unlock()
}

// fakeHub records published messages.
type fakeHub struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (f *fakeHub) Publish(_ string, msg websocket.Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

// fakeSettings serves nothing so defaults apply.
type fakeSettings struct {
	repositories.SettingsRepository
}

func (f *fakeSettings) GetSystemConfig(context.Context, string) (*db.SystemConfig, error) {
	return nil, repositories.ErrNotFound
}

func node(name, host string, online bool) db.Node {
	n := db.Node{
		Name:       name,
		Hostname:   host,
		SSHPort:    22,
		SSHUser:    "root",
		SSHKeyPath: "/root/.ssh/id_rsa",
		IsActive:   true,
		IsOnline:   online,
	}
	n.ID = uuid.New()
	return n
}

func newService(t *testing.T, nodes *fakeNodes, datasets *fakeDatasets, prober *fakeProber, notifier *fakeNotifier, hub *fakeHub) *Service {
	t.Helper()
	svc, err := New(Config{
		Nodes:    nodes,
		Datasets: datasets,
		Settings: &fakeSettings{},
		Prober:   prober,
		Notifier: notifier,
		Hub:      hub,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return svc
}

func TestPollDetectsOfflineTransition(t *testing.T) {
	wasOnline := node("pve1", "10.0.0.1", true)
	stillDown := node("pve2", "10.0.0.2", false)
	nodes := &fakeNodes{nodes: []db.Node{wasOnline, stillDown}}
	notifier := &fakeNotifier{}
	hub := &fakeHub{}
	prober := &fakeProber{reachable: map[string]bool{}} // nothing answers

	svc := newService(t, nodes, nil, prober, notifier, hub)
	svc.pollNodes()

	assert.Equal(t, []string{"pve1"}, notifier.offline,
		"only the online-to-offline transition notifies")
	assert.False(t, nodes.health[wasOnline.ID])
	assert.False(t, nodes.health[stillDown.ID])

	// Only the transitioning node publishes a status change.
	require.Len(t, hub.msgs, 1)
	assert.Equal(t, websocket.MsgNodeStatus, hub.msgs[0].Type)
}

func TestPollRecordsSanoidVersion(t *testing.T) {
	n := node("pve1", "10.0.0.1", true)
	nodes := &fakeNodes{nodes: []db.Node{n}}
	prober := &fakeProber{
		reachable: map[string]bool{"10.0.0.1": true},
		tools:     map[string]string{"10.0.0.1": "sanoid version 2.2.0"},
	}

	svc := newService(t, nodes, nil, prober, &fakeNotifier{}, &fakeHub{})
	svc.pollNodes()

	assert.True(t, nodes.health[n.ID])
	assert.Equal(t, "sanoid version 2.2.0", nodes.sanoid[n.ID])
}

func TestRefreshDatasetsReconcilesInventory(t *testing.T) {
	n := node("pve1", "10.0.0.1", true)
	datasets := &fakeDatasets{}
	hub := &fakeHub{}
	prober := &fakeProber{
		reachable: map[string]bool{"10.0.0.1": true},
		results: map[string]sshexec.Result{
			"zfs list -H -o name,used,avail,mountpoint -t filesystem,volume": {
				ExitCode: 0,
				Stdout: "rpool/data/vm-100-disk-0\t10G\t500G\t-\n" +
					"rpool/data/subvol-200-disk-0\t2G\t500G\t/rpool/data/subvol-200-disk-0\n",
			},
			"zfs list -H -t snapshot -o name,used,creation -s creation": {
				ExitCode: 0,
				Stdout: "rpool/data/vm-100-disk-0@autosnap_1\t1M\tWed Mar  4 01:00 2026\n" +
					"rpool/data/vm-100-disk-0@autosnap_2\t1M\tThu Mar  5 01:00 2026\n",
			},
		},
	}

	svc := newService(t, &fakeNodes{nodes: []db.Node{n}}, datasets, prober, &fakeNotifier{}, hub)

	count, err := svc.RefreshDatasets(context.Background(), &n)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Len(t, datasets.rows, 2)
	vol := datasets.rows[0]
	assert.Equal(t, "rpool/data/vm-100-disk-0", vol.Name)
	assert.Equal(t, 2, vol.SnapshotCount)
	require.NotNil(t, vol.LastSnapshotAt)
	assert.Equal(t, 5, vol.LastSnapshotAt.Day())
	assert.Empty(t, vol.Mountpoint)

	subvol := datasets.rows[1]
	assert.Zero(t, subvol.SnapshotCount)
	assert.Nil(t, subvol.LastSnapshotAt)

	require.Len(t, hub.msgs, 1)
	assert.Equal(t, websocket.MsgDatasetRefresh, hub.msgs[0].Type)
}
