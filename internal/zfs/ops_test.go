package zfs

import (
	"context"
	"testing"
	"time"

	"github.com/grandir66/sanoid-manager/internal/sshexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner replays canned results keyed by command and records what ran.
type fakeRunner struct {
	results  map[string]sshexec.Result
	commands []string
}

func (f *fakeRunner) Run(_ context.Context, _ sshexec.Target, command string, _ time.Duration) (sshexec.Result, error) {
	f.commands = append(f.commands, command)
	if res, ok := f.results[command]; ok {
		return res, nil
	}
	return sshexec.Result{ExitCode: 1, Stderr: "unexpected command"}, nil
}

var testTarget = sshexec.Target{Host: "pve1", Port: 22, User: "root", KeyPath: "/root/.ssh/id_rsa"}

func TestListDatasets(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"zfs list -H -o name,used,avail,mountpoint -t filesystem,volume": {
			Stdout: "rpool\t1.2T\t800G\t/rpool\n" +
				"rpool/data\t900G\t800G\t/rpool/data\n" +
				"rpool/data/vm-100-disk-0\t32G\t800G\t-\n" +
				"broken line without tabs\n",
		},
	}}

	datasets, err := NewOps(runner).ListDatasets(context.Background(), testTarget)
	require.NoError(t, err)
	require.Len(t, datasets, 3)

	assert.Equal(t, "rpool", datasets[0].Name)
	assert.Equal(t, "/rpool", datasets[0].Mountpoint)

	// Volumes report "-" for mountpoint, which maps to empty.
	assert.Equal(t, "rpool/data/vm-100-disk-0", datasets[2].Name)
	assert.Empty(t, datasets[2].Mountpoint)
	assert.Equal(t, "32G", datasets[2].Used)
}

func TestListDatasetsCommandFails(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"zfs list -H -o name,used,avail,mountpoint -t filesystem,volume": {
			ExitCode: 1,
			Stderr:   "permission denied",
		},
	}}

	_, err := NewOps(runner).ListDatasets(context.Background(), testTarget)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestListSnapshots(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"zfs list -H -t snapshot -o name,used,creation -s creation -r rpool/data": {
			Stdout: "rpool/data@autosnap_2026-08-23_00:00:01_daily\t1.1M\tSat Aug 23  0:00 2026\n" +
				"rpool/data@autosnap_2026-08-24_00:00:02_daily\t0B\tSun Aug 24  0:00 2026\n",
		},
	}}

	snaps, err := NewOps(runner).ListSnapshots(context.Background(), testTarget, "rpool/data")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	assert.Equal(t, "rpool/data", snaps[0].Dataset)
	assert.Equal(t, "autosnap_2026-08-23_00:00:01_daily", snaps[0].Name)
	assert.Equal(t, "rpool/data@autosnap_2026-08-23_00:00:01_daily", snaps[0].FullName)
}

func TestCreateSnapshotRecursive(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"zfs snapshot -r rpool/data@manual-20260824": {},
	}}

	err := NewOps(runner).CreateSnapshot(context.Background(), testTarget, "rpool/data", "manual-20260824", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"zfs snapshot -r rpool/data@manual-20260824"}, runner.commands)
}

func TestDestroySnapshotRefusesDatasetName(t *testing.T) {
	runner := &fakeRunner{}

	err := NewOps(runner).DestroySnapshot(context.Background(), testTarget, "rpool/data")
	require.Error(t, err)
	assert.Empty(t, runner.commands, "no command must reach the node")
}

func TestDatasetExists(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"zfs list -H -o name rpool/replica 2>/dev/null": {Stdout: "rpool/replica\n"},
		"zfs list -H -o name rpool/missing 2>/dev/null": {ExitCode: 1},
	}}
	ops := NewOps(runner)

	exists, err := ops.DatasetExists(context.Background(), testTarget, "rpool/replica")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = ops.DatasetExists(context.Background(), testTarget, "rpool/missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCommonSnapshot(t *testing.T) {
	src := sshexec.Target{Host: "pve1", Port: 22, User: "root"}
	dst := sshexec.Target{Host: "pve2", Port: 22, User: "root"}

	runner := &fakeRunner{results: map[string]sshexec.Result{
		"zfs list -H -t snapshot -o name -s creation rpool/data/vm-100-disk-0": {
			Stdout: "rpool/data/vm-100-disk-0@snap1\n" +
				"rpool/data/vm-100-disk-0@snap2\n" +
				"rpool/data/vm-100-disk-0@snap3\n",
		},
		"zfs list -H -t snapshot -o name -s creation rpool/replica/vm-100-disk-0": {
			Stdout: "rpool/replica/vm-100-disk-0@snap1\n" +
				"rpool/replica/vm-100-disk-0@snap2\n" +
				"rpool/replica/vm-100-disk-0@stale-local\n",
		},
	}}

	common, err := NewOps(runner).CommonSnapshot(context.Background(),
		src, "rpool/data/vm-100-disk-0", dst, "rpool/replica/vm-100-disk-0")
	require.NoError(t, err)
	assert.Equal(t, "snap2", common, "newest snapshot present on both sides")
}

func TestCommonSnapshotNoOverlap(t *testing.T) {
	src := sshexec.Target{Host: "pve1", Port: 22, User: "root"}
	dst := sshexec.Target{Host: "pve2", Port: 22, User: "root"}

	runner := &fakeRunner{results: map[string]sshexec.Result{
		"zfs list -H -t snapshot -o name -s creation a": {Stdout: "a@x\n"},
		"zfs list -H -t snapshot -o name -s creation b": {Stdout: "b@y\n"},
	}}

	common, err := NewOps(runner).CommonSnapshot(context.Background(), src, "a", dst, "b")
	require.NoError(t, err)
	assert.Empty(t, common)
}
