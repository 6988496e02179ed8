package proxmox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/grandir66/sanoid-manager/internal/sshexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner replays canned results keyed by command prefix and records the
// commands that ran.
type fakeRunner struct {
	results  map[string]sshexec.Result
	commands []string
}

func (f *fakeRunner) Run(_ context.Context, _ sshexec.Target, command string, _ time.Duration) (sshexec.Result, error) {
	f.commands = append(f.commands, command)
	if res, ok := f.results[command]; ok {
		return res, nil
	}
	for prefix, res := range f.results {
		if strings.HasPrefix(command, prefix) {
			return res, nil
		}
	}
	return sshexec.Result{ExitCode: 1, Stderr: "unexpected command"}, nil
}

var testTarget = sshexec.Target{Host: "pve2", Port: 22, User: "root", KeyPath: "/root/.ssh/id_rsa"}

func TestGuestKind(t *testing.T) {
	assert.Equal(t, "qm", GuestQEMU.CLI())
	assert.Equal(t, "pct", GuestLXC.CLI())
	assert.Equal(t, "/etc/pve/qemu-server/100.conf", GuestQEMU.ConfigPath(100))
	assert.Equal(t, "/etc/pve/lxc/205.conf", GuestLXC.ConfigPath(205))
	assert.True(t, GuestQEMU.Valid())
	assert.False(t, GuestKind("openvz").Valid())
}

func TestListGuests(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"qm list": {Stdout: "     100 web-server       running    4096              32.00 1234\n" +
			"     101 db-server        stopped    8192              64.00 0\n"},
		"pct list": {Stdout: "205 running          ct-proxy\n" +
			"206 stopped\n"},
	}}

	guests, err := NewOps(runner).ListGuests(context.Background(), testTarget)
	require.NoError(t, err)
	require.Len(t, guests, 4)

	assert.Equal(t, Guest{VMID: 100, Name: "web-server", Status: "running", Kind: GuestQEMU}, guests[0])
	assert.Equal(t, Guest{VMID: 205, Name: "ct-proxy", Status: "running", Kind: GuestLXC}, guests[2])
	// Containers without a name column get a synthetic one.
	assert.Equal(t, "CT206", guests[3].Name)
}

func TestDisks(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"qm config 100": {Stdout: "boot: order=scsi0\n" +
			"scsi0: local-zfs:vm-100-disk-0,size=32G\n" +
			"scsi1: local-zfs:vm-100-disk-1,size=100G\n" +
			"ide2: local-zfs:vm-100-cloudinit,media=cdrom\n" +
			"net0: virtio=AA:BB:CC:DD:EE:FF,bridge=vmbr0\n"},
		"pvesm path local-zfs:vm-100-disk-0":                                    {Stdout: "/dev/zvol/rpool/data/vm-100-disk-0\n"},
		"pvesm path local-zfs:vm-100-disk-1":                                    {Stdout: "/dev/zvol/rpool/data/vm-100-disk-1\n"},
		"zfs get -Hp -o value used,volsize,referenced rpool/data/vm-100-disk-0": {Stdout: "34359738368\n"},
		"zfs get -Hp -o value used,volsize,referenced rpool/data/vm-100-disk-1": {Stdout: "107374182400\n"},
	}}

	disks, err := NewOps(runner).Disks(context.Background(), testTarget, GuestQEMU, 100)
	require.NoError(t, err)
	require.Len(t, disks, 2, "cloudinit volume must be skipped")

	assert.Equal(t, "scsi0", disks[0].Name)
	assert.Equal(t, "local-zfs", disks[0].Storage)
	assert.Equal(t, "rpool/data/vm-100-disk-0", disks[0].Dataset)
	assert.Equal(t, int64(34359738368), disks[0].SizeBytes)
}

func TestDisksLXCSubvolume(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"pct config 205": {Stdout: "arch: amd64\n" +
			"rootfs: local-zfs:subvol-205-disk-0,size=8G\n"},
		"pvesm path local-zfs:subvol-205-disk-0":                                    {Stdout: "/rpool/data/subvol-205-disk-0\n"},
		"zfs get -Hp -o value used,volsize,referenced rpool/data/subvol-205-disk-0": {Stdout: "1073741824\n"},
	}}

	disks, err := NewOps(runner).Disks(context.Background(), testTarget, GuestLXC, 205)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.Equal(t, "rootfs", disks[0].Name)
	assert.Equal(t, "rpool/data/subvol-205-disk-0", disks[0].Dataset)
}

func TestDisksSizeQueryEmptyOutput(t *testing.T) {
	// The size pipeline ends in head -1 and exits 0 even when zfs get
	// fails, e.g. when the dataset vanished after path resolution.
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"qm config 100":                      {Stdout: "scsi0: local-zfs:vm-100-disk-0,size=32G\n"},
		"pvesm path local-zfs:vm-100-disk-0": {Stdout: "/dev/zvol/rpool/data/vm-100-disk-0\n"},
		"zfs get":                            {ExitCode: 0, Stdout: ""},
	}}

	disks, err := NewOps(runner).Disks(context.Background(), testTarget, GuestQEMU, 100)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.Equal(t, "rpool/data/vm-100-disk-0", disks[0].Dataset)
	assert.Zero(t, disks[0].SizeBytes)
}

func TestRegisterGuestRefusesExistingID(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"qm status 100": {Stdout: "status: stopped\n"},
	}}

	err := NewOps(runner).RegisterGuest(context.Background(), testTarget, RegisterParams{
		Kind:   GuestQEMU,
		VMID:   100,
		Config: "scsi0: local-zfs:vm-100-disk-0,size=32G\n",
	})
	require.ErrorIs(t, err, ErrGuestExists)

	// Nothing beyond the status check must run.
	require.Len(t, runner.commands, 1)
}

func TestRegisterGuestWritesRewrittenConfig(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"qm status 100 2>/dev/null || pct status 100 2>/dev/null": {ExitCode: 1},
		"pvesm status -storage replica-zfs":                       {Stdout: "replica-zfs zfspool active\n"},
		"mkdir -p":                                                {Stdout: "Configuration created\n"},
		"qm status 100":                                           {Stdout: "status: stopped\n"},
	}}

	err := NewOps(runner).RegisterGuest(context.Background(), testTarget, RegisterParams{
		Kind:          GuestQEMU,
		VMID:          100,
		Config:        "scsi0: local-zfs:vm-100-disk-0,size=32G\nmemory: 4096\n",
		SourceStorage: "local-zfs",
		DestStorage:   "replica-zfs",
		DestZFSPool:   "rpool/replica",
	})
	require.NoError(t, err)

	var writeCmd string
	for _, cmd := range runner.commands {
		if strings.HasPrefix(cmd, "mkdir -p") {
			writeCmd = cmd
		}
	}
	require.NotEmpty(t, writeCmd)
	assert.Contains(t, writeCmd, "replica-zfs:vm-100-disk-0")
	assert.NotContains(t, writeCmd, "local-zfs:vm-100-disk-0")
	// Lines without storage tags pass through untouched.
	assert.Contains(t, writeCmd, "memory: 4096")
	assert.Contains(t, writeCmd, "/etc/pve/qemu-server/100.conf")
}

func TestUnregisterGuestRefusesRunning(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"qm status 100": {Stdout: "status: running\n"},
	}}

	err := NewOps(runner).UnregisterGuest(context.Background(), testTarget, GuestQEMU, 100)
	require.ErrorIs(t, err, ErrGuestRunning)
}

func TestNextVMID(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"pvesh get /cluster/nextid": {Stdout: "112\n"},
	}}

	id, err := NewOps(runner).NextVMID(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, 112, id)
}

func TestNextVMIDFallback(t *testing.T) {
	runner := &fakeRunner{results: map[string]sshexec.Result{
		"pvesh get /cluster/nextid": {ExitCode: 255, Stderr: "no cluster"},
		"(qm list":                  {Stdout: "205\n"},
	}}

	id, err := NewOps(runner).NextVMID(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, 206, id)
}

func TestRewriteStorageTags(t *testing.T) {
	config := "scsi0: local-zfs:vm-100-disk-0,size=32G\n" +
		"scsi1: other-storage:vm-100-disk-1,size=8G\n" +
		"description: keep local-zfs mentioned in prose? no colon, no rewrite\n"

	out := RewriteStorageTags(config, "local-zfs", "replica-zfs")
	assert.Contains(t, out, "replica-zfs:vm-100-disk-0")
	assert.Contains(t, out, "other-storage:vm-100-disk-1")

	// No-op cases.
	assert.Equal(t, config, RewriteStorageTags(config, "", "replica-zfs"))
	assert.Equal(t, config, RewriteStorageTags(config, "local-zfs", "local-zfs"))
}

func TestDatasetFromPath(t *testing.T) {
	assert.Equal(t, "rpool/data/vm-100-disk-0", datasetFromPath("/dev/zvol/rpool/data/vm-100-disk-0"))
	assert.Equal(t, "rpool/data/subvol-205-disk-0", datasetFromPath("/rpool/data/subvol-205-disk-0"))
	assert.Empty(t, datasetFromPath(""))
}
