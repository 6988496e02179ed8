package syncoid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCommandPush(t *testing.T) {
	// The common case: syncoid runs on the source node, the source dataset
	// is local to it and the destination is remote.
	cmd := BuildCommand(
		Endpoint{Dataset: "rpool/data/vm-100-disk-0"},
		Endpoint{
			Host:    "192.168.1.101",
			Dataset: "rpool/replica/vm-100-disk-0",
			User:    "root",
			Port:    22,
			KeyPath: "/root/.ssh/id_rsa",
		},
		Options{Compress: "lz4", MbufferSize: "128M"},
	)

	assert.Equal(t,
		"syncoid --compress=lz4 --mbuffer-size=128M --sshkey=/root/.ssh/id_rsa "+
			"rpool/data/vm-100-disk-0 root@192.168.1.101:rpool/replica/vm-100-disk-0",
		cmd)
}

func TestBuildCommandAllOptions(t *testing.T) {
	cmd := BuildCommand(
		Endpoint{Dataset: "tank/vm"},
		Endpoint{Host: "pve2", Dataset: "tank/replica", User: "root", Port: 2222, KeyPath: "/root/.ssh/backup"},
		Options{
			Recursive:   true,
			Compress:    "zstd",
			MbufferSize: "256M",
			NoSyncSnap:  true,
			ForceDelete: true,
			ExtraArgs:   "--identifier=nightly",
		},
	)

	assert.Equal(t,
		"syncoid --recursive --compress=zstd --mbuffer-size=256M --no-sync-snap "+
			"--force-delete --sshkey=/root/.ssh/backup --sshport=2222 --identifier=nightly "+
			"tank/vm root@pve2:tank/replica",
		cmd)
}

func TestBuildCommandCompressNone(t *testing.T) {
	cmd := BuildCommand(
		Endpoint{Dataset: "tank/a"},
		Endpoint{Dataset: "tank/b"},
		Options{Compress: "none", MbufferSize: "128M"},
	)

	assert.NotContains(t, cmd, "--compress")
	assert.Equal(t, "syncoid --mbuffer-size=128M tank/a tank/b", cmd)
}

func TestBuildCommandDefaultPortOmitted(t *testing.T) {
	cmd := BuildCommand(
		Endpoint{Dataset: "tank/a"},
		Endpoint{Host: "pve2", Dataset: "tank/b", User: "root", Port: 22, KeyPath: "/root/.ssh/id_rsa"},
		Options{},
	)

	assert.NotContains(t, cmd, "--sshport")
}

func TestBuildCommandPull(t *testing.T) {
	// Remote source, local destination: the source's SSH options apply.
	cmd := BuildCommand(
		Endpoint{Host: "pve1", Dataset: "tank/a", User: "root", Port: 2201, KeyPath: "/root/.ssh/pull"},
		Endpoint{Dataset: "tank/b"},
		Options{},
	)

	assert.Equal(t, "syncoid --sshkey=/root/.ssh/pull --sshport=2201 root@pve1:tank/a tank/b", cmd)
}

func TestBuildCommandRemoteToRemoteDestWins(t *testing.T) {
	// When both sides are remote syncoid accepts one set of SSH options;
	// the destination's apply.
	cmd := BuildCommand(
		Endpoint{Host: "pve1", Dataset: "tank/a", User: "root", Port: 2201, KeyPath: "/root/.ssh/src"},
		Endpoint{Host: "pve2", Dataset: "tank/b", User: "root", Port: 2202, KeyPath: "/root/.ssh/dst"},
		Options{},
	)

	assert.Contains(t, cmd, "--sshkey=/root/.ssh/dst")
	assert.Contains(t, cmd, "--sshport=2202")
	assert.NotContains(t, cmd, "/root/.ssh/src")
}

func TestParseTransferred(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"transferred", "INFO: 1.5G transferred in 42 seconds", "1.5G"},
		{"sent", "sent 980MiB  bytes/sec", "980MiB"},
		{"total", "2.3T total estimated size", "2.3T"},
		{"case insensitive", "SENT 14K over the wire", "14K"},
		{"first pattern wins", "sent 1G\n2G transferred", "2G"},
		{"no size", "INFO: Sending oldest full snapshot", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTransferred(tt.output))
		})
	}
}
