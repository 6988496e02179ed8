// Package proxmox drives the Proxmox VE command line (qm, pct, pvesm, pvesh)
// on managed nodes over SSH. Its main job is materializing a replicated guest
// on the destination node: verifying the target id is free, making sure a
// ZFS storage exists for the replica datasets, rewriting the storage tags in
// the guest config and writing it under /etc/pve.
package proxmox

import (
	"fmt"
	"regexp"
)

// GuestKind distinguishes QEMU virtual machines from LXC containers. The two
// use different tools, config directories and disk syntax throughout.
type GuestKind string

const (
	GuestQEMU GuestKind = "qemu"
	GuestLXC  GuestKind = "lxc"
)

// Valid reports whether the kind is one of the two known values.
func (k GuestKind) Valid() bool {
	return k == GuestQEMU || k == GuestLXC
}

// CLI returns the management tool for the kind.
func (k GuestKind) CLI() string {
	if k == GuestLXC {
		return "pct"
	}
	return "qm"
}

// ConfigPath returns the path of the guest config file under the clustered
// /etc/pve filesystem.
func (k GuestKind) ConfigPath(vmid int) string {
	if k == GuestLXC {
		return fmt.Sprintf("/etc/pve/lxc/%d.conf", vmid)
	}
	return fmt.Sprintf("/etc/pve/qemu-server/%d.conf", vmid)
}

// Disk config lines look like:
//
//	scsi0: local-zfs:vm-100-disk-0,size=32G          (qemu)
//	mp0: local-zfs:subvol-100-disk-0,mp=/mnt,size=8G (lxc)
var (
	qemuDiskPattern = regexp.MustCompile(`((?:scsi|sata|virtio|ide)\d+):\s*(\S+?):(\S+?)(?:,|$)`)
	lxcDiskPattern  = regexp.MustCompile(`((?:rootfs|mp)\d*):\s*(\S+?):(\S+?)(?:,|$)`)
)

// diskPattern returns the config-line pattern matching the kind's disk keys.
func (k GuestKind) diskPattern() *regexp.Regexp {
	if k == GuestLXC {
		return lxcDiskPattern
	}
	return qemuDiskPattern
}

// Guest is one entry of the combined qm/pct listing.
type Guest struct {
	VMID   int
	Name   string
	Status string
	Kind   GuestKind
}

// Disk is one storage-backed disk of a guest, resolved to its ZFS dataset
// when the backing storage is a zfspool.
type Disk struct {
	Name      string // config key: scsi0, virtio1, rootfs, mp0
	Storage   string // storage id, e.g. local-zfs
	Volume    string // volume name, e.g. vm-100-disk-0
	Dataset   string // resolved ZFS dataset, empty for non-ZFS storage
	SizeBytes int64
}
