package proxmox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grandir66/sanoid-manager/internal/sshexec"
)

// ErrGuestExists is returned by RegisterGuest when the target guest id is
// already in use on the destination node. Registration never overwrites a
// live guest.
var ErrGuestExists = errors.New("guest id already in use")

// ErrGuestRunning is returned by UnregisterGuest when the guest is still
// running. It must be stopped before its config can be removed.
var ErrGuestRunning = errors.New("guest is running")

// Runner is the slice of the sshexec pool this package needs.
type Runner interface {
	Run(ctx context.Context, t sshexec.Target, command string, timeout time.Duration) (sshexec.Result, error)
}

const commandTimeout = 30 * time.Second

// Ops issues Proxmox commands over a pooled SSH connection.
type Ops struct {
	runner Runner
}

// NewOps returns an Ops backed by the given runner.
func NewOps(runner Runner) *Ops {
	return &Ops{runner: runner}
}

// ListGuests returns all QEMU VMs and LXC containers on the node. A node
// without one of the tools (no containers configured) contributes an empty
// half rather than an error.
func (o *Ops) ListGuests(ctx context.Context, t sshexec.Target) ([]Guest, error) {
	var guests []Guest

	res, err := o.runner.Run(ctx, t, "qm list 2>/dev/null | tail -n +2", commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("proxmox: list vms: %w", err)
	}
	if res.OK() {
		guests = append(guests, parseQMList(res.Stdout)...)
	}

	res, err = o.runner.Run(ctx, t, "pct list 2>/dev/null | tail -n +2", commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("proxmox: list containers: %w", err)
	}
	if res.OK() {
		guests = append(guests, parsePCTList(res.Stdout)...)
	}

	return guests, nil
}

// GuestConfigFile reads the raw config file of a guest. This is the content
// replicated to the destination on registration, not the qm/pct rendering,
// so pending changes and unknown keys survive the copy byte for byte.
func (o *Ops) GuestConfigFile(ctx context.Context, t sshexec.Target, kind GuestKind, vmid int) (string, error) {
	res, err := o.runner.Run(ctx, t, "cat "+kind.ConfigPath(vmid), commandTimeout)
	if err != nil {
		return "", fmt.Errorf("proxmox: read config of %s %d: %w", kind, vmid, err)
	}
	if !res.OK() {
		return "", fmt.Errorf("proxmox: read config of %s %d failed: %s", kind, vmid, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// Disks returns the storage-backed disks of a guest with their ZFS datasets
// resolved via pvesm. CD-ROMs and cloud-init volumes are skipped.
func (o *Ops) Disks(ctx context.Context, t sshexec.Target, kind GuestKind, vmid int) ([]Disk, error) {
	res, err := o.runner.Run(ctx, t, fmt.Sprintf("%s config %d", kind.CLI(), vmid), commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("proxmox: config of %s %d: %w", kind, vmid, err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("proxmox: config of %s %d failed: %s", kind, vmid, strings.TrimSpace(res.Stderr))
	}

	var disks []Disk
	for _, m := range kind.diskPattern().FindAllStringSubmatch(res.Stdout, -1) {
		name, storage, volume := m[1], m[2], m[3]

		lower := strings.ToLower(volume)
		if strings.Contains(lower, "cloudinit") || strings.Contains(lower, "none") {
			continue
		}

		disk := Disk{Name: name, Storage: storage, Volume: volume}

		pathRes, err := o.runner.Run(ctx, t,
			fmt.Sprintf("pvesm path %s:%s 2>/dev/null", storage, volume), commandTimeout)
		if err != nil {
			return nil, fmt.Errorf("proxmox: resolve %s:%s: %w", storage, volume, err)
		}
		if pathRes.OK() {
			disk.Dataset = datasetFromPath(strings.TrimSpace(pathRes.Stdout))
		}

		if disk.Dataset != "" {
			sizeRes, err := o.runner.Run(ctx, t,
				fmt.Sprintf("zfs get -Hp -o value used,volsize,referenced %s 2>/dev/null | head -1", disk.Dataset),
				commandTimeout)
			if err != nil {
				return nil, fmt.Errorf("proxmox: size of %s: %w", disk.Dataset, err)
			}
			// The trailing head -1 exits 0 even when zfs get fails, so an
			// OK result can still carry empty output.
			if fields := strings.Fields(sizeRes.Stdout); sizeRes.OK() && len(fields) > 0 {
				if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
					disk.SizeBytes = n
				}
			}
		}

		disks = append(disks, disk)
	}
	return disks, nil
}

// EnsureZFSStorage makes sure a zfspool storage pointing at the given pool or
// dataset exists on the node, creating it when missing. Creation is
// idempotent: a storage that appeared concurrently counts as success.
func (o *Ops) EnsureZFSStorage(ctx context.Context, t sshexec.Target, storageName, zfsPool string) error {
	res, err := o.runner.Run(ctx, t,
		fmt.Sprintf("pvesm status -storage %s 2>/dev/null", storageName), commandTimeout)
	if err != nil {
		return fmt.Errorf("proxmox: storage status %s: %w", storageName, err)
	}
	if res.OK() && strings.Contains(res.Stdout, storageName) {
		return nil
	}

	res, err = o.runner.Run(ctx, t,
		fmt.Sprintf("pvesm add zfspool %s --pool %s --content images,rootdir --sparse 1", storageName, zfsPool),
		commandTimeout)
	if err != nil {
		return fmt.Errorf("proxmox: create storage %s: %w", storageName, err)
	}
	if !res.OK() && !strings.Contains(res.Stderr, "already exists") {
		return fmt.Errorf("proxmox: create storage %s failed: %s", storageName, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RegisterParams carries everything RegisterGuest needs.
type RegisterParams struct {
	Kind   GuestKind
	VMID   int    // guest id on the destination
	Config string // raw config content from the source node

	// Storage tag rewrite: occurrences of "SourceStorage:" in the config
	// become "DestStorage:". Empty or equal values skip the rewrite.
	SourceStorage string
	DestStorage   string

	// When DestZFSPool is set the destination storage is created on demand.
	DestZFSPool string
}

// RegisterGuest materializes a replicated guest on the destination node. The
// target id must be free (ErrGuestExists otherwise), the storage is ensured,
// the config is rewritten and written under /etc/pve, and the registration is
// verified through the guest tool.
func (o *Ops) RegisterGuest(ctx context.Context, t sshexec.Target, p RegisterParams) error {
	res, err := o.runner.Run(ctx, t,
		fmt.Sprintf("qm status %d 2>/dev/null || pct status %d 2>/dev/null", p.VMID, p.VMID),
		commandTimeout)
	if err != nil {
		return fmt.Errorf("proxmox: register %d status check: %w", p.VMID, err)
	}
	if res.OK() && strings.Contains(res.Stdout, "status:") {
		return fmt.Errorf("proxmox: register %d: %w", p.VMID, ErrGuestExists)
	}

	if p.DestStorage != "" && p.DestZFSPool != "" {
		if err := o.EnsureZFSStorage(ctx, t, p.DestStorage, p.DestZFSPool); err != nil {
			return err
		}
	}

	config := RewriteStorageTags(p.Config, p.SourceStorage, p.DestStorage)
	configPath := p.Kind.ConfigPath(p.VMID)

	write := fmt.Sprintf(`mkdir -p $(dirname %s)
cat > %s << 'VMCONF_EOF'
%s
VMCONF_EOF
echo "Configuration created"`, configPath, configPath, strings.TrimRight(config, "\n"))

	res, err = o.runner.Run(ctx, t, write, commandTimeout)
	if err != nil {
		return fmt.Errorf("proxmox: register %d write config: %w", p.VMID, err)
	}
	if !res.OK() {
		return fmt.Errorf("proxmox: register %d write config failed: %s", p.VMID, strings.TrimSpace(res.Stderr))
	}

	res, err = o.runner.Run(ctx, t,
		fmt.Sprintf("%s status %d", p.Kind.CLI(), p.VMID), commandTimeout)
	if err != nil {
		return fmt.Errorf("proxmox: register %d verify: %w", p.VMID, err)
	}
	if !res.OK() {
		return fmt.Errorf("proxmox: register %d verify failed: %s", p.VMID, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// UnregisterGuest removes a guest's registration without touching its data.
// The guest must be stopped; a running guest returns ErrGuestRunning.
func (o *Ops) UnregisterGuest(ctx context.Context, t sshexec.Target, kind GuestKind, vmid int) error {
	res, err := o.runner.Run(ctx, t,
		fmt.Sprintf("%s status %d", kind.CLI(), vmid), commandTimeout)
	if err != nil {
		return fmt.Errorf("proxmox: unregister %d status: %w", vmid, err)
	}
	if strings.Contains(res.Stdout, "running") {
		return fmt.Errorf("proxmox: unregister %d: %w", vmid, ErrGuestRunning)
	}

	res, err = o.runner.Run(ctx, t, "rm -f "+kind.ConfigPath(vmid), commandTimeout)
	if err != nil {
		return fmt.Errorf("proxmox: unregister %d: %w", vmid, err)
	}
	if !res.OK() {
		return fmt.Errorf("proxmox: unregister %d failed: %s", vmid, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// NextVMID returns the next free guest id on the cluster, asking pvesh first
// and scanning the local listings as a fallback.
func (o *Ops) NextVMID(ctx context.Context, t sshexec.Target) (int, error) {
	res, err := o.runner.Run(ctx, t, "pvesh get /cluster/nextid", commandTimeout)
	if err != nil {
		return 0, fmt.Errorf("proxmox: next vmid: %w", err)
	}
	if res.OK() {
		if id, err := strconv.Atoi(strings.TrimSpace(res.Stdout)); err == nil {
			return id, nil
		}
	}

	res, err = o.runner.Run(ctx, t,
		"(qm list 2>/dev/null; pct list 2>/dev/null) | awk '{print $1}' | sort -n | tail -1",
		commandTimeout)
	if err != nil {
		return 0, fmt.Errorf("proxmox: next vmid fallback: %w", err)
	}
	if res.OK() {
		if id, err := strconv.Atoi(strings.TrimSpace(res.Stdout)); err == nil {
			return id + 1, nil
		}
	}

	return 100, nil
}

// RewriteStorageTags replaces "source:" storage prefixes with "dest:" in a
// guest config. The replacement is a literal prefix substitution so every
// other part of the config, including lines and options the manager does not
// understand, passes through unchanged.
func RewriteStorageTags(config, source, dest string) string {
	if source == "" || dest == "" || source == dest {
		return config
	}
	return strings.ReplaceAll(config, source+":", dest+":")
}

// datasetFromPath maps a pvesm path to the ZFS dataset backing it. zvols show
// up under /dev/zvol/, LXC subvolumes as plain mounted paths.
func datasetFromPath(path string) string {
	switch {
	case path == "":
		return ""
	case strings.HasPrefix(path, "/dev/zvol/"):
		return strings.TrimPrefix(path, "/dev/zvol/")
	case strings.HasPrefix(path, "/"):
		return strings.TrimPrefix(path, "/")
	default:
		return ""
	}
}

// parseQMList parses headerless qm list output:
//
//	VMID NAME STATUS MEM(MB) BOOTDISK(GB) PID
func parseQMList(out string) []Guest {
	var guests []Guest
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		vmid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		guests = append(guests, Guest{
			VMID:   vmid,
			Name:   fields[1],
			Status: fields[2],
			Kind:   GuestQEMU,
		})
	}
	return guests
}

// parsePCTList parses headerless pct list output:
//
//	VMID STATUS LOCK NAME
func parsePCTList(out string) []Guest {
	var guests []Guest
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		vmid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		g := Guest{
			VMID:   vmid,
			Status: fields[1],
			Kind:   GuestLXC,
		}
		if len(fields) >= 4 {
			g.Name = fields[3]
		} else {
			g.Name = "CT" + fields[0]
		}
		guests = append(guests, g)
	}
	return guests
}
