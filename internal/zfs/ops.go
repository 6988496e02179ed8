// Package zfs wraps the zfs command line on remote nodes. All functions take
// an sshexec target and issue tab-separated listings (-H) so parsing does not
// depend on column widths or the remote locale.
package zfs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandir66/sanoid-manager/internal/sshexec"
)

// Runner is the slice of the sshexec pool this package needs. Satisfied by
// *sshexec.Pool; tests substitute a recorder.
type Runner interface {
	Run(ctx context.Context, t sshexec.Target, command string, timeout time.Duration) (sshexec.Result, error)
}

// commandTimeout bounds the quick listing commands. Replication itself does
// not go through this package.
const commandTimeout = 30 * time.Second

// Dataset is one row of a zfs list.
type Dataset struct {
	Name       string
	Used       string
	Available  string
	Mountpoint string // empty when the dataset has no mountpoint ("-")
}

// Snapshot is one row of a zfs snapshot listing.
type Snapshot struct {
	FullName string // dataset@snapshot
	Dataset  string
	Name     string // the part after "@"
	Used     string
	Creation string
}

// Ops issues zfs commands over a pooled SSH connection.
type Ops struct {
	runner Runner
}

// NewOps returns an Ops backed by the given runner.
func NewOps(runner Runner) *Ops {
	return &Ops{runner: runner}
}

// ListDatasets returns every filesystem and volume on the node.
func (o *Ops) ListDatasets(ctx context.Context, t sshexec.Target) ([]Dataset, error) {
	res, err := o.runner.Run(ctx, t,
		"zfs list -H -o name,used,avail,mountpoint -t filesystem,volume", commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("zfs: list datasets: %w", err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("zfs: list datasets failed: %s", strings.TrimSpace(res.Stderr))
	}
	return parseDatasets(res.Stdout), nil
}

// ListSnapshots returns snapshots ordered by creation time, oldest first.
// With a dataset the listing recurses below it; without, it covers the pool.
func (o *Ops) ListSnapshots(ctx context.Context, t sshexec.Target, dataset string) ([]Snapshot, error) {
	cmd := "zfs list -H -t snapshot -o name,used,creation -s creation"
	if dataset != "" {
		cmd += " -r " + dataset
	}
	res, err := o.runner.Run(ctx, t, cmd, commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("zfs: list snapshots: %w", err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("zfs: list snapshots failed: %s", strings.TrimSpace(res.Stderr))
	}
	return parseSnapshots(res.Stdout), nil
}

// CreateSnapshot takes a snapshot of the dataset, optionally recursing into
// children.
func (o *Ops) CreateSnapshot(ctx context.Context, t sshexec.Target, dataset, name string, recursive bool) error {
	cmd := "zfs snapshot "
	if recursive {
		cmd += "-r "
	}
	cmd += dataset + "@" + name

	res, err := o.runner.Run(ctx, t, cmd, commandTimeout)
	if err != nil {
		return fmt.Errorf("zfs: create snapshot: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("zfs: create snapshot %s@%s failed: %s", dataset, name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// DestroySnapshot removes a snapshot by its full dataset@name form. The
// argument must contain "@" so a malformed name can never destroy a dataset.
func (o *Ops) DestroySnapshot(ctx context.Context, t sshexec.Target, fullName string) error {
	if !strings.Contains(fullName, "@") {
		return fmt.Errorf("zfs: refusing to destroy %q: not a snapshot name", fullName)
	}
	res, err := o.runner.Run(ctx, t, "zfs destroy "+fullName, commandTimeout)
	if err != nil {
		return fmt.Errorf("zfs: destroy snapshot: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("zfs: destroy snapshot %s failed: %s", fullName, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// DatasetExists reports whether the dataset is present on the node.
func (o *Ops) DatasetExists(ctx context.Context, t sshexec.Target, dataset string) (bool, error) {
	res, err := o.runner.Run(ctx, t,
		fmt.Sprintf("zfs list -H -o name %s 2>/dev/null", dataset), commandTimeout)
	if err != nil {
		return false, fmt.Errorf("zfs: dataset exists: %w", err)
	}
	return res.OK() && strings.Contains(res.Stdout, dataset), nil
}

// CreateDataset creates a dataset, with -p creating missing parents.
func (o *Ops) CreateDataset(ctx context.Context, t sshexec.Target, dataset string, parents bool) error {
	cmd := "zfs create "
	if parents {
		cmd += "-p "
	}
	cmd += dataset

	res, err := o.runner.Run(ctx, t, cmd, commandTimeout)
	if err != nil {
		return fmt.Errorf("zfs: create dataset: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("zfs: create dataset %s failed: %s", dataset, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// CommonSnapshot finds the most recent snapshot name present on both sides of
// a replication pair, or "" when the sides share no snapshot. Both listings
// are creation-ordered, so the last match on the destination is the newest.
func (o *Ops) CommonSnapshot(ctx context.Context, source sshexec.Target, sourceDataset string, dest sshexec.Target, destDataset string) (string, error) {
	srcRes, err := o.runner.Run(ctx, source,
		"zfs list -H -t snapshot -o name -s creation "+sourceDataset, commandTimeout)
	if err != nil {
		return "", fmt.Errorf("zfs: common snapshot source listing: %w", err)
	}
	if !srcRes.OK() {
		return "", nil
	}

	sourceSnaps := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimSpace(srcRes.Stdout), "\n") {
		if _, name, ok := strings.Cut(line, "@"); ok {
			sourceSnaps[name] = struct{}{}
		}
	}

	dstRes, err := o.runner.Run(ctx, dest,
		"zfs list -H -t snapshot -o name -s creation "+destDataset, commandTimeout)
	if err != nil {
		return "", fmt.Errorf("zfs: common snapshot dest listing: %w", err)
	}
	if !dstRes.OK() {
		return "", nil
	}

	var last string
	for _, line := range strings.Split(strings.TrimSpace(dstRes.Stdout), "\n") {
		if _, name, ok := strings.Cut(line, "@"); ok {
			if _, shared := sourceSnaps[name]; shared {
				last = name
			}
		}
	}
	return last, nil
}

// parseDatasets parses tab-separated zfs list output. Malformed lines are
// skipped rather than failing the whole listing.
func parseDatasets(out string) []Dataset {
	var datasets []Dataset
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 4 {
			continue
		}
		ds := Dataset{
			Name:      parts[0],
			Used:      parts[1],
			Available: parts[2],
		}
		if parts[3] != "-" {
			ds.Mountpoint = parts[3]
		}
		datasets = append(datasets, ds)
	}
	return datasets
}

// parseSnapshots parses tab-separated snapshot listing output.
func parseSnapshots(out string) []Snapshot {
	var snapshots []Snapshot
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		dataset, name, _ := strings.Cut(parts[0], "@")
		snapshots = append(snapshots, Snapshot{
			FullName: parts[0],
			Dataset:  dataset,
			Name:     name,
			Used:     parts[1],
			Creation: parts[2],
		})
	}
	return snapshots
}
