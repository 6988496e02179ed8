// Package syncoid builds and interprets syncoid invocations. The command is
// executed on the source node over SSH, so the source dataset is addressed
// locally and the destination as user@host:dataset (push replication); the
// builder also supports the pull and remote-to-remote forms.
package syncoid

import (
	"regexp"
	"strconv"
	"strings"
)

// Endpoint describes one side of a replication pair as seen from the node
// that runs syncoid. A nil Host means the dataset is local to that node.
type Endpoint struct {
	Host    string // empty = local to the executor
	Dataset string
	User    string
	Port    int
	KeyPath string
}

// remote reports whether the endpoint needs SSH addressing.
func (e Endpoint) remote() bool {
	return e.Host != ""
}

// arg renders the endpoint as a syncoid positional argument.
func (e Endpoint) arg() string {
	if !e.remote() {
		return e.Dataset
	}
	return e.User + "@" + e.Host + ":" + e.Dataset
}

// Options mirror the per-job syncoid switches.
type Options struct {
	Recursive   bool
	Compress    string // "none" suppresses --compress entirely
	MbufferSize string
	NoSyncSnap  bool
	ForceDelete bool
	ExtraArgs   string // appended verbatim before the positional arguments
}

// BuildCommand renders the full syncoid command line. Option order is fixed
// so the same job always produces the same string, which keeps logs
// comparable across runs.
//
// The --sshkey/--sshport options apply to whichever endpoint is remote; when
// both are, the destination wins because syncoid only accepts one set.
// --sshport is omitted at the default port 22.
func BuildCommand(source, dest Endpoint, opts Options) string {
	parts := []string{"syncoid"}

	if opts.Recursive {
		parts = append(parts, "--recursive")
	}
	if opts.Compress != "" && opts.Compress != "none" {
		parts = append(parts, "--compress="+opts.Compress)
	}
	if opts.MbufferSize != "" {
		parts = append(parts, "--mbuffer-size="+opts.MbufferSize)
	}
	if opts.NoSyncSnap {
		parts = append(parts, "--no-sync-snap")
	}
	if opts.ForceDelete {
		parts = append(parts, "--force-delete")
	}

	switch {
	case dest.remote():
		parts = append(parts, "--sshkey="+dest.KeyPath)
		if dest.Port != 22 {
			parts = append(parts, "--sshport="+strconv.Itoa(dest.Port))
		}
	case source.remote():
		parts = append(parts, "--sshkey="+source.KeyPath)
		if source.Port != 22 {
			parts = append(parts, "--sshport="+strconv.Itoa(source.Port))
		}
	}

	if opts.ExtraArgs != "" {
		parts = append(parts, opts.ExtraArgs)
	}

	parts = append(parts, source.arg(), dest.arg())
	return strings.Join(parts, " ")
}

// transferredPatterns match the size syncoid (and the zfs send / pv tools it
// drives) reports in its output, in order of preference.
var transferredPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d+(?:\.\d+)?[KMGT]i?B?)\s+transferred`),
	regexp.MustCompile(`(?i)sent\s+(\d+(?:\.\d+)?[KMGT]i?B?)`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d+)?[KMGT]i?B?)\s+total`),
}

// ParseTransferred extracts the transferred amount from syncoid output, or
// "" when no size is reported (no-op incremental runs print nothing).
func ParseTransferred(output string) string {
	for _, pattern := range transferredPatterns {
		if m := pattern.FindStringSubmatch(output); m != nil {
			return m[1]
		}
	}
	return ""
}
