package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User is an operator account. PasswordHash is only set for local accounts;
// users authenticating against the Proxmox API side-channel carry an empty
// hash and a ProxmoxUserID such as "root@pam".
type User struct {
	base
	Username           string `gorm:"uniqueIndex;not null"`
	Email              string `gorm:"default:''"`
	PasswordHash       string `gorm:"default:''"` // bcrypt, empty for proxmox users
	FullName           string `gorm:"default:''"`
	AuthMethod         string `gorm:"not null;default:'local'"`  // "local" or "proxmox"
	ProxmoxUserID      string `gorm:"default:''"`                // e.g. root@pam
	Role               string `gorm:"not null;default:'viewer'"` // "admin", "operator", "viewer"
	IsActive           bool   `gorm:"not null;default:true"`
	MustChangePassword bool   `gorm:"not null;default:false"`
	LastLoginAt        *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored, only its SHA-256 hash. Tokens are rotated
// on every use.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// AuditLog is an append-only record of operator actions, written by the
// mutating API handlers and pruned by age by the maintenance worker.
type AuditLog struct {
	base
	UserID       *uuid.UUID `gorm:"type:text;index"`
	Action       string     `gorm:"not null"` // "login", "create_job", "delete_node", ...
	ResourceType string     `gorm:"default:''"`
	ResourceID   string     `gorm:"default:''"`
	Details      string     `gorm:"type:text;default:''"`
	IPAddress    string     `gorm:"default:''"`
	Status       string     `gorm:"not null;default:'success'"` // "success" or "failed"
}

// -----------------------------------------------------------------------------
// Nodes & Datasets
// -----------------------------------------------------------------------------

// Node is a managed Proxmox hypervisor reachable over SSH. SSHKeyPath points
// at private key material on the manager host; key distribution across the
// fleet is an operator responsibility.
//
// At most one node may have IsAuthNode set: the node whose Proxmox API is
// used to validate operator credentials when auth_method is "proxmox". The
// repository layer enforces the cardinality inside a transaction.
type Node struct {
	base
	Name       string `gorm:"uniqueIndex;not null"`
	Hostname   string `gorm:"not null"`
	SSHPort    int    `gorm:"not null;default:22"`
	SSHUser    string `gorm:"not null;default:'root'"`
	SSHKeyPath string `gorm:"not null;default:'/root/.ssh/id_rsa'"`

	// Proxmox API endpoint, used only by the auth side-channel.
	ProxmoxAPIURL    string          `gorm:"default:''"` // https://host:8006/api2/json
	ProxmoxAPIToken  EncryptedString `gorm:"type:text"`  // user@pam!tokenid=secret
	ProxmoxVerifySSL bool            `gorm:"not null;default:false"`
	IsAuthNode       bool            `gorm:"not null;default:false"`

	IsActive        bool `gorm:"not null;default:true"`
	IsOnline        bool `gorm:"not null;default:false"`
	LastCheckAt     *time.Time
	SanoidInstalled bool   `gorm:"not null;default:false"`
	SanoidVersion   string `gorm:"default:''"`
	Notes           string `gorm:"type:text;default:''"`
}

// Dataset is a ZFS filesystem or volume on a node, cached from `zfs list`.
// The (node_id, name) pair is unique. Retention fields mirror a sanoid
// template: counts per bucket plus the autosnap/autoprune switches.
type Dataset struct {
	base
	NodeID     uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_datasets_node_name"`
	Name       string    `gorm:"not null;uniqueIndex:idx_datasets_node_name"` // e.g. rpool/data/vm-100-disk-0
	Mountpoint string    `gorm:"default:''"`
	Used       string    `gorm:"default:''"`
	Available  string    `gorm:"default:''"`

	SnapshotCount int `gorm:"not null;default:0"`

	SanoidEnabled  bool   `gorm:"not null;default:false"`
	SanoidTemplate string `gorm:"not null;default:'default'"`
	Hourly         int    `gorm:"not null;default:24"`
	Daily          int    `gorm:"not null;default:30"`
	Weekly         int    `gorm:"not null;default:4"`
	Monthly        int    `gorm:"not null;default:12"`
	Yearly         int    `gorm:"not null;default:0"`
	Autosnap       bool   `gorm:"not null;default:true"`
	Autoprune      bool   `gorm:"not null;default:true"`

	LastSnapshotAt *time.Time
	RefreshedAt    time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Sync jobs
// -----------------------------------------------------------------------------

// SyncJob is a syncoid replication job from (source node, dataset) to
// (dest node, dataset), optionally on a cron schedule.
//
// When several jobs replicate the disks of one guest they share a VMGroupID
// and must reference the same node pair and the same guest id; the repository
// layer rejects group members that disagree.
type SyncJob struct {
	base
	Name string `gorm:"not null"`

	SourceNodeID  uuid.UUID `gorm:"type:text;not null;index"`
	SourceDataset string    `gorm:"not null"`
	DestNodeID    uuid.UUID `gorm:"type:text;not null;index"`
	DestDataset   string    `gorm:"not null"`

	// Syncoid invocation options. Compress "none" suppresses --compress.
	Recursive   bool   `gorm:"not null;default:false"`
	Compress    string `gorm:"not null;default:'lz4'"` // none, gzip, lz4, zstd
	MbufferSize string `gorm:"not null;default:'128M'"`
	NoSyncSnap  bool   `gorm:"not null;default:false"`
	ForceDelete bool   `gorm:"not null;default:false"`
	ExtraArgs   string `gorm:"default:''"` // appended verbatim, last

	Schedule string `gorm:"default:''"` // cron expression, empty = manual only
	IsActive bool   `gorm:"not null;default:true"`

	// Guest materialization after a successful run.
	RegisterVM bool   `gorm:"not null;default:false"`
	VMID       int    `gorm:"not null;default:0"` // source guest id
	DestVMID   int    `gorm:"not null;default:0"` // destination guest id when different
	VMType     string `gorm:"default:''"`         // "qemu" or "lxc"
	VMName     string `gorm:"default:''"`

	// Grouping: all disk jobs of one guest share a VMGroupID.
	VMGroupID string `gorm:"index;default:''"`
	DiskName  string `gorm:"default:''"` // e.g. scsi0, mp0

	// Storage tag mapping for the config rewrite on registration.
	SourceStorage string `gorm:"default:''"` // e.g. local-zfs
	DestStorage   string `gorm:"default:''"` // e.g. replica-zfs

	RetryOnFailure    bool `gorm:"not null;default:true"`
	MaxRetries        int  `gorm:"not null;default:3"`
	RetryDelayMinutes int  `gorm:"not null;default:15"`

	// Run counters, updated atomically with the closing JobLog row.
	LastRunAt           *time.Time
	LastStatus          string `gorm:"default:''"`         // "running", "success", "failed"
	LastDuration        int    `gorm:"not null;default:0"` // seconds
	LastTransferred     string `gorm:"default:''"`
	RunCount            int    `gorm:"not null;default:0"`
	ErrorCount          int    `gorm:"not null;default:0"`
	ConsecutiveFailures int    `gorm:"not null;default:0"`

	CreatedBy *uuid.UUID `gorm:"type:text"`
}

// JobLog records one execution attempt. Rows are created once with status
// "started" and updated exactly once on completion; they are never rewritten
// afterwards. Retry attempts of the same fire share the job id and increment
// AttemptNumber.
type JobLog struct {
	base
	JobType string     `gorm:"not null;index"` // "sync", "snapshot", "manual"
	JobID   *uuid.UUID `gorm:"type:text;index"`

	NodeName string `gorm:"default:''"` // "source -> dest" label
	Dataset  string `gorm:"default:''"` // "src/path -> dst/path" label

	Status  string `gorm:"not null"` // "started", "success", "failed"
	Message string `gorm:"type:text;default:''"`
	Output  string `gorm:"type:text;default:''"` // captured stdout
	Error   string `gorm:"type:text;default:''"` // captured stderr

	Duration    int    `gorm:"not null;default:0"` // seconds
	Transferred string `gorm:"default:''"`

	AttemptNumber int `gorm:"not null;default:1"`

	StartedAt   time.Time `gorm:"not null;index"`
	CompletedAt *time.Time

	TriggeredBy *uuid.UUID `gorm:"type:text"`
}

// VMRegistry tracks guests that have been materialized on a destination node
// after replication, including a backup of the config file that was written.
type VMRegistry struct {
	base
	VMID   int    `gorm:"not null"`
	VMType string `gorm:"not null"` // "qemu" or "lxc"
	VMName string `gorm:"default:''"`

	SourceNodeID  uuid.UUID `gorm:"type:text;not null;index"`
	SourceDataset string    `gorm:"not null"`
	DestNodeID    uuid.UUID `gorm:"type:text;not null;index"`
	DestDataset   string    `gorm:"not null"`

	ConfigBackup   string `gorm:"type:text;default:''"`
	IsRegistered   bool   `gorm:"not null;default:false"`
	RegisteredVMID int    `gorm:"not null;default:0"` // guest id on the destination

	LastSyncAt *time.Time
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// NotificationConfig is a single-row table holding the channel parameters and
// trigger flags for the notifier. Secrets are encrypted at rest via
// EncryptedString.
type NotificationConfig struct {
	base

	SMTPEnabled       bool            `gorm:"not null;default:false"`
	SMTPHost          string          `gorm:"default:''"`
	SMTPPort          int             `gorm:"not null;default:587"`
	SMTPUser          string          `gorm:"default:''"`
	SMTPPassword      EncryptedString `gorm:"type:text"`
	SMTPFrom          string          `gorm:"default:''"`
	SMTPTo            string          `gorm:"default:''"` // comma-separated recipients
	SMTPSubjectPrefix string          `gorm:"default:'[Sanoid Manager]'"`
	SMTPTLS           bool            `gorm:"not null;default:true"`

	WebhookEnabled bool            `gorm:"not null;default:false"`
	WebhookURL     string          `gorm:"default:''"`
	WebhookSecret  EncryptedString `gorm:"type:text"`

	TelegramEnabled  bool            `gorm:"not null;default:false"`
	TelegramBotToken EncryptedString `gorm:"type:text"`
	TelegramChatID   string          `gorm:"default:''"`

	NotifyOnSuccess bool `gorm:"not null;default:false"`
	NotifyOnFailure bool `gorm:"not null;default:true"`
	NotifyOnWarning bool `gorm:"not null;default:true"`
}

// SystemConfig is a generic key-value configuration entry. Keys are seeded
// with defaults on startup; IsSecret values are redacted by the settings API.
//
// SystemConfig does not embed base because it uses the key itself as the
// primary key and does not need CreatedAt.
type SystemConfig struct {
	Key         string    `gorm:"primaryKey"`
	Value       string    `gorm:"type:text;default:''"`
	ValueType   string    `gorm:"not null;default:'string'"` // string, int, bool
	Category    string    `gorm:"not null;default:'general'"`
	Description string    `gorm:"default:''"`
	IsSecret    bool      `gorm:"not null;default:false"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime"`
}
