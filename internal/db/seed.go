package db

import (
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"
)

// System configuration keys used across the server. Keys are namespaced by
// category; defaults are seeded on startup and editable through the settings
// API.
const (
	KeyAuthMethod         = "auth_method"          // "local" or "proxmox"
	KeyAuthSessionTimeout = "auth_session_timeout" // minutes
	KeySyncoidCompress    = "syncoid_default_compress"
	KeySyncoidMbuffer     = "syncoid_default_mbuffer"
	KeySyncoidTimeout     = "syncoid_timeout"    // seconds
	KeyDigestHour         = "notify_digest_hour" // 0-23, UTC
	KeyStaleRunMinutes    = "scheduler_stale_run_minutes"
	KeyLogRetentionDays   = "log_retention_days"
	KeyAuditRetentionDays = "audit_retention_days"
)

// SeedDefaults inserts missing SystemConfig rows and the singleton
// NotificationConfig row. Existing values are never overwritten, so operator
// changes survive restarts and upgrades that add new keys.
func SeedDefaults(database *gorm.DB) error {
	defaults := []SystemConfig{
		{Key: KeyAuthMethod, Value: "local", ValueType: "string", Category: "auth", Description: "Authentication backend: local or proxmox"},
		{Key: KeyAuthSessionTimeout, Value: "480", ValueType: "int", Category: "auth", Description: "Access token lifetime in minutes"},

		{Key: KeySyncoidCompress, Value: "lz4", ValueType: "string", Category: "syncoid", Description: "Default stream compression"},
		{Key: KeySyncoidMbuffer, Value: "128M", ValueType: "string", Category: "syncoid", Description: "Default mbuffer size"},
		{Key: KeySyncoidTimeout, Value: "3600", ValueType: "int", Category: "syncoid", Description: "Replication command timeout in seconds"},

		{Key: KeyDigestHour, Value: "7", ValueType: "int", Category: "notifications", Description: "UTC hour at which the daily digest is sent"},
		{Key: KeyStaleRunMinutes, Value: "240", ValueType: "int", Category: "scheduler", Description: "Age after which an open run is considered stale"},

		{Key: KeyLogRetentionDays, Value: "30", ValueType: "int", Category: "retention", Description: "Days to keep job logs"},
		{Key: KeyAuditRetentionDays, Value: "90", ValueType: "int", Category: "retention", Description: "Days to keep audit logs"},
	}

	return database.Transaction(func(tx *gorm.DB) error {
		for i := range defaults {
			var existing SystemConfig
			err := tx.First(&existing, "key = ?", defaults[i].Key).Error
			switch {
			case err == nil:
				continue
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&defaults[i]).Error; err != nil {
					return fmt.Errorf("seed %s: %w", defaults[i].Key, err)
				}
			default:
				return fmt.Errorf("seed lookup %s: %w", defaults[i].Key, err)
			}
		}

		var count int64
		if err := tx.Model(&NotificationConfig{}).Count(&count).Error; err != nil {
			return fmt.Errorf("seed notification config count: %w", err)
		}
		if count == 0 {
			if err := tx.Create(&NotificationConfig{}).Error; err != nil {
				return fmt.Errorf("seed notification config: %w", err)
			}
		}
		return nil
	})
}

// ConfigInt reads a SystemConfig value as an integer, falling back to def when
// the key is missing or malformed. Intended for hot-path reads where a typo in
// a config row must not take the scheduler down.
func ConfigInt(database *gorm.DB, key string, def int) int {
	var cfg SystemConfig
	if err := database.First(&cfg, "key = ?", key).Error; err != nil {
		return def
	}
	n, err := strconv.Atoi(cfg.Value)
	if err != nil {
		return def
	}
	return n
}

// ConfigString reads a SystemConfig value as a string with a default.
func ConfigString(database *gorm.DB, key, def string) string {
	var cfg SystemConfig
	if err := database.First(&cfg, "key = ?", key).Error; err != nil {
		return def
	}
	if cfg.Value == "" {
		return def
	}
	return cfg.Value
}
