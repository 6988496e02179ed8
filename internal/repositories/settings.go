package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/grandir66/sanoid-manager/internal/db"
	"gorm.io/gorm"
)

// gormSettingsRepository is the GORM implementation of SettingsRepository.
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository returns a SettingsRepository backed by the provided *gorm.DB.
func NewSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

// GetNotificationConfig returns the singleton notification configuration row.
// The row is seeded at startup, so a missing row indicates a broken database.
func (r *gormSettingsRepository) GetNotificationConfig(ctx context.Context) (*db.NotificationConfig, error) {
	var cfg db.NotificationConfig
	err := r.db.WithContext(ctx).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settings: get notification config: %w", err)
	}
	return &cfg, nil
}

// UpdateNotificationConfig persists the notification configuration.
func (r *gormSettingsRepository) UpdateNotificationConfig(ctx context.Context, cfg *db.NotificationConfig) error {
	result := r.db.WithContext(ctx).Save(cfg)
	if result.Error != nil {
		return fmt.Errorf("settings: update notification config: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSystemConfigs returns all system configuration entries ordered by
// category then key, for the settings API.
func (r *gormSettingsRepository) ListSystemConfigs(ctx context.Context) ([]db.SystemConfig, error) {
	var configs []db.SystemConfig
	if err := r.db.WithContext(ctx).
		Order("category ASC, key ASC").
		Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("settings: list system configs: %w", err)
	}
	return configs, nil
}

// GetSystemConfig retrieves a single configuration entry by key.
func (r *gormSettingsRepository) GetSystemConfig(ctx context.Context, key string) (*db.SystemConfig, error) {
	var cfg db.SystemConfig
	err := r.db.WithContext(ctx).First(&cfg, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settings: get system config: %w", err)
	}
	return &cfg, nil
}

// SetSystemConfig updates the value of an existing configuration entry. Keys
// are fixed at seed time; unknown keys return ErrNotFound rather than being
// created, so typos do not silently add dead configuration.
func (r *gormSettingsRepository) SetSystemConfig(ctx context.Context, key, value string) error {
	result := r.db.WithContext(ctx).
		Model(&db.SystemConfig{}).
		Where("key = ?", key).
		Update("value", value)
	if result.Error != nil {
		return fmt.Errorf("settings: set system config: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
