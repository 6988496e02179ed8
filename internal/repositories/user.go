package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grandir66/sanoid-manager/internal/db"
	"gorm.io/gorm"
)

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// Create inserts a new user. A duplicate username returns ErrConflict.
func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.User{}).
		Where("username = ?", user.Username).
		Count(&count).Error; err != nil {
		return fmt.Errorf("users: create lookup: %w", err)
	}
	if count > 0 {
		return ErrConflict
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetByID retrieves a user by their UUID. Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// GetByUsername retrieves a user by their unique username.
func (r *gormUserRepository) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by username: %w", err)
	}
	return &user, nil
}

// Update persists all fields of an existing user record.
func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a user and revokes all their refresh tokens.
func (r *gormUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&db.RefreshToken{}).Error; err != nil {
			return fmt.Errorf("users: delete tokens: %w", err)
		}
		result := tx.Delete(&db.User{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("users: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns a paginated list of users and the total count, ordered by username.
func (r *gormUserRepository) List(ctx context.Context, opts ListOptions) ([]db.User, int64, error) {
	var users []db.User
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("username ASC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}

	return users, total, nil
}

// Count returns the total number of users. A zero count at startup triggers
// the creation of the bootstrap admin account.
func (r *gormUserRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.User{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("users: count: %w", err)
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

// gormRefreshTokenRepository is the GORM implementation of RefreshTokenRepository.
type gormRefreshTokenRepository struct {
	db *gorm.DB
}

// NewRefreshTokenRepository returns a RefreshTokenRepository backed by the
// provided *gorm.DB.
func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{db: db}
}

// Create inserts a new refresh token record.
func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("refresh tokens: create: %w", err)
	}
	return nil
}

// GetByHash retrieves a refresh token by the SHA-256 hex of its raw value.
func (r *gormRefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh tokens: get by hash: %w", err)
	}
	return &token, nil
}

// Revoke marks a single token as revoked without deleting it, preserving the
// audit trail of the session.
func (r *gormRefreshTokenRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&db.RefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", now)
	if result.Error != nil {
		return fmt.Errorf("refresh tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForUser revokes every live token of a user, ending all their sessions.
func (r *gormRefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	now := time.Now()
	if err := r.db.WithContext(ctx).
		Model(&db.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now).Error; err != nil {
		return fmt.Errorf("refresh tokens: revoke all for user: %w", err)
	}
	return nil
}

// DeleteExpired removes tokens past their expiry. Called by the maintenance worker.
func (r *gormRefreshTokenRepository) DeleteExpired(ctx context.Context) error {
	if err := r.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&db.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("refresh tokens: delete expired: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// AuditLogRepository
// -----------------------------------------------------------------------------

// gormAuditLogRepository is the GORM implementation of AuditLogRepository.
type gormAuditLogRepository struct {
	db *gorm.DB
}

// NewAuditLogRepository returns an AuditLogRepository backed by the provided *gorm.DB.
func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &gormAuditLogRepository{db: db}
}

// Create appends an audit entry.
func (r *gormAuditLogRepository) Create(ctx context.Context, entry *db.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit logs: create: %w", err)
	}
	return nil
}

// List returns a paginated list of audit entries, newest first.
func (r *gormAuditLogRepository) List(ctx context.Context, opts ListOptions) ([]db.AuditLog, int64, error) {
	var entries []db.AuditLog
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.AuditLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit logs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("audit logs: list: %w", err)
	}

	return entries, total, nil
}

// DeleteOlderThan removes entries created before the given time and returns
// how many rows were deleted.
func (r *gormAuditLogRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", t).
		Delete(&db.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit logs: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
