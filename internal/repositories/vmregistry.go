package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/grandir66/sanoid-manager/internal/db"
	"gorm.io/gorm"
)

// gormVMRegistryRepository is the GORM implementation of VMRegistryRepository.
type gormVMRegistryRepository struct {
	db *gorm.DB
}

// NewVMRegistryRepository returns a VMRegistryRepository backed by the
// provided *gorm.DB.
func NewVMRegistryRepository(db *gorm.DB) VMRegistryRepository {
	return &gormVMRegistryRepository{db: db}
}

// Upsert records a materialized guest. A guest is identified by the pair
// (destination node, source guest id); repeated registrations of the same
// guest update the existing row instead of accumulating duplicates.
func (r *gormVMRegistryRepository) Upsert(ctx context.Context, entry *db.VMRegistry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.VMRegistry
		err := tx.First(&existing, "dest_node_id = ? AND vm_id = ?", entry.DestNodeID, entry.VMID).Error
		switch {
		case err == nil:
			entry.ID = existing.ID
			entry.CreatedAt = existing.CreatedAt
			if err := tx.Save(entry).Error; err != nil {
				return fmt.Errorf("vm registry: update: %w", err)
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("vm registry: create: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("vm registry: upsert lookup: %w", err)
		}
	})
}

// GetByID retrieves a registry entry by its UUID. Returns ErrNotFound if no
// record exists.
func (r *gormVMRegistryRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.VMRegistry, error) {
	var entry db.VMRegistry
	err := r.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vm registry: get by id: %w", err)
	}
	return &entry, nil
}

// GetByGuest retrieves the entry for a guest on a destination node.
func (r *gormVMRegistryRepository) GetByGuest(ctx context.Context, destNodeID uuid.UUID, vmID int) (*db.VMRegistry, error) {
	var entry db.VMRegistry
	err := r.db.WithContext(ctx).
		First(&entry, "dest_node_id = ? AND vm_id = ?", destNodeID, vmID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vm registry: get by guest: %w", err)
	}
	return &entry, nil
}

// List returns a paginated list of registry entries and the total count,
// ordered by guest id.
func (r *gormVMRegistryRepository) List(ctx context.Context, opts ListOptions) ([]db.VMRegistry, int64, error) {
	var entries []db.VMRegistry
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.VMRegistry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("vm registry: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("vm_id ASC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("vm registry: list: %w", err)
	}

	return entries, total, nil
}

// Delete removes a registry entry. The guest itself is unregistered from the
// hypervisor separately; this only drops the tracking row.
func (r *gormVMRegistryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.VMRegistry{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("vm registry: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
