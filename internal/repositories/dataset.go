package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/grandir66/sanoid-manager/internal/db"
	"gorm.io/gorm"
)

// gormDatasetRepository is the GORM implementation of DatasetRepository.
type gormDatasetRepository struct {
	db *gorm.DB
}

// NewDatasetRepository returns a DatasetRepository backed by the provided *gorm.DB.
func NewDatasetRepository(db *gorm.DB) DatasetRepository {
	return &gormDatasetRepository{db: db}
}

// GetByID retrieves a dataset by its UUID. Returns ErrNotFound if no record exists.
func (r *gormDatasetRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Dataset, error) {
	var ds db.Dataset
	err := r.db.WithContext(ctx).First(&ds, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("datasets: get by id: %w", err)
	}
	return &ds, nil
}

// GetByNodeAndName retrieves a dataset by its unique (node, name) pair.
func (r *gormDatasetRepository) GetByNodeAndName(ctx context.Context, nodeID uuid.UUID, name string) (*db.Dataset, error) {
	var ds db.Dataset
	err := r.db.WithContext(ctx).
		First(&ds, "node_id = ? AND name = ?", nodeID, name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("datasets: get by node and name: %w", err)
	}
	return &ds, nil
}

// ListByNode returns all cached datasets of a node ordered by name.
func (r *gormDatasetRepository) ListByNode(ctx context.Context, nodeID uuid.UUID) ([]db.Dataset, error) {
	var datasets []db.Dataset
	if err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("name ASC").
		Find(&datasets).Error; err != nil {
		return nil, fmt.Errorf("datasets: list by node: %w", err)
	}
	return datasets, nil
}

// Update persists all fields of an existing dataset record. Used by the
// retention settings API.
func (r *gormDatasetRepository) Update(ctx context.Context, dataset *db.Dataset) error {
	result := r.db.WithContext(ctx).Save(dataset)
	if result.Error != nil {
		return fmt.Errorf("datasets: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceForNode reconciles the cached inventory against a fresh zfs listing.
// Existing rows keep their retention configuration; only the observed fields
// (mountpoint, usage, snapshot count, refresh time) are rewritten. Datasets
// that vanished from the node are removed.
func (r *gormDatasetRepository) ReplaceForNode(ctx context.Context, nodeID uuid.UUID, datasets []db.Dataset) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := make([]string, 0, len(datasets))

		for i := range datasets {
			fresh := &datasets[i]
			fresh.NodeID = nodeID
			seen = append(seen, fresh.Name)

			var existing db.Dataset
			err := tx.First(&existing, "node_id = ? AND name = ?", nodeID, fresh.Name).Error
			switch {
			case err == nil:
				result := tx.Model(&db.Dataset{}).
					Where("id = ?", existing.ID).
					Updates(map[string]interface{}{
						"mountpoint":       fresh.Mountpoint,
						"used":             fresh.Used,
						"available":        fresh.Available,
						"snapshot_count":   fresh.SnapshotCount,
						"last_snapshot_at": fresh.LastSnapshotAt,
						"refreshed_at":     fresh.RefreshedAt,
					})
				if result.Error != nil {
					return fmt.Errorf("datasets: refresh %s: %w", fresh.Name, result.Error)
				}

			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(fresh).Error; err != nil {
					return fmt.Errorf("datasets: insert %s: %w", fresh.Name, err)
				}

			default:
				return fmt.Errorf("datasets: refresh lookup %s: %w", fresh.Name, err)
			}
		}

		stale := tx.Where("node_id = ?", nodeID)
		if len(seen) > 0 {
			stale = stale.Where("name NOT IN ?", seen)
		}
		if err := stale.Delete(&db.Dataset{}).Error; err != nil {
			return fmt.Errorf("datasets: prune vanished: %w", err)
		}
		return nil
	})
}
