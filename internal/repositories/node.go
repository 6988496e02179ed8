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

// gormNodeRepository is the GORM implementation of NodeRepository.
type gormNodeRepository struct {
	db *gorm.DB
}

// NewNodeRepository returns a NodeRepository backed by the provided *gorm.DB.
func NewNodeRepository(db *gorm.DB) NodeRepository {
	return &gormNodeRepository{db: db}
}

// Create inserts a new node record. Node names are unique across the fleet;
// a duplicate returns ErrConflict.
func (r *gormNodeRepository) Create(ctx context.Context, node *db.Node) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("name = ?", node.Name).
		Count(&count).Error; err != nil {
		return fmt.Errorf("nodes: create lookup: %w", err)
	}
	if count > 0 {
		return ErrConflict
	}
	if err := r.db.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("nodes: create: %w", err)
	}
	return nil
}

// GetByID retrieves a node by its UUID. Returns ErrNotFound if no record exists.
func (r *gormNodeRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).First(&node, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nodes: get by id: %w", err)
	}
	return &node, nil
}

// GetByName retrieves a node by its unique name.
func (r *gormNodeRepository) GetByName(ctx context.Context, name string) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).First(&node, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nodes: get by name: %w", err)
	}
	return &node, nil
}

// Update persists all fields of an existing node record.
func (r *gormNodeRepository) Update(ctx context.Context, node *db.Node) error {
	result := r.db.WithContext(ctx).Save(node)
	if result.Error != nil {
		return fmt.Errorf("nodes: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a node and its cached datasets. Deletion is refused with
// ErrInvariant while any active sync job still references the node as source
// or destination, so a scheduled job can never resolve to a missing endpoint.
func (r *gormNodeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Model(&db.SyncJob{}).
			Where("is_active = ?", true).
			Where("source_node_id = ? OR dest_node_id = ?", id, id).
			Count(&refs).Error; err != nil {
			return fmt.Errorf("nodes: delete reference check: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("nodes: %d active sync jobs still reference this node: %w", refs, ErrInvariant)
		}

		if err := tx.Where("node_id = ?", id).Delete(&db.Dataset{}).Error; err != nil {
			return fmt.Errorf("nodes: delete datasets: %w", err)
		}

		result := tx.Delete(&db.Node{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("nodes: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns a paginated list of nodes and the total count, ordered by name.
func (r *gormNodeRepository) List(ctx context.Context, opts ListOptions) ([]db.Node, int64, error) {
	var nodes []db.Node
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Node{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("nodes: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&nodes).Error; err != nil {
		return nil, 0, fmt.Errorf("nodes: list: %w", err)
	}

	return nodes, total, nil
}

// ListActive returns all active nodes ordered by name. Used by the health
// poller and the dataset refresh worker.
func (r *gormNodeRepository) ListActive(ctx context.Context) ([]db.Node, error) {
	var nodes []db.Node
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("name ASC").
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("nodes: list active: %w", err)
	}
	return nodes, nil
}

// SetAuthNode marks the given node as the authentication endpoint and clears
// the flag everywhere else. Both updates run in one transaction so a reader
// never observes two auth nodes.
func (r *gormNodeRepository) SetAuthNode(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.Node{}).
			Where("is_auth_node = ?", true).
			Update("is_auth_node", false).Error; err != nil {
			return fmt.Errorf("nodes: clear auth node: %w", err)
		}

		result := tx.Model(&db.Node{}).
			Where("id = ?", id).
			Update("is_auth_node", true)
		if result.Error != nil {
			return fmt.Errorf("nodes: set auth node: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetAuthNode returns the node designated for Proxmox API authentication.
// Returns ErrNotFound when no node carries the flag.
func (r *gormNodeRepository) GetAuthNode(ctx context.Context) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).First(&node, "is_auth_node = ?", true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nodes: get auth node: %w", err)
	}
	return &node, nil
}

// UpdateHealth records the outcome of a connectivity check without touching
// any operator-managed field.
func (r *gormNodeRepository) UpdateHealth(ctx context.Context, id uuid.UUID, online bool, checkedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_online":     online,
			"last_check_at": checkedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("nodes: update health: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSanoid records the result of a sanoid installation probe.
func (r *gormNodeRepository) UpdateSanoid(ctx context.Context, id uuid.UUID, installed bool, version string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"sanoid_installed": installed,
			"sanoid_version":   version,
		})
	if result.Error != nil {
		return fmt.Errorf("nodes: update sanoid: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
