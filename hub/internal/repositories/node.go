package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/google/uuid"
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

// Create inserts a new node record into the database.
func (r *gormNodeRepository) Create(ctx context.Context, node *db.Node) error {
	if err := r.db.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("nodes: create: %w", err)
	}
	return nil
}

// GetByID retrieves a node by its UUID. Soft-deleted nodes are excluded.
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

// UpdateStatus updates only the status and last_seen_at fields of a node.
// Called frequently on heartbeat — updating only two columns avoids
// unnecessary write amplification on the full row.
func (r *gormNodeRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"last_seen_at": lastSeenAt,
		})
	if result.Error != nil {
		return fmt.Errorf("nodes: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateManagedConfigSeq bumps the version last pushed as a config_snapshot
// message (C19); AckedConfigSeq is updated separately on config_ack.
func (r *gormNodeRepository) UpdateManagedConfigSeq(ctx context.Context, id uuid.UUID, seq int64) error {
	result := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("id = ?", id).
		Update("managed_config_seq", seq)
	if result.Error != nil {
		return fmt.Errorf("nodes: update managed config seq: %w", result.Error)
	}
	return nil
}

// AckManagedConfig records the version the node has confirmed applying.
func (r *gormNodeRepository) AckManagedConfig(ctx context.Context, id uuid.UUID, seq int64) error {
	result := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("id = ?", id).
		Update("acked_config_seq", seq)
	if result.Error != nil {
		return fmt.Errorf("nodes: ack managed config: %w", result.Error)
	}
	return nil
}

// Delete soft-deletes a node by setting deleted_at.
func (r *gormNodeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Node{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("nodes: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of nodes and the total count.
func (r *gormNodeRepository) List(ctx context.Context, opts ListOptions) ([]db.Node, int64, error) {
	var nodes []db.Node
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Node{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("nodes: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&nodes).Error; err != nil {
		return nil, 0, fmt.Errorf("nodes: list: %w", err)
	}

	return nodes, total, nil
}

// GetByHostname retrieves a non-deleted node by its hostname. Used during
// enrollment to detect reconnections and avoid creating duplicate records
// when a node reconnects without its stored ID.
func (r *gormNodeRepository) GetByHostname(ctx context.Context, hostname string) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).First(&node, "hostname = ?", hostname).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nodes: get by hostname: %w", err)
	}
	return &node, nil
}
