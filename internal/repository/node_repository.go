package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/database"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// NodeRepository handles remote node database operations
type NodeRepository struct{}

// NewNodeRepository creates a new node repository
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{}
}

// Create creates a new remote node
func (r *NodeRepository) Create(ctx context.Context, node *models.RemoteNode) error {
	if err := database.DB.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("failed to create remote node: %w", err)
	}
	return nil
}

// GetByID retrieves a remote node by ID within a tenant
func (r *NodeRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.RemoteNode, error) {
	var node models.RemoteNode
	err := database.DB.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote node: %w", err)
	}
	return &node, nil
}

// GetByTenantID retrieves all active remote nodes for a tenant
func (r *NodeRepository) GetByTenantID(ctx context.Context, tenantID uuid.UUID) ([]models.RemoteNode, error) {
	var nodes []models.RemoteNode
	if err := database.DB.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("created_at ASC").
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to get remote nodes: %w", err)
	}
	return nodes, nil
}

// Update updates a remote node
func (r *NodeRepository) Update(ctx context.Context, node *models.RemoteNode) error {
	if err := database.DB.WithContext(ctx).Save(node).Error; err != nil {
		return fmt.Errorf("failed to update remote node: %w", err)
	}
	return nil
}

// Delete soft deletes a remote node
func (r *NodeRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result := database.DB.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Delete(&models.RemoteNode{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete remote node: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConnectionStatus records the outcome of the latest C-ECHO against a node
func (r *NodeRepository) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	updates := map[string]interface{}{
		"last_connection_test":   status.LastChecked,
		"last_connection_status": status.IsConnected,
		"last_error":             status.ErrorMessage,
	}

	if err := database.DB.WithContext(ctx).
		Model(&models.RemoteNode{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}

	return nil
}
