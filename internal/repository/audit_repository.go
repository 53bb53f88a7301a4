package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/database"
	"github.com/otcheredev/ris-dimse-node/internal/models"
)

// AuditRepository persists the trail of DIMSE operations issued to remote nodes
type AuditRepository struct{}

// NewAuditRepository creates a new audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Create stores one audit entry
func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	if database.DB == nil {
		return database.ErrNotConnected
	}
	if err := database.DB.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to write audit entry for node %s: %w", entry.NodeID, err)
	}
	return nil
}

// List returns the entries matching filter
func (r *AuditRepository) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, error) {
	if database.DB == nil {
		return nil, database.ErrNotConnected
	}

	query := where(database.DB.WithContext(ctx).Model(&models.AuditLog{}), auditConditions(filter)...).
		Order("created_at DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var entries []models.AuditLog
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func auditConditions(f models.AuditFilter) []condition {
	conds := []condition{{clause: "tenant_id = ?", args: []any{f.TenantID}}}
	if f.NodeID != uuid.Nil {
		conds = append(conds, condition{clause: "node_id = ?", args: []any{f.NodeID}})
	}
	if f.Action != "" {
		conds = append(conds, condition{clause: "action = ?", args: []any{f.Action}})
	}
	if f.Status != "" {
		conds = append(conds, condition{clause: "status = ?", args: []any{f.Status}})
	}
	if !f.Since.IsZero() {
		conds = append(conds, condition{clause: "created_at >= ?", args: []any{f.Since}})
	}
	return conds
}
