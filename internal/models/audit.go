package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit actions
const (
	ActionEcho = "c-echo"
	ActionFind = "c-find"
)

// AuditLog records one DIMSE operation issued against a remote node
type AuditLog struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID     uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	NodeID       uuid.UUID `gorm:"type:uuid;index" json:"node_id"`
	Action       string    `gorm:"type:varchar(100);not null;index" json:"action"`
	Level        string    `gorm:"type:varchar(16)" json:"level,omitempty"`
	IPAddress    string    `gorm:"type:varchar(45)" json:"ip_address"`
	UserAgent    string    `gorm:"type:text" json:"user_agent"`
	Status       string    `gorm:"type:varchar(20);index" json:"status"` // success, failure, cancel
	DIMSEStatus  uint16    `json:"dimse_status"`
	Results      int       `json:"results"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	Duration     int64     `json:"duration_ms"` // milliseconds
	CreatedAt    time.Time `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeCreate hook
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// AuditFilter selects audit entries of one tenant, newest first. Zero
// fields do not filter.
type AuditFilter struct {
	TenantID uuid.UUID
	NodeID   uuid.UUID
	Action   string
	Status   string
	Since    time.Time
	Limit    int
	Offset   int
}
