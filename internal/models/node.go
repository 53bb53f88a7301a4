package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RemoteNode is a peer DICOM application entity a tenant queries over DIMSE
type RemoteNode struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name     string    `gorm:"type:varchar(255);not null" json:"name"`
	Host     string    `gorm:"type:varchar(255);not null" json:"host"`
	Port     int       `gorm:"not null" json:"port"`
	// AETitle is the peer's (called) AE title
	AETitle string `gorm:"type:varchar(16);not null" json:"ae_title"`
	// CallingAETitle overrides the node-wide calling AE title when set
	CallingAETitle string   `gorm:"type:varchar(16)" json:"calling_ae_title,omitempty"`
	Capabilities   []string `gorm:"type:text;serializer:json" json:"capabilities"`
	IsActive       bool     `gorm:"default:true" json:"is_active"`

	// Connection status tracking
	LastConnectionTest   time.Time `gorm:"index" json:"last_connection_test,omitempty"`
	LastConnectionStatus bool      `json:"last_connection_status,omitempty"`
	LastError            string    `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName overrides the table name
func (RemoteNode) TableName() string {
	return "remote_nodes"
}

// BeforeCreate hook
func (n *RemoteNode) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// ConnectionStatus represents the outcome of a C-ECHO against a node
type ConnectionStatus struct {
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// ConnectionTestRequest represents a request to echo an unsaved node
type ConnectionTestRequest struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AETitle        string `json:"ae_title"`
	CallingAETitle string `json:"calling_ae_title,omitempty"`
}

// Validate checks the addressing fields
func (r *ConnectionTestRequest) Validate() error {
	return validateAddress(r.Host, r.Port, r.AETitle, r.CallingAETitle)
}

// NodeRequest represents a request to register a remote node
type NodeRequest struct {
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AETitle        string `json:"ae_title"`
	CallingAETitle string `json:"calling_ae_title,omitempty"`
}

// Validate checks the request before it is stored
func (r *NodeRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	return validateAddress(r.Host, r.Port, r.AETitle, r.CallingAETitle)
}

func validateAddress(host string, port int, aeTitle, callingAETitle string) error {
	if host == "" {
		return fmt.Errorf("host is required")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	if aeTitle == "" || len(aeTitle) > 16 {
		return fmt.Errorf("AE title must be 1-16 characters, got %q", aeTitle)
	}
	if len(callingAETitle) > 16 {
		return fmt.Errorf("calling AE title exceeds 16 characters: %q", callingAETitle)
	}
	return nil
}
