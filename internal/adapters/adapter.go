package adapters

import (
	"context"

	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
)

// NodeAdapter queries one remote DICOM node
type NodeAdapter interface {
	// Query operations
	FindPatients(ctx context.Context, params models.QueryParams) ([]models.Patient, error)
	FindStudies(ctx context.Context, params models.QueryParams) ([]models.Study, error)
	FindSeries(ctx context.Context, params models.QueryParams) ([]models.Series, error)
	FindInstances(ctx context.Context, params models.QueryParams) ([]models.Instance, error)

	// Connection management
	TestConnection(ctx context.Context) (*models.ConnectionStatus, error)
	Stats() dimse.PoolStats
	Close() error

	// Adapter info
	Capabilities() []string
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	node models.RemoteNode
}

func (b *BaseAdapter) Node() models.RemoteNode {
	return b.node
}
