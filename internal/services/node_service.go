package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/adapters"
	"github.com/otcheredev/ris-dimse-node/internal/cache"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/internal/repository"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNodeNotFound is returned for unknown or foreign node ids
	ErrNodeNotFound = errors.New("node not found")
	// ErrInvalidRequest wraps request validation failures
	ErrInvalidRequest = errors.New("invalid request")
)

// NodeStore persists remote node configurations
type NodeStore interface {
	Create(ctx context.Context, node *models.RemoteNode) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.RemoteNode, error)
	GetByTenantID(ctx context.Context, tenantID uuid.UUID) ([]models.RemoteNode, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error
}

// AuditStore persists audit log entries
type AuditStore interface {
	Create(ctx context.Context, log *models.AuditLog) error
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, error)
}

// AdapterProvider hands out adapters for remote nodes
type AdapterProvider interface {
	GetAdapter(node models.RemoteNode) (adapters.NodeAdapter, error)
	NewTransient(node models.RemoteNode) (adapters.NodeAdapter, error)
	RemoveAdapter(nodeID uuid.UUID) error
}

// Caller identifies the HTTP client on whose behalf an operation runs
type Caller struct {
	IPAddress string
	UserAgent string
}

// NodeService handles business logic for remote node operations
type NodeService struct {
	nodes    NodeStore
	audit    AuditStore
	adapters AdapterProvider
	cache    cache.Cache
	cacheTTL time.Duration
}

// NewNodeService creates a new node service. A nil cache disables result caching.
func NewNodeService(
	nodes NodeStore,
	audit AuditStore,
	adapterProvider AdapterProvider,
	c cache.Cache,
	cacheTTL time.Duration,
) *NodeService {
	return &NodeService{
		nodes:    nodes,
		audit:    audit,
		adapters: adapterProvider,
		cache:    c,
		cacheTTL: cacheTTL,
	}
}

// CreateNode registers a remote node for a tenant
func (s *NodeService) CreateNode(ctx context.Context, tenantID uuid.UUID, req *models.NodeRequest) (*models.RemoteNode, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	node := &models.RemoteNode{
		TenantID:       tenantID,
		Name:           req.Name,
		Host:           req.Host,
		Port:           req.Port,
		AETitle:        req.AETitle,
		CallingAETitle: req.CallingAETitle,
		Capabilities:   []string{"C-ECHO", "C-FIND"},
		IsActive:       true,
	}

	if err := s.nodes.Create(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	log.Info().
		Str("tenant_id", tenantID.String()).
		Str("node_id", node.ID.String()).
		Str("ae_title", node.AETitle).
		Msg("Remote node registered")
	return node, nil
}

// GetNodes retrieves all active nodes of a tenant
func (s *NodeService) GetNodes(ctx context.Context, tenantID uuid.UUID) ([]models.RemoteNode, error) {
	nodes, err := s.nodes.GetByTenantID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes: %w", err)
	}
	return nodes, nil
}

// GetNode retrieves one node of a tenant
func (s *NodeService) GetNode(ctx context.Context, tenantID, nodeID uuid.UUID) (*models.RemoteNode, error) {
	node, err := s.nodes.GetByID(ctx, tenantID, nodeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// DeleteNode removes a node, its pooled associations and its cached results
func (s *NodeService) DeleteNode(ctx context.Context, tenantID, nodeID uuid.UUID) error {
	err := s.nodes.Delete(ctx, tenantID, nodeID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNodeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	if err := s.adapters.RemoveAdapter(nodeID); err != nil {
		log.Warn().Err(err).Str("node_id", nodeID.String()).Msg("Failed to close adapter")
	}
	if s.cache != nil {
		if err := s.cache.Clear(ctx, cache.NodePattern(tenantID.String(), nodeID.String())); err != nil {
			log.Warn().Err(err).Str("node_id", nodeID.String()).Msg("Failed to clear cached results")
		}
	}
	return nil
}

// EchoNode verifies a stored node with C-ECHO and records the outcome
func (s *NodeService) EchoNode(ctx context.Context, tenantID, nodeID uuid.UUID, caller Caller) (*models.ConnectionStatus, error) {
	node, err := s.GetNode(ctx, tenantID, nodeID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.GetAdapter(*node)
	if err != nil {
		return nil, fmt.Errorf("failed to get adapter: %w", err)
	}

	status, echoErr := adapter.TestConnection(ctx)
	if err := s.nodes.UpdateConnectionStatus(ctx, node.ID, status); err != nil {
		log.Warn().Err(err).Str("node_id", node.ID.String()).Msg("Failed to store connection status")
	}
	s.record(ctx, node, caller, models.ActionEcho, "", 0, time.Duration(status.ResponseTime)*time.Millisecond, echoErr)

	// A failed echo is a result, not an error of this call
	return status, nil
}

// TestConnection verifies an unsaved node with C-ECHO
func (s *NodeService) TestConnection(ctx context.Context, req *models.ConnectionTestRequest) (*models.ConnectionStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	adapter, err := s.adapters.NewTransient(models.RemoteNode{
		ID:             uuid.New(),
		Host:           req.Host,
		Port:           req.Port,
		AETitle:        req.AETitle,
		CallingAETitle: req.CallingAETitle,
	})
	if err != nil {
		return nil, err
	}
	defer adapter.Close()

	status, _ := adapter.TestConnection(ctx)
	return status, nil
}

// FindPatients queries a node at PATIENT level
func (s *NodeService) FindPatients(ctx context.Context, tenantID, nodeID uuid.UUID, params models.QueryParams, caller Caller) ([]models.Patient, error) {
	params.Level = models.LevelPatient
	return query(ctx, s, tenantID, nodeID, params, caller, adapters.NodeAdapter.FindPatients)
}

// FindStudies queries a node at STUDY level
func (s *NodeService) FindStudies(ctx context.Context, tenantID, nodeID uuid.UUID, params models.QueryParams, caller Caller) ([]models.Study, error) {
	params.Level = models.LevelStudy
	return query(ctx, s, tenantID, nodeID, params, caller, adapters.NodeAdapter.FindStudies)
}

// FindSeries queries a node at SERIES level
func (s *NodeService) FindSeries(ctx context.Context, tenantID, nodeID uuid.UUID, params models.QueryParams, caller Caller) ([]models.Series, error) {
	params.Level = models.LevelSeries
	return query(ctx, s, tenantID, nodeID, params, caller, adapters.NodeAdapter.FindSeries)
}

// FindInstances queries a node at IMAGE level
func (s *NodeService) FindInstances(ctx context.Context, tenantID, nodeID uuid.UUID, params models.QueryParams, caller Caller) ([]models.Instance, error) {
	params.Level = models.LevelImage
	return query(ctx, s, tenantID, nodeID, params, caller, adapters.NodeAdapter.FindInstances)
}

// query serves a C-FIND from the cache or the node, auditing node round trips
func query[T any](
	ctx context.Context,
	s *NodeService,
	tenantID, nodeID uuid.UUID,
	params models.QueryParams,
	caller Caller,
	find func(adapters.NodeAdapter, context.Context, models.QueryParams) ([]T, error),
) ([]T, error) {
	node, err := s.GetNode(ctx, tenantID, nodeID)
	if err != nil {
		return nil, err
	}

	key := cache.QueryKey(tenantID.String(), nodeID.String(), params)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil {
			var cached []T
			if err := json.Unmarshal(data, &cached); err == nil {
				log.Debug().Str("cache_key", key).Msg("Cache hit")
				return cached, nil
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("cache_key", key).Msg("Cache read failed")
		}
	}

	adapter, err := s.adapters.GetAdapter(*node)
	if err != nil {
		return nil, fmt.Errorf("failed to get adapter: %w", err)
	}

	start := time.Now()
	results, err := find(adapter, ctx, params)
	s.record(ctx, node, caller, models.ActionFind, params.Level, len(results), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s level: %w", params.Level, err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(results); err == nil {
			if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
				log.Warn().Err(err).Str("cache_key", key).Msg("Cache write failed")
			}
		}
	}
	return results, nil
}

// GetAuditLogs retrieves a tenant's audit trail
func (s *NodeService) GetAuditLogs(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, error) {
	if filter.TenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant ID is required", ErrInvalidRequest)
	}
	logs, err := s.audit.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit logs: %w", err)
	}
	return logs, nil
}

func (s *NodeService) record(ctx context.Context, node *models.RemoteNode, caller Caller, action, level string, results int, elapsed time.Duration, opErr error) {
	entry := &models.AuditLog{
		TenantID:  node.TenantID,
		NodeID:    node.ID,
		Action:    action,
		Level:     level,
		IPAddress: caller.IPAddress,
		UserAgent: caller.UserAgent,
		Status:    "success",
		Results:   results,
		Duration:  elapsed.Milliseconds(),
	}
	if opErr != nil {
		status := dimse.StatusOf(opErr, dimse.StatusProcessingFailure)
		entry.Status = status.Kind().String()
		entry.DIMSEStatus = uint16(status)
		entry.ErrorMessage = opErr.Error()
	}

	// The audit trail outlives a cancelled request
	if err := s.audit.Create(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to write audit log")
	}
}
