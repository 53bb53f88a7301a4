package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/middleware"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/internal/services"
	"github.com/rs/zerolog/log"
)

type ManagementHandler struct {
	nodeService *services.NodeService
}

func NewManagementHandler(nodeService *services.NodeService) *ManagementHandler {
	return &ManagementHandler{
		nodeService: nodeService,
	}
}

// CreateNode registers a remote node
func (h *ManagementHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	var req models.NodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	node, err := h.nodeService.CreateNode(ctx, tenantID, &req)
	if err != nil {
		writeError(w, err, "Failed to create node")
		return
	}

	writeJSON(w, http.StatusCreated, node)
}

// GetNodes retrieves all remote nodes of a tenant
func (h *ManagementHandler) GetNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	nodes, err := h.nodeService.GetNodes(ctx, tenantID)
	if err != nil {
		writeError(w, err, "Failed to get nodes")
		return
	}

	writeJSON(w, http.StatusOK, nodes)
}

// GetNode retrieves a specific remote node
func (h *ManagementHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return
	}

	node, err := h.nodeService.GetNode(ctx, tenantID, nodeID)
	if err != nil {
		writeError(w, err, "Failed to get node")
		return
	}

	writeJSON(w, http.StatusOK, node)
}

// DeleteNode removes a remote node
func (h *ManagementHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return
	}

	if err := h.nodeService.DeleteNode(ctx, tenantID, nodeID); err != nil {
		writeError(w, err, "Failed to delete node")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EchoNode verifies a stored node with C-ECHO
func (h *ManagementHandler) EchoNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return
	}

	status, err := h.nodeService.EchoNode(ctx, tenantID, nodeID, caller(r))
	if err != nil {
		writeError(w, err, "Failed to echo node")
		return
	}

	// 200 with is_connected false when the node did not answer
	writeJSON(w, http.StatusOK, status)
}

// TestConnection verifies an unsaved node with C-ECHO
func (h *ManagementHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.ConnectionTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	status, err := h.nodeService.TestConnection(ctx, &req)
	if err != nil {
		writeError(w, err, "Connection test failed")
		return
	}
	if !status.IsConnected {
		log.Warn().Str("host", req.Host).Str("error", status.ErrorMessage).Msg("Connection test failed")
	}

	writeJSON(w, http.StatusOK, status)
}

// GetAuditLogs retrieves the tenant's audit trail
func (h *ManagementHandler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := middleware.GetTenantID(ctx)
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return
	}

	filter, err := auditFilter(r, tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logs, err := h.nodeService.GetAuditLogs(ctx, filter)
	if err != nil {
		writeError(w, err, "Failed to get audit logs")
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

// auditFilter reads node_id, action, status, since (RFC 3339), limit and offset
func auditFilter(r *http.Request, tenantID uuid.UUID) (models.AuditFilter, error) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		TenantID: tenantID,
		Action:   q.Get("action"),
		Status:   q.Get("status"),
		Limit:    100,
	}

	if raw := q.Get("node_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid node_id: %q", raw)
		}
		filter.NodeID = id
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid since: %q", raw)
		}
		filter.Since = since
	}

	limit, err := intParam(r, "limit")
	if err != nil {
		return filter, err
	}
	if limit > 0 {
		filter.Limit = min(limit, 1000)
	}
	if filter.Offset, err = intParam(r, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}
