package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
)

// AssociationLister reports live inbound associations
type AssociationLister interface {
	Associations() []dimse.AssociationInfo
}

// PoolReporter reports outbound association pools per node
type PoolReporter interface {
	Stats() map[uuid.UUID]dimse.PoolStats
}

type AssociationsHandler struct {
	server AssociationLister
	pools  PoolReporter
}

// NewAssociationsHandler creates the associations endpoint; server may be
// nil when the DICOM listener is disabled.
func NewAssociationsHandler(server AssociationLister, pools PoolReporter) *AssociationsHandler {
	return &AssociationsHandler{server: server, pools: pools}
}

type poolResponse struct {
	NodeID string `json:"node_id"`
	Open   int    `json:"open"`
	Idle   int    `json:"idle"`
	Max    int    `json:"max"`
}

type associationsResponse struct {
	Inbound  []dimse.AssociationInfo `json:"inbound"`
	Outbound []poolResponse          `json:"outbound"`
}

// List returns the live inbound associations and the outbound pools
func (h *AssociationsHandler) List(w http.ResponseWriter, r *http.Request) {
	response := associationsResponse{
		Inbound:  []dimse.AssociationInfo{},
		Outbound: []poolResponse{},
	}
	if h.server != nil {
		response.Inbound = append(response.Inbound, h.server.Associations()...)
	}
	for nodeID, stats := range h.pools.Stats() {
		response.Outbound = append(response.Outbound, poolResponse{
			NodeID: nodeID.String(),
			Open:   stats.OpenAssociations,
			Idle:   stats.IdleAssociations,
			Max:    stats.MaxSize,
		})
	}

	writeJSON(w, http.StatusOK, response)
}
