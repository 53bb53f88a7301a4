package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/middleware"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/internal/services"
)

// QueryHandler issues C-FIND requests against remote nodes
type QueryHandler struct {
	nodeService *services.NodeService
}

func NewQueryHandler(nodeService *services.NodeService) *QueryHandler {
	return &QueryHandler{
		nodeService: nodeService,
	}
}

type queryRequest struct {
	tenantID uuid.UUID
	nodeID   uuid.UUID
	params   models.QueryParams
}

// queryParams reads matching keys named by their DICOM keywords
func queryParams(r *http.Request) (models.QueryParams, error) {
	q := r.URL.Query()
	params := models.QueryParams{
		PatientID:         q.Get("PatientID"),
		PatientName:       q.Get("PatientName"),
		PatientBirthDate:  q.Get("PatientBirthDate"),
		StudyInstanceUID:  q.Get("StudyInstanceUID"),
		StudyDate:         q.Get("StudyDate"),
		StudyTime:         q.Get("StudyTime"),
		AccessionNumber:   q.Get("AccessionNumber"),
		Modality:          q.Get("ModalitiesInStudy"),
		StudyDescription:  q.Get("StudyDescription"),
		SeriesInstanceUID: q.Get("SeriesInstanceUID"),
		SOPInstanceUID:    q.Get("SOPInstanceUID"),
	}
	if params.Modality == "" {
		params.Modality = q.Get("Modality")
	}

	var err error
	if params.Limit, err = intParam(r, "limit"); err != nil {
		return params, err
	}
	if params.Offset, err = intParam(r, "offset"); err != nil {
		return params, err
	}
	return params, nil
}

// request resolves the tenant, node and matching keys shared by every query route
func (h *QueryHandler) request(w http.ResponseWriter, r *http.Request) (*queryRequest, bool) {
	tenantID, ok := middleware.GetTenantID(r.Context())
	if !ok {
		http.Error(w, "Tenant ID not found", http.StatusBadRequest)
		return nil, false
	}
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return nil, false
	}
	params, err := queryParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if studyUID := chi.URLParam(r, "studyUID"); studyUID != "" {
		params.StudyInstanceUID = studyUID
	}
	if seriesUID := chi.URLParam(r, "seriesUID"); seriesUID != "" {
		params.SeriesInstanceUID = seriesUID
	}
	return &queryRequest{tenantID: tenantID, nodeID: nodeID, params: params}, true
}

// FindPatients handles patient level queries
func (h *QueryHandler) FindPatients(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}

	patients, err := h.nodeService.FindPatients(r.Context(), req.tenantID, req.nodeID, req.params, caller(r))
	if err != nil {
		writeError(w, err, "Failed to search patients")
		return
	}

	writeJSON(w, http.StatusOK, patients)
}

// FindStudies handles study level queries
func (h *QueryHandler) FindStudies(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}

	studies, err := h.nodeService.FindStudies(r.Context(), req.tenantID, req.nodeID, req.params, caller(r))
	if err != nil {
		writeError(w, err, "Failed to search studies")
		return
	}

	writeJSON(w, http.StatusOK, studies)
}

// FindSeries handles series level queries within a study
func (h *QueryHandler) FindSeries(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}

	series, err := h.nodeService.FindSeries(r.Context(), req.tenantID, req.nodeID, req.params, caller(r))
	if err != nil {
		writeError(w, err, "Failed to search series")
		return
	}

	writeJSON(w, http.StatusOK, series)
}

// FindInstances handles image level queries within a series
func (h *QueryHandler) FindInstances(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}

	instances, err := h.nodeService.FindInstances(r.Context(), req.tenantID, req.nodeID, req.params, caller(r))
	if err != nil {
		writeError(w, err, "Failed to search instances")
		return
	}

	writeJSON(w, http.StatusOK, instances)
}
