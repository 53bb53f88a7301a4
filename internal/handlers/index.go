package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/otcheredev/ris-dimse-node/internal/services"
)

// IndexHandler maintains the records served to inbound C-FIND requests
type IndexHandler struct {
	indexService *services.IndexService
}

func NewIndexHandler(indexService *services.IndexService) *IndexHandler {
	return &IndexHandler{indexService: indexService}
}

// IndexStudy upserts a study record
func (h *IndexHandler) IndexStudy(w http.ResponseWriter, r *http.Request) {
	var study models.Study
	if err := json.NewDecoder(r.Body).Decode(&study); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.indexService.IndexStudy(r.Context(), &study); err != nil {
		writeError(w, err, "Failed to index study")
		return
	}
	writeJSON(w, http.StatusCreated, study)
}

// IndexSeries upserts a series record
func (h *IndexHandler) IndexSeries(w http.ResponseWriter, r *http.Request) {
	var series models.Series
	if err := json.NewDecoder(r.Body).Decode(&series); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.indexService.IndexSeries(r.Context(), &series); err != nil {
		writeError(w, err, "Failed to index series")
		return
	}
	writeJSON(w, http.StatusCreated, series)
}

// IndexInstance upserts an instance record
func (h *IndexHandler) IndexInstance(w http.ResponseWriter, r *http.Request) {
	var instance models.Instance
	if err := json.NewDecoder(r.Body).Decode(&instance); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.indexService.IndexInstance(r.Context(), &instance); err != nil {
		writeError(w, err, "Failed to index instance")
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}
