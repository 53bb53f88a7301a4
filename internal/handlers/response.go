package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/otcheredev/ris-dimse-node/internal/services"
	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeError maps service errors to HTTP status codes
func writeError(w http.ResponseWriter, err error, msg string) {
	var statusErr *dimse.StatusError
	var rejectErr *dimse.RejectError
	switch {
	case errors.Is(err, services.ErrNodeNotFound):
		http.Error(w, "Node not found", http.StatusNotFound)
	case errors.Is(err, services.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dimse.ErrPoolExhausted):
		http.Error(w, "Too many concurrent operations for node", http.StatusServiceUnavailable)
	case errors.As(err, &statusErr), errors.As(err, &rejectErr), errors.Is(err, dimse.ErrAssociationClosed):
		log.Warn().Err(err).Msg(msg)
		http.Error(w, msg+": "+err.Error(), http.StatusBadGateway)
	default:
		log.Error().Err(err).Msg(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func nodeIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	nodeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid node ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return nodeID, true
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return n, nil
}

func caller(r *http.Request) services.Caller {
	return services.Caller{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}
