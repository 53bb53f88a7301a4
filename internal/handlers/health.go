package handlers

import (
	"context"
	"net/http"
	"time"
)

// ListenerStatus reports whether the DICOM listener accepts associations
type ListenerStatus interface {
	Serving() bool
}

type HealthHandler struct {
	ping     func(context.Context) error
	listener ListenerStatus
}

// NewHealthHandler creates the health endpoints; a nil listener means the
// DICOM listener is disabled and not checked.
func NewHealthHandler(ping func(context.Context) error, listener ListenerStatus) *HealthHandler {
	return &HealthHandler{ping: ping, listener: listener}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) check(ctx context.Context) healthResponse {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// Check database
	if err := h.ping(ctx); err != nil {
		response.Services["database"] = "unhealthy"
		response.Status = "degraded"
	} else {
		response.Services["database"] = "healthy"
	}

	if h.listener != nil {
		if h.listener.Serving() {
			response.Services["dimse_scp"] = "healthy"
		} else {
			response.Services["dimse_scp"] = "unhealthy"
			response.Status = "degraded"
		}
	}

	return response
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := h.check(r.Context())

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	// Check if service is ready to accept requests
	if h.check(r.Context()).Status != "healthy" {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
