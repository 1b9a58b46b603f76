// Package api exposes workflow submission and status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketflow/marketflow/internal/job"
	"github.com/marketflow/marketflow/internal/service"
)

const (
	submitPath = "/api/marketflow"
	healthPath = "/api/health"

	maxBodyBytes        = 1 << 20
	defaultPollInterval = time.Second
)

// JobService starts jobs and reports their status.
type JobService interface {
	Kickoff(ctx context.Context, in job.Request) (string, error)
	Status(ctx context.Context, jobID string) (*service.StatusView, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	svc          JobService
	pollInterval time.Duration
}

// NewHandler constructs a Handler backed by svc.
func NewHandler(svc JobService) *Handler {
	return &Handler{svc: svc, pollInterval: defaultPollInterval}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+submitPath, h.StartJob)
	mux.HandleFunc("GET "+submitPath+"/{job_id}", h.GetJob)
	mux.HandleFunc("GET "+submitPath+"/{job_id}/sse", h.StreamSSE)
	mux.HandleFunc("GET "+healthPath, h.Health)
}

// StartJob handles POST /api/marketflow and responds 200 with the new job id.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := h.svc.Kickoff(r.Context(), req)
	if errors.Is(err, service.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("start job", "error", err, "request_id", RequestIDFrom(r.Context()))
		writeError(w, http.StatusInternalServerError, "Startup failure: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

// GetJob handles GET /api/marketflow/{job_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	v, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// lookup loads the job named in the path, writing the error response when
// it cannot.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*service.StatusView, bool) {
	v, err := h.svc.Status(r.Context(), r.PathValue("job_id"))
	if errors.Is(err, service.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task does not exist")
		return nil, false
	}
	if err != nil {
		slog.Error("get job", "job_id", r.PathValue("job_id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	return v, true
}

// Health handles GET /api/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
