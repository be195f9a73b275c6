package analysis

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"portfolio-agent/internal/artefact"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// HandleAction serves the tagged start/resume action for an artefact.
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	artefactID, err := uuid.Parse(chi.URLParam(r, "artefactID"))
	if err != nil {
		http.Error(w, "Invalid artefact ID", http.StatusBadRequest)
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	resp, err := h.engine.Handle(r.Context(), artefactID, req)
	if err != nil {
		writeActionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleAbandon closes the artefact's active session.
func (h *Handler) HandleAbandon(w http.ResponseWriter, r *http.Request) {
	artefactID, err := uuid.Parse(chi.URLParam(r, "artefactID"))
	if err != nil {
		http.Error(w, "Invalid artefact ID", http.StatusBadRequest)
		return
	}

	if err := h.engine.Abandon(r.Context(), artefactID); err != nil {
		writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeActionError maps engine errors onto status codes that tell the client
// whether to retry the same request or start over.
func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInvalidSessionState), errors.Is(err, ErrSessionExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, artefact.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrGeneration):
		// Retryable: the session was not advanced.
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, "Analysis failed: "+err.Error(), http.StatusInternalServerError)
	}
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/artefacts/{artefactID}/analysis", h.HandleAction)
	r.Delete("/artefacts/{artefactID}/analysis", h.HandleAbandon)
}
