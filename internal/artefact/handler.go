package artefact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portfolio-agent/internal/conversation"
)

// Exporter renders a FINAL artefact into its portfolio document.
type Exporter interface {
	Export(ctx context.Context, a *Artefact) ([]byte, error)
}

// ExportNotifier announces a completed export to the outside world.
type ExportNotifier interface {
	ArtefactExported(ctx context.Context, artefactID uuid.UUID) error
}

type Handler struct {
	repo          Repository
	conversations conversation.Repository
	lifecycle     *Lifecycle
	exporter      Exporter
	notifier      ExportNotifier
	logger        *zap.Logger
}

func NewHandler(repo Repository, conversations conversation.Repository, lifecycle *Lifecycle, exporter Exporter, notifier ExportNotifier, logger *zap.Logger) *Handler {
	return &Handler{
		repo:          repo,
		conversations: conversations,
		lifecycle:     lifecycle,
		exporter:      exporter,
		notifier:      notifier,
		logger:        logger,
	}
}

// HandleCreate opens a DRAFT artefact on a conversation.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	c, err := h.conversations.GetByID(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}

	a := New(c.ID, c.SpecialtyID)
	if err := h.repo.Save(r.Context(), a); err != nil {
		http.Error(w, "Failed to create artefact", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(a)
}

// HandleGet returns an artefact with its sections and status.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadArtefact(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a)
}

// HandleFinalize promotes a REVIEW artefact to FINAL after human sign-off.
func (h *Handler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadArtefact(w, r)
	if !ok {
		return
	}

	if err := h.lifecycle.Finalize(a); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := h.repo.Save(r.Context(), a); err != nil {
		http.Error(w, "Failed to save artefact", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a)
}

// HandleExport renders a FINAL artefact as PDF and marks it EXPORTED.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadArtefact(w, r)
	if !ok {
		return
	}

	if a.Status != StatusFinal && a.Status != StatusExported {
		http.Error(w, fmt.Sprintf("artefact is %s, only FINAL artefacts export", a.Status), http.StatusConflict)
		return
	}

	pdfData, err := h.exporter.Export(r.Context(), a)
	if err != nil {
		http.Error(w, "Export failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.lifecycle.MarkExported(a); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := h.repo.Save(r.Context(), a); err != nil {
		http.Error(w, "Failed to save artefact", http.StatusInternalServerError)
		return
	}

	if h.notifier != nil {
		if err := h.notifier.ArtefactExported(r.Context(), a.ID); err != nil {
			h.logger.Warn("export notification failed",
				zap.String("artefact_id", a.ID.String()), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=portfolio_%s.pdf", a.ID))
	w.Write(pdfData)
}

func (h *Handler) loadArtefact(w http.ResponseWriter, r *http.Request) (*Artefact, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "artefactID"))
	if err != nil {
		http.Error(w, "Invalid artefact ID", http.StatusBadRequest)
		return nil, false
	}

	a, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "Artefact not found", http.StatusNotFound)
			return nil, false
		}
		http.Error(w, "Failed to load artefact", http.StatusInternalServerError)
		return nil, false
	}
	return a, true
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/conversations/{conversationID}/artefacts", h.HandleCreate)
	r.Get("/artefacts/{artefactID}", h.HandleGet)
	r.Post("/artefacts/{artefactID}/finalize", h.HandleFinalize)
	r.Post("/artefacts/{artefactID}/export", h.HandleExport)
}
