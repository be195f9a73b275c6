package conversation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"portfolio-agent/internal/catalog"
)

type Handler struct {
	repo    Repository
	catalog *catalog.Catalog
}

func NewHandler(repo Repository, cat *catalog.Catalog) *Handler {
	return &Handler{repo: repo, catalog: cat}
}

type CreateConversationRequest struct {
	OwnerID     string `json:"owner_id"`
	SpecialtyID string `json:"specialty_id"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		http.Error(w, "Invalid owner ID", http.StatusBadRequest)
		return
	}
	if h.catalog.Specialty(req.SpecialtyID) == nil {
		http.Error(w, "Unknown specialty", http.StatusBadRequest)
		return
	}

	c := New(ownerID, req.SpecialtyID)
	if err := h.repo.Save(r.Context(), c); err != nil {
		http.Error(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	c, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load conversation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/conversations", h.HandleCreate)
	r.Get("/conversations/{conversationID}", h.HandleGet)
}
