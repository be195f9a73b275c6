package message

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	repo      Repository
	processor *Processor
	logger    *zap.Logger
}

func NewHandler(repo Repository, processor *Processor, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, processor: processor, logger: logger}
}

type SubmitMessageRequest struct {
	PayloadRef  string      `json:"payload_ref"`
	PayloadKind PayloadKind `json:"payload_kind"`
}

// HandleSubmit accepts a new message and kicks off its pipeline in the
// background. The response is the PENDING record; clients poll or wait for
// the transcript-ready notification.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	var req SubmitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.PayloadRef == "" {
		http.Error(w, "Missing payload_ref", http.StatusBadRequest)
		return
	}
	switch req.PayloadKind {
	case PayloadAudio, PayloadText, PayloadImage:
	default:
		http.Error(w, "Invalid payload_kind", http.StatusBadRequest)
		return
	}

	m := New(conversationID, req.PayloadRef, req.PayloadKind)
	if err := h.repo.Save(r.Context(), m); err != nil {
		http.Error(w, "Failed to save message", http.StatusInternalServerError)
		return
	}

	// Detached context: the pipeline outlives the HTTP request.
	go func(id uuid.UUID) {
		if _, err := h.processor.Process(context.Background(), id); err != nil {
			h.logger.Warn("background processing ended with error",
				zap.String("message_id", id.String()), zap.Error(err))
		}
	}(m.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(m)
}

// HandleGet returns a message with its status history.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	m, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load message", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/conversations/{conversationID}/messages", h.HandleSubmit)
	r.Get("/messages/{messageID}", h.HandleGet)
}
