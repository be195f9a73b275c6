package artefact

import (
	"time"

	"github.com/google/uuid"
)

// Status is the artefact lifecycle state.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusProcessing Status = "PROCESSING"
	StatusReview     Status = "REVIEW"
	StatusFinal      Status = "FINAL"
	StatusExported   Status = "EXPORTED"
)

// Artefact is a structured portfolio entry synthesized from a transcript.
// EntryTypeCode and TemplateID are empty until the doctor confirms a
// classification. Sections maps section id to generated (or answered) content.
type Artefact struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	ConversationID uuid.UUID         `json:"conversation_id" db:"conversation_id"`
	SpecialtyID    string            `json:"specialty_id" db:"specialty_id"`
	EntryTypeCode  string            `json:"entry_type_code" db:"entry_type_code"`
	TemplateID     string            `json:"template_id" db:"template_id"`
	Sections       map[string]string `json:"sections" db:"sections"`
	Completeness   float64           `json:"completeness" db:"completeness"`
	Status         Status            `json:"status" db:"status"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// New creates a DRAFT artefact for a conversation.
func New(conversationID uuid.UUID, specialtyID string) *Artefact {
	now := time.Now().UTC()
	return &Artefact{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SpecialtyID:    specialtyID,
		Sections:       map[string]string{},
		Status:         StatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
