package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Conversation groups a doctor's messages and at most one in-progress
// analysis session (the session itself lives in the session store, keyed by
// artefact id).
type Conversation struct {
	ID          uuid.UUID `json:"id" db:"id"`
	OwnerID     uuid.UUID `json:"owner_id" db:"owner_id"`
	SpecialtyID string    `json:"specialty_id" db:"specialty_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// New creates a conversation for a doctor in the given specialty.
func New(ownerID uuid.UUID, specialtyID string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		SpecialtyID: specialtyID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
