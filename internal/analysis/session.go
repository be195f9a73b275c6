package analysis

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Node is one step of the analysis state machine.
type Node string

const (
	NodePresentClassification Node = "present_classification"
	NodePresentCapabilities   Node = "present_capabilities"
	NodePresentDraft          Node = "present_draft"
	NodeAskFollowup           Node = "ask_followup"
)

// Valid reports whether n names a known node.
func (n Node) Valid() bool {
	switch n {
	case NodePresentClassification, NodePresentCapabilities, NodePresentDraft, NodeAskFollowup:
		return true
	}
	return false
}

// SessionStatus distinguishes live sessions from archived ones. A closed
// session stays in the store as an audit record but rejects every resume.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session is the durable, resumable state of one analysis conversation for
// one artefact. It is read and written as a whole unit; Version implements
// optimistic locking in the store, which is also what makes client retries of
// an already-committed resume detectable (LastFingerprint/LastResponse).
type Session struct {
	ArtefactID     uuid.UUID       `json:"artefact_id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Node           Node            `json:"node"`
	Status         SessionStatus   `json:"status"`
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PendingSection string          `json:"pending_section,omitempty"`
	PendingQuestion string         `json:"pending_question,omitempty"`
	Answered       map[string]bool `json:"answered,omitempty"`
	LastFingerprint string         `json:"last_fingerprint,omitempty"`
	LastResponse   json.RawMessage `json:"last_response,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
