package message

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus is the pipeline state of a message. Transitions are
// strictly monotonic along Pending -> Transcribing -> Cleaning ->
// Deidentifying -> Complete; Failed is terminal and reachable from any
// non-terminal state.
type ProcessingStatus string

const (
	StatusPending       ProcessingStatus = "PENDING"
	StatusTranscribing  ProcessingStatus = "TRANSCRIBING"
	StatusCleaning      ProcessingStatus = "CLEANING"
	StatusDeidentifying ProcessingStatus = "DEIDENTIFYING"
	StatusComplete      ProcessingStatus = "COMPLETE"
	StatusFailed        ProcessingStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// PayloadKind identifies the raw payload referenced by a message.
type PayloadKind string

const (
	PayloadAudio PayloadKind = "audio"
	PayloadText  PayloadKind = "text"
	PayloadImage PayloadKind = "image"
)

// StageTransition is one entry of a message's status audit trail.
type StageTransition struct {
	Status ProcessingStatus `json:"status"`
	At     time.Time        `json:"at"`
}

// Message is one doctor input on its way to a clean, de-identified
// transcript. Messages are append-only: they are never deleted, and History
// records every status transition.
type Message struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	ConversationID uuid.UUID         `json:"conversation_id" db:"conversation_id"`
	PayloadRef     string            `json:"payload_ref" db:"payload_ref"`
	PayloadKind    PayloadKind       `json:"payload_kind" db:"payload_kind"`
	Status         ProcessingStatus  `json:"status" db:"status"`
	Transcript     string            `json:"transcript,omitempty" db:"transcript"`
	FailureReason  string            `json:"failure_reason,omitempty" db:"failure_reason"`
	History        []StageTransition `json:"history" db:"history"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// New creates a PENDING message for a conversation.
func New(conversationID uuid.UUID, payloadRef string, kind PayloadKind) *Message {
	now := time.Now().UTC()
	m := &Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		PayloadRef:     payloadRef,
		PayloadKind:    kind,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.History = append(m.History, StageTransition{Status: StatusPending, At: now})
	return m
}

// transition records a status change with its timestamp.
func (m *Message) transition(to ProcessingStatus) {
	m.Status = to
	m.History = append(m.History, StageTransition{Status: to, At: time.Now().UTC()})
}
