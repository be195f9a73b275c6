package analysis

import (
	"encoding/json"

	"github.com/google/uuid"

	"portfolio-agent/internal/artefact"
	"portfolio-agent/internal/catalog"
)

// ActionType is the discriminant of an analysis action request.
type ActionType string

const (
	ActionStart  ActionType = "start"
	ActionResume ActionType = "resume"
)

// ActionRequest is the tagged payload the transport layer hands to the
// engine. Node, Value and Version are only meaningful for resume; Value's
// shape depends on the node it targets. Version echoes the Version of the
// last ActionResponse the client saw, which is how the engine tells a retry
// of a committed transition apart from a new turn that happens to carry the
// same bytes (self-loops like consecutive follow-up answers).
type ActionRequest struct {
	Type    ActionType      `json:"type"`
	Node    Node            `json:"node,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Version int64           `json:"version,omitempty"`
}

// ClassificationChoice is the resume value at present_classification: the
// doctor's chosen entry type.
type ClassificationChoice struct {
	EntryTypeCode string `json:"entry_type_code"`
}

// FollowupAnswer is the resume value at ask_followup: the doctor's free-text
// answer to the pending question.
type FollowupAnswer struct {
	Text string `json:"text"`
}

// ActionResponse carries the node the doctor is now looking at plus exactly
// one node-specific display payload. Closed is set when the session was torn
// down by this action, in which case Outcome describes the final artefact
// status. Version is the committed session version; the client sends it back
// with its next resume.
type ActionResponse struct {
	SessionID  uuid.UUID `json:"session_id"`
	ArtefactID uuid.UUID `json:"artefact_id"`
	Node       Node      `json:"node"`
	Version    int64     `json:"version"`
	Closed     bool      `json:"closed,omitempty"`

	Classification *ClassificationPayload `json:"classification,omitempty"`
	Capabilities   *CapabilitiesPayload   `json:"capabilities,omitempty"`
	Draft          *DraftPayload          `json:"draft,omitempty"`
	Followup       *FollowupPayload       `json:"followup,omitempty"`
	Outcome        *OutcomePayload        `json:"outcome,omitempty"`
}

// ClassificationPayload shows ranked entry-type candidates. An empty list
// means no signal matched and the doctor must pick an entry type manually.
type ClassificationPayload struct {
	Candidates []Candidate `json:"candidates"`
}

// CapabilitiesPayload shows the specialty's capability list after the entry
// type has been bound.
type CapabilitiesPayload struct {
	EntryTypeCode string                         `json:"entry_type_code"`
	Capabilities  []catalog.CapabilityDefinition `json:"capabilities"`
}

// SectionContent is one drafted section in template order.
type SectionContent struct {
	SectionID string `json:"section_id"`
	Label     string `json:"label"`
	Content   string `json:"content"`
	Required  bool   `json:"required"`
}

// DraftPayload shows the generated draft with its completeness assessment.
// NeedsDirectEdit lists required sections that are empty but carry no
// extraction question; they block FINAL until filled by editing.
type DraftPayload struct {
	Sections        []SectionContent `json:"sections"`
	Completeness    float64          `json:"completeness"`
	MissingRequired []string         `json:"missing_required"`
	NeedsDirectEdit []string         `json:"needs_direct_edit,omitempty"`
}

// FollowupPayload shows the next follow-up question.
type FollowupPayload struct {
	SectionID    string  `json:"section_id"`
	Question     string  `json:"question"`
	Completeness float64 `json:"completeness"`
}

// OutcomePayload reports the close-out of a session.
type OutcomePayload struct {
	Status       artefact.Status `json:"status"`
	Completeness float64         `json:"completeness"`
}
