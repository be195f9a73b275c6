// Package analysis implements the resumable conversational state machine
// that turns a clean transcript into a curriculum-compliant artefact. Each
// action is a pure function of (stored session, supplied value): the engine
// serializes all actions per artefact and commits session and artefact as a
// unit, so a crash or client retry can never show the doctor a node that was
// not actually committed.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portfolio-agent/internal/artefact"
	"portfolio-agent/internal/catalog"
	"portfolio-agent/internal/conversation"
)

// ContentGenerator drafts one section's content from its prompt hint, the
// transcript and any prior follow-up answers.
type ContentGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// GenerationRequest is the contract with the content-generation service.
type GenerationRequest struct {
	SectionID    string            `json:"section_id"`
	SectionLabel string            `json:"section_label"`
	PromptHint   string            `json:"prompt_hint"`
	Transcript   string            `json:"transcript"`
	PriorAnswers map[string]string `json:"prior_answers,omitempty"`
}

// TranscriptSource assembles the de-identified transcript of a conversation.
type TranscriptSource interface {
	Transcript(ctx context.Context, conversationID uuid.UUID) (string, error)
}

// EngineConfig carries the engine's operational tuning.
type EngineConfig struct {
	// GenerationTimeout bounds each content-generation call.
	GenerationTimeout time.Duration
}

// Engine is the analysis state machine.
type Engine struct {
	catalog       *catalog.Catalog
	templates     *TemplateEngine
	classifier    *Classifier
	sessions      SessionStore
	artefacts     artefact.Repository
	conversations conversation.Repository
	transcripts   TranscriptSource
	generator     ContentGenerator
	lifecycle     *artefact.Lifecycle
	cfg           EngineConfig
	logger        *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*artefactLock
}

// artefactLock is a reference-counted mutex entry, so the lock map shrinks
// back once no action is running or queued for the artefact.
type artefactLock struct {
	mu   sync.Mutex
	refs int
}

func NewEngine(
	cat *catalog.Catalog,
	sessions SessionStore,
	artefacts artefact.Repository,
	conversations conversation.Repository,
	transcripts TranscriptSource,
	generator ContentGenerator,
	lifecycle *artefact.Lifecycle,
	cfg EngineConfig,
	logger *zap.Logger,
) *Engine {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	return &Engine{
		catalog:       cat,
		templates:     NewTemplateEngine(),
		classifier:    NewClassifier(),
		sessions:      sessions,
		artefacts:     artefacts,
		conversations: conversations,
		transcripts:   transcripts,
		generator:     generator,
		lifecycle:     lifecycle,
		cfg:           cfg,
		logger:        logger,
	}
}

// lockArtefact acquires the mutex serializing all actions for one artefact.
// The refcount covers waiters too, so an entry is only dropped when nobody
// holds or wants it.
func (e *Engine) lockArtefact(id uuid.UUID) *artefactLock {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[uuid.UUID]*artefactLock)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &artefactLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Engine) unlockArtefact(id uuid.UUID, l *artefactLock) {
	l.mu.Unlock()
	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, id)
	}
	e.mu.Unlock()
}

// Handle executes one analysis action against the artefact's session.
func (e *Engine) Handle(ctx context.Context, artefactID uuid.UUID, req ActionRequest) (*ActionResponse, error) {
	lock := e.lockArtefact(artefactID)
	defer e.unlockArtefact(artefactID, lock)

	switch req.Type {
	case ActionStart:
		return e.start(ctx, artefactID)
	case ActionResume:
		return e.resume(ctx, artefactID, req)
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrValidation, req.Type)
	}
}

// Abandon closes the artefact's active session without advancing the
// artefact. The archived session rejects any further resume.
func (e *Engine) Abandon(ctx context.Context, artefactID uuid.UUID) error {
	lock := e.lockArtefact(artefactID)
	defer e.unlockArtefact(artefactID, lock)

	sess, err := e.sessions.Get(ctx, artefactID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return ErrInvalidSessionState
		}
		return err
	}
	if sess.Status != SessionActive {
		return ErrInvalidSessionState
	}
	sess.Status = SessionClosed
	if err := e.sessions.Update(ctx, sess); err != nil {
		return err
	}
	e.logger.Info("analysis session abandoned", zap.String("artefact_id", artefactID.String()))
	return nil
}

// start creates a session at present_classification with ranked candidates
// attached. No artefact content is written yet.
func (e *Engine) start(ctx context.Context, artefactID uuid.UUID) (*ActionResponse, error) {
	if existing, err := e.sessions.Get(ctx, artefactID); err == nil {
		if existing.Status == SessionActive {
			return nil, ErrSessionExists
		}
		// A closed session from an abandoned run does not block a
		// fresh start.
		if err := e.sessions.Delete(ctx, artefactID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	a, err := e.artefacts.GetByID(ctx, artefactID)
	if err != nil {
		return nil, err
	}
	if a.Status == artefact.StatusFinal || a.Status == artefact.StatusExported {
		return nil, fmt.Errorf("%w: artefact is %s", ErrValidation, a.Status)
	}

	spec := e.catalog.Specialty(a.SpecialtyID)
	if spec == nil {
		return nil, fmt.Errorf("unknown specialty %q", a.SpecialtyID)
	}

	if _, err := e.conversations.GetByID(ctx, a.ConversationID); err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	transcript, err := e.transcripts.Transcript(ctx, a.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("assembling transcript: %w", err)
	}

	candidates := e.classifier.Classify(transcript, spec)

	sess := &Session{
		ArtefactID:     artefactID,
		ConversationID: a.ConversationID,
		Node:           NodePresentClassification,
		Status:         SessionActive,
		Candidates:     candidates,
		Answered:       map[string]bool{},
	}

	resp := &ActionResponse{
		SessionID:      artefactID,
		ArtefactID:     artefactID,
		Node:           NodePresentClassification,
		Version:        1, // Create stores the session at version 1
		Classification: &ClassificationPayload{Candidates: candidates},
	}
	if err := recordResponse(sess, "", resp); err != nil {
		return nil, err
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	e.logger.Info("analysis session started",
		zap.String("artefact_id", artefactID.String()),
		zap.Int("candidates", len(candidates)))
	return resp, nil
}

// resume advances the session by one node transition.
func (e *Engine) resume(ctx context.Context, artefactID uuid.UUID, req ActionRequest) (*ActionResponse, error) {
	sess, err := e.sessions.Get(ctx, artefactID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrInvalidSessionState
		}
		return nil, err
	}
	if sess.Status != SessionActive {
		return nil, ErrInvalidSessionState
	}

	if !req.Node.Valid() {
		return nil, fmt.Errorf("%w: unrecognized node %q", ErrValidation, req.Node)
	}

	// A client retry of the transition that already committed replays the
	// recorded response without touching state. The fingerprint covers the
	// echoed session version, so a fresh turn that happens to repeat the
	// same node and bytes (consecutive identical follow-up answers, a
	// re-evaluation of a parked draft) never hits the cache.
	fp := fingerprint(req)
	if sess.LastFingerprint == fp && len(sess.LastResponse) > 0 {
		var cached ActionResponse
		if err := json.Unmarshal(sess.LastResponse, &cached); err != nil {
			return nil, err
		}
		return &cached, nil
	}

	if req.Version != sess.Version {
		return nil, fmt.Errorf("%w: session is at version %d, resume echoes %d",
			ErrInvalidSessionState, sess.Version, req.Version)
	}

	if req.Node != sess.Node {
		return nil, fmt.Errorf("%w: session is at %s, resume targets %s",
			ErrInvalidSessionState, sess.Node, req.Node)
	}

	a, err := e.artefacts.GetByID(ctx, artefactID)
	if err != nil {
		return nil, err
	}
	spec := e.catalog.Specialty(a.SpecialtyID)
	if spec == nil {
		return nil, fmt.Errorf("unknown specialty %q", a.SpecialtyID)
	}

	var resp *ActionResponse
	switch sess.Node {
	case NodePresentClassification:
		resp, err = e.resumeClassification(ctx, sess, a, spec, req)
	case NodePresentCapabilities:
		resp, err = e.resumeCapabilities(ctx, sess, a, spec)
	case NodePresentDraft:
		resp, err = e.resumeDraft(ctx, sess, a, spec)
	case NodeAskFollowup:
		resp, err = e.resumeFollowup(ctx, sess, a, spec, req)
	}
	if err != nil {
		return nil, err
	}

	// The store increments Version on Update; the response carries that
	// committed version for the client to echo on its next resume.
	resp.Version = sess.Version + 1

	// Commit: artefact first, then the session carrying the response the
	// doctor is about to see. The per-artefact lock makes the pair
	// effectively atomic for every reader that goes through the engine.
	if err := e.artefacts.Save(ctx, a); err != nil {
		return nil, err
	}
	if err := recordResponse(sess, fp, resp); err != nil {
		return nil, err
	}
	if err := e.sessions.Update(ctx, sess); err != nil {
		return nil, err
	}

	e.logger.Info("analysis session advanced",
		zap.String("artefact_id", artefactID.String()),
		zap.String("node", string(resp.Node)),
		zap.Bool("closed", resp.Closed))
	return resp, nil
}

// resumeClassification binds the doctor's chosen entry type and moves on to
// the capability view.
func (e *Engine) resumeClassification(ctx context.Context, sess *Session, a *artefact.Artefact, spec *catalog.SpecialtyConfig, req ActionRequest) (*ActionResponse, error) {
	var choice ClassificationChoice
	if err := decodeValue(req.Value, &choice); err != nil {
		return nil, err
	}
	et := spec.EntryType(choice.EntryTypeCode)
	if et == nil {
		return nil, fmt.Errorf("%w: unknown entry type %q for specialty %q",
			ErrValidation, choice.EntryTypeCode, spec.ID)
	}

	a.EntryTypeCode = et.Code
	a.TemplateID = et.TemplateID
	if a.Status == artefact.StatusDraft {
		a.Status = artefact.StatusProcessing
	}
	sess.Node = NodePresentCapabilities

	return &ActionResponse{
		SessionID:  sess.ArtefactID,
		ArtefactID: a.ID,
		Node:       NodePresentCapabilities,
		Capabilities: &CapabilitiesPayload{
			EntryTypeCode: et.Code,
			Capabilities:  spec.Capabilities,
		},
	}, nil
}

// resumeCapabilities acknowledges the capability view and synthesizes the
// draft: one generation call per template section. A generation failure
// mutates nothing, so the doctor retries the same resume.
func (e *Engine) resumeCapabilities(ctx context.Context, sess *Session, a *artefact.Artefact, spec *catalog.SpecialtyConfig) (*ActionResponse, error) {
	tmpl := spec.Template(a.TemplateID)
	if tmpl == nil {
		return nil, fmt.Errorf("artefact %s references unknown template %q", a.ID, a.TemplateID)
	}

	transcript, err := e.transcripts.Transcript(ctx, a.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("assembling transcript: %w", err)
	}

	drafted := make(map[string]string, len(tmpl.Sections))
	for _, sec := range tmpl.Sections {
		genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
		content, err := e.generator.Generate(genCtx, GenerationRequest{
			SectionID:    sec.ID,
			SectionLabel: sec.Label,
			PromptHint:   sec.PromptHint,
			Transcript:   transcript,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: section %q: %v", ErrGeneration, sec.ID, err)
		}
		drafted[sec.ID] = content
	}

	for id, content := range drafted {
		a.Sections[id] = content
	}
	score := e.templates.Score(tmpl, a.Sections)
	a.Completeness = score.Completeness
	sess.Node = NodePresentDraft

	return &ActionResponse{
		SessionID:  sess.ArtefactID,
		ArtefactID: a.ID,
		Node:       NodePresentDraft,
		Draft:      draftPayload(tmpl, a.Sections, score, nil),
	}, nil
}

// resumeDraft evaluates the draft: either asks the first missing required
// question, flags sections needing direct edits, or closes the session with
// the artefact at REVIEW or FINAL.
func (e *Engine) resumeDraft(ctx context.Context, sess *Session, a *artefact.Artefact, spec *catalog.SpecialtyConfig) (*ActionResponse, error) {
	tmpl := spec.Template(a.TemplateID)
	if tmpl == nil {
		return nil, fmt.Errorf("artefact %s references unknown template %q", a.ID, a.TemplateID)
	}
	return e.evaluate(sess, a, tmpl)
}

// resumeFollowup records the doctor's answer, rescores, and re-evaluates
// exactly as at present_draft.
func (e *Engine) resumeFollowup(ctx context.Context, sess *Session, a *artefact.Artefact, spec *catalog.SpecialtyConfig, req ActionRequest) (*ActionResponse, error) {
	var answer FollowupAnswer
	if err := decodeValue(req.Value, &answer); err != nil {
		return nil, err
	}
	if strings.TrimSpace(answer.Text) == "" {
		return nil, fmt.Errorf("%w: follow-up answer is empty", ErrValidation)
	}
	if sess.PendingSection == "" {
		return nil, fmt.Errorf("%w: no pending question", ErrInvalidSessionState)
	}
	tmpl := spec.Template(a.TemplateID)
	if tmpl == nil {
		return nil, fmt.Errorf("artefact %s references unknown template %q", a.ID, a.TemplateID)
	}

	a.Sections[sess.PendingSection] = answer.Text
	if sess.Answered == nil {
		sess.Answered = map[string]bool{}
	}
	sess.Answered[sess.PendingSection] = true
	sess.PendingSection = ""
	sess.PendingQuestion = ""

	return e.evaluate(sess, a, tmpl)
}

// evaluate is the shared close-out logic of present_draft and ask_followup.
func (e *Engine) evaluate(sess *Session, a *artefact.Artefact, tmpl *catalog.ArtefactTemplate) (*ActionResponse, error) {
	score := e.templates.Score(tmpl, a.Sections)

	if len(score.MissingRequired) == 0 {
		status, err := e.lifecycle.Advance(a, score.Completeness, 0)
		if err != nil {
			return nil, err
		}
		sess.Status = SessionClosed
		sess.Node = NodePresentDraft
		sess.PendingSection = ""
		sess.PendingQuestion = ""
		return &ActionResponse{
			SessionID:  sess.ArtefactID,
			ArtefactID: a.ID,
			Node:       NodePresentDraft,
			Closed:     true,
			Outcome: &OutcomePayload{
				Status:       status,
				Completeness: score.Completeness,
			},
		}, nil
	}

	if _, err := e.lifecycle.Advance(a, score.Completeness, len(score.MissingRequired)); err != nil {
		return nil, err
	}

	next := e.templates.NextQuestion(tmpl, score.MissingRequired, sess.Answered)
	if next == nil {
		// Every remaining required gap is question-less: it has to be
		// filled by direct editing, so the session parks at the draft.
		sess.Node = NodePresentDraft
		sess.PendingSection = ""
		sess.PendingQuestion = ""
		return &ActionResponse{
			SessionID:  sess.ArtefactID,
			ArtefactID: a.ID,
			Node:       NodePresentDraft,
			Draft:      draftPayload(tmpl, a.Sections, score, score.MissingRequired),
		}, nil
	}

	sess.Node = NodeAskFollowup
	sess.PendingSection = next.ID
	sess.PendingQuestion = *next.Question
	return &ActionResponse{
		SessionID:  sess.ArtefactID,
		ArtefactID: a.ID,
		Node:       NodeAskFollowup,
		Followup: &FollowupPayload{
			SectionID:    next.ID,
			Question:     *next.Question,
			Completeness: score.Completeness,
		},
	}, nil
}

func draftPayload(tmpl *catalog.ArtefactTemplate, content map[string]string, score ScoreResult, needsEdit []string) *DraftPayload {
	sections := make([]SectionContent, 0, len(tmpl.Sections))
	for _, sec := range tmpl.Sections {
		sections = append(sections, SectionContent{
			SectionID: sec.ID,
			Label:     sec.Label,
			Content:   content[sec.ID],
			Required:  sec.Required,
		})
	}
	return &DraftPayload{
		Sections:        sections,
		Completeness:    score.Completeness,
		MissingRequired: score.MissingRequired,
		NeedsDirectEdit: needsEdit,
	}
}

// decodeValue strictly unmarshals a resume value payload.
func decodeValue(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing value payload", ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// fingerprint identifies a resume request by the session version it echoes
// plus its node and raw value. The version is what keeps the identity unique
// across self-loop transitions whose requests carry identical bytes.
func fingerprint(req ActionRequest) string {
	h := sha256.New()
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(req.Version))
	h.Write(v[:])
	h.Write([]byte(req.Node))
	h.Write([]byte{0})
	h.Write(req.Value)
	return hex.EncodeToString(h.Sum(nil))
}

func recordResponse(sess *Session, fp string, resp *ActionResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	sess.LastFingerprint = fp
	sess.LastResponse = data
	return nil
}
