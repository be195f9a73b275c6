package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portfolio-agent/internal/artefact"
	"portfolio-agent/internal/catalog"
	"portfolio-agent/internal/conversation"
)

const engineSpecialty = `
id: gp
name: General Practice
entry_types:
  - code: cbd
    label: Case-Based Discussion
    template: cbd-v1
    signal_phrases: ["case review", "management plan"]
  - code: procedure
    label: Clinical Procedure
    template: proc-v1
    signal_phrases: ["performed a procedure"]
templates:
  - id: cbd-v1
    sections:
      - id: summary
        label: Clinical summary
        required: true
        weight: 0.5
        question: "What was the presentation?"
      - id: reasoning
        label: Clinical reasoning
        required: true
        weight: 0.3
        question: "Why this management?"
      - id: learning
        label: Learning points
        required: false
        weight: 0.2
  - id: proc-v1
    sections:
      - id: indication
        label: Indication
        required: true
        weight: 0.5
        question: "What was the indication?"
      - id: complications
        label: Complications
        required: true
        weight: 0.5
capabilities:
  - code: c1
    name: Communication
  - code: c2
    name: Making decisions
`

type memArtefactRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*artefact.Artefact
}

func newMemArtefactRepo() *memArtefactRepo {
	return &memArtefactRepo{items: make(map[uuid.UUID]*artefact.Artefact)}
}

func cloneArtefact(a *artefact.Artefact) *artefact.Artefact {
	cp := *a
	cp.Sections = make(map[string]string, len(a.Sections))
	for k, v := range a.Sections {
		cp.Sections[k] = v
	}
	return &cp
}

func (r *memArtefactRepo) GetByID(ctx context.Context, id uuid.UUID) (*artefact.Artefact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return nil, artefact.ErrNotFound
	}
	return cloneArtefact(a), nil
}

func (r *memArtefactRepo) Save(ctx context.Context, a *artefact.Artefact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[a.ID] = cloneArtefact(a)
	return nil
}

func (r *memArtefactRepo) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]artefact.Artefact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []artefact.Artefact
	for _, a := range r.items {
		if a.ConversationID == conversationID {
			out = append(out, *cloneArtefact(a))
		}
	}
	return out, nil
}

type memConversationRepo struct {
	items map[uuid.UUID]*conversation.Conversation
}

func (r *memConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	c, ok := r.items[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return c, nil
}

func (r *memConversationRepo) Save(ctx context.Context, c *conversation.Conversation) error {
	r.items[c.ID] = c
	return nil
}

type fixedTranscript string

func (f fixedTranscript) Transcript(ctx context.Context, conversationID uuid.UUID) (string, error) {
	return string(f), nil
}

// scriptedGenerator returns canned content per section and can be told to
// fail on specific sections.
type scriptedGenerator struct {
	mu      sync.Mutex
	content map[string]string
	failOn  map[string]bool
	calls   int
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{content: map[string]string{}, failOn: map[string]bool{}}
}

func (g *scriptedGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.failOn[req.SectionID] {
		return "", errors.New("generation backend down")
	}
	if c, ok := g.content[req.SectionID]; ok {
		return c, nil
	}
	return "drafted " + req.SectionID, nil
}

type engineFixture struct {
	engine     *Engine
	artefacts  *memArtefactRepo
	sessions   SessionStore
	generator  *scriptedGenerator
	artefactID uuid.UUID

	// version mirrors what a well-behaved client does: remember the
	// Version of the last response and echo it on the next resume.
	version int64
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gp.yaml"), []byte(engineSpecialty), 0o644))
	cat, err := catalog.Load(dir, zap.NewNop())
	require.NoError(t, err)

	sessions, err := NewSessionStore(DriverMemory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	artefacts := newMemArtefactRepo()
	conversations := &memConversationRepo{items: map[uuid.UUID]*conversation.Conversation{}}
	generator := newScriptedGenerator()

	conv := &conversation.Conversation{ID: uuid.New(), OwnerID: uuid.New(), SpecialtyID: "gp"}
	require.NoError(t, conversations.Save(context.Background(), conv))

	a := artefact.New(conv.ID, "gp")
	require.NoError(t, artefacts.Save(context.Background(), a))

	engine := NewEngine(
		cat,
		sessions,
		artefacts,
		conversations,
		fixedTranscript("case review of a patient, we agreed a management plan"),
		generator,
		artefact.NewLifecycle(0.9),
		EngineConfig{GenerationTimeout: time.Second},
		zap.NewNop(),
	)

	return &engineFixture{
		engine:     engine,
		artefacts:  artefacts,
		sessions:   sessions,
		generator:  generator,
		artefactID: a.ID,
	}
}

func (fx *engineFixture) artefactState(t *testing.T) *artefact.Artefact {
	t.Helper()
	a, err := fx.artefacts.GetByID(context.Background(), fx.artefactID)
	require.NoError(t, err)
	return a
}

func resumeReq(node Node, value any, version int64) ActionRequest {
	var raw json.RawMessage
	if value != nil {
		data, _ := json.Marshal(value)
		raw = data
	}
	return ActionRequest{Type: ActionResume, Node: node, Value: raw, Version: version}
}

func (fx *engineFixture) mustStart(t *testing.T) *ActionResponse {
	t.Helper()
	resp, err := fx.engine.Handle(context.Background(), fx.artefactID, ActionRequest{Type: ActionStart})
	require.NoError(t, err)
	fx.version = resp.Version
	return resp
}

func (fx *engineFixture) mustResume(t *testing.T, node Node, value any) *ActionResponse {
	t.Helper()
	resp, err := fx.engine.Handle(context.Background(), fx.artefactID, resumeReq(node, value, fx.version))
	require.NoError(t, err)
	fx.version = resp.Version
	return resp
}

func TestEngineFullWalkToFinal(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	resp := fx.mustStart(t)
	assert.Equal(t, NodePresentClassification, resp.Node)
	assert.Equal(t, int64(1), resp.Version)
	require.NotNil(t, resp.Classification)
	require.NotEmpty(t, resp.Classification.Candidates)
	assert.Equal(t, "cbd", resp.Classification.Candidates[0].EntryTypeCode)

	resp = fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})
	assert.Equal(t, NodePresentCapabilities, resp.Node)
	require.NotNil(t, resp.Capabilities)
	assert.Len(t, resp.Capabilities.Capabilities, 2)

	a := fx.artefactState(t)
	assert.Equal(t, "cbd", a.EntryTypeCode)
	assert.Equal(t, "cbd-v1", a.TemplateID)
	assert.Equal(t, artefact.StatusProcessing, a.Status)

	resp = fx.mustResume(t, NodePresentCapabilities, nil)
	assert.Equal(t, NodePresentDraft, resp.Node)
	require.NotNil(t, resp.Draft)
	assert.InDelta(t, 1.0, resp.Draft.Completeness, 1e-9)
	assert.Empty(t, resp.Draft.MissingRequired)
	assert.Len(t, resp.Draft.Sections, 3)

	resp = fx.mustResume(t, NodePresentDraft, nil)
	assert.True(t, resp.Closed)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, artefact.StatusFinal, resp.Outcome.Status)

	a = fx.artefactState(t)
	assert.Equal(t, artefact.StatusFinal, a.Status)
	assert.Equal(t, "drafted summary", a.Sections["summary"])

	sess, err := fx.sessions.Get(ctx, fx.artefactID)
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, sess.Status)
}

func TestEngineFollowupPath(t *testing.T) {
	fx := newEngineFixture(t)
	fx.generator.content["summary"] = ""

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})

	resp := fx.mustResume(t, NodePresentCapabilities, nil)
	assert.Equal(t, NodePresentDraft, resp.Node)
	assert.InDelta(t, 0.5, resp.Draft.Completeness, 1e-9)
	assert.Equal(t, []string{"summary"}, resp.Draft.MissingRequired)

	resp = fx.mustResume(t, NodePresentDraft, nil)
	assert.Equal(t, NodeAskFollowup, resp.Node)
	require.NotNil(t, resp.Followup)
	assert.Equal(t, "summary", resp.Followup.SectionID)
	assert.Equal(t, "What was the presentation?", resp.Followup.Question)

	a := fx.artefactState(t)
	assert.Equal(t, artefact.StatusProcessing, a.Status)

	resp = fx.mustResume(t, NodeAskFollowup, FollowupAnswer{Text: "acute chest pain, settled with GTN"})
	assert.True(t, resp.Closed)
	assert.Equal(t, artefact.StatusFinal, resp.Outcome.Status)
	assert.InDelta(t, 1.0, resp.Outcome.Completeness, 1e-9)

	a = fx.artefactState(t)
	assert.Equal(t, "acute chest pain, settled with GTN", a.Sections["summary"])
}

func TestEngineStartRejectsActiveSession(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.engine.Handle(ctx, fx.artefactID, ActionRequest{Type: ActionStart})
	require.NoError(t, err)

	_, err = fx.engine.Handle(ctx, fx.artefactID, ActionRequest{Type: ActionStart})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestEngineStartRejectsFinalizedArtefact(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	a := fx.artefactState(t)
	a.Status = artefact.StatusFinal
	require.NoError(t, fx.artefacts.Save(ctx, a))

	_, err := fx.engine.Handle(ctx, fx.artefactID, ActionRequest{Type: ActionStart})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngineResumeWithoutSession(t *testing.T) {
	fx := newEngineFixture(t)
	_, err := fx.engine.Handle(context.Background(), fx.artefactID,
		resumeReq(NodePresentDraft, nil, 1))
	assert.ErrorIs(t, err, ErrInvalidSessionState)
}

func TestEngineResumeNodeMismatchLeavesSessionUntouched(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.mustStart(t)

	before, err := fx.sessions.Get(ctx, fx.artefactID)
	require.NoError(t, err)

	_, err = fx.engine.Handle(ctx, fx.artefactID, resumeReq(NodePresentDraft, nil, fx.version))
	assert.ErrorIs(t, err, ErrInvalidSessionState)

	after, err := fx.sessions.Get(ctx, fx.artefactID)
	require.NoError(t, err)
	assert.Equal(t, before.Node, after.Node)
	assert.Equal(t, before.Version, after.Version)
}

func TestEngineResumeRejectsUnknownNode(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.mustStart(t)

	_, err := fx.engine.Handle(ctx, fx.artefactID, resumeReq(Node("pick_colour"), nil, fx.version))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngineResumeRejectsStaleVersion(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})

	// neither the current version nor a recorded retry: out-of-sync client
	_, err := fx.engine.Handle(ctx, fx.artefactID,
		resumeReq(NodePresentCapabilities, nil, fx.version+7))
	assert.ErrorIs(t, err, ErrInvalidSessionState)

	// the in-sync resume still works
	resp := fx.mustResume(t, NodePresentCapabilities, nil)
	assert.Equal(t, NodePresentDraft, resp.Node)
}

func TestEngineRejectsUnknownEntryType(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.mustStart(t)

	_, err := fx.engine.Handle(ctx, fx.artefactID,
		resumeReq(NodePresentClassification, ClassificationChoice{EntryTypeCode: "surgery"}, fx.version))
	assert.ErrorIs(t, err, ErrValidation)

	// the session is still waiting at classification
	resp := fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})
	assert.Equal(t, NodePresentCapabilities, resp.Node)
}

func TestEngineReplayReturnsCachedResponse(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})

	retryVersion := fx.version
	first := fx.mustResume(t, NodePresentCapabilities, nil)
	callsAfterFirst := fx.generator.calls

	// a network-drop retry re-sends the exact same request, including the
	// pre-commit version: same response, no new generation calls, no
	// session movement
	second, err := fx.engine.Handle(ctx, fx.artefactID,
		resumeReq(NodePresentCapabilities, nil, retryVersion))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, fx.generator.calls)

	sess, err := fx.sessions.Get(ctx, fx.artefactID)
	require.NoError(t, err)
	assert.Equal(t, NodePresentDraft, sess.Node)
}

func TestEngineGenerationFailureMutatesNothing(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})

	fx.generator.failOn["reasoning"] = true
	_, err := fx.engine.Handle(ctx, fx.artefactID, resumeReq(NodePresentCapabilities, nil, fx.version))
	assert.ErrorIs(t, err, ErrGeneration)

	a := fx.artefactState(t)
	assert.Empty(t, a.Sections)

	sess, err := fx.sessions.Get(ctx, fx.artefactID)
	require.NoError(t, err)
	assert.Equal(t, NodePresentCapabilities, sess.Node)

	// the backend recovers and the identical resume now succeeds
	fx.generator.failOn["reasoning"] = false
	resp := fx.mustResume(t, NodePresentCapabilities, nil)
	assert.Equal(t, NodePresentDraft, resp.Node)
}

func TestEngineClosedSessionRejectsEveryResume(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})
	fx.mustResume(t, NodePresentCapabilities, nil)
	closingVersion := fx.version
	resp := fx.mustResume(t, NodePresentDraft, nil)
	require.True(t, resp.Closed)

	// even the byte-identical retry of the closing action is rejected once
	// the session is closed
	_, err := fx.engine.Handle(ctx, fx.artefactID, resumeReq(NodePresentDraft, nil, closingVersion))
	assert.ErrorIs(t, err, ErrInvalidSessionState)

	a := fx.artefactState(t)
	assert.Equal(t, artefact.StatusFinal, a.Status)
}

func TestEngineParksWhenGapHasNoQuestion(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// procedure's complications section is required but carries no question
	fx.generator.content["complications"] = ""

	transcript := fixedTranscript("performed a procedure under supervision")
	fx.engine.transcripts = transcript

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "procedure"})
	fx.mustResume(t, NodePresentCapabilities, nil)

	resp := fx.mustResume(t, NodePresentDraft, nil)
	assert.Equal(t, NodePresentDraft, resp.Node)
	assert.False(t, resp.Closed)
	require.NotNil(t, resp.Draft)
	assert.Equal(t, []string{"complications"}, resp.Draft.NeedsDirectEdit)

	sess, err := fx.sessions.Get(ctx, fx.artefactID)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)

	a := fx.artefactState(t)
	assert.Equal(t, artefact.StatusProcessing, a.Status)
}

func TestEngineAbandon(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, fx.engine.Abandon(ctx, fx.artefactID), ErrInvalidSessionState)

	fx.mustStart(t)

	require.NoError(t, fx.engine.Abandon(ctx, fx.artefactID))

	_, err := fx.engine.Handle(ctx, fx.artefactID,
		resumeReq(NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"}, fx.version))
	assert.ErrorIs(t, err, ErrInvalidSessionState)

	// an abandoned run does not block starting over
	resp, err := fx.engine.Handle(ctx, fx.artefactID, ActionRequest{Type: ActionStart})
	require.NoError(t, err)
	assert.Equal(t, NodePresentClassification, resp.Node)
}

func TestEngineFollowupAnswerValidation(t *testing.T) {
	fx := newEngineFixture(t)
	fx.generator.content["summary"] = ""

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})
	fx.mustResume(t, NodePresentCapabilities, nil)
	resp := fx.mustResume(t, NodePresentDraft, nil)
	require.Equal(t, NodeAskFollowup, resp.Node)

	_, err := fx.engine.Handle(context.Background(), fx.artefactID,
		resumeReq(NodeAskFollowup, FollowupAnswer{Text: "   "}, fx.version))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = fx.engine.Handle(context.Background(), fx.artefactID,
		resumeReq(NodeAskFollowup, nil, fx.version))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngineRepeatedIdenticalAnswers(t *testing.T) {
	fx := newEngineFixture(t)
	fx.generator.content["summary"] = ""
	fx.generator.content["reasoning"] = ""

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})
	fx.mustResume(t, NodePresentCapabilities, nil)

	resp := fx.mustResume(t, NodePresentDraft, nil)
	require.Equal(t, NodeAskFollowup, resp.Node)
	assert.Equal(t, "summary", resp.Followup.SectionID)

	// the same literal answer to two consecutive questions is two distinct
	// turns, not a retry: both sections must be written
	resp = fx.mustResume(t, NodeAskFollowup, FollowupAnswer{Text: "yes"})
	require.Equal(t, NodeAskFollowup, resp.Node)
	assert.Equal(t, "reasoning", resp.Followup.SectionID)

	resp = fx.mustResume(t, NodeAskFollowup, FollowupAnswer{Text: "yes"})
	assert.True(t, resp.Closed)

	a := fx.artefactState(t)
	assert.Equal(t, "yes", a.Sections["summary"])
	assert.Equal(t, "yes", a.Sections["reasoning"])
	assert.Equal(t, artefact.StatusFinal, a.Status)
}

func TestEngineParkedSessionRecoversAfterDirectEdit(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.generator.content["complications"] = ""
	fx.engine.transcripts = fixedTranscript("performed a procedure under supervision")

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "procedure"})
	fx.mustResume(t, NodePresentCapabilities, nil)

	resp := fx.mustResume(t, NodePresentDraft, nil)
	require.Equal(t, []string{"complications"}, resp.Draft.NeedsDirectEdit)
	require.False(t, resp.Closed)

	// the doctor fills the question-less gap by editing the artefact
	a := fx.artefactState(t)
	a.Sections["complications"] = "none; routine aftercare given"
	require.NoError(t, fx.artefacts.Save(ctx, a))

	// the next evaluation of the parked draft re-scores and closes out
	resp = fx.mustResume(t, NodePresentDraft, nil)
	assert.True(t, resp.Closed)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, artefact.StatusFinal, resp.Outcome.Status)

	sess, err := fx.sessions.Get(ctx, fx.artefactID)
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, sess.Status)
}

func TestEngineReleasesArtefactLocks(t *testing.T) {
	fx := newEngineFixture(t)

	fx.mustStart(t)
	fx.mustResume(t, NodePresentClassification, ClassificationChoice{EntryTypeCode: "cbd"})
	require.NoError(t, fx.engine.Abandon(context.Background(), fx.artefactID))

	fx.engine.mu.Lock()
	held := len(fx.engine.locks)
	fx.engine.mu.Unlock()
	assert.Zero(t, held)
}
