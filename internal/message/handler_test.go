package message

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMessageRouter(repo Repository, p *Processor) *chi.Mux {
	r := chi.NewRouter()
	RegisterRoutes(r, NewHandler(repo, p, zap.NewNop()))
	return r
}

func TestHandleSubmit(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(repo, okStt("words"), suffixing(""), suffixing(""), nil,
		ProcessorConfig{RetryBudget: 0, StageTimeout: time.Second})
	router := newMessageRouter(repo, p)

	body, _ := json.Marshal(SubmitMessageRequest{
		PayloadRef:  "s3://bucket/voice.ogg",
		PayloadKind: PayloadAudio,
	})
	req := httptest.NewRequest(http.MethodPost,
		"/conversations/"+uuid.NewString()+"/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var m Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, "s3://bucket/voice.ogg", m.PayloadRef)

	// the background pipeline picks the message up after the response
	require.Eventually(t, func() bool {
		stored, err := repo.GetByID(context.Background(), m.ID)
		return err == nil && stored.Status == StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSubmitValidation(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(repo, okStt("x"), suffixing(""), suffixing(""), nil,
		ProcessorConfig{RetryBudget: 0, StageTimeout: time.Second})
	router := newMessageRouter(repo, p)

	post := func(t *testing.T, convID string, req SubmitMessageRequest) *httptest.ResponseRecorder {
		t.Helper()
		body, _ := json.Marshal(req)
		httpReq := httptest.NewRequest(http.MethodPost,
			"/conversations/"+convID+"/messages", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httpReq)
		return rec
	}

	t.Run("missing payload_ref", func(t *testing.T) {
		rec := post(t, uuid.NewString(), SubmitMessageRequest{PayloadKind: PayloadText})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad payload_kind", func(t *testing.T) {
		rec := post(t, uuid.NewString(), SubmitMessageRequest{
			PayloadRef: "ref", PayloadKind: PayloadKind("video"),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad conversation id", func(t *testing.T) {
		rec := post(t, "nope", SubmitMessageRequest{PayloadRef: "ref", PayloadKind: PayloadText})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGetMessage(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(repo, okStt("x"), suffixing(""), suffixing(""), nil,
		ProcessorConfig{RetryBudget: 0, StageTimeout: time.Second})
	router := newMessageRouter(repo, p)

	m := New(uuid.New(), "ref", PayloadText)
	m.transition(StatusTranscribing)
	require.NoError(t, repo.Save(context.Background(), m))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/messages/"+m.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, StatusTranscribing, got.Status)
	assert.Len(t, got.History, 2)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/messages/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
