package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-agent/internal/message"
)

func TestTranscriptReadyEvent(t *testing.T) {
	var got event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := message.New(uuid.New(), "ref", message.PayloadAudio)
	require.NoError(t, NewClient(srv.URL).TranscriptReady(context.Background(), m))

	assert.Equal(t, "transcript_ready", got.Event)
	assert.Equal(t, m.ID.String(), got.MessageID)
	assert.Equal(t, m.ConversationID.String(), got.ConversationID)
	assert.False(t, got.At.IsZero())
}

func TestArtefactExportedEvent(t *testing.T) {
	var got event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	id := uuid.New()
	require.NoError(t, NewClient(srv.URL).ArtefactExported(context.Background(), id))
	assert.Equal(t, "artefact_exported", got.Event)
	assert.Equal(t, id.String(), got.ArtefactID)
}

func TestEmptyWebhookIsNoop(t *testing.T) {
	m := message.New(uuid.New(), "ref", message.PayloadText)
	assert.NoError(t, NewClient("").TranscriptReady(context.Background(), m))
}

func TestNon2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := message.New(uuid.New(), "ref", message.PayloadText)
	err := NewClient(srv.URL).TranscriptReady(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}
