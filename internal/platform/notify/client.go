// Package notify delivers pipeline events to the external notification
// collaborator over a JSON webhook. Delivery is best-effort: callers log
// failures and move on, since every event is reconstructible by polling.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"portfolio-agent/internal/message"
)

type Client struct {
	webhookURL string
	httpClient *http.Client
}

func NewClient(webhookURL string) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type event struct {
	Event          string    `json:"event"`
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ArtefactID     string    `json:"artefact_id,omitempty"`
	At             time.Time `json:"at"`
}

// TranscriptReady implements message.Notifier: the analysis start trigger
// listens for this event.
func (c *Client) TranscriptReady(ctx context.Context, m *message.Message) error {
	return c.send(ctx, event{
		Event:          "transcript_ready",
		MessageID:      m.ID.String(),
		ConversationID: m.ConversationID.String(),
		At:             time.Now().UTC(),
	})
}

// ArtefactExported announces a finished portfolio export.
func (c *Client) ArtefactExported(ctx context.Context, artefactID uuid.UUID) error {
	return c.send(ctx, event{
		Event:      "artefact_exported",
		ArtefactID: artefactID.String(),
		At:         time.Now().UTC(),
	})
}

func (c *Client) send(ctx context.Context, ev event) error {
	if c.webhookURL == "" {
		return nil
	}

	jsonBody, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver %s notification: %w", ev.Event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		var bodyBytes []byte
		if resp.Body != nil {
			bodyBytes, _ = io.ReadAll(resp.Body)
		}
		return fmt.Errorf("notification webhook returned status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return nil
}
