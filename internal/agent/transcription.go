// Package agent holds the HTTP clients for the opaque external services the
// core consumes: transcription, transcript cleaning, de-identification and
// content generation. Each client is a thin request/response wrapper; the
// retry and timeout policy lives with the callers.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"portfolio-agent/internal/message"
)

// TranscriptionClient calls the speech-to-text service. The raw audio/image
// bytes live in external storage; the service fetches them by reference.
type TranscriptionClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewTranscriptionClient(baseURL string) *TranscriptionClient {
	return &TranscriptionClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type transcribeRequest struct {
	PayloadRef string `json:"payload_ref"`
	Kind       string `json:"kind"`
}

type transcribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe implements message.Transcriber.
func (c *TranscriptionClient) Transcribe(ctx context.Context, payloadRef string, kind message.PayloadKind) (string, error) {
	reqBody, err := json.Marshal(transcribeRequest{PayloadRef: payloadRef, Kind: string(kind)})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("transcription API error: %s - %s", resp.Status, string(body))
	}

	var result transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}
