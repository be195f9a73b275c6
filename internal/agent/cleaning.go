package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CleaningClient calls the transcript normalization service: grammar fixes,
// disfluency removal.
type CleaningClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewCleaningClient(baseURL string) *CleaningClient {
	return &CleaningClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type textRequest struct {
	Text string `json:"text"`
}

type textResponse struct {
	Text string `json:"text"`
}

// Clean implements message.Cleaner.
func (c *CleaningClient) Clean(ctx context.Context, transcript string) (string, error) {
	return postText(ctx, c.httpClient, c.baseURL+"/clean", transcript, "cleaning")
}

// postText is the shared text-in/text-out call used by the cleaning and
// de-identification clients.
func postText(ctx context.Context, client *http.Client, url, text, service string) (string, error) {
	reqBody, err := json.Marshal(textRequest{Text: text})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%s API error: %s - %s", service, resp.Status, string(body))
	}

	var result textResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}
