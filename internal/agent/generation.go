package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"portfolio-agent/internal/analysis"
)

// GenerationClient calls the content-generation service that drafts artefact
// sections from a prompt hint and the transcript.
type GenerationClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewGenerationClient(baseURL, apiKey string) *GenerationClient {
	return &GenerationClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

type generationResponse struct {
	Content string `json:"content"`
}

// Generate implements analysis.ContentGenerator.
func (c *GenerationClient) Generate(ctx context.Context, genReq analysis.GenerationRequest) (string, error) {
	reqBody, err := json.Marshal(genReq)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("generation API error: %s - %s", resp.Status, string(body))
	}

	var result generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Content, nil
}
