package agent

import (
	"context"
	"net/http"
	"time"
)

// DeidentificationClient calls the PII redaction service. Redacted spans come
// back replaced with placeholder tokens; the core never sees the originals
// again.
type DeidentificationClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewDeidentificationClient(baseURL string) *DeidentificationClient {
	return &DeidentificationClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Deidentify implements message.Deidentifier.
func (c *DeidentificationClient) Deidentify(ctx context.Context, transcript string) (string, error) {
	return postText(ctx, c.httpClient, c.baseURL+"/deidentify", transcript, "de-identification")
}
