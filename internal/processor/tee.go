package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TEEClient talks to the trusted-execution-environment processor over HTTP.
type TEEClient struct {
	endpoint string
	client   *http.Client
}

var _ Processor = (*TEEClient)(nil)

// NewTEEClient creates a processor client for the given endpoint. The HTTP
// client carries no timeout of its own; each Process call is bounded by its
// context.
func NewTEEClient(endpoint string) *TEEClient {
	return &TEEClient{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

type processRequest struct {
	Payload processPayload `json:"payload"`
}

type processPayload struct {
	BlobID        string `json:"blobId"`
	OnchainFileID string `json:"onchainFileId"`
	PolicyID      string `json:"policyId"`
	TimeoutSecs   int    `json:"timeout_secs"`
}

// Process submits the payload references to the TEE and waits for its
// verdict, up to the given timeout.
func (c *TEEClient) Process(ctx context.Context, refs Refs, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(processRequest{
		Payload: processPayload{
			BlobID:        refs.BlobID,
			OnchainFileID: refs.OnchainFileID,
			PolicyID:      refs.PolicyID,
			TimeoutSecs:   int(timeout.Seconds()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal process request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/process_data", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("processor request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read processor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("processor returned status %d: %s", resp.StatusCode, string(raw))
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode processor response: %w", err)
	}
	return &result, nil
}
