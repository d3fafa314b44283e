package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAIClient is an HTTP implementation of the AIClient interface.
type HTTPAIClient struct {
	url    string
	client *http.Client
}

// NewHTTPAIClient creates a new HTTPAIClient.
func NewHTTPAIClient(url string, timeout time.Duration) *HTTPAIClient {
	return &HTTPAIClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Generate produces a reply for the given prompt and conversation context.
func (c *HTTPAIClient) Generate(ctx context.Context, prompt string, convContext []string) (*GenerateResult, error) {
	requestBody, err := json.Marshal(map[string]any{
		"prompt":  prompt,
		"context": convContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/generate", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, Transient(fmt.Errorf("ai collaborator unavailable: status code %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ai collaborator rejected request: status code %d", resp.StatusCode)
	}

	var result GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	return &result, nil
}
