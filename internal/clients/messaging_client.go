package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"convoflow/engine/pkg/models"
)

// HTTPMessenger is an HTTP implementation of the Messenger interface.
type HTTPMessenger struct {
	url    string
	client *http.Client
}

// NewHTTPMessenger creates a new HTTPMessenger.
func NewHTTPMessenger(url string, timeout time.Duration) *HTTPMessenger {
	return &HTTPMessenger{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Send delivers body to address over the given channel.
func (c *HTTPMessenger) Send(ctx context.Context, channel models.Channel, address, body, idempotencyKey string) error {
	requestBody, err := json.Marshal(map[string]string{
		"channel": string(channel),
		"address": address,
		"body":    body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/send", bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Transient(fmt.Errorf("messaging collaborator unavailable: status code %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("failed to send message: status code %d", resp.StatusCode)
	}

	return nil
}
