package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"convoflow/engine/pkg/models"
)

// HTTPAccountDirectory is an HTTP implementation of the AccountDirectory
// interface.
type HTTPAccountDirectory struct {
	url string
}

// NewHTTPAccountDirectory creates a new HTTPAccountDirectory.
func NewHTTPAccountDirectory(url string) *HTTPAccountDirectory {
	return &HTTPAccountDirectory{url: url}
}

// TierFor returns the subscription tier for the given account.
func (c *HTTPAccountDirectory) TierFor(ctx context.Context, accountID string) (*models.Tier, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/accounts/"+accountID+"/tier", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, Transient(fmt.Errorf("account directory unavailable: status code %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to resolve tier: status code %d", resp.StatusCode)
	}

	var tier models.Tier
	if err := json.NewDecoder(resp.Body).Decode(&tier); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	return &tier, nil
}
