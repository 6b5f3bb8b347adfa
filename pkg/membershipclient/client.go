/**
 * @description
 * This package provides a client for the portal's membership service, the
 * external collaborator that knows which client accounts belong to which
 * broker. The ledger consults it before allowing a direct broker-to-client
 * transfer; it stores no membership data of its own.
 */
package membershipclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the membership service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new membership service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type membershipResponse struct {
	Associated bool `json:"associated"`
}

// IsClientOf reports whether clientAccountID is one of brokerAccountID's
// associated clients.
func (c *Client) IsClientOf(ctx context.Context, brokerAccountID, clientAccountID string) (bool, error) {
	if c.baseURL == "" {
		return false, fmt.Errorf("membership service base url is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/memberships/check?broker_id=%s&client_id=%s",
		c.baseURL, url.QueryEscape(brokerAccountID), url.QueryEscape(clientAccountID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute request to membership service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("membership service returned status %d", resp.StatusCode)
	}

	var body membershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode membership response: %w", err)
	}
	return body.Associated, nil
}
