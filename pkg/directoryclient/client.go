/**
 * @description
 * This package provides a client for the portal's account directory, the
 * external collaborator that resolves account ids to display metadata (name,
 * email). The ledger stores only ids; the query layer uses this client to
 * enrich pending/history views. Lookups go through a small in-process TTL
 * cache because the same handful of broker ids appears on every page of
 * results.
 */
package directoryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Profile is the display metadata the directory holds for one account.
type Profile struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

// Client is a client for the account directory service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cachedProfile
}

type cachedProfile struct {
	profile   Profile
	fetchedAt time.Time
}

// NewClient creates a new directory client. cacheTTL bounds how stale a cached
// profile may be; zero or negative disables caching.
func NewClient(baseURL string, apiKey string, cacheTTL time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheTTL:   cacheTTL,
		cache:      make(map[string]cachedProfile),
	}
}

// Lookup resolves display metadata for an account id. A directory miss is not
// an error: callers fall back to the bare id.
func (c *Client) Lookup(ctx context.Context, accountID string) (*Profile, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("directory service base url is empty")
	}

	if p, ok := c.cached(accountID); ok {
		return p, nil
	}

	endpoint := fmt.Sprintf("%s/internal/accounts/%s/profile", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to directory service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %w", err)
	}
	if profile.AccountID == "" {
		profile.AccountID = accountID
	}
	c.store(accountID, profile)
	return &profile, nil
}

func (c *Client) cached(accountID string) (*Profile, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[accountID]
	if !ok || time.Since(entry.fetchedAt) > c.cacheTTL {
		return nil, false
	}
	p := entry.profile
	return &p, true
}

func (c *Client) store(accountID string, profile Profile) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[accountID] = cachedProfile{profile: profile, fetchedAt: time.Now()}
}
