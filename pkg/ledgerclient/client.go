/**
 * @description
 * This package provides a client for communicating with the pin-ledger-service.
 * Other portal services (and the client portal's backend-for-frontend) use it
 * to move pins and read balances without hand-rolling HTTP calls. It also
 * carries the optimistic balance view the client portal renders between
 * authoritative reads.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the pin ledger service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new pin ledger client. The token is sent as a bearer
// token on every request.
func NewClient(baseURL string, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Allocation mirrors the service's allocation representation.
type Allocation struct {
	ID              string  `json:"id"`
	FromAccountID   string  `json:"from_account_id"`
	ToAccountID     string  `json:"to_account_id"`
	ToAccountName   string  `json:"to_account_name,omitempty"`
	Amount          int64   `json:"amount"`
	Remarks         string  `json:"remarks,omitempty"`
	Status          string  `json:"status"`
	RequestedAt     string  `json:"requested_at"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
	ResolvedBy      *string `json:"resolved_by,omitempty"`
	ApprovalRemarks *string `json:"approval_remarks,omitempty"`
}

// Transfer mirrors the service's transfer representation.
type Transfer struct {
	ID            string `json:"id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
	Remarks       string `json:"remarks,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

// Balance is the authoritative balance response.
type Balance struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type createAllocationPayload struct {
	ToAccountID string `json:"to_account_id"`
	Amount      int64  `json:"amount"`
	Remarks     string `json:"remarks,omitempty"`
}

type resolveAllocationPayload struct {
	Approve bool   `json:"approve"`
	Remarks string `json:"remarks,omitempty"`
}

type transferPayload struct {
	ToAccountID string `json:"to_account_id"`
	Amount      int64  `json:"amount"`
	Remarks     string `json:"remarks,omitempty"`
}

// HistoryOptions narrows the allocation and transfer history queries. Zero
// values are omitted from the request.
type HistoryOptions struct {
	ToAccountID string
	Status      string
	From        string
	To          string
	Search      string
	Limit       int
	Offset      int
}

func (o HistoryOptions) query() url.Values {
	q := url.Values{}
	if o.ToAccountID != "" {
		q.Set("to_account_id", o.ToAccountID)
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.From != "" {
		q.Set("from", o.From)
	}
	if o.To != "" {
		q.Set("to", o.To)
	}
	if o.Search != "" {
		q.Set("q", o.Search)
	}
	if o.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", o.Offset))
	}
	return q
}

// CreateAllocation proposes a pin allocation to a broker. The caller must hold
// an admin token.
func (c *Client) CreateAllocation(ctx context.Context, toAccountID string, amount int64, remarks string) (*Allocation, error) {
	var out Allocation
	err := c.do(ctx, http.MethodPost, "/allocations", createAllocationPayload{
		ToAccountID: toAccountID,
		Amount:      amount,
		Remarks:     remarks,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveAllocation approves or rejects a pending allocation.
func (c *Client) ResolveAllocation(ctx context.Context, allocationID string, approve bool, remarks string) (*Allocation, error) {
	var out Allocation
	err := c.do(ctx, http.MethodPost, "/allocations/"+url.PathEscape(allocationID)+"/resolve", resolveAllocationPayload{
		Approve: approve,
		Remarks: remarks,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferToClient moves pins from the caller's broker account to a client.
func (c *Client) TransferToClient(ctx context.Context, toAccountID string, amount int64, remarks string) (*Transfer, error) {
	var out Transfer
	err := c.do(ctx, http.MethodPost, "/transfers", transferPayload{
		ToAccountID: toAccountID,
		Amount:      amount,
		Remarks:     remarks,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPendingAllocations returns the caller's visible approval queue.
func (c *Client) ListPendingAllocations(ctx context.Context, opts HistoryOptions) ([]Allocation, error) {
	var out []Allocation
	if err := c.get(ctx, "/allocations/pending", opts.query(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAllocationHistory returns the caller's visible allocation audit trail.
func (c *Client) ListAllocationHistory(ctx context.Context, opts HistoryOptions) ([]Allocation, error) {
	var out []Allocation
	if err := c.get(ctx, "/allocations", opts.query(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTransfers returns the caller's visible transfer history.
func (c *Client) ListTransfers(ctx context.Context, opts HistoryOptions) ([]Transfer, error) {
	var out []Transfer
	if err := c.get(ctx, "/transfers", opts.query(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBalance returns the caller's authoritative pin balance.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.get(ctx, "/balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// APIError carries the status and message from a non-2xx ledger response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pin ledger returned status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("pin ledger base url is empty")
	}

	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to pin ledger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if len(query) > 0 {
		path = path + "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}
