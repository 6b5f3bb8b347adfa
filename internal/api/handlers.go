/**
 * @description
 * This file contains the HTTP handlers for the pin-ledger-service's API
 * endpoints. Handlers parse incoming requests, apply the role-based view
 * scoping, call the application service and write the HTTP response. They act
 * as the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - github.com/google/uuid: Allocation id parsing.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/certportal/pin-ledger-service/internal/app"
	"github.com/certportal/pin-ledger-service/internal/domain"
	"github.com/certportal/pin-ledger-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

type createAllocationRequest struct {
	ToAccountID string `json:"to_account_id"`
	Amount      int64  `json:"amount"`
	Remarks     string `json:"remarks"`
}

type resolveAllocationRequest struct {
	Approve bool   `json:"approve"`
	Remarks string `json:"remarks"`
}

type transferRequest struct {
	ToAccountID string `json:"to_account_id"`
	Amount      int64  `json:"amount"`
	Remarks     string `json:"remarks"`
}

type allocationResponse struct {
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

type transferResponse struct {
	ID            string `json:"id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
	Remarks       string `json:"remarks,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

func buildAllocationResponse(a domain.Allocation) allocationResponse {
	resp := allocationResponse{
		ID:              a.ID.String(),
		FromAccountID:   a.FromAccountID,
		ToAccountID:     a.ToAccountID,
		ToAccountName:   a.ToAccountName,
		Amount:          a.Amount,
		Remarks:         a.Remarks,
		Status:          string(a.Status),
		RequestedAt:     a.RequestedAt.Format(time.RFC3339),
		ResolvedBy:      a.ResolvedBy,
		ApprovalRemarks: a.ApprovalRemarks,
	}
	if a.ResolvedAt != nil {
		s := a.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &s
	}
	return resp
}

func buildTransferResponse(t domain.Transfer) transferResponse {
	return transferResponse{
		ID:            t.ID.String(),
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		Amount:        t.Amount,
		Remarks:       t.Remarks,
		OccurredAt:    t.OccurredAt.Format(time.RFC3339),
	}
}

func mapLedgerError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "Insufficient pin balance."
	case errors.Is(err, store.ErrAlreadyResolved):
		return http.StatusConflict, "Allocation has already been resolved."
	case errors.Is(err, store.ErrAllocationNotFound):
		return http.StatusNotFound, "Allocation not found."
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found."
	case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrMissingAccount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrUnauthorizedRole):
		return http.StatusForbidden, "Not permitted for this account."
	}
	return http.StatusInternalServerError, "Could not process ledger request."
}

func (h *LedgerHandlers) actor(r *http.Request, w http.ResponseWriter) (string, domain.Role, bool) {
	accountID, ok := GetActorAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return "", "", false
	}
	role, ok := GetActorRole(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get role from context")
		return "", "", false
	}
	return accountID, role, true
}

// CreateAllocationHandler handles admin requests to propose a pin allocation
// to a broker. The allocation is recorded as PENDING and moves no pins.
func (h *LedgerHandlers) CreateAllocationHandler(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := h.actor(r, w)
	if !ok {
		return
	}

	var req createAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_allocation outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	alloc, err := h.service.CreateAllocation(r.Context(), actorID, role, req.ToAccountID, req.Amount, req.Remarks)
	if err != nil {
		status, msg := mapLedgerError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=create_allocation outcome=failed actor_id=%s err=%v", actorID, err)
		}
		h.writeError(w, status, msg)
		return
	}

	log.Printf("level=info component=api endpoint=create_allocation outcome=created allocation_id=%s to_account_id=%s amount=%d", alloc.ID, alloc.ToAccountID, alloc.Amount)
	h.writeJSON(w, http.StatusCreated, buildAllocationResponse(*alloc))
}

// ResolveAllocationHandler handles admin approval or rejection of a pending
// allocation. Approval credits the broker; either outcome is terminal.
func (h *LedgerHandlers) ResolveAllocationHandler(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := h.actor(r, w)
	if !ok {
		return
	}

	allocationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid allocation ID")
		return
	}

	var req resolveAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	alloc, err := h.service.ResolveAllocation(r.Context(), actorID, role, allocationID, req.Approve, req.Remarks)
	if err != nil {
		status, msg := mapLedgerError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=resolve_allocation outcome=failed allocation_id=%s err=%v", allocationID, err)
		}
		h.writeError(w, status, msg)
		return
	}

	log.Printf("level=info component=api endpoint=resolve_allocation outcome=%s allocation_id=%s resolved_by=%s", strings.ToLower(string(alloc.Status)), alloc.ID, actorID)
	h.writeJSON(w, http.StatusOK, buildAllocationResponse(*alloc))
}

// TransferHandler handles broker requests to move pins to one of their
// clients. The transfer takes effect immediately, with no approval step.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := h.actor(r, w)
	if !ok {
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	transfer, err := h.service.TransferToClient(r.Context(), actorID, role, req.ToAccountID, req.Amount, req.Remarks)
	if err != nil {
		var rateErr *app.RateLimitedError
		if errors.As(err, &rateErr) {
			w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
			h.writeError(w, http.StatusTooManyRequests, "Transfer rate limit exceeded. Please try again shortly.")
			return
		}
		status, msg := mapLedgerError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=transfer outcome=failed actor_id=%s err=%v", actorID, err)
		}
		h.writeError(w, status, msg)
		return
	}

	log.Printf("level=info component=api endpoint=transfer outcome=completed transfer_id=%s from=%s to=%s amount=%d", transfer.ID, transfer.FromAccountID, transfer.ToAccountID, transfer.Amount)
	h.writeJSON(w, http.StatusCreated, buildTransferResponse(*transfer))
}

// GetBalanceHandler returns the caller's own authoritative pin balance.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := h.actor(r, w)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), actorID)
	if err != nil {
		log.Printf("level=error component=api endpoint=get_balance outcome=failed account_id=%s err=%v", actorID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve balance.")
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{AccountID: actorID, Balance: balance})
}

// GetAccountBalanceHandler returns any account's balance; admin only.
func (h *LedgerHandlers) GetAccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	_, role, ok := h.actor(r, w)
	if !ok {
		return
	}
	if role != domain.RoleAdmin {
		h.writeError(w, http.StatusForbidden, "Not permitted for this account.")
		return
	}

	accountID := chi.URLParam(r, "id")
	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		log.Printf("level=error component=api endpoint=get_account_balance outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve balance.")
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance})
}

// ListPendingAllocationsHandler serves the approval queue. Admins see every
// pending allocation; brokers see only their own incoming ones.
func (h *LedgerHandlers) ListPendingAllocationsHandler(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := h.actor(r, w)
	if !ok {
		return
	}

	filter := domain.PendingAllocationFilter{
		ToAccountID: strings.TrimSpace(r.URL.Query().Get("to_account_id")),
		Search:      strings.TrimSpace(r.URL.Query().Get("q")),
	}
	switch role {
	case domain.RoleAdmin:
	case domain.RoleBroker:
		filter.ToAccountID = actorID
	default:
		h.writeError(w, http.StatusForbidden, "Not permitted for this account.")
		return
	}

	var err error
	filter.Limit, filter.Offset, err = parsePagination(r, 30)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	allocations, err := h.service.ListPendingAllocations(r.Context(), filter)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_pending_allocations outcome=failed actor_id=%s err=%v", actorID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve pending allocations.")
		return
	}
	h.writeJSON(w, http.StatusOK, buildAllocationList(allocations))
}

// ListAllocationHistoryHandler serves the allocation audit trail with status,
// date-range and search filters, scoped the same way as the pending view.
func (h *LedgerHandlers) ListAllocationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := h.actor(r, w)
	if !ok {
		return
	}

	filter := domain.AllocationHistoryFilter{
		ToAccountID: strings.TrimSpace(r.URL.Query().Get("to_account_id")),
		Status:      domain.AllocationStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
		Search:      strings.TrimSpace(r.URL.Query().Get("q")),
	}
	switch role {
	case domain.RoleAdmin:
	case domain.RoleBroker:
		filter.ToAccountID = actorID
	default:
		h.writeError(w, http.StatusForbidden, "Not permitted for this account.")
		return
	}
	if filter.Status != "" && !domain.ValidAllocationStatus(filter.Status) {
		h.writeError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}

	var err error
	filter.FromDate, err = parseOptionalDate(r.URL.Query().Get("from"), false)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid from date")
		return
	}
	filter.ToDate, err = parseOptionalDate(r.URL.Query().Get("to"), true)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid to date")
		return
	}
	filter.Limit, filter.Offset, err = parsePagination(r, 30)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	allocations, err := h.service.ListAllocationHistory(r.Context(), filter)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_allocation_history outcome=failed actor_id=%s err=%v", actorID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve allocation history.")
		return
	}
	h.writeJSON(w, http.StatusOK, buildAllocationList(allocations))
}

// ListTransfersHandler serves direct transfer history. Brokers see transfers
// they sent, clients see transfers they received, admins see everything.
func (h *LedgerHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := h.actor(r, w)
	if !ok {
		return
	}

	filter := domain.TransferHistoryFilter{
		FromAccountID: strings.TrimSpace(r.URL.Query().Get("from_account_id")),
		ToAccountID:   strings.TrimSpace(r.URL.Query().Get("to_account_id")),
		Search:        strings.TrimSpace(r.URL.Query().Get("q")),
	}
	switch role {
	case domain.RoleAdmin:
	case domain.RoleBroker:
		filter.FromAccountID = actorID
	case domain.RoleClient:
		filter.ToAccountID = actorID
	}

	var err error
	filter.FromDate, err = parseOptionalDate(r.URL.Query().Get("from"), false)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid from date")
		return
	}
	filter.ToDate, err = parseOptionalDate(r.URL.Query().Get("to"), true)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid to date")
		return
	}
	filter.Limit, filter.Offset, err = parsePagination(r, 30)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	transfers, err := h.service.ListTransferHistory(r.Context(), filter)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_transfers outcome=failed actor_id=%s err=%v", actorID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve transfer history.")
		return
	}

	items := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		items = append(items, buildTransferResponse(t))
	}
	h.writeJSON(w, http.StatusOK, items)
}

func buildAllocationList(allocations []domain.Allocation) []allocationResponse {
	items := make([]allocationResponse, 0, len(allocations))
	for _, a := range allocations {
		items = append(items, buildAllocationResponse(a))
	}
	return items
}

func parsePagination(r *http.Request, defaultLimit int) (limit, offset int, err error) {
	limit, err = parseOptionalPositiveInt(r.URL.Query().Get("limit"), defaultLimit)
	if err != nil {
		return 0, 0, errors.New("Invalid limit")
	}
	offset, err = parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		return 0, 0, errors.New("Invalid offset")
	}
	return limit, offset, nil
}

func parseOptionalPositiveInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

// parseOptionalDate accepts RFC3339 timestamps or bare dates. A bare end date
// is pushed to the end of that day so the range is inclusive.
func parseOptionalDate(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return &ts, nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
