package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/certportal/pin-ledger-service/internal/domain"
	"github.com/certportal/pin-ledger-service/internal/store"
	"github.com/google/uuid"
)

// fakeRepository is an in-memory Repository with the same atomicity contract as
// the Postgres implementation: every mutating method holds the lock for the
// whole check-and-mutate sequence, so concurrent service calls observe
// serialized ledger effects.
type fakeRepository struct {
	mu          sync.Mutex
	accounts    map[string]*domain.Account
	allocations map[uuid.UUID]*domain.Allocation
	transfers   []domain.Transfer

	createAllocationErr error
	resolveErr          error
	transferErr         error
	ensureAccountErr    error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts:    make(map[string]*domain.Account),
		allocations: make(map[uuid.UUID]*domain.Allocation),
	}
}

func (r *fakeRepository) seedAccount(accountID string, role domain.Role, balance int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[accountID] = &domain.Account{
		AccountID: accountID,
		Role:      role,
		Balance:   balance,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func (r *fakeRepository) balance(accountID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[accountID]; ok {
		return a.Balance
	}
	return 0
}

func (r *fakeRepository) ensureLocked(accountID string, role domain.Role) *domain.Account {
	if a, ok := r.accounts[accountID]; ok {
		return a
	}
	a := &domain.Account{
		AccountID: accountID,
		Role:      role,
		Balance:   0,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	r.accounts[accountID] = a
	return a
}

func (r *fakeRepository) EnsureAccount(ctx context.Context, accountID string, role domain.Role) (*domain.Account, error) {
	if r.ensureAccountErr != nil {
		return nil, r.ensureAccountErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.ensureLocked(accountID, role)
	copied := *a
	return &copied, nil
}

func (r *fakeRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *fakeRepository) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return r.balance(accountID), nil
}

func (r *fakeRepository) CreateAllocation(ctx context.Context, alloc *domain.Allocation) error {
	if r.createAllocationErr != nil {
		return r.createAllocationErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *alloc
	r.allocations[alloc.ID] = &copied
	return nil
}

func (r *fakeRepository) FindAllocationByID(ctx context.Context, allocationID uuid.UUID) (*domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allocations[allocationID]
	if !ok {
		return nil, store.ErrAllocationNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *fakeRepository) ResolveAllocationAtomic(ctx context.Context, allocationID uuid.UUID, approve bool, resolvedBy string, approvalRemarks string) (*domain.Allocation, error) {
	if r.resolveErr != nil {
		return nil, r.resolveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.allocations[allocationID]
	if !ok {
		return nil, store.ErrAllocationNotFound
	}
	if alloc.Status != domain.AllocationPending {
		return nil, store.ErrAlreadyResolved
	}

	if approve {
		dest := r.ensureLocked(alloc.ToAccountID, domain.RoleBroker)
		dest.Balance += alloc.Amount
		dest.UpdatedAt = time.Now().UTC()
		alloc.Status = domain.AllocationApproved
	} else {
		alloc.Status = domain.AllocationRejected
	}
	now := time.Now().UTC()
	alloc.ResolvedAt = &now
	alloc.ResolvedBy = &resolvedBy
	alloc.ApprovalRemarks = &approvalRemarks

	copied := *alloc
	return &copied, nil
}

func (r *fakeRepository) ExecuteTransferAtomic(ctx context.Context, transfer *domain.Transfer) error {
	if r.transferErr != nil {
		return r.transferErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureLocked(transfer.ToAccountID, domain.RoleClient)
	source, ok := r.accounts[transfer.FromAccountID]
	if !ok || source.Balance < transfer.Amount {
		return store.ErrInsufficientBalance
	}

	dest := r.accounts[transfer.ToAccountID]
	source.Balance -= transfer.Amount
	dest.Balance += transfer.Amount
	transfer.OccurredAt = time.Now().UTC()
	r.transfers = append(r.transfers, *transfer)
	return nil
}

func (r *fakeRepository) ListPendingAllocations(ctx context.Context, filter domain.PendingAllocationFilter) ([]domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []domain.Allocation
	for _, a := range r.allocations {
		if a.Status != domain.AllocationPending {
			continue
		}
		if filter.ToAccountID != "" && a.ToAccountID != filter.ToAccountID {
			continue
		}
		if !allocationMatchesSearch(a, filter.Search) {
			continue
		}
		result = append(result, *a)
	}
	sortAllocationsNewestFirst(result)
	return sliceAllocations(result, filter.Limit, filter.Offset), nil
}

func (r *fakeRepository) ListAllocationHistory(ctx context.Context, filter domain.AllocationHistoryFilter) ([]domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []domain.Allocation
	for _, a := range r.allocations {
		if filter.ToAccountID != "" && a.ToAccountID != filter.ToAccountID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.FromDate != nil && a.RequestedAt.Before(*filter.FromDate) {
			continue
		}
		if filter.ToDate != nil && a.RequestedAt.After(*filter.ToDate) {
			continue
		}
		if !allocationMatchesSearch(a, filter.Search) {
			continue
		}
		result = append(result, *a)
	}
	sortAllocationsNewestFirst(result)
	return sliceAllocations(result, filter.Limit, filter.Offset), nil
}

func (r *fakeRepository) ListTransferHistory(ctx context.Context, filter domain.TransferHistoryFilter) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []domain.Transfer
	for _, t := range r.transfers {
		if filter.FromAccountID != "" && t.FromAccountID != filter.FromAccountID {
			continue
		}
		if filter.ToAccountID != "" && t.ToAccountID != filter.ToAccountID {
			continue
		}
		if filter.FromDate != nil && t.OccurredAt.Before(*filter.FromDate) {
			continue
		}
		if filter.ToDate != nil && t.OccurredAt.After(*filter.ToDate) {
			continue
		}
		if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
			if !strings.Contains(strings.ToLower(t.ToAccountID), search) &&
				!strings.Contains(strings.ToLower(t.Remarks), search) {
				continue
			}
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OccurredAt.After(result[j].OccurredAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *fakeRepository) ComputeLedgerBalances(ctx context.Context) ([]domain.LedgerBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	derived := make(map[string]int64, len(r.accounts))
	for id := range r.accounts {
		derived[id] = 0
	}
	for _, a := range r.allocations {
		if a.Status == domain.AllocationApproved {
			derived[a.ToAccountID] += a.Amount
		}
	}
	for _, t := range r.transfers {
		derived[t.FromAccountID] -= t.Amount
		derived[t.ToAccountID] += t.Amount
	}

	var balances []domain.LedgerBalance
	for id, account := range r.accounts {
		balances = append(balances, domain.LedgerBalance{
			AccountID: id,
			Stored:    account.Balance,
			Derived:   derived[id],
		})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].AccountID < balances[j].AccountID })
	return balances, nil
}

func allocationMatchesSearch(a *domain.Allocation, search string) bool {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return true
	}
	for _, h := range []string{a.ToAccountID, a.Remarks} {
		if strings.Contains(strings.ToLower(h), search) {
			return true
		}
	}
	return false
}

func sortAllocationsNewestFirst(allocations []domain.Allocation) {
	sort.Slice(allocations, func(i, j int) bool {
		return allocations[i].RequestedAt.After(allocations[j].RequestedAt)
	})
}

func sliceAllocations(allocations []domain.Allocation, limit, offset int) []domain.Allocation {
	if offset > 0 {
		if offset >= len(allocations) {
			return nil
		}
		allocations = allocations[offset:]
	}
	if limit > 0 && limit < len(allocations) {
		allocations = allocations[:limit]
	}
	return allocations
}

// stubPublisher records published events in order.
type stubPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
	err       error
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *stubPublisher) Close() {}

func (p *stubPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.published))
	for _, e := range p.published {
		keys = append(keys, e.routingKey)
	}
	return keys
}

// stubMembership answers association checks from a fixed map.
type stubMembership struct {
	clients map[string]map[string]bool
	err     error
}

func (m *stubMembership) IsClientOf(ctx context.Context, brokerAccountID, clientAccountID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.clients[brokerAccountID][clientAccountID], nil
}
