package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/certportal/pin-ledger-service/internal/domain"
	"github.com/certportal/pin-ledger-service/internal/store"
	"github.com/certportal/pin-ledger-service/pkg/directoryclient"
	"github.com/certportal/pin-ledger-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

type stubDirectory struct {
	profiles map[string]string
	err      error
}

func (d *stubDirectory) Lookup(ctx context.Context, accountID string) (*directoryclient.Profile, error) {
	if d.err != nil {
		return nil, d.err
	}
	name, ok := d.profiles[accountID]
	if !ok {
		return nil, nil
	}
	return &directoryclient.Profile{AccountID: accountID, Name: name}, nil
}

type stubRateLimiter struct {
	count      int
	retryAfter int
	err        error
	calls      int
}

func (l *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.calls++
	return l.count, l.retryAfter, l.err
}

func newTestService(repo *fakeRepository) (*Service, *stubPublisher) {
	producer := &stubPublisher{}
	membership := &stubMembership{clients: map[string]map[string]bool{
		"broker-1": {"client-1": true, "client-2": true},
	}}
	return NewService(repo, membership, nil, producer), producer
}

func TestCreateAllocationValidation(t *testing.T) {
	svc, _ := newTestService(newFakeRepository())
	ctx := context.Background()

	if _, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-1", 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-1", -5, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.CreateAllocation(ctx, "broker-1", domain.RoleBroker, "broker-2", 10, ""); !errors.Is(err, ErrUnauthorizedRole) {
		t.Errorf("broker actor: got %v, want ErrUnauthorizedRole", err)
	}
	if _, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "  ", 10, ""); !errors.Is(err, ErrMissingAccount) {
		t.Errorf("blank destination: got %v, want ErrMissingAccount", err)
	}
}

func TestCreateAllocationDoesNotTouchBalances(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 0)
	svc, producer := newTestService(repo)

	alloc, err := svc.CreateAllocation(context.Background(), "admin-1", domain.RoleAdmin, "broker-1", 100, "Q3 batch")
	if err != nil {
		t.Fatalf("CreateAllocation failed: %v", err)
	}
	if alloc.Status != domain.AllocationPending {
		t.Errorf("status = %s, want PENDING", alloc.Status)
	}
	if alloc.ID == uuid.Nil {
		t.Error("allocation id was not assigned")
	}
	if got := repo.balance("broker-1"); got != 0 {
		t.Errorf("broker balance = %d, want 0 while allocation is pending", got)
	}
	keys := producer.routingKeys()
	if len(keys) != 1 || keys[0] != rabbitmq.RoutingKeyAllocationRequested {
		t.Errorf("published routing keys = %v, want [%s]", keys, rabbitmq.RoutingKeyAllocationRequested)
	}
}

func TestApproveAllocationCreditsBroker(t *testing.T) {
	repo := newFakeRepository()
	svc, producer := newTestService(repo)
	ctx := context.Background()

	alloc, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-1", 100, "")
	if err != nil {
		t.Fatalf("CreateAllocation failed: %v", err)
	}

	resolved, err := svc.ResolveAllocation(ctx, "admin-2", domain.RoleAdmin, alloc.ID, true, "looks good")
	if err != nil {
		t.Fatalf("ResolveAllocation failed: %v", err)
	}
	if resolved.Status != domain.AllocationApproved {
		t.Errorf("status = %s, want APPROVED", resolved.Status)
	}
	if resolved.ResolvedBy == nil || *resolved.ResolvedBy != "admin-2" {
		t.Errorf("resolvedBy = %v, want admin-2", resolved.ResolvedBy)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolvedAt was not stamped")
	}
	if got := repo.balance("broker-1"); got != 100 {
		t.Errorf("broker balance = %d, want 100 after approval", got)
	}
	keys := producer.routingKeys()
	if len(keys) != 2 || keys[1] != rabbitmq.RoutingKeyAllocationApproved {
		t.Errorf("published routing keys = %v, want approval event second", keys)
	}
}

func TestRejectAllocationLeavesBalanceUntouched(t *testing.T) {
	repo := newFakeRepository()
	svc, producer := newTestService(repo)
	ctx := context.Background()

	alloc, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-1", 100, "")
	if err != nil {
		t.Fatalf("CreateAllocation failed: %v", err)
	}

	resolved, err := svc.ResolveAllocation(ctx, "admin-2", domain.RoleAdmin, alloc.ID, false, "duplicate request")
	if err != nil {
		t.Fatalf("ResolveAllocation failed: %v", err)
	}
	if resolved.Status != domain.AllocationRejected {
		t.Errorf("status = %s, want REJECTED", resolved.Status)
	}
	if resolved.ApprovalRemarks == nil || *resolved.ApprovalRemarks != "duplicate request" {
		t.Errorf("approvalRemarks = %v, want rejection reason", resolved.ApprovalRemarks)
	}
	if got := repo.balance("broker-1"); got != 0 {
		t.Errorf("broker balance = %d, want 0 after rejection", got)
	}
	keys := producer.routingKeys()
	if len(keys) != 2 || keys[1] != rabbitmq.RoutingKeyAllocationRejected {
		t.Errorf("published routing keys = %v, want rejection event second", keys)
	}
}

func TestResolveAllocationIsTerminal(t *testing.T) {
	repo := newFakeRepository()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	alloc, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-1", 50, "")
	if err != nil {
		t.Fatalf("CreateAllocation failed: %v", err)
	}
	if _, err := svc.ResolveAllocation(ctx, "admin-1", domain.RoleAdmin, alloc.ID, true, ""); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	if _, err := svc.ResolveAllocation(ctx, "admin-1", domain.RoleAdmin, alloc.ID, false, ""); !errors.Is(err, store.ErrAlreadyResolved) {
		t.Errorf("second resolve: got %v, want ErrAlreadyResolved", err)
	}
	if got := repo.balance("broker-1"); got != 50 {
		t.Errorf("broker balance = %d, want 50 (credited exactly once)", got)
	}
}

func TestResolveAllocationAuthorization(t *testing.T) {
	svc, _ := newTestService(newFakeRepository())
	ctx := context.Background()

	if _, err := svc.ResolveAllocation(ctx, "broker-1", domain.RoleBroker, uuid.New(), true, ""); !errors.Is(err, ErrUnauthorizedRole) {
		t.Errorf("broker actor: got %v, want ErrUnauthorizedRole", err)
	}
	if _, err := svc.ResolveAllocation(ctx, "admin-1", domain.RoleAdmin, uuid.New(), true, ""); !errors.Is(err, store.ErrAllocationNotFound) {
		t.Errorf("unknown allocation: got %v, want ErrAllocationNotFound", err)
	}
}

func TestTransferToClientMovesPins(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 100)
	svc, producer := newTestService(repo)

	transfer, err := svc.TransferToClient(context.Background(), "broker-1", domain.RoleBroker, "client-1", 30, "policy renewal")
	if err != nil {
		t.Fatalf("TransferToClient failed: %v", err)
	}
	if transfer.OccurredAt.IsZero() {
		t.Error("occurredAt was not stamped")
	}
	if got := repo.balance("broker-1"); got != 70 {
		t.Errorf("broker balance = %d, want 70", got)
	}
	if got := repo.balance("client-1"); got != 30 {
		t.Errorf("client balance = %d, want 30", got)
	}
	keys := producer.routingKeys()
	if len(keys) != 1 || keys[0] != rabbitmq.RoutingKeyTransferCompleted {
		t.Errorf("published routing keys = %v, want [%s]", keys, rabbitmq.RoutingKeyTransferCompleted)
	}
}

func TestTransferToClientInsufficientBalance(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 20)
	svc, producer := newTestService(repo)

	_, err := svc.TransferToClient(context.Background(), "broker-1", domain.RoleBroker, "client-1", 30, "")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := repo.balance("broker-1"); got != 20 {
		t.Errorf("broker balance = %d, want 20 (unchanged)", got)
	}
	if got := repo.balance("client-1"); got != 0 {
		t.Errorf("client balance = %d, want 0 (unchanged)", got)
	}
	if len(producer.routingKeys()) != 0 {
		t.Error("no event should be published for a failed transfer")
	}
}

func TestTransferToClientValidation(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 100)
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.TransferToClient(ctx, "broker-1", domain.RoleBroker, "client-1", 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.TransferToClient(ctx, "admin-1", domain.RoleAdmin, "client-1", 10, ""); !errors.Is(err, ErrUnauthorizedRole) {
		t.Errorf("admin actor: got %v, want ErrUnauthorizedRole", err)
	}
	if _, err := svc.TransferToClient(ctx, "broker-1", domain.RoleBroker, "broker-1", 10, ""); !errors.Is(err, ErrUnauthorizedRole) {
		t.Errorf("self transfer: got %v, want ErrUnauthorizedRole", err)
	}
	if _, err := svc.TransferToClient(ctx, "broker-1", domain.RoleBroker, "", 10, ""); !errors.Is(err, ErrMissingAccount) {
		t.Errorf("blank destination: got %v, want ErrMissingAccount", err)
	}
}

func TestTransferToClientMembershipRejected(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 100)
	svc, _ := newTestService(repo)

	_, err := svc.TransferToClient(context.Background(), "broker-1", domain.RoleBroker, "client-99", 10, "")
	if !errors.Is(err, ErrUnauthorizedRole) {
		t.Fatalf("unassociated client: got %v, want ErrUnauthorizedRole", err)
	}
	if got := repo.balance("broker-1"); got != 100 {
		t.Errorf("broker balance = %d, want 100 (unchanged)", got)
	}
}

func TestTransferToClientMembershipUnavailable(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 100)
	producer := &stubPublisher{}
	svc := NewService(repo, &stubMembership{err: errors.New("connection refused")}, nil, producer)

	if _, err := svc.TransferToClient(context.Background(), "broker-1", domain.RoleBroker, "client-1", 10, ""); err == nil {
		t.Fatal("expected error when membership service is unreachable")
	}
	if got := repo.balance("broker-1"); got != 100 {
		t.Errorf("broker balance = %d, want 100 (unchanged)", got)
	}
}

func TestTransferRateLimit(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 100)
	svc, _ := newTestService(repo)

	limiter := &stubRateLimiter{count: 6, retryAfter: 42}
	svc.SetTransferRateLimiter(limiter, 5)

	_, err := svc.TransferToClient(context.Background(), "broker-1", domain.RoleBroker, "client-1", 10, "")
	var rateErr *RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("got %v, want RateLimitedError", err)
	}
	if rateErr.RetryAfterSeconds != 42 {
		t.Errorf("retryAfter = %d, want 42", rateErr.RetryAfterSeconds)
	}
	if got := repo.balance("broker-1"); got != 100 {
		t.Errorf("broker balance = %d, want 100 (transfer blocked)", got)
	}
}

func TestTransferRateLimiterOutageAllowsTransfer(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 100)
	svc, _ := newTestService(repo)

	svc.SetTransferRateLimiter(&stubRateLimiter{err: errors.New("redis down")}, 5)

	if _, err := svc.TransferToClient(context.Background(), "broker-1", domain.RoleBroker, "client-1", 10, ""); err != nil {
		t.Fatalf("rate limiter outage must not block transfers: %v", err)
	}
	if got := repo.balance("client-1"); got != 10 {
		t.Errorf("client balance = %d, want 10", got)
	}
}

func TestGetBalanceUnknownAccountIsZero(t *testing.T) {
	svc, _ := newTestService(newFakeRepository())
	got, err := svc.GetBalance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestProvisionAccountNormalizesRole(t *testing.T) {
	repo := newFakeRepository()
	svc, _ := newTestService(repo)

	account, err := svc.ProvisionAccount(context.Background(), "broker-9", "AGENT")
	if err != nil {
		t.Fatalf("ProvisionAccount failed: %v", err)
	}
	if account.Role != domain.RoleBroker {
		t.Errorf("role = %s, want broker", account.Role)
	}

	if _, err := svc.ProvisionAccount(context.Background(), "x", "WIZARD"); !errors.Is(err, domain.ErrUnknownRole) {
		t.Errorf("unknown role: got %v, want ErrUnknownRole", err)
	}
}

func TestListAllocationHistoryRejectsUnknownStatus(t *testing.T) {
	svc, _ := newTestService(newFakeRepository())
	if _, err := svc.ListAllocationHistory(context.Background(), domain.AllocationHistoryFilter{Status: "EXPIRED"}); err == nil {
		t.Fatal("expected error for unknown status filter")
	}
}

func TestListPendingAllocationsSearchByDisplayName(t *testing.T) {
	repo := newFakeRepository()
	producer := &stubPublisher{}
	directory := &stubDirectory{profiles: map[string]string{
		"broker-1": "Acme Insurance Brokers",
		"broker-2": "Northwind Underwriters",
	}}
	svc := NewService(repo, nil, directory, producer)
	ctx := context.Background()

	if _, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-1", 100, "first"); err != nil {
		t.Fatalf("CreateAllocation failed: %v", err)
	}
	if _, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-2", 200, "second"); err != nil {
		t.Fatalf("CreateAllocation failed: %v", err)
	}

	allocations, err := svc.ListPendingAllocations(ctx, domain.PendingAllocationFilter{Search: "northwind"})
	if err != nil {
		t.Fatalf("ListPendingAllocations failed: %v", err)
	}
	if len(allocations) != 1 {
		t.Fatalf("got %d allocations, want 1", len(allocations))
	}
	if allocations[0].ToAccountID != "broker-2" {
		t.Errorf("matched %s, want broker-2", allocations[0].ToAccountID)
	}
	if allocations[0].ToAccountName != "Northwind Underwriters" {
		t.Errorf("toAccountName = %q, want enriched display name", allocations[0].ToAccountName)
	}
}

func TestListPendingAllocationsDirectoryFailureDegrades(t *testing.T) {
	repo := newFakeRepository()
	directory := &stubDirectory{err: errors.New("directory down")}
	svc := NewService(repo, nil, directory, &stubPublisher{})
	ctx := context.Background()

	if _, err := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-1", 100, ""); err != nil {
		t.Fatalf("CreateAllocation failed: %v", err)
	}

	allocations, err := svc.ListPendingAllocations(ctx, domain.PendingAllocationFilter{})
	if err != nil {
		t.Fatalf("ListPendingAllocations must not fail on directory outage: %v", err)
	}
	if len(allocations) != 1 {
		t.Fatalf("got %d allocations, want 1", len(allocations))
	}
	if allocations[0].ToAccountName != "" {
		t.Errorf("toAccountName = %q, want bare id fallback", allocations[0].ToAccountName)
	}
}

func TestListAllocationHistoryFilters(t *testing.T) {
	repo := newFakeRepository()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	a1, _ := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-1", 100, "spring batch")
	a2, _ := svc.CreateAllocation(ctx, "admin-1", domain.RoleAdmin, "broker-2", 200, "autumn batch")
	if _, err := svc.ResolveAllocation(ctx, "admin-1", domain.RoleAdmin, a1.ID, true, ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	approved, err := svc.ListAllocationHistory(ctx, domain.AllocationHistoryFilter{Status: domain.AllocationApproved})
	if err != nil {
		t.Fatalf("ListAllocationHistory failed: %v", err)
	}
	if len(approved) != 1 || approved[0].ID != a1.ID {
		t.Errorf("approved filter returned %d rows, want just the approved allocation", len(approved))
	}

	byBroker, err := svc.ListAllocationHistory(ctx, domain.AllocationHistoryFilter{ToAccountID: "broker-2"})
	if err != nil {
		t.Fatalf("ListAllocationHistory failed: %v", err)
	}
	if len(byBroker) != 1 || byBroker[0].ID != a2.ID {
		t.Errorf("destination filter returned %d rows, want just broker-2's allocation", len(byBroker))
	}

	bySearch, err := svc.ListAllocationHistory(ctx, domain.AllocationHistoryFilter{Search: "spring"})
	if err != nil {
		t.Fatalf("ListAllocationHistory failed: %v", err)
	}
	if len(bySearch) != 1 || bySearch[0].ID != a1.ID {
		t.Errorf("search filter returned %d rows, want just the spring batch", len(bySearch))
	}
}

func TestListTransferHistory(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 100)
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.TransferToClient(ctx, "broker-1", domain.RoleBroker, "client-1", 30, ""); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if _, err := svc.TransferToClient(ctx, "broker-1", domain.RoleBroker, "client-2", 20, ""); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	all, err := svc.ListTransferHistory(ctx, domain.TransferHistoryFilter{FromAccountID: "broker-1"})
	if err != nil {
		t.Fatalf("ListTransferHistory failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d transfers, want 2", len(all))
	}

	toClient, err := svc.ListTransferHistory(ctx, domain.TransferHistoryFilter{ToAccountID: "client-2"})
	if err != nil {
		t.Fatalf("ListTransferHistory failed: %v", err)
	}
	if len(toClient) != 1 || toClient[0].Amount != 20 {
		t.Errorf("destination filter returned %d rows, want the 20-pin transfer", len(toClient))
	}
}

func TestEventPublishFailureDoesNotFailOperation(t *testing.T) {
	repo := newFakeRepository()
	repo.seedAccount("broker-1", domain.RoleBroker, 100)
	producer := &stubPublisher{err: errors.New("broker unreachable")}
	membership := &stubMembership{clients: map[string]map[string]bool{"broker-1": {"client-1": true}}}
	svc := NewService(repo, membership, nil, producer)

	if _, err := svc.TransferToClient(context.Background(), "broker-1", domain.RoleBroker, "client-1", 10, ""); err != nil {
		t.Fatalf("transfer must survive a publish failure: %v", err)
	}
	if got := repo.balance("client-1"); got != 10 {
		t.Errorf("client balance = %d, want 10", got)
	}
}
