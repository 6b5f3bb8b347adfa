/**
 * @description
 * This file contains the core business logic for the pin-ledger-service. The
 * `Service` struct orchestrates every pin movement: approval-gated allocations
 * from administrators to brokers, immediate broker-to-client transfers, and the
 * filtered views over the allocation and transfer history.
 *
 * Key features:
 * - Allocation creation touches no balance; allocations are minting proposals
 *   that only take effect when an approver resolves them.
 * - Resolution and transfers delegate their atomicity to the repository; the
 *   service layer owns validation, authorization and event publication.
 * - Publishes events to RabbitMQ for asynchronous processing by other portal
 *   services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For allocation and transfer identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/certportal/pin-ledger-service/internal/domain"
	"github.com/certportal/pin-ledger-service/internal/store"
	"github.com/certportal/pin-ledger-service/pkg/directoryclient"
	"github.com/certportal/pin-ledger-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

var (
	ErrInvalidAmount    = errors.New("amount must be a positive number of pins")
	ErrUnauthorizedRole = errors.New("actor role is not permitted for this operation")
	ErrMissingAccount   = errors.New("destination account id is required")
)

// RateLimitedError is returned when a broker exceeds the configured transfer
// rate; RetryAfterSeconds tells the caller when the window resets.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("transfer rate limit exceeded; retry after %d seconds", e.RetryAfterSeconds)
}

// MembershipChecker answers whether a client account belongs to a broker. The
// production implementation calls the portal's membership service.
type MembershipChecker interface {
	IsClientOf(ctx context.Context, brokerAccountID, clientAccountID string) (bool, error)
}

// DirectoryResolver resolves display metadata for account ids referenced in the
// pending/history views.
type DirectoryResolver interface {
	Lookup(ctx context.Context, accountID string) (*directoryclient.Profile, error)
}

// TransferRateLimiter bounds how often a single broker can initiate transfers.
type TransferRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the pin ledger.
type Service struct {
	repo          store.Repository
	membership    MembershipChecker
	directory     DirectoryResolver
	eventProducer rabbitmq.Publisher

	transferRateLimit int
	rateLimiter       TransferRateLimiter
}

// NewService creates a new ledger service instance. membership, directory and
// producer may each be nil; the corresponding concern degrades with a logged
// warning instead of blocking pin movements.
func NewService(repo store.Repository, membership MembershipChecker, directory DirectoryResolver, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		membership:    membership,
		directory:     directory,
		eventProducer: producer,
	}
}

// SetTransferRateLimiter enables distributed per-broker rate limiting on the
// direct transfer path.
func (s *Service) SetTransferRateLimiter(limiter TransferRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.transferRateLimit = perMinute
}

// CreateAllocation records a PENDING pin allocation proposal from an
// administrator to a broker. No balance is reserved or moved at this stage.
func (s *Service) CreateAllocation(ctx context.Context, actorID string, actorRole domain.Role, toAccountID string, amount int64, remarks string) (*domain.Allocation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if actorRole != domain.RoleAdmin {
		return nil, ErrUnauthorizedRole
	}
	toAccountID = strings.TrimSpace(toAccountID)
	if toAccountID == "" {
		return nil, ErrMissingAccount
	}

	alloc := &domain.Allocation{
		ID:            uuid.New(),
		FromAccountID: actorID,
		ToAccountID:   toAccountID,
		Amount:        amount,
		Remarks:       remarks,
		Status:        domain.AllocationPending,
		RequestedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateAllocation(ctx, alloc); err != nil {
		return nil, fmt.Errorf("failed to create allocation: %w", err)
	}

	s.publishAllocationEvent(ctx, rabbitmq.RoutingKeyAllocationRequested, alloc, "")
	return alloc, nil
}

// ResolveAllocation applies the single terminal action to a PENDING allocation.
// Approval credits the broker atomically with the status change; rejection only
// stamps metadata. A second resolve observes store.ErrAlreadyResolved.
func (s *Service) ResolveAllocation(ctx context.Context, actorID string, actorRole domain.Role, allocationID uuid.UUID, approve bool, approvalRemarks string) (*domain.Allocation, error) {
	if actorRole != domain.RoleAdmin {
		return nil, ErrUnauthorizedRole
	}

	alloc, err := s.repo.ResolveAllocationAtomic(ctx, allocationID, approve, actorID, approvalRemarks)
	if err != nil {
		return nil, err
	}

	routingKey := rabbitmq.RoutingKeyAllocationRejected
	if approve {
		routingKey = rabbitmq.RoutingKeyAllocationApproved
	}
	s.publishAllocationEvent(ctx, routingKey, alloc, actorID)
	return alloc, nil
}

// TransferToClient executes an immediate broker-to-client transfer. The debit,
// credit and transfer record commit together; the caller's observed result is
// terminal.
func (s *Service) TransferToClient(ctx context.Context, actorID string, actorRole domain.Role, toAccountID string, amount int64, remarks string) (*domain.Transfer, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if actorRole != domain.RoleBroker {
		return nil, ErrUnauthorizedRole
	}
	toAccountID = strings.TrimSpace(toAccountID)
	if toAccountID == "" {
		return nil, ErrMissingAccount
	}
	if toAccountID == actorID {
		return nil, ErrUnauthorizedRole
	}

	if err := s.consumeTransferRateLimit(ctx, actorID); err != nil {
		return nil, err
	}

	// The membership service owns broker/client association. When it is not
	// configured the check degrades open with a logged warning; authorization
	// then rests on the role check alone.
	if s.membership != nil {
		associated, err := s.membership.IsClientOf(ctx, actorID, toAccountID)
		if err != nil {
			return nil, fmt.Errorf("membership check failed: %w", err)
		}
		if !associated {
			return nil, ErrUnauthorizedRole
		}
	} else {
		log.Printf("level=warn component=ledger msg=\"membership client not configured; skipping association check\" broker_id=%s client_id=%s", actorID, toAccountID)
	}

	transfer := &domain.Transfer{
		ID:            uuid.New(),
		FromAccountID: actorID,
		ToAccountID:   toAccountID,
		Amount:        amount,
		Remarks:       remarks,
	}
	if err := s.repo.ExecuteTransferAtomic(ctx, transfer); err != nil {
		return nil, err
	}

	if s.eventProducer != nil {
		event := domain.TransferEvent{
			TransferID:    transfer.ID,
			FromAccountID: transfer.FromAccountID,
			ToAccountID:   transfer.ToAccountID,
			Amount:        transfer.Amount,
			Timestamp:     transfer.OccurredAt,
		}
		if err := s.eventProducer.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyTransferCompleted, event); err != nil {
			log.Printf("level=warn component=ledger msg=\"transfer event publish failed\" transfer_id=%s err=%v", transfer.ID, err)
		}
	}
	return transfer, nil
}

// GetBalance returns the authoritative pin balance for an account. Callers that
// maintain an optimistic local balance overwrite it with this value.
func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return s.repo.GetBalance(ctx, accountID)
}

// ProvisionAccount creates an account row explicitly, normalizing the role
// spelling used by the provisioning service. Used by the account event consumer.
func (s *Service) ProvisionAccount(ctx context.Context, accountID string, rawRole string) (*domain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		return nil, err
	}
	return s.repo.EnsureAccount(ctx, accountID, role)
}

// ListPendingAllocations serves the approval queue. When the search text is set
// and the directory is available, matching includes resolved display names, so
// filtering and pagination move into the service layer.
func (s *Service) ListPendingAllocations(ctx context.Context, filter domain.PendingAllocationFilter) ([]domain.Allocation, error) {
	search := strings.TrimSpace(filter.Search)
	if search == "" || s.directory == nil {
		allocations, err := s.repo.ListPendingAllocations(ctx, filter)
		if err != nil {
			return nil, err
		}
		s.enrichAllocationNames(ctx, allocations)
		return allocations, nil
	}

	storeFilter := filter
	storeFilter.Search = ""
	storeFilter.Limit = 0
	storeFilter.Offset = 0
	allocations, err := s.repo.ListPendingAllocations(ctx, storeFilter)
	if err != nil {
		return nil, err
	}
	s.enrichAllocationNames(ctx, allocations)
	return paginateAllocations(filterAllocationsBySearch(allocations, search), filter.Limit, filter.Offset), nil
}

// ListAllocationHistory serves the full allocation audit trail with status,
// date-range and search filters.
func (s *Service) ListAllocationHistory(ctx context.Context, filter domain.AllocationHistoryFilter) ([]domain.Allocation, error) {
	if filter.Status != "" && !domain.ValidAllocationStatus(filter.Status) {
		return nil, fmt.Errorf("unknown allocation status %q", filter.Status)
	}

	search := strings.TrimSpace(filter.Search)
	if search == "" || s.directory == nil {
		allocations, err := s.repo.ListAllocationHistory(ctx, filter)
		if err != nil {
			return nil, err
		}
		s.enrichAllocationNames(ctx, allocations)
		return allocations, nil
	}

	storeFilter := filter
	storeFilter.Search = ""
	storeFilter.Limit = 0
	storeFilter.Offset = 0
	allocations, err := s.repo.ListAllocationHistory(ctx, storeFilter)
	if err != nil {
		return nil, err
	}
	s.enrichAllocationNames(ctx, allocations)
	return paginateAllocations(filterAllocationsBySearch(allocations, search), filter.Limit, filter.Offset), nil
}

// ListTransferHistory serves direct transfer history with date-range and search
// filters.
func (s *Service) ListTransferHistory(ctx context.Context, filter domain.TransferHistoryFilter) ([]domain.Transfer, error) {
	return s.repo.ListTransferHistory(ctx, filter)
}

func (s *Service) consumeTransferRateLimit(ctx context.Context, brokerID string) error {
	if s.rateLimiter == nil || s.transferRateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "transfer", brokerID, s.transferRateLimit, time.Minute)
	if err != nil {
		// Rate limiting is protective, not authoritative: a Redis outage must
		// not block pin movements.
		log.Printf("level=warn component=ledger msg=\"rate limiter unavailable; allowing transfer\" broker_id=%s err=%v", brokerID, err)
		return nil
	}
	if count > s.transferRateLimit {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) publishAllocationEvent(ctx context.Context, routingKey string, alloc *domain.Allocation, resolvedAs string) {
	if s.eventProducer == nil {
		return
	}
	event := domain.AllocationEvent{
		AllocationID:  alloc.ID,
		FromAccountID: alloc.FromAccountID,
		ToAccountID:   alloc.ToAccountID,
		Amount:        alloc.Amount,
		Status:        alloc.Status,
		ResolvedBy:    resolvedAs,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"allocation event publish failed\" allocation_id=%s routing_key=%s err=%v", alloc.ID, routingKey, err)
	}
}

// enrichAllocationNames attaches display names from the directory. A directory
// failure degrades to bare ids; views must never fail because metadata is
// unavailable.
func (s *Service) enrichAllocationNames(ctx context.Context, allocations []domain.Allocation) {
	if s.directory == nil {
		return
	}
	for i := range allocations {
		profile, err := s.directory.Lookup(ctx, allocations[i].ToAccountID)
		if err != nil {
			log.Printf("level=warn component=ledger msg=\"directory lookup failed; using bare id\" account_id=%s err=%v", allocations[i].ToAccountID, err)
			continue
		}
		if profile != nil {
			allocations[i].ToAccountName = profile.Name
		}
	}
}

func filterAllocationsBySearch(allocations []domain.Allocation, search string) []domain.Allocation {
	needle := strings.ToLower(search)
	var matched []domain.Allocation
	for _, a := range allocations {
		haystacks := []string{a.ToAccountID, a.FromAccountID, a.Remarks, a.ToAccountName}
		if a.ApprovalRemarks != nil {
			haystacks = append(haystacks, *a.ApprovalRemarks)
		}
		for _, h := range haystacks {
			if h != "" && strings.Contains(strings.ToLower(h), needle) {
				matched = append(matched, a)
				break
			}
		}
	}
	return matched
}

func paginateAllocations(allocations []domain.Allocation, limit, offset int) []domain.Allocation {
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
