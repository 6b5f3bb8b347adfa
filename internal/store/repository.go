/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * the pin-ledger-service performs. The application layer depends only on this
 * interface, which keeps the workflow and transfer engines testable against
 * in-memory fakes while PostgreSQL provides the production implementation.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: Allocation and transfer identifiers.
 * - internal/domain: The ledger's domain models.
 */

package store

import (
	"context"

	"github.com/certportal/pin-ledger-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the ledger database.
//
// Every mutating method is atomic: it either commits all of its effects (balance
// mutation plus the ledger record that justifies it) or none of them. Per-account
// and per-allocation serialization is the implementation's responsibility.
type Repository interface {
	// Account methods
	// EnsureAccount creates the account with a zero balance if it does not exist
	// yet and returns the current row. Existing rows are returned unchanged.
	EnsureAccount(ctx context.Context, accountID string, role domain.Role) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)

	// Allocation workflow methods
	CreateAllocation(ctx context.Context, alloc *domain.Allocation) error
	FindAllocationByID(ctx context.Context, allocationID uuid.UUID) (*domain.Allocation, error)
	// ResolveAllocationAtomic locks the allocation row, verifies it is still
	// PENDING, stamps the resolution metadata and, when approve is true, credits
	// the destination account in the same transaction. A lost race returns
	// ErrAlreadyResolved with no balance effect.
	ResolveAllocationAtomic(ctx context.Context, allocationID uuid.UUID, approve bool, resolvedBy string, approvalRemarks string) (*domain.Allocation, error)

	// Direct transfer methods
	// ExecuteTransferAtomic debits the source, credits the destination and
	// appends the transfer row in one transaction. An uncoverable amount returns
	// ErrInsufficientBalance and leaves both balances untouched.
	ExecuteTransferAtomic(ctx context.Context, transfer *domain.Transfer) error

	// Query layer methods
	ListPendingAllocations(ctx context.Context, filter domain.PendingAllocationFilter) ([]domain.Allocation, error)
	ListAllocationHistory(ctx context.Context, filter domain.AllocationHistoryFilter) ([]domain.Allocation, error)
	ListTransferHistory(ctx context.Context, filter domain.TransferHistoryFilter) ([]domain.Transfer, error)

	// Audit methods
	// ComputeLedgerBalances returns, for every account, the stored balance and
	// the balance derived from approved allocations and transfers.
	ComputeLedgerBalances(ctx context.Context) ([]domain.LedgerBalance, error)
}
