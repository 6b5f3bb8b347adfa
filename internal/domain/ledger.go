/**
 * @description
 * This file defines the core domain models for the pin-ledger-service. These
 * structs represent the entities persisted by the ledger (accounts, allocations,
 * direct transfers) and the option structs used by the query layer.
 *
 * @notes
 * - Pin amounts are plain `int64` counts; pins are an integral unit with no
 *   fractional denomination.
 * - Account ids are opaque strings issued by the portal's identity provider; the
 *   ledger never parses or interprets them.
 */

package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the closed set of actor roles the ledger recognizes. Roles are
// resolved exactly once at the identity boundary; ledger code compares Role
// values, never raw strings.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleBroker Role = "BROKER"
	RoleClient Role = "CLIENT"
)

// ErrUnknownRole is returned by ParseRole for a spelling outside the closed set.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole normalizes the free-form role spellings the portal's identity
// provider has historically emitted into the closed Role enum. This is the only
// place role strings are compared case-insensitively.
func ParseRole(raw string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ADMIN", "ADMINISTRATOR", "SUPERADMIN", "SUPER_ADMIN":
		return RoleAdmin, nil
	case "BROKER", "AGENT":
		return RoleBroker, nil
	case "CLIENT", "CUSTOMER", "USER":
		return RoleClient, nil
	default:
		return "", ErrUnknownRole
	}
}

// Account holds one non-negative pin balance per portal account. Accounts are
// created lazily on first reference (balance 0) or explicitly by the
// provisioning consumer; they are never deleted.
type Account struct {
	AccountID string    `json:"account_id"`
	Role      Role      `json:"role"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllocationStatus is the lifecycle state of an approval-gated allocation.
type AllocationStatus string

const (
	AllocationPending  AllocationStatus = "PENDING"
	AllocationApproved AllocationStatus = "APPROVED"
	AllocationRejected AllocationStatus = "REJECTED"
)

// ValidAllocationStatus reports whether s is one of the closed status set.
func ValidAllocationStatus(s AllocationStatus) bool {
	switch s {
	case AllocationPending, AllocationApproved, AllocationRejected:
		return true
	}
	return false
}

// Allocation is an approval-gated pin credit proposal from an administrator to a
// broker. The record is the audit log: it is inserted PENDING, resolved at most
// once to APPROVED or REJECTED, and never deleted.
type Allocation struct {
	ID              uuid.UUID        `json:"id"`
	FromAccountID   string           `json:"from_account_id"`
	ToAccountID     string           `json:"to_account_id"`
	Amount          int64            `json:"amount"`
	Remarks         string           `json:"remarks"`
	Status          AllocationStatus `json:"status"`
	RequestedAt     time.Time        `json:"requested_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy      *string          `json:"resolved_by,omitempty"`
	ApprovalRemarks *string          `json:"approval_remarks,omitempty"`

	// ToAccountName is display metadata resolved through the account directory;
	// it is never persisted by the ledger.
	ToAccountName string `json:"to_account_name,omitempty"`
}

// Resolved reports whether the allocation has reached a terminal status.
func (a *Allocation) Resolved() bool {
	return a.Status != AllocationPending
}

// Transfer is a direct, immediately-applied pin movement from a broker to one of
// its clients. A Transfer row exists if and only if the debit and credit it
// describes were committed.
type Transfer struct {
	ID            uuid.UUID `json:"id"`
	FromAccountID string    `json:"from_account_id"`
	ToAccountID   string    `json:"to_account_id"`
	Amount        int64     `json:"amount"`
	Remarks       string    `json:"remarks"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PendingAllocationFilter narrows the pending-queue view.
type PendingAllocationFilter struct {
	// ToAccountID restricts the queue to allocations destined for one broker.
	ToAccountID string
	// Search matches case-insensitively against broker id, broker display name
	// and remarks.
	Search string
	Limit  int
	Offset int
}

// AllocationHistoryFilter narrows the allocation history view. Zero-valued
// fields are not applied.
type AllocationHistoryFilter struct {
	ToAccountID string
	Status      AllocationStatus
	// FromDate/ToDate bound requested_at inclusively.
	FromDate *time.Time
	ToDate   *time.Time
	Search   string
	Limit    int
	Offset   int
}

// TransferHistoryFilter narrows the transfer history view. Zero-valued fields
// are not applied.
type TransferHistoryFilter struct {
	FromAccountID string
	ToAccountID   string
	// FromDate/ToDate bound occurred_at inclusively.
	FromDate *time.Time
	ToDate   *time.Time
	Search   string
	Limit    int
	Offset   int
}

// LedgerBalance pairs an account's stored balance with the balance recomputed
// from the allocation and transfer log. The audit job flags rows where the two
// disagree.
type LedgerBalance struct {
	AccountID string
	Stored    int64
	Derived   int64
}

// Drift reports whether the stored balance disagrees with the ledger-derived one.
func (b LedgerBalance) Drift() bool {
	return b.Stored != b.Derived
}
