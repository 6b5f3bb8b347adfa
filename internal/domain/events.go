/**
 * @description
 * Event payloads published to and consumed from the portal's RabbitMQ exchange.
 * Downstream services (certificate issuance, notifications) react to pin
 * movements; the user-provisioning service announces new portal accounts.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// AllocationEvent is published on pin.allocation.requested / .approved / .rejected.
type AllocationEvent struct {
	AllocationID  uuid.UUID        `json:"allocation_id"`
	FromAccountID string           `json:"from_account_id"`
	ToAccountID   string           `json:"to_account_id"`
	Amount        int64            `json:"amount"`
	Status        AllocationStatus `json:"status"`
	ResolvedBy    string           `json:"resolved_by,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// TransferEvent is published on pin.transfer.completed after a direct transfer
// has committed.
type TransferEvent struct {
	TransferID    uuid.UUID `json:"transfer_id"`
	FromAccountID string    `json:"from_account_id"`
	ToAccountID   string    `json:"to_account_id"`
	Amount        int64     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// AccountProvisionedEvent is consumed from account.provisioned.* when the portal
// onboards a new admin, broker or client. Role arrives as the provisioning
// service spells it and is normalized through ParseRole at the consumer.
type AccountProvisionedEvent struct {
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
}
