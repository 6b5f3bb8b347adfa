/**
 * @description
 * Consumer for account-provisioning events published by the portal's user
 * management service. Pre-creating the account row lets the approval and
 * transfer views show the account with an explicit role before its first pin
 * movement; lazy creation remains the fallback for accounts the consumer never
 * saw.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/certportal/pin-ledger-service/internal/domain"
)

// AccountEventConsumer processes account.provisioned.* events.
type AccountEventConsumer struct {
	service *Service
}

// AccountEventConsumer returns the message consumer for account provisioning
// events, suitable for binding to the rabbitmq consumer.
func (s *Service) AccountEventConsumer() *AccountEventConsumer {
	return &AccountEventConsumer{service: s}
}

// HandleMessage decodes and applies one provisioning event. It returns true
// when the message should be acked; malformed payloads are acked (re-delivery
// cannot fix them) while repository failures are nacked for redelivery.
func (c *AccountEventConsumer) HandleMessage(body []byte) bool {
	var event domain.AccountProvisionedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=account_consumer msg=\"malformed provisioning event; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(event.AccountID) == "" {
		log.Printf("level=warn component=account_consumer msg=\"provisioning event missing account id; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	account, err := c.service.ProvisionAccount(ctx, event.AccountID, event.Role)
	if err != nil {
		if err == domain.ErrUnknownRole {
			log.Printf("level=warn component=account_consumer msg=\"unknown role in provisioning event; dropping\" account_id=%s role=%q", event.AccountID, event.Role)
			return true
		}
		log.Printf("level=error component=account_consumer msg=\"account provisioning failed; re-queuing\" account_id=%s err=%v", event.AccountID, err)
		return false
	}

	log.Printf("level=info component=account_consumer msg=\"account provisioned\" account_id=%s role=%s", account.AccountID, account.Role)
	return true
}
