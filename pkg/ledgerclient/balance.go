/**
 * @description
 * Optimistic balance view for the client portal. Pin movements the user just
 * performed are reflected immediately as a pending delta on top of the last
 * confirmed balance; whenever a fresh authoritative balance arrives it wins
 * outright and the pending delta is discarded, since the server's number
 * already includes every committed movement.
 */

package ledgerclient

import (
	"context"
	"sync"
	"time"
)

// BalanceView reconciles a locally maintained balance with authoritative
// reads from the ledger. Safe for concurrent use.
type BalanceView struct {
	mu           sync.Mutex
	confirmed    int64
	pendingDelta int64
	observedAt   time.Time
	provisional  bool
}

// NewBalanceView creates a view seeded with an authoritative balance.
func NewBalanceView(confirmed int64, observedAt time.Time) *BalanceView {
	return &BalanceView{confirmed: confirmed, observedAt: observedAt}
}

// ApplyOptimistic records a local pin movement immediately, before the ledger
// confirms it. Credits are positive, debits negative.
func (v *BalanceView) ApplyOptimistic(delta int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pendingDelta += delta
	v.provisional = true
}

// Reconcile applies an authoritative balance observed at the given time. Reads
// older than the last applied one are ignored; a fresh read replaces the
// confirmed balance and clears the pending delta.
func (v *BalanceView) Reconcile(authoritative int64, observedAt time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !observedAt.After(v.observedAt) {
		return false
	}
	v.confirmed = authoritative
	v.pendingDelta = 0
	v.observedAt = observedAt
	v.provisional = false
	return true
}

// MarkProvisional flags the view after a failed refresh: the rendered number
// may be stale until the next successful authoritative read.
func (v *BalanceView) MarkProvisional() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.provisional = true
}

// Provisional reports whether the displayed balance may differ from the
// ledger's: there are unconfirmed local movements or the last refresh failed.
func (v *BalanceView) Provisional() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.provisional
}

// Effective returns the confirmed balance adjusted by pending movements,
// without the display floor.
func (v *BalanceView) Effective() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.confirmed + v.pendingDelta
}

// Displayed returns the balance the portal should render: the confirmed value
// adjusted by pending movements, floored at zero for display.
func (v *BalanceView) Displayed() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	displayed := v.confirmed + v.pendingDelta
	if displayed < 0 {
		return 0
	}
	return displayed
}

// Confirmed returns the last authoritative balance and when it was observed.
func (v *BalanceView) Confirmed() (int64, time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.confirmed, v.observedAt
}

// BalanceTracker pairs a ledger client with an optimistic view, refreshing the
// confirmed balance from the service on demand.
type BalanceTracker struct {
	client *Client
	view   *BalanceView
}

// NewBalanceTracker creates a tracker starting from an unknown (zero) balance.
func NewBalanceTracker(client *Client) *BalanceTracker {
	return &BalanceTracker{
		client: client,
		view:   NewBalanceView(0, time.Time{}),
	}
}

// View exposes the underlying balance view.
func (t *BalanceTracker) View() *BalanceView {
	return t.view
}

// Refresh pulls the authoritative balance and reconciles the view with it. A
// failed refresh leaves the view provisional.
func (t *BalanceTracker) Refresh(ctx context.Context) (int64, error) {
	observedAt := time.Now()
	balance, err := t.client.GetBalance(ctx)
	if err != nil {
		t.view.MarkProvisional()
		return t.view.Displayed(), err
	}
	t.view.Reconcile(balance.Balance, observedAt)
	return t.view.Displayed(), nil
}
