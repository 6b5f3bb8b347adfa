/**
 * @description
 * Cron-scheduled ledger audit. The stored balance on each account is derived
 * consistency: it must always equal the sum of approved allocation credits and
 * transfer credits into the account minus transfer debits out of it. The audit
 * job recomputes that sum from the ledger tables and logs every account where
 * the stored value disagrees, plus any account that has somehow gone negative.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/certportal/pin-ledger-service/internal/store"
	"github.com/robfig/cron/v3"
)

// AuditReport summarizes one audit run.
type AuditReport struct {
	AccountsChecked int
	DriftedAccounts []string
	NegativeStored  []string
}

// Clean reports whether the audit found no inconsistencies.
func (r AuditReport) Clean() bool {
	return len(r.DriftedAccounts) == 0 && len(r.NegativeStored) == 0
}

// LedgerAuditor runs the balance reconciliation job.
type LedgerAuditor struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewLedgerAuditor creates an auditor over the given repository.
func NewLedgerAuditor(repo store.Repository, logger *slog.Logger) *LedgerAuditor {
	return &LedgerAuditor{repo: repo, logger: logger}
}

// Run recomputes every account's balance from the ledger and reports drift.
func (a *LedgerAuditor) Run(ctx context.Context) (AuditReport, error) {
	balances, err := a.repo.ComputeLedgerBalances(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{AccountsChecked: len(balances)}
	for _, b := range balances {
		if b.Drift() {
			report.DriftedAccounts = append(report.DriftedAccounts, b.AccountID)
			a.logger.Error("ledger drift detected",
				"account_id", b.AccountID,
				"stored", b.Stored,
				"derived", b.Derived,
			)
		}
		if b.Stored < 0 {
			report.NegativeStored = append(report.NegativeStored, b.AccountID)
			a.logger.Error("negative balance detected", "account_id", b.AccountID, "stored", b.Stored)
		}
	}

	if report.Clean() {
		a.logger.Info("ledger audit clean", "accounts_checked", report.AccountsChecked)
	}
	return report, nil
}

// AuditScheduler manages the cron job wrapping the auditor.
type AuditScheduler struct {
	cron     *cron.Cron
	auditor  *LedgerAuditor
	logger   *slog.Logger
	schedule string
}

// NewAuditScheduler creates a scheduler that runs the ledger audit on the given
// cron schedule.
func NewAuditScheduler(auditor *LedgerAuditor, logger *slog.Logger, schedule string) *AuditScheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &AuditScheduler{
		cron:     c,
		auditor:  auditor,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the audit job and starts the cron scheduler.
func (s *AuditScheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.auditor.Run(ctx); err != nil {
			s.logger.Error("ledger audit run failed", "error", err)
		}
	}); err != nil {
		s.logger.Error("failed to schedule ledger audit job", "error", err, "schedule", s.schedule)
		return
	}
	s.logger.Info("scheduled ledger audit job", "schedule", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *AuditScheduler) Stop() context.Context {
	return s.cron.Stop()
}
