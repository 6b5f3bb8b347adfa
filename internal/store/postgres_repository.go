/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL for the ledger tables (accounts, allocations,
 * transfers) and the row-locking transactions that keep balance mutations and
 * their justifying ledger records atomic.
 *
 * @dependencies
 * - context, errors, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/certportal/pin-ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAllocationNotFound  = errors.New("allocation not found")
	ErrAlreadyResolved     = errors.New("allocation already resolved")
	ErrInsufficientBalance = errors.New("insufficient pin balance")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the ledger tables if they do not exist yet (idempotent).
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS accounts (
            account_id TEXT PRIMARY KEY,
            role TEXT NOT NULL,
            balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE TABLE IF NOT EXISTS allocations (
            id UUID PRIMARY KEY,
            from_account_id TEXT NOT NULL,
            to_account_id TEXT NOT NULL,
            amount BIGINT NOT NULL CHECK (amount > 0),
            remarks TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'PENDING',
            requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            resolved_at TIMESTAMPTZ,
            resolved_by TEXT,
            approval_remarks TEXT
        );
        CREATE INDEX IF NOT EXISTS idx_allocations_status ON allocations (status);
        CREATE INDEX IF NOT EXISTS idx_allocations_to_account ON allocations (to_account_id);
        CREATE INDEX IF NOT EXISTS idx_allocations_requested_at ON allocations (requested_at);
        CREATE TABLE IF NOT EXISTS transfers (
            id UUID PRIMARY KEY,
            from_account_id TEXT NOT NULL,
            to_account_id TEXT NOT NULL,
            amount BIGINT NOT NULL CHECK (amount > 0),
            remarks TEXT NOT NULL DEFAULT '',
            occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE INDEX IF NOT EXISTS idx_transfers_from_account ON transfers (from_account_id);
        CREATE INDEX IF NOT EXISTS idx_transfers_to_account ON transfers (to_account_id);
        CREATE INDEX IF NOT EXISTS idx_transfers_occurred_at ON transfers (occurred_at);
    `)
	return err
}

// EnsureAccount lazily creates the account with a zero balance on first
// reference and returns the current row either way.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, accountID string, role domain.Role) (*domain.Account, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO accounts (account_id, role) VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING`,
		accountID, role,
	)
	if err != nil {
		return nil, err
	}
	return r.FindAccountByID(ctx, accountID)
}

// FindAccountByID retrieves an account row by its portal account id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT account_id, role, balance, created_at, updated_at FROM accounts WHERE account_id = $1`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.AccountID,
		&account.Role,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetBalance returns the authoritative pin balance for an account. An account
// that has never been referenced reports a zero balance rather than an error,
// matching the lazy-creation lifecycle.
func (r *PostgresRepository) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// CreateAllocation inserts a new PENDING allocation. No balance is touched:
// allocations are minting proposals gated by a later resolve, not holds.
func (r *PostgresRepository) CreateAllocation(ctx context.Context, alloc *domain.Allocation) error {
	query := `
		INSERT INTO allocations (id, from_account_id, to_account_id, amount, remarks, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		alloc.ID,
		alloc.FromAccountID,
		alloc.ToAccountID,
		alloc.Amount,
		alloc.Remarks,
		alloc.Status,
		alloc.RequestedAt,
	)
	return err
}

// FindAllocationByID retrieves an allocation by its id.
func (r *PostgresRepository) FindAllocationByID(ctx context.Context, allocationID uuid.UUID) (*domain.Allocation, error) {
	query := `
		SELECT id, from_account_id, to_account_id, amount, remarks, status,
		       requested_at, resolved_at, resolved_by, approval_remarks
		FROM allocations
		WHERE id = $1
	`
	alloc, err := scanAllocation(r.db.QueryRow(ctx, query, allocationID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAllocationNotFound
		}
		return nil, err
	}
	return alloc, nil
}

// ResolveAllocationAtomic resolves a PENDING allocation exactly once. The
// allocation row is locked for the duration of the transaction, so concurrent
// resolves on the same id have exactly one winner; the rest observe
// ErrAlreadyResolved and no balance effect.
func (r *PostgresRepository) ResolveAllocationAtomic(ctx context.Context, allocationID uuid.UUID, approve bool, resolvedBy string, approvalRemarks string) (*domain.Allocation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the allocation row and validate it is still pending.
	var status domain.AllocationStatus
	var toAccountID string
	var amount int64
	err = tx.QueryRow(ctx,
		`SELECT status, to_account_id, amount FROM allocations WHERE id = $1 FOR UPDATE`,
		allocationID,
	).Scan(&status, &toAccountID, &amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAllocationNotFound
		}
		return nil, err
	}
	if status != domain.AllocationPending {
		return nil, ErrAlreadyResolved
	}

	// 2. On approval, credit the broker inside the same transaction. The
	// destination account may not exist yet (lazy creation).
	newStatus := domain.AllocationRejected
	if approve {
		newStatus = domain.AllocationApproved
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (account_id, role) VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING`,
			toAccountID, domain.RoleBroker,
		); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE account_id = $2`,
			amount, toAccountID,
		); err != nil {
			return nil, err
		}
	}

	// 3. Stamp the terminal status and resolution metadata.
	row := tx.QueryRow(ctx, `
		UPDATE allocations
		SET status = $1, resolved_at = NOW(), resolved_by = $2, approval_remarks = $3
		WHERE id = $4
		RETURNING id, from_account_id, to_account_id, amount, remarks, status,
		          requested_at, resolved_at, resolved_by, approval_remarks
	`, newStatus, resolvedBy, approvalRemarks, allocationID)

	alloc, err := scanAllocation(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return alloc, nil
}

// ExecuteTransferAtomic moves pins from a broker to a client: debit, credit and
// transfer record commit together or not at all. Both account rows are locked in
// account-id order so concurrent opposing transfers cannot deadlock.
func (r *PostgresRepository) ExecuteTransferAtomic(ctx context.Context, transfer *domain.Transfer) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The destination may not have been referenced before; create it first so
	// the ordered lock below sees both rows.
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (account_id, role) VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING`,
		transfer.ToAccountID, domain.RoleClient,
	); err != nil {
		return err
	}

	// Lock both rows in a stable order to avoid lock-order deadlocks.
	rows, err := tx.Query(ctx,
		`SELECT account_id, balance FROM accounts WHERE account_id = ANY($1) ORDER BY account_id FOR UPDATE`,
		[]string{transfer.FromAccountID, transfer.ToAccountID},
	)
	if err != nil {
		return err
	}
	balances := make(map[string]int64, 2)
	for rows.Next() {
		var id string
		var balance int64
		if err := rows.Scan(&id, &balance); err != nil {
			rows.Close()
			return err
		}
		balances[id] = balance
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	sourceBalance, ok := balances[transfer.FromAccountID]
	if !ok {
		// Never-referenced source has an implicit zero balance, which cannot
		// cover a positive transfer.
		return ErrInsufficientBalance
	}
	if sourceBalance < transfer.Amount {
		return ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE account_id = $2`,
		transfer.Amount, transfer.FromAccountID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE account_id = $2`,
		transfer.Amount, transfer.ToAccountID,
	); err != nil {
		return err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO transfers (id, from_account_id, to_account_id, amount, remarks)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING occurred_at
	`, transfer.ID, transfer.FromAccountID, transfer.ToAccountID, transfer.Amount, transfer.Remarks)
	if err := row.Scan(&transfer.OccurredAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListPendingAllocations returns the approval queue, newest requests first.
func (r *PostgresRepository) ListPendingAllocations(ctx context.Context, filter domain.PendingAllocationFilter) ([]domain.Allocation, error) {
	query := `
		SELECT id, from_account_id, to_account_id, amount, remarks, status,
		       requested_at, resolved_at, resolved_by, approval_remarks
		FROM allocations
		WHERE status = $1
	`
	args := []interface{}{domain.AllocationPending}

	if filter.ToAccountID != "" {
		args = append(args, filter.ToAccountID)
		query += fmt.Sprintf(" AND to_account_id = $%d", len(args))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, likePattern(search))
		query += fmt.Sprintf(" AND (to_account_id ILIKE $%d OR remarks ILIKE $%d)", len(args), len(args))
	}

	query += " ORDER BY requested_at DESC"
	query += limitOffsetClause(&args, filter.Limit, filter.Offset)

	return r.queryAllocations(ctx, query, args)
}

// ListAllocationHistory returns allocations across all lifecycle states,
// filterable by destination, status, requested_at range and search text.
func (r *PostgresRepository) ListAllocationHistory(ctx context.Context, filter domain.AllocationHistoryFilter) ([]domain.Allocation, error) {
	query := `
		SELECT id, from_account_id, to_account_id, amount, remarks, status,
		       requested_at, resolved_at, resolved_by, approval_remarks
		FROM allocations
		WHERE 1=1
	`
	var args []interface{}

	if filter.ToAccountID != "" {
		args = append(args, filter.ToAccountID)
		query += fmt.Sprintf(" AND to_account_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.FromDate != nil {
		args = append(args, *filter.FromDate)
		query += fmt.Sprintf(" AND requested_at >= $%d", len(args))
	}
	if filter.ToDate != nil {
		// The range is inclusive of the whole ToDate day when a date-only value
		// is supplied; callers normalize to end-of-day before reaching here.
		args = append(args, *filter.ToDate)
		query += fmt.Sprintf(" AND requested_at <= $%d", len(args))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, likePattern(search))
		query += fmt.Sprintf(" AND (to_account_id ILIKE $%d OR from_account_id ILIKE $%d OR remarks ILIKE $%d OR COALESCE(approval_remarks, '') ILIKE $%d)",
			len(args), len(args), len(args), len(args))
	}

	query += " ORDER BY requested_at DESC"
	query += limitOffsetClause(&args, filter.Limit, filter.Offset)

	return r.queryAllocations(ctx, query, args)
}

// ListTransferHistory returns direct transfers filtered by party, occurred_at
// range and search text, newest first.
func (r *PostgresRepository) ListTransferHistory(ctx context.Context, filter domain.TransferHistoryFilter) ([]domain.Transfer, error) {
	query := `
		SELECT id, from_account_id, to_account_id, amount, remarks, occurred_at
		FROM transfers
		WHERE 1=1
	`
	var args []interface{}

	if filter.FromAccountID != "" {
		args = append(args, filter.FromAccountID)
		query += fmt.Sprintf(" AND from_account_id = $%d", len(args))
	}
	if filter.ToAccountID != "" {
		args = append(args, filter.ToAccountID)
		query += fmt.Sprintf(" AND to_account_id = $%d", len(args))
	}
	if filter.FromDate != nil {
		args = append(args, *filter.FromDate)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if filter.ToDate != nil {
		args = append(args, *filter.ToDate)
		query += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, likePattern(search))
		query += fmt.Sprintf(" AND (from_account_id ILIKE $%d OR to_account_id ILIKE $%d OR remarks ILIKE $%d)", len(args), len(args), len(args))
	}

	query += " ORDER BY occurred_at DESC"
	query += limitOffsetClause(&args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		if err := rows.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.Remarks, &t.OccurredAt); err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// ComputeLedgerBalances recomputes every account's balance from the approved
// allocation credits and the transfer debits/credits, alongside the stored
// value. The stored balance is derived consistency, not a cache: the audit job
// uses this to prove the two never diverge.
func (r *PostgresRepository) ComputeLedgerBalances(ctx context.Context) ([]domain.LedgerBalance, error) {
	query := `
		SELECT a.account_id,
		       a.balance,
		       COALESCE(alloc_in.total, 0) + COALESCE(xfer_in.total, 0) - COALESCE(xfer_out.total, 0) AS derived
		FROM accounts a
		LEFT JOIN (
			SELECT to_account_id, SUM(amount) AS total
			FROM allocations WHERE status = 'APPROVED' GROUP BY to_account_id
		) alloc_in ON alloc_in.to_account_id = a.account_id
		LEFT JOIN (
			SELECT to_account_id, SUM(amount) AS total
			FROM transfers GROUP BY to_account_id
		) xfer_in ON xfer_in.to_account_id = a.account_id
		LEFT JOIN (
			SELECT from_account_id, SUM(amount) AS total
			FROM transfers GROUP BY from_account_id
		) xfer_out ON xfer_out.from_account_id = a.account_id
		ORDER BY a.account_id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []domain.LedgerBalance
	for rows.Next() {
		var b domain.LedgerBalance
		if err := rows.Scan(&b.AccountID, &b.Stored, &b.Derived); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (r *PostgresRepository) queryAllocations(ctx context.Context, query string, args []interface{}) ([]domain.Allocation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []domain.Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, *alloc)
	}
	return allocations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAllocation(row rowScanner) (*domain.Allocation, error) {
	var alloc domain.Allocation
	var resolvedAt *time.Time
	err := row.Scan(
		&alloc.ID,
		&alloc.FromAccountID,
		&alloc.ToAccountID,
		&alloc.Amount,
		&alloc.Remarks,
		&alloc.Status,
		&alloc.RequestedAt,
		&resolvedAt,
		&alloc.ResolvedBy,
		&alloc.ApprovalRemarks,
	)
	if err != nil {
		return nil, err
	}
	alloc.ResolvedAt = resolvedAt
	return &alloc, nil
}

// likePattern wraps user search text for ILIKE matching, escaping the pattern
// metacharacters so user input cannot widen the match.
func likePattern(search string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(search)
	return "%" + escaped + "%"
}

// limitOffsetClause appends LIMIT/OFFSET placeholders for positive values and
// returns the SQL fragment to concatenate.
func limitOffsetClause(args *[]interface{}, limit, offset int) string {
	var clause string
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}
