package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/proctor/internal/models"
)

// Account repository errors.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists for provider")
)

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// AccountRepository handles provider account persistence.
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts a new provider account.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	if account.PeriodStart.IsZero() {
		account.PeriodStart = monthStart(now)
	}

	if err := account.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, provider, monthly_limit, monthly_used, period_start,
			is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		account.ID,
		string(account.Provider),
		account.MonthlyLimit,
		account.MonthlyUsed,
		account.PeriodStart.UTC().Format(time.RFC3339),
		boolToInt(account.IsActive),
		account.CreatedAt.Format(time.RFC3339),
		account.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	return nil
}

// Ensure upserts the account for a provider, updating the monthly limit.
// Usage counters and the billing period are left untouched on update.
func (r *AccountRepository) Ensure(ctx context.Context, provider models.Provider, monthlyLimit int64) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, provider, monthly_limit, monthly_used, period_start,
			is_active, created_at, updated_at
		) VALUES (?, ?, ?, 0, ?, 1, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			monthly_limit = excluded.monthly_limit,
			updated_at = excluded.updated_at
	`,
		uuid.New().String(),
		string(provider),
		monthlyLimit,
		monthStart(now).Format(time.RFC3339),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// Get retrieves an account by ID.
func (r *AccountRepository) Get(ctx context.Context, id string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, provider, monthly_limit, monthly_used, period_start,
			is_active, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row)
}

// GetByProvider retrieves the account for a provider.
func (r *AccountRepository) GetByProvider(ctx context.Context, provider models.Provider) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, provider, monthly_limit, monthly_used, period_start,
			is_active, created_at, updated_at
		FROM accounts WHERE provider = ?
	`, string(provider))
	return scanAccount(row)
}

// List retrieves all accounts ordered by provider.
func (r *AccountRepository) List(ctx context.Context) ([]*models.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider, monthly_limit, monthly_used, period_start,
			is_active, created_at, updated_at
		FROM accounts ORDER BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// Update persists changes to an account.
func (r *AccountRepository) Update(ctx context.Context, account *models.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	account.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			monthly_limit = ?, monthly_used = ?, period_start = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?
	`,
		account.MonthlyLimit,
		account.MonthlyUsed,
		account.PeriodStart.UTC().Format(time.RFC3339),
		boolToInt(account.IsActive),
		account.UpdatedAt.Format(time.RFC3339),
		account.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AddUsageWithTx adds tokens to a provider's monthly counter inside an
// existing transaction.
func (r *AccountRepository) AddUsageWithTx(ctx context.Context, tx *sql.Tx, provider models.Provider, tokens int64) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET monthly_used = monthly_used + ?, updated_at = ?
		WHERE provider = ?
	`, tokens, time.Now().UTC().Format(time.RFC3339), string(provider))
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ResetPeriod zeroes the monthly counter and moves the billing period
// forward. Accounts already on or past the given period are untouched,
// which makes repeated resets for the same month no-ops.
func (r *AccountRepository) ResetPeriod(ctx context.Context, provider models.Provider, periodStart time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET monthly_used = 0, period_start = ?, updated_at = ?
		WHERE provider = ? AND period_start < ?
	`,
		periodStart.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		string(provider),
		periodStart.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("failed to reset account period: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanAccount(row scanner) (*models.Account, error) {
	var account models.Account
	var provider, periodStart, createdAt, updatedAt string
	var isActive int

	err := row.Scan(
		&account.ID,
		&provider,
		&account.MonthlyLimit,
		&account.MonthlyUsed,
		&periodStart,
		&isActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	account.Provider = models.Provider(provider)
	account.IsActive = isActive != 0
	if t, err := time.Parse(time.RFC3339, periodStart); err == nil {
		account.PeriodStart = t
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		account.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		account.UpdatedAt = t
	}

	return &account, nil
}

// monthStart returns midnight UTC on the first day of t's month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
