// Package budget enforces provider token budgets and test admission.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/resilience"
)

// Ledger tracks provider token consumption against monthly allowances.
type Ledger interface {
	// RecordUsage appends a usage record and adds its tokens to the
	// provider's monthly counter in one transaction. Usage is always
	// recorded, even when it lands over a cap.
	RecordUsage(ctx context.Context, record *models.UsageRecord) error

	// UsageFraction returns the provider's monthly fill ratio, clamped
	// to [0, 1].
	UsageFraction(ctx context.Context, provider models.Provider) (float64, error)

	// DailyUsage returns tokens consumed during the UTC day containing t.
	DailyUsage(ctx context.Context, provider models.Provider, t time.Time) (int64, error)

	// HourlyUsage returns tokens consumed during the UTC hour containing t.
	HourlyUsage(ctx context.Context, provider models.Provider, t time.Time) (int64, error)

	// Account returns the provider's account snapshot.
	Account(ctx context.Context, provider models.Provider) (*models.Account, error)

	// ResetMonthly starts the billing period beginning at periodStart,
	// zeroing the monthly counter. Calling it again for the same period
	// is a no-op; it reports whether a reset was applied.
	ResetMonthly(ctx context.Context, provider models.Provider, periodStart time.Time) (bool, error)

	// Distribution reports the current consumption of every account.
	Distribution(ctx context.Context) ([]*models.ProviderUsage, error)
}

// SQLLedger is the SQLite-backed ledger.
type SQLLedger struct {
	db       *db.DB
	accounts *db.AccountRepository
	usage    *db.UsageRepository
	retrier  *resilience.Retrier[struct{}]
	logger   zerolog.Logger
}

// NewSQLLedger creates a ledger over the given database.
func NewSQLLedger(database *db.DB) *SQLLedger {
	return &SQLLedger{
		db:       database,
		accounts: db.NewAccountRepository(database),
		usage:    db.NewUsageRepository(database),
		retrier:  resilience.NewRetrier[struct{}](resilience.DefaultPersistenceRetry),
		logger:   logging.Component("ledger"),
	}
}

// RecordUsage appends a usage record and bumps the monthly counter in a
// single transaction. Transient write failures are retried; a record ID
// that was already committed counts as success, so retries after a lost
// commit acknowledgment do not double-count.
func (l *SQLLedger) RecordUsage(ctx context.Context, record *models.UsageRecord) error {
	if record == nil {
		return fmt.Errorf("usage record is required")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	_, err := l.retrier.Do(ctx, func() (struct{}, error) {
		return struct{}{}, l.recordOnce(ctx, record)
	})
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	l.logger.Debug().
		Str("provider", string(record.Provider)).
		Str("kind", string(record.Kind)).
		Int64("tokens", record.TotalTokens).
		Msg("usage recorded")
	return nil
}

func (l *SQLLedger) recordOnce(ctx context.Context, record *models.UsageRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := l.usage.CreateWithTx(ctx, tx, record); err != nil {
		if errors.Is(err, db.ErrUsageRecordExists) {
			return nil
		}
		return err
	}

	if err := l.accounts.AddUsageWithTx(ctx, tx, record.Provider, record.TotalTokens); err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			// Recording must not fail for an unprovisioned provider.
			l.logger.Warn().
				Str("provider", string(record.Provider)).
				Msg("usage recorded for provider without account")
		} else {
			return err
		}
	}

	return tx.Commit()
}

// UsageFraction returns the provider's monthly fill ratio.
func (l *SQLLedger) UsageFraction(ctx context.Context, provider models.Provider) (float64, error) {
	account, err := l.accounts.GetByProvider(ctx, provider)
	if err != nil {
		return 0, err
	}
	return account.UsageFraction(), nil
}

// DailyUsage returns tokens consumed during the UTC day containing t.
func (l *SQLLedger) DailyUsage(ctx context.Context, provider models.Provider, t time.Time) (int64, error) {
	day := dayStart(t)
	return l.usage.SumInWindow(ctx, provider, day, day.Add(24*time.Hour))
}

// HourlyUsage returns tokens consumed during the UTC hour containing t.
func (l *SQLLedger) HourlyUsage(ctx context.Context, provider models.Provider, t time.Time) (int64, error) {
	hour := t.UTC().Truncate(time.Hour)
	return l.usage.SumInWindow(ctx, provider, hour, hour.Add(time.Hour))
}

// Account returns the provider's account snapshot.
func (l *SQLLedger) Account(ctx context.Context, provider models.Provider) (*models.Account, error) {
	return l.accounts.GetByProvider(ctx, provider)
}

// ResetMonthly starts a new billing period, zeroing the counter.
func (l *SQLLedger) ResetMonthly(ctx context.Context, provider models.Provider, periodStart time.Time) (bool, error) {
	reset, err := l.accounts.ResetPeriod(ctx, provider, periodStart)
	if err != nil {
		return false, err
	}
	if reset {
		l.logger.Info().
			Str("provider", string(provider)).
			Time("period_start", periodStart).
			Msg("monthly budget reset")
	}
	return reset, nil
}

// Distribution reports the current consumption of every account.
func (l *SQLLedger) Distribution(ctx context.Context) ([]*models.ProviderUsage, error) {
	accounts, err := l.accounts.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := make([]*models.ProviderUsage, 0, len(accounts))
	for _, account := range accounts {
		daily, err := l.DailyUsage(ctx, account.Provider, now)
		if err != nil {
			return nil, err
		}
		hourly, err := l.HourlyUsage(ctx, account.Provider, now)
		if err != nil {
			return nil, err
		}
		report = append(report, &models.ProviderUsage{
			Provider:      account.Provider,
			MonthlyLimit:  account.MonthlyLimit,
			MonthlyUsed:   account.MonthlyUsed,
			UsageFraction: account.UsageFraction(),
			Status:        account.Status(),
			DailyUsed:     daily,
			HourlyUsed:    hourly,
		})
	}

	return report, nil
}

// dayStart returns midnight UTC on the day containing t.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
