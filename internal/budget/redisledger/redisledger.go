// Package redisledger provides a Redis-backed budget ledger.
//
// Counters live in Redis hashes and keys updated by atomic Lua scripts,
// which makes the ledger safe to share between proctor instances. Only
// the aggregates the admission checks read are kept here; the per-record
// usage log stays in SQLite.
package redisledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/proctor/internal/budget"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/resilience"
)

// Window counter lifetimes. Each counter only has to outlive the window
// it covers; the expirations keep abandoned buckets from accumulating.
const (
	dayCounterTTL  = 48 * time.Hour
	hourCounterTTL = 3 * time.Hour
	idemKeyTTL     = 24 * time.Hour
)

// Ledger is a Redis-backed budget.Ledger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
	retrier   *resilience.Retrier[int64]
	logger    zerolog.Logger
	now       func() time.Time
}

var _ budget.Ledger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "proctor:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) {
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		l.keyPrefix = prefix
	}
}

// New creates a Redis-backed ledger. The client must be a connected
// *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "proctor:ledger:",
		retrier:   resilience.NewRetrier[int64](resilience.DefaultPersistenceRetry),
		logger:    logging.Component("redisledger"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) accountKey(provider models.Provider) string {
	return l.keyPrefix + "account:" + string(provider)
}

func (l *Ledger) dayKey(provider models.Provider, t time.Time) string {
	return l.keyPrefix + "usage:" + string(provider) + ":day:" + t.UTC().Format("2006-01-02")
}

func (l *Ledger) hourKey(provider models.Provider, t time.Time) string {
	return l.keyPrefix + "usage:" + string(provider) + ":hour:" + t.UTC().Format("2006-01-02T15")
}

func (l *Ledger) idemKey(recordID string) string {
	return l.keyPrefix + "idem:" + recordID
}

// recordScript atomically applies one usage record.
// KEYS[1] = idempotency key
// KEYS[2] = account hash key
// KEYS[3] = day counter key
// KEYS[4] = hour counter key
// ARGV[1] = tokens
// ARGV[2] = idempotency TTL (seconds)
// ARGV[3] = day counter TTL (seconds)
// ARGV[4] = hour counter TTL (seconds)
//
// Returns:
//
//	1  = recorded
//	2  = recorded, but no account hash exists for the provider
//	-1 = duplicate record ID
var recordScript = goredis.NewScript(`
local set = redis.call("SET", KEYS[1], "1", "NX", "EX", tonumber(ARGV[2]))
if not set then
    return -1
end

local tokens = tonumber(ARGV[1])
redis.call("INCRBY", KEYS[3], tokens)
redis.call("EXPIRE", KEYS[3], tonumber(ARGV[3]))
redis.call("INCRBY", KEYS[4], tokens)
redis.call("EXPIRE", KEYS[4], tonumber(ARGV[4]))

if redis.call("EXISTS", KEYS[2]) == 0 then
    return 2
end
redis.call("HINCRBY", KEYS[2], "monthly_used", tokens)
return 1
`)

// resetScript starts a new billing period if the stored one is older.
// KEYS[1] = account hash key
// ARGV[1] = new period start (unix seconds)
//
// Returns:
//
//	1  = reset applied
//	0  = period already current
//	-1 = account not found
var resetScript = goredis.NewScript(`
local period = redis.call("HGET", KEYS[1], "period_start")
if not period then
    return -1
end
if tonumber(period) >= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "monthly_used", "0", "period_start", ARGV[1])
return 1
`)

// EnsureAccount provisions the provider's account hash, updating only
// the limit when the account already exists so the running counters and
// period survive restarts.
func (l *Ledger) EnsureAccount(ctx context.Context, provider models.Provider, monthlyLimit int64) error {
	if !provider.Valid() {
		return fmt.Errorf("provider is required")
	}
	if monthlyLimit <= 0 {
		return fmt.Errorf("monthly limit must be positive")
	}

	key := l.accountKey(provider)
	exists, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if exists == 0 {
		now := l.now().UTC()
		periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		err = l.client.HSet(ctx, key,
			"monthly_limit", monthlyLimit,
			"monthly_used", 0,
			"period_start", periodStart.Unix(),
			"is_active", 1,
		).Err()
	} else {
		err = l.client.HSet(ctx, key, "monthly_limit", monthlyLimit).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to provision account: %w", err)
	}
	return nil
}

// RecordUsage applies a usage record to the monthly, daily and hourly
// counters in one atomic script. Usage always lands, with or without a
// provisioned account; a record ID that was already applied is ignored,
// so retries after a lost acknowledgment do not double-count.
func (l *Ledger) RecordUsage(ctx context.Context, record *models.UsageRecord) error {
	if record == nil {
		return fmt.Errorf("usage record is required")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = l.now().UTC()
	}
	if record.TotalTokens == 0 {
		record.CalculateTotalTokens()
	}

	result, err := l.retrier.Do(ctx, func() (int64, error) {
		return recordScript.Run(ctx, l.client,
			[]string{
				l.idemKey(record.ID),
				l.accountKey(record.Provider),
				l.dayKey(record.Provider, record.RecordedAt),
				l.hourKey(record.Provider, record.RecordedAt),
			},
			record.TotalTokens,
			int64(idemKeyTTL.Seconds()),
			int64(dayCounterTTL.Seconds()),
			int64(hourCounterTTL.Seconds()),
		).Int64()
	})
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	switch result {
	case -1:
		l.logger.Debug().
			Str("record_id", record.ID).
			Msg("duplicate usage record ignored")
	case 2:
		l.logger.Warn().
			Str("provider", string(record.Provider)).
			Msg("usage recorded for provider without account")
	}

	l.logger.Debug().
		Str("provider", string(record.Provider)).
		Str("kind", string(record.Kind)).
		Int64("tokens", record.TotalTokens).
		Msg("usage recorded")
	return nil
}

// Account returns the provider's account snapshot.
func (l *Ledger) Account(ctx context.Context, provider models.Provider) (*models.Account, error) {
	vals, err := l.client.HMGet(ctx, l.accountKey(provider),
		"monthly_limit", "monthly_used", "period_start", "is_active").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if vals[0] == nil {
		return nil, db.ErrAccountNotFound
	}

	limit, _ := strconv.ParseInt(vals[0].(string), 10, 64)
	used := int64(0)
	if s, ok := vals[1].(string); ok {
		used, _ = strconv.ParseInt(s, 10, 64)
	}
	periodStart := int64(0)
	if s, ok := vals[2].(string); ok {
		periodStart, _ = strconv.ParseInt(s, 10, 64)
	}
	active := int64(1)
	if s, ok := vals[3].(string); ok {
		active, _ = strconv.ParseInt(s, 10, 64)
	}

	return &models.Account{
		ID:           string(provider),
		Provider:     provider,
		MonthlyLimit: limit,
		MonthlyUsed:  used,
		PeriodStart:  time.Unix(periodStart, 0).UTC(),
		IsActive:     active != 0,
	}, nil
}

// UsageFraction returns the provider's monthly fill ratio.
func (l *Ledger) UsageFraction(ctx context.Context, provider models.Provider) (float64, error) {
	account, err := l.Account(ctx, provider)
	if err != nil {
		return 0, err
	}
	return account.UsageFraction(), nil
}

// DailyUsage returns tokens consumed during the UTC day containing t.
func (l *Ledger) DailyUsage(ctx context.Context, provider models.Provider, t time.Time) (int64, error) {
	return l.counter(ctx, l.dayKey(provider, t))
}

// HourlyUsage returns tokens consumed during the UTC hour containing t.
func (l *Ledger) HourlyUsage(ctx context.Context, provider models.Provider, t time.Time) (int64, error) {
	return l.counter(ctx, l.hourKey(provider, t))
}

func (l *Ledger) counter(ctx context.Context, key string) (int64, error) {
	val, err := l.client.Get(ctx, key).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return val, nil
}

// ResetMonthly starts the billing period beginning at periodStart. It
// reports whether a reset was applied; repeating a reset is a no-op.
func (l *Ledger) ResetMonthly(ctx context.Context, provider models.Provider, periodStart time.Time) (bool, error) {
	result, err := resetScript.Run(ctx, l.client,
		[]string{l.accountKey(provider)},
		periodStart.UTC().Unix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to reset period: %w", err)
	}

	switch result {
	case -1:
		return false, db.ErrAccountNotFound
	case 0:
		return false, nil
	}

	l.logger.Info().
		Str("provider", string(provider)).
		Time("period_start", periodStart.UTC()).
		Msg("monthly budget reset")
	return true, nil
}

// Distribution reports the current consumption of every account.
func (l *Ledger) Distribution(ctx context.Context) ([]*models.ProviderUsage, error) {
	pattern := l.keyPrefix + "account:*"
	var providers []models.Provider

	iter := l.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		name := strings.TrimPrefix(iter.Val(), l.keyPrefix+"account:")
		providers = append(providers, models.Provider(name))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan accounts: %w", err)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	now := l.now().UTC()
	report := make([]*models.ProviderUsage, 0, len(providers))
	for _, provider := range providers {
		account, err := l.Account(ctx, provider)
		if err != nil {
			return nil, err
		}
		daily, err := l.DailyUsage(ctx, provider, now)
		if err != nil {
			return nil, err
		}
		hourly, err := l.HourlyUsage(ctx, provider, now)
		if err != nil {
			return nil, err
		}
		report = append(report, &models.ProviderUsage{
			Provider:      provider,
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
