package models

import (
	"time"
)

// Account represents a provider budget account: one per governed provider,
// carrying the monthly token allowance and the running monthly total.
type Account struct {
	// ID is the unique identifier for the account.
	ID string `json:"id"`

	// Provider is the AI provider this account budgets.
	Provider Provider `json:"provider"`

	// MonthlyLimit is the token allowance per billing month.
	MonthlyLimit int64 `json:"monthly_limit"`

	// MonthlyUsed is the tokens consumed in the current billing month.
	// Kept in step with the usage log: it equals the sum of the month's
	// usage records and is updated in the same transaction that appends them.
	MonthlyUsed int64 `json:"monthly_used"`

	// PeriodStart is the first instant of the current billing month (UTC).
	PeriodStart time.Time `json:"period_start"`

	// IsActive marks whether the account participates in routing.
	IsActive bool `json:"is_active"`

	// CreatedAt is when the account was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the account was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the account is valid.
func (a *Account) Validate() error {
	validation := &ValidationErrors{}
	if !a.Provider.Valid() {
		validation.AddMessage("provider", "provider is required")
	}
	if a.MonthlyLimit <= 0 {
		validation.AddMessage("monthly_limit", "monthly_limit must be positive")
	}
	if a.MonthlyUsed < 0 {
		validation.AddMessage("monthly_used", "monthly_used must be non-negative")
	}
	return validation.Err()
}

// UsageFraction returns monthly consumption as a fraction of the limit,
// clamped to [0, 1].
func (a *Account) UsageFraction() float64 {
	if a.MonthlyLimit <= 0 {
		return 1
	}
	fraction := float64(a.MonthlyUsed) / float64(a.MonthlyLimit)
	if fraction < 0 {
		return 0
	}
	if fraction > 1 {
		return 1
	}
	return fraction
}

// Remaining returns the unconsumed tokens for the current month, never negative.
func (a *Account) Remaining() int64 {
	remaining := a.MonthlyLimit - a.MonthlyUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsageStatus classifies how close an account is to exhaustion.
type UsageStatus string

const (
	UsageStatusOK        UsageStatus = "ok"
	UsageStatusWarning   UsageStatus = "warning"
	UsageStatusCritical  UsageStatus = "critical"
	UsageStatusExhausted UsageStatus = "exhausted"
)

// Usage status boundaries as fractions of the monthly limit.
const (
	UsageWarningFraction  = 0.80
	UsageCriticalFraction = 0.95
)

// Status returns the usage status level for the account's current fill ratio.
func (a *Account) Status() UsageStatus {
	fraction := a.UsageFraction()
	switch {
	case fraction >= 1:
		return UsageStatusExhausted
	case fraction >= UsageCriticalFraction:
		return UsageStatusCritical
	case fraction >= UsageWarningFraction:
		return UsageStatusWarning
	default:
		return UsageStatusOK
	}
}
