package models

import (
	"time"
)

// UsageKind distinguishes what an invocation was spent on.
type UsageKind string

const (
	// UsageKindExecution is the test-execution invocation (agent answering).
	UsageKindExecution UsageKind = "execution"

	// UsageKindEvaluation is the grading invocation.
	UsageKindEvaluation UsageKind = "evaluation"
)

// UsageRecord is one append-only row of provider token consumption. The
// monthly/daily/hourly buckets the ledger reports are aggregates over these
// rows, so a bucket can always be re-derived from the log.
type UsageRecord struct {
	// ID is the unique identifier for the record.
	ID string `json:"id"`

	// Provider is the AI provider the tokens were consumed from.
	Provider Provider `json:"provider"`

	// AgentID is the agent whose test cycle consumed the tokens (optional).
	AgentID string `json:"agent_id,omitempty"`

	// AttemptID ties the record to the attempt it served (optional).
	AttemptID string `json:"attempt_id,omitempty"`

	// Kind is what the invocation was spent on.
	Kind UsageKind `json:"kind,omitempty"`

	// InputTokens is the number of input tokens consumed.
	InputTokens int64 `json:"input_tokens"`

	// OutputTokens is the number of output tokens generated.
	OutputTokens int64 `json:"output_tokens"`

	// TotalTokens is the total tokens (input + output).
	TotalTokens int64 `json:"total_tokens"`

	// RecordedAt is when this usage was recorded.
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks if the usage record is valid.
func (r *UsageRecord) Validate() error {
	validation := &ValidationErrors{}
	if r.Provider == "" {
		validation.AddMessage("provider", "provider is required")
	}
	if r.InputTokens < 0 {
		validation.AddMessage("input_tokens", "input_tokens must be non-negative")
	}
	if r.OutputTokens < 0 {
		validation.AddMessage("output_tokens", "output_tokens must be non-negative")
	}
	if r.TotalTokens < 0 {
		validation.AddMessage("total_tokens", "total_tokens must be non-negative")
	}
	return validation.Err()
}

// CalculateTotalTokens calculates total from input and output.
func (r *UsageRecord) CalculateTotalTokens() {
	r.TotalTokens = r.InputTokens + r.OutputTokens
}

// DailyUsage represents aggregated usage for a specific day.
type DailyUsage struct {
	// Date is the day (YYYY-MM-DD, UTC).
	Date string `json:"date"`

	// Provider is the provider.
	Provider Provider `json:"provider"`

	// InputTokens for the day.
	InputTokens int64 `json:"input_tokens"`

	// OutputTokens for the day.
	OutputTokens int64 `json:"output_tokens"`

	// TotalTokens for the day.
	TotalTokens int64 `json:"total_tokens"`

	// RequestCount is the number of usage records for the day.
	RequestCount int64 `json:"request_count"`
}

// HourlyUsage represents aggregated usage for a specific hour of a day.
type HourlyUsage struct {
	// Hour is the hour bucket (YYYY-MM-DDTHH, UTC).
	Hour string `json:"hour"`

	// Provider is the provider.
	Provider Provider `json:"provider"`

	// TotalTokens for the hour.
	TotalTokens int64 `json:"total_tokens"`

	// RequestCount is the number of usage records for the hour.
	RequestCount int64 `json:"request_count"`
}

// UsageQuery defines filters for querying usage records.
type UsageQuery struct {
	// Provider filters by provider.
	Provider *Provider

	// AgentID filters by agent.
	AgentID *string

	// AttemptID filters by attempt.
	AttemptID *string

	// Kind filters by usage kind.
	Kind *UsageKind

	// Since filters to records at or after this time (inclusive).
	Since *time.Time

	// Until filters to records before this time (exclusive).
	Until *time.Time

	// Limit is the maximum records to return.
	Limit int
}

// ProviderUsage is the per-provider slice of a usage distribution report.
type ProviderUsage struct {
	// Provider is the provider being reported.
	Provider Provider `json:"provider"`

	// MonthlyLimit is the token allowance for the billing month.
	MonthlyLimit int64 `json:"monthly_limit"`

	// MonthlyUsed is the tokens consumed this billing month.
	MonthlyUsed int64 `json:"monthly_used"`

	// UsageFraction is MonthlyUsed / MonthlyLimit, clamped to [0, 1].
	UsageFraction float64 `json:"usage_fraction"`

	// Status is the exhaustion classification for the fill ratio.
	Status UsageStatus `json:"status"`

	// DailyUsed is the tokens consumed today (UTC).
	DailyUsed int64 `json:"daily_used"`

	// HourlyUsed is the tokens consumed in the current hour (UTC).
	HourlyUsed int64 `json:"hourly_used"`
}
