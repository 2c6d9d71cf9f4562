package models

import (
	"strings"
	"time"
)

// Agent represents a learning agent enrolled for proficiency testing.
// The consecutive counters are a derived aggregate of the attempt log:
// replaying the log from empty state must reproduce them exactly.
type Agent struct {
	// ID is the unique identifier for the agent.
	ID string `json:"id"`

	// Name is the unique human-readable handle.
	Name string `json:"name"`

	// Persona is the instruction block the agent answers tests under.
	Persona string `json:"persona,omitempty"`

	// Level is the progression level, starting at 1.
	Level int `json:"level"`

	// XP is the experience accumulated toward the next level.
	XP int64 `json:"xp"`

	// ConsecutiveFailures counts quality failures since the last pass.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// ConsecutiveSuccesses counts passes since the last quality failure.
	ConsecutiveSuccesses int `json:"consecutive_successes"`

	// TotalAttempts is the lifetime number of recorded attempts.
	TotalAttempts int64 `json:"total_attempts"`

	// LastRequestAt is when the agent last passed admission.
	// Persisted so cooldowns survive restarts.
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`

	// IsActive marks whether the scheduler administers tests to this agent.
	IsActive bool `json:"is_active"`

	// CreatedAt is when the agent was enrolled.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the agent was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the agent is valid.
func (a *Agent) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(a.Name) == "" {
		validation.AddMessage("name", "name is required")
	}
	if a.Level < 1 {
		validation.AddMessage("level", "level must be at least 1")
	}
	if a.XP < 0 {
		validation.AddMessage("xp", "xp must be non-negative")
	}
	if a.ConsecutiveFailures < 0 {
		validation.AddMessage("consecutive_failures", "consecutive_failures must be non-negative")
	}
	if a.ConsecutiveSuccesses < 0 {
		validation.AddMessage("consecutive_successes", "consecutive_successes must be non-negative")
	}
	if a.ConsecutiveFailures > 0 && a.ConsecutiveSuccesses > 0 {
		validation.AddMessage("consecutive_successes", "failure and success streaks are mutually exclusive")
	}
	return validation.Err()
}
