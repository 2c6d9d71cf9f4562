package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Test cycle events
	EventTypeTestCompleted      EventType = "test.completed"
	EventTypeTestFailed         EventType = "test.failed"
	EventTypeProvidersExhausted EventType = "providers.exhausted"

	// Agent events
	EventTypeAgentEnrolled EventType = "agent.enrolled"
	EventTypeAgentLevelUp  EventType = "agent.level_up"

	// Budget events
	EventTypeBudgetReset EventType = "budget.reset"
	EventTypeUsagePruned EventType = "usage.pruned"

	// System events
	EventTypeError   EventType = "error"
	EventTypeWarning EventType = "warning"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeAgent   EntityType = "agent"
	EntityTypeAccount EntityType = "account"
	EntityTypeSystem  EntityType = "system"
)

// Event represents an append-only audit log entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event is valid.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "event type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" {
		validation.AddMessage("entity_type", "entity_type is required")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity_id", "entity_id is required")
	}
	return validation.Err()
}

// TestCompletedPayload is the payload for test.completed and test.failed events.
type TestCompletedPayload struct {
	AttemptID  string     `json:"attempt_id"`
	Difficulty Difficulty `json:"difficulty"`
	Threshold  int        `json:"threshold"`
	Score      int        `json:"score"`
	Passed     bool       `json:"passed"`
	Provider   Provider   `json:"provider,omitempty"`
	Fallback   bool       `json:"fallback"`
}

// ProvidersExhaustedPayload is the payload for providers.exhausted events.
type ProvidersExhaustedPayload struct {
	AttemptID string `json:"attempt_id"`
	Reason    string `json:"reason,omitempty"`
}

// LevelUpPayload is the payload for agent.level_up events.
type LevelUpPayload struct {
	OldLevel int `json:"old_level"`
	NewLevel int `json:"new_level"`
}

// BudgetResetPayload is the payload for budget.reset events.
type BudgetResetPayload struct {
	Provider     Provider `json:"provider"`
	PreviousUsed int64    `json:"previous_used"`
	PeriodStart  string   `json:"period_start"`
}

// UsagePrunedPayload is the payload for usage.pruned events.
type UsagePrunedPayload struct {
	UsageRows int64  `json:"usage_rows"`
	EventRows int64  `json:"event_rows"`
	Before    string `json:"before"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
