// Package events provides helper functions for writing proctor audit events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencode-ai/proctor/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Create(ctx context.Context, event *models.Event) error
}

// LogTestCompleted records a finished test cycle for an agent. The event
// type follows the attempt outcome: test.completed for a pass, test.failed
// for a quality failure.
func LogTestCompleted(ctx context.Context, repo Repository, attempt *models.Attempt) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if attempt == nil || attempt.AgentID == "" {
		return fmt.Errorf("attempt with agent id is required")
	}

	payload, err := json.Marshal(models.TestCompletedPayload{
		AttemptID:  attempt.ID,
		Difficulty: attempt.Difficulty,
		Threshold:  attempt.Threshold,
		Score:      attempt.Score,
		Passed:     attempt.Passed,
		Provider:   attempt.Provider,
		Fallback:   attempt.Fallback,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal test payload: %w", err)
	}

	eventType := models.EventTypeTestFailed
	if attempt.Passed {
		eventType = models.EventTypeTestCompleted
	}

	event := &models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeAgent,
		EntityID:   attempt.AgentID,
		Payload:    payload,
	}

	return repo.Create(ctx, event)
}

// LogProvidersExhausted records that no provider could serve an attempt.
func LogProvidersExhausted(ctx context.Context, repo Repository, agentID, attemptID, reason string) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	payload, err := json.Marshal(models.ProvidersExhaustedPayload{
		AttemptID: attemptID,
		Reason:    reason,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal exhaustion payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeProvidersExhausted,
		EntityType: models.EntityTypeAgent,
		EntityID:   agentID,
		Payload:    payload,
	}

	return repo.Create(ctx, event)
}

// LogAgentEnrolled records a new agent joining the roster.
func LogAgentEnrolled(ctx context.Context, repo Repository, agent *models.Agent) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent with id is required")
	}

	event := &models.Event{
		Type:       models.EventTypeAgentEnrolled,
		EntityType: models.EntityTypeAgent,
		EntityID:   agent.ID,
		Metadata:   map[string]string{"name": agent.Name},
	}

	return repo.Create(ctx, event)
}

// LogAgentLevelUp records a progression level change.
func LogAgentLevelUp(ctx context.Context, repo Repository, agentID string, oldLevel, newLevel int) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	payload, err := json.Marshal(models.LevelUpPayload{
		OldLevel: oldLevel,
		NewLevel: newLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal level payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeAgentLevelUp,
		EntityType: models.EntityTypeAgent,
		EntityID:   agentID,
		Payload:    payload,
	}

	return repo.Create(ctx, event)
}

// LogBudgetReset records the start of a new billing period for a provider.
func LogBudgetReset(ctx context.Context, repo Repository, provider models.Provider, previousUsed int64, periodStart time.Time) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if provider == "" {
		return fmt.Errorf("provider is required")
	}

	payload, err := json.Marshal(models.BudgetResetPayload{
		Provider:     provider,
		PreviousUsed: previousUsed,
		PeriodStart:  periodStart.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reset payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeBudgetReset,
		EntityType: models.EntityTypeAccount,
		EntityID:   string(provider),
		Payload:    payload,
	}

	return repo.Create(ctx, event)
}

// LogUsagePruned records a retention sweep over usage and event rows.
func LogUsagePruned(ctx context.Context, repo Repository, usageRows, eventRows int64, before time.Time) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}

	payload, err := json.Marshal(models.UsagePrunedPayload{
		UsageRows: usageRows,
		EventRows: eventRows,
		Before:    before.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal prune payload: %w", err)
	}

	event := &models.Event{
		Type:       models.EventTypeUsagePruned,
		EntityType: models.EntityTypeSystem,
		EntityID:   "housekeeping",
		Payload:    payload,
	}

	return repo.Create(ctx, event)
}
