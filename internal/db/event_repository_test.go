package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opencode-ai/proctor/internal/models"
)

func TestEventRepositoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	repo := NewEventRepository(database)

	payload, _ := json.Marshal(models.TestCompletedPayload{
		AttemptID: "attempt-1",
		Score:     88,
		Passed:    true,
	})
	event := &models.Event{
		Type:       models.EventTypeTestCompleted,
		EntityType: models.EntityTypeAgent,
		EntityID:   "agent-1",
		Payload:    payload,
		Metadata:   map[string]string{"cycle": "scheduled"},
	}

	if err := repo.Create(ctx, event); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if event.ID == "" {
		t.Error("expected ID to be set")
	}

	retrieved, err := repo.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if retrieved.Type != models.EventTypeTestCompleted {
		t.Errorf("expected type %q, got %q", models.EventTypeTestCompleted, retrieved.Type)
	}
	if retrieved.Metadata["cycle"] != "scheduled" {
		t.Errorf("expected metadata to round-trip, got %v", retrieved.Metadata)
	}

	var decoded models.TestCompletedPayload
	if err := json.Unmarshal(retrieved.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.Score != 88 {
		t.Errorf("expected score 88, got %d", decoded.Score)
	}
}

func TestEventRepositoryRejectsIncomplete(t *testing.T) {
	database := setupTestDB(t)
	repo := NewEventRepository(database)

	err := repo.Create(context.Background(), &models.Event{Type: models.EventTypeError})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestEventRepositoryQueryPagination(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	repo := NewEventRepository(database)

	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		event := &models.Event{
			Type:       models.EventTypeTestCompleted,
			EntityType: models.EntityTypeAgent,
			EntityID:   "agent-1",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, event); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	page, err := repo.Query(ctx, EventQuery{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	if page.NextCursor == "" {
		t.Fatal("expected next cursor")
	}

	seen := map[string]bool{}
	for _, e := range page.Events {
		seen[e.ID] = true
	}

	page2, err := repo.Query(ctx, EventQuery{Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("Query page 2: %v", err)
	}
	if len(page2.Events) != 2 {
		t.Fatalf("expected 2 events on page 2, got %d", len(page2.Events))
	}
	for _, e := range page2.Events {
		if seen[e.ID] {
			t.Errorf("event %s appeared on both pages", e.ID)
		}
	}

	page3, err := repo.Query(ctx, EventQuery{Limit: 2, Cursor: page2.NextCursor})
	if err != nil {
		t.Fatalf("Query page 3: %v", err)
	}
	if len(page3.Events) != 1 {
		t.Errorf("expected 1 event on final page, got %d", len(page3.Events))
	}
	if page3.NextCursor != "" {
		t.Errorf("expected empty cursor on final page, got %s", page3.NextCursor)
	}
}

func TestEventRepositoryQueryFilters(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	repo := NewEventRepository(database)

	events := []*models.Event{
		{Type: models.EventTypeTestCompleted, EntityType: models.EntityTypeAgent, EntityID: "agent-1"},
		{Type: models.EventTypeTestFailed, EntityType: models.EntityTypeAgent, EntityID: "agent-2"},
		{Type: models.EventTypeBudgetReset, EntityType: models.EntityTypeAccount, EntityID: "anthropic"},
	}
	for _, e := range events {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	completed := models.EventTypeTestCompleted
	page, err := repo.Query(ctx, EventQuery{Type: &completed})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Events) != 1 {
		t.Errorf("expected 1 completed event, got %d", len(page.Events))
	}

	accountType := models.EntityTypeAccount
	page, err = repo.Query(ctx, EventQuery{EntityType: &accountType})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Events) != 1 {
		t.Errorf("expected 1 account event, got %d", len(page.Events))
	}

	byEntity, err := repo.ListByEntity(ctx, models.EntityTypeAgent, "agent-1", 10)
	if err != nil {
		t.Fatalf("ListByEntity: %v", err)
	}
	if len(byEntity) != 1 {
		t.Errorf("expected 1 event for agent-1, got %d", len(byEntity))
	}
}

func TestEventRepositoryDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	repo := NewEventRepository(database)

	now := time.Now().UTC()
	for _, age := range []time.Duration{-72 * time.Hour, -48 * time.Hour, -time.Hour} {
		event := &models.Event{
			Type:       models.EventTypeWarning,
			EntityType: models.EntityTypeSystem,
			EntityID:   "system",
			Timestamp:  now.Add(age),
		}
		if err := repo.Create(ctx, event); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	deleted, err := repo.DeleteOlderThan(ctx, now.Add(-36*time.Hour), 100)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	page, err := repo.Query(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Events) != 1 {
		t.Errorf("expected 1 remaining event, got %d", len(page.Events))
	}
}
