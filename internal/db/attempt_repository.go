package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/proctor/internal/models"
)

// Attempt repository errors.
var (
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrAttemptExists   = errors.New("attempt already recorded")
)

// AttemptRepository handles test attempt persistence.
type AttemptRepository struct {
	db *DB
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(db *DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Create inserts a new attempt.
func (r *AttemptRepository) Create(ctx context.Context, attempt *models.Attempt) error {
	return r.create(ctx, r.db, attempt)
}

// CreateWithTx inserts a new attempt inside an existing transaction.
// Returns ErrAttemptExists when the attempt ID was already recorded,
// which callers use to detect replays.
func (r *AttemptRepository) CreateWithTx(ctx context.Context, tx *sql.Tx, attempt *models.Attempt) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	return r.create(ctx, tx, attempt)
}

func (r *AttemptRepository) create(ctx context.Context, ex execer, attempt *models.Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.RecordedAt.IsZero() {
		attempt.RecordedAt = time.Now().UTC()
	}

	if err := attempt.Validate(); err != nil {
		return err
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO attempts (
			id, agent_id, difficulty, layers, threshold, category,
			provider, score, passed, fallback, outcome, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		attempt.ID,
		attempt.AgentID,
		string(attempt.Difficulty),
		attempt.Layers,
		attempt.Threshold,
		nullString(attempt.Category),
		nullString(string(attempt.Provider)),
		attempt.Score,
		boolToInt(attempt.Passed),
		boolToInt(attempt.Fallback),
		string(attempt.Outcome),
		attempt.RecordedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAttemptExists
		}
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	return nil
}

// Get retrieves an attempt by ID.
func (r *AttemptRepository) Get(ctx context.Context, id string) (*models.Attempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, agent_id, difficulty, layers, threshold, category,
			provider, score, passed, fallback, outcome, recorded_at
		FROM attempts WHERE id = ?
	`, id)
	return scanAttempt(row)
}

// ListByAgent retrieves an agent's attempts, newest first.
func (r *AttemptRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, difficulty, layers, threshold, category,
			provider, score, passed, fallback, outcome, recorded_at
		FROM attempts
		WHERE agent_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	return collectAttempts(rows)
}

// ListByAgentChronological retrieves an agent's attempts oldest first,
// the order counter replays need.
func (r *AttemptRepository) ListByAgentChronological(ctx context.Context, agentID string) ([]*models.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, difficulty, layers, threshold, category,
			provider, score, passed, fallback, outcome, recorded_at
		FROM attempts
		WHERE agent_id = ?
		ORDER BY recorded_at, id
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	return collectAttempts(rows)
}

// CountByOutcome returns how many attempts an agent has per outcome.
func (r *AttemptRepository) CountByOutcome(ctx context.Context, agentID string) (map[models.AttemptOutcome]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM attempts WHERE agent_id = ? GROUP BY outcome
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AttemptOutcome]int64)
	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan attempt count: %w", err)
		}
		counts[models.AttemptOutcome(outcome)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt counts: %w", err)
	}

	return counts, nil
}

func collectAttempts(rows *sql.Rows) ([]*models.Attempt, error) {
	var attempts []*models.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}

func scanAttempt(row scanner) (*models.Attempt, error) {
	var attempt models.Attempt
	var difficulty, outcome, recordedAt string
	var category, provider sql.NullString
	var passed, fallback int

	err := row.Scan(
		&attempt.ID,
		&attempt.AgentID,
		&difficulty,
		&attempt.Layers,
		&attempt.Threshold,
		&category,
		&provider,
		&attempt.Score,
		&passed,
		&fallback,
		&outcome,
		&recordedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to scan attempt: %w", err)
	}

	attempt.Difficulty = models.Difficulty(difficulty)
	attempt.Outcome = models.AttemptOutcome(outcome)
	if category.Valid {
		attempt.Category = category.String
	}
	if provider.Valid {
		attempt.Provider = models.Provider(provider.String)
	}
	attempt.Passed = passed != 0
	attempt.Fallback = fallback != 0
	if t, err := time.Parse(time.RFC3339, recordedAt); err == nil {
		attempt.RecordedAt = t
	}

	return &attempt, nil
}
