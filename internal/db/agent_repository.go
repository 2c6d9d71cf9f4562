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

// Agent repository errors.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent name already taken")
)

// AgentRepository handles agent persistence.
type AgentRepository struct {
	db *DB
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create inserts a new agent.
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Level == 0 {
		agent.Level = 1
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	if err := agent.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, name, persona, level, xp,
			consecutive_failures, consecutive_successes, total_attempts,
			last_request_at, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agent.ID,
		agent.Name,
		nullString(agent.Persona),
		agent.Level,
		agent.XP,
		agent.ConsecutiveFailures,
		agent.ConsecutiveSuccesses,
		agent.TotalAttempts,
		nullTime(agent.LastRequestAt),
		boolToInt(agent.IsActive),
		agent.CreatedAt.Format(time.RFC3339),
		agent.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAgentExists
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}

	return nil
}

// Get retrieves an agent by ID.
func (r *AgentRepository) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, persona, level, xp,
			consecutive_failures, consecutive_successes, total_attempts,
			last_request_at, is_active, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)
	return scanAgent(row)
}

// GetWithTx retrieves an agent by ID inside an existing transaction.
func (r *AgentRepository) GetWithTx(ctx context.Context, tx *sql.Tx, id string) (*models.Agent, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction is required")
	}
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, persona, level, xp,
			consecutive_failures, consecutive_successes, total_attempts,
			last_request_at, is_active, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)
	return scanAgent(row)
}

// GetByName retrieves an agent by its unique name.
func (r *AgentRepository) GetByName(ctx context.Context, name string) (*models.Agent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, persona, level, xp,
			consecutive_failures, consecutive_successes, total_attempts,
			last_request_at, is_active, created_at, updated_at
		FROM agents WHERE name = ?
	`, name)
	return scanAgent(row)
}

// List retrieves agents ordered by name. Inactive agents are included
// only when includeInactive is set.
func (r *AgentRepository) List(ctx context.Context, includeInactive bool) ([]*models.Agent, error) {
	query := `
		SELECT id, name, persona, level, xp,
			consecutive_failures, consecutive_successes, total_attempts,
			last_request_at, is_active, created_at, updated_at
		FROM agents`
	if !includeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

// Update persists changes to an agent.
func (r *AgentRepository) Update(ctx context.Context, agent *models.Agent) error {
	return r.update(ctx, r.db, agent)
}

// UpdateWithTx persists changes to an agent inside an existing transaction.
func (r *AgentRepository) UpdateWithTx(ctx context.Context, tx *sql.Tx, agent *models.Agent) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	return r.update(ctx, tx, agent)
}

type execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

func (r *AgentRepository) update(ctx context.Context, ex execer, agent *models.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	agent.UpdatedAt = time.Now().UTC()

	result, err := ex.ExecContext(ctx, `
		UPDATE agents SET
			name = ?, persona = ?, level = ?, xp = ?,
			consecutive_failures = ?, consecutive_successes = ?, total_attempts = ?,
			last_request_at = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`,
		agent.Name,
		nullString(agent.Persona),
		agent.Level,
		agent.XP,
		agent.ConsecutiveFailures,
		agent.ConsecutiveSuccesses,
		agent.TotalAttempts,
		nullTime(agent.LastRequestAt),
		boolToInt(agent.IsActive),
		agent.UpdatedAt.Format(time.RFC3339),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// TouchLastRequest records when an agent was last admitted for a test.
func (r *AgentRepository) TouchLastRequest(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE agents SET last_request_at = ?, updated_at = ? WHERE id = ?
	`,
		at.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// SetActive toggles whether an agent participates in scheduled cycles.
func (r *AgentRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE agents SET is_active = ?, updated_at = ? WHERE id = ?
	`, boolToInt(active), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to set agent active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func scanAgent(row scanner) (*models.Agent, error) {
	var agent models.Agent
	var persona, lastRequestAt sql.NullString
	var isActive int
	var createdAt, updatedAt string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&persona,
		&agent.Level,
		&agent.XP,
		&agent.ConsecutiveFailures,
		&agent.ConsecutiveSuccesses,
		&agent.TotalAttempts,
		&lastRequestAt,
		&isActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}

	if persona.Valid {
		agent.Persona = persona.String
	}
	agent.IsActive = isActive != 0
	if lastRequestAt.Valid {
		if t, err := time.Parse(time.RFC3339, lastRequestAt.String); err == nil {
			agent.LastRequestAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		agent.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		agent.UpdatedAt = t
	}

	return &agent, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
