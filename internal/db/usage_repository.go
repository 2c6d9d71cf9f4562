package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/proctor/internal/models"
)

// Usage repository errors.
var (
	ErrUsageRecordNotFound = errors.New("usage record not found")
	ErrUsageRecordExists   = errors.New("usage record already recorded")
	ErrInvalidUsageRecord  = errors.New("invalid usage record")
)

// UsageRepository handles usage record persistence.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new UsageRepository.
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create inserts a new usage record.
func (r *UsageRepository) Create(ctx context.Context, record *models.UsageRecord) error {
	return r.create(ctx, r.db, record)
}

// CreateWithTx inserts a new usage record inside an existing transaction.
func (r *UsageRepository) CreateWithTx(ctx context.Context, tx *sql.Tx, record *models.UsageRecord) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	return r.create(ctx, tx, record)
}

func (r *UsageRepository) create(ctx context.Context, ex execer, record *models.UsageRecord) error {
	if record.Provider == "" {
		return ErrInvalidUsageRecord
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	if record.Kind == "" {
		record.Kind = models.UsageKindExecution
	}
	if record.TotalTokens == 0 {
		record.TotalTokens = record.InputTokens + record.OutputTokens
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, provider, agent_id, attempt_id, kind,
			input_tokens, output_tokens, total_tokens, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		string(record.Provider),
		nullString(record.AgentID),
		nullString(record.AttemptID),
		string(record.Kind),
		record.InputTokens,
		record.OutputTokens,
		record.TotalTokens,
		record.RecordedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsageRecordExists
		}
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// Get retrieves a usage record by ID.
func (r *UsageRepository) Get(ctx context.Context, id string) (*models.UsageRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, provider, agent_id, attempt_id, kind,
			input_tokens, output_tokens, total_tokens, recorded_at
		FROM usage_records WHERE id = ?
	`, id)
	return scanUsageRecord(row)
}

// Query retrieves usage records matching the given filters, newest first.
func (r *UsageRepository) Query(ctx context.Context, q models.UsageQuery) ([]*models.UsageRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, provider, agent_id, attempt_id, kind,
		input_tokens, output_tokens, total_tokens, recorded_at
		FROM usage_records WHERE 1=1`
	args := []any{}

	if q.Provider != nil {
		query += ` AND provider = ?`
		args = append(args, string(*q.Provider))
	}
	if q.AgentID != nil {
		query += ` AND agent_id = ?`
		args = append(args, *q.AgentID)
	}
	if q.AttemptID != nil {
		query += ` AND attempt_id = ?`
		args = append(args, *q.AttemptID)
	}
	if q.Kind != nil {
		query += ` AND kind = ?`
		args = append(args, string(*q.Kind))
	}
	if q.Since != nil {
		query += ` AND recorded_at >= ?`
		args = append(args, q.Since.UTC().Format(time.RFC3339))
	}
	if q.Until != nil {
		query += ` AND recorded_at < ?`
		args = append(args, q.Until.UTC().Format(time.RFC3339))
	}

	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		record, err := scanUsageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

// SumInWindow returns total tokens consumed by a provider in
// [since, until).
func (r *UsageRepository) SumInWindow(ctx context.Context, provider models.Provider, since, until time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE provider = ? AND recorded_at >= ? AND recorded_at < ?
	`,
		string(provider),
		since.UTC().Format(time.RFC3339),
		until.UTC().Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage window: %w", err)
	}
	return total, nil
}

// DailyBreakdown returns usage aggregated by day for a provider,
// newest day first.
func (r *UsageRepository) DailyBreakdown(ctx context.Context, provider models.Provider, since, until time.Time, limit int) ([]*models.DailyUsage, error) {
	if limit <= 0 {
		limit = 31
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT
			date(recorded_at) as day,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(*)
		FROM usage_records
		WHERE provider = ? AND recorded_at >= ? AND recorded_at < ?
		GROUP BY date(recorded_at)
		ORDER BY day DESC
		LIMIT ?
	`,
		string(provider),
		since.UTC().Format(time.RFC3339),
		until.UTC().Format(time.RFC3339),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily breakdown: %w", err)
	}
	defer rows.Close()

	var days []*models.DailyUsage
	for rows.Next() {
		du := &models.DailyUsage{Provider: provider}
		if err := rows.Scan(
			&du.Date,
			&du.InputTokens,
			&du.OutputTokens,
			&du.TotalTokens,
			&du.RequestCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		days = append(days, du)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily usage: %w", err)
	}

	return days, nil
}

// HourlyBreakdown returns usage aggregated by hour for a provider,
// newest hour first.
func (r *UsageRepository) HourlyBreakdown(ctx context.Context, provider models.Provider, since, until time.Time, limit int) ([]*models.HourlyUsage, error) {
	if limit <= 0 {
		limit = 24
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT
			strftime('%Y-%m-%dT%H', recorded_at) as hour,
			COALESCE(SUM(total_tokens), 0),
			COUNT(*)
		FROM usage_records
		WHERE provider = ? AND recorded_at >= ? AND recorded_at < ?
		GROUP BY strftime('%Y-%m-%dT%H', recorded_at)
		ORDER BY hour DESC
		LIMIT ?
	`,
		string(provider),
		since.UTC().Format(time.RFC3339),
		until.UTC().Format(time.RFC3339),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get hourly breakdown: %w", err)
	}
	defer rows.Close()

	var hours []*models.HourlyUsage
	for rows.Next() {
		hu := &models.HourlyUsage{Provider: provider}
		if err := rows.Scan(
			&hu.Hour,
			&hu.TotalTokens,
			&hu.RequestCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan hourly usage: %w", err)
		}
		hours = append(hours, hu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hourly usage: %w", err)
	}

	return hours, nil
}

// DeleteOlderThan removes usage records older than the given time, at
// most limit per call so housekeeping stays bounded.
func (r *UsageRepository) DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM usage_records WHERE id IN (
			SELECT id FROM usage_records WHERE recorded_at < ? ORDER BY recorded_at LIMIT ?
		)
	`, before.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old usage records: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return count, nil
}

func scanUsageRecord(row scanner) (*models.UsageRecord, error) {
	var record models.UsageRecord
	var agentID, attemptID sql.NullString
	var provider, kind, recordedAt string

	err := row.Scan(
		&record.ID,
		&provider,
		&agentID,
		&attemptID,
		&kind,
		&record.InputTokens,
		&record.OutputTokens,
		&record.TotalTokens,
		&recordedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageRecordNotFound
		}
		return nil, fmt.Errorf("failed to scan usage record: %w", err)
	}

	record.Provider = models.Provider(provider)
	record.Kind = models.UsageKind(kind)
	if agentID.Valid {
		record.AgentID = agentID.String
	}
	if attemptID.Valid {
		record.AttemptID = attemptID.String
	}
	if t, err := time.Parse(time.RFC3339, recordedAt); err == nil {
		record.RecordedAt = t
	}

	return &record, nil
}

func nullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
