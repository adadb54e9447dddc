package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/togglr/togglr/internal/core"

	"github.com/jackc/pgx/v5"
)

const scheduleColumns = `id, feature_id, scheduled_at, timezone, payload,
	status, failure_reason, feature_version_at_creation, created_at,
	updated_at, executed_at`

// DueScheduledChange pairs a due schedule with the environment it belongs
// to, so the runner can sweep every environment in one query.
type DueScheduledChange struct {
	EnvironmentID string
	Change        *core.ScheduledFlagChange
}

// CreateScheduledChange inserts a new scheduled change row.
func (r *PostgresRepository) CreateScheduledChange(ctx context.Context, environmentID string, s *core.ScheduledFlagChange) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return fmt.Errorf("encode schedule payload: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO scheduled_flag_changes (
			environment_id, id, feature_id, scheduled_at, timezone, payload,
			status, failure_reason, feature_version_at_creation, created_at,
			updated_at, executed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		environmentID,
		s.ID,
		s.FeatureID,
		s.ScheduledAt,
		s.Timezone,
		ensureJSON(payload, "{}"),
		string(s.Status),
		s.FailureReason,
		s.FeatureVersionAtCreation,
		s.CreatedAt,
		s.UpdatedAt,
		s.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("create scheduled change: %w", err)
	}

	return nil
}

// GetScheduledChange retrieves a scheduled change by environment and id.
// Returns pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetScheduledChange(ctx context.Context, environmentID, id string) (*core.ScheduledFlagChange, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+scheduleColumns+`
		FROM scheduled_flag_changes
		WHERE environment_id = $1 AND id = $2
	`, environmentID, id)

	s, err := scanScheduleRow(row)
	if err != nil {
		return nil, fmt.Errorf("get scheduled change: %w", err)
	}

	return s, nil
}

// UpdateScheduledChange replaces a scheduled change row. Returns
// pgx.ErrNoRows (wrapped) if it does not exist.
func (r *PostgresRepository) UpdateScheduledChange(ctx context.Context, environmentID string, s *core.ScheduledFlagChange) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return fmt.Errorf("encode schedule payload: %w", err)
	}

	commandTag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_flag_changes
		SET scheduled_at = $3,
		    timezone = $4,
		    payload = $5,
		    status = $6,
		    failure_reason = $7,
		    updated_at = $8,
		    executed_at = $9
		WHERE environment_id = $1 AND id = $2
	`,
		environmentID,
		s.ID,
		s.ScheduledAt,
		s.Timezone,
		ensureJSON(payload, "{}"),
		string(s.Status),
		s.FailureReason,
		s.UpdatedAt,
		s.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("update scheduled change: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("update scheduled change: %w", pgx.ErrNoRows)
	}

	return nil
}

// DeleteScheduledChange removes a scheduled change. Returns pgx.ErrNoRows
// (wrapped) if it does not exist.
func (r *PostgresRepository) DeleteScheduledChange(ctx context.Context, environmentID, id string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM scheduled_flag_changes WHERE environment_id = $1 AND id = $2
	`, environmentID, id)
	if err != nil {
		return fmt.Errorf("delete scheduled change: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete scheduled change: %w", pgx.ErrNoRows)
	}

	return nil
}

// ListScheduledChanges returns the scheduled changes of a feature, oldest
// scheduled first.
func (r *PostgresRepository) ListScheduledChanges(ctx context.Context, environmentID, featureID string) ([]*core.ScheduledFlagChange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM scheduled_flag_changes
		WHERE environment_id = $1 AND feature_id = $2
		ORDER BY scheduled_at, created_at, id
	`, environmentID, featureID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled changes: %w", err)
	}
	defer rows.Close()

	changes := make([]*core.ScheduledFlagChange, 0)
	for rows.Next() {
		s, err := scanScheduleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled change: %w", err)
		}
		changes = append(changes, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scheduled changes rows: %w", err)
	}

	return changes, nil
}

// ListDueScheduledChanges returns every pending schedule across all
// environments whose scheduled time has passed, oldest first.
func (r *PostgresRepository) ListDueScheduledChanges(ctx context.Context, now int64) ([]DueScheduledChange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT environment_id, `+scheduleColumns+`
		FROM scheduled_flag_changes
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at, created_at, id
	`, string(core.ScheduleStatusPending), now)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled changes: %w", err)
	}
	defer rows.Close()

	due := make([]DueScheduledChange, 0)
	for rows.Next() {
		var environmentID string
		var s core.ScheduledFlagChange
		var status string
		var payload json.RawMessage
		if err := rows.Scan(
			&environmentID,
			&s.ID,
			&s.FeatureID,
			&s.ScheduledAt,
			&s.Timezone,
			&payload,
			&status,
			&s.FailureReason,
			&s.FeatureVersionAtCreation,
			&s.CreatedAt,
			&s.UpdatedAt,
			&s.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scan due scheduled change: %w", err)
		}
		s.Status = core.ScheduledChangeStatus(status)
		if err := json.Unmarshal(ensureJSON(payload, "{}"), &s.Payload); err != nil {
			return nil, fmt.Errorf("decode schedule payload: %w", err)
		}
		due = append(due, DueScheduledChange{EnvironmentID: environmentID, Change: &s})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due scheduled changes rows: %w", err)
	}

	return due, nil
}

func scanScheduleRow(row pgx.Row) (*core.ScheduledFlagChange, error) {
	var s core.ScheduledFlagChange
	var status string
	var payload json.RawMessage

	if err := row.Scan(
		&s.ID,
		&s.FeatureID,
		&s.ScheduledAt,
		&s.Timezone,
		&payload,
		&status,
		&s.FailureReason,
		&s.FeatureVersionAtCreation,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ExecutedAt,
	); err != nil {
		return nil, err
	}

	s.Status = core.ScheduledChangeStatus(status)
	if err := json.Unmarshal(ensureJSON(payload, "{}"), &s.Payload); err != nil {
		return nil, fmt.Errorf("decode schedule payload: %w", err)
	}

	return &s, nil
}
