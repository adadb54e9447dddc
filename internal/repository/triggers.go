package repository

import (
	"context"
	"fmt"

	"github.com/togglr/togglr/internal/core"

	"github.com/jackc/pgx/v5"
)

const triggerColumns = `id, feature_id, trigger_type, action, description,
	token_hash, disabled, trigger_count, last_triggered_at, created_at, updated_at`

// CreateFlagTrigger inserts a new trigger row.
func (r *PostgresRepository) CreateFlagTrigger(ctx context.Context, environmentID string, t *core.FlagTrigger) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO flag_triggers (
			environment_id, id, feature_id, trigger_type, action, description,
			token_hash, disabled, trigger_count, last_triggered_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		environmentID,
		t.ID,
		t.FeatureID,
		string(t.Type),
		string(t.Action),
		t.Description,
		t.TokenHash,
		t.Disabled,
		t.TriggerCount,
		t.LastTriggeredAt,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create flag trigger: %w", err)
	}

	return nil
}

// GetFlagTrigger retrieves a trigger by environment and id. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetFlagTrigger(ctx context.Context, environmentID, id string) (*core.FlagTrigger, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+triggerColumns+`
		FROM flag_triggers
		WHERE environment_id = $1 AND id = $2
	`, environmentID, id)

	t, err := scanTriggerRow(row)
	if err != nil {
		return nil, fmt.Errorf("get flag trigger: %w", err)
	}

	return t, nil
}

// GetFlagTriggerByTokenHash looks up a trigger by the hash of its webhook
// token. Webhook calls carry no API key, so this also resolves the
// environment the trigger belongs to.
func (r *PostgresRepository) GetFlagTriggerByTokenHash(ctx context.Context, tokenHash string) (string, *core.FlagTrigger, error) {
	var environmentID string
	row := r.pool.QueryRow(ctx, `
		SELECT environment_id, `+triggerColumns+`
		FROM flag_triggers
		WHERE token_hash = $1
	`, tokenHash)

	var t core.FlagTrigger
	var triggerType, action string
	if err := row.Scan(
		&environmentID,
		&t.ID,
		&t.FeatureID,
		&triggerType,
		&action,
		&t.Description,
		&t.TokenHash,
		&t.Disabled,
		&t.TriggerCount,
		&t.LastTriggeredAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return "", nil, fmt.Errorf("get flag trigger by token: %w", err)
	}
	t.Type = core.TriggerType(triggerType)
	t.Action = core.TriggerAction(action)

	return environmentID, &t, nil
}

// UpdateFlagTrigger replaces a trigger row. Returns pgx.ErrNoRows (wrapped)
// if it does not exist.
func (r *PostgresRepository) UpdateFlagTrigger(ctx context.Context, environmentID string, t *core.FlagTrigger) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE flag_triggers
		SET description = $3,
		    token_hash = $4,
		    disabled = $5,
		    trigger_count = $6,
		    last_triggered_at = $7,
		    updated_at = $8
		WHERE environment_id = $1 AND id = $2
	`,
		environmentID,
		t.ID,
		t.Description,
		t.TokenHash,
		t.Disabled,
		t.TriggerCount,
		t.LastTriggeredAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update flag trigger: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("update flag trigger: %w", pgx.ErrNoRows)
	}

	return nil
}

// DeleteFlagTrigger removes a trigger. Returns pgx.ErrNoRows (wrapped) if it
// does not exist.
func (r *PostgresRepository) DeleteFlagTrigger(ctx context.Context, environmentID, id string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM flag_triggers WHERE environment_id = $1 AND id = $2
	`, environmentID, id)
	if err != nil {
		return fmt.Errorf("delete flag trigger: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag trigger: %w", pgx.ErrNoRows)
	}

	return nil
}

// ListFlagTriggers returns the triggers of a feature ordered by creation
// time.
func (r *PostgresRepository) ListFlagTriggers(ctx context.Context, environmentID, featureID string) ([]*core.FlagTrigger, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+triggerColumns+`
		FROM flag_triggers
		WHERE environment_id = $1 AND feature_id = $2
		ORDER BY created_at, id
	`, environmentID, featureID)
	if err != nil {
		return nil, fmt.Errorf("list flag triggers: %w", err)
	}
	defer rows.Close()

	triggers := make([]*core.FlagTrigger, 0)
	for rows.Next() {
		t, err := scanTriggerRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag trigger: %w", err)
		}
		triggers = append(triggers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flag triggers rows: %w", err)
	}

	return triggers, nil
}

func scanTriggerRow(row pgx.Row) (*core.FlagTrigger, error) {
	var t core.FlagTrigger
	var triggerType, action string

	if err := row.Scan(
		&t.ID,
		&t.FeatureID,
		&triggerType,
		&action,
		&t.Description,
		&t.TokenHash,
		&t.Disabled,
		&t.TriggerCount,
		&t.LastTriggeredAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Type = core.TriggerType(triggerType)
	t.Action = core.TriggerAction(action)

	return &t, nil
}
