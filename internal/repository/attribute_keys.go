package repository

import (
	"context"
	"fmt"
)

// UpsertAttributeKeys records the attribute keys seen on evaluation
// requests. Existing keys just get their last_seen_at refreshed.
func (r *PostgresRepository) UpsertAttributeKeys(ctx context.Context, environmentID string, keys []string, seenAt int64) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert attribute keys tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO attribute_keys (environment_id, key, last_seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (environment_id, key)
			DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
		`, environmentID, key, seenAt); err != nil {
			return fmt.Errorf("upsert attribute key %q: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert attribute keys tx: %w", err)
	}

	return nil
}

// ListAttributeKeys returns the attribute keys observed in the environment,
// sorted ascending.
func (r *PostgresRepository) ListAttributeKeys(ctx context.Context, environmentID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key
		FROM attribute_keys
		WHERE environment_id = $1
		ORDER BY key
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list attribute keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan attribute key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attribute keys rows: %w", err)
	}

	return keys, nil
}
