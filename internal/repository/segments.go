package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/togglr/togglr/internal/core"

	"github.com/jackc/pgx/v5"
)

const segmentColumns = `id, name, description, included_count, excluded_count,
	version, created_at, updated_at`

// ListSegmentsQuery carries the ordering and paging for ListSegments.
type ListSegmentsQuery struct {
	SearchKeyword  string
	OrderBy        string
	OrderDirection string
	Limit          int
	Offset         int
}

// CreateSegment inserts a new segment row.
func (r *PostgresRepository) CreateSegment(ctx context.Context, environmentID string, s *core.Segment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO segments (
			environment_id, id, name, description, included_count,
			excluded_count, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		environmentID,
		s.ID,
		s.Name,
		s.Description,
		s.IncludedCount,
		s.ExcludedCount,
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}

	return nil
}

// GetSegment retrieves a single segment by environment and id. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetSegment(ctx context.Context, environmentID, id string) (*core.Segment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE environment_id = $1 AND id = $2
	`, environmentID, id)

	s, err := scanSegmentRow(row)
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}

	return s, nil
}

// UpdateSegment replaces a segment row, guarded by the expected version, in
// the same CAS style as UpdateFeature.
func (r *PostgresRepository) UpdateSegment(ctx context.Context, environmentID string, s *core.Segment, expectedVersion int32) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE segments
		SET name = $4,
		    description = $5,
		    included_count = $6,
		    excluded_count = $7,
		    version = $8,
		    updated_at = $9
		WHERE environment_id = $1 AND id = $2 AND version = $3
	`,
		environmentID,
		s.ID,
		expectedVersion,
		s.Name,
		s.Description,
		s.IncludedCount,
		s.ExcludedCount,
		s.Version,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM segments WHERE environment_id = $1 AND id = $2)
		`, environmentID, s.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update segment existence check: %w", err)
		}
		if exists {
			return fmt.Errorf("update segment %q: %w", s.ID, ErrVersionConflict)
		}
		return fmt.Errorf("update segment: %w", pgx.ErrNoRows)
	}

	return nil
}

// DeleteSegment removes a segment and its membership rows in one
// transaction. Returns pgx.ErrNoRows (wrapped) if the segment does not
// exist. In-use checks happen in the service layer, which sees the cached
// features.
func (r *PostgresRepository) DeleteSegment(ctx context.Context, environmentID, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete segment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM segment_users WHERE environment_id = $1 AND segment_id = $2
	`, environmentID, id); err != nil {
		return fmt.Errorf("delete segment users: %w", err)
	}

	commandTag, err := tx.Exec(ctx, `
		DELETE FROM segments WHERE environment_id = $1 AND id = $2
	`, environmentID, id)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete segment: %w", pgx.ErrNoRows)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete segment tx: %w", err)
	}

	return nil
}

// ListSegments returns one page of segments for the environment plus the
// total count matching the filters.
func (r *PostgresRepository) ListSegments(ctx context.Context, environmentID string, q ListSegmentsQuery) ([]*core.Segment, int64, error) {
	conds := []string{"environment_id = $1"}
	args := []any{environmentID}

	if q.SearchKeyword != "" {
		args = append(args, "%"+q.SearchKeyword+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(id ILIKE $%d OR name ILIKE $%d OR description ILIKE $%d)", n, n, n))
	}

	where := strings.Join(conds, " AND ")

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM segments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count segments: %w", err)
	}

	query := `SELECT ` + segmentColumns + ` FROM segments WHERE ` + where +
		` ORDER BY ` + orderClause(q.OrderBy, q.OrderDirection)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]*core.Segment, 0)
	for rows.Next() {
		s, err := scanSegmentRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, s)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list segments rows: %w", err)
	}

	return segments, total, nil
}

// AddSegmentUsers upserts membership rows for the given users, moving them
// to state if they were already present in the other one, and refreshes the
// segment's counters.
func (r *PostgresRepository) AddSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState, updatedAt int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add segment users tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, userID := range userIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO segment_users (environment_id, segment_id, user_id, state)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (environment_id, segment_id, user_id)
			DO UPDATE SET state = EXCLUDED.state
		`, environmentID, segmentID, userID, string(state)); err != nil {
			return fmt.Errorf("add segment user %q: %w", userID, err)
		}
	}

	if err := refreshSegmentCounts(ctx, tx, environmentID, segmentID, updatedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit add segment users tx: %w", err)
	}

	return nil
}

// RemoveSegmentUsers deletes the membership rows for the given users in the
// given state and refreshes the segment's counters.
func (r *PostgresRepository) RemoveSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState, updatedAt int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin remove segment users tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM segment_users
		WHERE environment_id = $1 AND segment_id = $2 AND state = $3 AND user_id = ANY($4)
	`, environmentID, segmentID, string(state), userIDs); err != nil {
		return fmt.Errorf("remove segment users: %w", err)
	}

	if err := refreshSegmentCounts(ctx, tx, environmentID, segmentID, updatedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit remove segment users tx: %w", err)
	}

	return nil
}

// ReplaceSegmentUsers swaps out the full membership list for one state,
// which is how bulk uploads land, and refreshes the segment's counters.
func (r *PostgresRepository) ReplaceSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState, updatedAt int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace segment users tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM segment_users
		WHERE environment_id = $1 AND segment_id = $2 AND state = $3
	`, environmentID, segmentID, string(state)); err != nil {
		return fmt.Errorf("clear segment users: %w", err)
	}

	for _, userID := range userIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO segment_users (environment_id, segment_id, user_id, state)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (environment_id, segment_id, user_id)
			DO UPDATE SET state = EXCLUDED.state
		`, environmentID, segmentID, userID, string(state)); err != nil {
			return fmt.Errorf("insert segment user %q: %w", userID, err)
		}
	}

	if err := refreshSegmentCounts(ctx, tx, environmentID, segmentID, updatedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace segment users tx: %w", err)
	}

	return nil
}

// ListSegmentUsers returns the membership rows of a segment, optionally
// filtered to one state, ordered by user id.
func (r *PostgresRepository) ListSegmentUsers(ctx context.Context, environmentID, segmentID string, state *core.SegmentUserState) ([]core.SegmentUser, error) {
	query := `
		SELECT segment_id, user_id, state
		FROM segment_users
		WHERE environment_id = $1 AND segment_id = $2
	`
	args := []any{environmentID, segmentID}
	if state != nil {
		args = append(args, string(*state))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += " ORDER BY user_id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list segment users: %w", err)
	}
	defer rows.Close()

	users, err := collectSegmentUsers(rows)
	if err != nil {
		return nil, err
	}

	return users, nil
}

// ListEnvironmentSegmentUsers returns every membership row in the
// environment keyed by segment id. Used to build evaluation snapshots.
func (r *PostgresRepository) ListEnvironmentSegmentUsers(ctx context.Context, environmentID string) (map[string][]core.SegmentUser, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT segment_id, user_id, state
		FROM segment_users
		WHERE environment_id = $1
		ORDER BY segment_id, user_id
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list environment segment users: %w", err)
	}
	defer rows.Close()

	users, err := collectSegmentUsers(rows)
	if err != nil {
		return nil, err
	}

	bySegment := make(map[string][]core.SegmentUser)
	for _, u := range users {
		bySegment[u.SegmentID] = append(bySegment[u.SegmentID], u)
	}

	return bySegment, nil
}

func scanSegmentRow(row pgx.Row) (*core.Segment, error) {
	var s core.Segment

	if err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Description,
		&s.IncludedCount,
		&s.ExcludedCount,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return &s, nil
}

func collectSegmentUsers(rows pgx.Rows) ([]core.SegmentUser, error) {
	users := make([]core.SegmentUser, 0)
	for rows.Next() {
		var u core.SegmentUser
		var state string
		if err := rows.Scan(&u.SegmentID, &u.UserID, &state); err != nil {
			return nil, fmt.Errorf("scan segment user: %w", err)
		}
		u.State = core.SegmentUserState(state)
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("segment users rows: %w", err)
	}

	return users, nil
}

func refreshSegmentCounts(ctx context.Context, tx pgx.Tx, environmentID, segmentID string, updatedAt int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE segments
		SET included_count = (
		        SELECT COUNT(*) FROM segment_users
		        WHERE environment_id = $1 AND segment_id = $2 AND state = 'included'
		    ),
		    excluded_count = (
		        SELECT COUNT(*) FROM segment_users
		        WHERE environment_id = $1 AND segment_id = $2 AND state = 'excluded'
		    ),
		    updated_at = $3
		WHERE environment_id = $1 AND id = $2
	`, environmentID, segmentID, updatedAt)
	if err != nil {
		return fmt.Errorf("refresh segment counts: %w", err)
	}

	return nil
}
