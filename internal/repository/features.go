package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/togglr/togglr/internal/core"

	"github.com/jackc/pgx/v5"
)

// Column list shared by every feature SELECT so scanFeatureRow stays in sync
// with the queries.
const featureColumns = `id, name, description, enabled, archived, deleted,
	variation_type, variations, targets, rules, prerequisites,
	default_strategy, off_variation, tags, maintainer, sampling_seed,
	version, created_at, updated_at`

// ListFeaturesQuery carries the optional filters, ordering, and paging for
// ListFeatures. Zero values mean "no filter".
type ListFeaturesQuery struct {
	Archived         *bool
	Enabled          *bool
	HasPrerequisites *bool
	Tags             []string
	SearchKeyword    string
	Maintainer       string
	OrderBy          string
	OrderDirection   string
	Limit            int
	Offset           int
}

// FeatureSummary counts the environment's non-deleted features. Active means
// enabled and not archived.
type FeatureSummary struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
}

// Recognised OrderBy values for ListFeatures and ListSegments.
const (
	OrderByCreatedAt = "created_at"
	OrderByUpdatedAt = "updated_at"
	OrderByName      = "name"
	OrderByID        = "id"

	OrderDirectionAsc  = "asc"
	OrderDirectionDesc = "desc"
)

// CreateFeature inserts a new feature row.
func (r *PostgresRepository) CreateFeature(ctx context.Context, environmentID string, f *core.Feature) error {
	enc, err := encodeFeatureJSON(f)
	if err != nil {
		return fmt.Errorf("encode feature: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO features (
			environment_id, id, name, description, enabled, archived, deleted,
			variation_type, variations, targets, rules, prerequisites,
			default_strategy, off_variation, tags, maintainer, sampling_seed,
			version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		environmentID,
		f.ID,
		f.Name,
		f.Description,
		f.Enabled,
		f.Archived,
		f.Deleted,
		string(f.VariationType),
		enc.variations,
		enc.targets,
		enc.rules,
		enc.prerequisites,
		enc.defaultStrategy,
		f.OffVariation,
		enc.tags,
		f.Maintainer,
		f.SamplingSeed,
		f.Version,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create feature: %w", err)
	}

	return nil
}

// GetFeature retrieves a single feature by environment and id. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetFeature(ctx context.Context, environmentID, id string) (*core.Feature, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+featureColumns+`
		FROM features
		WHERE environment_id = $1 AND id = $2
	`, environmentID, id)

	f, err := scanFeatureRow(row)
	if err != nil {
		return nil, fmt.Errorf("get feature: %w", err)
	}

	return f, nil
}

// UpdateFeature replaces a feature row, guarded by the expected version.
// Returns ErrVersionConflict when the row exists at a different version and
// pgx.ErrNoRows (wrapped) when it does not exist at all.
func (r *PostgresRepository) UpdateFeature(ctx context.Context, environmentID string, f *core.Feature, expectedVersion int32) error {
	enc, err := encodeFeatureJSON(f)
	if err != nil {
		return fmt.Errorf("encode feature: %w", err)
	}

	commandTag, err := r.pool.Exec(ctx, `
		UPDATE features
		SET name = $4,
		    description = $5,
		    enabled = $6,
		    archived = $7,
		    deleted = $8,
		    variation_type = $9,
		    variations = $10,
		    targets = $11,
		    rules = $12,
		    prerequisites = $13,
		    default_strategy = $14,
		    off_variation = $15,
		    tags = $16,
		    maintainer = $17,
		    sampling_seed = $18,
		    version = $19,
		    updated_at = $20
		WHERE environment_id = $1 AND id = $2 AND version = $3
	`,
		environmentID,
		f.ID,
		expectedVersion,
		f.Name,
		f.Description,
		f.Enabled,
		f.Archived,
		f.Deleted,
		string(f.VariationType),
		enc.variations,
		enc.targets,
		enc.rules,
		enc.prerequisites,
		enc.defaultStrategy,
		f.OffVariation,
		enc.tags,
		f.Maintainer,
		f.SamplingSeed,
		f.Version,
		f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update feature: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM features WHERE environment_id = $1 AND id = $2)
		`, environmentID, f.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update feature existence check: %w", err)
		}
		if exists {
			return fmt.Errorf("update feature %q: %w", f.ID, ErrVersionConflict)
		}
		return fmt.Errorf("update feature: %w", pgx.ErrNoRows)
	}

	return nil
}

// ListFeatures returns one page of features for the environment plus the
// total count matching the filters.
func (r *PostgresRepository) ListFeatures(ctx context.Context, environmentID string, q ListFeaturesQuery) ([]*core.Feature, int64, error) {
	conds := []string{"environment_id = $1", "deleted = FALSE"}
	args := []any{environmentID}

	if q.Archived != nil {
		args = append(args, *q.Archived)
		conds = append(conds, fmt.Sprintf("archived = $%d", len(args)))
	}
	if q.Enabled != nil {
		args = append(args, *q.Enabled)
		conds = append(conds, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if q.Maintainer != "" {
		args = append(args, q.Maintainer)
		conds = append(conds, fmt.Sprintf("maintainer = $%d", len(args)))
	}
	if q.HasPrerequisites != nil {
		if *q.HasPrerequisites {
			conds = append(conds, "jsonb_array_length(prerequisites) > 0")
		} else {
			conds = append(conds, "jsonb_array_length(prerequisites) = 0")
		}
	}
	if len(q.Tags) > 0 {
		tagsJSON, err := json.Marshal(q.Tags)
		if err != nil {
			return nil, 0, fmt.Errorf("encode tag filter: %w", err)
		}
		args = append(args, tagsJSON)
		conds = append(conds, fmt.Sprintf("tags @> $%d", len(args)))
	}
	if q.SearchKeyword != "" {
		args = append(args, "%"+q.SearchKeyword+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(id ILIKE $%d OR name ILIKE $%d OR description ILIKE $%d)", n, n, n))
	}

	where := strings.Join(conds, " AND ")

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM features WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count features: %w", err)
	}

	query := `SELECT ` + featureColumns + ` FROM features WHERE ` + where +
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
		return nil, 0, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	features := make([]*core.Feature, 0)
	for rows.Next() {
		f, err := scanFeatureRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan feature: %w", err)
		}
		features = append(features, f)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list features rows: %w", err)
	}

	return features, total, nil
}

// GetFeatureSummary counts the environment's non-deleted features regardless
// of any list filters.
func (r *PostgresRepository) GetFeatureSummary(ctx context.Context, environmentID string) (FeatureSummary, error) {
	var s FeatureSummary
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE enabled AND NOT archived)
		FROM features
		WHERE environment_id = $1 AND deleted = FALSE
	`, environmentID).Scan(&s.Total, &s.Active)
	if err != nil {
		return FeatureSummary{}, fmt.Errorf("feature summary: %w", err)
	}
	s.Inactive = s.Total - s.Active

	return s, nil
}

// ListEnvironmentFeatures returns every non-deleted feature in the
// environment, including archived ones. Used to build evaluation snapshots.
func (r *PostgresRepository) ListEnvironmentFeatures(ctx context.Context, environmentID string) ([]*core.Feature, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+featureColumns+`
		FROM features
		WHERE environment_id = $1 AND deleted = FALSE
		ORDER BY id
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list environment features: %w", err)
	}
	defer rows.Close()

	features := make([]*core.Feature, 0)
	for rows.Next() {
		f, err := scanFeatureRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		features = append(features, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environment features rows: %w", err)
	}

	return features, nil
}

// ListEnvironments returns the distinct environment ids that have at least
// one feature. Used to warm evaluation snapshots at startup.
func (r *PostgresRepository) ListEnvironments(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT environment_id FROM features ORDER BY environment_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	environments := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		environments = append(environments, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environments rows: %w", err)
	}

	return environments, nil
}

// ListTags returns the distinct tags across all non-deleted features in the
// environment, sorted ascending.
func (r *PostgresRepository) ListTags(ctx context.Context, environmentID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT tag
		FROM features, jsonb_array_elements_text(tags) AS tag
		WHERE environment_id = $1 AND deleted = FALSE
		ORDER BY tag
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]string, 0)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tags rows: %w", err)
	}

	return tags, nil
}

type featureJSON struct {
	variations      json.RawMessage
	targets         json.RawMessage
	rules           json.RawMessage
	prerequisites   json.RawMessage
	defaultStrategy json.RawMessage
	tags            json.RawMessage
}

func encodeFeatureJSON(f *core.Feature) (featureJSON, error) {
	var enc featureJSON
	var err error

	if enc.variations, err = marshalList(f.Variations); err != nil {
		return featureJSON{}, err
	}
	if enc.targets, err = marshalList(f.Targets); err != nil {
		return featureJSON{}, err
	}
	if enc.rules, err = marshalList(f.Rules); err != nil {
		return featureJSON{}, err
	}
	if enc.prerequisites, err = marshalList(f.Prerequisites); err != nil {
		return featureJSON{}, err
	}
	if enc.defaultStrategy, err = json.Marshal(f.DefaultStrategy); err != nil {
		return featureJSON{}, err
	}
	if enc.tags, err = marshalList(f.Tags); err != nil {
		return featureJSON{}, err
	}

	return enc, nil
}

// marshalList encodes a slice, mapping Go's nil slice to an empty JSON array
// so jsonb columns never hold null.
func marshalList(v any) (json.RawMessage, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(encoded) == "null" {
		return json.RawMessage("[]"), nil
	}

	return encoded, nil
}

func scanFeatureRow(row pgx.Row) (*core.Feature, error) {
	var f core.Feature
	var variationType string
	var enc featureJSON

	if err := row.Scan(
		&f.ID,
		&f.Name,
		&f.Description,
		&f.Enabled,
		&f.Archived,
		&f.Deleted,
		&variationType,
		&enc.variations,
		&enc.targets,
		&enc.rules,
		&enc.prerequisites,
		&enc.defaultStrategy,
		&f.OffVariation,
		&enc.tags,
		&f.Maintainer,
		&f.SamplingSeed,
		&f.Version,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		return nil, err
	}

	f.VariationType = core.VariationType(variationType)
	if err := json.Unmarshal(enc.variations, &f.Variations); err != nil {
		return nil, fmt.Errorf("decode variations: %w", err)
	}
	if err := json.Unmarshal(enc.targets, &f.Targets); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	if err := json.Unmarshal(enc.rules, &f.Rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if err := json.Unmarshal(enc.prerequisites, &f.Prerequisites); err != nil {
		return nil, fmt.Errorf("decode prerequisites: %w", err)
	}
	if len(enc.defaultStrategy) > 0 {
		if err := json.Unmarshal(enc.defaultStrategy, &f.DefaultStrategy); err != nil {
			return nil, fmt.Errorf("decode default strategy: %w", err)
		}
	}
	if err := json.Unmarshal(enc.tags, &f.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}

	return &f, nil
}

func orderClause(orderBy, direction string) string {
	column := OrderByCreatedAt
	switch orderBy {
	case OrderByCreatedAt, OrderByUpdatedAt, OrderByName, OrderByID:
		column = orderBy
	}

	dir := "ASC"
	if strings.EqualFold(direction, OrderDirectionDesc) {
		dir = "DESC"
	}

	// id is appended as a tiebreaker so paging stays stable.
	return fmt.Sprintf("%s %s, id ASC", column, dir)
}
