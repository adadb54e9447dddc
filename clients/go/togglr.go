// Package togglr provides client interfaces and domain types for the togglr
// feature flag service.
//
// Use the sub-package to create a transport-specific client:
//
//	import togglrhttp "github.com/togglr/togglr/clients/go/http"
package togglr

import "context"

// FeatureManager covers management operations on feature flags.
type FeatureManager interface {
	CreateFeature(ctx context.Context, params CreateFeatureParams) (Feature, error)
	GetFeature(ctx context.Context, id string) (Feature, error)
	ListFeatures(ctx context.Context, opts ListFeaturesOptions) (FeaturePage, error)
	UpdateFeature(ctx context.Context, id string, update FeatureUpdate) (Feature, error)
	DeleteFeature(ctx context.Context, id string) error
}

// Evaluator resolves flags for a user against the server's current state.
type Evaluator interface {
	EvaluateFeatures(ctx context.Context, req EvaluateRequest) (UserEvaluations, error)
}

// TriggerFirer fires a webhook flag trigger by its raw token. The token is
// the credential; no API key is needed.
type TriggerFirer interface {
	FireTrigger(ctx context.Context, token string) error
}

// VariationType constrains the value type of all variations of a feature.
type VariationType string

const (
	VariationTypeBoolean VariationType = "boolean"
	VariationTypeString  VariationType = "string"
	VariationTypeNumber  VariationType = "number"
	VariationTypeJSON    VariationType = "json"
)

// Variation is one concrete value a feature can resolve to.
type Variation struct {
	ID          string `json:"id"`
	Value       string `json:"value"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Target maps a variation to an explicit list of user ids served that
// variation ahead of any rule.
type Target struct {
	VariationID string   `json:"variation_id"`
	Users       []string `json:"users"`
}

// Prerequisite requires another feature to resolve to a specific variation
// before this feature's rules apply.
type Prerequisite struct {
	FeatureID   string `json:"feature_id"`
	VariationID string `json:"variation_id"`
}

// Clause is a single attribute comparison inside a rule.
type Clause struct {
	ID        string   `json:"id"`
	Attribute string   `json:"attribute"`
	Operator  string   `json:"operator"`
	Values    []string `json:"values"`
}

// FixedStrategy always serves one variation.
type FixedStrategy struct {
	VariationID string `json:"variation_id"`
}

// RolloutVariation is one slice of a percentage rollout. Weight is expressed
// in thousandths of a percent.
type RolloutVariation struct {
	VariationID string `json:"variation_id"`
	Weight      int32  `json:"weight"`
}

// RolloutStrategy splits traffic across variations by weight.
type RolloutStrategy struct {
	Variations []RolloutVariation `json:"variations"`
}

// Strategy is a tagged union: exactly one of Fixed or Rollout is set,
// matching Type ("fixed" or "rollout").
type Strategy struct {
	Type    string           `json:"type"`
	Fixed   *FixedStrategy   `json:"fixed,omitempty"`
	Rollout *RolloutStrategy `json:"rollout,omitempty"`
}

// Rule maps users matching all of its clauses to a strategy. The first
// matching rule wins.
type Rule struct {
	ID       string   `json:"id"`
	Clauses  []Clause `json:"clauses"`
	Strategy Strategy `json:"strategy"`
}

// Feature is the domain representation of a feature flag as served by the
// togglr API. Timestamps are Unix seconds.
type Feature struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Enabled         bool           `json:"enabled"`
	Archived        bool           `json:"archived"`
	VariationType   VariationType  `json:"variation_type"`
	Variations      []Variation    `json:"variations"`
	Targets         []Target       `json:"targets"`
	Rules           []Rule         `json:"rules"`
	Prerequisites   []Prerequisite `json:"prerequisites"`
	DefaultStrategy *Strategy      `json:"default_strategy"`
	OffVariation    string         `json:"off_variation"`
	Tags            []string       `json:"tags"`
	Maintainer      string         `json:"maintainer,omitempty"`
	Version         int32          `json:"version"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
}

// CreateFeatureParams carries the inputs for CreateFeature. Variation ids
// are assigned server-side; OnVariationIndex and OffVariationIndex index
// into Variations.
type CreateFeatureParams struct {
	ID                string      `json:"id,omitempty"`
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	VariationType     VariationType `json:"variation_type"`
	Variations        []Variation `json:"variations"`
	Tags              []string    `json:"tags,omitempty"`
	OnVariationIndex  int         `json:"on_variation_index"`
	OffVariationIndex int         `json:"off_variation_index"`
	Maintainer        string      `json:"maintainer,omitempty"`
}

// FeatureUpdate is a partial update; nil fields are left unchanged. When
// ExpectedVersion is set the server rejects the update unless the feature is
// still at that version.
type FeatureUpdate struct {
	Comment           string    `json:"comment,omitempty"`
	Name              *string   `json:"name,omitempty"`
	Description       *string   `json:"description,omitempty"`
	Tags              *[]string `json:"tags,omitempty"`
	Enabled           *bool     `json:"enabled,omitempty"`
	Archived          *bool     `json:"archived,omitempty"`
	DefaultStrategy   *Strategy `json:"default_strategy,omitempty"`
	OffVariation      *string   `json:"off_variation,omitempty"`
	ResetSamplingSeed bool      `json:"reset_sampling_seed,omitempty"`
	ExpectedVersion   *int32    `json:"expected_version,omitempty"`
}

// ListFeaturesOptions filters and pages ListFeatures. Cursor is the opaque
// NextCursor of a previous page; zero values mean "no filter".
type ListFeaturesOptions struct {
	Cursor           string
	PageSize         int
	Tags             []string
	Enabled          *bool
	Archived         *bool
	HasPrerequisites *bool
	SearchKeyword    string
	Maintainer       string
	OrderBy          string
	OrderDirection   string
}

// FeatureSummary counts the environment's features. Active means enabled and
// not archived.
type FeatureSummary struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
}

// FeaturePage is one page of a feature listing. NextCursor is empty on the
// last page. Summary covers the whole environment, not just the page.
type FeaturePage struct {
	Features   []Feature      `json:"features"`
	TotalCount int64          `json:"total_count"`
	NextCursor string         `json:"next_cursor,omitempty"`
	Summary    FeatureSummary `json:"summary"`
}

// User is the subject of an evaluation.
type User struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EvaluateRequest asks the server to resolve features for one user. Tag and
// FeatureID narrow the evaluated set; PrevStateID lets the server skip the
// response body when the client already holds the current state.
type EvaluateRequest struct {
	User        User   `json:"user"`
	Tag         string `json:"tag,omitempty"`
	FeatureID   string `json:"feature_id,omitempty"`
	PrevStateID string `json:"prev_state_id,omitempty"`
}

// Reason explains which path of the evaluation produced a decision.
type Reason struct {
	Type   string `json:"type"`
	RuleID string `json:"rule_id,omitempty"`
}

// Evaluation is the resolution of one feature for one user.
type Evaluation struct {
	ID             string `json:"id"`
	FeatureID      string `json:"feature_id"`
	FeatureVersion int32  `json:"feature_version"`
	UserID         string `json:"user_id"`
	VariationID    string `json:"variation_id"`
	VariationName  string `json:"variation_name,omitempty"`
	VariationValue string `json:"variation_value,omitempty"`
	Reason         Reason `json:"reason"`
}

// UserEvaluations aggregates one evaluation per feature for a user. ID is an
// opaque state id; when it matches the PrevStateID the client sent,
// Evaluations is empty and ForceUpdate is false.
type UserEvaluations struct {
	ID                 string       `json:"id"`
	UserID             string       `json:"user_id"`
	Evaluations        []Evaluation `json:"evaluations"`
	ArchivedFeatureIDs []string     `json:"archived_feature_ids"`
	ForceUpdate        bool         `json:"force_update"`
}
