// Package core implements the feature evaluation engine: the feature domain
// model and its mutation commands, clause and segment matching, deterministic
// rollout bucketing, prerequisite resolution, and batch evaluation over an
// immutable snapshot of features and segment users.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VariationType constrains the values a feature's variations may hold.
type VariationType string

const (
	VariationTypeString  VariationType = "string"
	VariationTypeBoolean VariationType = "boolean"
	VariationTypeNumber  VariationType = "number"
	VariationTypeJSON    VariationType = "json"
)

// Operator identifies a clause comparator.
type Operator string

const (
	OperatorEquals         Operator = "equals"
	OperatorIn             Operator = "in"
	OperatorStartsWith     Operator = "starts_with"
	OperatorEndsWith       Operator = "ends_with"
	OperatorSegment        Operator = "segment"
	OperatorGreater        Operator = "greater"
	OperatorGreaterOrEqual Operator = "greater_or_equal"
	OperatorLess           Operator = "less"
	OperatorLessOrEqual    Operator = "less_or_equal"
	OperatorBefore         Operator = "before"
	OperatorAfter          Operator = "after"
	OperatorFeatureFlag    Operator = "feature_flag"
	OperatorPartiallyMatch Operator = "partially_match"
)

// StrategyType discriminates the Strategy union.
type StrategyType string

const (
	StrategyFixed   StrategyType = "fixed"
	StrategyRollout StrategyType = "rollout"
)

var (
	ErrFeatureIDRequired        = errors.New("core: feature id is required")
	ErrFeatureNameRequired      = errors.New("core: feature name is required")
	ErrVariationsRequired       = errors.New("core: at least two variations are required")
	ErrVariationNotFound        = errors.New("core: variation not found")
	ErrVariationInUse           = errors.New("core: variation is in use")
	ErrVariationDuplicateID     = errors.New("core: duplicate variation id")
	ErrVariationDuplicateValue  = errors.New("core: duplicate variation value")
	ErrVariationValueRequired   = errors.New("core: variation value is required")
	ErrVariationValueInvalid    = errors.New("core: variation value does not match the variation type")
	ErrAlreadyEnabled           = errors.New("core: feature is already enabled")
	ErrAlreadyDisabled          = errors.New("core: feature is already disabled")
	ErrAlreadyArchived          = errors.New("core: feature is already archived")
	ErrNotArchived              = errors.New("core: feature is not archived")
	ErrRuleNotFound             = errors.New("core: rule not found")
	ErrRuleDuplicateID          = errors.New("core: duplicate rule id")
	ErrRulesOrderSizeMismatch   = errors.New("core: rules order does not cover all rules")
	ErrRulesOrderDuplicateID    = errors.New("core: rules order contains a duplicate id")
	ErrTargetNotFound           = errors.New("core: target not found")
	ErrPrerequisiteNotFound     = errors.New("core: prerequisite not found")
	ErrPrerequisiteDuplicate    = errors.New("core: duplicate prerequisite")
	ErrPrerequisiteSelf         = errors.New("core: feature cannot be its own prerequisite")
	ErrTagNotFound              = errors.New("core: tag not found")
	ErrTagDuplicate             = errors.New("core: duplicate tag")
	ErrChangeTypeInvalid        = errors.New("core: invalid change type")
	ErrStrategyRequired         = errors.New("core: strategy is required")
	ErrStrategyInvalid          = errors.New("core: strategy is invalid")
	ErrRolloutWeightInvalid     = errors.New("core: rollout weights must sum to 100000")
	ErrDefaultStrategyRequired  = errors.New("core: default strategy is required")
	ErrOffVariationRequired     = errors.New("core: off variation is required")
	ErrVariationTypeUnsupported = errors.New("core: unsupported variation type")
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

// Clause is a single attribute comparison inside a rule. Clauses within a
// rule are AND-combined.
type Clause struct {
	ID        string   `json:"id"`
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Values    []string `json:"values"`
}

// FixedStrategy always serves one variation.
type FixedStrategy struct {
	VariationID string `json:"variation_id"`
}

// RolloutVariation is one slice of a percentage rollout. Weight is expressed
// in thousandths of a percent; the weights of a rollout sum to 100000.
type RolloutVariation struct {
	VariationID string `json:"variation_id"`
	Weight      int32  `json:"weight"`
}

// RolloutStrategy splits traffic across variations by weight.
type RolloutStrategy struct {
	Variations []RolloutVariation `json:"variations"`
}

// Strategy is a tagged union: exactly one of Fixed or Rollout is set,
// matching Type.
type Strategy struct {
	Type    StrategyType     `json:"type"`
	Fixed   *FixedStrategy   `json:"fixed,omitempty"`
	Rollout *RolloutStrategy `json:"rollout,omitempty"`
}

// Rule maps users matching all of its clauses to a strategy. Rule order in
// the owning feature is significant: the first matching rule wins.
type Rule struct {
	ID       string   `json:"id"`
	Clauses  []Clause `json:"clauses"`
	Strategy Strategy `json:"strategy"`
}

// Feature is a named toggle with typed variations, ordered targeting rules,
// prerequisites, and a monotonically increasing version.
type Feature struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	Enabled         bool          `json:"enabled"`
	Archived        bool          `json:"archived"`
	Deleted         bool          `json:"deleted"`
	VariationType   VariationType `json:"variation_type"`
	Variations      []Variation   `json:"variations"`
	Targets         []Target      `json:"targets"`
	Rules           []Rule        `json:"rules"`
	Prerequisites   []Prerequisite `json:"prerequisites"`
	DefaultStrategy *Strategy     `json:"default_strategy"`
	OffVariation    string        `json:"off_variation"`
	Tags            []string      `json:"tags"`
	Maintainer      string        `json:"maintainer,omitempty"`
	SamplingSeed    string        `json:"sampling_seed"`
	Version         int32         `json:"version"`
	CreatedAt       int64         `json:"created_at"`
	UpdatedAt       int64         `json:"updated_at"`
}

// NewFeatureParams carries the inputs for NewFeature. Variation ids are
// assigned by NewFeature; OnVariationIndex and OffVariationIndex index into
// Variations.
type NewFeatureParams struct {
	ID                string
	Name              string
	Description       string
	VariationType     VariationType
	Variations        []Variation
	Tags              []string
	OnVariationIndex  int
	OffVariationIndex int
	Maintainer        string
}

// NewFeature builds a disabled feature at version 1 with a fixed default
// strategy pointing at the on-variation.
func NewFeature(p NewFeatureParams, now time.Time) (*Feature, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, ErrFeatureIDRequired
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, ErrFeatureNameRequired
	}
	if len(p.Variations) < 2 {
		return nil, ErrVariationsRequired
	}
	if p.OnVariationIndex < 0 || p.OnVariationIndex >= len(p.Variations) {
		return nil, fmt.Errorf("%w: on variation index %d out of range", ErrVariationNotFound, p.OnVariationIndex)
	}
	if p.OffVariationIndex < 0 || p.OffVariationIndex >= len(p.Variations) {
		return nil, fmt.Errorf("%w: off variation index %d out of range", ErrVariationNotFound, p.OffVariationIndex)
	}
	variations := make([]Variation, len(p.Variations))
	targets := make([]Target, len(p.Variations))
	for i, v := range p.Variations {
		v.ID = uuid.NewString()
		variations[i] = v
		targets[i] = Target{VariationID: v.ID, Users: []string{}}
	}
	ts := now.Unix()
	f := &Feature{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		VariationType: p.VariationType,
		Variations:    variations,
		Targets:       targets,
		Rules:         []Rule{},
		Prerequisites: []Prerequisite{},
		DefaultStrategy: &Strategy{
			Type:  StrategyFixed,
			Fixed: &FixedStrategy{VariationID: variations[p.OnVariationIndex].ID},
		},
		OffVariation: variations[p.OffVariationIndex].ID,
		Tags:         normalizeTags(p.Tags),
		Maintainer:   p.Maintainer,
		SamplingSeed: uuid.NewString(),
		Version:      1,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Clone returns a deep copy of the feature.
func (f *Feature) Clone() *Feature {
	c := *f
	c.Variations = slices.Clone(f.Variations)
	c.Targets = make([]Target, len(f.Targets))
	for i, t := range f.Targets {
		t.Users = slices.Clone(t.Users)
		c.Targets[i] = t
	}
	c.Rules = make([]Rule, len(f.Rules))
	for i, r := range f.Rules {
		r.Clauses = make([]Clause, len(f.Rules[i].Clauses))
		for j, cl := range f.Rules[i].Clauses {
			cl.Values = slices.Clone(cl.Values)
			r.Clauses[j] = cl
		}
		r.Strategy = cloneStrategy(f.Rules[i].Strategy)
		c.Rules[i] = r
	}
	c.Prerequisites = slices.Clone(f.Prerequisites)
	if f.DefaultStrategy != nil {
		s := cloneStrategy(*f.DefaultStrategy)
		c.DefaultStrategy = &s
	}
	c.Tags = slices.Clone(f.Tags)
	return &c
}

func cloneStrategy(s Strategy) Strategy {
	if s.Fixed != nil {
		fixed := *s.Fixed
		s.Fixed = &fixed
	}
	if s.Rollout != nil {
		rollout := RolloutStrategy{Variations: slices.Clone(s.Rollout.Variations)}
		s.Rollout = &rollout
	}
	return s
}

// Duplicate builds a new feature from this one under a new id, re-keying
// every variation and rewriting all references to the new variation ids.
func (f *Feature) Duplicate(id, maintainer string, now time.Time) (*Feature, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrFeatureIDRequired
	}
	c := f.Clone()
	idMap := make(map[string]string, len(c.Variations))
	for i := range c.Variations {
		next := uuid.NewString()
		idMap[c.Variations[i].ID] = next
		c.Variations[i].ID = next
	}
	for i := range c.Targets {
		c.Targets[i].VariationID = idMap[c.Targets[i].VariationID]
	}
	for i := range c.Rules {
		rewriteStrategy(&c.Rules[i].Strategy, idMap)
	}
	if c.DefaultStrategy != nil {
		rewriteStrategy(c.DefaultStrategy, idMap)
	}
	c.OffVariation = idMap[c.OffVariation]
	c.ID = id
	c.Maintainer = maintainer
	c.Enabled = false
	c.Archived = false
	c.Deleted = false
	c.SamplingSeed = uuid.NewString()
	c.Version = 1
	c.CreatedAt = now.Unix()
	c.UpdatedAt = now.Unix()
	return c, nil
}

func rewriteStrategy(s *Strategy, idMap map[string]string) {
	if s.Fixed != nil {
		s.Fixed.VariationID = idMap[s.Fixed.VariationID]
	}
	if s.Rollout != nil {
		for i := range s.Rollout.Variations {
			s.Rollout.Variations[i].VariationID = idMap[s.Rollout.Variations[i].VariationID]
		}
	}
}

// Enable turns the feature on.
func (f *Feature) Enable(now time.Time) error {
	if f.Enabled {
		return ErrAlreadyEnabled
	}
	f.Enabled = true
	f.bump(now)
	return nil
}

// Disable turns the feature off; evaluations fall to the off variation.
func (f *Feature) Disable(now time.Time) error {
	if !f.Enabled {
		return ErrAlreadyDisabled
	}
	f.Enabled = false
	f.bump(now)
	return nil
}

// Archive removes the feature from evaluation without deleting it.
func (f *Feature) Archive(now time.Time) error {
	if f.Archived {
		return ErrAlreadyArchived
	}
	f.Archived = true
	f.bump(now)
	return nil
}

// Unarchive restores an archived feature.
func (f *Feature) Unarchive(now time.Time) error {
	if !f.Archived {
		return ErrNotArchived
	}
	f.Archived = false
	f.bump(now)
	return nil
}

// MarkDeleted logically deletes the feature. Deleted features are excluded
// from listings and evaluation but remain stored while referenced.
func (f *Feature) MarkDeleted(now time.Time) {
	f.Deleted = true
	f.bump(now)
}

// ResetSamplingSeed reshuffles rollout bucket assignment. This is the only
// sanctioned way to re-bucket users.
func (f *Feature) ResetSamplingSeed(now time.Time) {
	f.SamplingSeed = uuid.NewString()
	f.bump(now)
}

// ChangeRulesOrder reorders the rules to match ruleIDs, which must name every
// existing rule exactly once.
func (f *Feature) ChangeRulesOrder(ruleIDs []string, now time.Time) error {
	if len(ruleIDs) != len(f.Rules) {
		return ErrRulesOrderSizeMismatch
	}
	byID := make(map[string]Rule, len(f.Rules))
	for _, r := range f.Rules {
		byID[r.ID] = r
	}
	seen := make(map[string]bool, len(ruleIDs))
	ordered := make([]Rule, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrRulesOrderDuplicateID, id)
		}
		seen[id] = true
		r, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		ordered = append(ordered, r)
	}
	f.Rules = ordered
	f.bump(now)
	return nil
}

func (f *Feature) bump(now time.Time) {
	f.Version++
	f.UpdatedAt = now.Unix()
}

// FindVariation returns the variation with the given id.
func (f *Feature) FindVariation(id string) (Variation, error) {
	for _, v := range f.Variations {
		if v.ID == id {
			return v, nil
		}
	}
	return Variation{}, fmt.Errorf("%w: %s", ErrVariationNotFound, id)
}

// HasTag reports whether the feature carries the tag. An empty tag matches
// every feature.
func (f *Feature) HasTag(tag string) bool {
	return tag == "" || slices.Contains(f.Tags, tag)
}

// SegmentIDs returns the segment ids referenced by the feature's rule
// clauses, deduplicated.
func (f *Feature) SegmentIDs() []string {
	var ids []string
	for _, r := range f.Rules {
		for _, c := range r.Clauses {
			if c.Operator != OperatorSegment {
				continue
			}
			for _, v := range c.Values {
				if !slices.Contains(ids, v) {
					ids = append(ids, v)
				}
			}
		}
	}
	return ids
}

// flagClauseFeatureIDs returns feature ids referenced by feature_flag
// clauses, which must be evaluated before this feature.
func (f *Feature) flagClauseFeatureIDs() []string {
	var ids []string
	for _, r := range f.Rules {
		for _, c := range r.Clauses {
			if c.Operator != OperatorFeatureFlag {
				continue
			}
			if c.Attribute != "" && !slices.Contains(ids, c.Attribute) {
				ids = append(ids, c.Attribute)
			}
		}
	}
	return ids
}

// dependencyIDs returns every feature id that must be evaluated before this
// one: prerequisites plus feature_flag clause references.
func (f *Feature) dependencyIDs() []string {
	ids := f.flagClauseFeatureIDs()
	for _, p := range f.Prerequisites {
		if !slices.Contains(ids, p.FeatureID) {
			ids = append(ids, p.FeatureID)
		}
	}
	return ids
}

// Validate checks the feature's internal consistency: variation ids and
// values are unique and typed correctly, every referenced variation exists,
// rollout weights sum to 100000, and prerequisites do not self-reference.
func (f *Feature) Validate() error {
	if len(f.Variations) < 2 {
		return ErrVariationsRequired
	}
	seenIDs := make(map[string]bool, len(f.Variations))
	seenValues := make(map[string]bool, len(f.Variations))
	for _, v := range f.Variations {
		if seenIDs[v.ID] {
			return fmt.Errorf("%w: %s", ErrVariationDuplicateID, v.ID)
		}
		seenIDs[v.ID] = true
		if seenValues[v.Value] {
			return fmt.Errorf("%w: %q", ErrVariationDuplicateValue, v.Value)
		}
		seenValues[v.Value] = true
		if err := validateVariationValue(f.VariationType, v.Value); err != nil {
			return err
		}
	}
	if f.DefaultStrategy == nil {
		return ErrDefaultStrategyRequired
	}
	if err := f.validateStrategy(*f.DefaultStrategy); err != nil {
		return err
	}
	if f.OffVariation == "" {
		return ErrOffVariationRequired
	}
	if !seenIDs[f.OffVariation] {
		return fmt.Errorf("%w: off variation %s", ErrVariationNotFound, f.OffVariation)
	}
	ruleIDs := make(map[string]bool, len(f.Rules))
	for _, r := range f.Rules {
		if ruleIDs[r.ID] {
			return fmt.Errorf("%w: %s", ErrRuleDuplicateID, r.ID)
		}
		ruleIDs[r.ID] = true
		if err := f.validateStrategy(r.Strategy); err != nil {
			return err
		}
	}
	for _, t := range f.Targets {
		if !seenIDs[t.VariationID] {
			return fmt.Errorf("%w: target variation %s", ErrVariationNotFound, t.VariationID)
		}
	}
	seenPrereqs := make(map[string]bool, len(f.Prerequisites))
	for _, p := range f.Prerequisites {
		if p.FeatureID == f.ID {
			return ErrPrerequisiteSelf
		}
		if seenPrereqs[p.FeatureID] {
			return fmt.Errorf("%w: %s", ErrPrerequisiteDuplicate, p.FeatureID)
		}
		seenPrereqs[p.FeatureID] = true
	}
	return nil
}

func (f *Feature) validateStrategy(s Strategy) error {
	switch s.Type {
	case StrategyFixed:
		if s.Fixed == nil || s.Rollout != nil {
			return ErrStrategyInvalid
		}
		if _, err := f.FindVariation(s.Fixed.VariationID); err != nil {
			return err
		}
	case StrategyRollout:
		if s.Rollout == nil || s.Fixed != nil {
			return ErrStrategyInvalid
		}
		var total int32
		for _, rv := range s.Rollout.Variations {
			if _, err := f.FindVariation(rv.VariationID); err != nil {
				return err
			}
			if rv.Weight < 0 {
				return ErrRolloutWeightInvalid
			}
			total += rv.Weight
		}
		if total != totalBucketWeight {
			return fmt.Errorf("%w: got %d", ErrRolloutWeightInvalid, total)
		}
	default:
		return ErrStrategyInvalid
	}
	return nil
}

// validateRemoveVariation rejects removing a variation still referenced by
// the off variation, a target with users, the default strategy, or any rule.
func (f *Feature) validateRemoveVariation(id string) error {
	if f.OffVariation == id {
		return fmt.Errorf("%w: off variation %s", ErrVariationInUse, id)
	}
	for _, t := range f.Targets {
		if t.VariationID == id && len(t.Users) > 0 {
			return fmt.Errorf("%w: targeted %s", ErrVariationInUse, id)
		}
	}
	if f.DefaultStrategy != nil && strategyReferences(*f.DefaultStrategy, id) {
		return fmt.Errorf("%w: default strategy %s", ErrVariationInUse, id)
	}
	for _, r := range f.Rules {
		if strategyReferences(r.Strategy, id) {
			return fmt.Errorf("%w: rule %s", ErrVariationInUse, r.ID)
		}
	}
	return nil
}

func strategyReferences(s Strategy, variationID string) bool {
	if s.Fixed != nil && s.Fixed.VariationID == variationID {
		return true
	}
	if s.Rollout != nil {
		for _, rv := range s.Rollout.Variations {
			if rv.VariationID == variationID {
				return true
			}
		}
	}
	return false
}

func validateVariationValue(t VariationType, value string) error {
	if value == "" {
		return ErrVariationValueRequired
	}
	switch t {
	case VariationTypeString:
		return nil
	case VariationTypeBoolean:
		if value != "true" && value != "false" {
			return fmt.Errorf("%w: boolean variation %q", ErrVariationValueInvalid, value)
		}
	case VariationTypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%w: number variation %q", ErrVariationValueInvalid, value)
		}
	case VariationTypeJSON:
		trimmed := strings.TrimSpace(value)
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			return fmt.Errorf("%w: json variation must be an object or array", ErrVariationValueInvalid)
		}
		if !json.Valid([]byte(trimmed)) {
			return fmt.Errorf("%w: json variation is not valid json", ErrVariationValueInvalid)
		}
	default:
		return fmt.Errorf("%w: %q", ErrVariationTypeUnsupported, t)
	}
	return nil
}
