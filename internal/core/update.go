package core

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeType discriminates granular change entries in a partial update.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// VariationChange creates, updates, or deletes one variation.
type VariationChange struct {
	ChangeType ChangeType `json:"change_type"`
	Variation  Variation  `json:"variation"`
}

// RuleChange creates, updates, or deletes one rule.
type RuleChange struct {
	ChangeType ChangeType `json:"change_type"`
	Rule       Rule       `json:"rule"`
}

// PrerequisiteChange creates, updates, or deletes one prerequisite, keyed by
// its feature id.
type PrerequisiteChange struct {
	ChangeType   ChangeType   `json:"change_type"`
	Prerequisite Prerequisite `json:"prerequisite"`
}

// TargetChange adds or removes users on one variation's target list.
type TargetChange struct {
	ChangeType ChangeType `json:"change_type"`
	Target     Target     `json:"target"`
}

// TagChange adds or removes one tag.
type TagChange struct {
	ChangeType ChangeType `json:"change_type"`
	Tag        string     `json:"tag"`
}

// UpdateParams is a partial update. Nil pointer fields were not sent and
// leave the feature untouched; that distinction is what makes PATCH
// semantics work for zero values like false or "".
type UpdateParams struct {
	Comment             string               `json:"comment,omitempty"`
	Name                *string              `json:"name,omitempty"`
	Description         *string              `json:"description,omitempty"`
	Tags                *[]string            `json:"tags,omitempty"`
	Enabled             *bool                `json:"enabled,omitempty"`
	Archived            *bool                `json:"archived,omitempty"`
	DefaultStrategy     *Strategy            `json:"default_strategy,omitempty"`
	OffVariation        *string              `json:"off_variation,omitempty"`
	ResetSamplingSeed   bool                 `json:"reset_sampling_seed,omitempty"`
	VariationChanges    []VariationChange    `json:"variation_changes,omitempty"`
	RuleChanges         []RuleChange         `json:"rule_changes,omitempty"`
	PrerequisiteChanges []PrerequisiteChange `json:"prerequisite_changes,omitempty"`
	TargetChanges       []TargetChange       `json:"target_changes,omitempty"`
	TagChanges          []TagChange          `json:"tag_changes,omitempty"`
}

// Empty reports whether the update carries no change at all, in which case
// Update is a no-op that keeps the version.
func (p UpdateParams) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Tags == nil &&
		p.Enabled == nil && p.Archived == nil && p.DefaultStrategy == nil &&
		p.OffVariation == nil && !p.ResetSamplingSeed &&
		len(p.VariationChanges) == 0 && len(p.RuleChanges) == 0 &&
		len(p.PrerequisiteChanges) == 0 && len(p.TargetChanges) == 0 &&
		len(p.TagChanges) == 0
}

// Update applies a partial update to a copy of the feature and returns it
// with the version bumped by exactly one. The receiver is never mutated:
// validation failures leave no partial state behind. Variation creates and
// updates are applied before anything that might reference them; variation
// deletes run last so stale references are caught.
func (f *Feature) Update(p UpdateParams, now time.Time) (*Feature, error) {
	if p.Empty() {
		return f.Clone(), nil
	}
	u := f.Clone()

	var deletes []string
	for _, vc := range p.VariationChanges {
		switch vc.ChangeType {
		case ChangeCreate:
			v := vc.Variation
			if v.ID == "" {
				v.ID = uuid.NewString()
			}
			u.Variations = append(u.Variations, v)
			u.Targets = append(u.Targets, Target{VariationID: v.ID, Users: []string{}})
		case ChangeUpdate:
			i := slices.IndexFunc(u.Variations, func(v Variation) bool { return v.ID == vc.Variation.ID })
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", ErrVariationNotFound, vc.Variation.ID)
			}
			u.Variations[i] = vc.Variation
		case ChangeDelete:
			deletes = append(deletes, vc.Variation.ID)
		default:
			return nil, fmt.Errorf("%w: variation change %q", ErrChangeTypeInvalid, vc.ChangeType)
		}
	}

	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return nil, ErrFeatureNameRequired
		}
		u.Name = *p.Name
	}
	if p.Description != nil {
		u.Description = *p.Description
	}
	if p.Tags != nil {
		u.Tags = normalizeTags(*p.Tags)
	}
	if p.Enabled != nil {
		u.Enabled = *p.Enabled
	}
	if p.Archived != nil {
		u.Archived = *p.Archived
	}
	if p.DefaultStrategy != nil {
		s := cloneStrategy(*p.DefaultStrategy)
		u.DefaultStrategy = &s
	}
	if p.OffVariation != nil {
		u.OffVariation = *p.OffVariation
	}
	if p.ResetSamplingSeed {
		u.SamplingSeed = uuid.NewString()
	}

	if err := u.applyRuleChanges(p.RuleChanges); err != nil {
		return nil, err
	}
	if err := u.applyPrerequisiteChanges(p.PrerequisiteChanges); err != nil {
		return nil, err
	}
	if err := u.applyTargetChanges(p.TargetChanges); err != nil {
		return nil, err
	}
	if err := u.applyTagChanges(p.TagChanges); err != nil {
		return nil, err
	}

	for _, id := range deletes {
		if err := u.removeVariation(id); err != nil {
			return nil, err
		}
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}
	u.Version = f.Version + 1
	u.UpdatedAt = now.Unix()
	return u, nil
}

func (f *Feature) applyRuleChanges(changes []RuleChange) error {
	for _, rc := range changes {
		switch rc.ChangeType {
		case ChangeCreate:
			r := rc.Rule
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if slices.IndexFunc(f.Rules, func(x Rule) bool { return x.ID == r.ID }) >= 0 {
				return fmt.Errorf("%w: %s", ErrRuleDuplicateID, r.ID)
			}
			f.Rules = append(f.Rules, r)
		case ChangeUpdate:
			i := slices.IndexFunc(f.Rules, func(x Rule) bool { return x.ID == rc.Rule.ID })
			if i < 0 {
				return fmt.Errorf("%w: %s", ErrRuleNotFound, rc.Rule.ID)
			}
			f.Rules[i] = rc.Rule
		case ChangeDelete:
			i := slices.IndexFunc(f.Rules, func(x Rule) bool { return x.ID == rc.Rule.ID })
			if i < 0 {
				return fmt.Errorf("%w: %s", ErrRuleNotFound, rc.Rule.ID)
			}
			f.Rules = slices.Delete(f.Rules, i, i+1)
		default:
			return fmt.Errorf("%w: rule change %q", ErrChangeTypeInvalid, rc.ChangeType)
		}
	}
	return nil
}

func (f *Feature) applyPrerequisiteChanges(changes []PrerequisiteChange) error {
	for _, pc := range changes {
		i := slices.IndexFunc(f.Prerequisites, func(x Prerequisite) bool {
			return x.FeatureID == pc.Prerequisite.FeatureID
		})
		switch pc.ChangeType {
		case ChangeCreate:
			if i >= 0 {
				return fmt.Errorf("%w: %s", ErrPrerequisiteDuplicate, pc.Prerequisite.FeatureID)
			}
			f.Prerequisites = append(f.Prerequisites, pc.Prerequisite)
		case ChangeUpdate:
			if i < 0 {
				return fmt.Errorf("%w: %s", ErrPrerequisiteNotFound, pc.Prerequisite.FeatureID)
			}
			f.Prerequisites[i] = pc.Prerequisite
		case ChangeDelete:
			if i < 0 {
				return fmt.Errorf("%w: %s", ErrPrerequisiteNotFound, pc.Prerequisite.FeatureID)
			}
			f.Prerequisites = slices.Delete(f.Prerequisites, i, i+1)
		default:
			return fmt.Errorf("%w: prerequisite change %q", ErrChangeTypeInvalid, pc.ChangeType)
		}
	}
	return nil
}

func (f *Feature) applyTargetChanges(changes []TargetChange) error {
	for _, tc := range changes {
		i := slices.IndexFunc(f.Targets, func(x Target) bool { return x.VariationID == tc.Target.VariationID })
		switch tc.ChangeType {
		case ChangeCreate, ChangeUpdate:
			if i < 0 {
				return fmt.Errorf("%w: variation %s", ErrTargetNotFound, tc.Target.VariationID)
			}
			for _, u := range tc.Target.Users {
				if !slices.Contains(f.Targets[i].Users, u) {
					f.Targets[i].Users = append(f.Targets[i].Users, u)
				}
			}
		case ChangeDelete:
			if i < 0 {
				return fmt.Errorf("%w: variation %s", ErrTargetNotFound, tc.Target.VariationID)
			}
			f.Targets[i].Users = slices.DeleteFunc(f.Targets[i].Users, func(u string) bool {
				return slices.Contains(tc.Target.Users, u)
			})
		default:
			return fmt.Errorf("%w: target change %q", ErrChangeTypeInvalid, tc.ChangeType)
		}
	}
	return nil
}

func (f *Feature) applyTagChanges(changes []TagChange) error {
	for _, tc := range changes {
		tag := strings.TrimSpace(tc.Tag)
		switch tc.ChangeType {
		case ChangeCreate, ChangeUpdate:
			if slices.Contains(f.Tags, tag) {
				return fmt.Errorf("%w: %s", ErrTagDuplicate, tag)
			}
			f.Tags = append(f.Tags, tag)
		case ChangeDelete:
			i := slices.Index(f.Tags, tag)
			if i < 0 {
				return fmt.Errorf("%w: %s", ErrTagNotFound, tag)
			}
			f.Tags = slices.Delete(f.Tags, i, i+1)
		default:
			return fmt.Errorf("%w: tag change %q", ErrChangeTypeInvalid, tc.ChangeType)
		}
	}
	return nil
}

// removeVariation deletes a variation and its (empty) target entry after
// checking nothing still references it.
func (f *Feature) removeVariation(id string) error {
	i := slices.IndexFunc(f.Variations, func(v Variation) bool { return v.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrVariationNotFound, id)
	}
	if err := f.validateRemoveVariation(id); err != nil {
		return err
	}
	f.Variations = slices.Delete(f.Variations, i, i+1)
	f.Targets = slices.DeleteFunc(f.Targets, func(t Target) bool { return t.VariationID == id })
	return nil
}
