package core

import (
	"errors"
	"testing"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestUpdateScalarFields(t *testing.T) {
	f := twoVariationFeature("feature-1")
	v := f.Version

	u, err := f.Update(UpdateParams{
		Comment:     "rename and enable",
		Name:        strPtr("renamed"),
		Description: strPtr(""),
		Enabled:     boolPtr(false),
	}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if u.Version != v+1 {
		t.Fatalf("Version = %d, want %d", u.Version, v+1)
	}
	if u.Name != "renamed" || u.Description != "" || u.Enabled {
		t.Fatalf("Update() = name %q description %q enabled %t", u.Name, u.Description, u.Enabled)
	}
	if f.Name != "feature-1" || !f.Enabled || f.Version != v {
		t.Fatal("Update() mutated the receiver")
	}
}

func TestUpdateEmptyIsNoOp(t *testing.T) {
	f := twoVariationFeature("feature-1")
	u, err := f.Update(UpdateParams{Comment: "nothing to do"}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if u.Version != f.Version {
		t.Fatalf("empty update bumped version: %d -> %d", f.Version, u.Version)
	}
}

func TestUpdateZeroValueDistinguishedFromUnset(t *testing.T) {
	f := twoVariationFeature("feature-1")
	f.Description = "old"

	u, err := f.Update(UpdateParams{Description: strPtr("")}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if u.Description != "" {
		t.Fatalf("explicit empty description not applied: %q", u.Description)
	}
	if u.Version != f.Version+1 {
		t.Fatalf("Version = %d, want %d", u.Version, f.Version+1)
	}

	u2, err := f.Update(UpdateParams{Enabled: boolPtr(false), Description: nil}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if u2.Description != "old" {
		t.Fatalf("nil description overwrote the field: %q", u2.Description)
	}
}

func TestUpdateGranularChanges(t *testing.T) {
	f := twoVariationFeature("feature-1")
	v := f.Version

	u, err := f.Update(UpdateParams{
		RuleChanges: []RuleChange{{
			ChangeType: ChangeCreate,
			Rule: Rule{
				Clauses:  []Clause{{Attribute: "plan", Operator: OperatorEquals, Values: []string{"pro"}}},
				Strategy: Strategy{Type: StrategyFixed, Fixed: &FixedStrategy{VariationID: "var-on"}},
			},
		}},
		TargetChanges: []TargetChange{{
			ChangeType: ChangeCreate,
			Target:     Target{VariationID: "var-on", Users: []string{"u1", "u2"}},
		}},
		PrerequisiteChanges: []PrerequisiteChange{{
			ChangeType:   ChangeCreate,
			Prerequisite: Prerequisite{FeatureID: "parent", VariationID: "var-on"},
		}},
		TagChanges: []TagChange{{ChangeType: ChangeCreate, Tag: "web"}},
	}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if u.Version != v+1 {
		t.Fatalf("Version = %d, want exactly %d for one update call", u.Version, v+1)
	}
	if len(u.Rules) != 1 || u.Rules[0].ID == "" {
		t.Fatalf("rule not created with id: %#v", u.Rules)
	}
	if got := u.Targets[0].Users; len(got) != 2 {
		t.Fatalf("target users = %v, want [u1 u2]", got)
	}
	if len(u.Prerequisites) != 1 || len(u.Tags) != 1 {
		t.Fatalf("prerequisites = %v tags = %v", u.Prerequisites, u.Tags)
	}

	// Round trip: remove everything that was added.
	u2, err := u.Update(UpdateParams{
		RuleChanges:         []RuleChange{{ChangeType: ChangeDelete, Rule: Rule{ID: u.Rules[0].ID}}},
		TargetChanges:       []TargetChange{{ChangeType: ChangeDelete, Target: Target{VariationID: "var-on", Users: []string{"u1", "u2"}}}},
		PrerequisiteChanges: []PrerequisiteChange{{ChangeType: ChangeDelete, Prerequisite: Prerequisite{FeatureID: "parent"}}},
		TagChanges:          []TagChange{{ChangeType: ChangeDelete, Tag: "web"}},
	}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if u2.Version != v+2 {
		t.Fatalf("Version = %d, want %d", u2.Version, v+2)
	}
	if len(u2.Rules) != 0 || len(u2.Prerequisites) != 0 || len(u2.Tags) != 0 || len(u2.Targets[0].Users) != 0 {
		t.Fatalf("delete changes not applied: %#v", u2)
	}
}

func TestUpdateVariationLifecycle(t *testing.T) {
	f := twoVariationFeature("feature-1")
	f.VariationType = VariationTypeString
	f.Variations[0].Value = "red"
	f.Variations[1].Value = "blue"

	u, err := f.Update(UpdateParams{
		VariationChanges: []VariationChange{{
			ChangeType: ChangeCreate,
			Variation:  Variation{Value: "green", Name: "green"},
		}},
	}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(u.Variations) != 3 || len(u.Targets) != 3 {
		t.Fatalf("create variation: %d variations, %d targets", len(u.Variations), len(u.Targets))
	}
	created := u.Variations[2]
	if created.ID == "" {
		t.Fatal("created variation has no id")
	}

	// A variation created and referenced in the same call must be visible to
	// the new rule.
	u2, err := u.Update(UpdateParams{
		RuleChanges: []RuleChange{{
			ChangeType: ChangeCreate,
			Rule:       Rule{ID: "r1", Strategy: Strategy{Type: StrategyFixed, Fixed: &FixedStrategy{VariationID: created.ID}}},
		}},
	}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := u2.Update(UpdateParams{
		VariationChanges: []VariationChange{{ChangeType: ChangeDelete, Variation: Variation{ID: created.ID}}},
	}, testNow); !errors.Is(err, ErrVariationInUse) {
		t.Fatalf("deleting referenced variation error = %v, want %v", err, ErrVariationInUse)
	}

	// Dropping the rule in the same call as the variation delete succeeds:
	// deletes run last.
	u3, err := u2.Update(UpdateParams{
		RuleChanges:      []RuleChange{{ChangeType: ChangeDelete, Rule: Rule{ID: "r1"}}},
		VariationChanges: []VariationChange{{ChangeType: ChangeDelete, Variation: Variation{ID: created.ID}}},
	}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(u3.Variations) != 2 || len(u3.Targets) != 2 {
		t.Fatalf("delete variation: %d variations, %d targets", len(u3.Variations), len(u3.Targets))
	}
}

func TestUpdateValidationLeavesNoPartialState(t *testing.T) {
	f := twoVariationFeature("feature-1")
	_, err := f.Update(UpdateParams{
		Name: strPtr("renamed"),
		DefaultStrategy: &Strategy{Type: StrategyRollout, Rollout: &RolloutStrategy{Variations: []RolloutVariation{
			{VariationID: "var-on", Weight: 1},
		}}},
	}, testNow)
	if !errors.Is(err, ErrRolloutWeightInvalid) {
		t.Fatalf("Update() error = %v, want %v", err, ErrRolloutWeightInvalid)
	}
	if f.Name != "feature-1" {
		t.Fatal("rejected update mutated the receiver")
	}
}

func TestUpdateResetSamplingSeed(t *testing.T) {
	f := twoVariationFeature("feature-1")
	u, err := f.Update(UpdateParams{ResetSamplingSeed: true}, testNow)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if u.SamplingSeed == f.SamplingSeed {
		t.Fatal("sampling seed not rotated")
	}
	if u.Version != f.Version+1 {
		t.Fatalf("Version = %d, want %d", u.Version, f.Version+1)
	}
}

func TestUpdateUnknownReferences(t *testing.T) {
	f := twoVariationFeature("feature-1")
	tests := []struct {
		name    string
		params  UpdateParams
		wantErr error
	}{
		{
			"update missing rule",
			UpdateParams{RuleChanges: []RuleChange{{ChangeType: ChangeUpdate, Rule: Rule{ID: "ghost"}}}},
			ErrRuleNotFound,
		},
		{
			"delete missing prerequisite",
			UpdateParams{PrerequisiteChanges: []PrerequisiteChange{{ChangeType: ChangeDelete, Prerequisite: Prerequisite{FeatureID: "ghost"}}}},
			ErrPrerequisiteNotFound,
		},
		{
			"target for unknown variation",
			UpdateParams{TargetChanges: []TargetChange{{ChangeType: ChangeCreate, Target: Target{VariationID: "ghost", Users: []string{"u1"}}}}},
			ErrTargetNotFound,
		},
		{
			"delete missing tag",
			UpdateParams{TagChanges: []TagChange{{ChangeType: ChangeDelete, Tag: "ghost"}}},
			ErrTagNotFound,
		},
		{
			"off variation unknown",
			UpdateParams{OffVariation: strPtr("ghost")},
			ErrVariationNotFound,
		},
		{
			"invalid change type",
			UpdateParams{TagChanges: []TagChange{{ChangeType: ChangeType("merge"), Tag: "web"}}},
			ErrChangeTypeInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.Update(tt.params, testNow); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Update() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
