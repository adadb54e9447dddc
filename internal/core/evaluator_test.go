package core

import (
	"testing"
	"time"
)

var testNow = time.Unix(1700000000, 0)

// twoVariationFeature builds an enabled feature with variations var-on and
// var-off, a fixed default strategy on var-on, and off variation var-off.
func twoVariationFeature(id string) *Feature {
	return &Feature{
		ID:            id,
		Name:          id,
		Enabled:       true,
		VariationType: VariationTypeBoolean,
		Variations: []Variation{
			{ID: "var-on", Value: "true", Name: "on"},
			{ID: "var-off", Value: "false", Name: "off"},
		},
		Targets: []Target{
			{VariationID: "var-on", Users: []string{}},
			{VariationID: "var-off", Users: []string{}},
		},
		DefaultStrategy: &Strategy{Type: StrategyFixed, Fixed: &FixedStrategy{VariationID: "var-on"}},
		OffVariation:    "var-off",
		SamplingSeed:    "seed",
		Version:         3,
		CreatedAt:       testNow.Unix(),
		UpdatedAt:       testNow.Unix(),
	}
}

func evaluationByFeature(t *testing.T, ue *UserEvaluations, featureID string) Evaluation {
	t.Helper()
	for _, e := range ue.Evaluations {
		if e.FeatureID == featureID {
			return e
		}
	}
	t.Fatalf("no evaluation for feature %s in %#v", featureID, ue.Evaluations)
	return Evaluation{}
}

func TestEvaluateFeaturesPrecedence(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(f *Feature)
		userID        string
		wantVariation string
		wantReason    ReasonType
	}{
		{
			name:          "default strategy when nothing matches",
			mutate:        func(f *Feature) {},
			userID:        "u1",
			wantVariation: "var-on",
			wantReason:    ReasonDefault,
		},
		{
			name: "disabled beats explicit target",
			mutate: func(f *Feature) {
				f.Enabled = false
				f.Targets[0].Users = []string{"u1"}
			},
			userID:        "u1",
			wantVariation: "var-off",
			wantReason:    ReasonOffVariation,
		},
		{
			name: "target beats rule",
			mutate: func(f *Feature) {
				f.Targets[0].Users = []string{"u1"}
				f.Rules = []Rule{{
					ID:       "rule-1",
					Clauses:  []Clause{{Attribute: "id", Operator: OperatorEquals, Values: []string{"u1"}}},
					Strategy: Strategy{Type: StrategyFixed, Fixed: &FixedStrategy{VariationID: "var-off"}},
				}}
			},
			userID:        "u1",
			wantVariation: "var-on",
			wantReason:    ReasonTarget,
		},
		{
			name: "first matching rule wins",
			mutate: func(f *Feature) {
				f.Rules = []Rule{
					{
						ID:       "rule-1",
						Clauses:  []Clause{{Attribute: "plan", Operator: OperatorEquals, Values: []string{"pro"}}},
						Strategy: Strategy{Type: StrategyFixed, Fixed: &FixedStrategy{VariationID: "var-off"}},
					},
					{
						ID:       "rule-2",
						Strategy: Strategy{Type: StrategyFixed, Fixed: &FixedStrategy{VariationID: "var-on"}},
					},
				}
			},
			userID:        "u2",
			wantVariation: "var-off",
			wantReason:    ReasonRule,
		},
		{
			name: "empty clause rule matches everyone",
			mutate: func(f *Feature) {
				f.Rules = []Rule{{
					ID:       "rule-1",
					Strategy: Strategy{Type: StrategyFixed, Fixed: &FixedStrategy{VariationID: "var-off"}},
				}}
			},
			userID:        "anybody",
			wantVariation: "var-off",
			wantReason:    ReasonRule,
		},
		{
			name: "missing default strategy degrades",
			mutate: func(f *Feature) {
				f.DefaultStrategy = nil
			},
			userID:     "u1",
			wantReason: ReasonErrorNoDefaultStrategy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := twoVariationFeature("feature-1")
			tt.mutate(f)
			user := User{ID: tt.userID, Attributes: map[string]string{"plan": "pro", "id": tt.userID}}
			ue, err := EvaluateFeatures([]*Feature{f}, nil, EvaluateParams{User: user, Now: testNow})
			if err != nil {
				t.Fatalf("EvaluateFeatures() error = %v", err)
			}
			e := evaluationByFeature(t, ue, "feature-1")
			if e.Reason.Type != tt.wantReason {
				t.Fatalf("reason = %s, want %s", e.Reason.Type, tt.wantReason)
			}
			if tt.wantVariation != "" && e.VariationID != tt.wantVariation {
				t.Fatalf("variation = %s, want %s", e.VariationID, tt.wantVariation)
			}
		})
	}
}

func TestEvaluateFeaturesPrerequisites(t *testing.T) {
	parent := twoVariationFeature("parent")
	child := twoVariationFeature("child")
	child.Prerequisites = []Prerequisite{{FeatureID: "parent", VariationID: "var-on"}}

	t.Run("satisfied prerequisite", func(t *testing.T) {
		ue, err := EvaluateFeatures([]*Feature{child, parent}, nil, EvaluateParams{User: User{ID: "u1"}, Now: testNow})
		if err != nil {
			t.Fatalf("EvaluateFeatures() error = %v", err)
		}
		e := evaluationByFeature(t, ue, "child")
		if e.Reason.Type != ReasonDefault || e.VariationID != "var-on" {
			t.Fatalf("child = %s/%s, want DEFAULT/var-on", e.Reason.Type, e.VariationID)
		}
	})

	t.Run("unsatisfied prerequisite falls to off variation", func(t *testing.T) {
		disabledParent := twoVariationFeature("parent")
		disabledParent.Enabled = false
		ue, err := EvaluateFeatures([]*Feature{child, disabledParent}, nil, EvaluateParams{User: User{ID: "u1"}, Now: testNow})
		if err != nil {
			t.Fatalf("EvaluateFeatures() error = %v", err)
		}
		e := evaluationByFeature(t, ue, "child")
		if e.Reason.Type != ReasonPrerequisite || e.VariationID != "var-off" {
			t.Fatalf("child = %s/%s, want PREREQUISITE/var-off", e.Reason.Type, e.VariationID)
		}
	})

	t.Run("missing prerequisite fails closed", func(t *testing.T) {
		ue, err := EvaluateFeatures([]*Feature{child}, nil, EvaluateParams{User: User{ID: "u1"}, Now: testNow})
		if err != nil {
			t.Fatalf("EvaluateFeatures() error = %v", err)
		}
		e := evaluationByFeature(t, ue, "child")
		if e.Reason.Type != ReasonPrerequisite || e.VariationID != "var-off" {
			t.Fatalf("child = %s/%s, want PREREQUISITE/var-off", e.Reason.Type, e.VariationID)
		}
	})

	t.Run("archived prerequisite fails closed", func(t *testing.T) {
		archivedParent := twoVariationFeature("parent")
		archivedParent.Archived = true
		ue, err := EvaluateFeatures([]*Feature{child, archivedParent}, nil, EvaluateParams{User: User{ID: "u1"}, Now: testNow})
		if err != nil {
			t.Fatalf("EvaluateFeatures() error = %v", err)
		}
		e := evaluationByFeature(t, ue, "child")
		if e.Reason.Type != ReasonPrerequisite {
			t.Fatalf("child reason = %s, want PREREQUISITE", e.Reason.Type)
		}
	})
}

func TestEvaluateFeaturesPrerequisiteCycle(t *testing.T) {
	a := twoVariationFeature("feature-a")
	b := twoVariationFeature("feature-b")
	a.Prerequisites = []Prerequisite{{FeatureID: "feature-b", VariationID: "var-on"}}
	b.Prerequisites = []Prerequisite{{FeatureID: "feature-a", VariationID: "var-on"}}
	healthy := twoVariationFeature("feature-c")

	done := make(chan *UserEvaluations, 1)
	go func() {
		ue, err := EvaluateFeatures([]*Feature{a, b, healthy}, nil, EvaluateParams{User: User{ID: "u1"}, Now: testNow})
		if err != nil {
			t.Errorf("EvaluateFeatures() error = %v", err)
		}
		done <- ue
	}()
	var ue *UserEvaluations
	select {
	case ue = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("EvaluateFeatures() did not terminate with a prerequisite cycle")
	}

	for _, id := range []string{"feature-a", "feature-b"} {
		e := evaluationByFeature(t, ue, id)
		if e.Reason.Type != ReasonErrorPrerequisiteCycle {
			t.Fatalf("%s reason = %s, want ERROR_PREREQUISITE_CYCLE", id, e.Reason.Type)
		}
	}
	e := evaluationByFeature(t, ue, "feature-c")
	if e.Reason.Type != ReasonDefault {
		t.Fatalf("healthy feature degraded by unrelated cycle: reason = %s", e.Reason.Type)
	}
}

func TestEvaluateFeaturesDownstreamOfCycle(t *testing.T) {
	a := twoVariationFeature("feature-a")
	b := twoVariationFeature("feature-b")
	c := twoVariationFeature("feature-c")
	a.Prerequisites = []Prerequisite{{FeatureID: "feature-b", VariationID: "var-on"}}
	b.Prerequisites = []Prerequisite{{FeatureID: "feature-a", VariationID: "var-on"}}
	c.Prerequisites = []Prerequisite{{FeatureID: "feature-a", VariationID: "var-on"}}

	ue, err := EvaluateFeatures([]*Feature{a, b, c}, nil, EvaluateParams{User: User{ID: "u1"}, Now: testNow})
	if err != nil {
		t.Fatalf("EvaluateFeatures() error = %v", err)
	}
	e := evaluationByFeature(t, ue, "feature-c")
	if e.Reason.Type != ReasonErrorPrerequisiteCycle {
		t.Fatalf("feature-c reason = %s, want ERROR_PREREQUISITE_CYCLE", e.Reason.Type)
	}
}

func TestEvaluateFeaturesTagFilterAndClosure(t *testing.T) {
	tagged := twoVariationFeature("tagged")
	tagged.Tags = []string{"web"}
	other := twoVariationFeature("other")

	ue, err := EvaluateFeatures([]*Feature{tagged, other}, nil, EvaluateParams{User: User{ID: "u1"}, Tag: "web", Now: testNow})
	if err != nil {
		t.Fatalf("EvaluateFeatures() error = %v", err)
	}
	if len(ue.Evaluations) != 1 || ue.Evaluations[0].FeatureID != "tagged" {
		t.Fatalf("tag filter returned %#v, want only tagged", ue.Evaluations)
	}

	child := twoVariationFeature("child")
	child.Prerequisites = []Prerequisite{{FeatureID: "parent", VariationID: "var-on"}}
	parent := twoVariationFeature("parent")
	ue, err = EvaluateFeatures([]*Feature{child, parent, other}, nil, EvaluateParams{User: User{ID: "u1"}, FeatureID: "child", Now: testNow})
	if err != nil {
		t.Fatalf("EvaluateFeatures() error = %v", err)
	}
	ids := map[string]bool{}
	for _, e := range ue.Evaluations {
		ids[e.FeatureID] = true
	}
	if !ids["child"] || !ids["parent"] || ids["other"] {
		t.Fatalf("single-feature closure evaluated %v, want child+parent only", ids)
	}
}

func TestEvaluateFeaturesStateID(t *testing.T) {
	f := twoVariationFeature("feature-1")
	user := User{ID: "u1"}

	first, err := EvaluateFeatures([]*Feature{f}, nil, EvaluateParams{User: user, Now: testNow})
	if err != nil {
		t.Fatalf("EvaluateFeatures() error = %v", err)
	}
	if !first.ForceUpdate || len(first.Evaluations) != 1 {
		t.Fatalf("first call = forceUpdate %t with %d evaluations, want true/1", first.ForceUpdate, len(first.Evaluations))
	}

	same, err := EvaluateFeatures([]*Feature{f}, nil, EvaluateParams{User: user, PrevStateID: first.ID, Now: testNow})
	if err != nil {
		t.Fatalf("EvaluateFeatures() error = %v", err)
	}
	if same.ForceUpdate || len(same.Evaluations) != 0 {
		t.Fatalf("unchanged state returned forceUpdate %t with %d evaluations, want false/0", same.ForceUpdate, len(same.Evaluations))
	}
	if same.ID != first.ID {
		t.Fatalf("state id changed without a feature change: %s then %s", first.ID, same.ID)
	}

	f.Version++
	changed, err := EvaluateFeatures([]*Feature{f}, nil, EvaluateParams{User: user, PrevStateID: first.ID, Now: testNow})
	if err != nil {
		t.Fatalf("EvaluateFeatures() error = %v", err)
	}
	if !changed.ForceUpdate || len(changed.Evaluations) != 1 {
		t.Fatalf("version bump returned forceUpdate %t with %d evaluations, want true/1", changed.ForceUpdate, len(changed.Evaluations))
	}
}

func TestEvaluateFeaturesArchivedReporting(t *testing.T) {
	recent := twoVariationFeature("recently-archived")
	recent.Archived = true
	recent.UpdatedAt = testNow.Add(-24 * time.Hour).Unix()

	stale := twoVariationFeature("long-archived")
	stale.Archived = true
	stale.UpdatedAt = testNow.Add(-40 * 24 * time.Hour).Unix()

	live := twoVariationFeature("live")

	ue, err := EvaluateFeatures([]*Feature{recent, stale, live}, nil, EvaluateParams{User: User{ID: "u1"}, Now: testNow})
	if err != nil {
		t.Fatalf("EvaluateFeatures() error = %v", err)
	}
	if len(ue.Evaluations) != 1 || ue.Evaluations[0].FeatureID != "live" {
		t.Fatalf("archived features were evaluated: %#v", ue.Evaluations)
	}
	if len(ue.ArchivedFeatureIDs) != 1 || ue.ArchivedFeatureIDs[0] != "recently-archived" {
		t.Fatalf("ArchivedFeatureIDs = %v, want [recently-archived]", ue.ArchivedFeatureIDs)
	}
}

func TestDebugEvaluateFeatures(t *testing.T) {
	f := twoVariationFeature("feature-1")
	f.Targets[0].Users = []string{"u2"}
	other := twoVariationFeature("feature-2")

	evals, _ := DebugEvaluateFeatures([]*Feature{f, other}, nil, []User{{ID: "u1"}, {ID: "u2"}}, []string{"feature-1"}, testNow)
	if len(evals) != 2 {
		t.Fatalf("DebugEvaluateFeatures() returned %d evaluations, want 2", len(evals))
	}
	byUser := map[string]Evaluation{}
	for _, e := range evals {
		byUser[e.UserID] = e
	}
	if byUser["u1"].Reason.Type != ReasonDefault {
		t.Fatalf("u1 reason = %s, want DEFAULT", byUser["u1"].Reason.Type)
	}
	if byUser["u2"].Reason.Type != ReasonTarget {
		t.Fatalf("u2 reason = %s, want TARGET", byUser["u2"].Reason.Type)
	}
}

func TestEvaluationID(t *testing.T) {
	got := evaluationID("feature-1", 7, "u1")
	if got != "feature-1:7:u1" {
		t.Fatalf("evaluationID() = %q, want %q", got, "feature-1:7:u1")
	}
}
