package core

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// ReasonType explains which path of the evaluation state machine produced a
// decision. ERROR_* reasons mark per-feature configuration failures; they
// degrade only the affected feature, never the batch.
type ReasonType string

const (
	ReasonTarget                 ReasonType = "TARGET"
	ReasonRule                   ReasonType = "RULE"
	ReasonDefault                ReasonType = "DEFAULT"
	ReasonOffVariation           ReasonType = "OFF_VARIATION"
	ReasonPrerequisite           ReasonType = "PREREQUISITE"
	ReasonClient                 ReasonType = "CLIENT"
	ReasonErrorPrerequisiteCycle ReasonType = "ERROR_PREREQUISITE_CYCLE"
	ReasonErrorVariationNotFound ReasonType = "ERROR_VARIATION_NOT_FOUND"
	ReasonErrorNoDefaultStrategy ReasonType = "ERROR_NO_DEFAULT_STRATEGY"
	ReasonErrorStrategy          ReasonType = "ERROR_STRATEGY"
)

// IsError reports whether the reason marks a degraded evaluation.
func (r ReasonType) IsError() bool {
	switch r {
	case ReasonErrorPrerequisiteCycle, ReasonErrorVariationNotFound,
		ReasonErrorNoDefaultStrategy, ReasonErrorStrategy:
		return true
	}
	return false
}

// Reason pairs the decision path with the matched rule id, when any.
type Reason struct {
	Type   ReasonType `json:"type"`
	RuleID string     `json:"rule_id,omitempty"`
}

// User is the subject of an evaluation.
type User struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (u User) attribute(name string) string {
	return u.Attributes[name]
}

// Evaluation is the computed decision for one user/feature pair.
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
// opaque state id; when it matches the id a client already holds, the client
// needs no update and Evaluations is empty with ForceUpdate false.
type UserEvaluations struct {
	ID                 string       `json:"id"`
	UserID             string       `json:"user_id"`
	Evaluations        []Evaluation `json:"evaluations"`
	ArchivedFeatureIDs []string     `json:"archived_feature_ids"`
	ForceUpdate        bool         `json:"force_update"`
	CreatedAt          int64        `json:"created_at"`
}

// archivedReportWindow bounds how long archived features keep being reported
// so clients can drop them.
const archivedReportWindow = 30 * 24 * time.Hour

// EvaluateParams selects what to evaluate for whom.
type EvaluateParams struct {
	User User
	// Tag filters the returned evaluations; empty means every feature.
	Tag string
	// FeatureID restricts evaluation to one feature and its dependencies.
	FeatureID string
	// PrevStateID short-circuits the call when the client is up to date.
	PrevStateID string
	Now         time.Time
}

// EvaluateFeatures computes UserEvaluations for the user over an immutable
// snapshot of features and segment users. The snapshot must not be mutated
// while the call runs; the evaluator itself never writes to it.
func EvaluateFeatures(features []*Feature, segmentUsers map[string][]SegmentUser, p EvaluateParams) (*UserEvaluations, error) {
	if p.FeatureID != "" {
		features = dependencyClosure(features, p.FeatureID)
	}
	evals, archived := evaluate(features, p.User, segmentUsers, p.Now)
	if p.Tag != "" {
		byID := featureIndex(features)
		filtered := make([]Evaluation, 0, len(evals))
		for _, e := range evals {
			if f, ok := byID[e.FeatureID]; ok && f.HasTag(p.Tag) {
				filtered = append(filtered, e)
			}
		}
		evals = filtered
	}
	stateID := userEvaluationsID(p.User, evals)
	ue := &UserEvaluations{
		ID:                 stateID,
		UserID:             p.User.ID,
		ArchivedFeatureIDs: archived,
		CreatedAt:          p.Now.Unix(),
	}
	if p.PrevStateID != "" && p.PrevStateID == stateID {
		ue.Evaluations = []Evaluation{}
		return ue, nil
	}
	ue.Evaluations = evals
	ue.ForceUpdate = true
	return ue, nil
}

// DebugEvaluateFeatures evaluates each user against the requested features
// (all features when featureIDs is empty) with no caching or state id, so
// operators can validate targeting before publishing. Error reasons surface
// exactly as they would in production evaluation.
func DebugEvaluateFeatures(features []*Feature, segmentUsers map[string][]SegmentUser, users []User, featureIDs []string, now time.Time) ([]Evaluation, []string) {
	scope := features
	if len(featureIDs) > 0 {
		seen := make(map[string]bool)
		scope = nil
		for _, id := range featureIDs {
			for _, f := range dependencyClosure(features, id) {
				if !seen[f.ID] {
					seen[f.ID] = true
					scope = append(scope, f)
				}
			}
		}
	}
	requested := make(map[string]bool, len(featureIDs))
	for _, id := range featureIDs {
		requested[id] = true
	}
	var out []Evaluation
	var archived []string
	for i, u := range users {
		evals, arch := evaluate(scope, u, segmentUsers, now)
		for _, e := range evals {
			if len(featureIDs) == 0 || requested[e.FeatureID] {
				out = append(out, e)
			}
		}
		if i == 0 {
			archived = arch
		}
	}
	return out, archived
}

// evaluate runs the full pipeline: order features so dependencies come
// first, assign a variation per feature, and degrade features on or behind a
// prerequisite cycle instead of failing the batch.
func evaluate(features []*Feature, user User, segmentUsers map[string][]SegmentUser, now time.Time) ([]Evaluation, []string) {
	var archived []string
	active := make([]*Feature, 0, len(features))
	for _, f := range features {
		if f.Deleted {
			continue
		}
		if f.Archived {
			if now.Unix()-f.UpdatedAt <= int64(archivedReportWindow.Seconds()) {
				archived = append(archived, f.ID)
			}
			continue
		}
		active = append(active, f)
	}
	sort.Strings(archived)

	ordered, cyclic := evaluationOrder(active)
	flagVariations := make(map[string]string, len(ordered))
	evals := make([]Evaluation, 0, len(active))
	for _, f := range ordered {
		e := assignUser(f, user, segmentUsers, flagVariations)
		if !e.Reason.Type.IsError() {
			flagVariations[f.ID] = e.VariationID
		}
		evals = append(evals, e)
	}
	for _, f := range cyclic {
		evals = append(evals, Evaluation{
			ID:             evaluationID(f.ID, f.Version, user.ID),
			FeatureID:      f.ID,
			FeatureVersion: f.Version,
			UserID:         user.ID,
			Reason:         Reason{Type: ReasonErrorPrerequisiteCycle},
		})
	}
	sort.Slice(evals, func(i, j int) bool { return evals[i].FeatureID < evals[j].FeatureID })
	return evals, archived
}

// assignUser resolves one feature for one user. Precedence, highest first:
// archived or disabled serve the off variation, then explicit targets, then
// prerequisite failure (off variation), then the first matching rule, then
// the default strategy.
func assignUser(f *Feature, user User, segmentUsers map[string][]SegmentUser, flagVariations map[string]string) Evaluation {
	if f.Archived || !f.Enabled {
		return evaluationFor(f, user, f.OffVariation, Reason{Type: ReasonOffVariation})
	}
	for _, t := range f.Targets {
		for _, u := range t.Users {
			if u == user.ID {
				return evaluationFor(f, user, t.VariationID, Reason{Type: ReasonTarget})
			}
		}
	}
	for _, p := range f.Prerequisites {
		if v, ok := flagVariations[p.FeatureID]; !ok || v != p.VariationID {
			return evaluationFor(f, user, f.OffVariation, Reason{Type: ReasonPrerequisite})
		}
	}
	if rule := matchRule(f, user, segmentUsers, flagVariations); rule != nil {
		variationID, err := resolveStrategy(rule.Strategy, user.ID, f.ID, f.SamplingSeed)
		if err != nil {
			return errorEvaluation(f, user, ReasonErrorStrategy)
		}
		return evaluationFor(f, user, variationID, Reason{Type: ReasonRule, RuleID: rule.ID})
	}
	if f.DefaultStrategy == nil {
		return errorEvaluation(f, user, ReasonErrorNoDefaultStrategy)
	}
	variationID, err := resolveStrategy(*f.DefaultStrategy, user.ID, f.ID, f.SamplingSeed)
	if err != nil {
		return errorEvaluation(f, user, ReasonErrorStrategy)
	}
	return evaluationFor(f, user, variationID, Reason{Type: ReasonDefault})
}

func evaluationFor(f *Feature, user User, variationID string, reason Reason) Evaluation {
	v, err := f.FindVariation(variationID)
	if err != nil {
		return errorEvaluation(f, user, ReasonErrorVariationNotFound)
	}
	return Evaluation{
		ID:             evaluationID(f.ID, f.Version, user.ID),
		FeatureID:      f.ID,
		FeatureVersion: f.Version,
		UserID:         user.ID,
		VariationID:    v.ID,
		VariationName:  v.Name,
		VariationValue: v.Value,
		Reason:         reason,
	}
}

func errorEvaluation(f *Feature, user User, reason ReasonType) Evaluation {
	return Evaluation{
		ID:             evaluationID(f.ID, f.Version, user.ID),
		FeatureID:      f.ID,
		FeatureVersion: f.Version,
		UserID:         user.ID,
		Reason:         Reason{Type: reason},
	}
}

func evaluationID(featureID string, version int32, userID string) string {
	return fmt.Sprintf("%s:%d:%s", featureID, version, userID)
}

// evaluationOrder returns the features in dependency order, dependencies
// before dependents, plus the features that cannot be ordered because they
// sit on or behind a prerequisite cycle. Dependencies absent from the input
// set do not block ordering; they stay unsatisfied at assignment time.
// Termination is bounded by the feature count.
func evaluationOrder(features []*Feature) (ordered, cyclic []*Feature) {
	byID := featureIndex(features)
	placed := make(map[string]bool, len(features))
	remaining := make([]*Feature, len(features))
	copy(remaining, features)
	for len(remaining) > 0 {
		progress := false
		var next []*Feature
		for _, f := range remaining {
			ready := true
			for _, dep := range f.dependencyIDs() {
				if _, inSet := byID[dep]; inSet && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, f)
				placed[f.ID] = true
				progress = true
			} else {
				next = append(next, f)
			}
		}
		remaining = next
		if !progress {
			cyclic = remaining
			break
		}
	}
	return ordered, cyclic
}

// dependencyClosure returns the feature plus everything it transitively
// depends on. The visited set bounds the walk, so cycles cannot loop it.
func dependencyClosure(features []*Feature, featureID string) []*Feature {
	byID := featureIndex(features)
	visited := make(map[string]bool)
	var out []*Feature
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		f, ok := byID[id]
		if !ok {
			return
		}
		out = append(out, f)
		for _, dep := range f.dependencyIDs() {
			walk(dep)
		}
	}
	walk(featureID)
	return out
}

func featureIndex(features []*Feature) map[string]*Feature {
	byID := make(map[string]*Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}
	return byID
}

// userEvaluationsID derives the opaque state id from the user and the
// (feature id, version) vector of the returned evaluations. Any feature
// version change, feature addition or removal, or user attribute change
// yields a different id.
func userEvaluationsID(user User, evals []Evaluation) string {
	h := fnv.New64a()
	h.Write([]byte(user.ID))
	keys := make([]string, 0, len(user.Attributes))
	for k := range user.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s\x00%s", k, user.Attributes[k])
	}
	for _, e := range evals {
		fmt.Fprintf(h, "\x00%s\x00%d", e.FeatureID, e.FeatureVersion)
	}
	return fmt.Sprintf("%x", h.Sum64())
}
