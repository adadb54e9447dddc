package core

// matchRule walks the feature's rules in stored order and returns the first
// rule whose clauses all match, or nil when none do. Rule order is
// first-class: reordering is only ever an explicit ChangeRulesOrder command.
func matchRule(f *Feature, user User, segmentUsers map[string][]SegmentUser, flagVariations map[string]string) *Rule {
	for i := range f.Rules {
		if ruleMatches(&f.Rules[i], user, segmentUsers, flagVariations) {
			return &f.Rules[i]
		}
	}
	return nil
}

// ruleMatches ANDs the rule's clauses. A rule with no clauses matches every
// user, which is how catch-all rules are expressed.
func ruleMatches(r *Rule, user User, segmentUsers map[string][]SegmentUser, flagVariations map[string]string) bool {
	for _, c := range r.Clauses {
		if !evaluateClause(c, user.attribute(c.Attribute), user.ID, segmentUsers, flagVariations) {
			return false
		}
	}
	return true
}
