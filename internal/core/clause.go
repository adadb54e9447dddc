package core

import (
	"slices"
	"strconv"
	"strings"
)

// evaluateClause reports whether a single clause matches. targetValue is the
// user attribute named by the clause (empty when absent); segmentUsers maps
// segment ids to their membership entries; flagVariations carries the
// variations already assigned to dependency features in this batch.
//
// A clause never errors: unknown attributes, malformed operands, and unknown
// segments all evaluate to false.
func evaluateClause(c Clause, targetValue, userID string, segmentUsers map[string][]SegmentUser, flagVariations map[string]string) bool {
	switch c.Operator {
	case OperatorEquals:
		return len(c.Values) > 0 && targetValue == c.Values[0]
	case OperatorIn:
		return slices.Contains(c.Values, targetValue)
	case OperatorStartsWith:
		return matchAny(c.Values, func(v string) bool { return v != "" && strings.HasPrefix(targetValue, v) })
	case OperatorEndsWith:
		return matchAny(c.Values, func(v string) bool { return v != "" && strings.HasSuffix(targetValue, v) })
	case OperatorPartiallyMatch:
		return matchAny(c.Values, func(v string) bool { return v != "" && strings.Contains(targetValue, v) })
	case OperatorSegment:
		return evaluateSegmentClause(c.Values, userID, segmentUsers)
	case OperatorFeatureFlag:
		assigned, ok := flagVariations[c.Attribute]
		return ok && slices.Contains(c.Values, assigned)
	case OperatorGreater:
		return compareAny(targetValue, c.Values, func(cmp int) bool { return cmp > 0 })
	case OperatorGreaterOrEqual:
		return compareAny(targetValue, c.Values, func(cmp int) bool { return cmp >= 0 })
	case OperatorLess:
		return compareAny(targetValue, c.Values, func(cmp int) bool { return cmp < 0 })
	case OperatorLessOrEqual:
		return compareAny(targetValue, c.Values, func(cmp int) bool { return cmp <= 0 })
	case OperatorBefore:
		return compareUnix(targetValue, c.Values, func(target, v int64) bool { return target < v })
	case OperatorAfter:
		return compareUnix(targetValue, c.Values, func(target, v int64) bool { return target > v })
	default:
		return false
	}
}

// evaluateSegmentClause requires membership in every listed segment.
func evaluateSegmentClause(segmentIDs []string, userID string, segmentUsers map[string][]SegmentUser) bool {
	if len(segmentIDs) == 0 {
		return false
	}
	for _, id := range segmentIDs {
		if !isSegmentMember(userID, segmentUsers[id]) {
			return false
		}
	}
	return true
}

func matchAny(values []string, match func(string) bool) bool {
	for _, v := range values {
		if match(v) {
			return true
		}
	}
	return false
}

// compareAny compares the target against each operand until one satisfies
// accept. The target picks the comparison mode: a numeric target is compared
// against the numeric operands only, a version target against the version
// operands only, anything else compares as strings. Operands that do not
// parse in the chosen mode are skipped.
func compareAny(target string, values []string, accept func(cmp int) bool) bool {
	if target == "" {
		return false
	}
	if tf, err := strconv.ParseFloat(target, 64); err == nil {
		for _, v := range values {
			vf, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			if accept(compareFloats(tf, vf)) {
				return true
			}
		}
		return false
	}
	if tv, ok := parseVersion(target); ok {
		for _, v := range values {
			vv, ok := parseVersion(v)
			if !ok {
				continue
			}
			if accept(compareVersions(tv, vv)) {
				return true
			}
		}
		return false
	}
	for _, v := range values {
		if accept(strings.Compare(target, v)) {
			return true
		}
	}
	return false
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareVersions(a, b [3]int) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// parseVersion accepts strict MAJOR.MINOR.PATCH versions. A leading "v", a
// missing segment, or any non-digit disqualifies the value; "v1.0.0" and
// "1.0" compare as strings instead.
func parseVersion(s string) ([3]int, bool) {
	var out [3]int
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return out, false
	}
	for i, p := range parts {
		if p == "" || strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			return out, false
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

func compareUnix(target string, values []string, accept func(target, v int64) bool) bool {
	ts, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return false
	}
	for _, v := range values {
		vs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if accept(ts, vs) {
			return true
		}
	}
	return false
}
