package core

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// totalBucketWeight is the fixed-point resolution of a rollout: weights are
// thousandths of a percent and must sum to exactly this value.
const totalBucketWeight = 100000

var ErrRolloutExhausted = errors.New("core: bucket fell outside every rollout range")

// resolveStrategy returns the variation id a strategy serves to the user.
// Fixed strategies are unconditional; rollout strategies bucket the user
// deterministically from (featureID, userID, samplingSeed).
func resolveStrategy(s Strategy, userID, featureID, samplingSeed string) (string, error) {
	switch s.Type {
	case StrategyFixed:
		if s.Fixed == nil {
			return "", ErrStrategyInvalid
		}
		return s.Fixed.VariationID, nil
	case StrategyRollout:
		if s.Rollout == nil {
			return "", ErrStrategyInvalid
		}
		return resolveRollout(s.Rollout, userID, featureID, samplingSeed)
	default:
		return "", ErrStrategyInvalid
	}
}

func resolveRollout(r *RolloutStrategy, userID, featureID, samplingSeed string) (string, error) {
	return pickRolloutVariation(r, bucketRatio(featureID, userID, samplingSeed))
}

// pickRolloutVariation maps a ratio in [0,1) onto the variation whose weight
// range contains it. The last variation's bound is pinned to 1 because
// accumulated float error can leave the summed bounds a hair under it.
func pickRolloutVariation(r *RolloutStrategy, ratio float64) (string, error) {
	var cumulative float64
	for i, rv := range r.Variations {
		cumulative += float64(rv.Weight) / float64(totalBucketWeight)
		if i == len(r.Variations)-1 {
			cumulative = 1
		}
		if ratio < cumulative {
			return rv.VariationID, nil
		}
	}
	return "", fmt.Errorf("%w: ratio %f", ErrRolloutExhausted, ratio)
}

// bucketRatio maps the user into [0,1) deterministically. The hash must stay
// in lockstep with SDK-side evaluation: MD5 over "featureID-userID-seed",
// first 8 digest bytes as a big-endian uint64, normalized by MaxUint64.
func bucketRatio(featureID, userID, samplingSeed string) float64 {
	sum := md5.Sum([]byte(featureID + "-" + userID + "-" + samplingSeed))
	return float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
}
