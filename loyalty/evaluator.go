/*
evaluator.go - Tier selection from accumulators

ALGORITHM:
  1. Keep active, well-formed tiers
  2. Stable sort descending by level
  3. Return the first tier whose defined thresholds are all satisfied
  4. If none match, keep the previously assigned tier

  The scan is greedy. With a monotonic ladder (higher level => stricter
  thresholds) the first match is the highest tier the user qualifies for.
  With a non-monotonic ladder a higher tier can still win over a lower one
  the user also qualifies for; that is the administrator's configuration.

  EvaluateTier never fails. Malformed tiers are skipped, not reported;
  ValidateTier rejects them at write time.
*/
package loyalty

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// EvaluateTier selects the tier for acc from catalog. current is returned
// unchanged when nothing matches.
func EvaluateTier(acc Accumulators, catalog []RewardTier, current *TierID) *TierID {
	if t := SelectTier(acc, catalog); t != nil {
		id := t.ID
		return &id
	}
	return current
}

// SelectTier returns the highest qualifying active tier, or nil.
func SelectTier(acc Accumulators, catalog []RewardTier) *RewardTier {
	candidates := make([]RewardTier, 0, len(catalog))
	for _, t := range catalog {
		if t.Active && ValidateTier(t) == nil {
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Level > candidates[j].Level
	})
	for i := range candidates {
		if candidates[i].Qualifies(acc) {
			return &candidates[i]
		}
	}
	return nil
}

// ValidateTier checks the discount range, thresholds and name.
func ValidateTier(t RewardTier) error {
	if strings.TrimSpace(t.Name) == "" {
		return &InvalidStateError{Reason: "tier name is required"}
	}
	if t.DiscountPercentage.IsNegative() || t.DiscountPercentage.GreaterThan(hundred) {
		return &InvalidStateError{Reason: "discount percentage must be between 0 and 100"}
	}
	for name, v := range map[Threshold]*int64{
		ThresholdSpending: t.MinimumSpendingCents,
		ThresholdOrders:   t.MinimumOrders,
		ThresholdPoints:   t.MinimumPoints,
	} {
		if v != nil && *v < 0 {
			return &InvalidStateError{Reason: string(name) + " must not be negative"}
		}
	}
	return nil
}

func sameTier(a, b *TierID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
