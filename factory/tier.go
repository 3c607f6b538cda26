/*
Package factory provides JSON to Go reward tier conversion.

PURPOSE:
  Converts JSON tier definitions into loyalty.RewardTier values. Marketing
  can define a tier ladder in JSON (admin UI, seed files, config) and the
  factory produces validated Go structs for the TierRegistry.

JSON SCHEMA:
  {
    "id": "gold",
    "name": "Gold",
    "level": 3,
    "discount_percentage": 10,
    "minimum_spending_cents": 100000,
    "minimum_orders": 10,
    "free_shipping": true,
    "early_access": true,
    "active": true
  }

  Threshold fields are optional; an absent threshold imposes no requirement.
  "active" defaults to true.

USAGE:
  f := NewTierFactory()
  tier, err := f.ParseTier(jsonString)

  // Stock ladder used when the catalog is empty
  for _, t := range DefaultLadder() {
      registry.Create(ctx, t)
  }

SEE ALSO:
  - loyalty/types.go: RewardTier definition
  - loyalty/evaluator.go: ValidateTier
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TierJSON is the JSON (and YAML) representation of a reward tier.
type TierJSON struct {
	ID                   string  `json:"id,omitempty" yaml:"id"`
	Name                 string  `json:"name" yaml:"name"`
	Description          string  `json:"description,omitempty" yaml:"description"`
	Level                int     `json:"level" yaml:"level"`
	DiscountPercentage   float64 `json:"discount_percentage" yaml:"discount_percentage"`
	MinimumSpendingCents *int64  `json:"minimum_spending_cents,omitempty" yaml:"minimum_spending_cents"`
	MinimumOrders        *int64  `json:"minimum_orders,omitempty" yaml:"minimum_orders"`
	MinimumPoints        *int64  `json:"minimum_points,omitempty" yaml:"minimum_points"`
	FreeShipping         bool    `json:"free_shipping,omitempty" yaml:"free_shipping"`
	EarlyAccess          bool    `json:"early_access,omitempty" yaml:"early_access"`
	ExclusiveProducts    bool    `json:"exclusive_products,omitempty" yaml:"exclusive_products"`
	BirthdayReward       bool    `json:"birthday_reward,omitempty" yaml:"birthday_reward"`
	Active               *bool   `json:"active,omitempty" yaml:"active"`
	IsDefault            bool    `json:"is_default,omitempty" yaml:"is_default"`
}

// =============================================================================
// TIER FACTORY
// =============================================================================

// TierFactory converts JSON tiers to Go structs.
type TierFactory struct{}

// NewTierFactory creates a new tier factory.
func NewTierFactory() *TierFactory {
	return &TierFactory{}
}

// ParseTier parses a JSON object into a validated RewardTier.
func (f *TierFactory) ParseTier(jsonStr string) (loyalty.RewardTier, error) {
	var tj TierJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return loyalty.RewardTier{}, fmt.Errorf("failed to parse tier JSON: %w", err)
	}
	return f.FromJSON(tj)
}

// ParseLadder parses a JSON array of tiers. At most one may be the default.
func (f *TierFactory) ParseLadder(jsonStr string) ([]loyalty.RewardTier, error) {
	var tjs []TierJSON
	if err := json.Unmarshal([]byte(jsonStr), &tjs); err != nil {
		return nil, fmt.Errorf("failed to parse tier ladder JSON: %w", err)
	}
	return f.FromJSONList(tjs)
}

// FromJSONList converts a list of TierJSON, rejecting more than one default.
func (f *TierFactory) FromJSONList(tjs []TierJSON) ([]loyalty.RewardTier, error) {
	tiers := make([]loyalty.RewardTier, 0, len(tjs))
	defaults := 0
	for i, tj := range tjs {
		t, err := f.FromJSON(tj)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", i, err)
		}
		if t.IsDefault {
			defaults++
		}
		tiers = append(tiers, t)
	}
	if defaults > 1 {
		return nil, &loyalty.InvalidStateError{Reason: fmt.Sprintf("ladder declares %d default tiers", defaults)}
	}
	return tiers, nil
}

// FromJSON converts TierJSON to a RewardTier and validates it.
func (f *TierFactory) FromJSON(tj TierJSON) (loyalty.RewardTier, error) {
	t := loyalty.RewardTier{
		ID:                   loyalty.TierID(tj.ID),
		Name:                 tj.Name,
		Description:          tj.Description,
		Level:                tj.Level,
		DiscountPercentage:   decimal.NewFromFloat(tj.DiscountPercentage),
		MinimumSpendingCents: tj.MinimumSpendingCents,
		MinimumOrders:        tj.MinimumOrders,
		MinimumPoints:        tj.MinimumPoints,
		FreeShipping:         tj.FreeShipping,
		EarlyAccess:          tj.EarlyAccess,
		ExclusiveProducts:    tj.ExclusiveProducts,
		BirthdayReward:       tj.BirthdayReward,
		Active:               tj.Active == nil || *tj.Active,
		IsDefault:            tj.IsDefault,
	}
	if err := loyalty.ValidateTier(t); err != nil {
		return loyalty.RewardTier{}, err
	}
	return t, nil
}

// ToJSON converts a RewardTier to TierJSON.
func (f *TierFactory) ToJSON(t loyalty.RewardTier) TierJSON {
	discount, _ := t.DiscountPercentage.Float64()
	active := t.Active
	return TierJSON{
		ID:                   string(t.ID),
		Name:                 t.Name,
		Description:          t.Description,
		Level:                t.Level,
		DiscountPercentage:   discount,
		MinimumSpendingCents: t.MinimumSpendingCents,
		MinimumOrders:        t.MinimumOrders,
		MinimumPoints:        t.MinimumPoints,
		FreeShipping:         t.FreeShipping,
		EarlyAccess:          t.EarlyAccess,
		ExclusiveProducts:    t.ExclusiveProducts,
		BirthdayReward:       t.BirthdayReward,
		Active:               &active,
		IsDefault:            t.IsDefault,
	}
}

// =============================================================================
// PRESET LADDER
// =============================================================================

// DefaultLadderJSON is the stock four-tier ladder.
const DefaultLadderJSON = `[
  {"id": "bronze", "name": "Bronze", "level": 1, "discount_percentage": 0,
   "description": "Every registered customer", "is_default": true},
  {"id": "silver", "name": "Silver", "level": 2, "discount_percentage": 5,
   "minimum_spending_cents": 50000, "minimum_orders": 5},
  {"id": "gold", "name": "Gold", "level": 3, "discount_percentage": 10,
   "minimum_spending_cents": 150000, "minimum_orders": 15,
   "free_shipping": true, "early_access": true},
  {"id": "platinum", "name": "Platinum", "level": 4, "discount_percentage": 15,
   "minimum_spending_cents": 500000, "minimum_orders": 30, "minimum_points": 5000,
   "free_shipping": true, "early_access": true, "exclusive_products": true,
   "birthday_reward": true}
]`

// DefaultLadder returns the stock ladder: Bronze (default), Silver, Gold, Platinum.
func DefaultLadder() []loyalty.RewardTier {
	tiers, err := NewTierFactory().ParseLadder(DefaultLadderJSON)
	if err != nil {
		panic(fmt.Sprintf("factory: invalid default ladder: %v", err))
	}
	return tiers
}
