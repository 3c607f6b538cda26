package loyalty

import (
	"context"

	"github.com/shopspring/decimal"
)

// ResolveBenefits derives the effective perks. tier is the user's active
// tier or nil. Returns nil when the user has neither a tier nor a free
// shipping override.
func ResolveBenefits(r UserRewards, tier *RewardTier) *Benefits {
	if tier == nil && r.FreeShippingOverride == nil {
		return nil
	}
	b := &Benefits{
		DiscountPercentage: decimal.Zero,
		IsVIP:              r.IsVIP,
	}
	if tier != nil {
		id := tier.ID
		b.TierID = &id
		b.DiscountPercentage = tier.DiscountPercentage
		b.FreeShipping = tier.FreeShipping
		b.EarlyAccess = tier.EarlyAccess
		b.ExclusiveProducts = tier.ExclusiveProducts
		b.BirthdayReward = tier.BirthdayReward
	}
	if r.FreeShippingOverride != nil {
		b.FreeShipping = *r.FreeShippingOverride
	}
	return b
}

// CalculateDiscount returns round(subtotal * discount% / 100), 0 without a tier.
func CalculateDiscount(subtotalCents int64, tier *RewardTier) int64 {
	if tier == nil || subtotalCents <= 0 {
		return 0
	}
	return decimal.NewFromInt(subtotalCents).
		Mul(tier.DiscountPercentage).
		Div(hundred).
		Round(0).
		IntPart()
}

// BenefitResolver reads the ledger and catalog; it never writes.
type BenefitResolver struct {
	store Store
}

func NewBenefitResolver(store Store) *BenefitResolver {
	return &BenefitResolver{store: store}
}

// ActiveTier returns the user's tier if it exists and is active.
func (b *BenefitResolver) ActiveTier(ctx context.Context, r UserRewards) (*RewardTier, error) {
	if r.CurrentTierID == nil {
		return nil, nil
	}
	t, err := b.store.GetTier(ctx, *r.CurrentTierID)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, nil
	}
	return &t, nil
}

// Resolve loads the user and tier. Users without a record get nil.
func (b *BenefitResolver) Resolve(ctx context.Context, userID UserID) (*Benefits, error) {
	r, err := b.store.GetUserRewards(ctx, userID)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tier, err := b.ActiveTier(ctx, r)
	if err != nil {
		return nil, err
	}
	return ResolveBenefits(r, tier), nil
}

// Discount returns the user's tier discount for a subtotal.
func (b *BenefitResolver) Discount(ctx context.Context, userID UserID, subtotalCents int64) (int64, error) {
	r, err := b.store.GetUserRewards(ctx, userID)
	if IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	tier, err := b.ActiveTier(ctx, r)
	if err != nil {
		return 0, err
	}
	return CalculateDiscount(subtotalCents, tier), nil
}
