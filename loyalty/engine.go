package loyalty

import (
	"context"

	"github.com/shopspring/decimal"
)

// Engine bundles the registry, ledger and benefit resolver and serves the
// read API used by storefront and admin screens.
type Engine struct {
	Registry *TierRegistry
	Ledger   *PointsLedger
	Benefits *BenefitResolver

	store TxStore
	opts  Options
}

// NewEngine wires the components over one store and order collaborator.
func NewEngine(store TxStore, orders Orders, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		Registry: NewTierRegistry(store, opts),
		Ledger:   NewPointsLedger(store, orders, opts),
		Benefits: NewBenefitResolver(store),
		store:    store,
		opts:     opts,
	}
}

// GetUserRewards returns a *NotFoundError for users with no record yet.
func (e *Engine) GetUserRewards(ctx context.Context, userID UserID) (UserRewards, error) {
	return e.store.GetUserRewards(ctx, userID)
}

// GetUserDiscount returns the discount percentage of the user's active tier,
// zero without one.
func (e *Engine) GetUserDiscount(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	b, err := e.Benefits.Resolve(ctx, userID)
	if err != nil || b == nil {
		return decimal.Zero, err
	}
	return b.DiscountPercentage, nil
}

// GetUserTierBenefits returns nil when the user has no tier and no override.
func (e *Engine) GetUserTierBenefits(ctx context.Context, userID UserID) (*Benefits, error) {
	return e.Benefits.Resolve(ctx, userID)
}

// GetUserFreeShipping honours the override before the tier flag.
func (e *Engine) GetUserFreeShipping(ctx context.Context, userID UserID) (bool, error) {
	b, err := e.Benefits.Resolve(ctx, userID)
	if err != nil || b == nil {
		return false, err
	}
	return b.FreeShipping, nil
}

// CalculateDiscount returns the discount in cents for a subtotal.
func (e *Engine) CalculateDiscount(ctx context.Context, userID UserID, subtotalCents int64) (int64, error) {
	return e.Benefits.Discount(ctx, userID, subtotalCents)
}

func (e *Engine) GetUserPointsBalance(ctx context.Context, userID UserID) (PointsBalance, error) {
	r, err := e.store.GetUserRewards(ctx, userID)
	if IsNotFound(err) {
		return PointsBalance{UserID: userID}, nil
	}
	if err != nil {
		return PointsBalance{}, err
	}
	return PointsBalance{
		UserID:          userID,
		AvailablePoints: r.AvailablePoints,
		TotalPoints:     r.TotalPoints,
		RedeemedPoints:  r.RedeemedPoints,
	}, nil
}

// GetNextVisitMultiplier is the multiplier an order paid now would earn.
func (e *Engine) GetNextVisitMultiplier(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	r, err := e.store.GetUserRewards(ctx, userID)
	if IsNotFound(err) {
		return BaseMultiplier, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return RecencyMultiplier(DaysSince(r.LastPaymentDate, e.opts.Clock.Now())), nil
}

func (e *Engine) GetRewardTiers(ctx context.Context, includeInactive bool) ([]RewardTier, error) {
	return e.Registry.List(ctx, includeInactive)
}

// GetTopCustomers ranks users by lifetime spend.
func (e *Engine) GetTopCustomers(ctx context.Context, limit int) ([]UserRewards, error) {
	return e.store.ListUserRewards(ctx, UserFilter{OrderBy: OrderBySpendingDesc, Limit: limit})
}

func (e *Engine) GetUsersByTier(ctx context.Context, tierID TierID) ([]UserRewards, error) {
	return e.store.ListUserRewards(ctx, UserFilter{TierID: &tierID})
}

func (e *Engine) GetVIPUsers(ctx context.Context, limit int) ([]UserRewards, error) {
	return e.store.ListUserRewards(ctx, UserFilter{VIPOnly: true, OrderBy: OrderBySpendingDesc, Limit: limit})
}

// GetPointsHistory returns the newest activity entries first.
func (e *Engine) GetPointsHistory(ctx context.Context, userID UserID, limit int) ([]PointsActivity, error) {
	return e.store.ListActivity(ctx, userID, limit)
}
