/*
Package loyalty provides the rewards and tier engine.

PURPOSE:
  Converts completed purchases into a points ledger, derives a customer's
  membership tier from lifetime activity, and resolves the benefits that
  tier (or a manual override) grants: discount percentage, free shipping,
  early access, exclusive products, birthday reward and VIP status.

KEY CONCEPTS IN THIS FILE (types.go):
  - RewardTier: A membership level with thresholds and benefit flags
  - UserRewards: The per-user ledger of accumulators (spend, orders, points)
  - Order: Read-only input from the order/payment pipeline
  - Settlement: Record that an order lifecycle event was already applied
  - PointsActivity: Append-only history of balance changes

DESIGN PRINCIPLES:
  1. Monotonic accumulators: lifetime spend, order count and total points
     only grow. Refunds reduce the spendable balance, never history.
  2. Precision: Multipliers and percentages use decimal.Decimal
  3. Type Safety: Strong typing for IDs prevents mixing user/tier/order IDs
  4. Idempotency: Every order event is settled at most once per action

USAGE:
  engine := loyalty.NewEngine(store, orders, loyalty.Options{})
  result, err := engine.Ledger.AwardPointsFromOrder(ctx, "order-123")

SEE ALSO:
  - multiplier.go: Recency multiplier and points formula
  - evaluator.go: Tier selection
  - benefits.go: Benefit resolution
  - ledger.go: Ledger mutations
  - registry.go: Tier catalog management
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TierID string
type OrderID string
type ProductID string

// =============================================================================
// REWARD TIER - A level in the membership ladder
// =============================================================================

// RewardTier is a membership level. Higher Level is more prestigious.
// Levels are not guaranteed unique; evaluation takes the first match after a
// stable descending sort.
type RewardTier struct {
	ID                 TierID
	Name               string
	Description        string
	Level              int
	DiscountPercentage decimal.Decimal // 0-100

	// Thresholds. nil means "no requirement".
	MinimumSpendingCents *int64
	MinimumOrders        *int64
	MinimumPoints        *int64

	FreeShipping      bool
	EarlyAccess       bool
	ExclusiveProducts bool
	BirthdayReward    bool

	Active    bool
	IsDefault bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Qualifies reports whether every defined threshold is satisfied.
func (t RewardTier) Qualifies(acc Accumulators) bool {
	if t.MinimumSpendingCents != nil && *t.MinimumSpendingCents > acc.LifetimeSpendingCents {
		return false
	}
	if t.MinimumOrders != nil && *t.MinimumOrders > acc.TotalOrders {
		return false
	}
	if t.MinimumPoints != nil && *t.MinimumPoints > acc.TotalPoints {
		return false
	}
	return true
}

// Threshold names a tier threshold, used to clear one in a TierPatch.
type Threshold string

const (
	ThresholdSpending Threshold = "minimum_spending_cents"
	ThresholdOrders   Threshold = "minimum_orders"
	ThresholdPoints   Threshold = "minimum_points"
)

// TierPatch is a partial update. nil fields are left unchanged; thresholds
// listed in Unset are removed.
type TierPatch struct {
	Name                 *string
	Description          *string
	Level                *int
	DiscountPercentage   *decimal.Decimal
	MinimumSpendingCents *int64
	MinimumOrders        *int64
	MinimumPoints        *int64
	Unset                []Threshold
	FreeShipping         *bool
	EarlyAccess          *bool
	ExclusiveProducts    *bool
	BirthdayReward       *bool
	Active               *bool
	IsDefault            *bool
}

// Apply returns a copy of t with the patch applied.
func (p TierPatch) Apply(t RewardTier) RewardTier {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Level != nil {
		t.Level = *p.Level
	}
	if p.DiscountPercentage != nil {
		t.DiscountPercentage = *p.DiscountPercentage
	}
	if p.MinimumSpendingCents != nil {
		t.MinimumSpendingCents = int64Ptr(*p.MinimumSpendingCents)
	}
	if p.MinimumOrders != nil {
		t.MinimumOrders = int64Ptr(*p.MinimumOrders)
	}
	if p.MinimumPoints != nil {
		t.MinimumPoints = int64Ptr(*p.MinimumPoints)
	}
	for _, th := range p.Unset {
		switch th {
		case ThresholdSpending:
			t.MinimumSpendingCents = nil
		case ThresholdOrders:
			t.MinimumOrders = nil
		case ThresholdPoints:
			t.MinimumPoints = nil
		}
	}
	if p.FreeShipping != nil {
		t.FreeShipping = *p.FreeShipping
	}
	if p.EarlyAccess != nil {
		t.EarlyAccess = *p.EarlyAccess
	}
	if p.ExclusiveProducts != nil {
		t.ExclusiveProducts = *p.ExclusiveProducts
	}
	if p.BirthdayReward != nil {
		t.BirthdayReward = *p.BirthdayReward
	}
	if p.Active != nil {
		t.Active = *p.Active
	}
	if p.IsDefault != nil {
		t.IsDefault = *p.IsDefault
	}
	return t
}

// =============================================================================
// USER REWARDS - Per-user ledger record
// =============================================================================

// Accumulators are the inputs to tier evaluation.
type Accumulators struct {
	LifetimeSpendingCents int64
	TotalOrders           int64
	TotalPoints           int64
}

// UserRewards is the one-per-user ledger record.
type UserRewards struct {
	UserID        UserID
	CurrentTierID *TierID

	LifetimeSpendingCents int64
	TotalOrders           int64
	TotalPoints           int64 // lifetime earned
	AvailablePoints       int64 // spendable, never negative
	RedeemedPoints        int64

	LastPaymentDate *time.Time

	IsVIP    bool
	VIPNotes *string

	// nil defers to the tier's free shipping flag.
	FreeShippingOverride *bool

	TierJoinedAt   *time.Time
	TierUpgradedAt *time.Time

	// Set by AssignTierToUser. Evaluation only moves a manually assigned
	// user to a strictly higher level, which clears the flag.
	TierAssignedManually bool

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic concurrency token. 0 means "not yet stored".
	Version int64
}

func (r UserRewards) Accumulators() Accumulators {
	return Accumulators{
		LifetimeSpendingCents: r.LifetimeSpendingCents,
		TotalOrders:           r.TotalOrders,
		TotalPoints:           r.TotalPoints,
	}
}

// HasTier reports whether the user currently references a tier.
func (r UserRewards) HasTier() bool { return r.CurrentTierID != nil }

// PointsBalance is the read model for a user's points.
type PointsBalance struct {
	UserID          UserID
	AvailablePoints int64
	TotalPoints     int64
	RedeemedPoints  int64
}

// Benefits are the effective perks for a user.
type Benefits struct {
	TierID             *TierID
	DiscountPercentage decimal.Decimal
	FreeShipping       bool
	EarlyAccess        bool
	ExclusiveProducts  bool
	BirthdayReward     bool
	IsVIP              bool
}

// =============================================================================
// ORDER - External input from the order/payment pipeline
// =============================================================================

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentFailed            PaymentStatus = "failed"
)

type Payment struct {
	Status            PaymentStatus
	PaidAt            *time.Time
	RefundAmountCents int64
}

type OrderItem struct {
	ProductID       ProductID
	TotalPriceCents int64
}

// Order is owned by the order collaborator. The engine only writes back
// PointsEarned and PointsMultiplier.
type Order struct {
	ID         OrderID
	UserID     UserID // empty for guest checkout
	Items      []OrderItem
	TotalCents int64
	Payment    Payment

	PointsEarned     int64
	PointsMultiplier decimal.Decimal
}

func (o Order) IsGuest() bool { return o.UserID == "" }

// =============================================================================
// SETTLEMENT - Per-order idempotency record
// =============================================================================

type SettlementAction string

const (
	// SettleOrderRecorded marks that spend and order count were counted.
	SettleOrderRecorded SettlementAction = "order_recorded"
	// SettlePointsAwarded marks that points were credited for the order.
	SettlePointsAwarded SettlementAction = "points_awarded"
	// SettlePointsDeducted carries the cumulative refund deduction target.
	SettlePointsDeducted SettlementAction = "points_deducted"
)

// Settlement records that an action was applied for an order.
type Settlement struct {
	OrderID    OrderID
	Action     SettlementAction
	UserID     UserID
	Points     int64
	Multiplier decimal.Decimal
	SettledAt  time.Time
}

// =============================================================================
// POINTS ACTIVITY - Append-only history
// =============================================================================

type ActivityType string

const (
	ActivityEarn   ActivityType = "earn"
	ActivityRefund ActivityType = "refund"
	ActivityAdjust ActivityType = "adjust"
)

// PointsActivity is one applied change to a user's available balance.
// Points is signed: positive credits, negative debits.
type PointsActivity struct {
	ID        string
	UserID    UserID
	Type      ActivityType
	Points    int64
	OrderID   OrderID
	Reason    string
	CreatedAt time.Time
}

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }
