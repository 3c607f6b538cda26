/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loyalty domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Tiers:
    TierDTO (wraps factory.TierJSON), UpdateTierRequest

  Users:
    UserRewardsDTO, BenefitsDTO, PointsBalanceDTO, ActivityDTO, DiscountDTO

  Admin:
    AddPointsRequest, AssignTierRequest, VIPRequest, FreeShippingRequest

  Order pipeline:
    OrderEventRequest, AwardDTO, DeductDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.
  Money is always integer cents; percentages and multipliers are decimal
  strings.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/tier.go: TierJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// TIERS
// =============================================================================

// TierDTO represents a reward tier in API responses.
type TierDTO struct {
	factory.TierJSON
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// UpdateTierRequest is a partial tier update. Omitted fields are unchanged.
type UpdateTierRequest struct {
	Name                 *string             `json:"name,omitempty"`
	Description          *string             `json:"description,omitempty"`
	Level                *int                `json:"level,omitempty"`
	DiscountPercentage   *decimal.Decimal    `json:"discount_percentage,omitempty"`
	MinimumSpendingCents *int64              `json:"minimum_spending_cents,omitempty"`
	MinimumOrders        *int64              `json:"minimum_orders,omitempty"`
	MinimumPoints        *int64              `json:"minimum_points,omitempty"`
	Unset                []loyalty.Threshold `json:"unset,omitempty"`
	FreeShipping         *bool               `json:"free_shipping,omitempty"`
	EarlyAccess          *bool               `json:"early_access,omitempty"`
	ExclusiveProducts    *bool               `json:"exclusive_products,omitempty"`
	BirthdayReward       *bool               `json:"birthday_reward,omitempty"`
	Active               *bool               `json:"active,omitempty"`
	IsDefault            *bool               `json:"is_default,omitempty"`
}

func (r UpdateTierRequest) toPatch() loyalty.TierPatch {
	return loyalty.TierPatch{
		Name:                 r.Name,
		Description:          r.Description,
		Level:                r.Level,
		DiscountPercentage:   r.DiscountPercentage,
		MinimumSpendingCents: r.MinimumSpendingCents,
		MinimumOrders:        r.MinimumOrders,
		MinimumPoints:        r.MinimumPoints,
		Unset:                r.Unset,
		FreeShipping:         r.FreeShipping,
		EarlyAccess:          r.EarlyAccess,
		ExclusiveProducts:    r.ExclusiveProducts,
		BirthdayReward:       r.BirthdayReward,
		Active:               r.Active,
		IsDefault:            r.IsDefault,
	}
}

// =============================================================================
// USERS
// =============================================================================

// UserRewardsDTO represents a user's ledger record.
type UserRewardsDTO struct {
	UserID                string  `json:"user_id"`
	CurrentTierID         *string `json:"current_tier_id"`
	LifetimeSpendingCents int64   `json:"lifetime_spending_cents"`
	TotalOrders           int64   `json:"total_orders"`
	TotalPoints           int64   `json:"total_points"`
	AvailablePoints       int64   `json:"available_points"`
	RedeemedPoints        int64   `json:"redeemed_points"`
	LastPaymentDate       *string `json:"last_payment_date,omitempty"`
	IsVIP                 bool    `json:"is_vip"`
	VIPNotes              *string `json:"vip_notes,omitempty"`
	FreeShippingOverride  *bool   `json:"free_shipping_override"`
	TierJoinedAt          *string `json:"tier_joined_at,omitempty"`
	TierUpgradedAt        *string `json:"tier_upgraded_at,omitempty"`
	TierAssignedManually  bool    `json:"tier_assigned_manually"`
	UpdatedAt             string  `json:"updated_at"`
}

// BenefitsDTO is the effective benefit set for a user.
type BenefitsDTO struct {
	TierID             *string         `json:"tier_id"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	FreeShipping       bool            `json:"free_shipping"`
	EarlyAccess        bool            `json:"early_access"`
	ExclusiveProducts  bool            `json:"exclusive_products"`
	BirthdayReward     bool            `json:"birthday_reward"`
	IsVIP              bool            `json:"is_vip"`
}

// PointsBalanceDTO represents a user's points balance.
type PointsBalanceDTO struct {
	UserID              string          `json:"user_id"`
	AvailablePoints     int64           `json:"available_points"`
	TotalPoints         int64           `json:"total_points"`
	RedeemedPoints      int64           `json:"redeemed_points"`
	NextVisitMultiplier decimal.Decimal `json:"next_visit_multiplier"`
}

// ActivityDTO is one points history entry.
type ActivityDTO struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Points    int64  `json:"points"`
	OrderID   string `json:"order_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// DiscountDTO is the checkout discount quote for a subtotal.
type DiscountDTO struct {
	UserID             string          `json:"user_id"`
	SubtotalCents      int64           `json:"subtotal_cents"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	DiscountCents      int64           `json:"discount_cents"`
	FreeShipping       bool            `json:"free_shipping"`
}

// =============================================================================
// ADMIN
// =============================================================================

// AddPointsRequest credits (or, when negative, corrects) a user's points.
type AddPointsRequest struct {
	Points int64  `json:"points"`
	Reason string `json:"reason"`
}

type AssignTierRequest struct {
	TierID string `json:"tier_id"`
}

type VIPRequest struct {
	IsVIP bool   `json:"is_vip"`
	Notes string `json:"notes,omitempty"`
}

// FreeShippingRequest sets or, with a null override, clears the override.
type FreeShippingRequest struct {
	Override *bool `json:"override"`
}

type ProductRequest struct {
	EligibleForRewards bool `json:"eligible_for_rewards"`
}

// ReevaluateDTO reports a tier re-evaluation.
type ReevaluateDTO struct {
	Changed int `json:"changed"`
}

// =============================================================================
// ORDER PIPELINE
// =============================================================================

// OrderEventRequest carries the order snapshot at the time of a payment
// transition.
type OrderEventRequest struct {
	OrderID           string             `json:"order_id"`
	UserID            string             `json:"user_id,omitempty"` // empty for guest checkout
	TotalCents        int64              `json:"total_cents"`
	PaymentStatus     string             `json:"payment_status"`
	PaidAt            *time.Time         `json:"paid_at,omitempty"`
	RefundAmountCents int64              `json:"refund_amount_cents,omitempty"`
	Items             []OrderItemRequest `json:"items"`
}

type OrderItemRequest struct {
	ProductID       string `json:"product_id"`
	TotalPriceCents int64  `json:"total_price_cents"`
}

func (r OrderEventRequest) toOrder() loyalty.Order {
	o := loyalty.Order{
		ID:         loyalty.OrderID(r.OrderID),
		UserID:     loyalty.UserID(r.UserID),
		TotalCents: r.TotalCents,
		Payment: loyalty.Payment{
			Status:            loyalty.PaymentStatus(r.PaymentStatus),
			PaidAt:            r.PaidAt,
			RefundAmountCents: r.RefundAmountCents,
		},
	}
	for _, item := range r.Items {
		o.Items = append(o.Items, loyalty.OrderItem{
			ProductID:       loyalty.ProductID(item.ProductID),
			TotalPriceCents: item.TotalPriceCents,
		})
	}
	return o
}

// AwardDTO is the response to a paid-order event.
type AwardDTO struct {
	OrderID        string          `json:"order_id"`
	PointsEarned   int64           `json:"points_earned"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	TierID         *string         `json:"tier_id"`
	TierChanged    bool            `json:"tier_changed"`
	AlreadySettled bool            `json:"already_settled"`
}

// DeductDTO is the response to a refund event.
type DeductDTO struct {
	OrderID   string `json:"order_id"`
	Requested int64  `json:"requested"`
	Deducted  int64  `json:"deducted"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTierDTO(f *factory.TierFactory, t loyalty.RewardTier) TierDTO {
	return TierDTO{
		TierJSON:  f.ToJSON(t),
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
	}
}

func toUserRewardsDTO(r loyalty.UserRewards) UserRewardsDTO {
	return UserRewardsDTO{
		UserID:                string(r.UserID),
		CurrentTierID:         tierIDPtr(r.CurrentTierID),
		LifetimeSpendingCents: r.LifetimeSpendingCents,
		TotalOrders:           r.TotalOrders,
		TotalPoints:           r.TotalPoints,
		AvailablePoints:       r.AvailablePoints,
		RedeemedPoints:        r.RedeemedPoints,
		LastPaymentDate:       formatTimePtr(r.LastPaymentDate),
		IsVIP:                 r.IsVIP,
		VIPNotes:              r.VIPNotes,
		FreeShippingOverride:  r.FreeShippingOverride,
		TierJoinedAt:          formatTimePtr(r.TierJoinedAt),
		TierUpgradedAt:        formatTimePtr(r.TierUpgradedAt),
		TierAssignedManually:  r.TierAssignedManually,
		UpdatedAt:             r.UpdatedAt.Format(time.RFC3339),
	}
}

func toUserRewardsDTOs(users []loyalty.UserRewards) []UserRewardsDTO {
	dtos := make([]UserRewardsDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserRewardsDTO(u)
	}
	return dtos
}

func toBenefitsDTO(b *loyalty.Benefits) BenefitsDTO {
	if b == nil {
		return BenefitsDTO{DiscountPercentage: decimal.Zero}
	}
	return BenefitsDTO{
		TierID:             tierIDPtr(b.TierID),
		DiscountPercentage: b.DiscountPercentage,
		FreeShipping:       b.FreeShipping,
		EarlyAccess:        b.EarlyAccess,
		ExclusiveProducts:  b.ExclusiveProducts,
		BirthdayReward:     b.BirthdayReward,
		IsVIP:              b.IsVIP,
	}
}

func toActivityDTO(a loyalty.PointsActivity) ActivityDTO {
	return ActivityDTO{
		ID:        a.ID,
		Type:      string(a.Type),
		Points:    a.Points,
		OrderID:   string(a.OrderID),
		Reason:    a.Reason,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

func tierIDPtr(id *loyalty.TierID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
