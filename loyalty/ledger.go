/*
ledger.go - Points ledger mutations

PURPOSE:
  Owns every write to UserRewards: awarding points for paid orders,
  deducting them on refunds, manual credits, tier assignment and the
  VIP / free shipping flags.

ATOMICITY:
  Each operation is one transaction: read the record, compute deltas,
  write the record, settlement and activity entries, re-evaluate the tier,
  commit. A stale read fails the commit with ErrConcurrentModification and
  the whole computation is redone (runTx), so two concurrent awards for the
  same user never lose an update. Different users never share a lock.

IDEMPOTENCY:
  Order events are settled per (orderID, action):
    order_recorded   lifetime spend + order count, once per order
    points_awarded   points credited, once per order
    points_deducted  cumulative refund target; repeats deduct only the delta
  A repeated award returns the first result and re-applies the order
  annotation, so a failed annotation write is repaired by retrying. The
  annotation is written after commit; if it fails the award still returns
  its result together with ErrOrderNotAnnotated.

MANUAL TIERS:
  AssignTierToUser pins the tier. Evaluation (awards, ReevaluateTier,
  ReevaluateAll) only moves a pinned user to a strictly higher level.

NEGATIVE BALANCES:
  AvailablePoints never drops below zero. Refund deductions and negative
  manual corrections are clamped at the mutation boundary.
*/
package loyalty

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PointsLedger mutates user ledgers.
type PointsLedger struct {
	store  TxStore
	orders Orders
	opts   Options
}

func NewPointsLedger(store TxStore, orders Orders, opts Options) *PointsLedger {
	return &PointsLedger{store: store, orders: orders, opts: opts.withDefaults()}
}

// AwardResult describes the points credited for an order.
type AwardResult struct {
	PointsEarned   int64
	Multiplier     decimal.Decimal
	TierID         *TierID
	TierChanged    bool
	AlreadySettled bool
}

// DeductResult describes a refund deduction. Requested is the cumulative
// target for the order; Deducted is what this call removed.
type DeductResult struct {
	Requested int64
	Deducted  int64
}

// =============================================================================
// INITIALIZATION
// =============================================================================

// Initialize returns the user's record, creating it on first use.
func (l *PointsLedger) Initialize(ctx context.Context, userID UserID) (UserRewards, error) {
	var out UserRewards
	err := l.mutate(ctx, userID, func(s Store) error {
		r, err := s.GetUserRewards(ctx, userID)
		if err == nil {
			out = r
			return nil
		}
		if !IsNotFound(err) {
			return err
		}
		r, err = l.newUserRewards(ctx, s, userID)
		if err != nil {
			return err
		}
		if err := s.SaveUserRewards(ctx, r); err != nil {
			return err
		}
		r.Version++
		out = r
		return nil
	})
	return out, err
}

func (l *PointsLedger) newUserRewards(ctx context.Context, s Store, userID UserID) (UserRewards, error) {
	now := l.opts.Clock.Now()
	r := UserRewards{UserID: userID, CreatedAt: now, UpdatedAt: now}
	def, err := defaultTier(ctx, s)
	if err != nil {
		return UserRewards{}, err
	}
	if def != nil {
		id := def.ID
		r.CurrentTierID = &id
		r.TierJoinedAt = timePtr(now)
	}
	l.opts.Logger.Info("user rewards initialized", zap.String("user_id", string(userID)))
	return r, nil
}

func (l *PointsLedger) loadOrCreate(ctx context.Context, s Store, userID UserID) (UserRewards, error) {
	r, err := s.GetUserRewards(ctx, userID)
	if IsNotFound(err) {
		return l.newUserRewards(ctx, s, userID)
	}
	return r, err
}

// =============================================================================
// ORDER SETTLEMENT
// =============================================================================

// AwardPointsFromOrder credits points for a paid order and re-evaluates the
// user's tier. Guest orders earn nothing and mutate nothing.
func (l *PointsLedger) AwardPointsFromOrder(ctx context.Context, orderID OrderID) (AwardResult, error) {
	order, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return AwardResult{}, err
	}
	if order.IsGuest() {
		return AwardResult{PointsEarned: 0, Multiplier: BaseMultiplier}, nil
	}
	eligible, err := l.eligibleSpending(ctx, order)
	if err != nil {
		return AwardResult{}, err
	}

	paidAt := l.opts.Clock.Now()
	if order.Payment.PaidAt != nil {
		paidAt = *order.Payment.PaidAt
	}

	var result AwardResult
	err = l.mutate(ctx, order.UserID, func(s Store) error {
		result = AwardResult{}
		if prior, ok, err := s.GetSettlement(ctx, orderID, SettlePointsAwarded); err != nil {
			return err
		} else if ok {
			result = AwardResult{PointsEarned: prior.Points, Multiplier: prior.Multiplier, AlreadySettled: true}
			r, err := s.GetUserRewards(ctx, order.UserID)
			if err != nil {
				return err
			}
			result.TierID = r.CurrentTierID
			return nil
		}

		r, err := l.loadOrCreate(ctx, s, order.UserID)
		if err != nil {
			return err
		}
		if _, err := l.recordOrder(ctx, s, &r, order); err != nil {
			return err
		}

		result.Multiplier = BaseMultiplier
		if eligible > 0 {
			result.Multiplier = RecencyMultiplier(DaysSince(r.LastPaymentDate, paidAt))
			result.PointsEarned = PointsForSpend(eligible, result.Multiplier)
			r.TotalPoints += result.PointsEarned
			r.AvailablePoints += result.PointsEarned
			if r.LastPaymentDate == nil || paidAt.After(*r.LastPaymentDate) {
				r.LastPaymentDate = timePtr(paidAt)
			}
			if err := l.appendActivity(ctx, s, r.UserID, ActivityEarn, result.PointsEarned, orderID, ""); err != nil {
				return err
			}
		}

		if err := s.SaveSettlement(ctx, Settlement{
			OrderID:    orderID,
			Action:     SettlePointsAwarded,
			UserID:     r.UserID,
			Points:     result.PointsEarned,
			Multiplier: result.Multiplier,
			SettledAt:  l.opts.Clock.Now(),
		}); err != nil {
			return err
		}

		if result.TierChanged, err = l.applyTierEvaluation(ctx, s, &r); err != nil {
			return err
		}
		result.TierID = r.CurrentTierID
		return l.save(ctx, s, r)
	})
	if err != nil {
		return AwardResult{}, err
	}

	if err := l.orders.SetOrderPointsInfo(ctx, orderID, result.PointsEarned, result.Multiplier); err != nil {
		l.opts.Logger.Warn("points settled but order not annotated",
			zap.String("order_id", string(orderID)), zap.Error(err))
		return result, fmt.Errorf("%w: order %s: %w", ErrOrderNotAnnotated, orderID, err)
	}

	if result.AlreadySettled {
		l.opts.Logger.Debug("order already awarded",
			zap.String("order_id", string(orderID)), zap.String("user_id", string(order.UserID)))
	} else {
		l.opts.Logger.Info("points awarded",
			zap.String("order_id", string(orderID)),
			zap.String("user_id", string(order.UserID)),
			zap.Int64("eligible_cents", eligible),
			zap.Int64("points", result.PointsEarned),
			zap.String("multiplier", result.Multiplier.String()),
			zap.Bool("tier_changed", result.TierChanged))
	}
	return result, nil
}

// UpdateUserRewardsFromOrder counts the order's spend and bumps the order
// count without awarding points. It shares the order_recorded settlement
// with AwardPointsFromOrder, so running both never double counts.
func (l *PointsLedger) UpdateUserRewardsFromOrder(ctx context.Context, orderID OrderID) (UserRewards, error) {
	order, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return UserRewards{}, err
	}
	if order.IsGuest() {
		return UserRewards{}, nil
	}
	var out UserRewards
	err = l.mutate(ctx, order.UserID, func(s Store) error {
		r, err := l.loadOrCreate(ctx, s, order.UserID)
		if err != nil {
			return err
		}
		recorded, err := l.recordOrder(ctx, s, &r, order)
		if err != nil {
			return err
		}
		if !recorded {
			out = r
			return nil
		}
		if _, err := l.applyTierEvaluation(ctx, s, &r); err != nil {
			return err
		}
		if err := l.save(ctx, s, r); err != nil {
			return err
		}
		r.Version++
		out = r
		return nil
	})
	return out, err
}

// recordOrder adds the order total to lifetime spend and bumps the order
// count, once per order. Returns false if the order was already recorded.
func (l *PointsLedger) recordOrder(ctx context.Context, s Store, r *UserRewards, order Order) (bool, error) {
	if _, ok, err := s.GetSettlement(ctx, order.ID, SettleOrderRecorded); err != nil || ok {
		return false, err
	}
	r.LifetimeSpendingCents += max(order.TotalCents, 0)
	r.TotalOrders++
	return true, s.SaveSettlement(ctx, Settlement{
		OrderID:    order.ID,
		Action:     SettleOrderRecorded,
		UserID:     r.UserID,
		Multiplier: decimal.Zero,
		SettledAt:  l.opts.Clock.Now(),
	})
}

// DeductPointsFromRefund removes points earned on a refunded order.
// Partially refunded orders deduct round(pointsEarned * refund / total).
func (l *PointsLedger) DeductPointsFromRefund(ctx context.Context, orderID OrderID) (DeductResult, error) {
	order, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return DeductResult{}, err
	}
	if order.IsGuest() {
		return DeductResult{}, nil
	}

	var result DeductResult
	err = l.mutate(ctx, order.UserID, func(s Store) error {
		result = DeductResult{}
		earned := order.PointsEarned
		if awarded, ok, err := s.GetSettlement(ctx, orderID, SettlePointsAwarded); err != nil {
			return err
		} else if ok {
			earned = awarded.Points
		}
		if earned <= 0 {
			return nil
		}

		r, err := s.GetUserRewards(ctx, order.UserID)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		target := earned
		if order.Payment.Status == PaymentPartiallyRefunded {
			target = min(scalePoints(earned, order.Payment.RefundAmountCents, order.TotalCents), earned)
		}
		result.Requested = target

		var already int64
		if prior, ok, err := s.GetSettlement(ctx, orderID, SettlePointsDeducted); err != nil {
			return err
		} else if ok {
			already = prior.Points
		}
		delta := target - already
		if delta <= 0 {
			return nil
		}

		result.Deducted = min(delta, r.AvailablePoints)
		r.AvailablePoints -= result.Deducted

		if err := s.SaveSettlement(ctx, Settlement{
			OrderID:    orderID,
			Action:     SettlePointsDeducted,
			UserID:     r.UserID,
			Points:     target,
			Multiplier: decimal.Zero,
			SettledAt:  l.opts.Clock.Now(),
		}); err != nil {
			return err
		}
		if result.Deducted > 0 {
			if err := l.appendActivity(ctx, s, r.UserID, ActivityRefund, -result.Deducted, orderID, ""); err != nil {
				return err
			}
		}
		return l.save(ctx, s, r)
	})
	if err != nil {
		return DeductResult{}, err
	}
	l.opts.Logger.Info("refund points settled",
		zap.String("order_id", string(orderID)),
		zap.String("user_id", string(order.UserID)),
		zap.Int64("requested", result.Requested),
		zap.Int64("deducted", result.Deducted))
	return result, nil
}

func (l *PointsLedger) eligibleSpending(ctx context.Context, order Order) (int64, error) {
	var total int64
	for _, item := range order.Items {
		ok, err := l.orders.ProductEligibleForRewards(ctx, item.ProductID)
		if err != nil {
			return 0, err
		}
		if ok {
			total += item.TotalPriceCents
		}
	}
	return total, nil
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

// AddPoints credits (or, when negative, debits) points manually. Both
// balances are floored at zero.
func (l *PointsLedger) AddPoints(ctx context.Context, userID UserID, points int64, reason string) (UserRewards, error) {
	var out UserRewards
	err := l.mutate(ctx, userID, func(s Store) error {
		r, err := l.loadOrCreate(ctx, s, userID)
		if err != nil {
			return err
		}
		before := r.AvailablePoints
		r.TotalPoints = max(r.TotalPoints+points, 0)
		r.AvailablePoints = max(r.AvailablePoints+points, 0)
		if applied := r.AvailablePoints - before; applied != 0 {
			if err := l.appendActivity(ctx, s, userID, ActivityAdjust, applied, "", reason); err != nil {
				return err
			}
		}
		if _, err := l.applyTierEvaluation(ctx, s, &r); err != nil {
			return err
		}
		if err := l.save(ctx, s, r); err != nil {
			return err
		}
		r.Version++
		out = r
		return nil
	})
	if err != nil {
		return UserRewards{}, err
	}
	l.opts.Logger.Info("manual points adjustment",
		zap.String("user_id", string(userID)), zap.Int64("points", points), zap.String("reason", reason))
	return out, nil
}

// AssignTierToUser sets the tier directly, bypassing evaluation, and pins it
// against later downgrades by evaluation. A strictly higher level stamps
// TierUpgradedAt; anything else stamps TierJoinedAt.
func (l *PointsLedger) AssignTierToUser(ctx context.Context, userID UserID, tierID TierID) (UserRewards, error) {
	var out UserRewards
	err := l.mutate(ctx, userID, func(s Store) error {
		target, err := s.GetTier(ctx, tierID)
		if err != nil {
			return err
		}
		if !target.Active {
			return &InvalidStateError{Reason: "cannot assign inactive tier " + string(tierID)}
		}
		r, err := l.loadOrCreate(ctx, s, userID)
		if err != nil {
			return err
		}

		upgrade := false
		if r.CurrentTierID != nil {
			current, err := s.GetTier(ctx, *r.CurrentTierID)
			if err != nil && !IsNotFound(err) {
				return err
			}
			upgrade = err == nil && target.Level > current.Level
		}
		now := l.opts.Clock.Now()
		if upgrade {
			r.TierUpgradedAt = timePtr(now)
		} else {
			r.TierJoinedAt = timePtr(now)
		}
		id := target.ID
		r.CurrentTierID = &id
		r.TierAssignedManually = true
		if err := l.save(ctx, s, r); err != nil {
			return err
		}
		r.Version++
		out = r
		return nil
	})
	if err != nil {
		return UserRewards{}, err
	}
	l.opts.Logger.Info("tier assigned",
		zap.String("user_id", string(userID)), zap.String("tier_id", string(tierID)))
	return out, nil
}

// SetVIPStatus flags the user as VIP. Empty notes clear VIPNotes.
func (l *PointsLedger) SetVIPStatus(ctx context.Context, userID UserID, isVIP bool, notes string) (UserRewards, error) {
	return l.update(ctx, userID, func(r *UserRewards) {
		r.IsVIP = isVIP
		r.VIPNotes = nil
		if notes != "" {
			r.VIPNotes = &notes
		}
	})
}

// SetFreeShippingOverride sets or (with nil) clears the override.
func (l *PointsLedger) SetFreeShippingOverride(ctx context.Context, userID UserID, override *bool) (UserRewards, error) {
	return l.update(ctx, userID, func(r *UserRewards) {
		if override == nil {
			r.FreeShippingOverride = nil
			return
		}
		v := *override
		r.FreeShippingOverride = &v
	})
}

// ReevaluateTier re-runs tier evaluation for one user, e.g. after the
// catalog changed. Returns whether the tier changed.
func (l *PointsLedger) ReevaluateTier(ctx context.Context, userID UserID) (bool, error) {
	var changed bool
	err := l.mutate(ctx, userID, func(s Store) error {
		r, err := s.GetUserRewards(ctx, userID)
		if err != nil {
			return err
		}
		if changed, err = l.applyTierEvaluation(ctx, s, &r); err != nil || !changed {
			return err
		}
		return l.save(ctx, s, r)
	})
	return changed, err
}

// ReevaluateAll re-runs tier evaluation for every user and returns how many
// changed tier.
func (l *PointsLedger) ReevaluateAll(ctx context.Context) (int, error) {
	users, err := l.store.ListUserRewards(ctx, UserFilter{})
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		ok, err := l.ReevaluateTier(ctx, u.UserID)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *PointsLedger) mutate(ctx context.Context, userID UserID, fn func(Store) error) error {
	return runTx(ctx, l.store, l.opts, "user:"+string(userID), fn)
}

func (l *PointsLedger) update(ctx context.Context, userID UserID, fn func(*UserRewards)) (UserRewards, error) {
	var out UserRewards
	err := l.mutate(ctx, userID, func(s Store) error {
		r, err := l.loadOrCreate(ctx, s, userID)
		if err != nil {
			return err
		}
		fn(&r)
		if err := l.save(ctx, s, r); err != nil {
			return err
		}
		r.Version++
		out = r
		return nil
	})
	return out, err
}

func (l *PointsLedger) save(ctx context.Context, s Store, r UserRewards) error {
	r.UpdatedAt = l.opts.Clock.Now()
	return s.SaveUserRewards(ctx, r)
}

// applyTierEvaluation patches the tier from the current accumulators.
func (l *PointsLedger) applyTierEvaluation(ctx context.Context, s Store, r *UserRewards) (bool, error) {
	tiers, err := s.ListTiers(ctx)
	if err != nil {
		return false, err
	}
	next := EvaluateTier(r.Accumulators(), tiers, r.CurrentTierID)
	if sameTier(next, r.CurrentTierID) {
		return false, nil
	}
	current, hasCurrent := findTier(tiers, r.CurrentTierID)
	target, _ := findTier(tiers, next)
	if r.TierAssignedManually && hasCurrent && current.Active && target.Level <= current.Level {
		return false, nil
	}

	now := l.opts.Clock.Now()
	switch {
	case !hasCurrent:
		r.TierJoinedAt = timePtr(now)
		if r.CurrentTierID == nil {
			r.TierUpgradedAt = timePtr(now)
		}
	case target.Level > current.Level:
		r.TierUpgradedAt = timePtr(now)
	default:
		r.TierJoinedAt = timePtr(now)
	}
	r.CurrentTierID = next
	r.TierAssignedManually = false
	l.opts.Logger.Info("tier changed",
		zap.String("user_id", string(r.UserID)), zap.String("tier_id", string(*next)))
	return true, nil
}

func findTier(tiers []RewardTier, id *TierID) (RewardTier, bool) {
	if id == nil {
		return RewardTier{}, false
	}
	for _, t := range tiers {
		if t.ID == *id {
			return t, true
		}
	}
	return RewardTier{}, false
}

func (l *PointsLedger) appendActivity(ctx context.Context, s Store, userID UserID, typ ActivityType, points int64, orderID OrderID, reason string) error {
	return s.AppendActivity(ctx, PointsActivity{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Points:    points,
		OrderID:   orderID,
		Reason:    reason,
		CreatedAt: l.opts.Clock.Now(),
	})
}
