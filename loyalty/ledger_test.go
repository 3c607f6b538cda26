package loyalty_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// AWARD
// =============================================================================

func TestAward_FirstOrderEarnsBaseRate(t *testing.T) {
	// GIVEN: a user with no prior payment
	f := newFixture(t)
	f.paidOrder(t, "o1", "u1", item("p1", 10000))

	// WHEN: the order is awarded
	res, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)

	// THEN: 1.0x, 100 points
	assert.True(t, res.Multiplier.Equal(dec("1")))
	assert.Equal(t, int64(100), res.PointsEarned)
	assert.False(t, res.AlreadySettled)

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.AvailablePoints)
	assert.Equal(t, int64(100), r.TotalPoints)
	assert.Equal(t, int64(10000), r.LifetimeSpendingCents)
	assert.Equal(t, int64(1), r.TotalOrders)
	require.NotNil(t, r.LastPaymentDate)
	assert.True(t, r.LastPaymentDate.Equal(epoch))

	// AND: the order carries the audit annotation
	o, err := f.store.GetOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), o.PointsEarned)
	assert.True(t, o.PointsMultiplier.Equal(dec("1")))
}

func TestAward_RecentCustomerEarnsTriple(t *testing.T) {
	// GIVEN: a user who last paid 10 days ago
	f := newFixture(t)
	f.paidOrder(t, "o1", "u1", item("p1", 10000))
	_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)

	f.clock.Advance(days(10))
	f.paidOrder(t, "o2", "u1", item("p1", 10000))

	// WHEN: the next order is awarded
	res, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o2")
	require.NoError(t, err)

	// THEN: 3.0x, 300 points
	assert.True(t, res.Multiplier.Equal(dec("3")))
	assert.Equal(t, int64(300), res.PointsEarned)

	balance, err := f.engine.GetUserPointsBalance(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance.AvailablePoints)
}

func TestAward_MultiplierBandsFromLastPayment(t *testing.T) {
	tests := []struct {
		gap  int
		want string
	}{
		{14, "3"}, {15, "2"}, {21, "2"}, {22, "1.75"}, {28, "1.75"}, {29, "1.5"}, {35, "1.5"}, {36, "1"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d days", tt.gap), func(t *testing.T) {
			f := newFixture(t)
			f.paidOrder(t, "o1", "u1", item("p1", 1000))
			_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
			require.NoError(t, err)

			f.clock.Advance(days(tt.gap))
			f.paidOrder(t, "o2", "u1", item("p1", 1000))
			res, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o2")
			require.NoError(t, err)
			assert.True(t, res.Multiplier.Equal(dec(tt.want)), "got %s", res.Multiplier)
		})
	}
}

func TestAward_OnlyEligibleItemsEarn(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveProduct(f.ctx, "gift-card", false))
	f.paidOrder(t, "o1", "u1", item("shoes", 6000), item("gift-card", 4000))

	res, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.PointsEarned)

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), r.LifetimeSpendingCents, "lifetime spend counts the whole order")
}

func TestAward_NoEligibleSpendStillCountsOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveProduct(f.ctx, "gift-card", false))
	f.paidOrder(t, "o1", "u1", item("gift-card", 5000))

	res, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, res.PointsEarned)
	assert.True(t, res.Multiplier.Equal(loyalty.BaseMultiplier))

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.TotalOrders)
	assert.Equal(t, int64(5000), r.LifetimeSpendingCents)
	assert.Nil(t, r.LastPaymentDate, "orders that earn nothing do not reset recency")
}

func TestAward_GuestOrderIsNoop(t *testing.T) {
	f := newFixture(t)
	f.paidOrder(t, "o1", "", item("p1", 10000))

	res, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, res.PointsEarned)
	assert.True(t, res.Multiplier.Equal(loyalty.BaseMultiplier))

	users, err := f.engine.GetTopCustomers(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestAward_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "missing")
	require.Error(t, err)
	assert.True(t, loyalty.IsNotFound(err))
}

func TestAward_IdempotentPerOrder(t *testing.T) {
	// GIVEN: an order already awarded
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "bronze", Name: "Bronze", Level: 1, Active: true, IsDefault: true})
	f.paidOrder(t, "o1", "u1", item("p1", 10000))
	first, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)

	// WHEN: the payment webhook is delivered again, days later
	f.clock.Advance(days(3))
	second, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)

	// THEN: the original result is returned and nothing is double counted
	assert.True(t, second.AlreadySettled)
	assert.Equal(t, first.PointsEarned, second.PointsEarned)
	assert.True(t, first.Multiplier.Equal(second.Multiplier))
	assert.Equal(t, tierRef("bronze"), second.TierID)
	assert.Equal(t, first.TierID, second.TierID)

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.AvailablePoints)
	assert.Equal(t, int64(1), r.TotalOrders)
	assert.Equal(t, int64(10000), r.LifetimeSpendingCents)

	history, err := f.engine.GetPointsHistory(f.ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// unannotatedOrders fails every order annotation write.
type unannotatedOrders struct {
	*store.Memory
}

func (unannotatedOrders) SetOrderPointsInfo(context.Context, loyalty.OrderID, int64, decimal.Decimal) error {
	return errors.New("orders service unavailable")
}

func TestAward_AnnotationFailureKeepsSettlement(t *testing.T) {
	// GIVEN: an order service that rejects annotation writes
	f := newFixture(t)
	core, logs := observer.New(zapcore.WarnLevel)
	failing := loyalty.NewEngine(f.store, unannotatedOrders{f.store}, loyalty.Options{Clock: f.clock, Logger: zap.New(core)})
	f.paidOrder(t, "o1", "u1", item("p1", 10000))

	// WHEN: the order is awarded
	res, err := failing.Ledger.AwardPointsFromOrder(f.ctx, "o1")

	// THEN: the settlement stands and the error says only the annotation failed
	require.Error(t, err)
	assert.True(t, errors.Is(err, loyalty.ErrOrderNotAnnotated))
	assert.Equal(t, int64(100), res.PointsEarned)
	assert.False(t, res.AlreadySettled)
	assert.Equal(t, 1, logs.FilterMessage("points settled but order not annotated").Len())

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.AvailablePoints)

	// Retrying through a healthy order service repairs the annotation.
	again, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	o, err := f.store.GetOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), o.PointsEarned)
}

func TestAward_LegacyPathSharesOrderRecord(t *testing.T) {
	f := newFixture(t)
	f.paidOrder(t, "o1", "u1", item("p1", 10000))

	r, err := f.engine.Ledger.UpdateUserRewardsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.TotalOrders)
	assert.Zero(t, r.AvailablePoints, "legacy path awards no points")

	_, err = f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	_, err = f.engine.Ledger.UpdateUserRewardsFromOrder(f.ctx, "o1")
	require.NoError(t, err)

	r, err = f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.TotalOrders)
	assert.Equal(t, int64(10000), r.LifetimeSpendingCents)
	assert.Equal(t, int64(100), r.AvailablePoints)
}

func TestAward_UpgradesTier(t *testing.T) {
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "bronze", Name: "Bronze", Level: 1, Active: true, IsDefault: true})
	f.createTier(t, loyalty.RewardTier{ID: "silver", Name: "Silver", Level: 2, Active: true, MinimumSpendingCents: i64(20000)})

	f.paidOrder(t, "o1", "u1", item("p1", 10000))
	res, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.False(t, res.TierChanged)
	assert.Equal(t, tierRef("bronze"), res.TierID)

	f.clock.Advance(days(1))
	f.paidOrder(t, "o2", "u1", item("p1", 10000))
	res, err = f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o2")
	require.NoError(t, err)
	assert.True(t, res.TierChanged)
	assert.Equal(t, tierRef("silver"), res.TierID)

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, r.TierUpgradedAt)
	assert.True(t, r.TierUpgradedAt.Equal(f.clock.Now()))
	require.NotNil(t, r.TierJoinedAt)
	assert.True(t, r.TierJoinedAt.Equal(epoch), "joined when the record was created")
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestDeduct_ClampsAtZero(t *testing.T) {
	// GIVEN: a user with 50 available points and an order that earned 80
	f := newFixture(t)
	_, err := f.engine.Ledger.AddPoints(f.ctx, "u1", 50, "welcome")
	require.NoError(t, err)

	o := loyalty.Order{
		ID: "o1", UserID: "u1", TotalCents: 8000,
		Items:        []loyalty.OrderItem{item("p1", 8000)},
		Payment:      loyalty.Payment{Status: loyalty.PaymentRefunded, RefundAmountCents: 8000},
		PointsEarned: 80,
	}
	require.NoError(t, f.store.SaveOrder(f.ctx, o))

	// WHEN: the order is fully refunded
	res, err := f.engine.Ledger.DeductPointsFromRefund(f.ctx, "o1")
	require.NoError(t, err)

	// THEN: available points clamp to zero, not -30
	assert.Equal(t, int64(80), res.Requested)
	assert.Equal(t, int64(50), res.Deducted)

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, r.AvailablePoints)
	assert.Equal(t, int64(50), r.TotalPoints, "lifetime earned points are not reversed")
}

func TestDeduct_PartialThenFullRefund(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t, "o1", "u1", item("p1", 10000))
	_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)

	// 50% refund deducts round(100 * 0.5)
	f.refund(t, o, loyalty.PaymentPartiallyRefunded, 5000)
	res, err := f.engine.Ledger.DeductPointsFromRefund(f.ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Deducted)

	// Replaying the same partial refund deducts nothing
	res, err = f.engine.Ledger.DeductPointsFromRefund(f.ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, res.Deducted)

	// The full refund deducts only the remainder
	f.refund(t, o, loyalty.PaymentRefunded, 10000)
	res, err = f.engine.Ledger.DeductPointsFromRefund(f.ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Requested)
	assert.Equal(t, int64(50), res.Deducted)

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, r.AvailablePoints)

	history, err := f.engine.GetPointsHistory(f.ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, loyalty.ActivityRefund, history[0].Type)
	assert.Equal(t, int64(-50), history[0].Points)
	assert.Equal(t, loyalty.ActivityEarn, history[2].Type)
}

func TestDeduct_PartialRefundRounds(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t, "o1", "u1", item("p1", 3000)) // 30 points
	_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)

	f.refund(t, o, loyalty.PaymentPartiallyRefunded, 1000) // 10 points
	res, err := f.engine.Ledger.DeductPointsFromRefund(f.ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Deducted)
}

func TestDeduct_NothingEarnedIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveOrder(f.ctx, loyalty.Order{
		ID: "o1", UserID: "u1", TotalCents: 1000,
		Payment: loyalty.Payment{Status: loyalty.PaymentRefunded},
	}))

	res, err := f.engine.Ledger.DeductPointsFromRefund(f.ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.DeductResult{}, res)

	_, err = f.engine.GetUserRewards(f.ctx, "u1")
	assert.True(t, loyalty.IsNotFound(err), "refunds never create a ledger")
}

func TestAvailablePointsNeverNegative(t *testing.T) {
	f := newFixture(t)
	ops := []func() error{
		func() error { _, err := f.engine.Ledger.AddPoints(f.ctx, "u1", 20, ""); return err },
		func() error { _, err := f.engine.Ledger.AddPoints(f.ctx, "u1", -500, "correction"); return err },
		func() error {
			f.paidOrder(t, "o1", "u1", item("p1", 2500))
			_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
			return err
		},
		func() error { _, err := f.engine.Ledger.AddPoints(f.ctx, "u1", -20, "correction"); return err },
		func() error {
			o, _ := f.store.GetOrder(f.ctx, "o1")
			f.refund(t, o, loyalty.PaymentRefunded, 2500)
			_, err := f.engine.Ledger.DeductPointsFromRefund(f.ctx, "o1")
			return err
		},
	}
	for i, op := range ops {
		require.NoError(t, op(), "op %d", i)
		r, err := f.engine.GetUserRewards(f.ctx, "u1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.AvailablePoints, int64(0), "after op %d", i)
	}
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

func TestAddPoints_NegativeClampsAndLogsAppliedDelta(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Ledger.AddPoints(f.ctx, "u1", 30, "goodwill")
	require.NoError(t, err)

	r, err := f.engine.Ledger.AddPoints(f.ctx, "u1", -100, "fraud reversal")
	require.NoError(t, err)
	assert.Zero(t, r.AvailablePoints)
	assert.Zero(t, r.TotalPoints)

	history, err := f.engine.GetPointsHistory(f.ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, loyalty.ActivityAdjust, history[0].Type)
	assert.Equal(t, int64(-30), history[0].Points)
	assert.Equal(t, "fraud reversal", history[0].Reason)
}

func TestAddPoints_CanReachPointsTier(t *testing.T) {
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "insider", Name: "Insider", Level: 5, Active: true, MinimumPoints: i64(1000)})

	r, err := f.engine.Ledger.AddPoints(f.ctx, "u1", 1000, "campaign")
	require.NoError(t, err)
	assert.Equal(t, tierRef("insider"), r.CurrentTierID)
}

func TestAssignTierToUser(t *testing.T) {
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "bronze", Name: "Bronze", Level: 1, Active: true, IsDefault: true})
	f.createTier(t, loyalty.RewardTier{ID: "gold", Name: "Gold", Level: 3, Active: true})
	f.createTier(t, loyalty.RewardTier{ID: "legacy", Name: "Legacy", Level: 9, Active: false})
	_, err := f.engine.Ledger.Initialize(f.ctx, "u1")
	require.NoError(t, err)

	t.Run("inactive tier rejected", func(t *testing.T) {
		_, err := f.engine.Ledger.AssignTierToUser(f.ctx, "u1", "legacy")
		require.Error(t, err)
		assert.True(t, errors.Is(err, loyalty.ErrInvalidState))
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := f.engine.Ledger.AssignTierToUser(f.ctx, "u1", "nope")
		assert.True(t, loyalty.IsNotFound(err))
	})

	t.Run("higher level stamps upgrade", func(t *testing.T) {
		f.clock.Advance(days(1))
		r, err := f.engine.Ledger.AssignTierToUser(f.ctx, "u1", "gold")
		require.NoError(t, err)
		assert.Equal(t, tierRef("gold"), r.CurrentTierID)
		assert.True(t, r.TierAssignedManually)
		require.NotNil(t, r.TierUpgradedAt)
		assert.True(t, r.TierUpgradedAt.Equal(f.clock.Now()))
		assert.True(t, r.TierJoinedAt.Equal(epoch))
	})

	t.Run("lower level stamps join", func(t *testing.T) {
		f.clock.Advance(days(1))
		r, err := f.engine.Ledger.AssignTierToUser(f.ctx, "u1", "bronze")
		require.NoError(t, err)
		assert.Equal(t, tierRef("bronze"), r.CurrentTierID)
		assert.True(t, r.TierJoinedAt.Equal(f.clock.Now()))
		assert.True(t, r.TierUpgradedAt.Before(f.clock.Now()))
	})
}

func TestSetVIPStatus(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.Ledger.SetVIPStatus(f.ctx, "u1", true, "top reseller")
	require.NoError(t, err)
	assert.True(t, r.IsVIP)
	require.NotNil(t, r.VIPNotes)
	assert.Equal(t, "top reseller", *r.VIPNotes)

	_, err = f.engine.Ledger.SetVIPStatus(f.ctx, "u2", false, "")
	require.NoError(t, err)

	vips, err := f.engine.GetVIPUsers(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, vips, 1)
	assert.Equal(t, loyalty.UserID("u1"), vips[0].UserID)

	r, err = f.engine.Ledger.SetVIPStatus(f.ctx, "u1", false, "")
	require.NoError(t, err)
	assert.False(t, r.IsVIP)
	assert.Nil(t, r.VIPNotes)
}

func TestInitialize_AssignsDefaultTierOnce(t *testing.T) {
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "bronze", Name: "Bronze", Level: 1, Active: true, IsDefault: true})

	r, err := f.engine.Ledger.Initialize(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierRef("bronze"), r.CurrentTierID)
	assert.Equal(t, int64(1), r.Version)

	again, err := f.engine.Ledger.Initialize(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, r, again)
}

func TestReevaluateAll_AppliesCatalogChanges(t *testing.T) {
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "bronze", Name: "Bronze", Level: 1, Active: true, IsDefault: true})
	for i, spend := range []int64{5000, 30000, 90000} {
		id := fmt.Sprintf("o%d", i)
		f.paidOrder(t, id, loyalty.UserID(fmt.Sprintf("u%d", i)), item("p1", spend))
		_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, loyalty.OrderID(id))
		require.NoError(t, err)
	}

	// A new tier appears; nobody moves until re-evaluation.
	f.createTier(t, loyalty.RewardTier{ID: "silver", Name: "Silver", Level: 2, Active: true, MinimumSpendingCents: i64(25000)})
	inSilver, err := f.engine.GetUsersByTier(f.ctx, "silver")
	require.NoError(t, err)
	assert.Empty(t, inSilver)

	changed, err := f.engine.Ledger.ReevaluateAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	inSilver, err = f.engine.GetUsersByTier(f.ctx, "silver")
	require.NoError(t, err)
	assert.Len(t, inSilver, 2)

	changed, err = f.engine.Ledger.ReevaluateAll(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestReevaluate_KeepsManuallyAssignedTier(t *testing.T) {
	// GIVEN: u1 placed in gold by hand without qualifying for it
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "bronze", Name: "Bronze", Level: 1, Active: true, IsDefault: true})
	f.createTier(t, loyalty.RewardTier{ID: "silver", Name: "Silver", Level: 2, Active: true, MinimumSpendingCents: i64(20000)})
	f.createTier(t, loyalty.RewardTier{ID: "gold", Name: "Gold", Level: 3, Active: true, MinimumSpendingCents: i64(150000)})
	_, err := f.engine.Ledger.AssignTierToUser(f.ctx, "u1", "gold")
	require.NoError(t, err)

	// WHEN: a sweep runs
	changed, err := f.engine.Ledger.ReevaluateAll(f.ctx)

	// THEN: the assignment survives
	require.NoError(t, err)
	assert.Zero(t, changed)
	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierRef("gold"), r.CurrentTierID)
	assert.True(t, r.TierAssignedManually)

	// An order qualifying only for a lower tier does not demote either.
	f.paidOrder(t, "o1", "u1", item("p1", 25000))
	res, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	assert.False(t, res.TierChanged)
	assert.Equal(t, tierRef("gold"), res.TierID)
}

func TestReevaluate_ManualTierYieldsToHigherQualifyingTier(t *testing.T) {
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "bronze", Name: "Bronze", Level: 1, Active: true, IsDefault: true})
	f.createTier(t, loyalty.RewardTier{ID: "silver", Name: "Silver", Level: 2, Active: true, MinimumSpendingCents: i64(20000)})
	f.paidOrder(t, "o1", "u1", item("p1", 30000))
	_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)

	// Pinned below what the spend earns.
	_, err = f.engine.Ledger.AssignTierToUser(f.ctx, "u1", "bronze")
	require.NoError(t, err)

	f.clock.Advance(days(1))
	changed, err := f.engine.Ledger.ReevaluateTier(f.ctx, "u1")
	require.NoError(t, err)
	assert.True(t, changed)

	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierRef("silver"), r.CurrentTierID)
	assert.False(t, r.TierAssignedManually)
	assert.True(t, r.TierUpgradedAt.Equal(f.clock.Now()))
}

func TestReevaluate_DowngradeStampsJoinNotUpgrade(t *testing.T) {
	// GIVEN: u1 earned silver on an order
	f := newFixture(t)
	f.createTier(t, loyalty.RewardTier{ID: "bronze", Name: "Bronze", Level: 1, Active: true, IsDefault: true})
	f.createTier(t, loyalty.RewardTier{ID: "silver", Name: "Silver", Level: 2, Active: true, MinimumSpendingCents: i64(20000)})
	f.clock.Advance(days(1))
	f.paidOrder(t, "o1", "u1", item("p1", 30000))
	_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, "o1")
	require.NoError(t, err)
	upgradedAt := f.clock.Now()

	// WHEN: silver's threshold is raised above the user's spend and a sweep runs
	_, err = f.engine.Registry.Update(f.ctx, "silver", loyalty.TierPatch{MinimumSpendingCents: i64(50000)})
	require.NoError(t, err)
	f.clock.Advance(days(1))
	changed, err := f.engine.Ledger.ReevaluateAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	// THEN: the move down is a join, not an upgrade
	r, err := f.engine.GetUserRewards(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tierRef("bronze"), r.CurrentTierID)
	assert.True(t, r.TierJoinedAt.Equal(f.clock.Now()))
	assert.True(t, r.TierUpgradedAt.Equal(upgradedAt))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentAwards_SameUserLosesNoUpdate(t *testing.T) {
	// GIVEN: 20 orders for one user, paid at the same instant
	mem := store.NewMemory()
	clock := newTestClock()
	engine := loyalty.NewEngine(mem, mem, loyalty.Options{Clock: clock, MaxRetries: 1000})
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		paidAt := clock.Now()
		require.NoError(t, mem.SaveOrder(ctx, loyalty.Order{
			ID: loyalty.OrderID(fmt.Sprintf("o%d", i)), UserID: "u1", TotalCents: 1000,
			Items:   []loyalty.OrderItem{item("p1", 1000)},
			Payment: loyalty.Payment{Status: loyalty.PaymentCompleted, PaidAt: &paidAt},
		}))
	}

	// WHEN: they are awarded concurrently
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Ledger.AwardPointsFromOrder(ctx, loyalty.OrderID(fmt.Sprintf("o%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: every order is counted; the first earns 1x, the rest 3x
	r, err := engine.GetUserRewards(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), r.TotalOrders)
	assert.Equal(t, int64(n*1000), r.LifetimeSpendingCents)
	assert.Equal(t, int64(10+(n-1)*30), r.AvailablePoints)
}

func TestConcurrentAwards_DifferentUsers(t *testing.T) {
	f := newFixture(t)
	const n = 16
	for i := 0; i < n; i++ {
		f.paidOrder(t, fmt.Sprintf("o%d", i), loyalty.UserID(fmt.Sprintf("u%d", i)), item("p1", 2000))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Ledger.AwardPointsFromOrder(f.ctx, loyalty.OrderID(fmt.Sprintf("o%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	users, err := f.engine.GetTopCustomers(f.ctx, 0)
	require.NoError(t, err)
	require.Len(t, users, n)
	for _, u := range users {
		assert.Equal(t, int64(20), u.AvailablePoints)
	}
}

// conflictingStore fails every transaction with a stale-write error.
type conflictingStore struct {
	*store.Memory
	attempts int
}

func (s *conflictingStore) WithTx(context.Context, func(loyalty.Store) error) error {
	s.attempts++
	return loyalty.ErrConcurrentModification
}

func TestRetriesExhausted(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cs := &conflictingStore{Memory: store.NewMemory()}
	engine := loyalty.NewEngine(cs, cs, loyalty.Options{Logger: zap.New(core), MaxRetries: 3})

	_, err := engine.Ledger.AddPoints(context.Background(), "u1", 10, "")
	require.Error(t, err)

	var conflict *loyalty.ConcurrencyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 3, conflict.Attempts)
	assert.Equal(t, "user:u1", conflict.Key)
	assert.True(t, errors.Is(err, loyalty.ErrConcurrencyConflict))
	assert.Equal(t, 3, cs.attempts)

	assert.Equal(t, 2, logs.FilterMessage("concurrent modification, retrying").Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}
