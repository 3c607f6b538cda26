package loyalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable Clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: epoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	clock  *testClock
	engine *loyalty.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := newTestClock()
	return &fixture{
		ctx:    context.Background(),
		store:  mem,
		clock:  clock,
		engine: loyalty.NewEngine(mem, mem, loyalty.Options{Clock: clock}),
	}
}

func (f *fixture) createTier(t *testing.T, tier loyalty.RewardTier) loyalty.RewardTier {
	t.Helper()
	created, err := f.engine.Registry.Create(f.ctx, tier)
	require.NoError(t, err)
	return created
}

// paidOrder stores a completed order paid at the fixture's current time.
func (f *fixture) paidOrder(t *testing.T, id string, user loyalty.UserID, items ...loyalty.OrderItem) loyalty.Order {
	t.Helper()
	var total int64
	for _, item := range items {
		total += item.TotalPriceCents
	}
	paidAt := f.clock.Now()
	o := loyalty.Order{
		ID:         loyalty.OrderID(id),
		UserID:     user,
		Items:      items,
		TotalCents: total,
		Payment:    loyalty.Payment{Status: loyalty.PaymentCompleted, PaidAt: &paidAt},
	}
	require.NoError(t, f.store.SaveOrder(f.ctx, o))
	return o
}

// refund marks a stored order as (partially) refunded.
func (f *fixture) refund(t *testing.T, o loyalty.Order, status loyalty.PaymentStatus, amountCents int64) {
	t.Helper()
	o.Payment.Status = status
	o.Payment.RefundAmountCents = amountCents
	require.NoError(t, f.store.SaveOrder(f.ctx, o))
}

func item(product string, cents int64) loyalty.OrderItem {
	return loyalty.OrderItem{ProductID: loyalty.ProductID(product), TotalPriceCents: cents}
}

func i64(v int64) *int64 { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tierRef(id string) *loyalty.TierID {
	tid := loyalty.TierID(id)
	return &tid
}
