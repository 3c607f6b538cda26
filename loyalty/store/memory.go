// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements loyalty.TxStore and loyalty.Orders.
//
// Transactions buffer their writes and validate at commit: every user
// record written must still be at the version the transaction read, and a
// transaction that read the tier catalog (or scanned users) fails if the
// catalog (or the user set) changed underneath it. The lock is only held
// for single reads and for the commit itself, so transactions on different
// users run concurrently.
type Memory struct {
	mu          sync.RWMutex
	tiers       map[loyalty.TierID]loyalty.RewardTier
	users       map[loyalty.UserID]loyalty.UserRewards
	settlements map[settlementKey]loyalty.Settlement
	activity    []loyalty.PointsActivity

	catalogVersion int64
	userSetVersion int64

	orders   map[loyalty.OrderID]loyalty.Order
	products map[loyalty.ProductID]bool
}

type settlementKey struct {
	OrderID loyalty.OrderID
	Action  loyalty.SettlementAction
}

var (
	_ loyalty.TxStore     = (*Memory)(nil)
	_ loyalty.Orders      = (*Memory)(nil)
	_ loyalty.OrderWriter = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		tiers:       make(map[loyalty.TierID]loyalty.RewardTier),
		users:       make(map[loyalty.UserID]loyalty.UserRewards),
		settlements: make(map[settlementKey]loyalty.Settlement),
		orders:      make(map[loyalty.OrderID]loyalty.Order),
		products:    make(map[loyalty.ProductID]bool),
	}
}

// WithTx executes fn against a buffered view and commits if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// =============================================================================
// AUTO-COMMIT STORE METHODS
// =============================================================================

func (m *Memory) GetTier(ctx context.Context, id loyalty.TierID) (t loyalty.RewardTier, err error) {
	err = m.WithTx(ctx, func(s loyalty.Store) error {
		t, err = s.GetTier(ctx, id)
		return err
	})
	return t, err
}

func (m *Memory) ListTiers(ctx context.Context) (tiers []loyalty.RewardTier, err error) {
	err = m.WithTx(ctx, func(s loyalty.Store) error {
		tiers, err = s.ListTiers(ctx)
		return err
	})
	return tiers, err
}

func (m *Memory) SaveTier(ctx context.Context, t loyalty.RewardTier) error {
	return m.WithTx(ctx, func(s loyalty.Store) error { return s.SaveTier(ctx, t) })
}

func (m *Memory) DeleteTier(ctx context.Context, id loyalty.TierID) error {
	return m.WithTx(ctx, func(s loyalty.Store) error { return s.DeleteTier(ctx, id) })
}

func (m *Memory) GetUserRewards(ctx context.Context, id loyalty.UserID) (r loyalty.UserRewards, err error) {
	err = m.WithTx(ctx, func(s loyalty.Store) error {
		r, err = s.GetUserRewards(ctx, id)
		return err
	})
	return r, err
}

func (m *Memory) SaveUserRewards(ctx context.Context, r loyalty.UserRewards) error {
	return m.WithTx(ctx, func(s loyalty.Store) error { return s.SaveUserRewards(ctx, r) })
}

func (m *Memory) ListUserRewards(ctx context.Context, filter loyalty.UserFilter) (out []loyalty.UserRewards, err error) {
	err = m.WithTx(ctx, func(s loyalty.Store) error {
		out, err = s.ListUserRewards(ctx, filter)
		return err
	})
	return out, err
}

func (m *Memory) CountUsersWithTier(ctx context.Context, id loyalty.TierID) (n int, err error) {
	err = m.WithTx(ctx, func(s loyalty.Store) error {
		n, err = s.CountUsersWithTier(ctx, id)
		return err
	})
	return n, err
}

func (m *Memory) GetSettlement(ctx context.Context, orderID loyalty.OrderID, action loyalty.SettlementAction) (st loyalty.Settlement, ok bool, err error) {
	err = m.WithTx(ctx, func(s loyalty.Store) error {
		st, ok, err = s.GetSettlement(ctx, orderID, action)
		return err
	})
	return st, ok, err
}

func (m *Memory) SaveSettlement(ctx context.Context, st loyalty.Settlement) error {
	return m.WithTx(ctx, func(s loyalty.Store) error { return s.SaveSettlement(ctx, st) })
}

func (m *Memory) AppendActivity(ctx context.Context, a loyalty.PointsActivity) error {
	return m.WithTx(ctx, func(s loyalty.Store) error { return s.AppendActivity(ctx, a) })
}

func (m *Memory) ListActivity(ctx context.Context, userID loyalty.UserID, limit int) (out []loyalty.PointsActivity, err error) {
	err = m.WithTx(ctx, func(s loyalty.Store) error {
		out, err = s.ListActivity(ctx, userID, limit)
		return err
	})
	return out, err
}

// =============================================================================
// ORDERS - Stand-in for the order/payment collaborator
// =============================================================================

// SaveOrder stores or replaces an order. Points already annotated on a
// stored order are kept.
func (m *Memory) SaveOrder(_ context.Context, o loyalty.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.orders[o.ID]; ok {
		o.PointsEarned = prev.PointsEarned
		o.PointsMultiplier = prev.PointsMultiplier
	}
	o.Items = append([]loyalty.OrderItem(nil), o.Items...)
	m.orders[o.ID] = o
	return nil
}

// SaveProduct records a product's reward eligibility. Unknown products are eligible.
func (m *Memory) SaveProduct(_ context.Context, id loyalty.ProductID, eligibleForRewards bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = eligibleForRewards
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id loyalty.OrderID) (loyalty.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return loyalty.Order{}, &loyalty.NotFoundError{Kind: "order", ID: string(id)}
	}
	o.Items = append([]loyalty.OrderItem(nil), o.Items...)
	return o, nil
}

func (m *Memory) ProductEligibleForRewards(_ context.Context, id loyalty.ProductID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eligible, ok := m.products[id]
	return !ok || eligible, nil
}

func (m *Memory) SetOrderPointsInfo(_ context.Context, id loyalty.OrderID, points int64, multiplier decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return &loyalty.NotFoundError{Kind: "order", ID: string(id)}
	}
	o.PointsEarned = points
	o.PointsMultiplier = multiplier
	m.orders[id] = o
	return nil
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memTx struct {
	m *Memory

	tiers       map[loyalty.TierID]*loyalty.RewardTier // nil = deleted
	users       map[loyalty.UserID]loyalty.UserRewards
	userBase    map[loyalty.UserID]int64
	settlements map[settlementKey]loyalty.Settlement
	activity    []loyalty.PointsActivity

	catalogRead    bool
	catalogVersion int64
	userScan       bool
	userSetVersion int64
}

func newMemTx(m *Memory) *memTx {
	return &memTx{
		m:           m,
		tiers:       make(map[loyalty.TierID]*loyalty.RewardTier),
		users:       make(map[loyalty.UserID]loyalty.UserRewards),
		userBase:    make(map[loyalty.UserID]int64),
		settlements: make(map[settlementKey]loyalty.Settlement),
	}
}

func (tx *memTx) hasWrites() bool {
	return len(tx.tiers) > 0 || len(tx.users) > 0 || len(tx.settlements) > 0 || len(tx.activity) > 0
}

func (tx *memTx) commit() error {
	if !tx.hasWrites() {
		return nil
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, base := range tx.userBase {
		if _, written := tx.users[id]; !written {
			continue
		}
		if m.users[id].Version != base {
			return loyalty.ErrConcurrentModification
		}
	}
	if tx.catalogRead && m.catalogVersion != tx.catalogVersion {
		return loyalty.ErrConcurrentModification
	}
	if tx.userScan && m.userSetVersion != tx.userSetVersion {
		return loyalty.ErrConcurrentModification
	}

	if len(tx.tiers) > 0 {
		for id, t := range tx.tiers {
			if t == nil {
				delete(m.tiers, id)
				continue
			}
			m.tiers[id] = *t
		}
		m.catalogVersion++
	}
	for id, r := range tx.users {
		prev, existed := m.users[id]
		if !existed || !sameTier(prev.CurrentTierID, r.CurrentTierID) {
			m.userSetVersion++
		}
		m.users[id] = r
	}
	for k, s := range tx.settlements {
		m.settlements[k] = s
	}
	m.activity = append(m.activity, tx.activity...)
	return nil
}

func (tx *memTx) readCatalog() {
	if !tx.catalogRead {
		tx.catalogRead = true
		tx.catalogVersion = tx.m.catalogVersion
	}
}

func (tx *memTx) GetTier(_ context.Context, id loyalty.TierID) (loyalty.RewardTier, error) {
	if t, ok := tx.tiers[id]; ok {
		if t == nil {
			return loyalty.RewardTier{}, &loyalty.NotFoundError{Kind: "tier", ID: string(id)}
		}
		return *t, nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	tx.readCatalog()
	t, ok := tx.m.tiers[id]
	if !ok {
		return loyalty.RewardTier{}, &loyalty.NotFoundError{Kind: "tier", ID: string(id)}
	}
	return t, nil
}

func (tx *memTx) ListTiers(_ context.Context) ([]loyalty.RewardTier, error) {
	tx.m.mu.RLock()
	tx.readCatalog()
	merged := make(map[loyalty.TierID]loyalty.RewardTier, len(tx.m.tiers))
	for id, t := range tx.m.tiers {
		merged[id] = t
	}
	tx.m.mu.RUnlock()

	for id, t := range tx.tiers {
		if t == nil {
			delete(merged, id)
			continue
		}
		merged[id] = *t
	}
	out := make([]loyalty.RewardTier, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) SaveTier(_ context.Context, t loyalty.RewardTier) error {
	tx.tiers[t.ID] = &t
	return nil
}

func (tx *memTx) DeleteTier(_ context.Context, id loyalty.TierID) error {
	tx.tiers[id] = nil
	return nil
}

// committedUser reads the stored record and pins its version as the base.
func (tx *memTx) committedUser(id loyalty.UserID) (loyalty.UserRewards, bool) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	r, ok := tx.m.users[id]
	if _, pinned := tx.userBase[id]; !pinned {
		tx.userBase[id] = r.Version
	}
	return r, ok
}

func (tx *memTx) GetUserRewards(_ context.Context, id loyalty.UserID) (loyalty.UserRewards, error) {
	if r, ok := tx.users[id]; ok {
		return r, nil
	}
	r, ok := tx.committedUser(id)
	if !ok {
		return loyalty.UserRewards{}, &loyalty.NotFoundError{Kind: "user_rewards", ID: string(id)}
	}
	return r, nil
}

func (tx *memTx) SaveUserRewards(_ context.Context, r loyalty.UserRewards) error {
	current, ok := tx.users[r.UserID]
	if !ok {
		current, _ = tx.committedUser(r.UserID)
	}
	if current.Version != r.Version {
		return loyalty.ErrConcurrentModification
	}
	r.Version++
	tx.users[r.UserID] = r
	return nil
}

func (tx *memTx) allUsers() map[loyalty.UserID]loyalty.UserRewards {
	tx.m.mu.RLock()
	if !tx.userScan {
		tx.userScan = true
		tx.userSetVersion = tx.m.userSetVersion
	}
	merged := make(map[loyalty.UserID]loyalty.UserRewards, len(tx.m.users))
	for id, r := range tx.m.users {
		merged[id] = r
	}
	tx.m.mu.RUnlock()
	for id, r := range tx.users {
		merged[id] = r
	}
	return merged
}

func (tx *memTx) ListUserRewards(_ context.Context, filter loyalty.UserFilter) ([]loyalty.UserRewards, error) {
	var out []loyalty.UserRewards
	for _, r := range tx.allUsers() {
		if filter.VIPOnly && !r.IsVIP {
			continue
		}
		if filter.TierID != nil && (r.CurrentTierID == nil || *r.CurrentTierID != *filter.TierID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.OrderBy == loyalty.OrderBySpendingDesc && out[i].LifetimeSpendingCents != out[j].LifetimeSpendingCents {
			return out[i].LifetimeSpendingCents > out[j].LifetimeSpendingCents
		}
		return out[i].UserID < out[j].UserID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (tx *memTx) CountUsersWithTier(_ context.Context, id loyalty.TierID) (int, error) {
	n := 0
	for _, r := range tx.allUsers() {
		if r.CurrentTierID != nil && *r.CurrentTierID == id {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) GetSettlement(_ context.Context, orderID loyalty.OrderID, action loyalty.SettlementAction) (loyalty.Settlement, bool, error) {
	k := settlementKey{OrderID: orderID, Action: action}
	if s, ok := tx.settlements[k]; ok {
		return s, true, nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	s, ok := tx.m.settlements[k]
	return s, ok, nil
}

func (tx *memTx) SaveSettlement(_ context.Context, s loyalty.Settlement) error {
	tx.settlements[settlementKey{OrderID: s.OrderID, Action: s.Action}] = s
	return nil
}

func (tx *memTx) AppendActivity(_ context.Context, a loyalty.PointsActivity) error {
	tx.activity = append(tx.activity, a)
	return nil
}

func (tx *memTx) ListActivity(_ context.Context, userID loyalty.UserID, limit int) ([]loyalty.PointsActivity, error) {
	tx.m.mu.RLock()
	all := append(append([]loyalty.PointsActivity(nil), tx.m.activity...), tx.activity...)
	tx.m.mu.RUnlock()

	var out []loyalty.PointsActivity
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].UserID != userID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func sameTier(a, b *loyalty.TierID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
