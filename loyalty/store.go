/*
store.go - Persistence interfaces for tiers, user ledgers and settlements

KEY INTERFACES:
  Store:   Reads and writes for one logical unit of work
  TxStore: Store plus WithTx for atomic multi-record writes
  Orders:  The order/payment collaborator (read order, write annotation)

OPTIMISTIC CONCURRENCY:
  SaveUserRewards compares r.Version with the stored version. A mismatch
  returns ErrConcurrentModification and the caller retries the whole
  transaction. Version 0 means "insert"; inserting an existing user is also
  a conflict. Writes to different users never conflict.

ATOMIC UNITS:
  Every ledger mutation runs inside WithTx: read accumulators, compute,
  write the record, the settlement and the activity entry, then commit.
  If fn returns an error nothing is written.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: In-memory with commit-time validation
  - store/sqlite/sqlite.go: SQLite with immediate transactions
*/
package loyalty

import (
	"context"

	"github.com/shopspring/decimal"
)

// UserOrder selects the sort order of ListUserRewards.
type UserOrder int

const (
	OrderByUserID UserOrder = iota
	OrderBySpendingDesc
)

// UserFilter narrows ListUserRewards. Zero value lists every user.
type UserFilter struct {
	TierID  *TierID
	VIPOnly bool
	OrderBy UserOrder
	Limit   int // 0 = no limit
}

// Store handles persistence for the engine.
type Store interface {
	// GetTier returns a *NotFoundError if the tier does not exist.
	GetTier(ctx context.Context, id TierID) (RewardTier, error)

	// ListTiers returns every tier, inactive included, ascending by level.
	ListTiers(ctx context.Context) ([]RewardTier, error)

	// SaveTier inserts or replaces a tier.
	SaveTier(ctx context.Context, t RewardTier) error

	DeleteTier(ctx context.Context, id TierID) error

	// GetUserRewards returns a *NotFoundError if the user has no record.
	GetUserRewards(ctx context.Context, id UserID) (UserRewards, error)

	// SaveUserRewards writes r if the stored version equals r.Version.
	SaveUserRewards(ctx context.Context, r UserRewards) error

	ListUserRewards(ctx context.Context, filter UserFilter) ([]UserRewards, error)

	CountUsersWithTier(ctx context.Context, id TierID) (int, error)

	// GetSettlement returns (settlement, found, error).
	GetSettlement(ctx context.Context, orderID OrderID, action SettlementAction) (Settlement, bool, error)

	// SaveSettlement inserts or replaces the (OrderID, Action) record.
	SaveSettlement(ctx context.Context, s Settlement) error

	AppendActivity(ctx context.Context, a PointsActivity) error

	// ListActivity returns newest first. limit 0 = all.
	ListActivity(ctx context.Context, userID UserID, limit int) ([]PointsActivity, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Orders is the order/payment collaborator.
type Orders interface {
	// GetOrder returns a *NotFoundError for unknown orders.
	GetOrder(ctx context.Context, id OrderID) (Order, error)

	// ProductEligibleForRewards is false only when the product opted out.
	ProductEligibleForRewards(ctx context.Context, id ProductID) (bool, error)

	// SetOrderPointsInfo writes the audit annotation back onto the order.
	SetOrderPointsInfo(ctx context.Context, id OrderID, pointsEarned int64, multiplier decimal.Decimal) error
}

// OrderWriter is implemented by stores that keep a local projection of the
// order collaborator, fed by the order pipeline's payment events.
type OrderWriter interface {
	SaveOrder(ctx context.Context, o Order) error
	SaveProduct(ctx context.Context, id ProductID, eligibleForRewards bool) error
}
