/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements loyalty.TxStore (tiers, user ledgers, settlements, activity)
  and loyalty.Orders (a local projection of orders pushed by the order
  pipeline) using SQLite. The same schema ports to PostgreSQL with minor
  dialect changes.

KEY TABLES:
  reward_tiers:      Tier catalog
  user_rewards:      One ledger row per user, with a version column
  order_settlements: (order_id, action) idempotency records
  points_activity:   Append-only balance history
  orders, order_items, products: Order collaborator projection

INVARIANTS ENFORCED BY THE SCHEMA:
  - idx_reward_tiers_single_default: at most one active default tier
  - user_rewards.current_tier_id REFERENCES reward_tiers: no dangling tiers
  - CHECK (available_points >= 0)

CONCURRENCY:
  Transactions are opened with _txlock=immediate so writers take the
  database write lock at BEGIN; a transaction's reads and writes see one
  snapshot. SaveUserRewards additionally checks the version column, and
  SQLITE_BUSY / stale versions surface as loyalty.ErrConcurrentModification
  for the ledger to retry.

WAL MODE:
  Opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.NewEngine(store, store, loyalty.Options{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// Store implements loyalty.TxStore and loyalty.Orders using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ loyalty.TxStore     = (*Store)(nil)
	_ loyalty.Orders      = (*Store)(nil)
	_ loyalty.OrderWriter = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reward_tiers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL,
		discount_percentage TEXT NOT NULL DEFAULT '0',
		minimum_spending_cents INTEGER,
		minimum_orders INTEGER,
		minimum_points INTEGER,
		free_shipping BOOLEAN NOT NULL DEFAULT FALSE,
		early_access BOOLEAN NOT NULL DEFAULT FALSE,
		exclusive_products BOOLEAN NOT NULL DEFAULT FALSE,
		birthday_reward BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reward_tiers_level
		ON reward_tiers(level);

	-- CRITICAL: at most one active default tier
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reward_tiers_single_default
		ON reward_tiers(is_default) WHERE is_default = 1 AND active = 1;

	CREATE TABLE IF NOT EXISTS user_rewards (
		user_id TEXT PRIMARY KEY,
		current_tier_id TEXT REFERENCES reward_tiers(id),
		lifetime_spending_cents INTEGER NOT NULL DEFAULT 0,
		total_orders INTEGER NOT NULL DEFAULT 0,
		total_points INTEGER NOT NULL DEFAULT 0,
		available_points INTEGER NOT NULL DEFAULT 0 CHECK (available_points >= 0),
		redeemed_points INTEGER NOT NULL DEFAULT 0,
		last_payment_date TEXT,
		is_vip BOOLEAN NOT NULL DEFAULT FALSE,
		vip_notes TEXT,
		free_shipping_override BOOLEAN,
		tier_joined_at TEXT,
		tier_upgraded_at TEXT,
		tier_assigned_manually BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_user_rewards_tier
		ON user_rewards(current_tier_id) WHERE current_tier_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_user_rewards_spending
		ON user_rewards(lifetime_spending_cents DESC);
	CREATE INDEX IF NOT EXISTS idx_user_rewards_vip
		ON user_rewards(is_vip) WHERE is_vip = 1;

	CREATE TABLE IF NOT EXISTS order_settlements (
		order_id TEXT NOT NULL,
		action TEXT NOT NULL,
		user_id TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0,
		multiplier TEXT NOT NULL DEFAULT '0',
		settled_at TEXT NOT NULL,
		PRIMARY KEY (order_id, action)
	);

	CREATE TABLE IF NOT EXISTS points_activity (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		points INTEGER NOT NULL,
		order_id TEXT,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_points_activity_user
		ON points_activity(user_id, seq DESC);

	-- Order collaborator projection
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		total_cents INTEGER NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL DEFAULT 'pending',
		paid_at TEXT,
		refund_amount_cents INTEGER NOT NULL DEFAULT 0,
		points_earned INTEGER NOT NULL DEFAULT 0,
		points_multiplier TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		line INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		total_price_cents INTEGER NOT NULL,
		PRIMARY KEY (order_id, line)
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		eligible_for_rewards BOOLEAN NOT NULL DEFAULT TRUE
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loyalty.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements loyalty.Store over a connection or a transaction.
type queries struct {
	db dbtx
}

// =============================================================================
// TIER STORE
// =============================================================================

const tierColumns = `id, name, description, level, discount_percentage,
	minimum_spending_cents, minimum_orders, minimum_points,
	free_shipping, early_access, exclusive_products, birthday_reward,
	active, is_default, created_at, updated_at`

func (q *queries) GetTier(ctx context.Context, id loyalty.TierID) (loyalty.RewardTier, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+tierColumns+" FROM reward_tiers WHERE id = ?", id)
	t, err := scanTier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.RewardTier{}, &loyalty.NotFoundError{Kind: "tier", ID: string(id)}
	}
	return t, mapError(err)
}

func (q *queries) ListTiers(ctx context.Context) ([]loyalty.RewardTier, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+tierColumns+" FROM reward_tiers ORDER BY level ASC, created_at ASC, id ASC")
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query tiers: %w", err))
	}
	defer rows.Close()

	var tiers []loyalty.RewardTier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, mapError(rows.Err())
}

func (q *queries) SaveTier(ctx context.Context, t loyalty.RewardTier) error {
	query := `
		INSERT INTO reward_tiers (` + tierColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			level = excluded.level,
			discount_percentage = excluded.discount_percentage,
			minimum_spending_cents = excluded.minimum_spending_cents,
			minimum_orders = excluded.minimum_orders,
			minimum_points = excluded.minimum_points,
			free_shipping = excluded.free_shipping,
			early_access = excluded.early_access,
			exclusive_products = excluded.exclusive_products,
			birthday_reward = excluded.birthday_reward,
			active = excluded.active,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`
	_, err := q.db.ExecContext(ctx, query,
		t.ID, t.Name, t.Description, t.Level, t.DiscountPercentage.String(),
		nullInt(t.MinimumSpendingCents), nullInt(t.MinimumOrders), nullInt(t.MinimumPoints),
		t.FreeShipping, t.EarlyAccess, t.ExclusiveProducts, t.BirthdayReward,
		t.Active, t.IsDefault, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &loyalty.InvalidStateError{Reason: "another active tier is already the default"}
		}
		return mapError(fmt.Errorf("failed to save tier: %w", err))
	}
	return nil
}

func (q *queries) DeleteTier(ctx context.Context, id loyalty.TierID) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM reward_tiers WHERE id = ?", id)
	if isForeignKeyError(err) {
		return &loyalty.ReferentialIntegrityError{TierID: id}
	}
	return mapError(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTier(row scanner) (loyalty.RewardTier, error) {
	var (
		t                         loyalty.RewardTier
		discount                  string
		minSpend, minOrders, minP sql.NullInt64
		createdAt, updatedAt      string
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Level, &discount,
		&minSpend, &minOrders, &minP,
		&t.FreeShipping, &t.EarlyAccess, &t.ExclusiveProducts, &t.BirthdayReward,
		&t.Active, &t.IsDefault, &createdAt, &updatedAt,
	)
	if err != nil {
		return t, err
	}
	t.DiscountPercentage = parseDecimal(discount)
	t.MinimumSpendingCents = intPtr(minSpend)
	t.MinimumOrders = intPtr(minOrders)
	t.MinimumPoints = intPtr(minP)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// =============================================================================
// USER REWARDS STORE
// =============================================================================

const userColumns = `user_id, current_tier_id, lifetime_spending_cents, total_orders,
	total_points, available_points, redeemed_points, last_payment_date,
	is_vip, vip_notes, free_shipping_override, tier_joined_at, tier_upgraded_at,
	tier_assigned_manually, created_at, updated_at, version`

func (q *queries) GetUserRewards(ctx context.Context, id loyalty.UserID) (loyalty.UserRewards, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM user_rewards WHERE user_id = ?", id)
	r, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.UserRewards{}, &loyalty.NotFoundError{Kind: "user_rewards", ID: string(id)}
	}
	return r, mapError(err)
}

// SaveUserRewards inserts when r.Version is 0, otherwise updates the row only
// if its version still equals r.Version.
func (q *queries) SaveUserRewards(ctx context.Context, r loyalty.UserRewards) error {
	args := []any{
		nullTier(r.CurrentTierID), r.LifetimeSpendingCents, r.TotalOrders,
		r.TotalPoints, r.AvailablePoints, r.RedeemedPoints, nullTime(r.LastPaymentDate),
		r.IsVIP, nullStringPtr(r.VIPNotes), nullBool(r.FreeShippingOverride),
		nullTime(r.TierJoinedAt), nullTime(r.TierUpgradedAt), r.TierAssignedManually,
		formatTime(r.UpdatedAt),
	}

	if r.Version == 0 {
		query := `
			INSERT INTO user_rewards (current_tier_id, lifetime_spending_cents, total_orders,
				total_points, available_points, redeemed_points, last_payment_date,
				is_vip, vip_notes, free_shipping_override, tier_joined_at, tier_upgraded_at,
				tier_assigned_manually, updated_at, user_id, created_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`
		_, err := q.db.ExecContext(ctx, query, append(args, r.UserID, formatTime(r.CreatedAt))...)
		if isUniqueConstraintError(err) {
			return loyalty.ErrConcurrentModification
		}
		if err != nil {
			return mapError(fmt.Errorf("failed to insert user rewards: %w", err))
		}
		return nil
	}

	query := `
		UPDATE user_rewards SET
			current_tier_id = ?, lifetime_spending_cents = ?, total_orders = ?,
			total_points = ?, available_points = ?, redeemed_points = ?, last_payment_date = ?,
			is_vip = ?, vip_notes = ?, free_shipping_override = ?, tier_joined_at = ?,
			tier_upgraded_at = ?, tier_assigned_manually = ?, updated_at = ?,
			version = version + 1
		WHERE user_id = ? AND version = ?
	`
	res, err := q.db.ExecContext(ctx, query, append(args, r.UserID, r.Version)...)
	if err != nil {
		return mapError(fmt.Errorf("failed to update user rewards: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loyalty.ErrConcurrentModification
	}
	return nil
}

func (q *queries) ListUserRewards(ctx context.Context, filter loyalty.UserFilter) ([]loyalty.UserRewards, error) {
	query := "SELECT " + userColumns + " FROM user_rewards WHERE 1 = 1"
	var args []any
	if filter.TierID != nil {
		query += " AND current_tier_id = ?"
		args = append(args, *filter.TierID)
	}
	if filter.VIPOnly {
		query += " AND is_vip = 1"
	}
	switch filter.OrderBy {
	case loyalty.OrderBySpendingDesc:
		query += " ORDER BY lifetime_spending_cents DESC, user_id ASC"
	default:
		query += " ORDER BY user_id ASC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query user rewards: %w", err))
	}
	defer rows.Close()

	var out []loyalty.UserRewards
	for rows.Next() {
		r, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapError(rows.Err())
}

func (q *queries) CountUsersWithTier(ctx context.Context, id loyalty.TierID) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_rewards WHERE current_tier_id = ?", id,
	).Scan(&n)
	return n, mapError(err)
}

func scanUser(row scanner) (loyalty.UserRewards, error) {
	var (
		r                                 loyalty.UserRewards
		tierID, vipNotes                  sql.NullString
		lastPayment, joinedAt, upgradedAt sql.NullString
		freeShipping                      sql.NullBool
		createdAt, updatedAt              string
	)
	err := row.Scan(
		&r.UserID, &tierID, &r.LifetimeSpendingCents, &r.TotalOrders,
		&r.TotalPoints, &r.AvailablePoints, &r.RedeemedPoints, &lastPayment,
		&r.IsVIP, &vipNotes, &freeShipping, &joinedAt, &upgradedAt,
		&r.TierAssignedManually, &createdAt, &updatedAt, &r.Version,
	)
	if err != nil {
		return r, err
	}
	if tierID.Valid {
		id := loyalty.TierID(tierID.String)
		r.CurrentTierID = &id
	}
	if vipNotes.Valid {
		r.VIPNotes = &vipNotes.String
	}
	if freeShipping.Valid {
		r.FreeShippingOverride = &freeShipping.Bool
	}
	r.LastPaymentDate = parseNullTime(lastPayment)
	r.TierJoinedAt = parseNullTime(joinedAt)
	r.TierUpgradedAt = parseNullTime(upgradedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// SETTLEMENTS AND ACTIVITY
// =============================================================================

func (q *queries) GetSettlement(ctx context.Context, orderID loyalty.OrderID, action loyalty.SettlementAction) (loyalty.Settlement, bool, error) {
	var (
		s                     loyalty.Settlement
		multiplier, settledAt string
	)
	err := q.db.QueryRowContext(ctx,
		"SELECT order_id, action, user_id, points, multiplier, settled_at FROM order_settlements WHERE order_id = ? AND action = ?",
		orderID, action,
	).Scan(&s.OrderID, &s.Action, &s.UserID, &s.Points, &multiplier, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Settlement{}, false, nil
	}
	if err != nil {
		return loyalty.Settlement{}, false, mapError(err)
	}
	s.Multiplier = parseDecimal(multiplier)
	s.SettledAt = parseTime(settledAt)
	return s, true, nil
}

func (q *queries) SaveSettlement(ctx context.Context, s loyalty.Settlement) error {
	query := `
		INSERT INTO order_settlements (order_id, action, user_id, points, multiplier, settled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id, action) DO UPDATE SET
			points = excluded.points,
			multiplier = excluded.multiplier,
			settled_at = excluded.settled_at
	`
	_, err := q.db.ExecContext(ctx, query,
		s.OrderID, s.Action, s.UserID, s.Points, s.Multiplier.String(), formatTime(s.SettledAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to save settlement: %w", err))
	}
	return nil
}

func (q *queries) AppendActivity(ctx context.Context, a loyalty.PointsActivity) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO points_activity (id, user_id, activity_type, points, order_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Type, a.Points, nullString(string(a.OrderID)), nullString(a.Reason), formatTime(a.CreatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to append activity: %w", err))
	}
	return nil
}

func (q *queries) ListActivity(ctx context.Context, userID loyalty.UserID, limit int) ([]loyalty.PointsActivity, error) {
	query := `
		SELECT id, user_id, activity_type, points, order_id, reason, created_at
		FROM points_activity WHERE user_id = ? ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query activity: %w", err))
	}
	defer rows.Close()

	var out []loyalty.PointsActivity
	for rows.Next() {
		var (
			a               loyalty.PointsActivity
			orderID, reason sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.Points, &orderID, &reason, &createdAt); err != nil {
			return nil, err
		}
		a.OrderID = loyalty.OrderID(orderID.String)
		a.Reason = reason.String
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, mapError(rows.Err())
}

// =============================================================================
// ORDER STORE (loyalty.Orders interface)
// =============================================================================

// SaveOrder stores or replaces an order and its items. The engine's
// annotation columns are preserved.
func (s *Store) SaveOrder(ctx context.Context, o loyalty.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, total_cents, payment_status, paid_at, refund_amount_cents)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			total_cents = excluded.total_cents,
			payment_status = excluded.payment_status,
			paid_at = excluded.paid_at,
			refund_amount_cents = excluded.refund_amount_cents`,
		o.ID, nullString(string(o.UserID)), o.TotalCents, string(o.Payment.Status),
		nullTime(o.Payment.PaidAt), o.Payment.RefundAmountCents,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save order: %w", err))
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = ?", o.ID); err != nil {
		return mapError(err)
	}
	for i, item := range o.Items {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, line, product_id, total_price_cents) VALUES (?, ?, ?, ?)",
			o.ID, i, item.ProductID, item.TotalPriceCents)
		if err != nil {
			return mapError(fmt.Errorf("failed to save order item: %w", err))
		}
	}

	return mapError(tx.Commit())
}

func (s *Store) GetOrder(ctx context.Context, id loyalty.OrderID) (loyalty.Order, error) {
	var (
		o                  loyalty.Order
		userID, paidAt     sql.NullString
		status, multiplier string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, total_cents, payment_status, paid_at, refund_amount_cents,
		       points_earned, points_multiplier
		FROM orders WHERE id = ?`, id,
	).Scan(&o.ID, &userID, &o.TotalCents, &status, &paidAt, &o.Payment.RefundAmountCents,
		&o.PointsEarned, &multiplier)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Order{}, &loyalty.NotFoundError{Kind: "order", ID: string(id)}
	}
	if err != nil {
		return loyalty.Order{}, mapError(err)
	}
	o.UserID = loyalty.UserID(userID.String)
	o.Payment.Status = loyalty.PaymentStatus(status)
	o.Payment.PaidAt = parseNullTime(paidAt)
	o.PointsMultiplier = parseDecimal(multiplier)

	rows, err := s.db.QueryContext(ctx,
		"SELECT product_id, total_price_cents FROM order_items WHERE order_id = ? ORDER BY line", id)
	if err != nil {
		return loyalty.Order{}, mapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var item loyalty.OrderItem
		if err := rows.Scan(&item.ProductID, &item.TotalPriceCents); err != nil {
			return loyalty.Order{}, err
		}
		o.Items = append(o.Items, item)
	}
	return o, mapError(rows.Err())
}

// SaveProduct records whether a product earns points.
func (s *Store) SaveProduct(ctx context.Context, id loyalty.ProductID, eligibleForRewards bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, eligible_for_rewards) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET eligible_for_rewards = excluded.eligible_for_rewards`,
		id, eligibleForRewards)
	return mapError(err)
}

// ProductEligibleForRewards treats unknown products as eligible.
func (s *Store) ProductEligibleForRewards(ctx context.Context, id loyalty.ProductID) (bool, error) {
	var eligible bool
	err := s.db.QueryRowContext(ctx,
		"SELECT eligible_for_rewards FROM products WHERE id = ?", id,
	).Scan(&eligible)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return eligible, mapError(err)
}

func (s *Store) SetOrderPointsInfo(ctx context.Context, id loyalty.OrderID, points int64, multiplier decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET points_earned = ?, points_multiplier = ? WHERE id = ?",
		points, multiplier.String(), id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &loyalty.NotFoundError{Kind: "order", ID: string(id)}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTier(id *loyalty.TierID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// mapError turns lock contention into the retryable sentinel.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", loyalty.ErrConcurrentModification, err)
	}
	return err
}
