package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/credits"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

var _ credits.Store = (*DB)(nil)

const subscriptionColumns = `
	SELECT user_id, tier, monthly_credits, current_credits, used_credits, purchased_credits,
	       billing_cycle_start, billing_cycle_end, status, auto_renew, updated_at
	FROM user_subscriptions
	WHERE user_id = $1
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*models.UserSubscription, error) {
	var s models.UserSubscription
	err := row.Scan(
		&s.UserID,
		&s.Tier,
		&s.MonthlyCredits,
		&s.CurrentCredits,
		&s.UsedCredits,
		&s.PurchasedCredits,
		&s.BillingCycleStart,
		&s.BillingCycleEnd,
		&s.Status,
		&s.AutoRenew,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &s, nil
}

// GetSubscription reads a subscription without locking
func (db *DB) GetSubscription(ctx context.Context, userID string) (*models.UserSubscription, error) {
	return scanSubscription(db.conn.QueryRowContext(ctx, subscriptionColumns, userID))
}

// CreateSubscription inserts a new subscription and its opening grant
// atomically. A concurrent creator wins and ErrSubscriptionExists is
// returned to the loser.
func (db *DB) CreateSubscription(ctx context.Context, sub *models.UserSubscription, grant *models.CreditTransaction) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_subscriptions (
			user_id, tier, monthly_credits, current_credits, used_credits, purchased_credits,
			billing_cycle_start, billing_cycle_end, status, auto_renew, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO NOTHING
	`,
		sub.UserID,
		sub.Tier,
		sub.MonthlyCredits,
		sub.CurrentCredits,
		sub.UsedCredits,
		sub.PurchasedCredits,
		sub.BillingCycleStart,
		sub.BillingCycleEnd,
		sub.Status,
		sub.AutoRenew,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credits.ErrSubscriptionExists
	}

	if grant != nil {
		if err := insertTransaction(ctx, tx, grant); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateSubscription locks the user's row with SELECT ... FOR UPDATE, runs
// fn, and commits the new state with the ledger rows fn returns
func (db *DB) UpdateSubscription(ctx context.Context, userID string, fn func(sub *models.UserSubscription) ([]models.CreditTransaction, error)) (*models.UserSubscription, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sub, err := scanSubscription(tx.QueryRowContext(ctx, subscriptionColumns+" FOR UPDATE", userID))
	if err != nil {
		return nil, err
	}

	txs, err := fn(sub)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE user_subscriptions
		SET tier = $2, monthly_credits = $3, current_credits = $4, used_credits = $5,
		    purchased_credits = $6, billing_cycle_start = $7, billing_cycle_end = $8,
		    status = $9, auto_renew = $10, updated_at = $11
		WHERE user_id = $1
	`,
		sub.UserID,
		sub.Tier,
		sub.MonthlyCredits,
		sub.CurrentCredits,
		sub.UsedCredits,
		sub.PurchasedCredits,
		sub.BillingCycleStart,
		sub.BillingCycleEnd,
		sub.Status,
		sub.AutoRenew,
		sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	for i := range txs {
		if err := insertTransaction(ctx, tx, &txs[i]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sub, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *models.CreditTransaction) error {
	var extra interface{}
	if len(t.ExtraData) > 0 {
		extra = string(t.ExtraData)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, transaction_type, credits, balance_before, balance_after,
			reference_id, reference_type, description, extra_data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7::text, ''), NULLIF($8::text, ''), $9, $10, $11)
	`,
		t.ID,
		t.UserID,
		t.Type,
		t.Credits,
		t.BalanceBefore,
		t.BalanceAfter,
		t.ReferenceID,
		t.ReferenceType,
		t.Description,
		extra,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

// ListTransactions returns one page of ledger rows, newest first, and the
// total number of matching rows
func (db *DB) ListTransactions(ctx context.Context, userID string, filter credits.TransactionFilter) ([]models.CreditTransaction, int, error) {
	var total int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_transactions
		WHERE user_id = $1 AND ($2::text = '' OR transaction_type = $2)
	`, userID, filter.Type).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, transaction_type, credits, balance_before, balance_after,
		       COALESCE(reference_id, ''), COALESCE(reference_type, ''), COALESCE(description, ''),
		       extra_data, created_at
		FROM credit_transactions
		WHERE user_id = $1 AND ($2::text = '' OR transaction_type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, filter.Type, filter.PageSize, (filter.Page-1)*filter.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	out := []models.CreditTransaction{}
	for rows.Next() {
		var t models.CreditTransaction
		var extra []byte
		if err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.Type,
			&t.Credits,
			&t.BalanceBefore,
			&t.BalanceAfter,
			&t.ReferenceID,
			&t.ReferenceType,
			&t.Description,
			&extra,
			&t.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan credit transaction: %w", err)
		}
		if len(extra) > 0 {
			t.ExtraData = extra
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// UsageSince totals usage debits since a point in time
func (db *DB) UsageSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, int, error) {
	var total decimal.Decimal
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ABS(credits)), 0), COUNT(*)
		FROM credit_transactions
		WHERE user_id = $1 AND transaction_type = $2 AND created_at >= $3
	`, userID, models.TxUsage, since).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("database error: %w", err)
	}
	return total, count, nil
}

// GetTier retrieves a subscription tier by name
func (db *DB) GetTier(ctx context.Context, name string) (*models.SubscriptionTier, error) {
	var t models.SubscriptionTier
	err := db.conn.QueryRowContext(ctx, `
		SELECT name, COALESCE(display_name, name), monthly_credits, price_monthly, enabled
		FROM subscription_tiers
		WHERE name = $1
	`, name).Scan(&t.Name, &t.DisplayName, &t.MonthlyCredits, &t.PriceMonthly, &t.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrTierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &t, nil
}

// GetCreditPackage retrieves a purchasable credit package
func (db *DB) GetCreditPackage(ctx context.Context, id string) (*models.CreditPackage, error) {
	var p models.CreditPackage
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, credits, COALESCE(bonus_credits, 0), price, enabled
		FROM credit_packages
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Credits, &p.BonusCredits, &p.Price, &p.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &p, nil
}
