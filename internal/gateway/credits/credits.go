package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

const (
	// FreeTier is assigned to users on first use
	FreeTier = "free"

	// BillingCycle is the length of one subscription period
	BillingCycle = 30 * 24 * time.Hour
)

var (
	// DefaultMonthlyCredits applies when a tier record is missing
	DefaultMonthlyCredits = decimal.NewFromInt(100000)

	// DefaultBaseCreditPer1K applies when a model has no credit rate
	DefaultBaseCreditPer1K = decimal.NewFromInt(1)
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrTierNotFound         = errors.New("subscription tier not found")
	ErrPackageNotFound      = errors.New("credit package not found")
)

// TransactionFilter selects a page of ledger rows
type TransactionFilter struct {
	Type     string
	Page     int
	PageSize int
}

// Store persists subscriptions and the append-only ledger.
//
// UpdateSubscription must hold an exclusive lock on the user's row while fn
// runs and commit the mutated subscription together with the rows fn
// returns. If fn returns an error nothing is written.
type Store interface {
	GetSubscription(ctx context.Context, userID string) (*models.UserSubscription, error)
	CreateSubscription(ctx context.Context, sub *models.UserSubscription, grant *models.CreditTransaction) error
	UpdateSubscription(ctx context.Context, userID string, fn func(sub *models.UserSubscription) ([]models.CreditTransaction, error)) (*models.UserSubscription, error)
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]models.CreditTransaction, int, error)
	UsageSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, int, error)
	GetTier(ctx context.Context, name string) (*models.SubscriptionTier, error)
	GetCreditPackage(ctx context.Context, id string) (*models.CreditPackage, error)
}

// Reference links a ledger row to the thing that caused it
type Reference struct {
	ID          string
	Type        string
	Description string
	ExtraData   map[string]interface{}
}

// Ledger is the credit accounting service
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CalculateCredits prices a call:
// (in/1000)*base*inMult + (out/1000)*base*outMult, rounded to 2 places.
// A nil or disabled rate uses base 1.0 and multipliers 1.0.
func CalculateCredits(inputTokens, outputTokens int, rate *models.ModelCreditRate) decimal.Decimal {
	base := DefaultBaseCreditPer1K
	inMult := decimal.NewFromInt(1)
	outMult := decimal.NewFromInt(1)
	if rate != nil && rate.Enabled {
		base = rate.BaseCreditPer1K
		inMult = rate.InputMultiplier
		outMult = rate.OutputMultiplier
	}

	thousand := decimal.NewFromInt(1000)
	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(base).Mul(inMult)
	out := decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(base).Mul(outMult)
	return in.Add(out).Round(2)
}

// GetOrCreateSubscription returns the user's subscription, creating a free
// one with its first monthly grant when none exists.
func (l *Ledger) GetOrCreateSubscription(ctx context.Context, userID string) (*models.UserSubscription, error) {
	sub, err := l.store.GetSubscription(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	monthly := l.monthlyCreditsFor(ctx, FreeTier)
	now := l.now().UTC()
	sub = &models.UserSubscription{
		UserID:            userID,
		Tier:              FreeTier,
		MonthlyCredits:    monthly,
		CurrentCredits:    monthly,
		UsedCredits:       decimal.Zero,
		PurchasedCredits:  decimal.Zero,
		BillingCycleStart: now,
		BillingCycleEnd:   now.Add(BillingCycle),
		Status:            models.SubscriptionActive,
		AutoRenew:         true,
		UpdatedAt:         now,
	}
	grant := l.newTransaction(userID, models.TxMonthlyGrant, monthly, decimal.Zero, Reference{
		Type:        "subscription",
		Description: "free tier monthly grant",
	})

	err = l.store.CreateSubscription(ctx, sub, &grant)
	if errors.Is(err, ErrSubscriptionExists) {
		// lost a creation race; use the winner's row
		return l.store.GetSubscription(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	l.logger.Info("created free subscription",
		zap.String("user_id", userID),
		zap.String("monthly_credits", monthly.String()),
	)
	return sub, nil
}

// CheckCredits verifies the user may spend credits, rolling the billing
// cycle forward first when it has ended.
func (l *Ledger) CheckCredits(ctx context.Context, userID string) (*models.UserSubscription, error) {
	sub, err := l.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !l.now().Before(sub.BillingCycleEnd) {
		sub, err = l.refreshBillingCycle(ctx, userID, sub.Tier)
		if err != nil {
			return nil, err
		}
	}

	if sub.Status != models.SubscriptionActive {
		return nil, fmt.Errorf("%w: user %s", gwerrors.ErrSubscriptionExpired, userID)
	}

	if !sub.CurrentCredits.IsPositive() {
		return nil, fmt.Errorf("%w: balance %s", gwerrors.ErrInsufficientCredits, sub.CurrentCredits.StringFixed(2))
	}
	return sub, nil
}

// refreshBillingCycle starts a new cycle under the row lock. The balance
// becomes the tier's monthly credits plus whatever purchased credits are
// still unspent, and an expired subscription becomes active again.
func (l *Ledger) refreshBillingCycle(ctx context.Context, userID, tierName string) (*models.UserSubscription, error) {
	monthly := l.monthlyCreditsFor(ctx, tierName)

	sub, err := l.store.UpdateSubscription(ctx, userID, func(sub *models.UserSubscription) ([]models.CreditTransaction, error) {
		now := l.now().UTC()
		if now.Before(sub.BillingCycleEnd) {
			// another request already rolled the cycle
			return nil, nil
		}
		unspentPurchased := decimal.Min(sub.PurchasedCredits, sub.CurrentCredits)
		if unspentPurchased.IsNegative() {
			unspentPurchased = decimal.Zero
		}
		before := sub.CurrentCredits
		after := monthly.Add(unspentPurchased)

		sub.MonthlyCredits = monthly
		sub.PurchasedCredits = unspentPurchased
		sub.CurrentCredits = after
		sub.UsedCredits = decimal.Zero
		sub.BillingCycleStart = now
		sub.BillingCycleEnd = now.Add(BillingCycle)
		sub.Status = models.SubscriptionActive
		sub.UpdatedAt = now

		if after.Sub(before).IsZero() {
			return nil, nil
		}
		tx := l.newTransaction(userID, models.TxMonthlyGrant, after.Sub(before), before, Reference{
			Type:        "subscription",
			Description: fmt.Sprintf("%s tier monthly grant", sub.Tier),
			ExtraData: map[string]interface{}{
				"monthly_credits":   monthly.String(),
				"carried_purchased": unspentPurchased.String(),
			},
		})
		return []models.CreditTransaction{tx}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refresh billing cycle: %w", err)
	}

	l.logger.Info("billing cycle refreshed",
		zap.String("user_id", userID),
		zap.String("status", sub.Status),
		zap.String("balance", sub.CurrentCredits.String()),
	)
	return sub, nil
}

// DeductCredits atomically debits the user's balance and appends a usage
// row. It never leaves a partial debit: when the balance is short nothing
// changes and ErrInsufficientCredits is returned.
func (l *Ledger) DeductCredits(ctx context.Context, userID string, credits decimal.Decimal, ref Reference) (*models.UserSubscription, error) {
	if !credits.IsPositive() {
		return nil, fmt.Errorf("%w: deduct amount must be positive", gwerrors.ErrInvalidRequest)
	}
	if ref.Type == "" {
		ref.Type = "llm_usage"
	}

	sub, err := l.store.UpdateSubscription(ctx, userID, func(sub *models.UserSubscription) ([]models.CreditTransaction, error) {
		if sub.CurrentCredits.LessThan(credits) {
			return nil, fmt.Errorf("%w: balance %s, required %s", gwerrors.ErrInsufficientCredits,
				sub.CurrentCredits.StringFixed(2), credits.StringFixed(2))
		}

		before := sub.CurrentCredits
		sub.CurrentCredits = before.Sub(credits)
		sub.UsedCredits = sub.UsedCredits.Add(credits)
		sub.UpdatedAt = l.now().UTC()

		return []models.CreditTransaction{l.newTransaction(userID, models.TxUsage, credits.Neg(), before, ref)}, nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("credits deducted",
		zap.String("user_id", userID),
		zap.String("credits", credits.String()),
		zap.String("balance", sub.CurrentCredits.String()),
		zap.String("reference_id", ref.ID),
	)
	return sub, nil
}

// AddCredits credits the balance. Purchased credits also count toward the
// carried-over pool kept across billing cycles.
func (l *Ledger) AddCredits(ctx context.Context, userID string, credits decimal.Decimal, txType string, purchased bool, ref Reference) (*models.UserSubscription, error) {
	if !credits.IsPositive() {
		return nil, fmt.Errorf("%w: credit amount must be positive", gwerrors.ErrInvalidRequest)
	}
	if txType == "" {
		txType = models.TxPurchase
	}
	if ref.Type == "" {
		ref.Type = "payment"
	}

	if _, err := l.GetOrCreateSubscription(ctx, userID); err != nil {
		return nil, err
	}

	sub, err := l.store.UpdateSubscription(ctx, userID, func(sub *models.UserSubscription) ([]models.CreditTransaction, error) {
		before := sub.CurrentCredits
		sub.CurrentCredits = before.Add(credits)
		if purchased {
			sub.PurchasedCredits = sub.PurchasedCredits.Add(credits)
		}
		sub.UpdatedAt = l.now().UTC()
		return []models.CreditTransaction{l.newTransaction(userID, txType, credits, before, ref)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("add credits: %w", err)
	}

	l.logger.Info("credits added",
		zap.String("user_id", userID),
		zap.String("type", txType),
		zap.String("credits", credits.String()),
		zap.String("balance", sub.CurrentCredits.String()),
	)
	return sub, nil
}

// UpgradeTier moves the user to another tier, starts a fresh cycle and
// grants the new tier's monthly credits on top of the current balance.
func (l *Ledger) UpgradeTier(ctx context.Context, userID, tierName, orderID string) (*models.UserSubscription, error) {
	tier, err := l.store.GetTier(ctx, tierName)
	if err != nil {
		return nil, err
	}
	if !tier.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTierNotFound, tierName)
	}

	current, err := l.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.Tier == tier.Name {
		return nil, fmt.Errorf("%w: already on tier %s", gwerrors.ErrInvalidRequest, tier.Name)
	}

	sub, err := l.store.UpdateSubscription(ctx, userID, func(sub *models.UserSubscription) ([]models.CreditTransaction, error) {
		now := l.now().UTC()
		before := sub.CurrentCredits
		prevTier := sub.Tier

		sub.Tier = tier.Name
		sub.MonthlyCredits = tier.MonthlyCredits
		sub.CurrentCredits = before.Add(tier.MonthlyCredits)
		sub.BillingCycleStart = now
		sub.BillingCycleEnd = now.Add(BillingCycle)
		sub.Status = models.SubscriptionActive
		sub.UpdatedAt = now

		if !tier.MonthlyCredits.IsPositive() {
			return nil, nil
		}
		tx := l.newTransaction(userID, models.TxSubscriptionUpgrade, tier.MonthlyCredits, before, Reference{
			ID:          orderID,
			Type:        "subscription_order",
			Description: fmt.Sprintf("upgrade %s -> %s", prevTier, tier.Name),
		})
		return []models.CreditTransaction{tx}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("upgrade tier: %w", err)
	}

	l.logger.Info("subscription upgraded",
		zap.String("user_id", userID),
		zap.String("tier", tier.Name),
		zap.String("order_id", orderID),
	)
	return sub, nil
}

// PurchasePackage adds a credit package (plus bonus) to the balance
func (l *Ledger) PurchasePackage(ctx context.Context, userID, packageID, orderID string) (*models.UserSubscription, *models.CreditPackage, error) {
	pkg, err := l.store.GetCreditPackage(ctx, packageID)
	if err != nil {
		return nil, nil, err
	}
	if !pkg.Enabled {
		return nil, nil, fmt.Errorf("%w: %s", ErrPackageNotFound, packageID)
	}

	total := pkg.Credits.Add(pkg.BonusCredits)
	sub, err := l.AddCredits(ctx, userID, total, models.TxPurchase, true, Reference{
		ID:          orderID,
		Type:        "credit_order",
		Description: fmt.Sprintf("purchase %s", pkg.Name),
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, pkg, nil
}

// UsageSummary totals usage debits over the last days
func (l *Ledger) UsageSummary(ctx context.Context, userID string, days int) (decimal.Decimal, int, error) {
	since := l.now().UTC().AddDate(0, 0, -days)
	return l.store.UsageSince(ctx, userID, since)
}

// Transactions returns one page of the user's ledger, newest first
func (l *Ledger) Transactions(ctx context.Context, userID string, filter TransactionFilter) ([]models.CreditTransaction, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	return l.store.ListTransactions(ctx, userID, filter)
}

// Tier looks up a tier record
func (l *Ledger) Tier(ctx context.Context, name string) (*models.SubscriptionTier, error) {
	return l.store.GetTier(ctx, name)
}

func (l *Ledger) monthlyCreditsFor(ctx context.Context, tierName string) decimal.Decimal {
	tier, err := l.store.GetTier(ctx, tierName)
	if err != nil {
		if !errors.Is(err, ErrTierNotFound) {
			l.logger.Warn("tier lookup failed, using default grant",
				zap.String("tier", tierName), zap.Error(err))
		}
		return DefaultMonthlyCredits
	}
	return tier.MonthlyCredits
}

func (l *Ledger) newTransaction(userID, txType string, credits, before decimal.Decimal, ref Reference) models.CreditTransaction {
	var extra json.RawMessage
	if len(ref.ExtraData) > 0 {
		if b, err := json.Marshal(ref.ExtraData); err == nil {
			extra = b
		}
	}
	return models.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          txType,
		Credits:       credits,
		BalanceBefore: before,
		BalanceAfter:  before.Add(credits),
		ReferenceID:   ref.ID,
		ReferenceType: ref.Type,
		Description:   ref.Description,
		ExtraData:     extra,
		CreatedAt:     l.now().UTC(),
	}
}
