package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/credits"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// SubscriptionLedger is the account side of the credit ledger
type SubscriptionLedger interface {
	GetOrCreateSubscription(ctx context.Context, userID string) (*models.UserSubscription, error)
	Tier(ctx context.Context, name string) (*models.SubscriptionTier, error)
	UsageSummary(ctx context.Context, userID string, days int) (decimal.Decimal, int, error)
	Transactions(ctx context.Context, userID string, filter credits.TransactionFilter) ([]models.CreditTransaction, int, error)
	PurchasePackage(ctx context.Context, userID, packageID, orderID string) (*models.UserSubscription, *models.CreditPackage, error)
	UpgradeTier(ctx context.Context, userID, tierName, orderID string) (*models.UserSubscription, error)
}

type SubscriptionHandler struct {
	ledger SubscriptionLedger
	logger *zap.Logger
}

func NewSubscriptionHandler(ledger SubscriptionLedger, logger *zap.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionHandler{ledger: ledger, logger: logger}
}

// orderID builds a simulated payment reference such as CRD-7F3A9C0B21DE
func orderID(prefix string) string {
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
}

func (h *SubscriptionHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		writeErrorMessage(w, openAIShape, http.StatusUnauthorized, "authentication_error", "unauthorized")
		return "", false
	}
	return key.UserID, true
}

func (h *SubscriptionHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credits.ErrTierNotFound), errors.Is(err, credits.ErrPackageNotFound):
		writeErrorMessage(w, openAIShape, http.StatusNotFound, "not_found", err.Error())
	default:
		h.logger.Warn("Subscription request failed", zap.Error(err))
		writeError(w, openAIShape, err)
	}
}

type subscriptionInfo struct {
	Tier              string          `json:"tier"`
	TierDisplayName   string          `json:"tier_display_name"`
	MonthlyCredits    decimal.Decimal `json:"monthly_credits"`
	CurrentCredits    decimal.Decimal `json:"current_credits"`
	UsedCredits       decimal.Decimal `json:"used_credits"`
	PurchasedCredits  decimal.Decimal `json:"purchased_credits"`
	BillingCycleStart time.Time       `json:"billing_cycle_start"`
	BillingCycleEnd   time.Time       `json:"billing_cycle_end"`
	Status            string          `json:"status"`
	AutoRenew         bool            `json:"auto_renew"`
}

func infoFrom(sub *models.UserSubscription, tier *models.SubscriptionTier) subscriptionInfo {
	info := subscriptionInfo{
		Tier:              sub.Tier,
		TierDisplayName:   sub.Tier,
		MonthlyCredits:    sub.MonthlyCredits,
		CurrentCredits:    sub.CurrentCredits,
		UsedCredits:       sub.UsedCredits,
		PurchasedCredits:  sub.PurchasedCredits,
		BillingCycleStart: sub.BillingCycleStart,
		BillingCycleEnd:   sub.BillingCycleEnd,
		Status:            sub.Status,
		AutoRenew:         sub.AutoRenew,
	}
	if tier != nil && tier.DisplayName != "" {
		info.TierDisplayName = tier.DisplayName
	}
	return info
}

// HandleInfo handles GET /v1/subscription/info
func (h *SubscriptionHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sub, err := h.ledger.GetOrCreateSubscription(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	tier, err := h.ledger.Tier(r.Context(), sub.Tier)
	if err != nil && !errors.Is(err, credits.ErrTierNotFound) {
		h.logger.Warn("Tier lookup failed", zap.String("tier", sub.Tier), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, infoFrom(sub, tier))
}

// HandleUsage handles GET /v1/subscription/usage?days=N
func (h *SubscriptionHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 90 {
			writeErrorMessage(w, openAIShape, http.StatusBadRequest, "invalid_request_error", "days must be between 1 and 90")
			return
		}
		days = n
	}

	total, count, err := h.ledger.UsageSummary(r.Context(), userID, days)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":          days,
		"total_credits": total,
		"request_count": count,
	})
}

// HandleTransactions handles GET /v1/subscription/transactions
func (h *SubscriptionHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	filter := credits.TransactionFilter{Type: q.Get("type"), Page: page, PageSize: pageSize}

	txs, total, err := h.ledger.Transactions(r.Context(), userID, filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	if txs == nil {
		txs = []models.CreditTransaction{}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"total":        total,
		"page":         filter.Page,
		"page_size":    filter.PageSize,
	})
}

// HandlePurchase handles POST /v1/subscription/purchase. Payment is
// simulated; the order id is what a payment provider would reference.
func (h *SubscriptionHandler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var body struct {
		PackageID string `json:"package_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PackageID == "" {
		writeErrorMessage(w, openAIShape, http.StatusBadRequest, "invalid_request_error", "package_id is required")
		return
	}

	order := orderID("CRD")
	sub, pkg, err := h.ledger.PurchasePackage(r.Context(), userID, body.PackageID, order)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.logger.Info("Credit package purchased",
		zap.String("user_id", userID),
		zap.String("package_id", pkg.ID),
		zap.String("order_id", order),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":        order,
		"package":         pkg.Name,
		"credits_added":   pkg.Credits.Add(pkg.BonusCredits),
		"current_credits": sub.CurrentCredits,
	})
}

// HandleUpgrade handles POST /v1/subscription/upgrade
func (h *SubscriptionHandler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var body struct {
		TierName string `json:"tier_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TierName == "" {
		writeErrorMessage(w, openAIShape, http.StatusBadRequest, "invalid_request_error", "tier_name is required")
		return
	}

	order := orderID("SUB")
	sub, err := h.ledger.UpgradeTier(r.Context(), userID, body.TierName, order)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.logger.Info("Subscription upgraded",
		zap.String("user_id", userID),
		zap.String("tier", sub.Tier),
		zap.String("order_id", order),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":     order,
		"subscription": infoFrom(sub, nil),
	})
}
