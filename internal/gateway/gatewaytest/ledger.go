// Package gatewaytest provides in-memory collaborators for gateway tests.
package gatewaytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/credits"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// LedgerStore is a credits.Store kept in memory. A per-user mutex stands in
// for the row lock.
type LedgerStore struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	subs     map[string]models.UserSubscription
	txs      []models.CreditTransaction
	tiers    map[string]models.SubscriptionTier
	packages map[string]models.CreditPackage
}

var _ credits.Store = (*LedgerStore)(nil)

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		locks:    make(map[string]*sync.Mutex),
		subs:     make(map[string]models.UserSubscription),
		tiers:    make(map[string]models.SubscriptionTier),
		packages: make(map[string]models.CreditPackage),
	}
}

// PutSubscription seeds or overwrites a subscription
func (s *LedgerStore) PutSubscription(sub models.UserSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = sub
}

// PutTier seeds a tier
func (s *LedgerStore) PutTier(t models.SubscriptionTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[t.Name] = t
}

// PutPackage seeds a credit package
func (s *LedgerStore) PutPackage(p models.CreditPackage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[p.ID] = p
}

// AllTransactions returns every ledger row in insertion order
func (s *LedgerStore) AllTransactions() []models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CreditTransaction, len(s.txs))
	copy(out, s.txs)
	return out
}

func (s *LedgerStore) rowLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *LedgerStore) GetSubscription(_ context.Context, userID string) (*models.UserSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return nil, credits.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *LedgerStore) CreateSubscription(_ context.Context, sub *models.UserSubscription, grant *models.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.UserID]; ok {
		return credits.ErrSubscriptionExists
	}
	s.subs[sub.UserID] = *sub
	if grant != nil {
		s.txs = append(s.txs, *grant)
	}
	return nil
}

// UpdateSubscription fails on a done context, as a database transaction would
func (s *LedgerStore) UpdateSubscription(ctx context.Context, userID string, fn func(sub *models.UserSubscription) ([]models.CreditTransaction, error)) (*models.UserSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.rowLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sub, ok := s.subs[userID]
	s.mu.Unlock()
	if !ok {
		return nil, credits.ErrSubscriptionNotFound
	}

	working := sub
	txs, err := fn(&working)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.subs[userID] = working
	s.txs = append(s.txs, txs...)
	s.mu.Unlock()
	return &working, nil
}

func (s *LedgerStore) ListTransactions(_ context.Context, userID string, filter credits.TransactionFilter) ([]models.CreditTransaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.CreditTransaction
	for _, tx := range s.txs {
		if tx.UserID != userID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		matched = append(matched, tx)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []models.CreditTransaction{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *LedgerStore) UsageSince(_ context.Context, userID string, since time.Time) (decimal.Decimal, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	count := 0
	for _, tx := range s.txs {
		if tx.UserID == userID && tx.Type == models.TxUsage && !tx.CreatedAt.Before(since) {
			total = total.Add(tx.Credits.Abs())
			count++
		}
	}
	return total, count, nil
}

func (s *LedgerStore) GetTier(_ context.Context, name string) (*models.SubscriptionTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiers[name]
	if !ok {
		return nil, credits.ErrTierNotFound
	}
	return &t, nil
}

func (s *LedgerStore) GetCreditPackage(_ context.Context, id string) (*models.CreditPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return nil, credits.ErrPackageNotFound
	}
	return &p, nil
}
