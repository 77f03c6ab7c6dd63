package gatewaytest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// Catalog is an in-memory configuration store
type Catalog struct {
	mu        sync.RWMutex
	aliases   map[string]models.ModelAlias
	models    map[string]models.ModelConfig
	providers map[string]models.ModelProvider
	groups    map[string]models.ModelGroup
	rates     map[string]models.ModelCreditRate
	keys      map[string]models.APIKey
}

func NewCatalog() *Catalog {
	return &Catalog{
		aliases:   make(map[string]models.ModelAlias),
		models:    make(map[string]models.ModelConfig),
		providers: make(map[string]models.ModelProvider),
		groups:    make(map[string]models.ModelGroup),
		rates:     make(map[string]models.ModelCreditRate),
		keys:      make(map[string]models.APIKey),
	}
}

func (c *Catalog) AddProvider(p models.ModelProvider) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.ID] = p
	return c
}

func (c *Catalog) AddModel(m models.ModelConfig) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.ID] = m
	return c
}

func (c *Catalog) AddAlias(a models.ModelAlias) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases[a.AliasName] = a
	return c
}

func (c *Catalog) AddGroup(g models.ModelGroup) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[g.ModelType] = g
	return c
}

func (c *Catalog) AddRate(r models.ModelCreditRate) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[r.ModelID] = r
	return c
}

// AddAPIKey registers a raw key; lookups hash it like the database does
func (c *Catalog) AddAPIKey(raw string, k models.APIKey) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := sha256.Sum256([]byte(raw))
	k.KeyHash = hex.EncodeToString(sum[:])
	c.keys[k.KeyHash] = k
	return c
}

func (c *Catalog) GetAlias(_ context.Context, name string) (*models.ModelAlias, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.aliases[name]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

func (c *Catalog) GetModel(_ context.Context, id string) (*models.ModelConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &m, nil
}

func (c *Catalog) GetModelByName(_ context.Context, name string) (*models.ModelConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.ModelName == name {
			m := m
			return &m, nil
		}
	}
	return nil, models.ErrNotFound
}

func (c *Catalog) GetProvider(_ context.Context, id string) (*models.ModelProvider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (c *Catalog) GetModelGroup(_ context.Context, modelType string) (*models.ModelGroup, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[modelType]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &g, nil
}

func (c *Catalog) GetCreditRate(_ context.Context, modelID string) (*models.ModelCreditRate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rates[modelID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (c *Catalog) GetAPIKey(_ context.Context, rawKey string) (*models.APIKey, error) {
	sum := sha256.Sum256([]byte(rawKey))
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[hex.EncodeToString(sum[:])]
	if !ok || !k.IsActive {
		return nil, models.ErrNotFound
	}
	return &k, nil
}

func (c *Catalog) UpdateAPIKeyLastUsed(_ context.Context, apiKeyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, k := range c.keys {
		if k.ID == apiKeyID {
			now := time.Now()
			k.LastUsedAt = &now
			c.keys[hash] = k
		}
	}
	return nil
}

// StaticBreaker denies the listed providers and allows everything else
type StaticBreaker struct {
	mu     sync.Mutex
	Denied map[string]bool
	Calls  []string
}

func (b *StaticBreaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, provider)
	return !b.Denied[provider]
}
