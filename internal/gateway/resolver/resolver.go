package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// Catalog is the read-only configuration store. Lookups of missing records
// return models.ErrNotFound.
type Catalog interface {
	GetAlias(ctx context.Context, name string) (*models.ModelAlias, error)
	GetModel(ctx context.Context, id string) (*models.ModelConfig, error)
	GetModelByName(ctx context.Context, name string) (*models.ModelConfig, error)
	GetProvider(ctx context.Context, id string) (*models.ModelProvider, error)
	GetModelGroup(ctx context.Context, modelType string) (*models.ModelGroup, error)
}

// Breaker is the admission check consulted for every candidate provider
type Breaker interface {
	Allow(provider string) bool
}

// Candidate is one concrete model to try, with its provider
type Candidate struct {
	Model    *models.ModelConfig
	Provider *models.ModelProvider
}

// Resolution is the ordered candidate list for a requested model name
type Resolution struct {
	Requested  string
	Candidates []Candidate
	// Alias is set when the name matched an enabled alias
	Alias bool
	// Fallback is set when the literal model was replaced by its group
	Fallback bool
}

type Resolver struct {
	catalog Catalog
	breaker Breaker
	logger  *zap.Logger
}

func New(catalog Catalog, breaker Breaker, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{catalog: catalog, breaker: breaker, logger: logger}
}

// admission memoizes breaker decisions so a provider appearing several
// times in one resolution consumes at most one half-open probe.
type admission struct {
	breaker Breaker
	seen    map[string]bool
	denied  int
}

func (a *admission) allow(provider string) bool {
	ok, found := a.seen[provider]
	if !found {
		ok = a.breaker.Allow(provider)
		a.seen[provider] = ok
	}
	if !ok {
		a.denied++
	}
	return ok
}

// Resolve maps a requested name to candidates, highest priority first.
// Aliases keep their configured order; filtered entries are dropped, never
// reordered. A literal model name yields one candidate, or its group's
// fallbacks when its provider's circuit is open.
func (r *Resolver) Resolve(ctx context.Context, name string) (*Resolution, error) {
	alias, err := r.catalog.GetAlias(ctx, name)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("lookup alias %s: %w", name, err)
	}
	if err == nil && alias.Enabled {
		return r.resolveAlias(ctx, name, alias)
	}
	return r.resolveLiteral(ctx, name)
}

func (r *Resolver) resolveAlias(ctx context.Context, name string, alias *models.ModelAlias) (*Resolution, error) {
	adm := &admission{breaker: r.breaker, seen: make(map[string]bool)}
	res := &Resolution{Requested: name, Alias: true}

	for _, id := range alias.ModelIDs {
		c, ok, err := r.candidate(ctx, id, adm)
		if err != nil {
			return nil, err
		}
		if ok {
			res.Candidates = append(res.Candidates, c)
		}
	}

	if len(res.Candidates) == 0 {
		if adm.denied > 0 {
			return nil, fmt.Errorf("%w: every provider behind alias %s is unavailable", gwerrors.ErrProviderUnavailable, name)
		}
		return nil, fmt.Errorf("%w: alias %s has no enabled models", gwerrors.ErrModelNotFound, name)
	}

	r.logger.Debug("resolved model alias",
		zap.String("alias", name),
		zap.Int("configured", len(alias.ModelIDs)),
		zap.Int("available", len(res.Candidates)),
	)
	return res, nil
}

func (r *Resolver) resolveLiteral(ctx context.Context, name string) (*Resolution, error) {
	model, err := r.catalog.GetModelByName(ctx, name)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", gwerrors.ErrModelNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup model %s: %w", name, err)
	}
	if !model.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", gwerrors.ErrModelNotFound, name)
	}

	provider, err := r.catalog.GetProvider(ctx, model.ProviderID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && !provider.Enabled) {
		return nil, fmt.Errorf("%w: provider %s", gwerrors.ErrProviderUnavailable, model.ProviderID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup provider %s: %w", model.ProviderID, err)
	}

	if r.breaker.Allow(provider.Name) {
		return &Resolution{
			Requested:  name,
			Candidates: []Candidate{{Model: model, Provider: provider}},
		}, nil
	}

	fallbacks, err := r.groupFallbacks(ctx, model)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return nil, fmt.Errorf("%w: %s", gwerrors.ErrProviderUnavailable, provider.Name)
	}

	r.logger.Info("primary provider circuit open, using model group fallback",
		zap.String("model", name),
		zap.String("provider", provider.Name),
		zap.String("fallback", fallbacks[0].Model.ModelName),
	)
	return &Resolution{Requested: name, Candidates: fallbacks, Fallback: true}, nil
}

func (r *Resolver) groupFallbacks(ctx context.Context, primary *models.ModelConfig) ([]Candidate, error) {
	if primary.ModelType == "" {
		return nil, nil
	}
	group, err := r.catalog.GetModelGroup(ctx, primary.ModelType)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup model group %s: %w", primary.ModelType, err)
	}
	if !group.FallbackEnabled {
		return nil, nil
	}

	adm := &admission{breaker: r.breaker, seen: make(map[string]bool)}
	var out []Candidate
	for _, id := range group.ModelIDs {
		if id == primary.ID {
			continue
		}
		c, ok, err := r.candidate(ctx, id, adm)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// candidate loads a model and its provider and applies the enabled and
// breaker filters. Missing records are filtered, not errors.
func (r *Resolver) candidate(ctx context.Context, modelID string, adm *admission) (Candidate, bool, error) {
	model, err := r.catalog.GetModel(ctx, modelID)
	if errors.Is(err, models.ErrNotFound) {
		return Candidate{}, false, nil
	}
	if err != nil {
		return Candidate{}, false, fmt.Errorf("lookup model %s: %w", modelID, err)
	}
	if !model.Enabled {
		return Candidate{}, false, nil
	}

	provider, err := r.catalog.GetProvider(ctx, model.ProviderID)
	if errors.Is(err, models.ErrNotFound) {
		return Candidate{}, false, nil
	}
	if err != nil {
		return Candidate{}, false, fmt.Errorf("lookup provider %s: %w", model.ProviderID, err)
	}
	if !provider.Enabled || !adm.allow(provider.Name) {
		return Candidate{}, false, nil
	}
	return Candidate{Model: model, Provider: provider}, true, nil
}
