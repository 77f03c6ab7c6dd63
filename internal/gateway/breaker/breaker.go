package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a provider circuit
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Defaults used when the registry is built with zero values
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// circuit is the per-provider state, guarded by its own mutex
type circuit struct {
	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	openUntil    time.Time
	probeStarted time.Time
}

// Registry tracks circuit state for every provider it has seen.
// Circuits are created lazily on first use and are independent of each other.
type Registry struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger
	onChange  func(provider string, s State)

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// NewRegistry creates a registry. A threshold < 1 or cooldown <= 0 falls
// back to the defaults.
func NewRegistry(threshold int, cooldown time.Duration, logger *zap.Logger) *Registry {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
		circuits:  make(map[string]*circuit),
	}
}

// WithClock replaces the time source, for tests
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// OnStateChange registers a hook called after every transition
func (r *Registry) OnStateChange(fn func(provider string, s State)) {
	r.onChange = fn
}

func (r *Registry) get(provider string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[provider]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[provider]; ok {
		return c
	}
	c = &circuit{}
	r.circuits[provider] = c
	return c
}

// Allow reports whether a call to provider may proceed. An open circuit
// admits exactly one probe once its cooldown has elapsed. A probe that
// never reports back is replaced after another cooldown.
func (r *Registry) Allow(provider string) bool {
	c := r.get(provider)
	now := r.now()

	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return true
	case Open:
		if now.Before(c.openUntil) {
			c.mu.Unlock()
			return false
		}
		c.state = HalfOpen
		c.probeStarted = now
		c.mu.Unlock()
		r.transition(provider, HalfOpen)
		return true
	default:
		if now.Sub(c.probeStarted) < r.cooldown {
			c.mu.Unlock()
			return false
		}
		c.probeStarted = now
		c.mu.Unlock()
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure count
func (r *Registry) RecordSuccess(provider string) {
	c := r.get(provider)

	c.mu.Lock()
	prev := c.state
	c.state = Closed
	c.failures = 0
	c.mu.Unlock()

	if prev != Closed {
		r.logger.Info("circuit breaker closed", zap.String("provider", provider))
		r.transition(provider, Closed)
	}
}

// RecordFailure counts a failure and opens the circuit when the threshold
// is reached or when a half-open probe fails.
func (r *Registry) RecordFailure(provider string) {
	c := r.get(provider)
	now := r.now()

	c.mu.Lock()
	c.failures++
	c.lastFailure = now
	prev := c.state
	opened := false
	switch c.state {
	case Closed:
		if c.failures >= r.threshold {
			c.state = Open
			c.openUntil = now.Add(r.cooldown)
			opened = true
		}
	case HalfOpen:
		c.state = Open
		c.openUntil = now.Add(r.cooldown)
		opened = true
	case Open:
		c.openUntil = now.Add(r.cooldown)
	}
	failures := c.failures
	c.mu.Unlock()

	if opened {
		r.logger.Warn("circuit breaker opened",
			zap.String("provider", provider),
			zap.Int("failures", failures),
			zap.String("from", prev.String()),
			zap.Duration("cooldown", r.cooldown),
		)
		r.transition(provider, Open)
	}
}

// State returns the current state without consuming a probe
func (r *Registry) State(provider string) State {
	c := r.get(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot reports state per known provider
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.circuits))
	for name, c := range r.circuits {
		c.mu.Lock()
		out[name] = c.state
		c.mu.Unlock()
	}
	return out
}

func (r *Registry) transition(provider string, s State) {
	if r.onChange != nil {
		r.onChange(provider, s)
	}
}
