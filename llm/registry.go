// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/relaycore/gateway/llm/circuitbreaker"
	"github.com/relaycore/gateway/resilience"
)

// entry pairs a configured provider with its breaker, rate limiter, and
// rolling health.
type entry struct {
	provider    Provider
	config      ProviderConfig
	breaker     *circuitbreaker.Breaker
	rateLimiter *resilience.RateLimiter
	health      HealthStatus
}

// snapshot is the immutable map swapped under the Registry's pointer.
// Readers never hold a lock; a hot-reload writer builds the next
// snapshot and swaps it in atomically.
type snapshot struct {
	byName map[string]*entry
}

// Registry is a read-mostly, read-mostly-snapshot provider catalog.
// Readers are wait-free; writers (registration, hot reload) take the
// write mutex to build and swap the next snapshot.
type Registry struct {
	mu       sync.Mutex // guards writers only; readers use the atomic pointer
	snap     atomic.Pointer[snapshot]
	observe  circuitbreaker.TransitionObserver
}

// NewRegistry returns an empty registry.
func NewRegistry(observe circuitbreaker.TransitionObserver) *Registry {
	r := &Registry{observe: observe}
	r.snap.Store(&snapshot{byName: map[string]*entry{}})
	return r
}

// Register adds or replaces a provider entry. Existing breaker state
// for an already-registered name is preserved across re-registration
// so a config reload doesn't reset in-flight circuit state.
func (r *Registry) Register(p Provider, cfg ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	next := map[string]*entry{}
	for k, v := range old.byName {
		next[k] = v
	}

	br := old.byName[cfg.Name]
	var breaker *circuitbreaker.Breaker
	if br != nil {
		breaker = br.breaker
	} else {
		breaker = circuitbreaker.New(cfg.Name, circuitbreaker.DefaultConfig(), r.observe)
	}

	// A re-registration with the same rate limit keeps the running
	// token bucket rather than resetting it to full on every reload.
	var limiter *resilience.RateLimiter
	switch {
	case cfg.RateLimit <= 0:
		limiter = nil
	case br != nil && br.rateLimiter != nil && br.config.RateLimit == cfg.RateLimit:
		limiter = br.rateLimiter
	default:
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = resilience.NewRateLimiter(cfg.RateLimit, burst)
	}

	next[cfg.Name] = &entry{
		provider:    p,
		config:      cfg,
		breaker:     breaker,
		rateLimiter: limiter,
		health:      HealthStatus{Healthy: true},
	}
	r.snap.Store(&snapshot{byName: next})
}

// Unregister removes a provider from the catalog.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	next := map[string]*entry{}
	for k, v := range old.byName {
		if k != name {
			next[k] = v
		}
	}
	r.snap.Store(&snapshot{byName: next})
}

// Get returns the named provider's live entry, or false if unknown.
func (r *Registry) Get(name string) (Provider, ProviderConfig, bool) {
	s := r.snap.Load()
	e, ok := s.byName[name]
	if !ok {
		return nil, ProviderConfig{}, false
	}
	return e.provider, e.config, true
}

// Breaker returns the circuit breaker for a registered provider.
func (r *Registry) Breaker(name string) (*circuitbreaker.Breaker, bool) {
	s := r.snap.Load()
	e, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return e.breaker, true
}

// RateLimiter returns the per-provider admission-control token bucket,
// or false if the provider has no configured rate limit.
func (r *Registry) RateLimiter(name string) (*resilience.RateLimiter, bool) {
	s := r.snap.Load()
	e, ok := s.byName[name]
	if !ok || e.rateLimiter == nil {
		return nil, false
	}
	return e.rateLimiter, true
}

// SetHealth updates the rolling health snapshot for a provider.
func (r *Registry) SetHealth(name string, h HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	e, ok := old.byName[name]
	if !ok {
		return
	}
	next := map[string]*entry{}
	for k, v := range old.byName {
		next[k] = v
	}
	dup := *e
	dup.health = h
	next[name] = &dup
	r.snap.Store(&snapshot{byName: next})
}

// Health returns the last-known health for a provider.
func (r *Registry) Health(name string) (HealthStatus, bool) {
	s := r.snap.Load()
	e, ok := s.byName[name]
	if !ok {
		return HealthStatus{}, false
	}
	return e.health, true
}

// candidate is one (provider, model) pair under consideration by the
// Router, carrying the fields the selection pipeline filters/ranks on.
type candidate struct {
	providerName string
	provider     Provider
	model        ModelInfo
	estimate     *CostEstimate
	health       HealthStatus
}

// Catalog returns every (provider, model) pair currently registered,
// for the Router's filter/rank pipeline. The returned slice is a
// point-in-time copy; the registry may change concurrently.
func (r *Registry) Catalog() []candidate {
	s := r.snap.Load()
	var out []candidate
	for name, e := range s.byName {
		if !e.config.Enabled {
			continue
		}
		for _, m := range e.provider.Models() {
			out = append(out, candidate{
				providerName: name,
				provider:     e.provider,
				model:        m,
				health:       e.health,
			})
		}
	}
	return out
}

// ErrUnknownProvider is returned when a concrete/provider-qualified
// model string names a provider not present in the registry.
func ErrUnknownProvider(name string) error {
	return fmt.Errorf("llm: unknown provider %q", name)
}
