// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/relaycore/gateway/resilience"
	"github.com/relaycore/gateway/shared/logger"
)

// completeRetryConfig retries a non-streaming dispatch attempt against
// the same candidate on a retryable provider error before the Router
// gives up on it and moves to the next candidate. Streaming dispatch
// is never retried mid-attempt; DispatchStream's fallback-to-next-
// candidate logic already covers the failure-before-first-chunk case.
func completeRetryConfig() *resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxRetries = 2
	cfg.InitialInterval = 25 * time.Millisecond
	cfg.MaxInterval = 200 * time.Millisecond
	cfg.RetryIf = func(err error) bool {
		pe, ok := IsProviderError(err)
		return ok && pe.Retryable()
	}
	return cfg
}

// virtualModel tags a routing-intent alias in the request's `model` field.
type virtualModel string

const (
	vCheap     virtualModel = "smart-cheap"
	vCBCost    virtualModel = "cb:cost-optimal"
	vFast      virtualModel = "smart-fast"
	vCBFastest virtualModel = "cb:fastest"
	vBalanced  virtualModel = "smart-balanced"
	vCreative  virtualModel = "smart-creative"
	vCoding    virtualModel = "smart-coding"
	vAnalysis  virtualModel = "smart-analysis"
	vAuto      virtualModel = "auto"
)

func isVirtual(model string) bool {
	switch virtualModel(model) {
	case vCheap, vCBCost, vFast, vCBFastest, vBalanced, vCreative, vCoding, vAnalysis, vAuto:
		return true
	}
	return false
}

// NoProviderAvailableError is returned when every candidate was
// filtered out or every dispatch attempt failed.
type NoProviderAvailableError struct {
	Attempted []string
}

func (e *NoProviderAvailableError) Error() string {
	return "llm: no provider available, attempted: " + strings.Join(e.Attempted, ", ")
}

// BudgetChecker is consulted by the Router before dispatch when a
// per-request budget constraint is present. Implemented by usage.Ledger.
type BudgetChecker interface {
	EvaluatePreflight(ctx context.Context, owner string, estimatedUSD float64) (allow bool, err error)
}

// BudgetExhaustedError is returned when a preflight budget check denies
// a request; no upstream call is made and no usage is recorded.
type BudgetExhaustedError struct {
	Owner        string
	EstimatedUSD float64
}

func (e *BudgetExhaustedError) Error() string {
	return "llm: budget exhausted for " + e.Owner
}

// preflightOwner picks the budget owner for a request: the user, when
// set, else the project. Matches usage.ownersOf's own preference order
// for which owner a Record is charged against first.
func preflightOwner(req CompletionRequest) string {
	if req.UserID != "" {
		return req.UserID
	}
	return req.ProjectID
}

// checkBudget runs the preflight budget check against the first-ranked
// candidate's cost estimate (the lowest weighted cost only under
// cost_optimized ranking), when the
// Router has a BudgetChecker and the request has an owner. A request
// with no UserID/ProjectID carries no budget and always passes.
func (r *Router) checkBudget(ctx context.Context, req CompletionRequest, candidates []candidate) error {
	if r.budget == nil || len(candidates) == 0 {
		return nil
	}
	owner := preflightOwner(req)
	if owner == "" {
		return nil
	}
	var estimatedUSD float64
	if est := candidates[0].estimate; est != nil {
		estimatedUSD = est.EstimatedUSD
	}
	allow, err := r.budget.EvaluatePreflight(ctx, owner, estimatedUSD)
	if err != nil {
		return err
	}
	if !allow {
		return &BudgetExhaustedError{Owner: owner, EstimatedUSD: estimatedUSD}
	}
	return nil
}

// WeightProvider supplies a hot-reloadable per-provider routing weight
// override, per §4.11's runtime config cache. Implemented by
// *config.RuntimeConfig; declared locally (rather than imported) since
// config already imports llm for ProviderConfig.
type WeightProvider interface {
	RoutingWeight(provider string) (weight float64, ok bool)
}

// Router resolves a request's model/routing options into an ordered
// candidate list and dispatches with fallback-before-first-chunk semantics.
type Router struct {
	registry *Registry
	log      *logger.Logger
	budget   BudgetChecker
	weights  WeightProvider
}

// RouterOption configures optional Router behavior.
type RouterOption func(*Router)

// WithWeights installs a hot-reloadable routing-weight source. A
// provider's effective weight is this override when set, else its
// static ProviderConfig.Weight, else 1.
func WithWeights(w WeightProvider) RouterOption {
	return func(r *Router) { r.weights = w }
}

// NewRouter builds a Router over the given registry. budget may be nil
// if no preflight budget check applies.
func NewRouter(registry *Registry, budget BudgetChecker, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		log:      logger.New("llm-router"),
		budget:   budget,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// weightFor returns c's effective routing weight: the hot-reloadable
// override when one is configured and positive, else the provider's
// static configured weight, else 1 (neutral).
func (r *Router) weightFor(c candidate) float64 {
	weight := 1.0
	if _, cfg, ok := r.registry.Get(c.providerName); ok && cfg.Weight > 0 {
		weight = cfg.Weight
	}
	if r.weights != nil {
		if w, ok := r.weights.RoutingWeight(c.providerName); ok && w > 0 {
			weight = w
		}
	}
	return weight
}

// resolve filters the registry catalog into an ordered candidate list
// per the §4.4 selection algorithm.
func (r *Router) resolve(req CompletionRequest) ([]candidate, error) {
	opts := req.Routing
	if opts == nil {
		opts = &RoutingOptions{}
	}

	var pool []candidate
	switch {
	case strings.Contains(req.Model, "://"):
		parts := strings.SplitN(req.Model, "://", 2)
		providerName, model := parts[0], parts[1]
		p, cfg, ok := r.registry.Get(providerName)
		if !ok || !cfg.Enabled {
			return nil, ErrUnknownProvider(providerName)
		}
		h, _ := r.registry.Health(providerName)
		pool = []candidate{{providerName: providerName, provider: p, model: ModelInfo{ID: model}, health: h}}
	case isVirtual(req.Model):
		pool = r.registry.Catalog()
	default:
		// Concrete model name: search every provider's catalog for a match.
		for _, c := range r.registry.Catalog() {
			if c.model.ID == req.Model {
				pool = append(pool, c)
			}
		}
		if pool == nil {
			return nil, ErrUnknownProvider(req.Model)
		}
	}

	required := requiredCapabilities(req, opts)
	var filtered []candidate
	for _, c := range pool {
		if !hasCapabilities(c.model.Capabilities, required) {
			continue
		}
		breaker, ok := r.registry.Breaker(c.providerName)
		if ok && breaker.State() == "open" {
			continue
		}
		if !c.health.Healthy && c.providerName != "" {
			h, ok := r.registry.Health(c.providerName)
			if ok && !h.Healthy {
				continue
			}
		}
		est := c.provider.EstimateCost(req)
		c.estimate = est
		if opts.MaxCostPer1kTokens > 0 && est != nil {
			per1k := (est.EstimatedUSD / float64(maxInt(est.PromptTokens+est.CompletionTokens, 1))) * 1000
			if per1k > opts.MaxCostPer1kTokens {
				continue
			}
		}
		if opts.BudgetConstraint != nil && opts.BudgetConstraint.PerRequestLimitUSD > 0 && est != nil {
			if est.EstimatedUSD > opts.BudgetConstraint.PerRequestLimitUSD {
				continue
			}
		}
		filtered = append(filtered, c)
	}

	r.rank(filtered, resolveStrategy(req.Model, opts))

	for _, fb := range opts.FallbackModels {
		for _, c := range r.registry.Catalog() {
			if c.model.ID == fb && !containsCandidate(filtered, c) {
				filtered = append(filtered, c)
			}
		}
	}

	if len(filtered) == 0 {
		return nil, &NoProviderAvailableError{}
	}
	return filtered, nil
}

func resolveStrategy(model string, opts *RoutingOptions) RoutingStrategy {
	if opts.Strategy != "" {
		return opts.Strategy
	}
	switch virtualModel(model) {
	case vCheap, vCBCost:
		return RoutingCostOptimized
	case vFast, vCBFastest:
		return RoutingPerformanceFirst
	default:
		return RoutingBalanced
	}
}

func requiredCapabilities(req CompletionRequest, opts *RoutingOptions) []Capability {
	caps := append([]Capability{}, opts.RequiredCapabilities...)
	if req.Stream {
		caps = append(caps, CapabilityStreaming)
	}
	if len(req.Tools) > 0 {
		caps = append(caps, CapabilityFunctionCalling)
	}
	switch virtualModel(req.Model) {
	case vCreative:
		caps = append(caps, CapabilityCreative)
	case vCoding:
		caps = append(caps, CapabilityCode)
	case vAnalysis:
		caps = append(caps, CapabilityAnalysis)
	}
	return caps
}

func hasCapabilities(have []Capability, want []Capability) bool {
	set := map[Capability]bool{}
	for _, c := range have {
		set[c] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func containsCandidate(cs []candidate, c candidate) bool {
	for _, x := range cs {
		if x.providerName == c.providerName && x.model.ID == c.model.ID {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// rank orders candidates in place per the strategy. Within a strategy,
// a candidate's effective cost is divided by its routing weight, so a
// higher-weighted provider ranks ahead of an otherwise-equal one —
// the §4.11 runtime weight override (or a provider's static
// ProviderConfig.Weight) nudges the ranking without overriding the
// cost/performance ordering entirely.
func (r *Router) rank(cs []candidate, strategy RoutingStrategy) {
	weightedCost := func(c candidate) float64 {
		return estUSD(c) / r.weightFor(c)
	}
	latency := func(c candidate) float64 {
		return float64(c.health.AverageLatency)
	}
	switch strategy {
	case RoutingCostOptimized:
		sort.SliceStable(cs, func(i, j int) bool {
			ci, cj := weightedCost(cs[i]), weightedCost(cs[j])
			if ci != cj {
				return ci < cj
			}
			return latency(cs[i]) < latency(cs[j])
		})
	case RoutingPerformanceFirst:
		sort.SliceStable(cs, func(i, j int) bool {
			li, lj := latency(cs[i]), latency(cs[j])
			if li != lj {
				return li < lj
			}
			return weightedCost(cs[i]) < weightedCost(cs[j])
		})
	default: // balanced
		if len(cs) == 0 {
			return
		}
		minCost, maxCost := minMax(cs, weightedCost)
		minLat, maxLat := minMax(cs, latency)
		const wCost, wLat = 0.5, 0.5
		score := func(c candidate) float64 {
			return wCost*normalize(weightedCost(c), minCost, maxCost) +
				wLat*normalize(latency(c), minLat, maxLat)
		}
		sort.SliceStable(cs, func(i, j int) bool {
			return score(cs[i]) < score(cs[j])
		})
	}
}

func minMax(cs []candidate, f func(candidate) float64) (min, max float64) {
	min, max = f(cs[0]), f(cs[0])
	for _, c := range cs {
		v := f(c)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func normalize(v, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (v - min) / (max - min)
}

func estUSD(c candidate) float64 {
	if c.estimate == nil {
		return 0
	}
	return c.estimate.EstimatedUSD
}

// Dispatch resolves candidates and dispatches non-streaming completion
// with fallback across candidates on retryable failure.
func (r *Router) Dispatch(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	candidates, err := r.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := r.checkBudget(ctx, req, candidates); err != nil {
		return nil, err
	}

	var attempted []string
	for _, c := range candidates {
		attempted = append(attempted, c.providerName+"/"+c.model.ID)
		if limiter, ok := r.registry.RateLimiter(c.providerName); ok {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		breaker, hasBreaker := r.registry.Breaker(c.providerName)
		if hasBreaker && !breaker.Allow() {
			continue
		}

		creq := req
		creq.Model = c.model.ID
		resp, err := resilience.RetryWithBackoff(ctx, completeRetryConfig(), func() (*CompletionResponse, error) {
			return c.provider.Complete(ctx, creq)
		})
		if err != nil {
			if hasBreaker {
				if pe, ok := IsProviderError(err); ok && pe.Retryable() {
					breaker.RecordFailure()
				}
			}
			var pe *ProviderError
			if errors.As(err, &pe) && pe.Retryable() {
				r.log.Warn("", req.UserID, "dispatch failed, trying next candidate", map[string]any{"provider": c.providerName, "error": err.Error()})
				continue
			}
			return nil, err
		}
		if hasBreaker {
			breaker.RecordSuccess()
		}
		return resp, nil
	}
	return nil, &NoProviderAvailableError{Attempted: attempted}
}

// DispatchStream resolves candidates and streams, advancing to the
// next candidate only if failure occurs before the first chunk.
func (r *Router) DispatchStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	candidates, err := r.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := r.checkBudget(ctx, req, candidates); err != nil {
		return nil, err
	}

	var attempted []string
	for _, c := range candidates {
		sp, ok := c.provider.(StreamingProvider)
		if !ok {
			continue
		}
		attempted = append(attempted, c.providerName+"/"+c.model.ID)
		if limiter, ok := r.registry.RateLimiter(c.providerName); ok {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		breaker, hasBreaker := r.registry.Breaker(c.providerName)
		if hasBreaker && !breaker.Allow() {
			continue
		}

		firstChunkDelivered := false
		wrapped := func(chunk StreamChunk) error {
			firstChunkDelivered = true
			return handler(chunk)
		}

		creq := req
		creq.Model = c.model.ID
		resp, err := sp.CompleteStream(ctx, creq, wrapped)
		if err != nil {
			if firstChunkDelivered {
				if hasBreaker {
					if pe, ok := IsProviderError(err); ok && pe.Retryable() {
						breaker.RecordFailure()
					}
				}
				return nil, err
			}
			if hasBreaker {
				if pe, ok := IsProviderError(err); ok && pe.Retryable() {
					breaker.RecordFailure()
				}
			}
			var pe *ProviderError
			if errors.As(err, &pe) && pe.Retryable() {
				continue
			}
			return nil, err
		}
		if hasBreaker {
			breaker.RecordSuccess()
		}
		return resp, nil
	}
	return nil, &NoProviderAvailableError{Attempted: attempted}
}
