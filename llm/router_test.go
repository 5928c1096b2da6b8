// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionOK(provider, model string) func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Provider: provider, Model: model, Content: "ok"}, nil
	}
}

func TestRouter_Dispatch_PicksOnlyCandidate(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "openai",
		models:     []ModelInfo{cheapModel("gpt-4")},
		completeFn: completionOK("openai", "gpt-4"),
	}, ProviderConfig{Name: "openai", Enabled: true})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
}

func TestRouter_Dispatch_UnknownConcreteModel(t *testing.T) {
	r := NewRegistry(nil)
	router := NewRouter(r, nil)
	_, err := router.Dispatch(context.Background(), CompletionRequest{Model: "nonexistent"})
	require.Error(t, err)
}

func TestRouter_Dispatch_ProviderQualifiedModel(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "openai",
		completeFn: completionOK("openai", "gpt-4"),
	}, ProviderConfig{Name: "openai", Enabled: true})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "openai://gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
}

func TestRouter_Dispatch_FallsBackOnRetryableFailure(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:   "flaky",
		models: []ModelInfo{cheapModel("smart-cheap")},
		completeFn: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
			return nil, &ProviderError{Kind: ErrUpstream5xx, Provider: "flaky"}
		},
		estimate: &CostEstimate{EstimatedUSD: 0.01},
	}, ProviderConfig{Name: "flaky", Enabled: true, Priority: 1})
	r.Register(&fakeProvider{
		name:       "reliable",
		models:     []ModelInfo{cheapModel("smart-cheap")},
		completeFn: completionOK("reliable", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 0.02},
	}, ProviderConfig{Name: "reliable", Enabled: true, Priority: 2})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-cheap"})
	require.NoError(t, err)
	assert.Equal(t, "reliable", resp.Provider)
}

func TestRouter_Dispatch_RetriesRetryableFailureBeforeFallback(t *testing.T) {
	r := NewRegistry(nil)
	var calls int
	r.Register(&fakeProvider{
		name:   "flaky",
		models: []ModelInfo{cheapModel("smart-cheap")},
		completeFn: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
			calls++
			return nil, &ProviderError{Kind: ErrUpstream5xx, Provider: "flaky"}
		},
		estimate: &CostEstimate{EstimatedUSD: 0.01},
	}, ProviderConfig{Name: "flaky", Enabled: true, Priority: 1})
	r.Register(&fakeProvider{
		name:       "reliable",
		models:     []ModelInfo{cheapModel("smart-cheap")},
		completeFn: completionOK("reliable", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 0.02},
	}, ProviderConfig{Name: "reliable", Enabled: true, Priority: 2})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-cheap"})
	require.NoError(t, err)
	assert.Equal(t, "reliable", resp.Provider)
	assert.Equal(t, 3, calls, "a retryable failure gets two retries against the same candidate before falling back")
}

func TestRouter_Dispatch_NonRetryableFailureDoesNotRetry(t *testing.T) {
	r := NewRegistry(nil)
	var calls int
	r.Register(&fakeProvider{
		name:   "auth-broken",
		models: []ModelInfo{cheapModel("smart-cheap")},
		completeFn: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
			calls++
			return nil, &ProviderError{Kind: ErrAuthFailed, Provider: "auth-broken"}
		},
	}, ProviderConfig{Name: "auth-broken", Enabled: true})

	router := NewRouter(r, nil)
	_, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-cheap"})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a non-retryable failure must not be retried")
}

func TestRouter_Dispatch_RateLimiterThrottlesAdmission(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "openai",
		models:     []ModelInfo{cheapModel("gpt-4")},
		completeFn: completionOK("openai", "gpt-4"),
	}, ProviderConfig{Name: "openai", Enabled: true, RateLimit: 1})

	limiter, ok := r.RateLimiter("openai")
	require.True(t, ok)
	require.True(t, limiter.TryAcquire(), "drain the single burst token")

	router := NewRouter(r, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := router.Dispatch(ctx, CompletionRequest{Model: "gpt-4"})
	require.Error(t, err, "dispatch must block on the exhausted rate limiter until the context deadline")
}

func TestRouter_Dispatch_NonRetryableFailureStopsImmediately(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:   "auth-broken",
		models: []ModelInfo{cheapModel("smart-cheap")},
		completeFn: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
			return nil, &ProviderError{Kind: ErrAuthFailed, Provider: "auth-broken"}
		},
		estimate: &CostEstimate{EstimatedUSD: 0.01},
	}, ProviderConfig{Name: "auth-broken", Enabled: true})
	r.Register(&fakeProvider{
		name:       "never-called",
		models:     []ModelInfo{cheapModel("smart-cheap")},
		completeFn: completionOK("never-called", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 0.02},
	}, ProviderConfig{Name: "never-called", Enabled: true})

	router := NewRouter(r, nil)
	_, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-cheap"})
	require.Error(t, err)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrAuthFailed, pe.Kind)
}

func TestRouter_Dispatch_SkipsOpenBreaker(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "broken",
		models:     []ModelInfo{cheapModel("smart-cheap")},
		completeFn: completionOK("broken", "smart-cheap"),
	}, ProviderConfig{Name: "broken", Enabled: true})
	r.Register(&fakeProvider{
		name:       "healthy",
		models:     []ModelInfo{cheapModel("smart-cheap")},
		completeFn: completionOK("healthy", "smart-cheap"),
	}, ProviderConfig{Name: "healthy", Enabled: true})

	breaker, ok := r.Breaker("broken")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.False(t, breaker.Allow())

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-cheap"})
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Provider)
}

func TestRouter_Dispatch_CostOptimizedRanking(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "expensive",
		models:     []ModelInfo{{ID: "smart-cheap", OutputPricePer1k: 5.0}},
		completeFn: completionOK("expensive", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 1.0},
	}, ProviderConfig{Name: "expensive", Enabled: true})
	r.Register(&fakeProvider{
		name:       "cheap",
		models:     []ModelInfo{{ID: "smart-cheap", OutputPricePer1k: 0.1}},
		completeFn: completionOK("cheap", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 0.01},
	}, ProviderConfig{Name: "cheap", Enabled: true})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{
		Model:   "smart-cheap",
		Routing: &RoutingOptions{Strategy: RoutingCostOptimized},
	})
	require.NoError(t, err)
	assert.Equal(t, "cheap", resp.Provider)
}

func TestRouter_Dispatch_PerformanceFirstRanksByLatencyNotCost(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "cheap-slow",
		models:     []ModelInfo{{ID: "smart-fast"}},
		completeFn: completionOK("cheap-slow", "smart-fast"),
		estimate:   &CostEstimate{EstimatedUSD: 0.01},
	}, ProviderConfig{Name: "cheap-slow", Enabled: true})
	r.Register(&fakeProvider{
		name:       "pricey-fast",
		models:     []ModelInfo{{ID: "smart-fast"}},
		completeFn: completionOK("pricey-fast", "smart-fast"),
		estimate:   &CostEstimate{EstimatedUSD: 1.0},
	}, ProviderConfig{Name: "pricey-fast", Enabled: true})
	r.SetHealth("cheap-slow", HealthStatus{Healthy: true, AverageLatency: 900 * time.Millisecond})
	r.SetHealth("pricey-fast", HealthStatus{Healthy: true, AverageLatency: 50 * time.Millisecond})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-fast"})
	require.NoError(t, err)
	assert.Equal(t, "pricey-fast", resp.Provider, "smart-fast must pick the lower-latency candidate even when it costs more")
}

func TestRouter_Dispatch_PerformanceFirstTiebreaksOnCost(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "expensive",
		models:     []ModelInfo{{ID: "smart-fast"}},
		completeFn: completionOK("expensive", "smart-fast"),
		estimate:   &CostEstimate{EstimatedUSD: 1.0},
	}, ProviderConfig{Name: "expensive", Enabled: true})
	r.Register(&fakeProvider{
		name:       "cheap",
		models:     []ModelInfo{{ID: "smart-fast"}},
		completeFn: completionOK("cheap", "smart-fast"),
		estimate:   &CostEstimate{EstimatedUSD: 0.1},
	}, ProviderConfig{Name: "cheap", Enabled: true})
	r.SetHealth("expensive", HealthStatus{Healthy: true, AverageLatency: 100 * time.Millisecond})
	r.SetHealth("cheap", HealthStatus{Healthy: true, AverageLatency: 100 * time.Millisecond})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-fast"})
	require.NoError(t, err)
	assert.Equal(t, "cheap", resp.Provider, "equal latency must fall back to ascending cost")
}

func TestRouter_Dispatch_BalancedWeighsCostAndLatency(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "cheapest-slowest",
		models:     []ModelInfo{{ID: "smart-balanced"}},
		completeFn: completionOK("cheapest-slowest", "smart-balanced"),
		estimate:   &CostEstimate{EstimatedUSD: 0.01},
	}, ProviderConfig{Name: "cheapest-slowest", Enabled: true})
	r.Register(&fakeProvider{
		name:       "mid",
		models:     []ModelInfo{{ID: "smart-balanced"}},
		completeFn: completionOK("mid", "smart-balanced"),
		estimate:   &CostEstimate{EstimatedUSD: 0.3},
	}, ProviderConfig{Name: "mid", Enabled: true})
	r.Register(&fakeProvider{
		name:       "costliest-slow",
		models:     []ModelInfo{{ID: "smart-balanced"}},
		completeFn: completionOK("costliest-slow", "smart-balanced"),
		estimate:   &CostEstimate{EstimatedUSD: 0.5},
	}, ProviderConfig{Name: "costliest-slow", Enabled: true})
	r.SetHealth("cheapest-slowest", HealthStatus{Healthy: true, AverageLatency: time.Second})
	r.SetHealth("mid", HealthStatus{Healthy: true, AverageLatency: 10 * time.Millisecond})
	r.SetHealth("costliest-slow", HealthStatus{Healthy: true, AverageLatency: 500 * time.Millisecond})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-balanced"})
	require.NoError(t, err)
	assert.Equal(t, "mid", resp.Provider, "balanced must weigh latency alongside cost, not either extreme alone")
}

func TestRouter_Dispatch_StaticWeightBreaksNearTie(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "low-weight",
		models:     []ModelInfo{{ID: "smart-cheap"}},
		completeFn: completionOK("low-weight", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 1.0},
	}, ProviderConfig{Name: "low-weight", Enabled: true, Weight: 1})
	r.Register(&fakeProvider{
		name:       "high-weight",
		models:     []ModelInfo{{ID: "smart-cheap"}},
		completeFn: completionOK("high-weight", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 1.0},
	}, ProviderConfig{Name: "high-weight", Enabled: true, Weight: 10})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{
		Model:   "smart-cheap",
		Routing: &RoutingOptions{Strategy: RoutingCostOptimized},
	})
	require.NoError(t, err)
	assert.Equal(t, "high-weight", resp.Provider, "equal cost, so the higher static weight must rank first")
}

type fakeWeights struct{ overrides map[string]float64 }

func (f fakeWeights) RoutingWeight(provider string) (float64, bool) {
	w, ok := f.overrides[provider]
	return w, ok
}

func TestRouter_Dispatch_RuntimeWeightOverridesStaticWeight(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "a",
		models:     []ModelInfo{{ID: "smart-cheap"}},
		completeFn: completionOK("a", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 1.0},
	}, ProviderConfig{Name: "a", Enabled: true, Weight: 10})
	r.Register(&fakeProvider{
		name:       "b",
		models:     []ModelInfo{{ID: "smart-cheap"}},
		completeFn: completionOK("b", "smart-cheap"),
		estimate:   &CostEstimate{EstimatedUSD: 1.0},
	}, ProviderConfig{Name: "b", Enabled: true, Weight: 1})

	router := NewRouter(r, nil, WithWeights(fakeWeights{overrides: map[string]float64{"b": 100}}))
	resp, err := router.Dispatch(context.Background(), CompletionRequest{
		Model:   "smart-cheap",
		Routing: &RoutingOptions{Strategy: RoutingCostOptimized},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Provider, "a runtime override must outrank a provider's static config weight")
}

type fakeBudget struct {
	allow        bool
	lastOwner    string
	lastEstimate float64
	calls        int
}

func (f *fakeBudget) EvaluatePreflight(ctx context.Context, owner string, estimatedUSD float64) (bool, error) {
	f.calls++
	f.lastOwner = owner
	f.lastEstimate = estimatedUSD
	return f.allow, nil
}

func TestRouter_Dispatch_DeniedBudgetStopsBeforeUpstreamCall(t *testing.T) {
	r := NewRegistry(nil)
	var calls int
	r.Register(&fakeProvider{
		name:   "openai",
		models: []ModelInfo{cheapModel("gpt-4")},
		completeFn: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
			calls++
			return completionOK("openai", "gpt-4")(ctx, req)
		},
		estimate: &CostEstimate{EstimatedUSD: 5.0},
	}, ProviderConfig{Name: "openai", Enabled: true})

	budget := &fakeBudget{allow: false}
	router := NewRouter(r, budget)
	_, err := router.Dispatch(context.Background(), CompletionRequest{Model: "gpt-4", UserID: "user-1"})

	var be *BudgetExhaustedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "user-1", be.Owner)
	assert.Equal(t, 0, calls, "a denied preflight must not reach the upstream provider")
	assert.Equal(t, 1, budget.calls)
	assert.Equal(t, "user-1", budget.lastOwner)
	assert.Equal(t, 5.0, budget.lastEstimate)
}

func TestRouter_Dispatch_AllowedBudgetProceeds(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "openai",
		models:     []ModelInfo{cheapModel("gpt-4")},
		completeFn: completionOK("openai", "gpt-4"),
	}, ProviderConfig{Name: "openai", Enabled: true})

	router := NewRouter(r, &fakeBudget{allow: true})
	resp, err := router.Dispatch(context.Background(), CompletionRequest{Model: "gpt-4", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
}

func TestRouter_Dispatch_NoOwnerSkipsBudgetCheck(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "openai",
		models:     []ModelInfo{cheapModel("gpt-4")},
		completeFn: completionOK("openai", "gpt-4"),
	}, ProviderConfig{Name: "openai", Enabled: true})

	budget := &fakeBudget{allow: false}
	router := NewRouter(r, budget)
	_, err := router.Dispatch(context.Background(), CompletionRequest{Model: "gpt-4"})
	require.NoError(t, err, "a request with no user/project id carries no budget to enforce")
	assert.Equal(t, 0, budget.calls)
}

func TestRouter_Dispatch_RequiredCapabilityFiltersCandidates(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:       "no-tools",
		models:     []ModelInfo{{ID: "m1", Capabilities: nil}},
		completeFn: completionOK("no-tools", "m1"),
	}, ProviderConfig{Name: "no-tools", Enabled: true})
	r.Register(&fakeProvider{
		name:       "with-tools",
		models:     []ModelInfo{{ID: "m1", Capabilities: []Capability{CapabilityFunctionCalling}}},
		completeFn: completionOK("with-tools", "m1"),
	}, ProviderConfig{Name: "with-tools", Enabled: true})

	router := NewRouter(r, nil)
	resp, err := router.Dispatch(context.Background(), CompletionRequest{
		Model: "m1",
		Tools: []ToolSpec{{Name: "lookup"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "with-tools", resp.Provider)
}

func TestRouter_Dispatch_NoProviderAvailableListsAttempted(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:   "always-fails",
		models: []ModelInfo{cheapModel("smart-cheap")},
		completeFn: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
			return nil, &ProviderError{Kind: ErrTimeout, Provider: "always-fails"}
		},
	}, ProviderConfig{Name: "always-fails", Enabled: true})

	router := NewRouter(r, nil)
	_, err := router.Dispatch(context.Background(), CompletionRequest{Model: "smart-cheap"})
	require.Error(t, err)
	var npe *NoProviderAvailableError
	require.True(t, errors.As(err, &npe))
	assert.Contains(t, npe.Attempted, "always-fails/smart-cheap")
}

func TestRouter_DispatchStream_FallsBackOnlyBeforeFirstChunk(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:      "fails-early",
		models:    []ModelInfo{cheapModel("smart-cheap")},
		streaming: true,
		streamFn: func(ctx context.Context, req CompletionRequest, h StreamHandler) (*CompletionResponse, error) {
			return nil, &ProviderError{Kind: ErrUpstream5xx, Provider: "fails-early"}
		},
		estimate: &CostEstimate{EstimatedUSD: 0.01},
	}, ProviderConfig{Name: "fails-early", Enabled: true})
	r.Register(&fakeProvider{
		name:      "succeeds",
		models:    []ModelInfo{cheapModel("smart-cheap")},
		streaming: true,
		streamFn: func(ctx context.Context, req CompletionRequest, h StreamHandler) (*CompletionResponse, error) {
			require.NoError(t, h(StreamChunk{Delta: "hi"}))
			return &CompletionResponse{Provider: "succeeds"}, nil
		},
		estimate: &CostEstimate{EstimatedUSD: 0.02},
	}, ProviderConfig{Name: "succeeds", Enabled: true})

	router := NewRouter(r, nil)
	var received []StreamChunk
	resp, err := router.DispatchStream(context.Background(), CompletionRequest{Model: "smart-cheap"}, func(c StreamChunk) error {
		received = append(received, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "succeeds", resp.Provider)
	assert.Len(t, received, 1)
}

func TestRouter_DispatchStream_FailureAfterFirstChunkDoesNotFallBack(t *testing.T) {
	// Use a concrete primary model plus a fallback model (rather than two
	// candidates for the same virtual model) so the try order is
	// deterministic: resolve() always dispatches the concrete match
	// before appending the fallback list, regardless of map iteration
	// order over the registry's catalog.
	r := NewRegistry(nil)
	r.Register(&fakeProvider{
		name:      "mid-stream-failure",
		models:    []ModelInfo{{ID: "m1"}},
		streaming: true,
		streamFn: func(ctx context.Context, req CompletionRequest, h StreamHandler) (*CompletionResponse, error) {
			_ = h(StreamChunk{Delta: "partial"})
			return nil, &ProviderError{Kind: ErrUpstream5xx, Provider: "mid-stream-failure"}
		},
	}, ProviderConfig{Name: "mid-stream-failure", Enabled: true})
	r.Register(&fakeProvider{
		name:      "never-reached",
		models:    []ModelInfo{{ID: "m2"}},
		streaming: true,
		streamFn: func(ctx context.Context, req CompletionRequest, h StreamHandler) (*CompletionResponse, error) {
			t.Fatal("fallback candidate must not be tried once the first chunk was delivered")
			return nil, nil
		},
	}, ProviderConfig{Name: "never-reached", Enabled: true})

	router := NewRouter(r, nil)
	_, err := router.DispatchStream(context.Background(), CompletionRequest{
		Model:   "m1",
		Routing: &RoutingOptions{FallbackModels: []string{"m2"}},
	}, func(c StreamChunk) error {
		return nil
	})
	require.Error(t, err)
}
