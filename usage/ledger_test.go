// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
	seq       uint64
}

type publishedMsg struct {
	topic   string
	payload any
}

func (f *fakePublisher) Publish(topic string, payload any) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic, payload})
	f.seq++
	return f.seq
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.published {
		out = append(out, m.topic)
	}
	return out
}

func TestEvaluatePreflight_NoBudgetAlwaysAllows(t *testing.T) {
	l := NewLedger(nil)
	allow, err := l.EvaluatePreflight(context.Background(), "user-1", 1000)
	require.NoError(t, err)
	assert.True(t, allow)
}

func TestEvaluatePreflightDecision_AllowWarnDeny(t *testing.T) {
	l := NewLedger(nil)
	l.SetBudget("user-1", 100, PeriodDaily, 0.8)

	assert.Equal(t, Allow, l.EvaluatePreflightDecision("user-1", 10))
	assert.Equal(t, Warn, l.EvaluatePreflightDecision("user-1", 85))
	assert.Equal(t, Deny, l.EvaluatePreflightDecision("user-1", 150))
}

func TestEvaluatePreflightDecision_ExactWarningThresholdIsWarn(t *testing.T) {
	l := NewLedger(nil)
	l.SetBudget("user-1", 100, PeriodDaily, 0.8)
	assert.Equal(t, Warn, l.EvaluatePreflightDecision("user-1", 80))
}

func TestRecord_UpdatesBudgetForBothUserAndProject(t *testing.T) {
	l := NewLedger(nil)
	l.SetBudget("user-1", 100, PeriodDaily, 0.8)
	l.SetBudget("proj-1", 500, PeriodDaily, 0.8)

	err := l.Record(context.Background(), Record{
		UserID: "user-1", ProjectID: "proj-1", EstimatedCostUSD: 10, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	ub, ok := l.GetBudget("user-1")
	require.True(t, ok)
	assert.Equal(t, 10.0, ub.UsedUSD)

	pb, ok := l.GetBudget("proj-1")
	require.True(t, ok)
	assert.Equal(t, 10.0, pb.UsedUSD)
}

func TestRecord_SameUserAndProjectIDAppliedOnce(t *testing.T) {
	l := NewLedger(nil)
	l.SetBudget("shared", 100, PeriodDaily, 0.8)

	err := l.Record(context.Background(), Record{
		UserID: "shared", ProjectID: "shared", EstimatedCostUSD: 10, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	b, ok := l.GetBudget("shared")
	require.True(t, ok)
	assert.Equal(t, 10.0, b.UsedUSD, "a record whose user and project id coincide must only be applied once")
}

func TestRecord_PublishesCostUpdateEvents(t *testing.T) {
	pub := &fakePublisher{}
	l := NewLedger(pub)

	err := l.Record(context.Background(), Record{
		UserID: "user-1", ProjectID: "proj-1", EstimatedCostUSD: 1, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	topics := pub.topics()
	assert.Contains(t, topics, "cost:user-1")
	assert.Contains(t, topics, "cost:proj-1")
}

func TestRecord_ConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	l := NewLedger(nil)
	l.SetBudget("user-1", 1_000_000, PeriodDaily, 0.99)

	const n = 200
	var wg sync.WaitGroup
	var succeeded int64
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if err := l.Record(context.Background(), Record{UserID: "user-1", EstimatedCostUSD: 1, CreatedAt: time.Now()}); err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	b, ok := l.GetBudget("user-1")
	require.True(t, ok)
	assert.Equal(t, float64(n), b.UsedUSD)
	assert.EqualValues(t, n, succeeded)
}

func TestMaybeAlert_OnlyFiresOncePerThreshold(t *testing.T) {
	pub := &fakePublisher{}
	l := NewLedger(pub)
	l.SetBudget("user-1", 100, PeriodDaily, 0.5)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(context.Background(), Record{UserID: "user-1", EstimatedCostUSD: 20, CreatedAt: time.Now()}))
	}

	alerts := l.AlertLog()
	var warnCount, denyCount int
	for _, a := range alerts {
		if a.Threshold == 0.5 {
			warnCount++
		}
		if a.Threshold == 1.0 {
			denyCount++
		}
	}
	assert.Equal(t, 1, warnCount, "the 0.5 threshold must only alert once even though several records cross it")
	assert.Equal(t, 1, denyCount)
}

func TestGetUsageSummary_BucketsByDay(t *testing.T) {
	l := NewLedger(nil)
	day1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(context.Background(), Record{UserID: "u", TotalTokens: 10, EstimatedCostUSD: 1, CreatedAt: day1}))
	require.NoError(t, l.Record(context.Background(), Record{UserID: "u", TotalTokens: 20, EstimatedCostUSD: 2, CreatedAt: day1}))
	require.NoError(t, l.Record(context.Background(), Record{UserID: "u", TotalTokens: 5, EstimatedCostUSD: 0.5, CreatedAt: day2}))

	summaries := l.GetUsageSummary("u", "day")
	require.Len(t, summaries, 2)
	assert.Equal(t, 2, summaries[0].RequestCount)
	assert.Equal(t, 30, summaries[0].TotalTokens)
	assert.Equal(t, 1, summaries[1].RequestCount)
}

func TestGetUsageBreakdown_GroupsByProviderAndModel(t *testing.T) {
	l := NewLedger(nil)
	require.NoError(t, l.Record(context.Background(), Record{UserID: "u", Provider: "openai", Model: "gpt-4", TotalTokens: 10, CreatedAt: time.Now()}))
	require.NoError(t, l.Record(context.Background(), Record{UserID: "u", Provider: "openai", Model: "gpt-4", TotalTokens: 5, CreatedAt: time.Now()}))
	require.NoError(t, l.Record(context.Background(), Record{UserID: "u", Provider: "anthropic", Model: "claude", TotalTokens: 7, CreatedAt: time.Now()}))

	breakdown := l.GetUsageBreakdown("u")
	require.Len(t, breakdown, 2)

	key := BreakdownKey{Provider: "openai", Model: "gpt-4", Owner: "u"}
	require.Contains(t, breakdown, key)
	assert.Equal(t, 2, breakdown[key].RequestCount)
	assert.Equal(t, 15, breakdown[key].TotalTokens)
}

func TestEstimateTokensFallback(t *testing.T) {
	assert.Equal(t, 1, EstimateTokensFallback(""))
	assert.Equal(t, 1, EstimateTokensFallback("abc"))
	assert.Equal(t, 2, EstimateTokensFallback("abcde678"))
}
