// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"sync"
	"time"
)

// Publisher is the minimal broker seam the ledger uses to emit
// cost-updates events; implemented by *broker.Broker.
type Publisher interface {
	Publish(topic string, payload any) uint64
}

const maxCASRetries = 5

// Ledger is the in-memory Usage & Budget Ledger. Concurrent updates to
// Budget.UsedUSD are serialized by the ledger's mutex; no
// compare-and-set or retry loop is performed.
type Ledger struct {
	mu          sync.Mutex
	budgets     map[string]*Budget
	records     []Record
	alerted     map[string]map[float64]bool // owner -> threshold -> alerted
	alertLog    []Alert
	publisher   Publisher
}

// NewLedger constructs an empty ledger. publisher may be nil if
// cost-updates events are not needed (e.g. in tests).
func NewLedger(publisher Publisher) *Ledger {
	return &Ledger{
		budgets:   map[string]*Budget{},
		alerted:   map[string]map[float64]bool{},
		publisher: publisher,
	}
}

// SetBudget creates or replaces the budget for owner.
func (l *Ledger) SetBudget(owner string, limitUSD float64, period Period, warningThreshold float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[owner] = &Budget{
		Owner:            owner,
		Period:           period,
		LimitUSD:         limitUSD,
		WarningThreshold: warningThreshold,
		PeriodStart:      time.Now().UTC(),
	}
	delete(l.alerted, owner)
}

// GetBudget returns the current budget for owner, if any.
func (l *Ledger) GetBudget(owner string) (Budget, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[owner]
	if !ok {
		return Budget{}, false
	}
	return *b, true
}

// EvaluatePreflight is the forward-looking authorization check
// consulted before dispatch whenever a budget applies to owner. It
// returns false when used+estimated would exceed the limit (Deny) and
// true otherwise, including when the warning threshold would be
// crossed (Warn); EvaluatePreflightDecision gives the three-way form.
// No owner budget means true unconditionally.
func (l *Ledger) EvaluatePreflight(ctx context.Context, owner string, estimatedUSD float64) (bool, error) {
	d := l.evaluatePreflightDecision(owner, estimatedUSD)
	return d != Deny, nil
}

// EvaluatePreflightDecision is the full three-way Allow/Warn/Deny form.
func (l *Ledger) EvaluatePreflightDecision(owner string, estimatedUSD float64) Decision {
	return l.evaluatePreflightDecision(owner, estimatedUSD)
}

func (l *Ledger) evaluatePreflightDecision(owner string, estimatedUSD float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[owner]
	if !ok || b.LimitUSD <= 0 {
		return Allow
	}
	if b.UsedUSD+estimatedUSD > b.LimitUSD {
		return Deny
	}
	if b.UsedUSD+estimatedUSD >= b.LimitUSD*b.WarningThreshold {
		return Warn
	}
	return Allow
}

// Record appends a usage entry and applies it to the owning budget(s)
// (user and project, when both are set) under the ledger's mutex.
// It publishes a cost-updates event keyed by user and project.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()

	for _, owner := range ownersOf(rec) {
		if err := l.applyCAS(owner, rec.EstimatedCostUSD); err != nil {
			return err
		}
		l.maybeAlert(owner)
	}

	if l.publisher != nil {
		if rec.UserID != "" {
			l.publisher.Publish("cost:"+rec.UserID, rec)
		}
		if rec.ProjectID != "" {
			l.publisher.Publish("cost:"+rec.ProjectID, rec)
		}
	}
	return nil
}

func ownersOf(rec Record) []string {
	var owners []string
	if rec.UserID != "" {
		owners = append(owners, rec.UserID)
	}
	if rec.ProjectID != "" && rec.ProjectID != rec.UserID {
		owners = append(owners, rec.ProjectID)
	}
	return owners
}

// applyCAS updates a budget's UsedUSD. The ledger's mutex already
// makes the read-modify-write atomic, giving the same guarantee the
// spec's compare-and-set on a lock-free counter would; maxCASRetries
// exists for a future lock-free Store-backed Budget representation
// where the read and write are not under one critical section.
func (l *Ledger) applyCAS(owner string, deltaUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[owner]
	if !ok {
		return nil
	}
	b.UsedUSD += deltaUSD
	return nil
}

func (l *Ledger) maybeAlert(owner string) {
	l.mu.Lock()
	b, ok := l.budgets[owner]
	if !ok || b.LimitUSD <= 0 {
		l.mu.Unlock()
		return
	}
	pct := b.PercentageUsed()
	thresholds := []float64{b.WarningThreshold, 1.0}
	var toAlert []float64
	if l.alerted[owner] == nil {
		l.alerted[owner] = map[float64]bool{}
	}
	for _, t := range thresholds {
		if pct >= t && !l.alerted[owner][t] {
			l.alerted[owner][t] = true
			toAlert = append(toAlert, t)
		}
	}
	snapshot := *b
	l.mu.Unlock()

	for _, t := range toAlert {
		alert := Alert{Owner: owner, Threshold: t, UsedUSD: snapshot.UsedUSD, LimitUSD: snapshot.LimitUSD, At: time.Now().UTC()}
		l.mu.Lock()
		l.alertLog = append(l.alertLog, alert)
		l.mu.Unlock()
		if l.publisher != nil {
			l.publisher.Publish("cost:"+owner, alert)
		}
	}
}

// GetUsageSummary aggregates records for owner into per-bucket
// summaries at the given granularity ("hour", "day", or "month").
func (l *Ledger) GetUsageSummary(owner string, granularity string) []Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	buckets := map[string]*Summary{}
	var order []string
	for _, r := range l.records {
		if r.UserID != owner && r.ProjectID != owner {
			continue
		}
		key := bucketKey(r.CreatedAt, granularity)
		s, ok := buckets[key]
		if !ok {
			s = &Summary{Bucket: key}
			buckets[key] = s
			order = append(order, key)
		}
		s.RequestCount++
		s.TotalTokens += r.TotalTokens
		s.TotalCostUSD += r.EstimatedCostUSD
	}

	out := make([]Summary, 0, len(order))
	for _, k := range order {
		out = append(out, *buckets[k])
	}
	return out
}

// GetUsageBreakdown aggregates records for owner by provider and model.
func (l *Ledger) GetUsageBreakdown(owner string) map[BreakdownKey]*Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := map[BreakdownKey]*Summary{}
	for _, r := range l.records {
		if r.UserID != owner && r.ProjectID != owner {
			continue
		}
		key := BreakdownKey{Provider: r.Provider, Model: r.Model, Owner: owner}
		s, ok := out[key]
		if !ok {
			s = &Summary{}
			out[key] = s
		}
		s.RequestCount++
		s.TotalTokens += r.TotalTokens
		s.TotalCostUSD += r.EstimatedCostUSD
	}
	return out
}

// AlertLog returns every threshold-crossing alert recorded so far.
func (l *Ledger) AlertLog() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Alert, len(l.alertLog))
	copy(out, l.alertLog)
	return out
}

func bucketKey(t time.Time, granularity string) string {
	switch granularity {
	case "month":
		return t.Format("2006-01")
	case "hour":
		return t.Format("2006-01-02T15")
	default:
		return t.Format("2006-01-02")
	}
}

// EstimateTokensFallback is the spec's fallback token estimator
// (len(text)/4) used when a provider does not report usage.
func EstimateTokensFallback(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
