// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package rules implements the tagged-variant rule evaluator that
// ActivityDefinitions use to gate state transitions.
package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates a Rule's variant.
type Kind string

const (
	KindFieldExists      Kind = "field_exists"
	KindFieldEquals      Kind = "field_equals"
	KindFieldGreaterThan Kind = "field_greater_than"
	KindFieldLessThan    Kind = "field_less_than"
	KindFieldContains    Kind = "field_contains"
	KindAnd              Kind = "and"
	KindOr               Kind = "or"
	KindNot              Kind = "not"
	KindCustom           Kind = "custom"
)

// Rule is a tagged variant over the field/composite/custom forms.
// Only the fields relevant to Kind are populated.
type Rule struct {
	Kind  Kind    `json:"kind"`
	Field string  `json:"field,omitempty"`
	Value any     `json:"value,omitempty"`
	Rules []Rule  `json:"rules,omitempty"` // And/Or children
	Rule  *Rule   `json:"rule,omitempty"`  // Not child
	EvaluatorID string `json:"evaluator_id,omitempty"` // Custom
}

// FieldExists builds a FieldExists rule.
func FieldExists(field string) Rule { return Rule{Kind: KindFieldExists, Field: field} }

// FieldEquals builds a FieldEquals rule.
func FieldEquals(field string, value any) Rule {
	return Rule{Kind: KindFieldEquals, Field: field, Value: value}
}

// FieldGreaterThan builds a FieldGreaterThan rule.
func FieldGreaterThan(field string, n float64) Rule {
	return Rule{Kind: KindFieldGreaterThan, Field: field, Value: n}
}

// FieldLessThan builds a FieldLessThan rule.
func FieldLessThan(field string, n float64) Rule {
	return Rule{Kind: KindFieldLessThan, Field: field, Value: n}
}

// FieldContains builds a FieldContains rule.
func FieldContains(field string, substr string) Rule {
	return Rule{Kind: KindFieldContains, Field: field, Value: substr}
}

// And builds a composite AND rule.
func And(rules ...Rule) Rule { return Rule{Kind: KindAnd, Rules: rules} }

// Or builds a composite OR rule.
func Or(rules ...Rule) Rule { return Rule{Kind: KindOr, Rules: rules} }

// Not builds a negation rule over exactly one child.
func Not(r Rule) Rule { return Rule{Kind: KindNot, Rule: &r} }

// Custom builds a rule resolved by id via the evaluator registry.
func Custom(evaluatorID string) Rule { return Rule{Kind: KindCustom, EvaluatorID: evaluatorID} }

// Context carries the data a rule evaluates against.
type Context struct {
	ResourceData     map[string]any
	ResourceMetadata map[string]any
	WorkflowID       string
	ActivityID       string
	Metadata         map[string]any
	Timestamp        time.Time
}

// merged returns the union map with metadata keys shadowing data keys.
func (c Context) merged() map[string]any {
	out := map[string]any{}
	for k, v := range c.ResourceData {
		out[k] = v
	}
	for k, v := range c.ResourceMetadata {
		out[k] = v
	}
	return out
}

// CustomEvaluator is a side-effect-free, time-bounded evaluator
// resolved by id for Custom rules.
type CustomEvaluator func(ctx context.Context, rc Context) (bool, string)

// Registry resolves Custom rule evaluator ids.
type Registry struct {
	evaluators map[string]CustomEvaluator
}

// NewRegistry returns an empty custom-evaluator registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: map[string]CustomEvaluator{}}
}

// Register adds or replaces a named evaluator.
func (r *Registry) Register(id string, eval CustomEvaluator) {
	r.evaluators[id] = eval
}

// ErrRuleMalformed is returned for a Not rule without exactly one child.
var ErrRuleMalformed = fmt.Errorf("rules: malformed rule")

// RuleResult is one rule's individual pass/fail outcome.
type RuleResult struct {
	Rule   Rule
	Passed bool
	Reason string
}

// EvaluationResult is the full outcome of evaluating an activity's
// rule set, with a per-rule breakdown for diagnostics.
type EvaluationResult struct {
	Passed  bool
	Reason  string
	Results []RuleResult
}

const defaultCustomTimeout = 100 * time.Millisecond

// Evaluate evaluates a single rule against rc, consulting registry
// for Custom rules. The returned bool is the rule's pass/fail; the
// string is a human-readable reason (populated on failure, and for
// composite rules that short-circuit).
func Evaluate(ctx context.Context, r Rule, rc Context, registry *Registry) (bool, string) {
	switch r.Kind {
	case KindFieldExists:
		v, ok := lookup(rc.merged(), r.Field)
		if !ok || v == nil {
			return false, fmt.Sprintf("field %q does not exist", r.Field)
		}
		return true, ""

	case KindFieldEquals:
		v, ok := lookup(rc.merged(), r.Field)
		if !ok {
			return false, fmt.Sprintf("field %q does not exist", r.Field)
		}
		if equalValues(v, r.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("field %q: %v != %v", r.Field, v, r.Value)

	case KindFieldGreaterThan:
		v, ok := lookup(rc.merged(), r.Field)
		if !ok {
			return false, fmt.Sprintf("field %q does not exist", r.Field)
		}
		n, ok := toNumber(v)
		want, _ := toNumber(r.Value)
		if !ok {
			return false, "non-numeric value"
		}
		if n > want {
			return true, ""
		}
		return false, fmt.Sprintf("field %q: %v <= %v", r.Field, n, want)

	case KindFieldLessThan:
		v, ok := lookup(rc.merged(), r.Field)
		if !ok {
			return false, fmt.Sprintf("field %q does not exist", r.Field)
		}
		n, ok := toNumber(v)
		want, _ := toNumber(r.Value)
		if !ok {
			return false, "non-numeric value"
		}
		if n < want {
			return true, ""
		}
		return false, fmt.Sprintf("field %q: %v >= %v", r.Field, n, want)

	case KindFieldContains:
		v, ok := lookup(rc.merged(), r.Field)
		if !ok {
			return false, fmt.Sprintf("field %q does not exist", r.Field)
		}
		s := toString(v)
		substr := toString(r.Value)
		if strings.Contains(s, substr) {
			return true, ""
		}
		return false, fmt.Sprintf("field %q does not contain %q", r.Field, substr)

	case KindAnd:
		for _, child := range r.Rules {
			ok, reason := Evaluate(ctx, child, rc, registry)
			if !ok {
				return false, reason
			}
		}
		return true, ""

	case KindOr:
		var lastReason string
		for _, child := range r.Rules {
			ok, reason := Evaluate(ctx, child, rc, registry)
			if ok {
				return true, ""
			}
			lastReason = reason
		}
		return false, lastReason

	case KindNot:
		if r.Rule == nil {
			return false, ErrRuleMalformed.Error()
		}
		ok, _ := Evaluate(ctx, *r.Rule, rc, registry)
		if ok {
			return false, "negated rule passed"
		}
		return true, ""

	case KindCustom:
		if registry == nil {
			return false, fmt.Sprintf("custom evaluator %q not registered", r.EvaluatorID)
		}
		eval, ok := registry.evaluators[r.EvaluatorID]
		if !ok {
			return false, fmt.Sprintf("custom evaluator %q not registered", r.EvaluatorID)
		}
		cctx, cancel := context.WithTimeout(ctx, defaultCustomTimeout)
		defer cancel()
		return eval(cctx, rc)

	default:
		return false, fmt.Sprintf("unknown rule kind %q", r.Kind)
	}
}

// EvaluateAll evaluates a top-level rule list under requiresAll
// (AND across rules when true, OR when false); zero rules always passes.
func EvaluateAll(ctx context.Context, topLevel []Rule, requiresAll bool, rc Context, registry *Registry) EvaluationResult {
	if len(topLevel) == 0 {
		return EvaluationResult{Passed: true}
	}

	var results []RuleResult
	if requiresAll {
		for _, r := range topLevel {
			ok, reason := Evaluate(ctx, r, rc, registry)
			results = append(results, RuleResult{Rule: r, Passed: ok, Reason: reason})
			if !ok {
				return EvaluationResult{Passed: false, Reason: reason, Results: results}
			}
		}
		return EvaluationResult{Passed: true, Results: results}
	}

	var lastReason string
	for _, r := range topLevel {
		ok, reason := Evaluate(ctx, r, rc, registry)
		results = append(results, RuleResult{Rule: r, Passed: ok, Reason: reason})
		if ok {
			return EvaluationResult{Passed: true, Results: results}
		}
		lastReason = reason
	}
	return EvaluationResult{Passed: false, Reason: lastReason, Results: results}
}

func lookup(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func equalValues(a, b any) bool {
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		return an == bn
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}
	return a == b
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}
