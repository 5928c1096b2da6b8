// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/gateway/broker"
	"github.com/relaycore/gateway/llm"
	"github.com/relaycore/gateway/llm/streaming"
	"github.com/relaycore/gateway/usage"
)

// S7 — Streaming hand-off: a completed stream's derived usage reaches
// the ledger and its terminal state is published on "llm-stream".
func TestScenario_S7_StreamingRecordsUsageAndPublishes(t *testing.T) {
	registry := llm.NewRegistry(nil)
	p := &stubProvider{
		name:   "p1",
		models: []llm.ModelInfo{{ID: "m1", SupportsStreaming: true, Capabilities: []llm.Capability{llm.CapabilityStreaming}}},
		streamFn: func(ctx context.Context, req llm.CompletionRequest, h llm.StreamHandler) (*llm.CompletionResponse, error) {
			require.NoError(t, h(llm.StreamChunk{Delta: "hel"}))
			require.NoError(t, h(llm.StreamChunk{Delta: "lo", FinishReason: llm.FinishStop}))
			return &llm.CompletionResponse{
				Provider: "p1",
				Model:    "m1",
				Content:  "hello",
				Usage:    llm.UsageStats{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
			}, nil
		},
	}
	registry.Register(p, llm.ProviderConfig{Name: "p1", Enabled: true})
	router := llm.NewRouter(registry, nil)

	b := broker.New()
	var events []streaming.StreamEvent
	b.Subscribe("llm-stream", 0, func(ev *broker.Event, sig *broker.Signal) {
		if ev == nil {
			return
		}
		events = append(events, ev.Payload.(streaming.StreamEvent))
	})

	ledger := usage.NewLedger(nil)
	var chunks []llm.StreamChunk

	resp, err := streamCompletion(context.Background(), router, ledger, b,
		llm.CompletionRequest{Model: "m1", UserID: "user-1"}, "req-1", 0.01,
		func(c llm.StreamChunk) error { chunks = append(chunks, c); return nil })

	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Len(t, chunks, 2, "the caller's own handler must still see every chunk")

	summary := ledger.GetUsageSummary("user-1", "day")
	require.Len(t, summary, 1)
	assert.Equal(t, 7, summary[0].TotalTokens)

	require.Len(t, events, 1)
	assert.Equal(t, streaming.Completed, events[0].State)
}
