// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"context"

	"github.com/relaycore/gateway/llm"
	"github.com/relaycore/gateway/llm/streaming"
	"github.com/relaycore/gateway/usage"
)

// ledgerRecorder adapts *usage.Ledger's Record(ctx, usage.Record) to the
// streaming.Recorder seam a Session hands its completion summary to.
type ledgerRecorder struct {
	ledger *usage.Ledger
}

func (l ledgerRecorder) Record(ctx context.Context, rec streaming.RecordInput) error {
	return l.ledger.Record(ctx, usage.Record{
		RequestID:        rec.RequestID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		LatencyMs:        rec.LatencyMs,
		EstimatedCostUSD: rec.EstimatedCostUSD,
		UserID:           rec.UserID,
		ProjectID:        rec.ProjectID,
		CreatedAt:        rec.CreatedAt,
	})
}

// streamCompletion drives one streaming request end to end: it asks
// router to dispatch with fallback, feeds every delivered chunk to
// handler, and on completion hands the session's derived usage to
// ledger and its terminal state to pub. requestID/estimatedUSD come
// from the caller's own preflight (budget check, request ID
// generation) since neither is the Router's concern.
func streamCompletion(
	ctx context.Context,
	router *llm.Router,
	ledger *usage.Ledger,
	pub streaming.Publisher,
	req llm.CompletionRequest,
	requestID string,
	estimatedUSD float64,
	handler llm.StreamHandler,
) (*llm.CompletionResponse, error) {
	req.Stream = true
	session := streaming.NewSession(streaming.Config{
		Recorder:         ledgerRecorder{ledger: ledger},
		Publisher:        pub,
		RequestID:        requestID,
		Model:            req.Model,
		UserID:           req.UserID,
		ProjectID:        req.ProjectID,
		EstimatedCostUSD: estimatedUSD,
	})

	return session.Run(ctx, func(ctx context.Context, sessionHandler llm.StreamHandler) (*llm.CompletionResponse, error) {
		return router.DispatchStream(ctx, req, func(chunk llm.StreamChunk) error {
			if err := sessionHandler(chunk); err != nil {
				return err
			}
			return handler(chunk)
		})
	})
}
