// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package gemini adapts the canonical llm.Provider contract onto
// Google's Generative Language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaycore/gateway/llm"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

var modelCatalog = []llm.ModelInfo{
	{ID: "gemini-2.0-flash", ContextWindow: 1048576, MaxOutputTokens: 8192, InputPricePer1k: 0.0001, OutputPricePer1k: 0.0004, SupportsStreaming: true, SupportsFunctions: true, Capabilities: []llm.Capability{}},
	{ID: "gemini-2.0-pro", ContextWindow: 2097152, MaxOutputTokens: 8192, InputPricePer1k: 0.00125, OutputPricePer1k: 0.005, SupportsStreaming: true, SupportsFunctions: true, Capabilities: []llm.Capability{llm.CapabilityAnalysis, llm.CapabilityCode}},
}

// Provider implements llm.Provider and llm.StreamingProvider for Gemini.
type Provider struct {
	cfg    llm.ProviderConfig
	client llm.HTTPClient
}

// New constructs a Gemini adapter.
func New(cfg llm.ProviderConfig, client llm.HTTPClient) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultBaseURL
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Name() string            { return "gemini" }
func (p *Provider) Type() llm.ProviderType  { return llm.ProviderTypeGemini }
func (p *Provider) SupportsStreaming() bool { return true }
func (p *Provider) Models() []llm.ModelInfo { return modelCatalog }

func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityStreaming, llm.CapabilityFunctionCalling, llm.CapabilityAnalysis, llm.CapabilityCode}
}

func (p *Provider) Configure(cfg llm.ProviderConfig) error {
	p.cfg = cfg
	return nil
}

func (p *Provider) GetConfig() llm.ProviderConfig { return p.cfg }

func (p *Provider) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	model := modelByID(req.Model)
	promptTokens := estimateTokens(req)
	maxOut := 512
	if req.MaxTokens != nil {
		maxOut = *req.MaxTokens
	}
	return &llm.CostEstimate{
		EstimatedUSD:     model.InputPricePer1k*float64(promptTokens)/1000 + model.OutputPricePer1k*float64(maxOut)/1000,
		PromptTokens:     promptTokens,
		CompletionTokens: maxOut,
	}
}

func modelByID(id string) llm.ModelInfo {
	for _, m := range modelCatalog {
		if m.ID == id {
			return m
		}
	}
	return modelCatalog[0]
}

func estimateTokens(req llm.CompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content) / 4
	}
	if total == 0 {
		total = 1
	}
	return total
}

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireRequest struct {
	Contents          []wireContent      `json:"contents"`
	SystemInstruction *wireContent       `json:"systemInstruction,omitempty"`
	GenerationConfig  wireGenConfig      `json:"generationConfig,omitempty"`
}

type wireGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason"`
}

type wireUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type wireResponse struct {
	Candidates    []wireCandidate   `json:"candidates"`
	UsageMetadata wireUsageMetadata `json:"usageMetadata"`
}

func toWireRequest(req llm.CompletionRequest) wireRequest {
	var contents []wireContent
	var system *wireContent
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = &wireContent{Parts: []wirePart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, wireContent{Role: role, Parts: []wirePart{{Text: m.Content}}})
	}
	return wireRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: wireGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		},
	}
}

func (p *Provider) endpoint(model string, stream bool) string {
	method := "generateContent"
	if stream {
		method = "streamGenerateContent"
	}
	return fmt.Sprintf("%s/%s:%s?key=%s", p.cfg.Endpoint, model, method, p.cfg.APIKey)
}

// Complete issues a non-streaming completion request.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.Model, false), bytes.NewReader(body))
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.networkErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, p.parseAPIError(resp.StatusCode, data)
	}

	var wresp wireResponse
	if err := json.Unmarshal(data, &wresp); err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}
	if len(wresp.Candidates) == 0 {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: "no candidates in response"}
	}

	var content strings.Builder
	for _, part := range wresp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	return &llm.CompletionResponse{
		Model:        req.Model,
		Provider:     p.Name(),
		Content:      content.String(),
		FinishReason: mapFinishReason(wresp.Candidates[0].FinishReason),
		Usage: llm.UsageStats{
			PromptTokens:     wresp.UsageMetadata.PromptTokenCount,
			CompletionTokens: wresp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wresp.UsageMetadata.TotalTokenCount,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CompleteStream issues a streaming completion request. Gemini's
// streaming endpoint emits a JSON array of response objects rather
// than SSE; each array element is handled as it completes parsing.
func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.Model, true), bytes.NewReader(body))
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.networkErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, p.parseAPIError(resp.StatusCode, data)
	}

	dec := json.NewDecoder(resp.Body)
	if _, err := dec.Token(); err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	var contentBuilder strings.Builder
	var finish llm.FinishReason
	var usage wireUsageMetadata
	for dec.More() {
		var wresp wireResponse
		if err := dec.Decode(&wresp); err != nil {
			return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
		}
		if len(wresp.Candidates) == 0 {
			continue
		}
		cand := wresp.Candidates[0]
		for _, part := range cand.Content.Parts {
			contentBuilder.WriteString(part.Text)
			if err := handler(llm.StreamChunk{Model: req.Model, Delta: part.Text, Timestamp: time.Now().UTC()}); err != nil {
				return nil, err
			}
		}
		if cand.FinishReason != "" {
			finish = mapFinishReason(cand.FinishReason)
		}
		if wresp.UsageMetadata.TotalTokenCount > 0 {
			usage = wresp.UsageMetadata
		}
		select {
		case <-ctx.Done():
			return nil, &llm.ProviderError{Kind: llm.ErrCanceled, Provider: p.Name(), Message: "canceled", Err: ctx.Err()}
		default:
		}
	}

	return &llm.CompletionResponse{
		Model:        req.Model,
		Provider:     p.Name(),
		Content:      contentBuilder.String(),
		FinishReason: finish,
		Usage: llm.UsageStats{
			PromptTokens:     usage.PromptTokenCount,
			CompletionTokens: usage.CandidatesTokenCount,
			TotalTokens:      usage.TotalTokenCount,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "STOP":
		return llm.FinishStop
	case "MAX_TOKENS":
		return llm.FinishLength
	case "SAFETY", "RECITATION":
		return llm.FinishContentFilter
	default:
		return llm.FinishNone
	}
}

func (p *Provider) networkErr(err error) error {
	return &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: err.Error(), Err: err}
}

type apiErrorBody struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) parseAPIError(status int, data []byte) error {
	var body apiErrorBody
	_ = json.Unmarshal(data, &body)

	kind := llm.ErrUpstream4xx
	switch {
	case status == 401 || status == 403:
		kind = llm.ErrAuthFailed
	case status == 429:
		kind = llm.ErrRateLimited
	case status >= 500:
		kind = llm.ErrUpstream5xx
	}
	msg := body.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	return &llm.ProviderError{Kind: kind, StatusCode: status, Provider: p.Name(), Message: msg}
}

// HealthCheck issues a minimal completion to confirm reachability.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()
	maxTok := 1
	_, err := p.Complete(ctx, llm.CompletionRequest{
		Model:     modelCatalog[0].ID,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: &maxTok,
	})
	result := &llm.HealthCheckResult{Latency: time.Since(start), CheckedAt: time.Now().UTC()}
	if err != nil {
		result.Healthy = false
		result.Error = err.Error()
		return result, nil
	}
	result.Healthy = true
	return result, nil
}
