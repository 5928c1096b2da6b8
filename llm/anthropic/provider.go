// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package anthropic adapts the canonical llm.Provider contract onto
// Anthropic's Messages API.
package anthropic

import (
	"bufio"
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

const defaultBaseURL = "https://api.anthropic.com/v1/messages"
const apiVersion = "2023-06-01"

var modelCatalog = []llm.ModelInfo{
	{ID: "claude-opus-4", ContextWindow: 200000, MaxOutputTokens: 8192, InputPricePer1k: 0.015, OutputPricePer1k: 0.075, SupportsStreaming: true, SupportsFunctions: true, Capabilities: []llm.Capability{llm.CapabilityAnalysis, llm.CapabilityCode}},
	{ID: "claude-sonnet-4", ContextWindow: 200000, MaxOutputTokens: 8192, InputPricePer1k: 0.003, OutputPricePer1k: 0.015, SupportsStreaming: true, SupportsFunctions: true, Capabilities: []llm.Capability{llm.CapabilityCode, llm.CapabilityAnalysis}},
	{ID: "claude-haiku-4", ContextWindow: 200000, MaxOutputTokens: 4096, InputPricePer1k: 0.0008, OutputPricePer1k: 0.004, SupportsStreaming: true, SupportsFunctions: true, Capabilities: []llm.Capability{}},
}

// Provider implements llm.Provider and llm.StreamingProvider for Anthropic.
type Provider struct {
	cfg    llm.ProviderConfig
	client llm.HTTPClient
}

// New constructs an Anthropic adapter. client defaults to http.DefaultClient.
func New(cfg llm.ProviderConfig, client llm.HTTPClient) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultBaseURL
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Name() string           { return "anthropic" }
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }
func (p *Provider) SupportsStreaming() bool { return true }

func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityStreaming, llm.CapabilityFunctionCalling, llm.CapabilityCode, llm.CapabilityAnalysis}
}

func (p *Provider) Models() []llm.ModelInfo { return modelCatalog }

func (p *Provider) Configure(cfg llm.ProviderConfig) error {
	p.cfg = cfg
	return nil
}

func (p *Provider) GetConfig() llm.ProviderConfig { return p.cfg }

func (p *Provider) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	model := modelByID(req.Model)
	promptTokens := estimateTokens(req)
	maxOut := 1024
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
	return modelCatalog[1]
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

// wireRequest is Anthropic's Messages API request shape.
type wireRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireResponse struct {
	ID         string       `json:"id"`
	Model      string       `json:"model"`
	Content    []wireBlock  `json:"content"`
	StopReason string       `json:"stop_reason"`
	Usage      wireUsage    `json:"usage"`
}

type wireBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Message *wireResponse `json:"message,omitempty"`
	Usage   *wireUsage    `json:"usage,omitempty"`
}

func toWireRequest(req llm.CompletionRequest) wireRequest {
	var system strings.Builder
	var msgs []wireMessage
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	return wireRequest{
		Model:       req.Model,
		Messages:    msgs,
		System:      system.String(),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
}

func (p *Provider) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", p.cfg.APIKey)
	r.Header.Set("anthropic-version", apiVersion)
}

// Complete issues a non-streaming completion request.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	wreq := toWireRequest(req)
	wreq.Stream = false
	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: err.Error(), Err: err}
	}
	p.setHeaders(httpReq)

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

	var content strings.Builder
	for _, b := range wresp.Content {
		if b.Type == "text" {
			content.WriteString(b.Text)
		}
	}

	return &llm.CompletionResponse{
		ID:           wresp.ID,
		Model:        wresp.Model,
		Provider:     p.Name(),
		Content:      content.String(),
		FinishReason: mapStopReason(wresp.StopReason),
		Usage: llm.UsageStats{
			PromptTokens:     wresp.Usage.InputTokens,
			CompletionTokens: wresp.Usage.OutputTokens,
			TotalTokens:      wresp.Usage.InputTokens + wresp.Usage.OutputTokens,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CompleteStream issues a streaming completion request, parsing the
// SSE body and invoking handler once per delta.
func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	wreq := toWireRequest(req)
	wreq.Stream = true
	body, err := json.Marshal(wreq)
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: err.Error(), Err: err}
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.networkErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, p.parseAPIError(resp.StatusCode, data)
	}

	return p.processStream(ctx, resp.Body, req.Model, handler)
}

func (p *Provider) processStream(ctx context.Context, body io.Reader, model string, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var responseID string
	var contentBuilder strings.Builder
	var finish llm.FinishReason
	var usage wireUsage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev wireStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				responseID = ev.Message.ID
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				contentBuilder.WriteString(ev.Delta.Text)
				if err := handler(llm.StreamChunk{
					ResponseID: responseID,
					Model:      model,
					Delta:      ev.Delta.Text,
					Timestamp:  time.Now().UTC(),
				}); err != nil {
					return nil, err
				}
			}
		case "message_delta":
			if ev.Delta != nil {
				finish = mapStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		case "message_stop":
			finish = llm.FinishStop
		}

		select {
		case <-ctx.Done():
			return nil, &llm.ProviderError{Kind: llm.ErrCanceled, Provider: p.Name(), Message: "canceled", Err: ctx.Err()}
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	return &llm.CompletionResponse{
		ID:           responseID,
		Model:        model,
		Provider:     p.Name(),
		Content:      contentBuilder.String(),
		FinishReason: finish,
		Usage: llm.UsageStats{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

func mapStopReason(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	default:
		return llm.FinishNone
	}
}

func (p *Provider) networkErr(err error) error {
	return &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: err.Error(), Err: err}
}

type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
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
		Model:     modelCatalog[2].ID,
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
