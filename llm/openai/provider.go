// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package openai adapts the canonical llm.Provider contract onto the
// OpenAI Chat Completions API. Ollama and other OpenAI-compatible
// servers reuse this wire shape (see llm/ollama).
package openai

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
	"github.com/relaycore/gateway/llm/sse"
)

const defaultBaseURL = "https://api.openai.com/v1/chat/completions"

var modelCatalog = []llm.ModelInfo{
	{ID: "gpt-4o", ContextWindow: 128000, MaxOutputTokens: 16384, InputPricePer1k: 0.0025, OutputPricePer1k: 0.01, SupportsStreaming: true, SupportsFunctions: true, Capabilities: []llm.Capability{llm.CapabilityAnalysis, llm.CapabilityCode}},
	{ID: "gpt-4o-mini", ContextWindow: 128000, MaxOutputTokens: 16384, InputPricePer1k: 0.00015, OutputPricePer1k: 0.0006, SupportsStreaming: true, SupportsFunctions: true, Capabilities: []llm.Capability{}},
	{ID: "gpt-4.1", ContextWindow: 1047576, MaxOutputTokens: 32768, InputPricePer1k: 0.002, OutputPricePer1k: 0.008, SupportsStreaming: true, SupportsFunctions: true, Capabilities: []llm.Capability{llm.CapabilityCode, llm.CapabilityCreative}},
}

// Provider implements llm.Provider and llm.StreamingProvider for OpenAI.
type Provider struct {
	name   string
	typ    llm.ProviderType
	models []llm.ModelInfo
	cfg    llm.ProviderConfig
	client llm.HTTPClient
}

// Option customizes a Provider constructed via New; used by
// OpenAI-compatible adapters (llm/ollama) to rebrand this adapter.
type Option func(*Provider)

// WithName overrides the provider's registry name (default "openai").
func WithName(name string) Option { return func(p *Provider) { p.name = name } }

// WithType overrides the provider's type tag (default ProviderTypeOpenAI).
func WithType(t llm.ProviderType) Option { return func(p *Provider) { p.typ = t } }

// WithModels overrides the advertised model catalog.
func WithModels(models []llm.ModelInfo) Option { return func(p *Provider) { p.models = models } }

// New constructs an OpenAI-wire-compatible adapter.
func New(cfg llm.ProviderConfig, client llm.HTTPClient, opts ...Option) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultBaseURL
	}
	p := &Provider{name: "openai", typ: llm.ProviderTypeOpenAI, models: modelCatalog, cfg: cfg, client: client}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string            { return p.name }
func (p *Provider) Type() llm.ProviderType  { return p.typ }
func (p *Provider) SupportsStreaming() bool { return true }
func (p *Provider) Models() []llm.ModelInfo { return p.models }

func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityStreaming, llm.CapabilityFunctionCalling, llm.CapabilityCode, llm.CapabilityCreative}
}

func (p *Provider) Configure(cfg llm.ProviderConfig) error {
	p.cfg = cfg
	return nil
}

func (p *Provider) GetConfig() llm.ProviderConfig { return p.cfg }

func (p *Provider) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	model := p.modelByID(req.Model)
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

func (p *Provider) modelByID(id string) llm.ModelInfo {
	for _, m := range p.models {
		if m.ID == id {
			return m
		}
	}
	if len(p.models) > 0 {
		return p.models[0]
	}
	return llm.ModelInfo{ID: id}
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

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model            string        `json:"model"`
	Messages         []wireMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
	Delta        *wireDelta  `json:"delta,omitempty"`
}

type wireDelta struct {
	Content string `json:"content"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

func toWireRequest(req llm.CompletionRequest) wireRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return wireRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		Stream:           req.Stream,
	}
}

func (p *Provider) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
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
	if len(wresp.Choices) == 0 {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: "no choices in response"}
	}

	return &llm.CompletionResponse{
		ID:           wresp.ID,
		Model:        wresp.Model,
		Provider:     p.Name(),
		Content:      wresp.Choices[0].Message.Content,
		FinishReason: mapFinishReason(wresp.Choices[0].FinishReason),
		Usage: llm.UsageStats{
			PromptTokens:     wresp.Usage.PromptTokens,
			CompletionTokens: wresp.Usage.CompletionTokens,
			TotalTokens:      wresp.Usage.TotalTokens,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CompleteStream issues a streaming completion request.
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
	parser := sse.NewParser()
	reader := bufio.NewReaderSize(body, 64*1024)

	var id string
	var contentBuilder strings.Builder
	var finish llm.FinishReason
	var usage wireUsage

	buf := make([]byte, 4096)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			events, perr := parser.Feed(buf[:n])
			if perr != nil {
				return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: perr.Error(), Err: perr}
			}
			for _, ev := range events {
				if sse.IsDone(ev.Data) {
					continue
				}
				var wresp wireResponse
				if err := json.Unmarshal([]byte(ev.Data), &wresp); err != nil {
					continue
				}
				if wresp.ID != "" {
					id = wresp.ID
				}
				if len(wresp.Choices) == 0 {
					continue
				}
				choice := wresp.Choices[0]
				if choice.Delta != nil && choice.Delta.Content != "" {
					contentBuilder.WriteString(choice.Delta.Content)
					if err := handler(llm.StreamChunk{
						ResponseID: id,
						Model:      model,
						Delta:      choice.Delta.Content,
						Timestamp:  time.Now().UTC(),
					}); err != nil {
						return nil, err
					}
				}
				if choice.FinishReason != "" {
					finish = mapFinishReason(choice.FinishReason)
				}
				if wresp.Usage.TotalTokens > 0 {
					usage = wresp.Usage
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, &llm.ProviderError{Kind: llm.ErrCanceled, Provider: p.Name(), Message: "canceled", Err: ctx.Err()}
		default:
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: readErr.Error(), Err: readErr}
		}
	}

	return &llm.CompletionResponse{
		ID:           id,
		Model:        model,
		Provider:     p.Name(),
		Content:      contentBuilder.String(),
		FinishReason: finish,
		Usage: llm.UsageStats{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "content_filter":
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
	model := "gpt-4o-mini"
	if len(p.models) > 0 {
		model = p.models[0].ID
	}
	_, err := p.Complete(ctx, llm.CompletionRequest{
		Model:     model,
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
