// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock adapts the canonical llm.Provider contract onto AWS
// Bedrock, dispatching per model family: Anthropic-on-Bedrock reuses
// the Anthropic wire shape inside Bedrock's invoke envelope, while
// Titan and Llama families use their own JSON shapes. Authentication
// goes through the AWS SDK's credential chain rather than a bearer header.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/relaycore/gateway/llm"
)

// modelFamily identifies which wire shape a Bedrock model ID expects.
type modelFamily string

const (
	familyAnthropic modelFamily = "anthropic"
	familyTitan     modelFamily = "titan"
	familyLlama     modelFamily = "llama"
)

var modelCatalog = []llm.ModelInfo{
	{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", ContextWindow: 200000, MaxOutputTokens: 8192, InputPricePer1k: 0.003, OutputPricePer1k: 0.015, SupportsStreaming: true, Capabilities: []llm.Capability{llm.CapabilityCode, llm.CapabilityAnalysis}},
	{ID: "amazon.titan-text-express-v1", ContextWindow: 8192, MaxOutputTokens: 4096, InputPricePer1k: 0.0002, OutputPricePer1k: 0.0006, SupportsStreaming: true, Capabilities: []llm.Capability{}},
	{ID: "meta.llama3-1-70b-instruct-v1:0", ContextWindow: 128000, MaxOutputTokens: 4096, InputPricePer1k: 0.00099, OutputPricePer1k: 0.00099, SupportsStreaming: true, Capabilities: []llm.Capability{}},
}

func familyOf(model string) modelFamily {
	switch {
	case strings.HasPrefix(model, "anthropic."):
		return familyAnthropic
	case strings.HasPrefix(model, "amazon.titan"):
		return familyTitan
	case strings.HasPrefix(model, "meta.llama"):
		return familyLlama
	default:
		return familyAnthropic
	}
}

// Client is the subset of bedrockruntime.Client this adapter calls,
// letting tests substitute a fake.
type Client interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// Provider implements llm.Provider and llm.StreamingProvider for Bedrock.
type Provider struct {
	cfg    llm.ProviderConfig
	client Client
}

// New constructs a Bedrock adapter from an explicit region. If client
// is nil, one is built from the AWS SDK's default credential chain.
func New(ctx context.Context, cfg llm.ProviderConfig, client Client) (*Provider, error) {
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("bedrock: load aws config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}
	return &Provider{cfg: cfg, client: client}, nil
}

func (p *Provider) Name() string            { return "bedrock" }
func (p *Provider) Type() llm.ProviderType  { return llm.ProviderTypeBedrock }
func (p *Provider) SupportsStreaming() bool { return true }
func (p *Provider) Models() []llm.ModelInfo { return modelCatalog }

func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityStreaming, llm.CapabilityCode, llm.CapabilityAnalysis}
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

// anthropicBody mirrors Anthropic's Messages body as embedded inside
// Bedrock's invoke envelope (anthropic_version replaces model/stream).
type anthropicBody struct {
	AnthropicVersion string                   `json:"anthropic_version"`
	Messages         []map[string]string      `json:"messages"`
	System           string                   `json:"system,omitempty"`
	MaxTokens        int                      `json:"max_tokens"`
	Temperature      *float64                 `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type titanBody struct {
	InputText            string             `json:"inputText"`
	TextGenerationConfig titanGenConfig     `json:"textGenerationConfig"`
}

type titanGenConfig struct {
	MaxTokenCount int      `json:"maxTokenCount"`
	Temperature   float64  `json:"temperature"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type titanResponse struct {
	Results []struct {
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
		TokenCount       int    `json:"tokenCount"`
	} `json:"results"`
	InputTextTokenCount int `json:"inputTextTokenCount"`
}

type llamaBody struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len"`
	Temperature float64 `json:"temperature"`
}

type llamaResponse struct {
	Generation           string `json:"generation"`
	StopReason           string `json:"stop_reason"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
}

func buildBody(req llm.CompletionRequest) ([]byte, error) {
	switch familyOf(req.Model) {
	case familyTitan:
		maxTok := 512
		if req.MaxTokens != nil {
			maxTok = *req.MaxTokens
		}
		temp := 0.7
		if req.Temperature != nil {
			temp = *req.Temperature
		}
		return json.Marshal(titanBody{
			InputText: flattenPrompt(req),
			TextGenerationConfig: titanGenConfig{
				MaxTokenCount: maxTok,
				Temperature:   temp,
				StopSequences: req.Stop,
			},
		})
	case familyLlama:
		maxTok := 512
		if req.MaxTokens != nil {
			maxTok = *req.MaxTokens
		}
		temp := 0.7
		if req.Temperature != nil {
			temp = *req.Temperature
		}
		return json.Marshal(llamaBody{Prompt: flattenPrompt(req), MaxGenLen: maxTok, Temperature: temp})
	default:
		var msgs []map[string]string
		var system string
		for _, m := range req.Messages {
			if m.Role == llm.RoleSystem {
				system = m.Content
				continue
			}
			msgs = append(msgs, map[string]string{"role": string(m.Role), "content": m.Content})
		}
		maxTok := 1024
		if req.MaxTokens != nil {
			maxTok = *req.MaxTokens
		}
		return json.Marshal(anthropicBody{
			AnthropicVersion: "bedrock-2023-05-31",
			Messages:         msgs,
			System:           system,
			MaxTokens:        maxTok,
			Temperature:      req.Temperature,
		})
	}
}

func flattenPrompt(req llm.CompletionRequest) string {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// Complete issues a non-streaming InvokeModel call.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, err := buildBody(req)
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.mapErr(err)
	}

	content, finish, usage, err := parseResponse(familyOf(req.Model), out.Body)
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	return &llm.CompletionResponse{
		Model:        req.Model,
		Provider:     p.Name(),
		Content:      content,
		FinishReason: finish,
		Usage:        usage,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func parseResponse(family modelFamily, raw []byte) (string, llm.FinishReason, llm.UsageStats, error) {
	switch family {
	case familyTitan:
		var tr titanResponse
		if err := json.Unmarshal(raw, &tr); err != nil {
			return "", "", llm.UsageStats{}, err
		}
		if len(tr.Results) == 0 {
			return "", llm.FinishNone, llm.UsageStats{}, nil
		}
		return tr.Results[0].OutputText, mapTitanFinish(tr.Results[0].CompletionReason), llm.UsageStats{
			PromptTokens:     tr.InputTextTokenCount,
			CompletionTokens: tr.Results[0].TokenCount,
			TotalTokens:      tr.InputTextTokenCount + tr.Results[0].TokenCount,
		}, nil
	case familyLlama:
		var lr llamaResponse
		if err := json.Unmarshal(raw, &lr); err != nil {
			return "", "", llm.UsageStats{}, err
		}
		return lr.Generation, mapLlamaFinish(lr.StopReason), llm.UsageStats{
			PromptTokens:     lr.PromptTokenCount,
			CompletionTokens: lr.GenerationTokenCount,
			TotalTokens:      lr.PromptTokenCount + lr.GenerationTokenCount,
		}, nil
	default:
		var ar anthropicResponse
		if err := json.Unmarshal(raw, &ar); err != nil {
			return "", "", llm.UsageStats{}, err
		}
		var content strings.Builder
		for _, b := range ar.Content {
			if b.Type == "text" {
				content.WriteString(b.Text)
			}
		}
		return content.String(), mapAnthropicFinish(ar.StopReason), llm.UsageStats{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		}, nil
	}
}

// CompleteStream issues a streaming InvokeModelWithResponseStream call.
func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	body, err := buildBody(req)
	if err != nil {
		return nil, &llm.ProviderError{Kind: llm.ErrParseError, Provider: p.Name(), Message: err.Error(), Err: err}
	}

	out, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.mapErr(err)
	}

	family := familyOf(req.Model)
	stream := out.GetStream()
	defer stream.Close()

	var contentBuilder strings.Builder
	var finish llm.FinishReason
	var usage llm.UsageStats

	for event := range stream.Events() {
		chunkEvent, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		delta, f, u, perr := parseResponse(family, chunkEvent.Value.Bytes)
		if perr != nil {
			continue
		}
		if delta != "" {
			contentBuilder.WriteString(delta)
			if err := handler(llm.StreamChunk{Model: req.Model, Delta: delta, Timestamp: time.Now().UTC()}); err != nil {
				return nil, err
			}
		}
		if f != "" {
			finish = f
		}
		if u.TotalTokens > 0 {
			usage = u
		}
		select {
		case <-ctx.Done():
			return nil, &llm.ProviderError{Kind: llm.ErrCanceled, Provider: p.Name(), Message: "canceled", Err: ctx.Err()}
		default:
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.mapErr(err)
	}

	return &llm.CompletionResponse{
		Model:        req.Model,
		Provider:     p.Name(),
		Content:      contentBuilder.String(),
		FinishReason: finish,
		Usage:        usage,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func mapAnthropicFinish(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	default:
		return llm.FinishNone
	}
}

func mapTitanFinish(reason string) llm.FinishReason {
	switch reason {
	case "FINISH", "":
		return llm.FinishStop
	case "LENGTH":
		return llm.FinishLength
	default:
		return llm.FinishNone
	}
}

func mapLlamaFinish(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	default:
		return llm.FinishNone
	}
}

func (p *Provider) mapErr(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := llm.ErrUpstream5xx
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			kind = llm.ErrRateLimited
		case "AccessDeniedException", "UnrecognizedClientException":
			kind = llm.ErrAuthFailed
		case "ValidationException", "ModelErrorException":
			kind = llm.ErrUpstream4xx
		}
		return &llm.ProviderError{Kind: kind, Provider: p.Name(), Message: apiErr.ErrorMessage(), Err: err}
	}
	return &llm.ProviderError{Kind: llm.ErrNetworkError, Provider: p.Name(), Message: err.Error(), Err: err}
}

// HealthCheck issues a minimal InvokeModel call to confirm reachability.
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
