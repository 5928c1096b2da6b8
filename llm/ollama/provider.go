// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package ollama adapts the canonical llm.Provider contract onto a
// local Ollama server's OpenAI-compatible /v1/chat/completions endpoint.
package ollama

import (
	"github.com/relaycore/gateway/llm"
	"github.com/relaycore/gateway/llm/openai"
)

const defaultBaseURL = "http://localhost:11434/v1/chat/completions"

// New constructs an Ollama adapter. Since Ollama speaks the OpenAI
// wire format, this is the openai.Provider rebranded with a local
// default endpoint and no-cost model pricing.
func New(cfg llm.ProviderConfig, client llm.HTTPClient, models []string) *openai.Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultBaseURL
	}
	catalog := make([]llm.ModelInfo, 0, len(models))
	for _, m := range models {
		catalog = append(catalog, llm.ModelInfo{
			ID:                m,
			ContextWindow:     8192,
			MaxOutputTokens:   4096,
			InputPricePer1k:   0,
			OutputPricePer1k:  0,
			SupportsStreaming: true,
		})
	}
	return openai.New(cfg, client,
		openai.WithName("ollama"),
		openai.WithType(llm.ProviderTypeOllama),
		openai.WithModels(catalog),
	)
}
