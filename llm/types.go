// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm defines the canonical request/response shapes and the
// Provider interface that every upstream adapter implements.
package llm

import "time"

// ProviderType identifies the underlying adapter implementation.
type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeGemini    ProviderType = "gemini"
	ProviderTypeOllama    ProviderType = "ollama"
	ProviderTypeBedrock   ProviderType = "bedrock"
)

// Capability is a feature tag a model or request may require.
type Capability string

const (
	CapabilityStreaming      Capability = "streaming"
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityCreative       Capability = "creative"
	CapabilityCode           Capability = "code"
	CapabilityAnalysis       Capability = "analysis"
)

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a canonical chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ToolSpec describes a function the model may call.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCallDelta is a streamed fragment of a tool invocation.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// BudgetConstraint caps spend for a single request.
type BudgetConstraint struct {
	PerRequestLimitUSD float64 `json:"per_request_limit_usd,omitempty"`
}

// RoutingStrategy selects how the Router ranks candidates.
type RoutingStrategy string

const (
	RoutingCostOptimized    RoutingStrategy = "cost_optimized"
	RoutingPerformanceFirst RoutingStrategy = "performance_first"
	RoutingBalanced         RoutingStrategy = "balanced"
)

// RoutingOptions carries the additive routing fields on a request.
type RoutingOptions struct {
	Strategy              RoutingStrategy   `json:"routing_strategy,omitempty"`
	MaxCostPer1kTokens    float64           `json:"max_cost_per_1k_tokens,omitempty"`
	MaxLatencyMs          int               `json:"max_latency_ms,omitempty"`
	RequiredCapabilities  []Capability      `json:"required_capabilities,omitempty"`
	FallbackModels        []string          `json:"fallback_models,omitempty"`
	BudgetConstraint      *BudgetConstraint `json:"budget_constraint,omitempty"`
	RequireStreaming      bool              `json:"require_streaming,omitempty"`
	TaskType              string            `json:"task_type,omitempty"`
}

// CompletionRequest is the canonical (provider-agnostic) request shape.
type CompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Stream           bool            `json:"stream"`
	Tools            []ToolSpec      `json:"tools,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	ProjectID        string          `json:"project_id,omitempty"`
	Routing          *RoutingOptions `json:"routing,omitempty"`
}

// FinishReason is the canonical terminal reason for a completion.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishNone          FinishReason = ""
)

// UsageStats reports token accounting for a request, as reported by
// the upstream (when available) or estimated by the caller.
type UsageStats struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated"`
}

// CompletionResponse is the canonical non-streaming response shape.
type CompletionResponse struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        UsageStats   `json:"usage"`
	CreatedAt    time.Time    `json:"created_at"`
}

// StreamChunk is one canonical streamed delta.
type StreamChunk struct {
	ResponseID   string         `json:"response_id"`
	Model        string         `json:"model"`
	Delta        string         `json:"delta"`
	ToolCall     *ToolCallDelta `json:"tool_call,omitempty"`
	FinishReason FinishReason   `json:"finish_reason"`
	Usage        *UsageStats    `json:"usage,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// StreamHandler receives chunks as they are produced. Returning an
// error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// HealthCheckResult is the outcome of a provider health probe.
type HealthCheckResult struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// CostEstimate is a provider's best-effort cost projection for a request.
type CostEstimate struct {
	EstimatedUSD    float64 `json:"estimated_usd"`
	PromptTokens    int     `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// ModelInfo describes one model a provider exposes.
type ModelInfo struct {
	ID                string       `json:"id"`
	ContextWindow     int          `json:"context_window"`
	MaxOutputTokens   int          `json:"max_output_tokens"`
	InputPricePer1k   float64      `json:"input_price_per_1k"`
	OutputPricePer1k  float64      `json:"output_price_per_1k"`
	SupportsStreaming bool         `json:"supports_streaming"`
	SupportsFunctions bool         `json:"supports_functions"`
	Capabilities      []Capability `json:"capabilities"`
}

// HealthStatus is the rolling health state of a provider.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	RollingErrorRate    float64   `json:"rolling_error_rate"`
	AverageLatency      time.Duration `json:"average_latency"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}
