// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relaycore/gateway/llm"
)

// EnvPrefix is the documented prefix every provider registry
// environment variable is read under: GATEWAY_PROVIDER_<NAME>_<FIELD>.
const EnvPrefix = "GATEWAY_PROVIDER_"

// SecretsManager resolves opaque secret references (an ARN, a local
// key, an env-var prefix) into a credential map. Implemented by
// AWSSecretsManager, LocalSecretsManager, and EnvSecretsManager.
type SecretsManager interface {
	GetSecret(ctx context.Context, secretARN string) (map[string]string, error)
}

// KnownProviders lists the provider names LoadProviderRegistry scans
// for; a deployment with no matching env vars for a name simply skips it.
var KnownProviders = []string{"anthropic", "openai", "gemini", "ollama", "bedrock"}

// LoadProviderRegistry builds one llm.ProviderConfig per known
// provider name that has any of GATEWAY_PROVIDER_<NAME>_ENABLED (any
// value), _API_KEY, _API_KEY_SECRET_ARN or _ENDPOINT set in the
// environment. credentials, when
// a config names a secret ARN rather than GATEWAY_PROVIDER_<NAME>_API_KEY
// directly, are resolved via secrets (nil secrets means ARN-bearing
// entries are returned with APIKey empty, for the caller to resolve later).
func LoadProviderRegistry(ctx context.Context, secrets SecretsManager, logger *log.Logger) ([]llm.ProviderConfig, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[CONFIG] ", log.LstdFlags)
	}

	var out []llm.ProviderConfig
	for _, name := range KnownProviders {
		cfg, ok := loadOne(name)
		if !ok {
			continue
		}

		if cfg.APIKeySecretARN != "" && secrets != nil {
			creds, err := secrets.GetSecret(ctx, cfg.APIKeySecretARN)
			if err != nil {
				logger.Printf("failed to resolve secret for provider %s: %v", name, err)
			} else if key, ok := creds["api_key"]; ok {
				cfg.APIKey = key
			} else if key, ok := creds["value"]; ok {
				cfg.APIKey = key
			}
		}

		out = append(out, cfg)
		logger.Printf("loaded provider config %q (enabled=%v, priority=%d)", cfg.Name, cfg.Enabled, cfg.Priority)
	}
	return out, nil
}

func loadOne(name string) (llm.ProviderConfig, bool) {
	upper := strings.ToUpper(name)
	prefix := EnvPrefix + upper + "_"

	apiKey := os.Getenv(prefix + "API_KEY")
	secretARN := os.Getenv(prefix + "API_KEY_SECRET_ARN")
	endpoint := os.Getenv(prefix + "ENDPOINT")
	enabledStr := os.Getenv(prefix + "ENABLED")

	if apiKey == "" && secretARN == "" && endpoint == "" && enabledStr == "" {
		return llm.ProviderConfig{}, false
	}

	enabled := true
	if enabledStr != "" {
		enabled, _ = strconv.ParseBool(enabledStr)
	}

	priority := 0
	if v := os.Getenv(prefix + "PRIORITY"); v != "" {
		priority, _ = strconv.Atoi(v)
	}

	weight := 1.0
	if v := os.Getenv(prefix + "WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			weight = f
		}
	}

	rateLimit := 0.0
	if v := os.Getenv(prefix + "RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rateLimit = f
		}
	}

	timeoutSeconds := 30
	if v := os.Getenv(prefix + "TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			timeoutSeconds = n
		}
	}

	return llm.ProviderConfig{
		Name:            name,
		Type:            llm.ProviderType(name),
		APIKey:          apiKey,
		APIKeySecretARN: secretARN,
		Endpoint:        endpoint,
		Region:          os.Getenv(prefix + "REGION"),
		Enabled:         enabled,
		Priority:        priority,
		Weight:          weight,
		RateLimit:       rateLimit,
		TimeoutSeconds:  timeoutSeconds,
		Settings:        map[string]string{"default_model": os.Getenv(prefix + "DEFAULT_MODEL")},
	}, true
}

// ParseDuration is a small env-var helper shared by the loaders in
// this package; it returns def if s is empty or unparsable.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ErrNoProvidersConfigured is returned by callers that require at
// least one enabled provider and found none.
var ErrNoProvidersConfigured = fmt.Errorf("config: no provider configuration found in environment")
