// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaycore/gateway/llm"
)

// FileCatalog is the on-disk shape of a static multi-provider catalog,
// layered on top of (and overriding) environment-derived configs.
type FileCatalog struct {
	Providers []FileProvider `yaml:"providers"`
}

// FileProvider mirrors llm.ProviderConfig's fields in YAML form.
type FileProvider struct {
	Name            string            `yaml:"name"`
	Type            string            `yaml:"type"`
	APIKeySecretARN string            `yaml:"api_key_secret_arn,omitempty"`
	Endpoint        string            `yaml:"endpoint,omitempty"`
	Region          string            `yaml:"region,omitempty"`
	Enabled         bool              `yaml:"enabled"`
	Priority        int               `yaml:"priority"`
	Weight          float64           `yaml:"weight"`
	RateLimit       float64           `yaml:"rate_limit,omitempty"`
	TimeoutSeconds  int               `yaml:"timeout_seconds,omitempty"`
	Settings        map[string]string `yaml:"settings,omitempty"`
}

// LoadCatalogFile parses a YAML provider catalog from path.
func LoadCatalogFile(path string) (*FileCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading catalog file: %w", err)
	}
	var cat FileCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("config: parsing catalog file: %w", err)
	}
	return &cat, nil
}

// ToProviderConfigs converts the file catalog into llm.ProviderConfig
// values, ready to register.
func (c *FileCatalog) ToProviderConfigs() []llm.ProviderConfig {
	out := make([]llm.ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		timeoutSeconds := p.TimeoutSeconds
		if timeoutSeconds == 0 {
			timeoutSeconds = 30
		}
		weight := p.Weight
		if weight == 0 {
			weight = 1.0
		}
		out = append(out, llm.ProviderConfig{
			Name:            p.Name,
			Type:            llm.ProviderType(p.Type),
			APIKeySecretARN: p.APIKeySecretARN,
			Endpoint:        p.Endpoint,
			Region:          p.Region,
			Enabled:         p.Enabled,
			Priority:        p.Priority,
			Weight:          weight,
			RateLimit:       p.RateLimit,
			TimeoutSeconds:  timeoutSeconds,
			Settings:        p.Settings,
		})
	}
	return out
}

// MergeProviderConfigs layers overrides on top of base, keyed by
// Name; overrides win, entries present only in overrides are appended.
func MergeProviderConfigs(base, overrides []llm.ProviderConfig) []llm.ProviderConfig {
	byName := map[string]int{}
	out := append([]llm.ProviderConfig(nil), base...)
	for i, c := range out {
		byName[c.Name] = i
	}
	for _, o := range overrides {
		if i, ok := byName[o.Name]; ok {
			out[i] = o
		} else {
			byName[o.Name] = len(out)
			out = append(out, o)
		}
	}
	return out
}
