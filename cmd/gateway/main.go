// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the gateway service.
//
// The gateway is a multi-tenant LLM gateway and workflow engine that:
//   - Routes LLM requests across Anthropic, OpenAI, Gemini, Ollama,
//     and Bedrock behind a single circuit-breaker-aware router
//   - Tracks usage and enforces per-owner budgets
//   - Runs workflow state machines with rule-gated activities
//   - Publishes resource/workflow/cost events to subscribers over the
//     in-process event broker; with the Redis-backed broker only the
//     ledger's cost events are published, and the workflow engine
//     publishes no resource/workflow events
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	GATEWAY_PROVIDER_<NAME>_* - per-provider configuration, see config.EnvPrefix
//	GATEWAY_CATALOG_FILE - optional YAML provider catalog path
//	GATEWAY_STORE - "memory" (default), "postgres", or "mongo"
//	GATEWAY_POSTGRES_DSN - required when GATEWAY_STORE=postgres
//	GATEWAY_MONGO_URI / GATEWAY_MONGO_DATABASE - required when GATEWAY_STORE=mongo
//	GATEWAY_BROKER - "memory" (default) or "redis"
//	GATEWAY_REDIS_ADDR - required when GATEWAY_BROKER=redis
//	GATEWAY_METRICS_ADDR - Prometheus /metrics listen address (default: :9090)
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	goredis "github.com/go-redis/redis/v8"

	"github.com/relaycore/gateway/broker"
	redisbroker "github.com/relaycore/gateway/broker/redis"
	"github.com/relaycore/gateway/config"
	"github.com/relaycore/gateway/engine"
	"github.com/relaycore/gateway/llm"
	"github.com/relaycore/gateway/llm/anthropic"
	"github.com/relaycore/gateway/llm/bedrock"
	"github.com/relaycore/gateway/llm/gemini"
	"github.com/relaycore/gateway/llm/ollama"
	"github.com/relaycore/gateway/llm/openai"
	"github.com/relaycore/gateway/observability"
	"github.com/relaycore/gateway/store"
	"github.com/relaycore/gateway/store/mongo"
	"github.com/relaycore/gateway/store/postgres"
	"github.com/relaycore/gateway/usage"
	"github.com/relaycore/gateway/workflow/rules"
)

func main() {
	ctx := context.Background()

	metrics := observability.New(prometheus.DefaultRegisterer)

	registry := llm.NewRegistry(metrics.BreakerObserver())
	if err := wireProviders(ctx, registry); err != nil {
		log.Fatalf("gateway: provider setup: %v", err)
	}

	b := newBroker()
	ledger := usage.NewLedger(b)
	runtimeCfg := config.NewRuntimeConfig()
	router := llm.NewRouter(registry, ledger, llm.WithWeights(runtimeCfg))
	_ = router

	st := newStore(ctx)
	eng := engine.New(st, brokerOrNil(b), rules.NewRegistry())
	_ = eng

	addr := getenv("GATEWAY_METRICS_ADDR", ":9090")
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("gateway: metrics listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func wireProviders(ctx context.Context, registry *llm.Registry) error {
	secrets := config.NewEnvSecretsManager(nil)
	configs, err := config.LoadProviderRegistry(ctx, secrets, nil)
	if err != nil {
		return err
	}

	if catalogPath := os.Getenv("GATEWAY_CATALOG_FILE"); catalogPath != "" {
		cat, err := config.LoadCatalogFile(catalogPath)
		if err != nil {
			return err
		}
		configs = config.MergeProviderConfigs(configs, cat.ToProviderConfigs())
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		provider, err := buildProvider(ctx, cfg)
		if err != nil {
			log.Printf("gateway: skipping provider %s: %v", cfg.Name, err)
			continue
		}
		registry.Register(provider, cfg)
	}
	return nil
}

func buildProvider(ctx context.Context, cfg llm.ProviderConfig) (llm.Provider, error) {
	httpClient := http.DefaultClient
	switch cfg.Type {
	case llm.ProviderTypeAnthropic:
		return anthropic.New(cfg, httpClient), nil
	case llm.ProviderTypeOpenAI:
		return openai.New(cfg, httpClient), nil
	case llm.ProviderTypeGemini:
		return gemini.New(cfg, httpClient), nil
	case llm.ProviderTypeOllama:
		return ollama.New(cfg, httpClient, nil), nil
	case llm.ProviderTypeBedrock:
		return bedrock.New(ctx, cfg, nil)
	default:
		return openai.New(cfg, httpClient, openai.WithName(cfg.Name), openai.WithType(cfg.Type)), nil
	}
}

// brokerHandle is the subset of broker.Broker / redis.Broker this
// binary needs: it lets main() stay agnostic of which backend was
// selected at startup.
type brokerHandle interface {
	usage.Publisher
}

func newBroker() brokerHandle {
	if os.Getenv("GATEWAY_BROKER") == "redis" {
		client := goredis.NewClient(&goredis.Options{Addr: os.Getenv("GATEWAY_REDIS_ADDR")})
		return wrappedRedisBroker{redisbroker.New(client)}
	}
	return broker.New()
}

// wrappedRedisBroker adapts redis.Broker's context-taking Publish to
// the context-free usage.Publisher seam the ledger expects.
type wrappedRedisBroker struct {
	b *redisbroker.Broker
}

func (w wrappedRedisBroker) Publish(topic string, payload any) uint64 {
	seq, err := w.b.Publish(context.Background(), topic, payload)
	if err != nil {
		log.Printf("gateway: redis publish to %s failed: %v", topic, err)
	}
	return seq
}

func brokerOrNil(b brokerHandle) *broker.Broker {
	if mb, ok := b.(*broker.Broker); ok {
		return mb
	}
	return nil
}

func newStore(ctx context.Context) store.Store {
	switch os.Getenv("GATEWAY_STORE") {
	case "postgres":
		s, err := postgres.Open(os.Getenv("GATEWAY_POSTGRES_DSN"))
		if err != nil {
			log.Fatalf("gateway: postgres store: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			log.Fatalf("gateway: postgres migrate: %v", err)
		}
		return s
	case "mongo":
		s, err := mongo.Connect(ctx, os.Getenv("GATEWAY_MONGO_URI"), os.Getenv("GATEWAY_MONGO_DATABASE"))
		if err != nil {
			log.Fatalf("gateway: mongo store: %v", err)
		}
		return s
	default:
		return store.NewInMemoryStore()
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
