package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chirpchat/internal/config"
	"github.com/ent0n29/chirpchat/internal/httpapi"
	"github.com/ent0n29/chirpchat/internal/observability"
	"github.com/ent0n29/chirpchat/internal/ratelimit"
	"github.com/ent0n29/chirpchat/internal/upstream"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Upstream upstream.Adapter
	Limiter  *ratelimit.Manager
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the relay from cfg. ctx bounds construction only.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	temperature := cfg.OpenAITemperature
	adapter, err := upstream.NewAdapter(upstream.Config{
		Mode:        cfg.UpstreamMode,
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.OpenAIModel,
		Temperature: &temperature,
		ProxyURL:    cfg.HTTPSProxy,
		HTTPURL:     cfg.UpstreamHTTPURL,
		Retries:     cfg.UpstreamRetries,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream adapter init failed: %w", err)
	}

	var limiter *ratelimit.Manager
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewManager(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitIdleTTL)
	}

	api := httpapi.New(cfg, adapter, limiter, metrics, log)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Upstream: adapter,
		Limiter:  limiter,
		Metrics:  metrics,
		Cleanup:  func() error { return nil },
	}, nil
}
