package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/config"
	"github.com/compresr/ai-gateway/internal/invoker"
	"github.com/compresr/ai-gateway/internal/pipeline"
)

// buildInvoker turns the upstream list into one routed Invoker. Upstreams
// with a token budget are wrapped in a rate limiter that estimates prompt
// size with est.
func buildInvoker(ctx context.Context, ups []config.UpstreamConfig, est *pipeline.Estimator) (invoker.Invoker, error) {
	registry := adapters.NewRegistry()
	routed := make([]invoker.Upstream, 0, len(ups))

	for i, u := range ups {
		inv, err := buildUpstream(ctx, u, registry)
		if err != nil {
			return nil, fmt.Errorf("upstreams[%d] (%s): %w", i, u.Name, err)
		}
		if u.TokensPerMinute > 0 {
			rl := invoker.NewRateLimited(inv, u.TokensPerMinute)
			if est != nil {
				rl.Estimate = est.Request
			}
			inv = rl
		}
		log.Debug().
			Str("name", u.Name).
			Str("type", u.Type).
			Str("base_url", u.BaseURL).
			Int("tokens_per_minute", u.TokensPerMinute).
			Msg("upstream configured")
		routed = append(routed, invoker.Upstream{Name: u.Name, Invoker: inv})
	}
	return invoker.NewRouter(routed...)
}

func buildUpstream(ctx context.Context, u config.UpstreamConfig, registry *adapters.Registry) (invoker.Invoker, error) {
	switch u.Type {
	case config.UpstreamOpenAI, config.UpstreamAnthropic, config.UpstreamGemini:
		return invoker.NewHTTPInvoker(invoker.HTTPConfig{
			Name:          u.Name,
			Protocol:      adapters.Protocol(u.Type),
			BaseURL:       u.BaseURL,
			APIKey:        u.APIKey,
			Headers:       u.Headers,
			Models:        u.Models,
			BodyOverrides: u.BodyOverrides,
			Timeout:       u.Timeout,
		}, registry)
	case config.UpstreamBedrock:
		return invoker.NewBedrockInvoker(ctx, invoker.BedrockConfig{
			Name:     u.Name,
			Region:   u.Region,
			Models:   u.Models,
			Endpoint: u.Endpoint,
			Timeout:  u.Timeout,
		})
	case config.UpstreamStatic:
		s := invoker.NewStaticInvoker(u.Models, u.Reply)
		s.Echo = u.Echo
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported upstream type %q", u.Type)
	}
}
