package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/auth"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/backend/cli"
	"github.com/eugener/gatewayd/internal/backend/httpapi"
	"github.com/eugener/gatewayd/internal/backend/terminal"
	"github.com/eugener/gatewayd/internal/cache"
	"github.com/eugener/gatewayd/internal/circuitbreaker"
	"github.com/eugener/gatewayd/internal/config"
	"github.com/eugener/gatewayd/internal/eventbus"
	"github.com/eugener/gatewayd/internal/health"
	"github.com/eugener/gatewayd/internal/queue"
	"github.com/eugener/gatewayd/internal/ratelimit"
	"github.com/eugener/gatewayd/internal/retry"
	"github.com/eugener/gatewayd/internal/server"
	"github.com/eugener/gatewayd/internal/store/sqlite"
	"github.com/eugener/gatewayd/internal/telemetry"
	"github.com/eugener/gatewayd/internal/tmuxpane"
	"github.com/eugener/gatewayd/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gatewayd", "version", version, "addr", cfg.Listen)

	st, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("database opened", "path", cfg.Storage.Path)

	ctx := context.Background()

	recovered, err := st.StartupRecovery(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if len(recovered) > 0 {
		slog.Warn("recovered non-terminal requests from a prior crash", "count", len(recovered))
	}

	// Shared DNS cache for every HTTP-variant provider's transport.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	bus := eventbus.New()
	for _, r := range recovered {
		bus.Publish(gateway.Event{Type: gateway.EventRequestFailed, RequestID: r.ID, Timestamp: time.Now()})
	}

	backends := backend.NewRegistry()
	providers := make(map[string]gateway.ProviderDescriptor)
	providerConfigs := make(map[string]queue.ProviderConfig)
	var providerNames []string

	for _, p := range cfg.Providers {
		desc := gateway.ProviderDescriptor{
			Name:           p.Name,
			Enabled:        p.IsEnabled(),
			Variant:        gateway.BackendVariant(p.BackendType),
			Dialect:        gateway.Dialect(p.Dialect),
			BaseURL:        p.APIBaseURL,
			APIKeyEnv:      p.APIKeyEnv,
			ExtraHeaders:   p.ExtraHeaders,
			Command:        p.Command,
			ArgsTemplate:   p.ArgsTemplate,
			Env:            p.Env,
			AuthIndicators: p.AuthIndicators,
			PaneID:         p.PaneID,
			PromptPrefix:   p.PromptPrefix,
			CompletionMark: p.CompletionMark,
			DefaultModel:   p.Model,
			Concurrency:    p.ResolvedConcurrency(),
			Timeout:        p.ResolvedTimeout(),
			FallbackChain:  p.FallbackChain,
			CostPer1K:      p.CostPer1K,
			Priority:       p.Priority,
		}

		b, err := buildBackend(ctx, p, dnsResolver)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if b == nil {
			slog.Warn("provider skipped (unknown backend type)", "name", p.Name, "backend_type", p.BackendType)
			continue
		}

		backends.Register(p.Name, b)
		providers[p.Name] = desc
		providerNames = append(providerNames, p.Name)
		providerConfigs[p.Name] = queue.ProviderConfig{
			Name:          p.Name,
			Variant:       desc.Variant,
			Concurrency:   desc.Concurrency,
			FallbackChain: desc.FallbackChain,
		}
		slog.Info("provider registered",
			"name", p.Name,
			"backend_type", p.BackendType,
			"enabled", desc.Enabled,
			"fallback_chain", desc.FallbackChain,
		)
	}

	apiKeyAuth, err := auth.New(st)
	if err != nil {
		return err
	}

	rateLimiter := ratelimit.New(ratelimit.Limits{
		DefaultRPM: cfg.RateLimit.DefaultRPM,
		Burst:      cfg.RateLimit.Burst,
		GlobalRPM:  cfg.RateLimit.GlobalRPM,
	})
	slog.Info("rate limits configured", "default_rpm", cfg.RateLimit.DefaultRPM, "global_rpm", cfg.RateLimit.GlobalRPM)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	var responseCache *cache.Manager
	if cfg.Cache.Enabled {
		responseCache, err = cache.New(cache.Config{
			DefaultTTL: cfg.Cache.DefaultTTL,
			MaxEntries: cfg.Cache.MaxEntries,
			MaxBytes:   cfg.Cache.MaxBytes,
		}, st)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		slog.Info("response cache enabled", "default_ttl", cfg.Cache.DefaultTTL, "max_entries", cfg.Cache.MaxEntries)
	}

	retryAttempts := cfg.Retry.MaxAttempts
	if !cfg.Retry.Enabled {
		retryAttempts = 1 // one attempt per provider, fallback chain still applies
	}
	executor := retry.New(retry.Config{
		MaxAttempts: retryAttempts,
		BaseBackoff: time.Duration(cfg.Retry.BaseBackoffMs) * time.Millisecond,
		Jitter:      cfg.Retry.Jitter,
	}, backends, breakers, nil)

	q := queue.New(cfg.Queue.MaxDepth, cfg.Queue.SkipAhead)
	dispatcher := queue.NewDispatcher(queue.Config{
		NumWorkers: cfg.Queue.Workers,
	}, q, providerConfigs, rateLimiter, executor, st, bus)

	healthMonitor := health.New(health.Config{
		Interval:          time.Duration(cfg.Health.IntervalSeconds) * time.Second,
		Window:            cfg.Health.Window,
		SuccessThreshold:  cfg.Health.SuccessThreshold,
		DownAfterFailures: cfg.Health.DownAfterFailures,
	}, backends, providerNames, bus)

	workers := []worker.Worker{dispatcher, healthMonitor}
	runner := worker.NewRunner(workers...)

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		dispatcher.WithMetrics(metrics)
		slog.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gatewayd/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Store:          st,
		Queue:          q,
		Dispatcher:     dispatcher,
		Providers:      providers,
		Health:         healthMonitor,
		Cache:          responseCache,
		RateLimiter:    rateLimiter,
		Bus:            bus,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     st.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("gatewayd ready", "addr", cfg.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gatewayd stopped")
	return nil
}

// buildBackend constructs the backend.Backend for one provider entry
// according to its BackendType, returning (nil, nil) for an unrecognized
// type so the caller can skip it with a warning.
func buildBackend(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver) (backend.Backend, error) {
	switch p.BackendType {
	case "http_api":
		httpCfg := httpapi.Config{
			BaseURL:      p.APIBaseURL,
			APIKey:       os.Getenv(p.APIKeyEnv),
			Dialect:      gateway.Dialect(p.Dialect),
			Model:        p.Model,
			MaxTokens:    p.MaxTokens,
			Timeout:      p.ResolvedTimeout(),
			ExtraHeaders: p.ExtraHeaders,
			CostPer1K:    p.CostPer1K,
			AuthType:     p.ResolvedAuthType(),
		}
		if httpCfg.AuthType == "aws_sigv4" {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("load aws credentials: %w", err)
			}
			httpCfg.AWSCreds = awsCfg.Credentials
			if p.Auth != nil {
				httpCfg.AWSRegion = p.Auth.Region
				httpCfg.AWSService = p.Auth.Service
			}
		}
		return httpapi.New(httpCfg, resolver)

	case "cli":
		return cli.New(cli.Config{
			Command:        p.Command,
			ArgsTemplate:   p.ArgsTemplate,
			Env:            envSlice(p.Env),
			AuthIndicators: p.AuthIndicators,
			CostPer1K:      p.CostPer1K,
		}), nil

	case "terminal":
		driver := tmuxpane.New()
		return terminal.New(terminal.Config{
			PaneID:         p.PaneID,
			PromptPrefix:   p.PromptPrefix,
			CompletionMark: p.CompletionMark,
			CostPer1K:      p.CostPer1K,
			AuthIndicators: p.AuthIndicators,
		}, driver, driver), nil

	default:
		return nil, nil
	}
}

// envSlice flattens a name->value map into "NAME=value" entries for
// exec.Cmd.Env, appended on top of the process's own environment by the
// cli backend.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
