package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-federation/internal/governance"
	"github.com/polisai/polis-federation/pkg/config"
	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/federation"
	"github.com/polisai/polis-federation/pkg/httpserver"
	"github.com/polisai/polis-federation/pkg/keyring"
	"github.com/polisai/polis-federation/pkg/policy"
	"github.com/polisai/polis-federation/pkg/replication"
	"github.com/polisai/polis-federation/pkg/storage"
	"github.com/polisai/polis-federation/pkg/tasks"
	"github.com/polisai/polis-federation/pkg/telemetry"
)

// gateway owns every long-lived component of a fedgate process.
type gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	instance string

	store     storage.RetryTimingsStore
	notifier  *replication.LocalNotifier
	redis     *redis.Client
	channel   *replication.Channel
	scheduler *tasks.Scheduler
	limiter   *governance.FederationRateLimiter
	allowList *federation.OriginAllowList
	traceList *federation.HomeserverWhitelist
	policy    *policy.AdmissionEngine
	metrics   *telemetry.ServletMetrics
	resource  *httpserver.JSONResource

	unsubscribe func()
}

// invalidator is implemented by caching stores.
type invalidator interface {
	Invalidate(destination domain.ServerName)
}

// newGateway wires the components described by cfg. extra servlets are
// registered after the built-in ones.
func newGateway(ctx context.Context, cfg *config.Config, tp trace.TracerProvider, logger *slog.Logger, extra ...*federation.Servlet) (*gateway, error) {
	g := &gateway{
		cfg:      cfg,
		logger:   logger,
		instance: cfg.Worker.InstanceName,
		notifier: replication.NewLocalNotifier(),
		metrics:  telemetry.NewServletMetrics(),
	}
	if g.instance == "" {
		g.instance = uuid.NewString()
	}

	serverName, err := domain.ParseServerName(cfg.Federation.ServerName)
	if err != nil {
		return nil, fmt.Errorf("server name: %w", err)
	}

	g.store, err = storage.Open(ctx, storage.Options{DSN: cfg.Storage.DSN, CacheSize: cfg.Storage.CacheSize})
	if err != nil {
		return nil, fmt.Errorf("open retry timings store: %w", err)
	}
	if inv, ok := g.store.(invalidator); ok {
		// Another process may have reset the timings behind our cache.
		g.unsubscribe = g.notifier.Subscribe(inv.Invalidate)
	}

	var repl federation.ReplicationClient
	if cfg.Redis.Enabled {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		g.channel = replication.NewChannel(g.redis, g.notifier, replication.ChannelOptions{
			Name:     cfg.Redis.Channel,
			Instance: g.instance,
			Logger:   logger,
		})
		if cfg.Worker.IsWorker() {
			repl = g.channel
		}
	}

	g.scheduler = tasks.NewScheduler(tasks.Options{RunBackgroundTasks: true}, logger)
	retry := federation.NewRetryTimingsTracker(g.store, g.notifier, repl, g.scheduler, logger)

	ring, err := buildKeyring(cfg.Keys)
	if err != nil {
		_ = g.Close()
		return nil, err
	}

	g.allowList = federation.NewOriginAllowList(cfg.Federation.DomainWhitelist)
	g.traceList, err = federation.NewHomeserverWhitelist(cfg.Federation.TracingWhitelist)
	if err != nil {
		_ = g.Close()
		return nil, err
	}

	var admission federation.AdmissionPolicy
	if cfg.Policy.Enabled() {
		modules, err := policy.LoadModules(cfg.Policy.Paths)
		if err != nil {
			_ = g.Close()
			return nil, err
		}
		g.policy, err = policy.NewEngine(ctx, policy.EngineOptions{
			Entrypoint:      cfg.Policy.Entrypoint,
			Modules:         modules,
			CacheMaxEntries: cfg.Policy.CacheSize,
		})
		if err != nil {
			_ = g.Close()
			return nil, err
		}
		admission = g.policy
	}

	g.limiter = governance.NewFederationRateLimiter(rateLimitConfig(cfg.RateLimit))

	auth := federation.NewAuthenticator(federation.AuthenticatorConfig{
		ServerName: serverName,
		Keyring:    ring,
		Retry:      retry,
		AllowList:  g.allowList,
		Policy:     admission,
		Logger:     logger,
	})

	dispatcher := federation.NewDispatcher(federation.DispatcherConfig{
		Authenticator: auth,
		Tracing:       federation.NewTraceBridge(tp, nil, g.traceList),
		RateLimiter:   g.limiter,
		Body:          httpserver.BodyParser{MaxBytes: cfg.Server.MaxBodyBytes},
		Logger:        logger,
	})

	g.resource = httpserver.NewJSONResource(logger, g.metrics)
	servlets := append([]*federation.Servlet{
		federation.NewVersionServlet(federation.ServerInfo{Name: "fedgate", Version: version}),
	}, extra...)
	if err := dispatcher.Register(g.resource, servlets...); err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

func buildKeyring(keys []config.KeyConfig) (*keyring.StaticKeyring, error) {
	ring := keyring.NewStaticKeyring()
	for _, k := range keys {
		vk, err := keyring.ParseVerifyKey(k.KeyID, k.PublicKey, k.ValidUntilTS)
		if err != nil {
			return nil, fmt.Errorf("verify key %s of %s: %w", k.KeyID, k.Server, err)
		}
		ring.AddKey(domain.ServerName(k.Server), vk)
	}
	return ring, nil
}

func rateLimitConfig(c config.RateLimitConfig) governance.RateLimitConfig {
	return governance.RateLimitConfig{
		Window:      c.Window,
		SleepLimit:  c.SleepLimit,
		SleepDelay:  c.SleepDelay,
		RejectLimit: c.RejectLimit,
		Concurrent:  c.Concurrent,
	}
}

// federationHandler serves the federation tree.
func (g *gateway) federationHandler() http.Handler {
	return otelhttp.NewHandler(g.resource, "fedgate.federation")
}

// start launches the background loops. They stop when ctx is done.
func (g *gateway) start(ctx context.Context) {
	g.scheduler.Start(ctx)
	go g.pruneLoop(ctx, time.Minute)
	if g.channel != nil && !g.cfg.Worker.IsWorker() {
		go g.replicationLoop(ctx)
	}
}

func (g *gateway) pruneLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.limiter.Prune(); n > 0 {
				g.logger.Debug("pruned idle rate limiter origins", "count", n)
			}
		}
	}
}

// replicationLoop keeps the primary subscribed, resubscribing after errors.
func (g *gateway) replicationLoop(ctx context.Context) {
	backoff := governance.NewRetryPolicy(governance.RetryConfig{
		MaxRetries:        1,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}, nil)

	for attempt := 0; ; attempt++ {
		err := g.channel.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempt = 0
		}
		delay := backoff.CalculateBackoff(attempt)
		g.logger.Warn("replication subscription ended, resubscribing", "error", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// applyReload swaps in the hot-reloadable parts of cfg.
func (g *gateway) applyReload(ctx context.Context, cfg *config.Config) {
	g.allowList.Set(cfg.Federation.DomainWhitelist)
	if err := g.traceList.Set(cfg.Federation.TracingWhitelist); err != nil {
		g.logger.Error("keeping previous tracing whitelist", "error", err)
	}
	g.limiter.Configure(rateLimitConfig(cfg.RateLimit))

	if g.policy != nil && cfg.Policy.Enabled() {
		modules, err := policy.LoadModules(cfg.Policy.Paths)
		if err == nil {
			err = g.policy.Reload(ctx, modules)
		}
		if err != nil {
			g.logger.Error("keeping previous admission policy", "error", err)
		}
	}
	g.logger.Info("federation settings reloaded",
		"domain_whitelist", cfg.Federation.DomainWhitelist != nil,
		"tracing_whitelist", len(cfg.Federation.TracingWhitelist))
}

// Close stops the scheduler and releases storage and network clients.
func (g *gateway) Close() error {
	var errs []error
	if g.scheduler != nil {
		g.scheduler.Stop()
	}
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}
	if g.store != nil {
		errs = append(errs, g.store.Close())
	}
	return errors.Join(errs...)
}
