package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/chatblast/internal/api"
	"github.com/foxzi/chatblast/internal/campaign"
	"github.com/foxzi/chatblast/internal/config"
	"github.com/foxzi/chatblast/internal/dispatch"
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/lifecycle"
	"github.com/foxzi/chatblast/internal/metrics"
	"github.com/foxzi/chatblast/internal/outcome"
	"github.com/foxzi/chatblast/internal/pacing"
	"github.com/foxzi/chatblast/internal/ratelimit"
)

// closingGateway is a gateway that owns background resources
type closingGateway interface {
	gateway.Gateway
	Close() error
}

// closingRegister is an outcome register backed by a connection
type closingRegister interface {
	outcome.Register
	Close() error
}

// App is the main application
type App struct {
	config        *config.Config
	store         *campaign.BoltStore
	register      outcome.Register
	gateway       closingGateway
	manager       *lifecycle.Manager
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	cleaner       *campaign.Cleaner
	rateLimiter   *ratelimit.Limiter
	logger        *slog.Logger
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	store, err := campaign.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config: cfg,
		store:  store,
		logger: logger,
	}
	if err := a.build(ctx, version); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, version string) error {
	cfg := a.config
	logger := a.logger
	db := a.store.DB()

	register, err := newRegister(ctx, cfg.Outcome)
	if err != nil {
		return err
	}
	a.register = register
	logger.Info("outcome register ready", "backend", cfg.Outcome.Backend)

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rlConfig := &ratelimit.Config{FlushInterval: cfg.RateLimit.FlushInterval}
		if cfg.RateLimit.Account != nil {
			rlConfig.Account = &ratelimit.LimitConfig{
				MessagesPerHour: cfg.RateLimit.Account.MessagesPerHour,
				MessagesPerDay:  cfg.RateLimit.Account.MessagesPerDay,
			}
		}
		if cfg.RateLimit.Campaign != nil {
			rlConfig.Campaign = &ratelimit.LimitConfig{
				MessagesPerHour: cfg.RateLimit.Campaign.MessagesPerHour,
				MessagesPerDay:  cfg.RateLimit.Campaign.MessagesPerDay,
			}
		}

		rateLimiter, err = ratelimit.NewLimiter(db, rlConfig)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.rateLimiter = rateLimiter
		logger.Info("rate limiting enabled")
	}

	var extra []api.RouteRegistrar

	switch cfg.Gateway.Type {
	case "whatsapp_web":
		wa := cfg.Gateway.WhatsAppWeb
		a.gateway = gateway.NewWhatsAppWeb(gateway.WhatsAppConfig{
			BaseURL:           wa.BaseURL,
			ControlURL:        wa.ControlURL,
			BrowserBin:        wa.BrowserBin,
			UserDataDir:       wa.UserDataDir,
			Headless:          wa.Headless,
			NavigationTimeout: wa.NavigationTimeout,
			WatchTimeout:      wa.WatchTimeout,
			WatchInterval:     wa.WatchInterval,
		}, register, logger.With("component", "whatsapp_web"))
		logger.Info("whatsapp web gateway enabled", "headless", wa.Headless)
	default:
		var captures *gateway.SandboxStorage
		if cfg.RecordSandbox() {
			captures, err = gateway.NewSandboxStorage(db)
			if err != nil {
				return fmt.Errorf("failed to create sandbox storage: %w", err)
			}
			extra = append(extra, api.NewSandboxServer(captures))
		}
		sb := cfg.Gateway.Sandbox
		a.gateway = gateway.NewSandbox(gateway.SandboxConfig{
			ConfirmDelay:       sb.ConfirmDelay,
			FailureProbability: sb.FailureProbability,
			FailIdentifiers:    sb.FailIdentifiers,
			SilentIdentifiers:  sb.SilentIdentifiers,
		}, captures, register, logger.With("component", "sandbox"))
		logger.Info("sandbox gateway enabled", "confirm_delay", sb.ConfirmDelay)
	}

	policy, err := pacing.New(pacing.Config{
		Mode:  pacing.Mode(cfg.Pacing.Mode),
		Delay: cfg.Pacing.Delay,
		Min:   cfg.Pacing.Min,
		Max:   cfg.Pacing.Max,
		Floor: cfg.Pacing.Floor,
	}, rand.NewSource(time.Now().UnixNano()))
	if err != nil {
		return fmt.Errorf("failed to create pacing policy: %w", err)
	}

	var engineOpts []dispatch.Option
	var managerOpts []lifecycle.Option
	if rateLimiter != nil {
		engineOpts = append(engineOpts, dispatch.WithThrottle(rateLimiter))
		managerOpts = append(managerOpts, lifecycle.WithLimiter(rateLimiter))
	}

	engine := dispatch.NewEngine(a.store, a.gateway, register, policy, dispatch.Config{
		ConfirmTimeout: cfg.Dispatch.ConfirmTimeout,
		ConfirmPoll:    cfg.Dispatch.ConfirmPollInterval,
		PausePoll:      cfg.Dispatch.PausePollInterval,
		PersistTimeout: cfg.Dispatch.PersistTimeout,
	}, logger.With("component", "engine"), engineOpts...)

	a.manager = lifecycle.NewManager(a.store, engine, a.gateway, logger.With("component", "lifecycle"), managerOpts...)

	extra = append(extra, api.NewRateLimitServer(rateLimiter, &cfg.RateLimit))

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		collector, err := metrics.NewCollector(db, m, a.store, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		metrics.SetGlobalCollector(collector)
		a.collector = collector

		a.metricsServer = metrics.NewServer(m, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
		}, logger.With("component", "metrics"))
	}

	if r := cfg.Storage.Retention; r != nil {
		a.cleaner = campaign.NewCleaner(a.store, campaign.CleanerConfig{
			FinishedMaxAge: r.FinishedMaxAge,
			Interval:       r.CleanupInterval,
		}, logger.With("component", "cleaner"))
	}

	a.apiServer = api.NewServer(a.manager, register, &cfg.API, version, logger.With("component", "api"), extra...)
	return nil
}

func newRegister(ctx context.Context, cfg config.OutcomeConfig) (outcome.Register, error) {
	if cfg.Backend != "redis" {
		return outcome.NewMemoryRegister(), nil
	}

	reg, err := outcome.NewRedisRegister(ctx, outcome.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect outcome register: %w", err)
	}
	return reg, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting chatblast",
		"api_addr", a.config.API.ListenAddr,
		"gateway", a.config.Gateway.Type,
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recovered, err := a.manager.Recover(ctx)
	if err != nil {
		a.logger.Error("failed to recover interrupted campaigns", "error", err)
	} else if recovered > 0 {
		a.logger.Warn("campaigns interrupted by the previous run are stopped and can be resumed", "count", recovered)
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if a.metricsServer != nil {
		g.Go(func() error {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// Stops the listeners on signal or when one of them fails
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
		if a.metricsServer != nil {
			if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("metrics server shutdown error", "error", err)
			}
		}
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("server error", "error", runErr)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown stops campaign runs, persists their state and releases resources
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Runs first, they still write to the store
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("campaign runs shutdown error", "error", err)
	}

	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	a.closeResources()

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeResources() {
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			a.logger.Error("gateway close error", "error", err)
		}
	}

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
		metrics.SetGlobalCollector(nil)
	}

	if r, ok := a.register.(closingRegister); ok {
		if err := r.Close(); err != nil {
			a.logger.Error("outcome register close error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
