package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"licensed/internal/config"
	licenseErrors "licensed/internal/errors"
	"licensed/internal/exporter"
	"licensed/internal/infrastructure"
	"licensed/internal/integrations/discord"
	"licensed/internal/integrations/telegram"
	"licensed/internal/license"
	"licensed/internal/locking"
	customMiddleware "licensed/internal/middleware"
	"licensed/internal/scheduler"
	"licensed/internal/store"
	handlers "licensed/internal/transport/http"
	ws "licensed/internal/websocket"
)

const AppName = "licensed"

var (
	// Version is set at build time with -ldflags "-X licensed/internal/app.Version=..."
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = time.Now().UTC().Format(time.RFC3339)
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        chi.Router
	Server        *http.Server
	Logger        *slog.Logger
	Services      *ServiceContainer
	OTelProviders *infrastructure.OTelProviders
}

// ServiceContainer holds all application services
type ServiceContainer struct {
	Store     *store.Collection
	Locker    license.Locker
	License   *license.Service
	Hub       *ws.Hub
	Limiter   *customMiddleware.RateLimiter
	Scheduler *scheduler.Scheduler
	Discord   *discord.Client
	Telegram  *telegram.Notifier
	Commands  *telegram.Commands

	redis *redis.Client
}

// NewApplication wires every component described by cfg. Nothing is started
// until Run.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("locking", cfg.Locking.Backend))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		Services:      &ServiceContainer{},
	}

	if err := app.initializeServices(ctx); err != nil {
		app.release(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.setupRouter(); err != nil {
		app.release(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}

	app.createServer()
	return app, nil
}

// initializeServices initializes all application services
func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config
	sc := a.Services

	col, err := store.OpenFromConfig(ctx, cfg.Storage, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open license store: %w", err)
	}
	sc.Store = col

	switch strings.ToLower(cfg.Locking.Backend) {
	case "redis":
		rdb, err := locking.NewRedisClient(ctx, cfg.Locking.RedisAddr, cfg.Locking.RedisPassword, cfg.Locking.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		sc.redis = rdb
		sc.Locker = locking.NewRedisLocker(rdb, cfg.Locking.TTL, a.Logger)
	default:
		sc.Locker = locking.NewKeyedMutex()
	}

	var signer *license.Signer
	if cfg.Security.SigningSecret != "" {
		if signer, err = license.NewSigner(cfg.Security.SigningSecret); err != nil {
			return err
		}
	} else {
		a.Logger.Warn("grants are returned unsigned, no signing secret configured")
	}

	metrics, err := license.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return err
	}

	var (
		roles     license.RoleGranter
		notifiers license.MultiNotifier
	)

	if cfg.Discord.Enabled() {
		dc, err := discord.New(cfg.Discord, a.Logger)
		if err != nil {
			return err
		}
		sc.Discord = dc
		roles = dc
		notifiers = append(notifiers, dc)
	}

	if cfg.Telegram.Enabled() {
		api, err := telegram.NewBotAPI(cfg.Telegram.BotToken, "")
		if err != nil {
			return err
		}
		tg, err := telegram.New(cfg.Telegram, api, a.Logger)
		if err != nil {
			return err
		}
		sc.Telegram = tg
		notifiers = append(notifiers, tg)
	}

	var notifier license.Notifier
	switch len(notifiers) {
	case 0:
	case 1:
		notifier = notifiers[0]
	default:
		notifier = notifiers
	}

	sc.Hub = ws.NewHub(a.Logger)

	svc, err := license.NewService(license.Options{
		Store:       col,
		Locker:      sc.Locker,
		Signer:      signer,
		Roles:       roles,
		Notifier:    notifier,
		Events:      sc.Hub,
		BuyerRoleID: cfg.Discord.BuyerRoleID,
		Logger:      a.Logger,
		Tracer:      a.OTelProviders.Tracer,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	sc.License = svc

	if sc.Telegram != nil {
		sc.Commands = telegram.NewCommands(sc.Telegram, svc)
	}

	if cfg.Security.RateLimit.Enabled {
		sc.Limiter = customMiddleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, a.Logger)
	}

	if cfg.Scheduler.Enabled {
		sc.Scheduler, err = scheduler.New(cfg.Scheduler.SweepSpec, svc, cfg.Server.RequestTimeout, a.Logger)
		if err != nil {
			return err
		}
	}

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	cfg := a.Config
	sc := a.Services
	errorHandler := licenseErrors.NewErrorHandler(a.Logger, false)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return err
	}

	var admin *handlers.AdminHandler
	if cfg.Security.AdminToken != "" {
		admin = handlers.NewAdminHandler(handlers.AdminConfig{
			Service:      sc.License,
			Exporter:     exporter.NewXLSXExporter(a.Logger),
			Events:       http.HandlerFunc(a.handleEvents),
			ErrorHandler: errorHandler,
			Logger:       a.Logger,
		})
	} else {
		a.Logger.Warn("admin API disabled, no admin token configured")
	}

	a.Router = handlers.NewRouter(handlers.RouterConfig{
		Logger:       a.Logger,
		ErrorHandler: errorHandler,
		OTel:         otelMiddleware,
		CORS: customMiddleware.CORSConfig{
			AllowedOrigins: cfg.Security.AllowedOrigins,
			Logger:         a.Logger,
		},
		RequestTimeout: cfg.Server.RequestTimeout,
		AdminToken:     cfg.Security.AdminToken,
		License:        handlers.NewLicenseHandler(sc.License, sc.Limiter, a.Logger),
		Admin:          admin,
		Health:         handlers.NewHealthHandler(sc.License, Version, a.Logger),
		Metrics:        a.OTelProviders.PrometheusHTTP,
	})
	return nil
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := a.Services
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sc.Hub.Run(gctx)
		return nil
	})
	if sc.Limiter != nil {
		g.Go(func() error {
			sc.Limiter.Run(gctx)
			return nil
		})
	}
	if sc.Scheduler != nil {
		g.Go(func() error { return sc.Scheduler.Run(gctx) })
	}
	if sc.Commands != nil {
		g.Go(func() error { return sc.Commands.Run(gctx) })
	}

	g.Go(func() error {
		a.Logger.InfoContext(ctx, "Starting HTTP server",
			slog.String("address", a.Server.Addr),
			slog.String("version", Version))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if stopErr := a.Stop(context.Background()); err == nil {
		err = stopErr
	}
	return err
}

// Stop releases everything Run left behind. Outstanding role grants and
// notices are awaited before the store is closed. The hub stops with Run.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	if a.Services.License != nil {
		a.Services.License.Wait()
	}
	err := a.release(ctx)
	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return err
}

func (a *Application) release(ctx context.Context) error {
	sc := a.Services
	var errs []error

	if sc.Discord != nil {
		if err := sc.Discord.Close(); err != nil {
			errs = append(errs, fmt.Errorf("discord close: %w", err))
		}
	}
	if sc.Store != nil {
		if err := sc.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if sc.redis != nil {
		if err := sc.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	if a.OTelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	return errors.Join(errs...)
}

// handleEvents upgrades an authenticated admin request to the event stream.
func (a *Application) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a.Logger.InfoContext(ctx, "Event stream upgrade request",
		slog.String("remote_addr", customMiddleware.GetRealIP(r)),
		slog.String("origin", r.Header.Get("Origin")),
		slog.String("user_agent", r.UserAgent()))

	if err := ws.ServeWS(a.Services.Hub, w, r); err != nil {
		a.Logger.WarnContext(ctx, "Event stream upgrade failed", slog.String("error", err.Error()))
	}
}
