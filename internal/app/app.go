// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/sterility-garden/internal/config"
	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/identity"
	"github.com/bissquit/sterility-garden/internal/incidents"
	incidentspostgres "github.com/bissquit/sterility-garden/internal/incidents/postgres"
	"github.com/bissquit/sterility-garden/internal/live"
	"github.com/bissquit/sterility-garden/internal/notifications"
	"github.com/bissquit/sterility-garden/internal/notifications/email"
	notificationspostgres "github.com/bissquit/sterility-garden/internal/notifications/postgres"
	"github.com/bissquit/sterility-garden/internal/notifications/webhook"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
	"github.com/bissquit/sterility-garden/internal/pkg/httputil"
	"github.com/bissquit/sterility-garden/internal/pkg/metrics"
	"github.com/bissquit/sterility-garden/internal/pkg/postgres"
	"github.com/bissquit/sterility-garden/internal/pkg/retry"
	"github.com/bissquit/sterility-garden/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server

	notificationWorker *notifications.Worker
	incidentsService   *incidents.Service
	changeListener     *incidentspostgres.Listener
	hub                *live.Hub

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New creates a new application instance. Background components are
// wired but not started until Run.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	build := version.Info()
	metrics.BuildInfo.WithLabelValues(build.Version, build.Commit).Set(1)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ApplicationName: "sterility-garden",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	app := &App{
		config: cfg,
		logger: logger,
		db:     db,
	}

	router, err := app.setupRouter()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Start launches the background components: pool metrics, the
// notification worker and the incident change feed.
func (a *App) Start() {
	if a.bgCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		a.collectDBMetrics(ctx)
	}()

	if a.notificationWorker != nil {
		a.notificationWorker.Start(ctx)
	}

	if a.changeListener != nil {
		a.bgWG.Add(1)
		go func() {
			defer a.bgWG.Done()
			if err := a.changeListener.Run(ctx); err != nil {
				a.logger.Error("incident change feed stopped", "error", err)
			}
		}()
	}
}

// Run starts the background components and the HTTP servers.
func (a *App) Run() error {
	a.Start()

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Sweep runs one synchronous pass of the notification queues.
func (a *App) Sweep(ctx context.Context) (notifications.SweepResult, error) {
	if a.notificationWorker == nil {
		return notifications.SweepResult{}, fmt.Errorf("notifications are disabled: %w", domain.ErrUnavailable)
	}
	return a.notificationWorker.RunOnce(ctx)
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop notification worker first
	if a.notificationWorker != nil {
		a.notificationWorker.Stop()
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.bgWG.Wait()

	if a.hub != nil {
		a.hub.Close()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.incidentsService != nil {
		a.incidentsService.Wait()
	}
	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPool(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPool(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// NotificationWorker returns the notification worker instance.
// Used in tests to access worker state. Returns nil if notifications disabled.
func (a *App) NotificationWorker() *notifications.Worker {
	return a.notificationWorker
}

// Hub returns the live feed hub, nil when the feed is disabled.
func (a *App) Hub() *live.Hub {
	return a.hub
}

func (a *App) setupRouter() (*chi.Mux, error) {
	cfg := a.config

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Sterility Garden API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	authenticator, err := identity.NewAuthenticator(identity.Config{
		SecretKey: cfg.JWT.SecretKey,
		Issuer:    cfg.JWT.Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}
	directory := identity.ContextDirectory{}

	// Notifications first: incidents need the notifier and the dispatcher
	// needs the incident store for its delivery hook.
	notificationsRepo := notificationspostgres.NewRepository(a.db)

	renderer, err := notifications.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create notification renderer: %w", err)
	}

	channels := make([]domain.ChannelType, 0, len(cfg.Notifications.DefaultChannels))
	for _, ch := range cfg.Notifications.DefaultChannels {
		channels = append(channels, domain.ChannelType(ch))
	}

	notificationRouter := notifications.NewRouter(notificationsRepo, renderer, notifications.RouterConfig{
		DefaultRegulators: cfg.Notifications.DefaultRegulators,
		DefaultChannels:   channels,
		DefaultDelay:      cfg.Notifications.DefaultDelay,
		MaxRetries:        cfg.Notifications.Retry.MaxRetries,
		BaseURL:           cfg.Notifications.BaseURL,
	})

	incidentsRepo := incidentspostgres.NewRepository(a.db)
	storePolicy := retry.StorePolicy(retry.StoreConfig{
		MaxAttempts:     cfg.Incidents.StoreRetry.MaxAttempts,
		InitialInterval: cfg.Incidents.StoreRetry.InitialInterval,
		MaxInterval:     cfg.Incidents.StoreRetry.MaxInterval,
	})
	store := incidents.NewStore(
		incidentsRepo,
		incidents.NewNumberer(incidents.NumberFormat(cfg.Incidents.NumberFormat)),
		storePolicy,
		cfg.Incidents.DefaultSteps,
	)
	workflow := incidents.NewWorkflowEngine(incidentsRepo, storePolicy)

	slog.Info("notifications configured",
		"enabled", cfg.Notifications.Enabled,
		"email_enabled", cfg.Notifications.Email.Enabled,
		"default_channels", cfg.Notifications.DefaultChannels,
	)

	// Stays a nil interface when notifications are disabled.
	var notifier incidents.Notifier

	if cfg.Notifications.Enabled {
		emailSender, err := email.NewSender(email.Config{
			Enabled:      cfg.Notifications.Email.Enabled,
			SMTPHost:     cfg.Notifications.Email.SMTPHost,
			SMTPPort:     cfg.Notifications.Email.SMTPPort,
			SMTPUser:     cfg.Notifications.Email.SMTPUser,
			SMTPPassword: cfg.Notifications.Email.SMTPPassword,
			FromAddress:  cfg.Notifications.Email.FromAddress,
			BatchSize:    cfg.Notifications.Email.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}

		if !cfg.Notifications.Email.Enabled {
			slog.Warn("email sender is disabled: email notifications and alerts will not be sent")
		}

		// Webhook URLs are configured per facility.
		webhookSender := webhook.NewSender(webhook.Config{
			Username:  cfg.Notifications.Webhook.Username,
			Timeout:   cfg.Notifications.Webhook.Timeout,
			RateLimit: cfg.Notifications.Webhook.RateLimit,
			Burst:     cfg.Notifications.Webhook.Burst,
		})

		deliveryPolicy := retry.DeliveryPolicy(retry.DeliveryConfig{
			MaxAttempts: cfg.Notifications.DeliveryRetry.MaxAttempts,
			Interval:    cfg.Notifications.DeliveryRetry.Interval,
		})

		dispatcher := notifications.NewDispatcher(notificationsRepo, notifications.DispatcherConfig{
			BaseDelay: cfg.Notifications.Retry.BaseDelay,
			MaxDelay:  cfg.Notifications.Retry.MaxDelay,
		}, deliveryPolicy, emailSender, webhookSender)
		dispatcher.OnRegulatoryDelivered(store.MarkRegulatoryNotificationSent)

		notifier = notifications.NewNotifier(notificationRouter, dispatcher)

		a.notificationWorker = notifications.NewWorker(notifications.WorkerConfig{
			BatchSize:    cfg.Notifications.Worker.BatchSize,
			PollInterval: cfg.Notifications.Worker.PollInterval,
			NumWorkers:   cfg.Notifications.Worker.NumWorkers,
			StuckAfter:   cfg.Notifications.Worker.StuckAfter,
		}, notificationsRepo, dispatcher)
	}

	notificationsHandler := notifications.NewHandler(notifications.NewService(notificationsRepo, notificationRouter))

	incidentsService := incidents.NewService(store, workflow, notifier, directory)
	a.incidentsService = incidentsService
	incidentsHandler := incidents.NewHandler(incidentsService)

	// Stays a nil interface when the live feed is disabled.
	var publisher incidents.Publisher
	if cfg.Live.Enabled {
		a.hub = live.NewHub(live.Config{
			PingInterval:   cfg.Live.PingInterval,
			WriteTimeout:   cfg.Live.WriteTimeout,
			MaxMessageSize: cfg.Live.MaxMessageSize,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
		})
		publisher = a.hub
	}

	if cfg.Incidents.ListenChanges {
		bridge := incidents.NewBridge(store, notifier, publisher)
		a.changeListener = incidentspostgres.NewListener(a.db, bridge)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(authenticator))

			incidentsHandler.RegisterRoutes(r)
			notificationsHandler.RegisterRoutes(r)

			if a.hub != nil {
				r.Get("/live", a.hub.ServeHTTP)
			}

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleOperator))
				incidentsHandler.RegisterOperatorRoutes(r)
				notificationsHandler.RegisterOperatorRoutes(r)
			})

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))
				notificationsHandler.RegisterAdminRoutes(r)
			})
		})
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Info())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
