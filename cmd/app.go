package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mikills/shoplog/docstore"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// shopIDContextKey is the echo context key for the shop a request addresses.
const shopIDContextKey = "shop_id"

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger
	// Metrics receives request stats. The same value should be passed to the
	// store so document reads and writes land in one snapshot.
	Metrics docstore.AppMetrics
	// Contents, when set, is mounted under /contents on the same listener.
	Contents *docstore.ContentsServer
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Logger:            slog.Default(),
	}
}

type App struct {
	store   *docstore.Store
	echo    *echo.Echo
	config  AppConfig
	logger  *slog.Logger
	metrics docstore.AppMetrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool
}

// NewApp serves the logbook over store. A nil store serves only the health,
// metrics and (if configured) contents routes.
func NewApp(store *docstore.Store, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = docstore.NoopAppMetrics{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(logger, metrics))
	e.Use(shopIDMiddleware())

	app := &App{
		store:   store,
		echo:    e,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		errCh:   make(chan error, 1),
	}
	app.registerRoutes()
	return app
}

// Handler exposes the router, mainly for tests that drive it without a listener.
func (a *App) Handler() http.Handler {
	return a.echo
}

// shopIDMiddleware tags the request context with the addressed shop so the
// request log line carries it.
func shopIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := strings.TrimSpace(c.Param("shopID")); id != "" {
				c.Set(shopIDContextKey, id)
			}
			return next(c)
		}
	}
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	d.Metrics = cfg.Metrics
	d.Contents = cfg.Contents
	return d
}

func requestLoggerMiddleware(logger *slog.Logger, metrics docstore.AppMetrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = docstore.NoopAppMetrics{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			latencyMS := time.Since(start).Milliseconds()
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			metrics.RecordRequest(c.Request().Method, path, status, latencyMS)
			attrs := []any{
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"latency_ms", latencyMS,
				"remote_ip", c.RealIP(),
			}
			if id, ok := c.Get(shopIDContextKey).(string); ok {
				attrs = append(attrs, "shop_id", id)
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(c.Request().Context(), "http request", attrs...)
			case status >= http.StatusBadRequest:
				logger.WarnContext(c.Request().Context(), "http request", attrs...)
			default:
				logger.InfoContext(c.Request().Context(), "http request", attrs...)
			}
			return nil
		}
	}
}

func (a *App) registerRoutes() {
	deps := Dependencies{
		Logger:     a.logger,
		AppMetrics: a.metrics,
	}
	if a.store != nil {
		deps.Logbook = docstore.NewLogbook(a.store)
		deps.CacheStats = a.store.Cache.Stats
	}
	Register(a.echo, deps)
	if a.config.Contents != nil {
		a.config.Contents.Register(a.echo)
	}
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return err
	}
	a.listener = ln
	a.started = true

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		a.errCh <- err
	}()

	return nil
}

func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	addr := a.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "::" || host == "0.0.0.0" || host == "[::]" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if !started {
		return nil
	}

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	return a.echo.Shutdown(ctx)
}
