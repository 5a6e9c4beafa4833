package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/handler"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/middleware"
	"cors-proxy-go/internal/relay"
	"cors-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("cors-proxy"),
		kong.Description("Reverse proxy that adds CORS headers in front of a single upstream."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newStore,
			newEcho,
			client.NewUpstreamClient,
			service.NewForwarder,
			relay.New,
			handler.NewSocketHandler,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, startServer, watchReload),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newStore loads the first snapshot. Without an upstream URL the proxy
// refuses to start.
func newStore(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*config.Store, error) {
	store, err := config.NewStore(config.NewSnapshotLoader(cfg).Load, logger)
	if err != nil {
		return nil, err
	}
	m.ConfigGeneration.Set(float64(store.Current().Generation))
	store.OnReload(func(snap *config.Snapshot, err error) {
		var gen uint64
		if snap != nil {
			gen = snap.Generation
		}
		m.ObserveReload(gen, err)
	})

	snap := store.Current()
	logger.Info("config loaded",
		"file", cfg.FilePath(),
		"upstream_url", snap.BaseURL.Redacted(),
		"websocket_url", snap.WebSocketURL.Redacted(),
		"allowed_origins", snap.CORS.AllowedOrigins,
		"allow_credentials", snap.CORS.AllowCredentials,
	)
	return store, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, store *config.Store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout()
	// ReadTimeout is off by default: it would also cut off long uploads.
	e.Server.ReadTimeout = cfg.Server.ReadTimeout()
	// WriteTimeout stays disabled so long streamed responses survive.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = cfg.Server.IdleTimeout()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	// CORS runs before anything that can reject a request so that rejections
	// are readable by the browser.
	e.Use(middleware.CORS(store))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}

	if cfg.Server.RateLimit.Enabled {
		limiter := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(limiter))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	// Every request context derives from base. Canceling it after shutdown
	// ends relayed WebSocket sessions, which Shutdown does not track.
	base, cancel := context.WithCancel(context.Background())
	e.Server.BaseContext = func(net.Listener) context.Context { return base }

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := e.Shutdown(ctx)
			cancel()
			return err
		},
	})
}

// watchReload reloads the snapshot on SIGHUP.
func watchReload(lc fx.Lifecycle, store *config.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			signal.Notify(signals, syscall.SIGHUP)
			go func() {
				defer close(done)
				store.ReloadOn(ctx, signals)
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(signals)
			cancel()
			<-done
			return nil
		},
	})
}
