package handler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/cors"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/middleware"
	"cors-proxy-go/internal/relay"
	"cors-proxy-go/internal/service"
)

const testOrigin = "https://photos.example"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			DialTimeoutSeconds:           5,
			ResponseHeaderTimeoutSeconds: 5,
			IdleConnections:              10,
			HandshakeTimeoutSeconds:      5,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: config.ReservedPrefix + "/metrics"},
	}
}

// source is a reloadable snapshot source driven by the test.
type source struct {
	baseURL string
	wsURL   string
	policy  cors.Policy
}

func (s *source) load() (*config.Snapshot, error) {
	return config.NewSnapshot(s.baseURL, s.wsURL, s.policy)
}

type testProxy struct {
	e     *echo.Echo
	store *config.Store
	src   *source
	proxy *ProxyHandler
}

func newTestProxy(t *testing.T, cfg *config.Config, src *source) *testProxy {
	t.Helper()
	logger := discardLogger()

	store, err := config.NewStore(src.load, logger)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	m := metrics.New()
	fwd := service.NewForwarder(client.NewUpstreamClient(cfg, logger, m), logger, m)
	sockets := NewSocketHandler(relay.New(cfg, logger, m), logger)
	proxy := NewProxyHandler(store, fwd, sockets, logger)
	health := NewHealthHandler(store, "test")

	e := echo.New()
	e.Use(middleware.CORS(store))
	RegisterRoutes(e, cfg, m, proxy, health)

	return &testProxy{e: e, store: store, src: src, proxy: proxy}
}

func allowAll() cors.Policy {
	return cors.Policy{AllowedOrigins: []string{cors.Wildcard}}
}
