package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the proxy's own health and status endpoints.
type HealthHandler struct {
	store   *config.Store
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(store *config.Store, v Version) *HealthHandler {
	return &HealthHandler{store: store, version: v}
}

// Healthz returns a simple OK response for liveness probes. It never
// contacts the upstream.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status           string    `json:"status"`
	Version          string    `json:"version"`
	UpstreamURL      string    `json:"upstream_url"`
	WebSocketURL     string    `json:"websocket_url"`
	AllowedOrigins   []string  `json:"allowed_origins"`
	AllowCredentials bool      `json:"allow_credentials"`
	Generation       uint64    `json:"generation"`
	LoadedAt         time.Time `json:"loaded_at"`
}

// Status reports the version and the configuration snapshot in effect.
func (h *HealthHandler) Status(c echo.Context) error {
	snap := h.store.Current()
	return c.JSON(http.StatusOK, statusResponse{
		Status:           "ok",
		Version:          string(h.version),
		UpstreamURL:      snap.BaseURL.Redacted(),
		WebSocketURL:     snap.WebSocketURL.Redacted(),
		AllowedOrigins:   snap.CORS.AllowedOrigins,
		AllowCredentials: snap.CORS.AllowCredentials,
		Generation:       snap.Generation,
		LoadedAt:         snap.LoadedAt,
	})
}
