package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/relay"
)

// SocketHandler relays WebSocket upgrades to the snapshot's WebSocket upstream.
type SocketHandler struct {
	relay  *relay.Relay
	logger *slog.Logger
}

// NewSocketHandler creates a SocketHandler.
func NewSocketHandler(r *relay.Relay, logger *slog.Logger) *SocketHandler {
	return &SocketHandler{
		relay:  r,
		logger: logger.With("component", "socket_handler"),
	}
}

// Serve relays the upgrade request in c. Once the inbound connection is
// upgraded nothing is returned to Echo; the session outcome is only logged.
func (h *SocketHandler) Serve(c echo.Context, snap *config.Snapshot) error {
	req := c.Request()
	target := snap.WebSocketTarget(req.URL.EscapedPath(), req.URL.RawQuery)

	err := h.relay.Serve(c.Response(), req, target)

	var de *relay.DialError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return h.dialFailed(c, snap, de)
	case errors.Is(err, relay.ErrIdleTimeout):
		h.logger.Info("websocket session idle; closed", "path", req.URL.Path)
		return nil
	default:
		h.logger.Warn("websocket session ended abnormally",
			"err", err,
			"path", req.URL.Path,
		)
		return nil
	}
}

// dialFailed answers the still-unupgraded client. An upstream that rejected
// the handshake with an HTTP response has that response passed through.
func (h *SocketHandler) dialFailed(c echo.Context, snap *config.Snapshot, de *relay.DialError) error {
	path := c.Request().URL.Path

	if de.StatusCode != 0 {
		h.logger.Info("upstream rejected websocket handshake",
			"status", de.StatusCode,
			"path", path,
		)
		// The dialer keeps only a prefix of the body.
		de.Header.Del(echo.HeaderContentLength)
		copyHeaders(c, snap, de.Header)
		c.Response().WriteHeader(de.StatusCode)
		_, _ = c.Response().Write(de.Body)
		return nil
	}

	if c.Request().Context().Err() != nil {
		h.logger.Debug("client went away during websocket handshake", "path", path)
		return nil
	}

	h.logger.Error("websocket upstream unreachable",
		"err", sanitizeError(de),
		"path", path,
	)
	if isTimeout(de.Err) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream websocket handshake timed out",
		})
	}
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream websocket unreachable",
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
