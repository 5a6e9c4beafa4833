package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/net/http/httpguts"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/cors"
	"cors-proxy-go/internal/middleware"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/service"
)

// secretPattern matches credential-like query parameter values in URLs
// embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)([?&](?:api_?key|key|token|access_token)=)[^&\s"]+`)

// streamBufSize is the copy chunk for response bodies; each chunk is flushed.
const streamBufSize = 32 * 1024

// ProxyHandler forwards every non-reserved request to the upstream.
type ProxyHandler struct {
	store     *config.Store
	forwarder *service.Forwarder
	sockets   *SocketHandler
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(store *config.Store, fwd *service.Forwarder, sockets *SocketHandler, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		store:     store,
		forwarder: fwd,
		sockets:   sockets,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle answers preflights locally, hands WebSocket upgrades to the relay
// and streams everything else through the upstream.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	snap := h.snapshot(c)
	if snap == nil {
		h.logger.Error("no config snapshot loaded", "path", req.URL.Path)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "proxy configuration unavailable",
		})
	}

	if req.Method == http.MethodOptions {
		return preflight(c)
	}
	if websocket.IsWebSocketUpgrade(req) {
		return h.sockets.Serve(c, snap)
	}

	body := req.Body
	if req.ContentLength == 0 {
		body = http.NoBody
	}
	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.forwarder.Forward(snap, pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(c, snap, resp.Header)
	announced := announceTrailers(c.Response().Header(), resp.Trailer)
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a failure here can only
	// truncate the body.
	if err := stream(c.Response(), resp.Body); err != nil {
		if req.Context().Err() != nil {
			h.logger.Debug("client went away mid-stream", "path", req.URL.Path)
			return nil
		}
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
		return nil
	}
	copyTrailers(c.Response().Header(), resp.Trailer, announced)
	return nil
}

// snapshot returns the snapshot pinned by the CORS middleware. Without the
// middleware it pins the current one and applies its CORS headers here.
func (h *ProxyHandler) snapshot(c echo.Context) *config.Snapshot {
	if snap := middleware.Snapshot(c); snap != nil {
		return snap
	}
	snap := h.store.Current()
	if snap == nil {
		return nil
	}
	cors.Decide(c.Request().Header.Get(cors.HeaderOrigin), snap.CORS).Apply(c.Response().Header())
	return snap
}

// preflight answers OPTIONS without contacting the upstream. The CORS
// headers are already on the response.
func preflight(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentLength, "0")
	return c.NoContent(http.StatusOK)
}

// copyHeaders puts the filtered upstream headers on the response and the
// proxy's CORS headers back on top of them. An upstream header replaces any
// value the middleware set, except Vary, whose tokens are merged, and the
// request ID, which keeps the inbound one.
func copyHeaders(c echo.Context, snap *config.Snapshot, src http.Header) {
	dst := c.Response().Header()
	for key, vals := range src {
		switch key {
		case requestIDHeader:
			if dst.Get(key) != "" {
				continue
			}
		case cors.HeaderVary:
			mergeVary(dst, vals)
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	cors.Decide(c.Request().Header.Get(cors.HeaderOrigin), snap.CORS).Apply(dst)
}

var requestIDHeader = http.CanonicalHeaderKey(echo.HeaderXRequestID)

// mergeVary adds the Vary tokens of vals that dst does not list yet.
func mergeVary(dst http.Header, vals []string) {
	for _, v := range vals {
		var fresh []string
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" || httpguts.HeaderValuesContainsToken(dst[cors.HeaderVary], tok) {
				continue
			}
			fresh = append(fresh, tok)
		}
		if len(fresh) > 0 {
			dst.Add(cors.HeaderVary, strings.Join(fresh, ", "))
		}
	}
}

// announceTrailers declares the upstream trailer keys before the status is
// written and returns how many there were.
func announceTrailers(dst, trailer http.Header) int {
	if len(trailer) == 0 {
		return 0
	}
	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	dst.Add("Trailer", strings.Join(keys, ", "))
	return len(trailer)
}

// copyTrailers sets the upstream trailer values once the body is done.
// Trailers the upstream sent without declaring them go out under
// http.TrailerPrefix.
func copyTrailers(dst, trailer http.Header, announced int) {
	if len(trailer) == 0 {
		return
	}
	if len(trailer) != announced {
		for k, vv := range trailer {
			dst[http.TrailerPrefix+k] = vv
		}
		return
	}
	for k, vv := range trailer {
		dst[k] = vv
	}
}

// stream copies body to w, flushing after every chunk so server-sent events
// and long downloads reach the client as they arrive.
func stream(w *echo.Response, body io.Reader) error {
	rc := http.NewResponseController(w.Writer)
	buf := make([]byte, streamBufSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, service.ErrClientDisconnected) {
		// Nobody is left to read a response.
		h.logger.Debug("client went away before upstream answered", "path", path)
		return nil
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", path,
	)

	if errors.Is(err, service.ErrUpstreamTimeout) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream unreachable",
	})
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
