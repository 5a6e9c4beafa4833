// Package relay pairs an inbound WebSocket connection with an upstream one and
// copies messages between them until either side goes away.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/service"
)

// Direction names one half of a relayed session.
type Direction string

const (
	ClientToUpstream Direction = "client_to_upstream"
	UpstreamToClient Direction = "upstream_to_client"
)

// controlWait bounds writes of ping replies and close frames.
const controlWait = 5 * time.Second

var (
	// ErrUpstreamDial is wrapped by every *DialError.
	ErrUpstreamDial = errors.New("upstream websocket dial failed")
	// ErrIdleTimeout ends a session in which nothing moved for the idle timeout.
	ErrIdleTimeout = errors.New("websocket session idle")
)

// DialError reports a failed upstream handshake. Nothing has been written to
// the client when it is returned. StatusCode is non-zero when the upstream
// answered the handshake with an HTTP response instead of an upgrade.
type DialError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v: upstream answered %d: %v", ErrUpstreamDial, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrUpstreamDial, e.Err)
}

func (e *DialError) Unwrap() []error { return []error{ErrUpstreamDial, e.Err} }

// ProtocolError ends a session abnormally: a read or write on one half failed,
// or a peer closed with a non-normal code.
type ProtocolError struct {
	Direction Direction
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket %s: %v", e.Direction, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Options tunes a Relay.
type Options struct {
	HandshakeTimeout time.Duration
	// IdleTimeout closes a session when no message or ping crossed it in
	// either direction for this long. Zero disables it.
	IdleTimeout time.Duration
}

// Relay proxies WebSocket sessions to the upstream.
type Relay struct {
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
	idle     time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Relay from the upstream settings in cfg. The metrics
// parameter may be nil.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return NewWithOptions(Options{
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout(),
		IdleTimeout:      cfg.Upstream.WebSocketIdleTimeout(),
	}, logger, m)
}

// NewWithOptions creates a Relay with explicit options.
func NewWithOptions(opts Options, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		dialer: websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			NetDialContext:   (&net.Dialer{Timeout: opts.HandshakeTimeout, KeepAlive: 30 * time.Second}).DialContext,
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			// Origin is forwarded upstream; the upstream decides.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		idle:    opts.IdleTimeout,
		logger:  logger.With("component", "websocket_relay"),
		metrics: m,
	}
}

// Serve dials target, then upgrades the inbound request, then relays until
// the session ends.
//
// A *DialError means the upstream could not be reached and the caller still
// owns w. Any other return happens after the inbound connection was taken
// over: nil for a normal close, otherwise a *ProtocolError or ErrIdleTimeout.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, target *url.URL) error {
	ctx := req.Context()

	upstream, err := r.dial(ctx, req, target)
	if err != nil {
		r.observeSession("dial_error")
		return err
	}

	respHeader := http.Header{}
	if p := upstream.Subprotocol(); p != "" {
		respHeader.Set("Sec-Websocket-Protocol", p)
	}

	client, err := r.upgrader.Upgrade(w, req, respHeader)
	if err != nil {
		// Upgrade has already answered the client.
		_ = upstream.Close()
		r.observeSession("upgrade_error")
		return &ProtocolError{Direction: ClientToUpstream, Err: err}
	}

	r.logger.Debug("websocket session opened",
		"path", req.URL.Path,
		"subprotocol", upstream.Subprotocol(),
	)

	start := time.Now()
	if r.metrics != nil {
		r.metrics.WebSocketSessionsActive.Inc()
		defer r.metrics.WebSocketSessionsActive.Dec()
	}

	err = r.run(ctx, client, upstream)

	if r.metrics != nil {
		r.metrics.WebSocketSessionSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.observeSession("error")
	} else {
		r.observeSession("ok")
	}
	r.logger.Debug("websocket session closed",
		"path", req.URL.Path,
		"duration_ms", time.Since(start).Milliseconds(),
		"err", err,
	)
	return err
}

func (r *Relay) dial(ctx context.Context, req *http.Request, target *url.URL) (*websocket.Conn, error) {
	d := r.dialer
	d.Subprotocols = websocket.Subprotocols(req)

	conn, resp, err := d.DialContext(ctx, target.String(), service.HandshakeHeaders(req.Header))
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
			de.Header = service.ResponseHeaders(resp.Header)
			if resp.Body != nil {
				// Dialer keeps at most 1KiB of a rejected handshake body.
				de.Body, _ = io.ReadAll(resp.Body)
				_ = resp.Body.Close()
			}
		}
		return nil, de
	}
	return conn, nil
}

// run pumps both directions. The first half to stop cancels the other by
// closing both connections.
func (r *Relay) run(ctx context.Context, client, upstream *websocket.Conn) error {
	var lastActivity atomic.Int64
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }
	touch()

	for _, c := range []*websocket.Conn{client, upstream} {
		c.SetPingHandler(func(data string) error {
			touch()
			return replyPong(c, data)
		})
		c.SetPongHandler(func(string) error {
			touch()
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.pump(ClientToUpstream, client, upstream, touch) })
	g.Go(func() error { return r.pump(UpstreamToClient, upstream, client, touch) })

	if r.idle > 0 {
		g.Go(func() error { return r.watchIdle(gctx, &lastActivity) })
	}

	g.Go(func() error {
		<-gctx.Done()
		closeBoth(context.Cause(gctx), client, upstream)
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		// Shutdown or inbound request ended; not a session failure.
		return nil
	}
	return sessionResult(err)
}

// pump copies messages from src to dst one at a time, frame type intact.
// It only returns on failure, which includes a close from src.
func (r *Relay) pump(dir Direction, src, dst *websocket.Conn, touch func()) error {
	for {
		mt, rd, err := src.NextReader()
		if err != nil {
			return &ProtocolError{Direction: dir, Err: err}
		}
		touch()

		wr, err := dst.NextWriter(mt)
		if err != nil {
			return &ProtocolError{Direction: dir, Err: err}
		}
		if _, err := io.Copy(wr, rd); err != nil {
			_ = wr.Close()
			return &ProtocolError{Direction: dir, Err: err}
		}
		if err := wr.Close(); err != nil {
			return &ProtocolError{Direction: dir, Err: err}
		}

		if r.metrics != nil {
			r.metrics.WebSocketMessages.WithLabelValues(string(dir), messageTypeLabel(mt)).Inc()
		}
	}
}

func (r *Relay) watchIdle(ctx context.Context, lastActivity *atomic.Int64) error {
	tick := r.idle / 4
	if tick <= 0 {
		tick = r.idle
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, lastActivity.Load())) >= r.idle {
				return ErrIdleTimeout
			}
		}
	}
}

func (r *Relay) observeSession(result string) {
	if r.metrics != nil {
		r.metrics.WebSocketSessions.WithLabelValues(result).Inc()
	}
}

// closeBoth tells each peer why the session ended, then drops both sockets.
// WriteControl and Close may run concurrently with the pumps.
func closeBoth(cause error, client, upstream *websocket.Conn) {
	msg := closeMessage(cause)
	deadline := time.Now().Add(controlWait)
	_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = upstream.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = client.Close()
	_ = upstream.Close()
}

// closeMessage builds the close frame relayed to the peers. A peer's own close
// code is passed through; codes that must not appear on the wire are mapped.
func closeMessage(cause error) []byte {
	var ce *websocket.CloseError
	switch {
	case errors.As(cause, &ce):
		switch ce.Code {
		case websocket.CloseNoStatusReceived:
			return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return websocket.FormatCloseMessage(websocket.CloseGoingAway, "peer connection lost")
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	case errors.Is(cause, ErrIdleTimeout):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout")
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "proxy shutting down")
	default:
		return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "relay error")
	}
}

// sessionResult maps the first error of a session to the Serve result.
func sessionResult(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return nil
		}
	}
	return err
}

// replyPong mirrors gorilla's default ping handler.
func replyPong(c *websocket.Conn, data string) error {
	err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

func messageTypeLabel(mt int) string {
	switch mt {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	default:
		return "other"
	}
}
