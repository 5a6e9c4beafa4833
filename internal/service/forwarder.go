// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/model"
)

// Upstream failure classes. Forward wraps the transport error with one of these.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
	ErrClientDisconnected  = errors.New("client disconnected")
)

// Forwarder sends proxied requests to the upstream of a config snapshot.
type Forwarder struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates a Forwarder. The metrics parameter may be nil.
func NewForwarder(c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		client:  c,
		logger:  logger.With("component", "forwarder"),
		metrics: m,
	}
}

// Forward sends pr to the upstream named by snap and returns the response
// with hop-by-hop and proxy-managed headers removed. The caller is
// responsible for closing the response body.
func (f *Forwarder) Forward(snap *config.Snapshot, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := snap.HTTPTarget(pr.Path, pr.RawQuery)
	header := RequestHeaders(pr.Header)

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"generation", snap.Generation,
	)

	resp, err := f.client.DoStream(pr.Ctx, pr.Method, target.String(), header, pr.Body, pr.ContentLength)
	if err != nil {
		err = classify(pr.Ctx, err)
		if f.metrics != nil {
			f.metrics.UpstreamErrors.WithLabelValues(errorKind(err)).Inc()
		}
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = ResponseHeaders(resp.Header)
	return resp, nil
}

// classify tags a transport error with one of the upstream failure classes.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", ErrClientDisconnected, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrClientDisconnected):
		return "client_disconnected"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	default:
		return "unreachable"
	}
}
