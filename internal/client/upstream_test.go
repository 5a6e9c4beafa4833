package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			DialTimeoutSeconds:           5,
			ResponseHeaderTimeoutSeconds: 10,
			IdleConnections:              10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpstreamClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewUpstreamClient(testConfig(), discardLogger(), m)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/test", http.Header{}, http.NoBody, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
	if got := testutil.ToFloat64(m.UpstreamResponses.WithLabelValues("GET", "200")); got != 1 {
		t.Errorf("upstream responses = %v, want 1", got)
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(), discardLogger(), nil)
	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/start", http.Header{}, http.NoBody, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Errorf("Location = %q, want %q", loc, "/elsewhere")
	}
}

func TestUpstreamClient_KeepsContentEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); ae != "" {
			t.Errorf("Accept-Encoding = %q, want none added by the client", ae)
		}
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("not-really-gzip"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(), discardLogger(), nil)
	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, http.Header{}, http.NoBody, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "not-really-gzip" {
		t.Errorf("body = %q, want raw bytes", body)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Error("Content-Encoding dropped")
	}
}

func TestUpstreamClient_StreamsChunkedUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != -1 {
			t.Errorf("ContentLength = %d, want -1 (chunked)", r.ContentLength)
		}
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(), discardLogger(), nil)
	body := io.NopCloser(strings.NewReader("streamed"))
	resp, err := c.DoStream(context.Background(), http.MethodPost, srv.URL, http.Header{}, body, -1)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	got, _ := io.ReadAll(resp.Body)
	if string(got) != "streamed" {
		t.Errorf("body = %q, want %q", got, "streamed")
	}
}

func TestUpstreamClient_ResponseHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig()
	cfg.Upstream.ResponseHeaderTimeoutSeconds = 1
	c := NewUpstreamClient(cfg, discardLogger(), nil)

	start := time.Now()
	_, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, http.Header{}, http.NoBody, 0)
	if err == nil {
		t.Fatal("DoStream() error = nil, want timeout")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestUpstreamClient_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewUpstreamClient(testConfig(), discardLogger(), nil)
	_, err := c.DoStream(ctx, http.MethodGet, srv.URL, http.Header{}, http.NoBody, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("DoStream() error = %v, want context.Canceled", err)
	}
}
