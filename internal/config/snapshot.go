package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"cors-proxy-go/internal/cors"
)

// Environment variables read on every snapshot load.
const (
	EnvUpstreamURL      = "UPSTREAM_URL"
	EnvUpstreamWSURL    = "UPSTREAM_WS_URL"
	EnvAllowedOrigins   = "CORS_ALLOWED_ORIGINS"
	EnvAllowCredentials = "CORS_ALLOW_CREDENTIALS"
)

// Snapshot is one complete upstream + CORS configuration. A published
// snapshot is never modified; reloads replace it wholesale.
type Snapshot struct {
	BaseURL      *url.URL
	WebSocketURL *url.URL
	CORS         cors.Policy

	Generation uint64    // set by the Store on publish
	LoadedAt   time.Time // set by the Store on publish
}

// NewSnapshot validates the raw values and builds a snapshot. wsURL may be
// empty, in which case it is derived from baseURL.
func NewSnapshot(baseURL, wsURL string, policy cors.Policy) (*Snapshot, error) {
	base, err := parseUpstream(EnvUpstreamURL, baseURL, "http", "https")
	if err != nil {
		return nil, err
	}

	var ws *url.URL
	if wsURL == "" {
		ws = deriveWebSocketURL(base)
	} else if ws, err = parseUpstream(EnvUpstreamWSURL, wsURL, "ws", "wss"); err != nil {
		return nil, err
	}

	origins := make([]string, len(policy.AllowedOrigins))
	copy(origins, policy.AllowedOrigins)

	return &Snapshot{
		BaseURL:      base,
		WebSocketURL: ws,
		CORS: cors.Policy{
			AllowedOrigins:   origins,
			AllowCredentials: policy.AllowCredentials,
		},
	}, nil
}

func parseUpstream(key, raw string, schemes ...string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ConfigurationError{Key: key, Reason: "is required"}
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, &ConfigurationError{Key: key, Reason: "is not a valid URL", Err: err}
	}
	ok := false
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			ok = true
		}
	}
	if !ok {
		return nil, &ConfigurationError{Key: key, Reason: fmt.Sprintf("scheme must be one of %v; got %q", schemes, u.Scheme)}
	}
	if u.Host == "" {
		return nil, &ConfigurationError{Key: key, Reason: "has no host"}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	return u, nil
}

func deriveWebSocketURL(base *url.URL) *url.URL {
	ws := *base
	if base.Scheme == "https" {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}
	return &ws
}

// HTTPTarget returns the upstream URL for an inbound escaped path and raw query.
func (s *Snapshot) HTTPTarget(escapedPath, rawQuery string) *url.URL {
	return joinURL(s.BaseURL, escapedPath, rawQuery)
}

// WebSocketTarget returns the upstream WebSocket URL for an inbound escaped
// path and raw query.
func (s *Snapshot) WebSocketTarget(escapedPath, rawQuery string) *url.URL {
	return joinURL(s.WebSocketURL, escapedPath, rawQuery)
}

// joinURL appends "/" + path to base, keeping the inbound escaping intact.
func joinURL(base *url.URL, escapedPath, rawQuery string) *url.URL {
	u := *base

	p := strings.TrimSuffix(base.EscapedPath(), "/") + "/" + strings.TrimPrefix(escapedPath, "/")
	if unescaped, err := url.PathUnescape(p); err == nil {
		u.Path = unescaped
		u.RawPath = p
	} else {
		u.Path = p
		u.RawPath = ""
	}

	switch {
	case base.RawQuery == "":
		u.RawQuery = rawQuery
	case rawQuery != "":
		u.RawQuery = base.RawQuery + "&" + rawQuery
	}
	return &u
}

// snapshotFile is the reloadable part of the TOML config file.
type snapshotFile struct {
	Upstream struct {
		URL          string `toml:"url"`
		WebSocketURL string `toml:"websocket_url"`
	} `toml:"upstream"`
	CORS struct {
		AllowedOrigins   []string `toml:"allowed_origins"`
		AllowCredentials *bool    `toml:"allow_credentials"`
	} `toml:"cors"`
}

// SnapshotLoader builds snapshots from the config file and the environment.
// Non-empty environment values take precedence over the file.
type SnapshotLoader struct {
	Path      string
	LookupEnv func(string) (string, bool)
}

// NewSnapshotLoader returns a loader reading the same file as cfg and the
// process environment.
func NewSnapshotLoader(cfg *Config) *SnapshotLoader {
	return &SnapshotLoader{Path: cfg.filePath, LookupEnv: os.LookupEnv}
}

// Load reads one snapshot. Every failure is a *ConfigurationError.
func (l *SnapshotLoader) Load() (*Snapshot, error) {
	var f snapshotFile
	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, &ConfigurationError{Key: l.Path, Reason: "cannot read config file", Err: err}
		}
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, &ConfigurationError{Key: l.Path, Reason: "cannot parse config file", Err: err}
		}
	}

	baseURL := l.env(EnvUpstreamURL, f.Upstream.URL)
	wsURL := l.env(EnvUpstreamWSURL, f.Upstream.WebSocketURL)

	origins := f.CORS.AllowedOrigins
	if v, ok := l.lookup(EnvAllowedOrigins); ok {
		origins = strings.Split(v, ",")
	}
	origins = cleanOrigins(origins)
	if len(origins) == 0 {
		origins = []string{cors.Wildcard}
	}

	var credentials bool
	if f.CORS.AllowCredentials != nil {
		credentials = *f.CORS.AllowCredentials
	}
	if v, ok := l.lookup(EnvAllowCredentials); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &ConfigurationError{Key: EnvAllowCredentials, Reason: "is not a boolean", Err: err}
		}
		credentials = b
	}

	return NewSnapshot(baseURL, wsURL, cors.Policy{
		AllowedOrigins:   origins,
		AllowCredentials: credentials,
	})
}

// lookup returns a trimmed, non-empty env value.
func (l *SnapshotLoader) lookup(key string) (string, bool) {
	if l.LookupEnv == nil {
		return "", false
	}
	v, ok := l.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (l *SnapshotLoader) env(key, fallback string) string {
	if v, ok := l.lookup(key); ok {
		return v
	}
	return fallback
}

func cleanOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
