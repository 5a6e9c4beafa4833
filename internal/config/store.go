package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// LoadFunc produces a fresh snapshot.
type LoadFunc func() (*Snapshot, error)

// Store publishes the current snapshot to any number of readers. Readers never
// take a lock; Reload is the only writer.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu         sync.Mutex // serializes Reload
	load       LoadFunc
	generation uint64
	onReload   func(*Snapshot, error)
	logger     *slog.Logger
}

// NewStore loads the initial snapshot. A load failure here is returned as is
// and should abort startup.
func NewStore(load LoadFunc, logger *slog.Logger) (*Store, error) {
	snap, err := load()
	if err != nil {
		return nil, err
	}
	s := &Store{
		load:   load,
		logger: logger.With("component", "config_store"),
	}
	s.publish(snap)
	return s, nil
}

// OnReload registers fn to be called after every reload attempt. It must be
// set before Reload can run concurrently.
func (s *Store) OnReload(fn func(*Snapshot, error)) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// Current returns the latest published snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload loads a new snapshot and publishes it. On failure the previous
// snapshot stays in effect and the error is logged; callers may ignore the
// returned error.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		s.logger.Error("config reload failed; keeping previous snapshot",
			"err", err,
			"generation", s.generation,
		)
		if s.onReload != nil {
			s.onReload(nil, err)
		}
		return err
	}

	s.publish(snap)
	s.logger.Info("config reloaded",
		"generation", snap.Generation,
		"upstream_url", snap.BaseURL.Redacted(),
		"allowed_origins", snap.CORS.AllowedOrigins,
		"allow_credentials", snap.CORS.AllowCredentials,
	)
	if s.onReload != nil {
		s.onReload(snap, nil)
	}
	return nil
}

// publish stamps snap and makes it visible. snap must not be shared yet.
func (s *Store) publish(snap *Snapshot) {
	s.generation++
	snap.Generation = s.generation
	snap.LoadedAt = time.Now()
	s.current.Store(snap)
}

// ReloadOn calls Reload for every value received on signals until ctx is
// done or signals is closed. Reload failures are not fatal.
func (s *Store) ReloadOn(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			s.logger.Info("reloading config", "signal", sig.String())
			_ = s.Reload()
		}
	}
}
