package config

import (
	"sync"
	"sync/atomic"
)

// Store publishes the active configuration snapshot. Readers grab the
// pointer once per request and treat the document as immutable; the reloader
// and the admin config endpoint are the only writers.
type Store struct {
	path string
	cur  atomic.Pointer[Config]

	hookMu sync.Mutex
	hooks  []func(old, cur *Config)
}

func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.cur.Store(cfg)
	return s
}

func (s *Store) Path() string { return s.path }

// Snapshot returns the active document. Callers must not mutate it.
func (s *Store) Snapshot() *Config { return s.cur.Load() }

// OnSwap registers a hook invoked after every snapshot replacement, with the
// retired and the new document. Register hooks before serving traffic.
func (s *Store) OnSwap(fn func(old, cur *Config)) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// Publish atomically replaces the snapshot and runs the swap hooks.
func (s *Store) Publish(cfg *Config) {
	old := s.cur.Swap(cfg)
	s.hookMu.Lock()
	hooks := append(([]func(old, cur *Config))(nil), s.hooks...)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(old, cfg)
	}
}

// Write validates, persists, and publishes a replacement document in one
// step. Used by the admin PUT /admin/config path; the on-disk copy keeps the
// reloader and the running snapshot in agreement.
func (s *Store) Write(cfg *Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, cfg); err != nil {
		return err
	}
	s.Publish(cfg)
	return nil
}
