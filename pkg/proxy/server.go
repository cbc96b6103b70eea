package proxy

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/uniapi/uniapi/pkg/config"
	"github.com/uniapi/uniapi/pkg/httpclient"
	"github.com/uniapi/uniapi/pkg/logdb"
	"github.com/uniapi/uniapi/pkg/metrics"
	"github.com/uniapi/uniapi/pkg/provider"
	"github.com/uniapi/uniapi/pkg/version"
)

const (
	shutdownGrace     = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server is the gateway: one chi router covering the proxy catch-all, the
// model catalog, and the admin surface, on top of a live config snapshot.
type Server struct {
	store    *config.Store
	clients  *httpclient.Pool
	resolver *provider.Resolver
	pool     *provider.Pool
	ring     *LogRing
	db       *logdb.Store
	metrics  *metrics.Metrics

	httpServer *http.Server
	draining   atomic.Bool
	active     atomic.Int64
}

// NewServer wires the gateway from a published config store. db may be nil
// when sqlite archiving is disabled.
func NewServer(store *config.Store, db *logdb.Store) *Server {
	cfg := store.Snapshot()
	clients := httpclient.NewPool(cfg.Preferences.Proxy, time.Duration(cfg.Preferences.ModelTimeout)*time.Second)

	persistPath := ""
	if store.Path() != "" {
		persistPath = filepath.Join(filepath.Dir(store.Path()), "models-cache.json")
	}
	resolver := provider.NewResolver(clients, persistPath)

	s := &Server{
		store:    store,
		clients:  clients,
		resolver: resolver,
		pool:     provider.NewPool(store, resolver),
		ring:     NewLogRing(cfg.Logs.RingSize),
		db:       db,
		metrics:  metrics.New(),
	}

	store.OnSwap(func(old, cur *config.Config) {
		s.clients.Configure(cur.Preferences.Proxy, time.Duration(cur.Preferences.ModelTimeout)*time.Second)
		s.resolver.Invalidate(old, cur)
		log.Info("configuration swapped", "providers", len(cur.Providers))
	})

	return s
}

// Router builds the HTTP surface. Everything except health and metrics sits
// behind the admission credential; unmatched paths fall through to the proxy.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/models", s.handleModels)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/providers", s.handleAdminProviders)
			r.Post("/providers/{name}/reset", s.handleAdminProviderReset)
			r.Get("/logs", s.handleAdminLogs)
			r.Get("/logs/ws", s.handleAdminLogsWS)
			r.Get("/config", s.handleAdminConfigGet)
			r.Put("/config", s.handleAdminConfigPut)
		})
		r.HandleFunc("/*", s.proxyEntry)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}

// handleModels serves the aggregated catalog in the OpenAI list shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cards := provider.Catalog(r.Context(), s.store.Snapshot(), s.resolver)
	type modelObject struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Name   string `json:"name"`
	}
	data := make([]modelObject, 0, len(cards))
	for _, c := range cards {
		data = append(data, modelObject{ID: c.ID, Object: "model", Name: c.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// proxyEntry gates the catch-all behind the drain flag and tracks in-flight
// requests so shutdown can wait for streams to finish.
func (s *Server) proxyEntry(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "server shutting down"})
		return
	}
	s.active.Add(1)
	defer s.active.Add(-1)
	s.handleProxy(w, r)
}

// archive writes the record to sqlite off the request path.
func (s *Server) archive(rec LogRecord) {
	if s.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.db.Insert(ctx, logdb.Record{
			ID:               rec.ID,
			CreatedAt:        rec.CreatedAt,
			Path:             rec.Path,
			Model:            rec.Model,
			EffectiveModel:   rec.EffectiveModel,
			Provider:         rec.Provider,
			Streaming:        rec.Streaming,
			Status:           rec.Status,
			LatencyMS:        rec.LatencyMS,
			FirstTokenMS:     rec.FirstTokenMS,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			TotalTokens:      rec.TotalTokens,
		})
		if err != nil {
			log.Debug("request log archive failed", "err", err)
		}
	}()
}

func (s *Server) waitForProxyIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.active.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// Run serves until the context is cancelled, then drains: new proxy requests
// get 503 while in-flight ones are given time to complete.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()

	if s.store.Path() != "" {
		go config.NewReloader(s.store).Run(ctx)
	}
	if s.db != nil {
		stopRetention := logdb.StartRetention(s.db, cfg.Logs.RetentionDays)
		defer stopRetention()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.httpServer = srv

	errCh := make(chan error, 1)
	if cfg.TLS.Enabled {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
		}
		srv.TLSConfig = m.TLSConfig()
		srv.Addr = cfg.Server.Host + ":443"
		go func() { errCh <- srv.ListenAndServeTLS("", "") }()
		log.Info("gateway listening", "addr", srv.Addr, "tls", true, "domain", cfg.TLS.Domain)
	} else {
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info("gateway listening", "addr", srv.Addr, "tls", false)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down, draining in-flight requests")
	s.draining.Store(true)
	s.waitForProxyIdle(shutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.clients.Close()
	return err
}
