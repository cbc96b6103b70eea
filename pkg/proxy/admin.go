package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	log "github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/uniapi/uniapi/pkg/config"
)

const wsPingInterval = 25 * time.Second

// providerStatus is the admin view of one configured provider: the redacted
// config entry plus its runtime record.
type providerStatus struct {
	Provider          string `json:"provider"`
	BaseURL           string `json:"base_url"`
	Priority          int    `json:"priority"`
	Enabled           bool   `json:"enabled"`
	InCooldown        bool   `json:"in_cooldown"`
	CooldownRemaining int64  `json:"cooldown_remaining_seconds,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastLatencyMS     int64  `json:"last_latency_ms,omitempty"`
}

func (s *Server) handleAdminProviders(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	now := time.Now()
	out := make([]providerStatus, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		st := s.pool.StateOf(p.Name)
		ps := providerStatus{
			Provider:      p.Name,
			BaseURL:       p.BaseURL,
			Priority:      p.Priority,
			Enabled:       p.IsEnabled(),
			LastError:     st.LastError,
			LastLatencyMS: st.LastLatencyMS,
		}
		if st.CooldownUntil.After(now) {
			ps.InCooldown = true
			ps.CooldownRemaining = int64(st.CooldownUntil.Sub(now).Seconds())
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleAdminProviderReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg := s.store.Snapshot()
	found := false
	for _, p := range cfg.Providers {
		if p.Name == name {
			found = true
			break
		}
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "unknown provider"})
		return
	}
	s.pool.Reset(name)
	writeJSON(w, http.StatusOK, map[string]any{"provider": name, "reset": true})
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid limit"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.ring.Recent(limit)})
}

var logTailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// handleAdminLogsWS streams new log records to the client as they happen.
func (s *Server) handleAdminLogsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := logTailUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("log tail upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	records, cancel := s.ring.Subscribe()
	defer cancel()

	// Drain the client side so close frames and pings are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleAdminConfigGet(w http.ResponseWriter, r *http.Request) {
	out, err := yaml.Marshal(s.store.Snapshot().Redacted())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "marshal config"})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// handleAdminConfigPut validates and persists a full replacement document,
// then swaps it in without waiting for the file poller.
func (s *Server) handleAdminConfigPut(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxInboundBody)
	defer body.Close()

	var cfg config.Config
	if err := yaml.NewDecoder(body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid config document: " + err.Error()})
		return
	}
	if err := s.store.Write(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	log.Info("configuration replaced via admin api", "providers", len(cfg.Providers))
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}
