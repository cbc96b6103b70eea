package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uniapi/uniapi/pkg/config"
	"github.com/uniapi/uniapi/pkg/httpclient"
)

func testProvider(name, baseURL string, models ...config.ModelEntry) config.ProviderConfig {
	return config.ProviderConfig{
		Name:           name,
		BaseURL:        baseURL,
		APIKey:         "sk-up",
		ModelsEndpoint: config.DefaultModelsEndpoint,
		Models:         models,
	}
}

func TestResolveExplicitList(t *testing.T) {
	r := NewResolver(httpclient.NewPool("", time.Second), "")
	p := testProvider("a", "http://upstream",
		config.ModelEntry{Pattern: "gpt-4*"},
		config.ModelEntry{Pattern: "my-claude", Upstream: "claude-3-5-sonnet"},
	)

	if got, ok := r.Resolve(context.Background(), p, "gpt-4o"); !ok || got != "gpt-4o" {
		t.Fatalf("pattern match: %q %v", got, ok)
	}
	if got, ok := r.Resolve(context.Background(), p, "my-claude"); !ok || got != "claude-3-5-sonnet" {
		t.Fatalf("alias rewrite: %q %v", got, ok)
	}
	if _, ok := r.Resolve(context.Background(), p, "gemini-pro"); ok {
		t.Fatal("unmatched model resolved")
	}
}

func TestDiscoveryOpenAIShape(t *testing.T) {
	var calls atomic.Int32
	var gotAuth atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotAuth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"alpha"},{"id":"beta"}]}`))
	}))
	defer up.Close()

	r := NewResolver(httpclient.NewPool("", time.Second), "")
	p := testProvider("a", up.URL)

	if got, ok := r.Resolve(context.Background(), p, "alpha"); !ok || got != "alpha" {
		t.Fatalf("discovered exact match: %q %v", got, ok)
	}
	if r.Supports(context.Background(), p, "alph") {
		t.Fatal("discovered match must be exact, not prefix")
	}
	if calls.Load() != 1 {
		t.Fatalf("discovery fetched %d times, want 1 (cached)", calls.Load())
	}
	if gotAuth.Load() != "Bearer sk-up" {
		t.Fatalf("discovery auth header = %q", gotAuth.Load())
	}
}

func TestDiscoveryGeminiShapeStripsPrefix(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"models/gemini-1.5-pro"},{"name":"models/gemini-1.5-flash"}]}`))
	}))
	defer up.Close()

	r := NewResolver(httpclient.NewPool("", time.Second), "")
	p := testProvider("g", up.URL)
	ids := r.Discovered(context.Background(), p)
	if len(ids) != 2 || ids[0] != "gemini-1.5-pro" {
		t.Fatalf("gemini ids = %v", ids)
	}
}

func TestDiscoveryFailureIsNonFatal(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer up.Close()

	r := NewResolver(httpclient.NewPool("", time.Second), "")
	p := testProvider("a", up.URL)
	if ids := r.Discovered(context.Background(), p); len(ids) != 0 {
		t.Fatalf("ids = %v", ids)
	}
	// The provider can still match via an explicit list.
	p.Models = []config.ModelEntry{{Pattern: "fallback-model"}}
	if !r.Supports(context.Background(), p, "fallback-model") {
		t.Fatal("explicit list ignored after failed discovery")
	}
}

func TestInvalidateDropsChangedProviders(t *testing.T) {
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":[{"id":"alpha"}]}`))
	}))
	defer up.Close()

	r := NewResolver(httpclient.NewPool("", time.Second), "")
	p := testProvider("a", up.URL)
	r.Discovered(context.Background(), p)

	oldCfg := &config.Config{Providers: []config.ProviderConfig{p}}
	same := &config.Config{Providers: []config.ProviderConfig{p}}
	r.Invalidate(oldCfg, same)
	r.Discovered(context.Background(), p)
	if calls.Load() != 1 {
		t.Fatalf("unchanged provider re-discovered (%d calls)", calls.Load())
	}

	changed := p
	changed.APIKey = "sk-rotated"
	r.Invalidate(oldCfg, &config.Config{Providers: []config.ProviderConfig{changed}})
	r.Discovered(context.Background(), changed)
	if calls.Load() != 2 {
		t.Fatalf("changed provider not re-discovered (%d calls)", calls.Load())
	}
}

func TestDiscoveryPersistence(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"alpha"}]}`))
	}))

	path := filepath.Join(t.TempDir(), "models.json")
	r := NewResolver(httpclient.NewPool("", time.Second), path)
	p := testProvider("a", up.URL)
	r.Discovered(context.Background(), p)
	up.Close()

	// A fresh resolver serves the persisted ids without hitting upstream.
	r2 := NewResolver(httpclient.NewPool("", time.Second), path)
	if !r2.Supports(context.Background(), p, "alpha") {
		t.Fatal("persisted discovery not loaded")
	}
}
