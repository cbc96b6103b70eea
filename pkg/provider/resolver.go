package provider

import (
	"context"
	"slices"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/uniapi/uniapi/pkg/cache"
	"github.com/uniapi/uniapi/pkg/config"
	"github.com/uniapi/uniapi/pkg/httpclient"
)

const (
	discoveryTTL        = time.Hour
	discoveryFailureTTL = 30 * time.Second
)

// Resolver answers "does provider P serve model M, and under what upstream
// name". Providers with an explicit model list are matched by wildcard;
// providers without one are matched against the ids discovered from their
// models_endpoint, fetched lazily and cached until the provider's config
// entry changes.
type Resolver struct {
	clients     *httpclient.Pool
	discovered  *cache.TTLMap[string, []string]
	persistPath string
	now         func() time.Time
}

func NewResolver(clients *httpclient.Pool, persistPath string) *Resolver {
	r := &Resolver{
		clients:     clients,
		discovered:  cache.NewTTLMap[string, []string](),
		persistPath: persistPath,
		now:         time.Now,
	}
	r.loadFromDisk()
	return r
}

// Resolve maps the requested model to the name sent upstream. For an alias
// entry whose key matches, the upstream id is returned; for a plain pattern
// match or a discovered exact match the model passes through unchanged.
func (r *Resolver) Resolve(ctx context.Context, p config.ProviderConfig, model string) (string, bool) {
	if len(p.Models) > 0 {
		for _, e := range p.Models {
			if !Match(e.Pattern, model) {
				continue
			}
			if e.IsAlias() {
				return e.Upstream, true
			}
			return model, true
		}
		return "", false
	}
	if slices.Contains(r.Discovered(ctx, p), model) {
		return model, true
	}
	return "", false
}

// Supports reports whether the provider serves the model.
func (r *Resolver) Supports(ctx context.Context, p config.ProviderConfig, model string) bool {
	_, ok := r.Resolve(ctx, p, model)
	return ok
}

// Discovered returns the provider's upstream model ids, fetching them on
// first use. Discovery failure is non-fatal: an empty list is cached briefly
// so a dead endpoint is not hammered on every request.
func (r *Resolver) Discovered(ctx context.Context, p config.ProviderConfig) []string {
	if ids, ok := r.discovered.Get(p.Name, r.now()); ok {
		return ids
	}
	ids, err := FetchModels(ctx, r.clients.Buffered(), p)
	if err != nil {
		log.Warn("model discovery failed", "provider", p.Name, "err", err)
		r.discovered.Set(p.Name, nil, r.now(), discoveryFailureTTL)
		return nil
	}
	r.discovered.Set(p.Name, ids, r.now(), discoveryTTL)
	r.persist()
	log.Debug("models discovered", "provider", p.Name, "count", len(ids))
	return ids
}

// Invalidate drops the cached ids of providers whose configuration entry
// changed between the two snapshots. Wired as a config store swap hook.
func (r *Resolver) Invalidate(old, cur *config.Config) {
	if old == nil {
		return
	}
	prev := map[string]config.ProviderConfig{}
	for _, p := range old.Providers {
		prev[p.Name] = p
	}
	for _, p := range cur.Providers {
		was, ok := prev[p.Name]
		if ok && providerUnchanged(was, p) {
			continue
		}
		r.discovered.Delete(p.Name)
	}
	for name := range prev {
		if !slices.ContainsFunc(cur.Providers, func(p config.ProviderConfig) bool { return p.Name == name }) {
			r.discovered.Delete(name)
		}
	}
}

func providerUnchanged(a, b config.ProviderConfig) bool {
	return a.BaseURL == b.BaseURL &&
		a.APIKey == b.APIKey &&
		a.ModelsEndpoint == b.ModelsEndpoint &&
		slices.Equal(a.Models, b.Models)
}

func (r *Resolver) loadFromDisk() {
	if r.persistPath == "" {
		return
	}
	var byName map[string][]string
	if err := cache.LoadJSON(r.persistPath, &byName); err != nil {
		return
	}
	now := r.now()
	for name, ids := range byName {
		if len(ids) == 0 {
			continue
		}
		r.discovered.Set(name, ids, now, discoveryTTL)
	}
}

func (r *Resolver) persist() {
	if r.persistPath == "" {
		return
	}
	vals := r.discovered.Values(r.now())
	for name, ids := range vals {
		if len(ids) == 0 {
			delete(vals, name)
		}
	}
	if err := cache.SaveJSON(r.persistPath, vals); err != nil {
		log.Debug("persist model cache failed", "err", err)
	}
}
