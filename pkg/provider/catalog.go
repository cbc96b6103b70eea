package provider

import (
	"context"

	"github.com/uniapi/uniapi/pkg/config"
)

// ModelCard is one entry of the GET /v1/models catalog.
type ModelCard struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Catalog aggregates the model lists of every enabled provider. Cooldown is
// ignored here: a cooling provider still advertises its models. Wildcard
// patterns are not listed, alias entries are listed under their caller-facing
// name, and duplicates are suppressed by upstream id.
func Catalog(ctx context.Context, cfg *config.Config, r *Resolver) []ModelCard {
	seen := map[string]struct{}{}
	out := []ModelCard{}
	add := func(callerID, upstreamID string) {
		if upstreamID == "" {
			return
		}
		if _, ok := seen[upstreamID]; ok {
			return
		}
		seen[upstreamID] = struct{}{}
		out = append(out, ModelCard{ID: callerID, Name: callerID})
	}
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		if len(p.Models) == 0 {
			for _, id := range r.Discovered(ctx, p) {
				add(id, id)
			}
			continue
		}
		for _, e := range p.Models {
			if ContainsWildcard(e.Pattern) {
				continue
			}
			if e.IsAlias() {
				add(e.Pattern, e.Upstream)
				continue
			}
			add(e.Pattern, e.Pattern)
		}
	}
	return out
}
