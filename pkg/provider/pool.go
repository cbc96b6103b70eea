package provider

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/uniapi/uniapi/pkg/config"
)

// State is a read-only view of a provider's runtime record, for the admin
// surface. Reads are racy against concurrent marks; stale values are fine.
type State struct {
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LastLatencyMS int64     `json:"last_latency_ms,omitempty"`
	LastTestTime  time.Time `json:"last_test_time,omitzero"`
}

type providerState struct {
	mu            sync.Mutex
	cooldownUntil time.Time
	lastError     string
	lastLatencyMS int64
	lastTestTime  time.Time
}

// Pool ranks providers for a requested model and tracks per-provider
// failure state. Equal-priority candidates are shuffled on every call to
// spread load; higher priority always comes first.
type Pool struct {
	store    *config.Store
	resolver *Resolver
	now      func() time.Time

	stateMu sync.Mutex
	states  map[string]*providerState

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewPool(store *config.Store, resolver *Resolver) *Pool {
	return &Pool{
		store:    store,
		resolver: resolver,
		now:      time.Now,
		states:   map[string]*providerState{},
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (pl *Pool) state(name string) *providerState {
	pl.stateMu.Lock()
	defer pl.stateMu.Unlock()
	st, ok := pl.states[name]
	if !ok {
		st = &providerState{}
		pl.states[name] = st
	}
	return st
}

// Candidates returns the providers that are enabled, out of cooldown, and
// support the model, ordered by priority descending with a uniform shuffle
// inside each priority group.
func (pl *Pool) Candidates(ctx context.Context, model string) []config.ProviderConfig {
	if model == "" {
		return nil
	}
	cfg := pl.store.Snapshot()
	now := pl.now()
	groups := map[int][]config.ProviderConfig{}
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		st := pl.state(p.Name)
		st.mu.Lock()
		cooling := st.cooldownUntil.After(now)
		st.mu.Unlock()
		if cooling {
			continue
		}
		if !pl.resolver.Supports(ctx, p, model) {
			continue
		}
		groups[p.Priority] = append(groups[p.Priority], p)
	}
	priorities := make([]int, 0, len(groups))
	for prio := range groups {
		priorities = append(priorities, prio)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))
	out := make([]config.ProviderConfig, 0, len(cfg.Providers))
	for _, prio := range priorities {
		group := groups[prio]
		pl.rndMu.Lock()
		pl.rnd.Shuffle(len(group), func(i, j int) {
			group[i], group[j] = group[j], group[i]
		})
		pl.rndMu.Unlock()
		out = append(out, group...)
	}
	return out
}

// MarkSuccess clears the provider's error state and records the attempt
// latency.
func (pl *Pool) MarkSuccess(name string, latency time.Duration) {
	st := pl.state(name)
	st.mu.Lock()
	st.cooldownUntil = time.Time{}
	st.lastError = ""
	st.lastLatencyMS = latency.Milliseconds()
	st.lastTestTime = pl.now()
	st.mu.Unlock()
}

// MarkFailure puts the provider into cooldown (unless cooldown is disabled)
// and records the reason. The cooldown deadline only ever moves forward; a
// concurrent earlier failure cannot shorten it.
func (pl *Pool) MarkFailure(name, reason string) {
	cooldown := time.Duration(pl.store.Snapshot().Preferences.CooldownSeconds()) * time.Second
	st := pl.state(name)
	st.mu.Lock()
	st.lastError = reason
	st.lastTestTime = pl.now()
	if cooldown > 0 {
		until := pl.now().Add(cooldown)
		if until.After(st.cooldownUntil) {
			st.cooldownUntil = until
		}
	}
	st.mu.Unlock()
	log.Warn("provider marked failed", "provider", name, "reason", reason, "cooldown", cooldown)
}

// Reset clears the provider's cooldown unconditionally.
func (pl *Pool) Reset(name string) {
	st := pl.state(name)
	st.mu.Lock()
	st.cooldownUntil = time.Time{}
	st.lastError = ""
	st.mu.Unlock()
	log.Info("provider cooldown reset", "provider", name)
}

// StateOf returns a copy of the provider's runtime record.
func (pl *Pool) StateOf(name string) State {
	st := pl.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return State{
		CooldownUntil: st.cooldownUntil,
		LastError:     st.lastError,
		LastLatencyMS: st.lastLatencyMS,
		LastTestTime:  st.lastTestTime,
	}
}

// InCooldown reports whether the provider is currently cooling down.
func (pl *Pool) InCooldown(name string) bool {
	st := pl.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cooldownUntil.After(pl.now())
}
