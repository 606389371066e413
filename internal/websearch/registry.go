package websearch

import (
	"slices"
	"strings"

	"github.com/fyrsmithlabs/assistd/internal/config"
	"go.uber.org/zap"
)

// Registry holds the configured providers in priority order. Adding or
// reordering providers is a configuration change.
type Registry struct {
	order     []string
	providers map[string]Provider
}

// NewRegistry orders providers by order. Names in order without a provider
// are ignored; providers missing from order go last in the given order.
func NewRegistry(order []string, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	for _, name := range order {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := r.providers[name]; ok && !slices.Contains(r.order, name) {
			r.order = append(r.order, name)
		}
	}
	for _, p := range providers {
		if !slices.Contains(r.order, p.Name()) {
			r.order = append(r.order, p.Name())
		}
	}
	return r
}

// FromConfig builds the providers whose credentials are configured. It
// returns an empty registry when search is disabled.
func FromConfig(cfg config.SearchConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return NewRegistry(nil)
	}

	opts := Options{Timeout: cfg.Timeout.Duration(), RatePerSecond: cfg.RatePerSecond}
	var providers []Provider
	if cfg.BingAPIKey.IsSet() {
		providers = append(providers, NewBing(cfg.BingAPIKey.Value(), cfg.BingEndpoint, opts))
	}
	if cfg.GoogleAPIKey.IsSet() && cfg.GoogleCX != "" {
		providers = append(providers, NewGoogle(cfg.GoogleAPIKey.Value(), cfg.GoogleCX, cfg.GoogleEndpoint, opts))
	}
	if cfg.TavilyAPIKey.IsSet() {
		providers = append(providers, NewTavily(cfg.TavilyAPIKey.Value(), cfg.TavilyEndpoint, opts))
	}

	r := NewRegistry(cfg.ProviderOrder(), providers...)
	logger.Info("web search providers configured", zap.Strings("order", r.Names()))
	return r
}

// Len returns the number of configured providers.
func (r *Registry) Len() int { return len(r.order) }

// Names returns provider names in priority order.
func (r *Registry) Names() []string { return slices.Clone(r.order) }

// Select returns providers for a request. An empty request uses the
// configured order; otherwise the requested names are kept in request
// order and unknown names are dropped.
func (r *Registry) Select(requested []string) []Provider {
	names := r.order
	if len(requested) > 0 {
		names = requested
	}
	out := make([]Provider, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		p, ok := r.providers[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, p)
	}
	return out
}
