package server

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/crosstalk-dev/crosstalk/internal/config"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

// router resolves a requested model name to a backend. Rules are glob
// patterns compiled once per config generation; the first match wins and the
// default backend catches the rest.
type router struct {
	cfg *config.Config

	mu    sync.RWMutex
	rules []compiledRoute
}

type compiledRoute struct {
	pattern     string
	matcher     glob.Glob
	backendUUID string
}

func newRouter(cfg *config.Config) *router {
	r := &router{cfg: cfg}
	r.rebuild()
	return r
}

// rebuild recompiles the rule table from the current config. An invalid
// pattern is skipped with a log line rather than failing the server.
func (r *router) rebuild() {
	routes := r.cfg.GetRoutes()
	rules := make([]compiledRoute, 0, len(routes))
	for _, rt := range routes {
		matcher, err := glob.Compile(rt.Pattern)
		if err != nil {
			logrus.Warnf("skipping route with invalid pattern %q: %v", rt.Pattern, err)
			continue
		}
		rules = append(rules, compiledRoute{
			pattern:     rt.Pattern,
			matcher:     matcher,
			backendUUID: rt.BackendUUID,
		})
	}

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
}

// resolve picks the backend for model. Routing never falls back past the
// first match: a matching rule whose backend is gone is an error, not a skip.
func (r *router) resolve(model string) (*typ.Backend, error) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	for _, rule := range rules {
		if !rule.matcher.Match(model) {
			continue
		}
		be, err := r.cfg.ResolveBackend(rule.backendUUID)
		if err != nil {
			return nil, proxyerr.Wrap(proxyerr.KindBackendUnavailable, err, "route %q points at an unknown backend", rule.pattern)
		}
		return checkEnabled(be)
	}

	if def := r.cfg.GetDefaultBackend(); def != "" {
		be, err := r.cfg.ResolveBackend(def)
		if err != nil {
			return nil, proxyerr.Wrap(proxyerr.KindBackendUnavailable, err, "default backend is unknown")
		}
		return checkEnabled(be)
	}

	return nil, proxyerr.New(proxyerr.KindInvalidRequest, "no backend configured for model %q", model)
}

// checkEnabled gates disabled backends and snapshots the descriptor, so a
// hot reload mid-request cannot change a backend under a running handler.
func checkEnabled(be *typ.Backend) (*typ.Backend, error) {
	if !be.Enabled {
		return nil, proxyerr.New(proxyerr.KindBackendUnavailable, "backend %q is disabled", be.Name)
	}
	snapshot := *be
	return &snapshot, nil
}
