package projection

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/metrics"
	"github.com/lirancohen/evcore/project"
)

// FallbackPolicy decides which projections refresh for an event type that
// has no routing entry.
type FallbackPolicy string

const (
	// FallbackAll refreshes every projection.
	FallbackAll FallbackPolicy = "all"

	// FallbackNone refreshes nothing.
	FallbackNone FallbackPolicy = "none"
)

// ParseFallbackPolicy parses "all" or "none". The empty string is FallbackAll.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(s) {
	case "", FallbackAll:
		return FallbackAll, nil
	case FallbackNone:
		return FallbackNone, nil
	default:
		return "", fmt.Errorf("projection: unknown fallback policy %q", s)
	}
}

// DefaultRoutes returns the routing table of the unified read models.
// unified-analysis aggregates analysis, portfolio and trading data, so it
// depends on all three event types.
func DefaultRoutes() map[event.EventType][]string {
	return map[event.EventType][]string{
		event.EventAnalysisStateChanged:  {project.UnifiedAnalysis},
		event.EventPortfolioStateChanged: {project.UnifiedPortfolio, project.UnifiedAnalysis},
		event.EventTradingStateChanged:   {project.UnifiedTrading, project.UnifiedAnalysis},
		event.EventSystemAlertRaised:     {project.UnifiedSystemHealth},
	}
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Routes maps event types to dependent projections. Required.
	Routes map[event.EventType][]string

	// Projections lists every projection name. Fallback refreshes go to all
	// of them. If empty, the names appearing in Routes are used.
	Projections []string

	// Fallback applies to unmapped event types. Defaults to FallbackAll.
	Fallback FallbackPolicy

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Validate checks that the configuration is valid.
func (c *RouterConfig) Validate() error {
	if len(c.Routes) == 0 {
		return errors.New("projection: Routes is required")
	}
	if _, err := ParseFallbackPolicy(string(c.Fallback)); err != nil {
		return err
	}
	if len(c.Projections) > 0 {
		known := make(map[string]struct{}, len(c.Projections))
		for _, name := range c.Projections {
			known[name] = struct{}{}
		}
		for t, names := range c.Routes {
			for _, name := range names {
				if _, ok := known[name]; !ok {
					return fmt.Errorf("projection: route %s targets unknown projection %q", t, name)
				}
			}
		}
	}
	return nil
}

// Router computes the projections a committed event makes stale.
// It is safe for concurrent use.
type Router struct {
	routes   map[event.EventType][]string
	all      []string
	fallback FallbackPolicy
	logger   logging.Logger
	metrics  *metrics.Metrics

	fallbackHits atomic.Int64
}

// NewRouter creates a router.
func NewRouter(config RouterConfig) (*Router, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	fallback, _ := ParseFallbackPolicy(string(config.Fallback))

	r := &Router{
		routes:   make(map[event.EventType][]string, len(config.Routes)),
		fallback: fallback,
		logger:   logging.OrNop(config.Logger),
		metrics:  config.Metrics,
	}
	all := make(map[string]struct{})
	for _, name := range config.Projections {
		all[name] = struct{}{}
	}
	for t, names := range config.Routes {
		r.routes[t] = dedupe(names)
		for _, name := range names {
			all[name] = struct{}{}
		}
	}
	r.all = make([]string, 0, len(all))
	for name := range all {
		r.all = append(r.all, name)
	}
	sort.Strings(r.all)
	return r, nil
}

// Route returns the projections that must refresh for e, sorted by name.
// The returned slice must not be modified.
func (r *Router) Route(e event.Event) []string {
	if names, ok := r.routes[e.Type]; ok {
		return names
	}

	r.fallbackHits.Add(1)
	r.metrics.RouterFallback(string(e.Type))
	r.logger.Warn("unmapped event type",
		"event_type", e.Type,
		"event_id", e.ID,
		"fallback", r.fallback,
	)
	if r.fallback == FallbackNone {
		return nil
	}
	return r.all
}

// FallbackHits returns how many events were routed by the fallback policy.
func (r *Router) FallbackHits() int64 {
	return r.fallbackHits.Load()
}

// Projections returns every known projection name, sorted.
func (r *Router) Projections() []string {
	return append([]string(nil), r.all...)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
