package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ocx/trafficmesh/internal/invariant"
	"github.com/ocx/trafficmesh/internal/metrics"
	"github.com/ocx/trafficmesh/internal/roadgraph"
)

// Config tunes the planner.
type Config struct {
	CacheSize         int
	HeuristicFactor   float64
	CongestionPenalty float64
	MinSpeedFactor    float64
}

// DefaultConfig matches config.Default().
func DefaultConfig() Config {
	return Config{CacheSize: 1000, HeuristicFactor: 1.3, CongestionPenalty: 0.8, MinSpeedFactor: 0.1}
}

// Pair is a cache key.
type Pair struct {
	Origin      roadgraph.NodeID
	Destination roadgraph.NodeID
}

// CachedRoute is a cache entry handed out by EvictTraversing and taken back
// by Restore.
type CachedRoute struct {
	Pair  Pair
	Route Route
}

// Stats counts planner activity.
type Stats struct {
	Searches  int `json:"searches"`
	Failures  int `json:"failures"`
	Hits      int `json:"hits"`
	Misses    int `json:"misses"`
	Stale     int `json:"stale"`
	Evictions int `json:"evictions"` // capacity evictions only
	Removed   int `json:"removed"`   // stale or incident removals
	Restored  int `json:"restored"`
}

// Planner is shared by every vehicle. Cache mutation is serialized; the graph
// is only read.
type Planner struct {
	graph   *roadgraph.Graph
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	cache    *lru.Cache[Pair, Route]
	stats    Stats
	removing bool // set while Remove runs so the evict callback skips it
}

// NewPlanner creates a planner over g. m may be nil.
func NewPlanner(g *roadgraph.Graph, cfg Config, m *metrics.Metrics) (*Planner, error) {
	if cfg.HeuristicFactor < 1 {
		cfg.HeuristicFactor = 1
	}
	if cfg.MinSpeedFactor <= 0 {
		cfg.MinSpeedFactor = 0.1
	}
	p := &Planner{
		graph:   g,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "planner"),
	}
	cache, err := lru.NewWithEvict[Pair, Route](cfg.CacheSize, func(Pair, Route) {
		if !p.removing {
			p.stats.Evictions++
		}
	})
	if err != nil {
		return nil, fmt.Errorf("route cache: %w", err)
	}
	p.cache = cache
	return p, nil
}

// Graph returns the graph the planner searches.
func (p *Planner) Graph() *roadgraph.Graph { return p.graph }

// FindRoute returns a loop-free route over allowed edges. Searches carrying a
// congestion estimate bypass the cache because their result depends on the
// caller's private beliefs.
func (p *Planner) FindRoute(origin, dest roadgraph.NodeID, opts Options) (Route, error) {
	if _, ok := p.graph.Node(origin); !ok {
		return Route{}, fmt.Errorf("%w: %s", roadgraph.ErrUnknownNode, origin)
	}
	if _, ok := p.graph.Node(dest); !ok {
		return Route{}, fmt.Errorf("%w: %s", roadgraph.ErrUnknownNode, dest)
	}
	if origin == dest {
		return Route{Origin: origin, Destination: dest, Nodes: []roadgraph.NodeID{origin}}, nil
	}

	key := Pair{origin, dest}
	cacheable := !opts.TrafficAware || len(opts.Congestion) == 0
	if cacheable {
		if r, ok := p.lookup(key); ok {
			return r, nil
		}
	}

	r, found := p.search(origin, dest, opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Searches++
	if !found {
		p.stats.Failures++
		return Route{}, &NoPathError{Origin: origin, Destination: dest}
	}
	if err := p.checkRoute(r); err != nil {
		p.stats.Failures++
		return Route{}, err
	}
	if cacheable {
		p.cache.Add(key, r)
	}
	return r.Clone(), nil
}

// checkRoute refuses a route that uses a disallowed edge.
func (p *Planner) checkRoute(r Route) error {
	return invariant.Check(r.Valid(p.graph), "route %s -> %s uses a disallowed edge", r.Origin, r.Destination)
}

// remove drops key without counting it as a capacity eviction. Callers hold mu.
func (p *Planner) remove(key Pair) {
	p.removing = true
	p.cache.Remove(key)
	p.removing = false
	p.stats.Removed++
}

// lookup returns a cached route after re-validating it. A stale entry is
// evicted and reported as a miss.
func (p *Planner) lookup(key Pair) (Route, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.cache.Get(key)
	if !ok {
		p.stats.Misses++
		p.metrics.CacheLookup("miss")
		return Route{}, false
	}
	if !r.Valid(p.graph) {
		p.remove(key)
		p.stats.Stale++
		p.stats.Misses++
		p.metrics.CacheLookup("stale")
		p.logger.Debug("stale route evicted", "origin", key.Origin, "destination", key.Destination)
		return Route{}, false
	}
	p.stats.Hits++
	p.metrics.CacheLookup("hit")
	return r.Clone(), true
}

// Cached peeks at an entry without touching recency.
func (p *Planner) Cached(origin, dest roadgraph.NodeID) (Route, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.cache.Peek(Pair{origin, dest})
	if !ok {
		return Route{}, false
	}
	return r.Clone(), true
}

// EvictTraversing removes every cached route that uses one of edges and
// returns the removed entries sorted by pair.
func (p *Planner) EvictTraversing(edges []roadgraph.EdgeID) []CachedRoute {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []CachedRoute
	for _, key := range p.cache.Keys() {
		r, ok := p.cache.Peek(key)
		if !ok || !r.TraversesAny(edges, 0) {
			continue
		}
		removed = append(removed, CachedRoute{Pair: key, Route: r})
		p.remove(key)
	}
	sort.Slice(removed, func(i, j int) bool {
		if removed[i].Pair.Origin != removed[j].Pair.Origin {
			return removed[i].Pair.Origin < removed[j].Pair.Origin
		}
		return removed[i].Pair.Destination < removed[j].Pair.Destination
	})
	return removed
}

// Restore re-admits entries whose edges are all allowed again and returns how
// many were restored. Entries replaced meanwhile by a fresh search are kept.
func (p *Planner) Restore(entries []CachedRoute) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range entries {
		if !e.Route.Valid(p.graph) {
			continue
		}
		if p.cache.Contains(e.Pair) {
			continue
		}
		p.cache.Add(e.Pair, e.Route)
		n++
	}
	p.stats.Restored += n
	return n
}

// Len is the number of cached routes.
func (p *Planner) Len() int { return p.cache.Len() }

// Stats returns a snapshot of the counters.
func (p *Planner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
