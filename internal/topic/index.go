package topic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Loader reads the topic structure from the durable store. Implementations
// must read inside one snapshot-consistent, read-only transaction.
type Loader interface {
	LoadTopicSnapshot(ctx context.Context) (model.TopicSnapshot, error)
}

// IndexConfig contains configuration for the subscription index cache
type IndexConfig struct {
	// TTL is how long a built graph is served before rebuilding
	TTL time.Duration

	// LoadTimeout bounds one rebuild
	LoadTimeout time.Duration

	// Clock is the time source, the wall clock when nil
	Clock clock.Clock
}

// DefaultIndexConfig returns the default cache configuration
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		TTL:         5 * time.Minute,
		LoadTimeout: 30 * time.Second,
	}
}

// IndexCache serves deep copies of a topic graph rebuilt from the store when
// its entry expires or is invalidated
type IndexCache struct {
	loader Loader
	config IndexConfig
	clock  clock.Clock

	group singleflight.Group

	mu         sync.RWMutex
	graph      *Graph
	expires    time.Time
	epoch      uint64
	generation uint64

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewIndexCache creates a cache over loader
func NewIndexCache(loader Loader, config IndexConfig) *IndexCache {
	defaults := DefaultIndexConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = defaults.LoadTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	return &IndexCache{
		loader:  loader,
		config:  config,
		clock:   clk,
		logger:  log.With().Str("component", "topic-index").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Get returns a private copy of the current graph, rebuilding it first when
// the cached entry is missing, expired or invalidated. Concurrent rebuilds
// collapse into one store read.
func (c *IndexCache) Get(ctx context.Context) (*Graph, error) {
	if g := c.fresh(); g != nil {
		c.metrics.IndexCacheRequests.WithLabelValues("hit").Inc()
		return g.DeepCopy(), nil
	}
	c.metrics.IndexCacheRequests.WithLabelValues("miss").Inc()

	ch := c.group.DoChan("rebuild", func() (interface{}, error) {
		if g := c.fresh(); g != nil {
			return g, nil
		}
		return c.rebuild(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Graph).DeepCopy(), nil
	}
}

// Invalidate forces the next Get to rebuild from the store
func (c *IndexCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.expires = time.Time{}
	c.logger.Debug().Uint64("generation", c.generation).Msg("Topic index invalidated")
}

// Generation returns the generation of the last built graph
func (c *IndexCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *IndexCache) fresh() *Graph {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.graph == nil || !c.clock.Now().Before(c.expires) {
		return nil
	}
	return c.graph
}

func (c *IndexCache) rebuild(ctx context.Context) (*Graph, error) {
	c.mu.RLock()
	epoch := c.epoch
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.LoadTimeout)
	defer cancel()

	timer := prometheus.NewTimer(c.metrics.IndexRebuildDuration)
	snapshot, err := c.loader.LoadTopicSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load topic snapshot: %w", err)
	}
	g := Build(snapshot.Pages, snapshot.Categories, snapshot.Interests)
	timer.ObserveDuration()

	c.mu.Lock()
	c.generation++
	g.generation = c.generation
	c.graph = g
	if c.epoch == epoch {
		c.expires = c.clock.Now().Add(c.config.TTL)
	} else {
		// Invalidated while loading; serve this build once and reload next time.
		c.expires = time.Time{}
	}
	generation := c.generation
	c.mu.Unlock()

	c.metrics.IndexGraphVertices.Set(float64(g.Len()))
	c.metrics.IndexGeneration.Set(float64(generation))

	if g.Len() == 0 {
		c.logger.Warn().Msg("Topic graph is empty after rebuild")
	}
	if orphans := g.Orphans(); len(orphans) > 0 {
		c.logger.Warn().Strs("categories", orphans).Msg("Categories without an owning page")
	}
	if n := g.DanglingEdges(); n > 0 {
		c.logger.Warn().Int("edges", n).Msg("Inclusion edges point at unknown categories")
	}

	c.logger.Debug().
		Uint64("generation", generation).
		Int("vertices", g.Len()).
		Msg("Topic index rebuilt")

	return g, nil
}
