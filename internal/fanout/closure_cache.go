package fanout

import (
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/nkkko/pincer/internal/topic"
)

// closureCache memoizes includer closures per graph generation. A new
// generation changes every key, so stale entries simply age out.
type closureCache struct {
	entries *lru.TwoQueueCache
	metrics *metrics.Metrics
}

func newClosureCache(size int) (*closureCache, error) {
	entries, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	return &closureCache{entries: entries, metrics: metrics.GetMetrics()}, nil
}

func closureKey(generation uint64, ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strconv.FormatUint(generation, 10) + "|" + strings.Join(sorted, ",")
}

// includers returns the includer closure of ids in g, computing it on a miss.
// The returned slice is shared and must not be modified.
func (c *closureCache) includers(g *topic.Graph, ids []string) []string {
	key := closureKey(g.Generation(), ids)
	if value, ok := c.entries.Get(key); ok {
		c.metrics.FanoutClosureCache.WithLabelValues("hit").Inc()
		return value.([]string)
	}
	c.metrics.FanoutClosureCache.WithLabelValues("miss").Inc()

	closure := topic.FlattenIncluders(g, ids).Sorted()
	c.entries.Add(key, closure)
	return closure
}
