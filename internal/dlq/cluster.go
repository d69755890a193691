package dlq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// ClusterStatsCache publishes a Queue's GetStats counters into a Pulse
// replicated map so that a peer orchestrator instance (or an operator
// dashboard) can read queue depth without querying this process directly.
// Grounded on the same rmap.Join pattern the teacher uses for its
// health/registry maps in registry.go; here there is no subscribe/watch
// side, only a periodic publish — the DLQ itself stays a single process's
// file-backed queue (§5), this is read-only cross-instance visibility.
type ClusterStatsCache struct {
	stats *rmap.Map
}

// JoinClusterStatsCache connects to a Pulse replicated map named mapName
// over rdb.
func JoinClusterStatsCache(ctx context.Context, mapName string, rdb *redis.Client) (*ClusterStatsCache, error) {
	m, err := rmap.Join(ctx, mapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("dlq: join cluster stats map %q: %w", mapName, err)
	}
	return &ClusterStatsCache{stats: m}, nil
}

// Close releases the underlying replicated map subscription.
func (c *ClusterStatsCache) Close() {
	c.stats.Close()
}

// Attach binds c to q; every future PublishStats call on q mirrors its
// GetStats counters into the replicated map under instanceID.
func (q *Queue) Attach(cache *ClusterStatsCache, instanceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cluster = cache
	q.instanceID = instanceID
}

// PublishStats mirrors q.GetStats into the attached ClusterStatsCache,
// keyed by the instance id passed to Attach. It is a no-op if Attach was
// never called.
func (q *Queue) PublishStats(ctx context.Context) error {
	q.mu.Lock()
	cache := q.cluster
	id := q.instanceID
	q.mu.Unlock()
	if cache == nil {
		return nil
	}
	s := q.GetStats()
	v := strconv.Itoa(s.Pending) + "/" + strconv.Itoa(s.Retrying) + "/" + strconv.Itoa(s.Abandoned)
	if _, err := cache.stats.Set(ctx, id, v); err != nil {
		return fmt.Errorf("dlq: publish stats for %q: %w", id, err)
	}
	return nil
}
