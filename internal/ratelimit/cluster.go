package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// ClusterMirror publishes scope snapshots into a Pulse replicated map so
// that other orchestrator instances sharing the same Redis can observe this
// instance's admission pressure (§4.1's "optional cluster coordination").
// Admission decisions themselves stay local and non-blocking — Allow never
// touches the network; only PublishSnapshot does, on whatever cadence the
// caller chooses (e.g. alongside getWorkerStats/getHealth).
//
// A Limiter with no ClusterMirror attached behaves exactly as before: a pure
// in-memory, single-process limiter. Joining Redis is strictly additive.
type ClusterMirror struct {
	scopes *rmap.Map
}

// JoinCluster connects to a Pulse replicated map named mapName over rdb.
// Grounded on the teacher's registry.go, which joins its health/registry
// maps the same way (rmap.Join(ctx, name, redisClient)).
func JoinCluster(ctx context.Context, mapName string, rdb *redis.Client) (*ClusterMirror, error) {
	m, err := rmap.Join(ctx, mapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: join cluster map %q: %w", mapName, err)
	}
	return &ClusterMirror{scopes: m}, nil
}

// PublishSnapshot mirrors every scope's current token count into the
// replicated map, keyed by scope name, where peer instances can read it.
// getWorkerStats does not read this map.
func (c *ClusterMirror) PublishSnapshot(ctx context.Context, snapshot []Stats) error {
	for _, s := range snapshot {
		v := strconv.FormatFloat(s.Tokens, 'f', -1, 64) + "/" + strconv.Itoa(s.Capacity)
		if _, err := c.scopes.Set(ctx, s.Scope, v); err != nil {
			return fmt.Errorf("ratelimit: publish scope %q: %w", s.Scope, err)
		}
	}
	return nil
}

// PeerScopes returns the raw "tokens/capacity" strings last published by any
// instance sharing this cluster map, keyed by scope name.
func (c *ClusterMirror) PeerScopes() map[string]string {
	out := make(map[string]string)
	for _, key := range c.scopes.Keys() {
		if v, ok := c.scopes.Get(key); ok {
			out[key] = v
		}
	}
	return out
}

// Close releases the underlying replicated map subscription.
func (c *ClusterMirror) Close() {
	c.scopes.Close()
}

// Cluster attaches an optional ClusterMirror to l. A nil mirror (the zero
// value of this field) is the default and keeps l purely in-memory.
func (l *Limiter) Cluster(c *ClusterMirror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cluster = c
}

// PublishSnapshot mirrors l's current Snapshot into the attached
// ClusterMirror. It is a no-op if no ClusterMirror has been attached.
func (l *Limiter) PublishSnapshot(ctx context.Context) error {
	l.mu.RLock()
	c := l.cluster
	l.mu.RUnlock()
	if c == nil {
		return nil
	}
	return c.PublishSnapshot(ctx, l.Snapshot())
}
