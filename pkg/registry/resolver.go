package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/aixgo-dev/chatengine/pkg/chat"
)

// CachedResolver caches agent configurations in front of another resolver.
// Concurrent misses for the same agent share one upstream lookup.
type CachedResolver struct {
	next  chat.AgentResolver
	cache *ristretto.Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewCachedResolver wraps next with a cache of up to maxAgents entries.
func NewCachedResolver(next chat.AgentResolver, maxAgents int64, ttl time.Duration) (*CachedResolver, error) {
	if maxAgents <= 0 {
		maxAgents = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxAgents * 10,
		MaxCost:     maxAgents,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent cache: %w", err)
	}
	return &CachedResolver{next: next, cache: cache, ttl: ttl}, nil
}

// ResolveAgent returns a copy of the cached configuration, loading it on a miss.
func (r *CachedResolver) ResolveAgent(ctx context.Context, agentID string) (*chat.AgentConfig, error) {
	if v, ok := r.cache.Get(agentID); ok {
		return cloneAgent(v.(*chat.AgentConfig)), nil
	}

	v, err, _ := r.group.Do(agentID, func() (any, error) {
		agent, err := r.next.ResolveAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		r.cache.SetWithTTL(agentID, cloneAgent(agent), 1, r.ttl)
		r.cache.Wait()
		return agent, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAgent(v.(*chat.AgentConfig)), nil
}

// Invalidate drops an agent from the cache.
func (r *CachedResolver) Invalidate(agentID string) {
	r.cache.Del(agentID)
}

// Close releases the cache.
func (r *CachedResolver) Close() {
	r.cache.Close()
}

func cloneAgent(a *chat.AgentConfig) *chat.AgentConfig {
	cp := *a
	cp.Collections = append([]string(nil), a.Collections...)
	cp.Tools = append([]string(nil), a.Tools...)
	return &cp
}
