package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

// MemoryCounter is a process-local Counter for single-instance deployments.
// Keys are spread over independently locked shards.
type MemoryCounter struct {
	shards [memoryShards]memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter creates an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return NewMemoryCounterWithClock(time.Now)
}

// NewMemoryCounterWithClock is NewMemoryCounter with an injectable clock.
func NewMemoryCounterWithClock(now func() time.Time) *MemoryCounter {
	c := &MemoryCounter{now: now}
	for i := range c.shards {
		c.shards[i].windows = make(map[string]*window)
	}
	return c
}

func (c *MemoryCounter) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	s := c.shard(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(expiry)}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// Sweep drops expired windows. Callers run it periodically to bound memory.
func (c *MemoryCounter) Sweep() int {
	now := c.now()
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, w := range s.windows {
			if !now.Before(w.expiresAt) {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *MemoryCounter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *MemoryCounter) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%memoryShards]
}
