package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shivangiamit/hackathon/internal/models"
)

// Package cache keeps the latest sensor snapshot per farmer so a query that
// arrives without sensor values can be answered against current readings
// without a database round trip.
//
// Two tiers share the SnapshotCache interface:
//   - Redis (HSET + EXPIRE per farmer), shared between server replicas
//   - an in-process map with the same TTL semantics, used when Redis is
//     disabled and in tests
//
// A miss is not an error; callers fall back to the reading store.

// SnapshotCache stores the most recent reading per farmer.
type SnapshotCache interface {
	// Latest returns the cached reading. found is false on a miss or expiry.
	Latest(ctx context.Context, farmerID string) (reading models.SensorReading, found bool, err error)

	// Put caches r as the farmer's latest reading. An older reading never
	// replaces a newer one.
	Put(ctx context.Context, r models.SensorReading) error

	// Close releases cache resources.
	Close() error
}

// DefaultTTL is how long a snapshot stays cached without a new reading.
const DefaultTTL = 15 * time.Minute

type memoryEntry struct {
	reading models.SensorReading
	expires time.Time
}

// memoryCache is the in-process SnapshotCache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates an in-process snapshot cache. A non-positive ttl uses
// DefaultTTL.
func NewMemory(ttl time.Duration) SnapshotCache {
	return newMemory(ttl, time.Now)
}

func newMemory(ttl time.Duration, now func() time.Time) *memoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &memoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     now,
	}
}

func (c *memoryCache) Latest(_ context.Context, farmerID string) (models.SensorReading, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[farmerID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return models.SensorReading{}, false, nil
	}
	return e.reading, true, nil
}

func (c *memoryCache) Put(_ context.Context, r models.SensorReading) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[r.FarmerID]; ok && now.Before(e.expires) && e.reading.RecordedAt.After(r.RecordedAt) {
		return nil
	}
	c.entries[r.FarmerID] = memoryEntry{reading: r, expires: now.Add(c.ttl)}

	// Drop expired entries opportunistically.
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
	return nil
}

func (c *memoryCache) Close() error { return nil }
