// Package cache caches the device-key document advertised by the gateway.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/turtacn/keyagent/internal/domain/service"
)

// MemoryCache is an in-process DeviceKeyCache.
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache creates a cache whose entries default to ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{items: gocache.New(ttl, 2*ttl)}
}

func (c *MemoryCache) Get(_ context.Context, username string) (string, bool, error) {
	v, ok := c.items.Get(username)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (c *MemoryCache) Set(_ context.Context, username, document string, ttl time.Duration) error {
	c.items.Set(username, document, ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, username string) error {
	c.items.Delete(username)
	return nil
}

var _ service.DeviceKeyCache = (*MemoryCache)(nil)
