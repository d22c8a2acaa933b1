package cache

import (
	"context"
	"time"

	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/pkg/logger"
)

// TieredCache reads L1 before L2 and back-fills L1 on an L2 hit. L2 failures are
// logged and treated as misses.
type TieredCache struct {
	l1      service.DeviceKeyCache
	l2      service.DeviceKeyCache
	ttl     time.Duration
	metrics service.Metrics
	logger  logger.Logger
}

// NewTieredCache combines l1 and l2; l2 may be nil.
func NewTieredCache(l1, l2 service.DeviceKeyCache, ttl time.Duration, metrics service.Metrics, log logger.Logger) *TieredCache {
	if metrics == nil {
		metrics = service.NewNoopMetrics()
	}
	return &TieredCache{l1: l1, l2: l2, ttl: ttl, metrics: metrics, logger: log.WithComponent("device_key_cache")}
}

func (c *TieredCache) Get(ctx context.Context, username string) (string, bool, error) {
	if doc, ok, _ := c.l1.Get(ctx, username); ok {
		c.metrics.RecordCacheAccess("l1", true)
		return doc, true, nil
	}
	c.metrics.RecordCacheAccess("l1", false)
	if c.l2 == nil {
		return "", false, nil
	}

	doc, ok, err := c.l2.Get(ctx, username)
	if err != nil {
		c.logger.Warn(ctx, "L2 cache read failed", logger.Error(err))
		return "", false, nil
	}
	c.metrics.RecordCacheAccess("l2", ok)
	if ok {
		_ = c.l1.Set(ctx, username, doc, c.ttl)
	}
	return doc, ok, nil
}

func (c *TieredCache) Set(ctx context.Context, username, document string, ttl time.Duration) error {
	if err := c.l1.Set(ctx, username, document, ttl); err != nil {
		return err
	}
	if c.l2 != nil {
		if err := c.l2.Set(ctx, username, document, ttl); err != nil {
			c.logger.Warn(ctx, "L2 cache write failed", logger.Error(err))
		}
	}
	return nil
}

func (c *TieredCache) Delete(ctx context.Context, username string) error {
	_ = c.l1.Delete(ctx, username)
	if c.l2 != nil {
		return c.l2.Delete(ctx, username)
	}
	return nil
}

var _ service.DeviceKeyCache = (*TieredCache)(nil)
