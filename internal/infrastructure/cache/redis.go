package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/keyagent/internal/config"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
)

const defaultKeyPrefix = "keyagent:devicekeys:"

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// RedisCache is a DeviceKeyCache shared between agent processes of the same user.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps client. An empty prefix uses the default.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, username string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+username).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WrapError(err, constants.ErrCodeInternal, "device key cache read failed")
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, username, document string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+username, document, ttl).Err(); err != nil {
		return errors.WrapError(err, constants.ErrCodeInternal, "device key cache write failed")
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, username string) error {
	if err := c.client.Del(ctx, c.prefix+username).Err(); err != nil {
		return errors.WrapError(err, constants.ErrCodeInternal, "device key cache delete failed")
	}
	return nil
}

var _ service.DeviceKeyCache = (*RedisCache)(nil)
