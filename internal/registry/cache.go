// Package registry serves token registry lookups through a Redis cache
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/tokensettle/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "token:"

// Source is the authoritative token registry
type Source interface {
	GetToken(ctx context.Context, tokenID string) (*models.Token, error)
}

// Cache is a read-through token cache. Redis being unavailable degrades
// to direct source reads; it never fails a lookup.
type Cache struct {
	source Source
	rdb    redis.Cmdable
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCache wraps source. A nil rdb disables the shared cache.
func NewCache(source Source, rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{source: source, rdb: rdb, ttl: ttl, logger: logger.Named("registry")}
}

func (c *Cache) GetToken(ctx context.Context, tokenID string) (*models.Token, error) {
	key := keyPrefix + tokenID
	if c.rdb != nil {
		cached, err := c.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			var token models.Token
			if json.Unmarshal([]byte(cached), &token) == nil {
				return &token, nil
			}
		case !errors.Is(err, redis.Nil):
			c.logger.Debug("token cache read failed", zap.String("token_id", tokenID), zap.Error(err))
		}
	}

	// concurrent misses for one token share a single source read
	v, err, _ := c.group.Do(tokenID, func() (interface{}, error) {
		token, err := c.source.GetToken(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		if c.rdb != nil {
			data, _ := json.Marshal(token)
			if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
				c.logger.Debug("token cache write failed", zap.String("token_id", tokenID), zap.Error(err))
			}
		}
		return token, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*models.Token)
	return &cp, nil
}

// Invalidate drops a token, e.g. after a price update
func (c *Cache) Invalidate(ctx context.Context, tokenID string) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, keyPrefix+tokenID).Err()
}
