package registry

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store"
	"go.uber.org/zap"
)

type countingSource struct {
	calls int32
	delay time.Duration
}

func (s *countingSource) GetToken(ctx context.Context, tokenID string) (*models.Token, error) {
	atomic.AddInt32(&s.calls, 1)
	time.Sleep(s.delay)
	if tokenID != "tok-1" {
		return nil, store.ErrNotFound
	}
	return &models.Token{ID: "tok-1", Symbol: "BLDG", Decimals: 2, PricePerUnit: decimal.NewFromInt(100)}, nil
}

func TestCacheWithoutRedis(t *testing.T) {
	ctx := context.Background()

	t.Run("should collapse concurrent misses into one read", func(t *testing.T) {
		src := &countingSource{delay: 50 * time.Millisecond}
		cache := NewCache(src, nil, time.Minute, zap.NewNop())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				token, err := cache.GetToken(ctx, "tok-1")
				assert.NoError(t, err)
				assert.Equal(t, "BLDG", token.Symbol)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
	})

	t.Run("should pass through source errors", func(t *testing.T) {
		cache := NewCache(&countingSource{}, nil, time.Minute, zap.NewNop())
		_, err := cache.GetToken(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("should fall back to the source when redis is down", func(t *testing.T) {
		rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
		defer rdb.Close()
		cache := NewCache(&countingSource{}, rdb, time.Minute, zap.NewNop())

		token, err := cache.GetToken(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", token.ID)
	})
}

func TestCacheWithRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	src := &countingSource{}
	cache := NewCache(src, rdb, time.Minute, zap.NewNop())
	require.NoError(t, cache.Invalidate(ctx, "tok-1"))

	_, err := cache.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	_, err = cache.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))

	require.NoError(t, cache.Invalidate(ctx, "tok-1"))
	_, err = cache.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}
