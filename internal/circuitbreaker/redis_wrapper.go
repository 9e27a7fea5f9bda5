package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards the embedding-cache Redis client with a breaker. Cache
// misses (redis.Nil) count as successes; only transport and server errors
// trip the breaker.
type RedisWrapper struct {
	client  *redis.Client
	breaker *Breaker
}

func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	b := New("redis", RedisSettings(), logger)
	GlobalMetricsCollector.Register("redis", "embedding-cache", b)
	return &RedisWrapper{client: client, breaker: b}
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.do(ctx, func() error {
		cmd = rw.client.Ping(ctx)
		return cmd.Err()
	})
	return statusCmdOr(ctx, cmd, err)
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	err := rw.do(ctx, func() error {
		cmd = rw.client.Get(ctx, key)
		if cmd.Err() == redis.Nil {
			return nil
		}
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.do(ctx, func() error {
		cmd = rw.client.Set(ctx, key, value, expiration)
		return cmd.Err()
	})
	return statusCmdOr(ctx, cmd, err)
}

func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

func (rw *RedisWrapper) do(ctx context.Context, fn func() error) error {
	err := rw.breaker.Do(ctx, fn)
	GlobalMetricsCollector.RecordRequest("redis", "embedding-cache", rw.breaker.State(), err == nil)
	return err
}

// statusCmdOr substitutes a failed command when the breaker rejected the
// call and no command ever ran.
func statusCmdOr(ctx context.Context, cmd *redis.StatusCmd, err error) *redis.StatusCmd {
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}
