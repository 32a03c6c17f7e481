package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisConfig 描述 Redis 派发队列。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// RedisQueue 把派发消息保存在 Redis list 中，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
	retry  retryPolicy
}

// NewRedisQueue 连接 Redis 并校验可用性。
func NewRedisQueue(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisQueue(client, cfg, opts...), nil
}

func newRedisQueue(client *redis.Client, cfg RedisConfig, opts ...Option) *RedisQueue {
	q := &RedisQueue{client: client, key: cfg.Key, wait: cfg.BlockWait, retry: newRetryPolicy("redis", opts)}
	if q.key == "" {
		q.key = "crewd:dispatch"
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	return q
}

// Publish 将消息写入 list 头部。
func (q *RedisQueue) Publish(ctx context.Context, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("Redis 投递任务失败: %w", err)
	}
	return nil
}

// Consume 以 workers 个协程阻塞读取 list 尾部。任一协程遇到连接错误时全部退出。
func (q *RedisQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for range max(workers, 1) {
		g.Go(func() error { return q.loop(gctx, handler) })
	}
	return g.Wait()
}

func (q *RedisQueue) loop(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("Redis 读取任务失败: %w", err)
		case len(values) != 2:
			continue
		}
		env, err := decode([]byte(values[1]))
		if err != nil {
			q.retry.logger.WarnContext(ctx, "丢弃无法解析的派发消息", slog.Any("error", err))
			continue
		}
		if err := handler(ctx, env); err != nil {
			q.retry.redeliver(ctx, env, err, q.Publish)
		}
	}
}

// Len 返回 list 中待处理的消息数。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
