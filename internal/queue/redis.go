package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/pkg/logger"
)

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Queue    string
	// BlockWait 是单次 BRPOP 的等待时长。
	BlockWait time.Duration
	// MaxBacklog 大于 0 时只保留最新的 MaxBacklog 条报价。
	MaxBacklog int
}

// RedisQueue 把报价放在一个 list 中，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client  redis.UniversalClient
	key     string
	wait    time.Duration
	backlog int64
}

// NewRedisQueue 连接 Redis 并确认可用。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 复用已有客户端，cfg 中的连接参数被忽略。
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisQueue {
	q := &RedisQueue{client: client, key: cfg.Queue, wait: cfg.BlockWait, backlog: int64(cfg.MaxBacklog)}
	if q.key == "" {
		q.key = "kittymarket:submissions"
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	return q
}

// Publish 入队一条报价，配置了 MaxBacklog 时同时裁剪最旧的报价。
func (q *RedisQueue) Publish(ctx context.Context, sub oracle.Submission) error {
	payload, err := encode(sub)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, q.key, payload)
		if q.backlog > 0 {
			p.LTrim(ctx, q.key, 0, q.backlog-1)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布报价失败")
	}
	return nil
}

// Consume 启动 workerCount 个协程轮询队列，直到 ctx 结束或 Redis 出错。
// 可重试的失败会被放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	log := logger.Named("queue").With(slog.String("driver", "redis"))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(workerCount, 1); i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				raw, err := q.pop(gctx)
				if err != nil {
					return err
				}
				if raw == "" {
					continue
				}
				sub, err := decode([]byte(raw))
				if err != nil {
					log.Warn("丢弃无法解析的报价", slog.Any("error", err))
					continue
				}
				if err := handler(gctx, sub); err != nil && xerrors.RetryableError(err) {
					if err := q.client.LPush(gctx, q.key, raw).Err(); err != nil {
						log.Warn("报价重新入队失败", slog.String("id", sub.ID), slog.Any("error", err))
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// pop 返回出队的原始报价，超时返回空串。
func (q *RedisQueue) pop(ctx context.Context) (string, error) {
	values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", nil
	case ctx.Err() != nil:
		return "", nil
	case err != nil:
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取报价失败")
	case len(values) != 2:
		return "", nil
	}
	return values[1], nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
