package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"KittyMarket-Chain/internal/chain"
	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/primitives"
)

// Config 描述 Redis 快照存储的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// hashClient 是快照存储用到的 Redis 命令子集。
type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
	Close() error
}

// SnapshotStore 把快照保存在 Redis hash 中。
type SnapshotStore struct {
	client hashClient
	key    string
	ttl    time.Duration
}

var _ chain.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore 连接 Redis 并创建快照存储。
func NewSnapshotStore(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newSnapshotStore(client, cfg.Key, cfg.TTL), nil
}

func newSnapshotStore(client hashClient, key string, ttl time.Duration) *SnapshotStore {
	if key == "" {
		key = "kittymarket:snapshot"
	}
	return &SnapshotStore{client: client, key: key, ttl: ttl}
}

// SaveSnapshot 覆盖保存最新快照。
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, head primitives.BlockNumber, payload []byte) error {
	err := s.client.HSet(ctx, s.key,
		"head", strconv.FormatUint(uint64(head), 10),
		"payload", payload,
		"saved_at", strconv.FormatInt(time.Now().Unix(), 10),
	).Err()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 保存快照失败", xerrors.WithMetadata("head", head.String()))
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, s.key, s.ttl).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 设置快照过期时间失败")
		}
	}
	return nil
}

// LoadSnapshot 读取最新快照。
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取快照失败")
	}
	payload, ok := fields["payload"]
	if !ok || payload == "" {
		return nil, chain.ErrSnapshotNotFound
	}
	return []byte(payload), nil
}

// Head 返回最新快照对应的区块号。
func (s *SnapshotStore) Head(ctx context.Context) (primitives.BlockNumber, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取快照失败")
	}
	head, ok := raw["head"]
	if !ok {
		return 0, chain.ErrSnapshotNotFound
	}
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "快照区块号损坏", xerrors.WithRetryable(false))
	}
	return primitives.BlockNumber(n), nil
}

// Close 关闭 Redis 客户端。
func (s *SnapshotStore) Close() error {
	return s.client.Close()
}
