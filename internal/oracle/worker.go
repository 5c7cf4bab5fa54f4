package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/pkg/logger"
)

// Submission 是链下 worker 发往提交队列的消息。
type Submission struct {
	ID        string                 `json:"id"`
	Block     primitives.BlockNumber `json:"block"`
	Price     uint32                 `json:"price"`
	FetchedAt time.Time              `json:"fetched_at"`
}

// Call 返回对应的无签名调用。
func (s Submission) Call() Call {
	return Call{Block: s.Block, Price: s.Price}
}

// Publisher 把提交投递到队列。
type Publisher interface {
	Publish(ctx context.Context, sub Submission) error
}

// Watermark 读取链上的下一次允许提交区块。
type Watermark interface {
	NextUnsignedAt() primitives.BlockNumber
}

// WorkerConfig 描述链下 worker 的节流参数。
type WorkerConfig struct {
	// FetchInterval 是两次外部请求之间的最小间隔。
	FetchInterval time.Duration
	Burst         int
}

// Worker 在每个新区块上尝试获取价格并投递无签名提交。
type Worker struct {
	fetcher   PriceFetcher
	publisher Publisher
	watermark Watermark
	limiter   *rate.Limiter
	log       *slog.Logger
	now       func() time.Time
}

// NewWorker 构造链下 worker。
func NewWorker(cfg WorkerConfig, fetcher PriceFetcher, publisher Publisher, watermark Watermark) *Worker {
	limit := rate.Inf
	if cfg.FetchInterval > 0 {
		limit = rate.Every(cfg.FetchInterval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Worker{
		fetcher:   fetcher,
		publisher: publisher,
		watermark: watermark,
		limiter:   rate.NewLimiter(limit, burst),
		log:       logger.Named("oracle-worker"),
		now:       time.Now,
	}
}

// OnBlock 处理一个新导入的区块，返回是否投递了提交。
func (w *Worker) OnBlock(ctx context.Context, n primitives.BlockNumber) (bool, error) {
	if next := w.watermark.NextUnsignedAt(); next > n {
		w.log.Debug("提交会过期，跳过本区块", slog.Uint64("block", uint64(n)), slog.Uint64("next", uint64(next)))
		return false, nil
	}
	if !w.limiter.Allow() {
		w.log.Debug("价格请求被限流", slog.Uint64("block", uint64(n)))
		return false, nil
	}
	price, ok := w.fetcher.FetchPrice(ctx)
	if !ok {
		return false, nil
	}
	sub := Submission{
		ID:        uuid.NewString(),
		Block:     n,
		Price:     price,
		FetchedAt: w.now().UTC(),
	}
	if err := w.publisher.Publish(ctx, sub); err != nil {
		w.log.Error("投递价格提交失败", slog.Any("error", err), slog.Uint64("block", uint64(n)))
		return false, err
	}
	w.log.Info("价格提交已投递", slog.String("id", sub.ID), slog.Uint64("block", uint64(n)), slog.Uint64("price", uint64(price)))
	return true, nil
}

// Run 消费区块通知直到 ctx 结束或通道关闭。
func (w *Worker) Run(ctx context.Context, blocks <-chan primitives.BlockNumber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-blocks:
			if !ok {
				return nil
			}
			if _, err := w.OnBlock(ctx, n); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}
