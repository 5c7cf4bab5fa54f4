package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/oracle"
)

// MemoryQueue 是进程内的有界队列，供单节点部署和模拟使用。
type MemoryQueue struct {
	mu     sync.RWMutex
	items  chan oracle.Submission
	closed bool
}

// NewMemoryQueue 创建容量为 size 的队列，size 非正时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{items: make(chan oracle.Submission, size)}
}

// Publish 在队列满时阻塞，直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, sub oracle.Submission) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithRetryable(false))
	}
	select {
	case q.items <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 并发处理报价。可重试的失败在队列有空位时放回，否则丢弃。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(workerCount, 1); i++ {
		g.Go(func() error {
			for {
				var sub oracle.Submission
				select {
				case <-gctx.Done():
					return nil
				case next, ok := <-q.items:
					if !ok {
						return nil
					}
					sub = next
				}
				if err := handler(gctx, sub); err != nil && xerrors.RetryableError(err) {
					q.requeue(sub)
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) requeue(sub oracle.Submission) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.items <- sub:
	default:
	}
}

// Len 返回尚未消费的报价数。
func (q *MemoryQueue) Len() int { return len(q.items) }

// Close 关闭队列，已入队的报价仍可被消费。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	return nil
}
