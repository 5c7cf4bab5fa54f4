package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/pkg/logger"
)

const defaultRabbitQueue = "kittymarket.submissions"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
	// MessageTTL 映射为 x-message-ttl，过期的报价不再投递。
	MessageTTL time.Duration
}

func (c RabbitMQConfig) arguments() amqp.Table {
	if c.MessageTTL <= 0 {
		return nil
	}
	return amqp.Table{"x-message-ttl": c.MessageTTL.Milliseconds()}
}

// RabbitMQQueue 通过默认交换机把报价投递到单个队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQQueue 建立连接并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = defaultRabbitQueue
	}
	q := &RabbitMQQueue{queue: cfg.Queue}
	var err error
	defer func() {
		if err != nil {
			_ = q.Close()
		}
	}()

	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	if q.ch, err = q.conn.Channel(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err = q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ prefetch 失败")
		}
	}
	if _, err = q.ch.QueueDeclare(cfg.Queue, cfg.Durable, !cfg.Durable, false, false, cfg.arguments()); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("声明队列 %s 失败", cfg.Queue))
	}
	return q, nil
}

// Publish 以提交 ID 作为 MessageId 发布报价。
func (q *RabbitMQQueue) Publish(ctx context.Context, sub oracle.Submission) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	body, err := encode(sub)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    sub.ID,
		Timestamp:    sub.FetchedAt,
		Type:         "price_submission",
		Body:         body,
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布报价失败")
	}
	return nil
}

// Consume 以手动确认方式消费。无法解析的消息直接丢弃，可重试的失败只重新入队一次。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	log := logger.Named("queue").With(slog.String("driver", "rabbitmq"))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(workerCount, 1); i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					q.settle(gctx, log, d, handler)
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) settle(ctx context.Context, log *slog.Logger, d amqp.Delivery, handler Handler) {
	sub, err := decode(d.Body)
	if err != nil {
		log.Warn("丢弃无法解析的报价", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Reject(false)
		return
	}
	if err := handler(ctx, sub); err != nil && xerrors.RetryableError(err) {
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	var errs []error
	if q.ch != nil {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}
