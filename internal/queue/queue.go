// Package queue carries oracle price submissions from the off-chain worker
// to the transaction pool relay.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/oracle"
)

// Handler 处理一条价格提交。返回可重试错误时消息会重新投递。
type Handler func(ctx context.Context, sub oracle.Submission) error

// Producer 负责向队列投递提交。
type Producer interface {
	Publish(ctx context.Context, sub oracle.Submission) error
	Close() error
}

// Consumer 负责从队列中消费提交。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func encode(sub oracle.Submission) ([]byte, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码价格提交失败")
	}
	return payload, nil
}

func decode(payload []byte) (oracle.Submission, error) {
	var sub oracle.Submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return oracle.Submission{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("解析价格提交失败: %q", payload), xerrors.WithRetryable(false))
	}
	return sub, nil
}
