package chain

import (
	"context"
	"log/slog"

	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/pkg/logger"
)

// Relay 把队列中的价格提交转成无签名交易交给交易池。
type Relay struct {
	runtime *Runtime
	log     *slog.Logger
}

// NewRelay 创建中继。
func NewRelay(runtime *Runtime) *Relay {
	return &Relay{runtime: runtime, log: logger.Named("relay")}
}

// Handle 实现 queue.Handler。
func (r *Relay) Handle(_ context.Context, sub oracle.Submission) error {
	xt := Extrinsic{
		ID:   sub.ID,
		Call: Call{Method: MethodSubmitPriceUnsigned, Block: sub.Block, Price: sub.Price},
	}
	if err := r.runtime.Submit(xt); err != nil {
		r.log.Info("价格提交未进入交易池",
			slog.String("id", sub.ID),
			slog.Uint64("block", uint64(sub.Block)),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
