package alerting

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/pkg/logger"
)

// SettlementReporter 把结算故障转成告警。发送在后台进行，不阻塞出块。
type SettlementReporter struct {
	dispatcher Dispatcher
	timeout    time.Duration
	now        func() time.Time
	// sent 在测试中用于等待发送完成。
	sent func()
}

// NewSettlementReporter 创建结算故障告警器。
func NewSettlementReporter(dispatcher Dispatcher, timeout time.Duration) *SettlementReporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SettlementReporter{dispatcher: dispatcher, timeout: timeout, now: time.Now}
}

// ReportSettlementFailure 实现 market.FaultReporter。
func (r *SettlementReporter) ReportSettlementFailure(f market.SettlementFailure) {
	if r == nil || r.dispatcher == nil {
		return
	}
	if !xerrors.ShouldAlert(f.Err) && xerrors.SeverityOf(f.Err) == xerrors.SeverityInfo {
		return
	}
	event := Event{
		Code:     xerrors.CodeOf(f.Err),
		Message:  "kitty settlement failed, funds kept reserved",
		Severity: xerrors.SeverityOf(f.Err),
		Subject:  "kitty/" + strconv.FormatUint(uint64(f.Kitty), 10),
		Block:    uint64(f.Block),
		Attempts: f.Pending.Attempts,
		Metadata: map[string]string{
			"seller": f.Pending.Seller.Hex(),
			"bidder": f.Pending.Bidder.Hex(),
			"amount": f.Pending.Amount.Dec(),
			"error":  f.Err.Error(),
		},
		OccurredAt: r.now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.dispatcher.Notify(ctx, event); err != nil {
			logger.Named("alerting").Warn("告警发送失败", slog.Any("error", err), slog.String("subject", event.Subject))
		}
		if r.sent != nil {
			r.sent()
		}
	}()
}
