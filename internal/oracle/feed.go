package oracle

import (
	"log/slog"

	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/pkg/logger"
)

// DefaultUnsignedInterval 是两次无签名价格提交之间的最小区块间隔。
const DefaultUnsignedInterval = 5

// NewPrice 在价格写入窗口时发出。Source 为空表示来自无签名提交。
type NewPrice struct {
	Price  uint32                `json:"price"`
	Source *primitives.AccountID `json:"source"`
}

func (NewPrice) EventName() string { return "NewPrice" }

// FeedConfig 描述价格源的参数。
type FeedConfig struct {
	MaxPrices        int
	UnsignedInterval primitives.BlockNumber
	Longevity        uint64
	Priority         uint64
}

// FeedState 是价格源可持久化的部分。
type FeedState struct {
	Prices         []uint32               `json:"prices"`
	NextUnsignedAt primitives.BlockNumber `json:"next_unsigned_at"`
}

// Feed 是链上的价格存储。与市场引擎一样不是并发安全的。
type Feed struct {
	window         *PriceWindow
	interval       primitives.BlockNumber
	validator      UnsignedValidator
	nextUnsignedAt primitives.BlockNumber
	events         primitives.EventSink
	log            *slog.Logger
}

// NewFeed 构造价格源。
func NewFeed(cfg FeedConfig, events primitives.EventSink) *Feed {
	if cfg.UnsignedInterval == 0 {
		cfg.UnsignedInterval = DefaultUnsignedInterval
	}
	if events == nil {
		events = &primitives.EventLog{}
	}
	return &Feed{
		window:    NewPriceWindow(cfg.MaxPrices),
		interval:  cfg.UnsignedInterval,
		validator: NewUnsignedValidator(cfg.Longevity, cfg.Priority),
		events:    events,
		log:       logger.Named("oracle"),
	}
}

// ValidateUnsigned 判断一笔无签名价格提交能否进入交易池。
func (f *Feed) ValidateUnsigned(call Call, current primitives.BlockNumber) (ValidTransaction, error) {
	tx, err := f.validator.Validate(call, current, f.nextUnsignedAt)
	if err != nil {
		return ValidTransaction{}, err
	}
	avg, ok := f.window.Average()
	return tx.withDistance(call.Price, avg, ok), nil
}

// SubmitPriceUnsigned 执行无签名价格提交：重新校验，写入窗口并推进水位线。
func (f *Feed) SubmitPriceUnsigned(current primitives.BlockNumber, call Call) error {
	if _, err := f.validator.Validate(call, current, f.nextUnsignedAt); err != nil {
		return err
	}
	f.add(nil, call.Price)
	f.nextUnsignedAt = current + f.interval
	return nil
}

// SubmitPrice 是签名提交，不影响水位线。
func (f *Feed) SubmitPrice(caller primitives.AccountID, price uint32) error {
	source := caller
	f.add(&source, price)
	return nil
}

// AveragePrice 返回窗口内的平均价格（美分）。
func (f *Feed) AveragePrice() (uint32, bool) {
	return f.window.Average()
}

// NextUnsignedAt 返回下一次允许无签名提交的区块。
func (f *Feed) NextUnsignedAt() primitives.BlockNumber {
	return f.nextUnsignedAt
}

// Prices 返回窗口内的样本。
func (f *Feed) Prices() []uint32 {
	return f.window.Prices()
}

// State 导出可持久化状态。
func (f *Feed) State() FeedState {
	return FeedState{Prices: f.window.Prices(), NextUnsignedAt: f.nextUnsignedAt}
}

// Restore 从快照恢复。
func (f *Feed) Restore(state FeedState) {
	f.window.restore(state.Prices)
	f.nextUnsignedAt = state.NextUnsignedAt
}

func (f *Feed) add(source *primitives.AccountID, price uint32) {
	f.window.Add(price)
	avg, _ := f.window.Average()

	attrs := []any{slog.Uint64("price", uint64(price)), slog.Uint64("average", uint64(avg))}
	if source != nil {
		attrs = append(attrs, slog.String("source", source.Hex()))
	}
	logger.Audit().Info("price admitted", attrs...)
	f.events.Emit(NewPrice{Price: price, Source: source})
}
