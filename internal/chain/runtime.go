// Package chain is the ledger surrounding the marketplace: it sequences
// extrinsics through a pool, advances the block counter and hands every
// block boundary to the marketplace engine before the block's extrinsics.
package chain

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/ledger"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/observability/metrics"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/randomness"
	"KittyMarket-Chain/pkg/logger"
)

// Block 是出块结果。
type Block struct {
	Number     primitives.BlockNumber   `json:"number"`
	Hash       common.Hash              `json:"hash"`
	ParentHash common.Hash              `json:"parent_hash"`
	Timestamp  time.Time                `json:"timestamp"`
	Receipts   []Receipt                `json:"receipts"`
	Events     []primitives.EventRecord `json:"events"`
}

// Head 描述链头。
type Head struct {
	Number primitives.BlockNumber `json:"number"`
	Hash   common.Hash            `json:"hash"`
}

// Refresher 是需要在出块前刷新的种子源，例如依赖外部链的区块哈希。
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config 描述运行时参数。
type Config struct {
	Market             market.Params
	Oracle             oracle.FeedConfig
	ExistentialDeposit uint64
	Operator           *primitives.AccountID
	MaxBlockExtrinsics int
	PoolSize           int
}

// Runtime 持有市场引擎、价格源和账本，并串行化所有对它们的访问。
type Runtime struct {
	mu       sync.RWMutex
	ledger   *ledger.Ledger
	engine   *market.Engine
	feed     *oracle.Feed
	events   *primitives.EventLog
	seeds    randomness.SeedSource
	pool     *Pool
	operator *primitives.AccountID
	maxTxs   int
	head     Head

	subMu       sync.Mutex
	subscribers map[int]chan *Block
	nextSub     int

	log *slog.Logger
	now func() time.Time
}

// Option 定义 Runtime 的可选配置。
type Option func(*runtimeOptions)

type runtimeOptions struct {
	faults market.FaultReporter
	clock  func() time.Time
}

// WithFaultReporter 设置结算故障告警。
func WithFaultReporter(r market.FaultReporter) Option {
	return func(o *runtimeOptions) { o.faults = r }
}

// WithClock 替换出块时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *runtimeOptions) { o.clock = now }
}

// NewRuntime 构造运行时。
func NewRuntime(cfg Config, seeds randomness.SeedSource, opts ...Option) *Runtime {
	options := runtimeOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	events := &primitives.EventLog{}
	l := ledger.New(primitives.NewAmount(cfg.ExistentialDeposit))
	feed := oracle.NewFeed(cfg.Oracle, events)
	engineOpts := []market.Option{market.WithPriceSource(feed)}
	if options.faults != nil {
		engineOpts = append(engineOpts, market.WithFaultReporter(options.faults))
	}
	return &Runtime{
		ledger:      l,
		engine:      market.NewEngine(cfg.Market, l, seeds, events, engineOpts...),
		feed:        feed,
		events:      events,
		seeds:       seeds,
		pool:        NewPool(cfg.PoolSize),
		operator:    cfg.Operator,
		maxTxs:      cfg.MaxBlockExtrinsics,
		subscribers: make(map[int]chan *Block),
		log:         logger.Named("chain"),
		now:         options.clock,
	}
}

// Endow 在创世时为账户注入余额。
func (r *Runtime) Endow(who primitives.AccountID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Deposit(who, primitives.NewAmount(amount))
}

// Head 返回当前链头。
func (r *Runtime) Head() Head {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head
}

// NextUnsignedAt 实现 oracle.Watermark。
func (r *Runtime) NextUnsignedAt() primitives.BlockNumber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feed.NextUnsignedAt()
}

// Pool 返回交易池。
func (r *Runtime) Pool() *Pool { return r.pool }

// View 在读锁内访问引擎、价格源和账本。fn 不得保留这些引用。
func (r *Runtime) View(fn func(engine *market.Engine, feed *oracle.Feed, l *ledger.Ledger)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.engine, r.feed, r.ledger)
}

// Submit 把交易放入交易池。无签名价格提交会先经过校验。
func (r *Runtime) Submit(xt Extrinsic) error {
	if err := checkOrigin(xt); err != nil {
		return err
	}
	r.mu.RLock()
	head := r.head.Number
	var (
		validity oracle.ValidTransaction
		err      error
	)
	if xt.Call.Method.Unsigned() {
		validity, err = r.feed.ValidateUnsigned(oracle.Call{Block: xt.Call.Block, Price: xt.Call.Price}, head)
	}
	r.mu.RUnlock()

	if xt.Call.Method.Unsigned() {
		if err != nil {
			metrics.ObservePriceSubmission(string(xerrors.CodeOf(err)))
			return err
		}
		if err := r.pool.AddUnsigned(xt, validity, head); err != nil {
			metrics.ObservePriceSubmission(string(xerrors.CodeOf(err)))
			return err
		}
		metrics.ObservePriceSubmission("accepted")
		return nil
	}
	return r.pool.AddSigned(xt, head)
}

// Subscribe 订阅新区块。缓冲区满时新区块会被丢弃，调用 cancel 结束订阅。
func (r *Runtime) Subscribe(buffer int) (<-chan *Block, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *Block, buffer)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subscribers, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Runtime) publish(b *Block) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subscribers {
		select {
		case ch <- b:
		default:
			r.log.Warn("订阅者处理过慢，丢弃区块", slog.Int("subscriber", id), slog.Uint64("block", uint64(b.Number)))
		}
	}
}

// ProduceBlock 生产下一个区块：先结算到期挂单，再执行交易池中的交易。
func (r *Runtime) ProduceBlock(ctx context.Context) (*Block, error) {
	if refresher, ok := r.seeds.(Refresher); ok {
		if err := refresher.Refresh(ctx); err != nil {
			r.log.Warn("刷新随机种子失败，继续使用旧种子", slog.Any("error", err))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	n := r.head.Number + 1
	r.events.SetBlock(n)
	report, err := r.engine.AdvanceBlock(n)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	txs := r.pool.Take(r.maxTxs, r.head.Number)
	receipts := make([]Receipt, 0, len(txs))
	for i, xt := range txs {
		receipts = append(receipts, r.apply(i, xt, n))
	}

	block := &Block{
		Number:     n,
		ParentHash: r.head.Hash,
		Timestamp:  r.now().UTC(),
		Receipts:   receipts,
		Events:     r.events.Drain(),
	}
	block.Hash = blockHash(block, txs)
	r.head = Head{Number: n, Hash: block.Hash}

	avg, hasPrice := r.feed.AveragePrice()
	stats := metrics.BlockStats{
		Number:    uint64(n),
		Sold:      len(report.Sold),
		Ended:     len(report.Ended),
		Failed:    len(report.Failed),
		Recovered: len(report.Recovered),
		Pending:   len(r.engine.PendingSettlements()),
		PoolSize:  r.pool.Len(),
		Average:   avg,
		HasPrice:  hasPrice,
	}
	r.mu.Unlock()

	metrics.ObserveBlock(stats)
	r.log.Debug("区块已生产",
		slog.Uint64("number", uint64(n)),
		slog.Int("extrinsics", len(receipts)),
		slog.Int("events", len(block.Events)),
	)
	r.publish(block)
	return block, nil
}

// Run 按固定间隔出块直到 ctx 结束。
func (r *Runtime) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 6 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ProduceBlock(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Error("出块失败", slog.Any("error", err))
			}
		}
	}
}

// apply dispatches one extrinsic. The caller holds the write lock.
func (r *Runtime) apply(index int, xt Extrinsic, n primitives.BlockNumber) Receipt {
	mark := r.events.Len()
	receipt := Receipt{ExtrinsicID: xt.ID, Method: xt.Call.Method, Index: index}

	kitty, err := r.dispatch(xt, n)
	if err != nil {
		receipt.ErrorCode = xerrors.CodeOf(err)
		receipt.Error = err.Error()
		r.log.Debug("交易执行失败",
			slog.String("id", xt.ID),
			slog.String("method", string(xt.Call.Method)),
			slog.Any("error", err),
		)
	} else {
		receipt.Success = true
		receipt.Kitty = kitty
	}
	receipt.Events = r.events.Since(mark)
	metrics.ObserveExtrinsic(string(xt.Call.Method), receipt.Success)
	return receipt
}

func (r *Runtime) dispatch(xt Extrinsic, n primitives.BlockNumber) (*market.KittyID, error) {
	if err := checkOrigin(xt); err != nil {
		return nil, err
	}
	call := xt.Call
	switch call.Method {
	case MethodCreate:
		id, err := r.engine.Create(*xt.Signer)
		if err != nil {
			return nil, err
		}
		return &id, nil
	case MethodBreed:
		id, err := r.engine.Breed(*xt.Signer, call.ParentA, call.ParentB)
		if err != nil {
			return nil, err
		}
		return &id, nil
	case MethodTransfer:
		return kittyRef(call.Kitty), r.engine.Transfer(*xt.Signer, call.To, call.Kitty)
	case MethodListForSale:
		return kittyRef(call.Kitty), r.engine.ListForSale(*xt.Signer, call.Kitty, call.Expiry, call.Amount)
	case MethodBid:
		return kittyRef(call.Kitty), r.engine.Bid(*xt.Signer, call.Kitty, call.Amount)
	case MethodSubmitPrice:
		return nil, r.feed.SubmitPrice(*xt.Signer, call.Price)
	case MethodSubmitPriceUnsigned:
		return nil, r.feed.SubmitPriceUnsigned(n, oracle.Call{Block: call.Block, Price: call.Price})
	case MethodReleasePendingSettlement:
		if r.operator == nil || *r.operator != *xt.Signer {
			return nil, market.ErrBadOrigin
		}
		return kittyRef(call.Kitty), r.engine.ReleasePendingSettlement(call.Kitty)
	}
	return nil, ErrUnknownMethod
}

func kittyRef(id market.KittyID) *market.KittyID { return &id }

func blockHash(b *Block, txs []Extrinsic) common.Hash {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(b.Number))
	parts := [][]byte{b.ParentHash.Bytes(), num[:]}
	for _, xt := range txs {
		parts = append(parts, []byte(xt.ID))
	}
	return crypto.Keccak256Hash(parts...)
}
