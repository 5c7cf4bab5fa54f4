// Package market implements the kitty marketplace: the kitty registry, the
// auction listing manager, the bid escrow and block-boundary settlement.
//
// The engine is deterministic and not safe for concurrent use. Callers
// serialise every operation and call AdvanceBlock exactly once per block
// before the block's transactions.
package market

import (
	stdErrors "errors"
	"log/slog"

	"github.com/holiman/uint256"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/ledger"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/randomness"
	"KittyMarket-Chain/pkg/logger"
)

// Currency 是市场依赖的可锁定货币。
type Currency interface {
	FreeBalance(who AccountID) uint256.Int
	Reserve(who AccountID, amount *uint256.Int) error
	Unreserve(who AccountID, amount *uint256.Int) *uint256.Int
	RepatriateReserved(from, to AccountID, amount *uint256.Int) error
}

// PriceSource 提供以美分计的平均价格。
type PriceSource interface {
	AveragePrice() (uint32, bool)
}

// SettlementFailure 描述一次失败的结算。
type SettlementFailure struct {
	Kitty   KittyID
	Block   BlockNumber
	Pending PendingSettlement
	Err     error
}

// FaultReporter 接收结算故障，用于告警。实现不能阻塞。
type FaultReporter interface {
	ReportSettlementFailure(SettlementFailure)
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithPriceSource 让结算记录成交的法币价值。
func WithPriceSource(src PriceSource) Option {
	return func(e *Engine) { e.prices = src }
}

// WithFaultReporter 设置结算故障的接收方。
func WithFaultReporter(r FaultReporter) Option {
	return func(e *Engine) { e.faults = r }
}

// WithState 使用已有状态启动引擎，常用于从快照恢复。
func WithState(state *MarketplaceState) Option {
	return func(e *Engine) {
		if state != nil {
			e.state = state
		}
	}
}

// Engine 是市场的状态机。
type Engine struct {
	params   Params
	currency Currency
	seeds    randomness.SeedSource
	events   primitives.EventSink
	prices   PriceSource
	faults   FaultReporter
	state    *MarketplaceState
	log      *slog.Logger
}

// NewEngine 构造市场引擎。
func NewEngine(params Params, currency Currency, seeds randomness.SeedSource, events primitives.EventSink, opts ...Option) *Engine {
	params.normalize()
	e := &Engine{
		params:   params,
		currency: currency,
		seeds:    seeds,
		events:   events,
		state:    NewState(),
		log:      logger.Named("market"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.state.normalize()
	if e.events == nil {
		e.events = &primitives.EventLog{}
	}
	if e.seeds == nil {
		e.seeds = randomness.Fixed{}
	}
	return e
}

// Params 返回引擎参数。
func (e *Engine) Params() Params { return e.params }

// State 返回内部状态。调用方只能在持有与引擎相同的锁时读取。
func (e *Engine) State() *MarketplaceState { return e.state }

// Restore 用快照替换当前状态。
func (e *Engine) Restore(state *MarketplaceState) {
	if state == nil {
		state = NewState()
	}
	state.normalize()
	e.state = state
}

// CurrentBlock 返回最近一次 AdvanceBlock 的区块号。
func (e *Engine) CurrentBlock() BlockNumber { return e.state.Block }

// Kitty 返回 kitty 的副本及其主人。
func (e *Engine) Kitty(id KittyID) (Kitty, AccountID, bool) {
	k, ok := e.state.Kitties[id]
	if !ok {
		return Kitty{}, AccountID{}, false
	}
	return *k, e.state.Owners[id], true
}

// OwnerOf 返回 kitty 的主人。
func (e *Engine) OwnerOf(id KittyID) (AccountID, bool) {
	owner, ok := e.state.Owners[id]
	return owner, ok
}

// KittiesOf 返回账户持有的 kitty。
func (e *Engine) KittiesOf(who AccountID) []KittyID {
	ids := e.state.Owned[who]
	out := make([]KittyID, len(ids))
	copy(out, ids)
	return out
}

// KittyCount 返回已铸造的 kitty 数量。
func (e *Engine) KittyCount() int { return len(e.state.Kitties) }

// ListingView 是挂单及其当前最高出价。
type ListingView struct {
	Kitty   KittyID
	Listing Listing
	Bid     *Bid
}

// Listing 返回 kitty 的挂单。
func (e *Engine) Listing(id KittyID) (ListingView, bool) {
	l, ok := e.state.Listings[id]
	if !ok {
		return ListingView{}, false
	}
	view := ListingView{Kitty: id, Listing: *l}
	if b, ok := e.state.Bids[id]; ok {
		copied := *b
		view.Bid = &copied
	}
	return view, true
}

// Listings 按编号返回全部有效挂单。
func (e *Engine) Listings() []ListingView {
	ids := sortedIDs(e.state.Listings)
	out := make([]ListingView, 0, len(ids))
	for _, id := range ids {
		view, _ := e.Listing(id)
		out = append(out, view)
	}
	return out
}

// PendingSettlements 按编号返回待处理的结算。
func (e *Engine) PendingSettlements() map[KittyID]PendingSettlement {
	out := make(map[KittyID]PendingSettlement, len(e.state.Pending))
	for id, p := range e.state.Pending {
		out[id] = *p
	}
	return out
}

func (e *Engine) emit(ev primitives.Event) {
	e.events.Emit(ev)
}

// reserve locks funds for a domain operation and maps ledger failures onto
// marketplace codes.
func (e *Engine) reserve(who AccountID, amount *uint256.Int) error {
	if err := e.currency.Reserve(who, amount); err != nil {
		return currencyError(err)
	}
	return nil
}

func (e *Engine) hasFree(who AccountID, amount *uint256.Int) bool {
	free := e.currency.FreeBalance(who)
	return !free.Lt(amount)
}

func currencyError(err error) error {
	switch {
	case stdErrors.Is(err, ledger.ErrExistentialDeposit):
		return xerrors.Wrap(CodeExistentialDeposit, err, "")
	case stdErrors.Is(err, ledger.ErrInsufficientBalance):
		return xerrors.Wrap(CodeInsufficientBalance, err, "")
	default:
		return err
	}
}
