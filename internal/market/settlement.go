package market

import (
	"log/slog"
	"slices"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"KittyMarket-Chain/pkg/logger"
)

// BlockReport 汇总一次 AdvanceBlock 的结算结果。
type BlockReport struct {
	Block     BlockNumber
	Sold      []KittyID
	Ended     []KittyID
	Failed    []KittyID
	Recovered []KittyID
}

// AdvanceBlock 进入区块 n 并结算所有 expiry <= n 的挂单。区块号必须严格递增。
// 之前失败的结算会先于新到期的挂单重试。
func (e *Engine) AdvanceBlock(n BlockNumber) (BlockReport, error) {
	if n <= e.state.Block {
		return BlockReport{}, ErrInvalidBlockNumber
	}
	e.state.Block = n
	e.state.Draws = 0

	report := BlockReport{Block: n}
	for _, id := range sortedIDs(e.state.Pending) {
		if e.retryPending(id) {
			report.Recovered = append(report.Recovered, id)
		}
	}

	for _, expiry := range e.state.dueBlocks(n) {
		ids := append([]KittyID(nil), e.state.Expiries[expiry]...)
		delete(e.state.Expiries, expiry)
		slices.Sort(ids)
		for _, id := range ids {
			listing, ok := e.state.Listings[id]
			if !ok || listing.Expiry != expiry {
				continue
			}
			switch e.settle(id, listing) {
			case outcomeSold:
				report.Sold = append(report.Sold, id)
			case outcomeEnded:
				report.Ended = append(report.Ended, id)
			case outcomeFailed:
				report.Failed = append(report.Failed, id)
			}
		}
	}
	return report, nil
}

// ReleasePendingSettlement 放弃一次失败的结算：退还出价人的资金，kitty 留在卖家手中。
func (e *Engine) ReleasePendingSettlement(id KittyID) error {
	pending, ok := e.state.Pending[id]
	if !ok {
		return ErrNoPendingSettlement
	}
	if rest := e.currency.Unreserve(pending.Bidder, pending.Amount); !rest.IsZero() {
		e.log.Error("退款不完整", slog.Uint64("kitty", uint64(id)), slog.String("missing", rest.Dec()))
	}
	delete(e.state.Pending, id)

	logger.Audit().Warn("pending settlement released",
		slog.Uint64("kitty", uint64(id)),
		slog.String("seller", pending.Seller.Hex()),
		slog.String("bidder", pending.Bidder.Hex()),
		slog.String("amount", pending.Amount.Dec()),
		slog.Int("attempts", pending.Attempts),
	)
	e.emit(KittySaleEnded{ID: id, Owner: e.state.Owners[id]})
	return nil
}

type outcome int

const (
	outcomeEnded outcome = iota
	outcomeSold
	outcomeFailed
)

func (e *Engine) settle(id KittyID, listing *Listing) outcome {
	delete(e.state.Listings, id)
	bid, ok := e.state.Bids[id]
	if !ok {
		owner := e.state.Owners[id]
		logger.Audit().Info("sale ended without bids",
			slog.Uint64("kitty", uint64(id)),
			slog.String("owner", owner.Hex()),
			slog.Uint64("block", uint64(e.state.Block)),
		)
		e.emit(KittySaleEnded{ID: id, Owner: owner})
		return outcomeEnded
	}
	delete(e.state.Bids, id)

	// 出价后赢家可能已经拥有上限数量的 kitty，此时退款，kitty 留给卖家。
	if e.atOwnedLimit(bid.Bidder) {
		if rest := e.currency.Unreserve(bid.Bidder, bid.Amount); !rest.IsZero() {
			e.log.Error("退款不完整", slog.Uint64("kitty", uint64(id)), slog.String("missing", rest.Dec()))
		}
		logger.Audit().Warn("sale ended, winner at kitty limit",
			slog.Uint64("kitty", uint64(id)),
			slog.String("seller", listing.Seller.Hex()),
			slog.String("bidder", bid.Bidder.Hex()),
			slog.String("amount", bid.Amount.Dec()),
		)
		e.emit(KittySaleEnded{ID: id, Owner: listing.Seller})
		return outcomeEnded
	}

	if err := e.currency.RepatriateReserved(bid.Bidder, listing.Seller, bid.Amount); err != nil {
		pending := &PendingSettlement{
			Seller:    listing.Seller,
			Bidder:    bid.Bidder,
			Amount:    cloneAmount(bid.Amount),
			Expiry:    listing.Expiry,
			FailedAt:  e.state.Block,
			Attempts:  1,
			LastError: err.Error(),
		}
		e.state.Pending[id] = pending

		logger.Audit().Error("settlement transfer failed",
			slog.Uint64("kitty", uint64(id)),
			slog.String("seller", pending.Seller.Hex()),
			slog.String("bidder", pending.Bidder.Hex()),
			slog.String("amount", pending.Amount.Dec()),
			slog.Any("error", err),
		)
		if e.faults != nil {
			e.faults.ReportSettlementFailure(SettlementFailure{
				Kitty:   id,
				Block:   e.state.Block,
				Pending: *pending,
				Err:     currencyError(err),
			})
		}
		e.emit(KittySettlementFailed{
			ID:     id,
			Seller: pending.Seller,
			Bidder: pending.Bidder,
			Amount: cloneAmount(pending.Amount),
			Reason: err.Error(),
		})
		return outcomeFailed
	}

	e.completeSale(id, listing.Seller, bid.Bidder, bid.Amount)
	return outcomeSold
}

// retryPending tries the repatriation of a pending settlement again and
// reports whether it went through.
func (e *Engine) retryPending(id KittyID) bool {
	pending := e.state.Pending[id]
	if e.atOwnedLimit(pending.Bidder) {
		pending.Attempts++
		pending.LastError = ErrTooManyKitties.Error()
		return false
	}
	if err := e.currency.RepatriateReserved(pending.Bidder, pending.Seller, pending.Amount); err != nil {
		pending.Attempts++
		pending.LastError = err.Error()
		e.log.Debug("待处理结算重试失败",
			slog.Uint64("kitty", uint64(id)),
			slog.Int("attempts", pending.Attempts),
			slog.Any("error", err),
		)
		return false
	}
	delete(e.state.Pending, id)
	e.completeSale(id, pending.Seller, pending.Bidder, pending.Amount)
	return true
}

// completeSale runs once the funds reached the seller: it moves the stake
// and ownership and records the price.
func (e *Engine) completeSale(id KittyID, seller, winner AccountID, amount *uint256.Int) {
	kitty := e.state.Kitties[id]
	stake := cloneAmount(kitty.Stake)
	if !stake.IsZero() {
		if rest := e.currency.Unreserve(seller, stake); !rest.IsZero() {
			e.log.Error("卖家押金释放不完整", slog.Uint64("kitty", uint64(id)), slog.String("missing", rest.Dec()))
		}
		if err := e.currency.Reserve(winner, stake); err != nil {
			e.log.Warn("买家押金不足，kitty 不再附带押金",
				slog.Uint64("kitty", uint64(id)),
				slog.String("winner", winner.Hex()),
				slog.Any("error", err),
			)
			stake.Clear()
		}
	}
	kitty.Stake = stake

	e.state.setOwner(id, seller, winner)
	usd := e.usdEquivalent(amount)
	kitty.LastSalePrice = &SalePrice{Amount: cloneAmount(amount), USD: usd, Block: e.state.Block}

	audit := []any{
		slog.Uint64("kitty", uint64(id)),
		slog.String("seller", seller.Hex()),
		slog.String("winner", winner.Hex()),
		slog.String("amount", amount.Dec()),
		slog.Uint64("block", uint64(e.state.Block)),
	}
	if usd != nil {
		audit = append(audit, slog.String("usd", usd.StringFixed(2)))
	}
	logger.Audit().Info("kitty sold", audit...)

	e.emit(KittyTransferred{From: seller, To: winner, ID: id})
	e.emit(KittySold{ID: id, From: seller, To: winner, Amount: cloneAmount(amount), USD: usd})
}

// usdEquivalent converts an on-chain amount to dollars using the oracle
// average, which is quoted in cents.
func (e *Engine) usdEquivalent(amount *uint256.Int) *decimal.Decimal {
	if e.prices == nil {
		return nil
	}
	cents, ok := e.prices.AveragePrice()
	if !ok {
		return nil
	}
	units := decimal.NewFromBigInt(amount.ToBig(), -e.params.CurrencyDecimals)
	usd := units.Mul(decimal.New(int64(cents), -2)).Round(2)
	return &usd
}
