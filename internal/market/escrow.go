package market

import (
	"log/slog"

	"github.com/holiman/uint256"
)

// Bid 对在售 kitty 出价。新的最高价会锁定出价人的资金并立即退还上一位
// 出价人；同一出价人加价时只追加差额。
func (e *Engine) Bid(caller AccountID, id KittyID, amount *uint256.Int) error {
	listing, ok := e.state.Listings[id]
	if !ok {
		if _, known := e.state.Kitties[id]; !known {
			return ErrKittyNotFound
		}
		return ErrKittyNotOnSale
	}
	if caller == listing.Seller {
		return ErrBidderIsOwner
	}
	if e.state.Block > listing.Expiry {
		return ErrSaleExpired
	}
	if e.atOwnedLimit(caller) {
		return ErrTooManyKitties
	}

	prev := e.state.Bids[id]
	threshold := cloneAmount(listing.ReservePrice)
	if prev != nil {
		if _, overflow := threshold.AddOverflow(prev.Amount, e.params.MinBidIncrement); overflow {
			return ErrBidTooLow
		}
	}
	if amount == nil || !amount.Gt(threshold) {
		return ErrBidTooLow
	}

	lock := cloneAmount(amount)
	raising := prev != nil && prev.Bidder == caller
	if raising {
		lock.Sub(lock, prev.Amount)
	}
	if !e.hasFree(caller, lock) {
		return ErrInsufficientBalance
	}
	if err := e.reserve(caller, lock); err != nil {
		return err
	}
	if prev != nil && !raising {
		if rest := e.currency.Unreserve(prev.Bidder, prev.Amount); !rest.IsZero() {
			e.log.Error("退还出价不完整",
				slog.Uint64("kitty", uint64(id)),
				slog.String("bidder", prev.Bidder.Hex()),
				slog.String("missing", rest.Dec()),
			)
		}
	}

	e.state.Bids[id] = &Bid{Bidder: caller, Amount: cloneAmount(amount)}
	e.emit(KittyBid{Bidder: caller, ID: id, Amount: cloneAmount(amount)})
	return nil
}
