package market

import (
	"log/slog"

	"github.com/holiman/uint256"

	"KittyMarket-Chain/pkg/logger"
)

// ListForSale 把 kitty 挂牌拍卖直到 expiry 区块。
func (e *Engine) ListForSale(caller AccountID, id KittyID, expiry BlockNumber, reserve *uint256.Int) error {
	if _, ok := e.state.Kitties[id]; !ok {
		return ErrKittyNotFound
	}
	if e.state.Owners[id] != caller {
		return ErrNotOwner
	}
	if e.state.frozen(id) {
		return ErrAlreadyOnSale
	}
	current := e.state.Block
	if expiry <= current || expiry-current < e.params.MinSaleSpan {
		return ErrInvalidBlockNumber
	}

	listing := &Listing{Seller: caller, Expiry: expiry, ReservePrice: cloneAmount(reserve)}
	e.state.Listings[id] = listing
	e.state.Expiries[expiry] = append(e.state.Expiries[expiry], id)

	logger.Audit().Info("kitty listed",
		slog.Uint64("kitty", uint64(id)),
		slog.String("seller", caller.Hex()),
		slog.Uint64("expiry", uint64(expiry)),
		slog.String("reserve", listing.ReservePrice.Dec()),
	)
	e.emit(KittyOnSale{Owner: caller, ID: id, Expiry: expiry, ReservePrice: cloneAmount(listing.ReservePrice)})
	return nil
}
