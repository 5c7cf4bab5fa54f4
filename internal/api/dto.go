package api

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"KittyMarket-Chain/internal/chain"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/primitives"
)

// 金额一律以十进制字符串输出，避免 JSON 数字精度丢失。

// SalePriceDTO 是最近一次成交价。
type SalePriceDTO struct {
	Amount string `json:"amount"`
	USD    string `json:"usd_equivalent,omitempty"`
	Block  uint64 `json:"block"`
}

// BidDTO 是当前最高出价。
type BidDTO struct {
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
}

// ListingDTO 是一条挂单。
type ListingDTO struct {
	Kitty        uint32  `json:"kitty_id"`
	Seller       string  `json:"seller"`
	ExpiryBlock  uint64  `json:"expiry_block"`
	ReservePrice string  `json:"reserve_price"`
	Bid          *BidDTO `json:"bid,omitempty"`
}

// PendingDTO 是一笔待恢复的结算。
type PendingDTO struct {
	Kitty     uint32 `json:"kitty_id"`
	Seller    string `json:"seller"`
	Bidder    string `json:"bidder"`
	Amount    string `json:"amount"`
	FailedAt  uint64 `json:"failed_at"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// KittyDTO 描述一只 kitty。
type KittyDTO struct {
	ID            uint32        `json:"id"`
	DNA           string        `json:"dna"`
	Owner         string        `json:"owner"`
	Stake         string        `json:"stake"`
	LastSalePrice *SalePriceDTO `json:"last_sale_price,omitempty"`
	Listing       *ListingDTO   `json:"listing,omitempty"`
	Pending       *PendingDTO   `json:"pending_settlement,omitempty"`
}

// AccountDTO 描述账户余额与持有的 kitty。
type AccountDTO struct {
	Account  string   `json:"account"`
	Free     string   `json:"free"`
	Reserved string   `json:"reserved"`
	Kitties  []uint32 `json:"kitties"`
}

// PricesDTO 描述价格源。
type PricesDTO struct {
	AverageCents   *uint32  `json:"average_cents,omitempty"`
	AverageUSD     string   `json:"average_usd,omitempty"`
	Prices         []uint32 `json:"prices"`
	NextUnsignedAt uint64   `json:"next_unsigned_at"`
}

// SubmitRequest 是提交交易的请求体。开启认证后 Signer 由令牌决定。
type SubmitRequest struct {
	ID     string                `json:"id,omitempty"`
	Signer *primitives.AccountID `json:"signer,omitempty"`
	Call   chain.Call            `json:"call"`
}

// SubmitResponse 是提交结果。
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func centsToUSD(cents uint32) string {
	return decimal.New(int64(cents), -2).StringFixed(2)
}

func salePriceDTO(p *market.SalePrice) *SalePriceDTO {
	if p == nil {
		return nil
	}
	out := &SalePriceDTO{Amount: amountString(p.Amount), Block: uint64(p.Block)}
	if p.USD != nil {
		out.USD = p.USD.StringFixed(2)
	}
	return out
}

func listingDTO(v market.ListingView) *ListingDTO {
	out := &ListingDTO{
		Kitty:        uint32(v.Kitty),
		Seller:       v.Listing.Seller.Hex(),
		ExpiryBlock:  uint64(v.Listing.Expiry),
		ReservePrice: amountString(v.Listing.ReservePrice),
	}
	if v.Bid != nil {
		out.Bid = &BidDTO{Bidder: v.Bid.Bidder.Hex(), Amount: amountString(v.Bid.Amount)}
	}
	return out
}

func pendingDTO(id market.KittyID, p market.PendingSettlement) *PendingDTO {
	return &PendingDTO{
		Kitty:     uint32(id),
		Seller:    p.Seller.Hex(),
		Bidder:    p.Bidder.Hex(),
		Amount:    amountString(p.Amount),
		FailedAt:  uint64(p.FailedAt),
		Attempts:  p.Attempts,
		LastError: p.LastError,
	}
}
