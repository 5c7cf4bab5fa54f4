package market

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"KittyMarket-Chain/internal/randomness"
)

type KittyCreated struct {
	Creator AccountID      `json:"creator"`
	ID      KittyID        `json:"id"`
	DNA     randomness.DNA `json:"dna"`
}

func (KittyCreated) EventName() string { return "KittyCreated" }

type KittyTransferred struct {
	From AccountID `json:"from"`
	To   AccountID `json:"to"`
	ID   KittyID   `json:"id"`
}

func (KittyTransferred) EventName() string { return "KittyTransferred" }

type KittyOnSale struct {
	Owner        AccountID    `json:"owner"`
	ID           KittyID      `json:"id"`
	Expiry       BlockNumber  `json:"expiry_block"`
	ReservePrice *uint256.Int `json:"reserve_price"`
}

func (KittyOnSale) EventName() string { return "KittyOnSale" }

type KittyBid struct {
	Bidder AccountID    `json:"bidder"`
	ID     KittyID      `json:"id"`
	Amount *uint256.Int `json:"amount"`
}

func (KittyBid) EventName() string { return "KittyBid" }

// KittySold is emitted when settlement hands a kitty to the winning bidder.
type KittySold struct {
	ID     KittyID          `json:"id"`
	From   AccountID        `json:"from"`
	To     AccountID        `json:"to"`
	Amount *uint256.Int     `json:"amount"`
	USD    *decimal.Decimal `json:"usd_equivalent,omitempty"`
}

func (KittySold) EventName() string { return "KittySold" }

// KittySaleEnded is emitted when a listing closes without changing owner,
// either unsold or refunded after a failed settlement.
type KittySaleEnded struct {
	ID    KittyID   `json:"id"`
	Owner AccountID `json:"owner"`
}

func (KittySaleEnded) EventName() string { return "KittySaleEnded" }

type KittySettlementFailed struct {
	ID     KittyID      `json:"id"`
	Seller AccountID    `json:"seller"`
	Bidder AccountID    `json:"bidder"`
	Amount *uint256.Int `json:"amount"`
	Reason string       `json:"reason"`
}

func (KittySettlementFailed) EventName() string { return "KittySettlementFailed" }
